package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"licensing-controlplane/pkg/catalog"
	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/db"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/logger"
	"licensing-controlplane/pkg/redis"
	"licensing-controlplane/pkg/sequence"
	"licensing-controlplane/services/subscription"
	"licensing-controlplane/services/validation"
)

// catalogaudit runs one catalog-query consistency audit and exits.
// Exit codes: 0 consistent, 1 mapping mismatch, 2 audit could not
// complete. Cron wrappers alert on 1 and retry on 2.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		catalog.Module,
		fx.Provide(subscription.NewPlanRepository),
		validation.Module,
		fx.Invoke(runAudit),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func runAudit(lc fx.Lifecycle, shutdowner fx.Shutdowner, v *validation.Validator) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				report, err := v.Validate(context.Background())
				_ = shutdowner.Shutdown(fx.ExitCode(exitCode(report, err)))
			}()
			return nil
		},
	})
}

func exitCode(report *validation.ValidationReport, err error) int {
	if report != nil {
		encoded, marshalErr := json.MarshalIndent(report, "", "  ")
		if marshalErr == nil {
			fmt.Println(string(encoded))
		}
	}

	switch {
	case err == nil:
		return 0
	case errutil.HasStatus(err, validation.StatusMappingMismatch):
		zap.L().Error("[CatalogAudit] mapping mismatch", zap.Error(err))
		return 1
	default:
		zap.L().Error("[CatalogAudit] audit did not complete", zap.Error(err))
		return 2
	}
}
