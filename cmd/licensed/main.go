package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"licensing-controlplane/pkg/catalog"
	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/db"
	"licensing-controlplane/pkg/eventbus"
	"licensing-controlplane/pkg/featureflags"
	"licensing-controlplane/pkg/hashistack/secretmanager"
	"licensing-controlplane/pkg/hashistack/servicediscover"
	"licensing-controlplane/pkg/health"
	"licensing-controlplane/pkg/logger"
	"licensing-controlplane/pkg/minio"
	"licensing-controlplane/pkg/otelcol"
	"licensing-controlplane/pkg/otelcol/exporters"
	"licensing-controlplane/pkg/profiling"
	"licensing-controlplane/pkg/redis"
	"licensing-controlplane/pkg/sequence"
	"licensing-controlplane/pkg/server"
	"licensing-controlplane/pkg/task"
	"licensing-controlplane/services/subscription"
	"licensing-controlplane/services/validation"
)

// licensed is the licensing control plane daemon. It hosts the plan,
// assignment, revocation, renewal and bulk engines, the asynq worker
// pool, the daily scheduler, and the ops HTTP server.
func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		db.ObservabilityModule,
		redis.Module,
		task.Client,
		task.Server,
		sequence.Module,
		eventbus.Module,
		catalog.Module,
		minio.Client,
		featureflags.Module,
		fx.Provide(
			exporters.ProvideHttp,
			provideSnowflakeNode,
		),
		otelcol.Module,
		profiling.Module,
		subscription.Module,
		subscription.WorkerModule,
		validation.Module,
		validation.WorkerModule,
		health.Module,
		server.ProvideHTTPServer,
		servicediscover.Module,
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

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
