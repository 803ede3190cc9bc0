package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/taskname"
)

func NewValidateQueriesTask() (*asynq.Task, error) {
	return asynq.NewTask(taskname.CatalogValidateQueries, nil,
		asynq.Queue("low"), asynq.MaxRetry(2), asynq.Timeout(5*time.Minute)), nil
}

// HandleValidateQueriesTask runs the audit from the queue. A mismatch
// is permanent until someone fixes the data, so it skips retry; an
// indeterminate run (catalog unreachable) retries.
func (v *Validator) HandleValidateQueriesTask(ctx context.Context, t *asynq.Task) error {
	report, err := v.Validate(ctx)
	if err != nil {
		if errutil.HasStatus(err, StatusMappingMismatch) {
			zap.L().Error("[CatalogAudit] catalog query mapping drifted",
				zap.Int("expected", report.ExpectedQueries),
				zap.Int("actual", report.ActualQueries),
				zap.Error(err),
			)
			return fmt.Errorf("catalog query mapping drifted: %v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}

// RegisterTaskHandlers wires the audit task onto the asynq mux.
func RegisterTaskHandlers(mux *asynq.ServeMux, v *Validator) {
	mux.HandleFunc(taskname.CatalogValidateQueries, v.HandleValidateQueriesTask)
}
