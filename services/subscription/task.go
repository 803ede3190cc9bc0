package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/taskname"
)

type NotifyAssignmentPayload struct {
	LicenseID string `json:"license_id"`
}

type CleanupRevokedPayload struct {
	LicenseID string `json:"license_id"`
}

type BulkAssignPayload struct {
	JobCode     string   `json:"job_code"`
	PlanID      string   `json:"subscription_plan_id"`
	Emails      []string `json:"emails"`
	NotifyUsers bool     `json:"notify_users"`
	Actor       string   `json:"actor"`
}

type RenewalProcessPayload struct {
	RenewalID string `json:"renewal_id"`
	Force     bool   `json:"force"`
}

type PlanExpirationPayload struct {
	PlanID string `json:"subscription_plan_id"`
}

func NewNotifyAssignmentTask(licenseID string) (*asynq.Task, error) {
	payload, err := json.Marshal(NotifyAssignmentPayload{LicenseID: licenseID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.LicenseNotifyAssignment, payload,
		asynq.Queue("default"), asynq.MaxRetry(5), asynq.Timeout(30*time.Second)), nil
}

func NewCleanupRevokedTask(licenseID string) (*asynq.Task, error) {
	payload, err := json.Marshal(CleanupRevokedPayload{LicenseID: licenseID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.LicenseCleanupRevoked, payload,
		asynq.Queue("low"), asynq.MaxRetry(3), asynq.Timeout(time.Minute)), nil
}

func NewBulkAssignTask(jobCode, planID string, emails []string, notify bool, actor string) (*asynq.Task, error) {
	payload, err := json.Marshal(BulkAssignPayload{
		JobCode:     jobCode,
		PlanID:      planID,
		Emails:      emails,
		NotifyUsers: notify,
		Actor:       actor,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.LicenseBulkAssign, payload,
		asynq.Queue("default"), asynq.MaxRetry(5), asynq.Timeout(10*time.Minute)), nil
}

func NewReclaimStaleTask() (*asynq.Task, error) {
	return asynq.NewTask(taskname.LicenseReclaimStale, nil,
		asynq.Queue("low"), asynq.MaxRetry(2), asynq.Timeout(10*time.Minute)), nil
}

func NewRenewalProcessTask(renewalID string) (*asynq.Task, error) {
	payload, err := json.Marshal(RenewalProcessPayload{RenewalID: renewalID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.PlanRenewalProcess, payload,
		asynq.Queue("critical"), asynq.MaxRetry(3), asynq.Timeout(10*time.Minute)), nil
}

func NewPlanExpirationTask(planID string) (*asynq.Task, error) {
	payload, err := json.Marshal(PlanExpirationPayload{PlanID: planID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.PlanExpirationProcess, payload,
		asynq.Queue("default"), asynq.MaxRetry(3), asynq.Timeout(5*time.Minute)), nil
}

// TaskHandlers adapts the engines to asynq workers. Handlers decode
// the payload and delegate; repeatable outcomes (already processed,
// already revoked) are swallowed so retries converge.
type TaskHandlers struct {
	cfg        *config.Config
	licenses   LicenseRepository
	plans      *PlanService
	assignment *AssignmentService
	revocation *RevocationService
	renewal    *RenewalService
	bulk       *BulkService
}

type TaskHandlersParams struct {
	fx.In

	Config     *config.Config
	Licenses   LicenseRepository
	Plans      *PlanService
	Assignment *AssignmentService
	Revocation *RevocationService
	Renewal    *RenewalService
	Bulk       *BulkService
}

func NewTaskHandlers(p TaskHandlersParams) *TaskHandlers {
	return &TaskHandlers{
		cfg:        p.Config,
		licenses:   p.Licenses,
		plans:      p.Plans,
		assignment: p.Assignment,
		revocation: p.Revocation,
		renewal:    p.Renewal,
		bulk:       p.Bulk,
	}
}

// HandleNotifyAssignmentTask tells the holder their seat is ready and
// stamps last_notified_at. Seats that moved on since enqueueing are
// skipped.
func (h *TaskHandlers) HandleNotifyAssignmentTask(ctx context.Context, t *asynq.Task) error {
	var payload NotifyAssignmentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid notify payload", zap.Error(err))
		return err
	}

	lic, err := h.licenses.GetByID(ctx, payload.LicenseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if lic.Status != LicenseAssigned {
		return nil
	}

	zap.L().Info("[License] notifying learner of assigned license",
		zap.String("license_id", lic.ID),
		zap.String("plan_id", lic.PlanID),
		zap.String("user_email", lic.Email()),
	)

	if err := h.licenses.StampNotified(ctx, lic.ID, time.Now()); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (h *TaskHandlers) HandleCleanupRevokedTask(ctx context.Context, t *asynq.Task) error {
	var payload CleanupRevokedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid cleanup payload", zap.Error(err))
		return err
	}

	if err := h.revocation.CleanupRevoked(ctx, payload.LicenseID); err != nil {
		if errutil.HasStatus(err, errutil.StatusNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (h *TaskHandlers) HandleBulkAssignTask(ctx context.Context, t *asynq.Task) error {
	var payload BulkAssignPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid bulk assign payload", zap.Error(err))
		return err
	}
	return h.bulk.RunBulkAssignment(ctx, payload)
}

func (h *TaskHandlers) HandleReclaimStaleTask(ctx context.Context, t *asynq.Task) error {
	ttl := h.cfg.Licensing.StaleAssignmentTTL
	if ttl <= 0 {
		return nil
	}
	_, err := h.assignment.ReclaimStaleAssignments(ctx, ttl)
	return err
}

func (h *TaskHandlers) HandleRenewalProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload RenewalProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid renewal payload", zap.Error(err))
		return err
	}

	_, err := h.renewal.ProcessRenewal(ctx, payload.RenewalID, payload.Force, "system:renewal-processor")
	if err != nil {
		if errutil.HasStatus(err, StatusAlreadyProcessed) {
			return nil
		}
		return err
	}
	return nil
}

func (h *TaskHandlers) HandlePlanExpirationTask(ctx context.Context, t *asynq.Task) error {
	var payload PlanExpirationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid expiration payload", zap.Error(err))
		return err
	}

	if err := h.plans.ProcessExpiration(ctx, payload.PlanID, "system:expiration-processor"); err != nil {
		if errutil.HasStatus(err, StatusAlreadyProcessed) {
			return nil
		}
		return err
	}
	return nil
}

// RegisterTaskHandlers wires every subscription task onto the asynq
// mux. Invoked by fx when the worker is part of the app.
func RegisterTaskHandlers(mux *asynq.ServeMux, h *TaskHandlers) {
	mux.HandleFunc(taskname.LicenseNotifyAssignment, h.HandleNotifyAssignmentTask)
	mux.HandleFunc(taskname.LicenseCleanupRevoked, h.HandleCleanupRevokedTask)
	mux.HandleFunc(taskname.LicenseBulkAssign, h.HandleBulkAssignTask)
	mux.HandleFunc(taskname.LicenseReclaimStale, h.HandleReclaimStaleTask)
	mux.HandleFunc(taskname.PlanRenewalProcess, h.HandleRenewalProcessTask)
	mux.HandleFunc(taskname.PlanExpirationProcess, h.HandlePlanExpirationTask)
}
