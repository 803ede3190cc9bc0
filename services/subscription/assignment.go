package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/featureflags"
	"licensing-controlplane/pkg/task"
)

// AssignmentService hands unassigned seats to learner emails and takes
// them back. Assignment is all or nothing per call: either every
// requested email gets a seat or the plan is left untouched.
type AssignmentService struct {
	db       *gorm.DB
	plans    PlanRepository
	licenses LicenseRepository
	events   *EventFactory
	enqueuer task.Enqueuer
	flags    featureflags.FeatureFlag
}

type AssignmentServiceParams struct {
	fx.In

	DB       *gorm.DB
	Plans    PlanRepository
	Licenses LicenseRepository
	Events   *EventFactory
	Enqueuer task.Enqueuer
	Flags    featureflags.FeatureFlag
}

func NewAssignmentService(p AssignmentServiceParams) *AssignmentService {
	return &AssignmentService{
		db:       p.DB,
		plans:    p.Plans,
		licenses: p.Licenses,
		events:   p.Events,
		enqueuer: p.Enqueuer,
		flags:    p.Flags,
	}
}

type AssignRequest struct {
	PlanID      string   `json:"plan_id"`
	Emails      []string `json:"emails"`
	NotifyUsers bool     `json:"notify_users"`
	Actor       string   `json:"actor"`
}

// AssignResult reports which emails received a seat and which were
// skipped because they already hold one on the plan.
type AssignResult struct {
	Assigned          []License `json:"assigned"`
	AlreadyAssociated []string  `json:"already_associated"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// dedupeEmails lowercases, trims and deduplicates while preserving the
// order emails first appeared in.
func dedupeEmails(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, email := range emails {
		normalized := normalizeEmail(email)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

// Assign gives one unassigned license to each email that does not
// already hold a seat on the plan. When fewer unassigned licenses
// remain than emails need one, nothing is assigned and the call fails
// with INSUFFICIENT_LICENSES.
func (s *AssignmentService) Assign(ctx context.Context, req AssignRequest) (*AssignResult, error) {
	emails := dedupeEmails(req.Emails)
	if len(emails) == 0 {
		return nil, errutil.ValidationFailed("at least one email is required", nil)
	}

	plan, err := s.plans.GetByID(ctx, req.PlanID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound(fmt.Sprintf("plan %s not found", req.PlanID), err)
		}
		return nil, err
	}

	result := &AssignResult{}
	now := time.Now()

	err = s.db.Transaction(func(tx *gorm.DB) error {
		licenses := s.licenses.WithTx(tx)

		holders, err := licenses.FindHoldersByEmails(ctx, plan.ID, emails)
		if err != nil {
			return err
		}
		held := make(map[string]struct{}, len(holders))
		for i := range holders {
			held[normalizeEmail(holders[i].Email())] = struct{}{}
		}

		pending := make([]string, 0, len(emails))
		for _, email := range emails {
			if _, ok := held[email]; ok {
				result.AlreadyAssociated = append(result.AlreadyAssociated, email)
				continue
			}
			pending = append(pending, email)
		}
		if len(pending) == 0 {
			return nil
		}

		available, err := licenses.FindUnassigned(ctx, plan.ID, len(pending))
		if err != nil {
			return err
		}
		if len(available) < len(pending) {
			return ErrInsufficientLicenses(len(pending), len(available))
		}

		for i, email := range pending {
			lic := available[i]
			before := lic

			key := uuid.NewString()
			lic.Status = LicenseAssigned
			lic.UserEmail = &email
			lic.ActivationKey = &key
			lic.AssignedDate = &now

			if err := licenses.UpdateWithEvent(ctx, req.Actor, EventAssigned, &before, &lic); err != nil {
				return err
			}
			result.Assigned = append(result.Assigned, lic)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range result.Assigned {
		s.events.PublishLicenseModified(ctx, plan, &result.Assigned[i])
	}
	if req.NotifyUsers && s.flags.IsEnabled(ctx, featureflags.FlagAssignmentNotifications) {
		for i := range result.Assigned {
			s.enqueueNotify(&result.Assigned[i])
		}
	}

	span := trace.SpanFromContext(ctx)
	zap.L().Info("[License] assigned licenses",
		zap.String("plan_id", plan.ID),
		zap.Int("assigned", len(result.Assigned)),
		zap.Int("already_associated", len(result.AlreadyAssociated)),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	)
	return result, nil
}

func (s *AssignmentService) enqueueNotify(lic *License) {
	t, err := NewNotifyAssignmentTask(lic.ID)
	if err != nil {
		zap.L().Error("[License] failed to build notify task",
			zap.String("license_id", lic.ID), zap.Error(err))
		return
	}
	if _, err := s.enqueuer.Enqueue(t); err != nil {
		zap.L().Error("[License] failed to enqueue notify task",
			zap.String("license_id", lic.ID), zap.Error(err))
	}
}

// Unassign releases an assigned, not yet activated, seat back to the
// unassigned pool. Activated seats must be revoked instead.
func (s *AssignmentService) Unassign(ctx context.Context, planID, email, actor string) (*License, error) {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return nil, errutil.ValidationFailed("email is required", nil)
	}

	var released License
	err := s.db.Transaction(func(tx *gorm.DB) error {
		licenses := s.licenses.WithTx(tx)

		lic, err := licenses.FindHolderByEmail(ctx, planID, normalized)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound(fmt.Sprintf("no license held by %s on plan %s", normalized, planID), err)
			}
			return err
		}
		if lic.Status != LicenseAssigned {
			return ErrInvalidStatus(lic.ID, lic.Status, "unassigned")
		}

		before := *lic
		lic.Status = LicenseUnassigned
		lic.UserEmail = nil
		lic.LMSUserID = nil
		lic.ActivationKey = nil
		lic.AssignedDate = nil
		lic.LastNotifiedAt = nil

		if err := licenses.UpdateWithEvent(ctx, actor, EventUnassigned, &before, lic); err != nil {
			return err
		}
		released = *lic
		return nil
	})
	if err != nil {
		return nil, err
	}

	plan, getErr := s.plans.GetByID(ctx, planID)
	if getErr != nil {
		plan = nil
	}
	s.events.PublishLicenseModified(ctx, plan, &released)

	zap.L().Info("[License] unassigned license",
		zap.String("plan_id", planID),
		zap.String("license_id", released.ID),
	)
	return &released, nil
}

// Activate flips an assigned seat to activated by its activation key.
// Activating twice is a no-op returning the license as is.
func (s *AssignmentService) Activate(ctx context.Context, activationKey string, lmsUserID int64, actor string) (*License, error) {
	if activationKey == "" {
		return nil, errutil.ValidationFailed("activation_key is required", nil)
	}

	var activated License
	err := s.db.Transaction(func(tx *gorm.DB) error {
		licenses := s.licenses.WithTx(tx)

		lic, err := licenses.GetByActivationKey(ctx, activationKey)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound("no license matches the activation key", err)
			}
			return err
		}

		if lic.Status == LicenseActivated {
			activated = *lic
			return nil
		}
		if lic.Status != LicenseAssigned {
			return ErrInvalidStatus(lic.ID, lic.Status, "activated")
		}

		now := time.Now()
		before := *lic
		lic.Status = LicenseActivated
		lic.ActivationDate = &now
		if lmsUserID != 0 {
			lic.LMSUserID = &lmsUserID
		}

		if err := licenses.UpdateWithEvent(ctx, actor, EventActivated, &before, lic); err != nil {
			return err
		}
		activated = *lic
		return nil
	})
	if err != nil {
		return nil, err
	}

	plan, getErr := s.plans.GetByID(ctx, activated.PlanID)
	if getErr != nil {
		plan = nil
	}
	s.events.PublishLicenseModified(ctx, plan, &activated)

	zap.L().Info("[License] activated license",
		zap.String("license_id", activated.ID),
		zap.String("plan_id", activated.PlanID),
	)
	return &activated, nil
}

// ReclaimStaleAssignments releases seats that sat assigned without
// activation for longer than ttl. Returns how many were reclaimed.
func (s *AssignmentService) ReclaimStaleAssignments(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)

	stale, err := s.licenses.FindStaleAssigned(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	reclaimed := 0
	for i := range stale {
		lic := stale[i]
		if _, err := s.Unassign(ctx, lic.PlanID, lic.Email(), "system:stale-reclaim"); err != nil {
			zap.L().Error("[License] failed to reclaim stale assignment",
				zap.String("license_id", lic.ID), zap.Error(err))
			continue
		}
		reclaimed++
	}

	zap.L().Info("[License] reclaimed stale assignments",
		zap.Int("stale", len(stale)),
		zap.Int("reclaimed", reclaimed),
	)
	return reclaimed, nil
}
