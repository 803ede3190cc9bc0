package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/task"
)

// RevocationService takes seats away from holders. Every revocation
// draws from the plan's lifetime allowance and the counter moves in
// the same transaction as the license row.
type RevocationService struct {
	db       *gorm.DB
	plans    PlanRepository
	licenses LicenseRepository
	events   *EventFactory
	enqueuer task.Enqueuer
}

type RevocationServiceParams struct {
	fx.In

	DB       *gorm.DB
	Plans    PlanRepository
	Licenses LicenseRepository
	Events   *EventFactory
	Enqueuer task.Enqueuer
}

func NewRevocationService(p RevocationServiceParams) *RevocationService {
	return &RevocationService{
		db:       p.DB,
		plans:    p.Plans,
		licenses: p.Licenses,
		events:   p.Events,
		enqueuer: p.Enqueuer,
	}
}

// Revoke marks an assigned or activated license revoked, counts it
// against the plan's revocation cap and schedules post-revocation
// cleanup. The holder email stays on the row for audit.
func (s *RevocationService) Revoke(ctx context.Context, planID, licenseID, actor string) (*License, error) {
	now := time.Now()

	var revoked License
	err := s.db.Transaction(func(tx *gorm.DB) error {
		plans := s.plans.WithTx(tx)
		licenses := s.licenses.WithTx(tx)

		plan, err := plans.GetForUpdate(ctx, planID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound(fmt.Sprintf("plan %s not found", planID), err)
			}
			return err
		}

		lic, err := licenses.GetByID(ctx, licenseID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound(fmt.Sprintf("license %s not found", licenseID), err)
			}
			return err
		}
		if lic.PlanID != planID {
			return errutil.NotFound(fmt.Sprintf("license %s does not belong to plan %s", licenseID, planID), nil)
		}
		if !lic.Status.Revocable() {
			return ErrInvalidStatus(lic.ID, lic.Status, "revoked")
		}
		if !plan.HasRevocationsRemaining() {
			return ErrRevocationCapExceeded(planID, plan.NumRevocationsApplied, plan.RevocationCap())
		}

		before := *lic
		lic.Status = LicenseRevoked
		lic.RevokedDate = &now

		if err := licenses.UpdateWithEvent(ctx, actor, EventRevoked, &before, lic); err != nil {
			return err
		}
		if err := plans.IncrementRevocationsApplied(ctx, planID); err != nil {
			return err
		}
		revoked = *lic
		return nil
	})
	if err != nil {
		return nil, err
	}

	plan, getErr := s.plans.GetByID(ctx, planID)
	if getErr != nil {
		plan = nil
	}
	s.events.PublishLicenseModified(ctx, plan, &revoked)
	s.enqueueCleanup(&revoked)

	span := trace.SpanFromContext(ctx)
	zap.L().Info("[License] revoked license",
		zap.String("plan_id", planID),
		zap.String("license_id", revoked.ID),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	)
	return &revoked, nil
}

func (s *RevocationService) enqueueCleanup(lic *License) {
	t, err := NewCleanupRevokedTask(lic.ID)
	if err != nil {
		zap.L().Error("[License] failed to build cleanup task",
			zap.String("license_id", lic.ID), zap.Error(err))
		return
	}
	if _, err := s.enqueuer.Enqueue(t); err != nil {
		zap.L().Error("[License] failed to enqueue cleanup task",
			zap.String("license_id", lic.ID), zap.Error(err))
	}
}

// BulkRevocationResult reports how far a bulk revocation got. Revoked
// lists licenses revoked before the first failure, which stay revoked.
type BulkRevocationResult struct {
	Revoked         []string `json:"revoked"`
	FailedLicenseID string   `json:"failed_license_id,omitempty"`
}

// BulkRevoke revokes licenses one at a time, stopping at the first
// failure. Earlier revocations are not rolled back; the result says
// which went through.
func (s *RevocationService) BulkRevoke(ctx context.Context, planID string, licenseIDs []string, actor string) (*BulkRevocationResult, error) {
	result := &BulkRevocationResult{}
	for _, licenseID := range licenseIDs {
		if _, err := s.Revoke(ctx, planID, licenseID, actor); err != nil {
			result.FailedLicenseID = licenseID
			return result, err
		}
		result.Revoked = append(result.Revoked, licenseID)
	}
	return result, nil
}

// CleanupRevoked scrubs assignment artifacts from a revoked license.
// Runs from the task queue after the revocation committed; repeat runs
// are no-ops.
func (s *RevocationService) CleanupRevoked(ctx context.Context, licenseID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		licenses := s.licenses.WithTx(tx)

		lic, err := licenses.GetByID(ctx, licenseID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound(fmt.Sprintf("license %s not found", licenseID), err)
			}
			return err
		}
		if lic.Status != LicenseRevoked {
			return nil
		}
		if lic.ActivationKey == nil && lic.LastNotifiedAt == nil {
			return nil
		}

		before := *lic
		lic.ActivationKey = nil
		lic.LastNotifiedAt = nil
		return licenses.UpdateWithEvent(ctx, "system:cleanup", EventCleanup, &before, lic)
	})
}
