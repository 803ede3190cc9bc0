package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/db/pagination"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/task"
)

// PlanService manages subscription plan records and their license
// pools.
type PlanService struct {
	db       *gorm.DB
	plans    PlanRepository
	licenses LicenseRepository
	renewals RenewalRepository
	events   *EventFactory
	enqueuer task.Enqueuer
}

type PlanServiceParams struct {
	fx.In

	DB       *gorm.DB
	Plans    PlanRepository
	Licenses LicenseRepository
	Renewals RenewalRepository
	Events   *EventFactory
	Enqueuer task.Enqueuer
}

func NewPlanService(p PlanServiceParams) *PlanService {
	return &PlanService{
		db:       p.DB,
		plans:    p.Plans,
		licenses: p.Licenses,
		renewals: p.Renewals,
		events:   p.Events,
		enqueuer: p.Enqueuer,
	}
}

// CreatePlanRequest carries the attributes of a new subscription plan.
// RevokeMaxPercentage defaults to 5 when nil.
type CreatePlanRequest struct {
	Title                  string    `json:"title"`
	StartDate              time.Time `json:"start_date"`
	ExpirationDate         time.Time `json:"expiration_date"`
	EnterpriseCustomerUUID string    `json:"enterprise_customer_uuid"`
	EnterpriseCatalogUUID  string    `json:"enterprise_catalog_uuid"`
	NumLicenses            int       `json:"num_licenses"`
	RevokeMaxPercentage    *int      `json:"revoke_max_percentage"`
	UnlimitedRevocations   bool      `json:"unlimited_revocations"`
	ForInternalUseOnly     bool      `json:"for_internal_use_only"`
	IsActive               bool      `json:"is_active"`
	ProductID              int64     `json:"product_id"`
}

func (req *CreatePlanRequest) validate() error {
	if req.Title == "" {
		return errutil.ValidationFailed("title is required", nil)
	}
	if !req.ExpirationDate.After(req.StartDate) {
		return errutil.ValidationFailed("expiration_date must be after start_date", nil)
	}
	if req.NumLicenses < 0 {
		return errutil.ValidationFailed("num_licenses cannot be negative", nil)
	}
	if req.RevokeMaxPercentage != nil {
		if pct := *req.RevokeMaxPercentage; pct < 0 || pct > 100 {
			return errutil.ValidationFailed("revoke_max_percentage must be between 0 and 100", nil)
		}
	}
	return nil
}

// CreatePlan validates and persists a new plan. The license pool is
// not provisioned here; call Provision once the plan exists.
func (s *PlanService) CreatePlan(ctx context.Context, req CreatePlanRequest) (*SubscriptionPlan, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	planSlug := slug.Make(req.Title)
	if existing, err := s.plans.GetBySlug(ctx, planSlug); err == nil && existing != nil {
		return nil, errutil.Conflict(fmt.Sprintf("a plan with slug %q already exists", planSlug), nil)
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	pct := 5
	if req.RevokeMaxPercentage != nil {
		pct = *req.RevokeMaxPercentage
	}

	plan := &SubscriptionPlan{
		ID:                     uuid.NewString(),
		Title:                  req.Title,
		Slug:                   planSlug,
		IsActive:               req.IsActive,
		ForInternalUseOnly:     req.ForInternalUseOnly,
		StartDate:              req.StartDate,
		ExpirationDate:         req.ExpirationDate,
		EnterpriseCustomerUUID: req.EnterpriseCustomerUUID,
		EnterpriseCatalogUUID:  req.EnterpriseCatalogUUID,
		NumLicenses:            req.NumLicenses,
		RevokeMaxPercentage:    pct,
		UnlimitedRevocations:   req.UnlimitedRevocations,
		ProductID:              req.ProductID,
	}
	if err := s.plans.Create(ctx, plan); err != nil {
		return nil, err
	}

	zap.L().Info("[License] created subscription plan",
		zap.String("plan_id", plan.ID),
		zap.String("slug", plan.Slug),
		zap.Int("num_licenses", plan.NumLicenses),
	)
	return plan, nil
}

// Provision creates the plan's pool of num_licenses unassigned seats
// in one transaction and returns how many were created. A plan that
// already holds any licenses cannot be provisioned again; capacity
// changes go through renewals, not re-provisioning.
func (s *PlanService) Provision(ctx context.Context, planID, actor string) (int, error) {
	var created int
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

		existing, err := licenses.Count(ctx, planID)
		if err != nil {
			return err
		}
		if existing > 0 {
			return ErrCapacityExceeded(planID, int(existing), plan.NumLicenses)
		}

		batch := make([]*License, 0, plan.NumLicenses)
		for i := 0; i < plan.NumLicenses; i++ {
			batch = append(batch, &License{
				ID:     uuid.NewString(),
				PlanID: planID,
				Status: LicenseUnassigned,
			})
		}
		if err := licenses.BatchCreate(ctx, actor, batch); err != nil {
			return err
		}
		created = plan.NumLicenses
		return nil
	})
	if err != nil {
		return 0, err
	}

	zap.L().Info("[License] provisioned license pool",
		zap.String("plan_id", planID),
		zap.Int("created", created),
	)
	return created, nil
}

func (s *PlanService) GetPlan(ctx context.Context, planID string) (*SubscriptionPlan, error) {
	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound(fmt.Sprintf("plan %s not found", planID), err)
		}
		return nil, err
	}
	return plan, nil
}

func (s *PlanService) ListPlans(ctx context.Context, p pagination.Pagination) ([]SubscriptionPlan, *pagination.PageInfo, error) {
	return s.plans.List(ctx, p)
}

func (s *PlanService) ListRenewals(ctx context.Context, planID string) ([]SubscriptionPlanRenewal, error) {
	if _, err := s.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	return s.renewals.ListByPriorPlan(ctx, planID)
}

// LicenseCounts is the per-status breakdown of one plan's pool. Total
// always equals num_licenses once the pool is provisioned.
type LicenseCounts struct {
	Unassigned         int64 `json:"unassigned"`
	Assigned           int64 `json:"assigned"`
	Activated          int64 `json:"activated"`
	Revoked            int64 `json:"revoked"`
	TransferredRenewal int64 `json:"transferred_renewal"`
	Total              int64 `json:"total"`
}

func (s *PlanService) LicenseCounts(ctx context.Context, planID string) (*LicenseCounts, error) {
	if _, err := s.GetPlan(ctx, planID); err != nil {
		return nil, err
	}

	byStatus, err := s.licenses.CountByStatus(ctx, planID)
	if err != nil {
		return nil, err
	}

	counts := &LicenseCounts{
		Unassigned:         byStatus[LicenseUnassigned],
		Assigned:           byStatus[LicenseAssigned],
		Activated:          byStatus[LicenseActivated],
		Revoked:            byStatus[LicenseRevoked],
		TransferredRenewal: byStatus[LicenseTransferredRenewal],
	}
	counts.Total = counts.Unassigned + counts.Assigned + counts.Activated + counts.Revoked + counts.TransferredRenewal
	return counts, nil
}

// ListLicenses pages through a plan's licenses, optionally filtered by
// status. countEstimate skips the COUNT query when the caller already
// knows the total, e.g. from LicenseCounts.
func (s *PlanService) ListLicenses(ctx context.Context, planID string, status LicenseStatus, p pagination.Pagination, countEstimate *int64) ([]License, *pagination.PageInfo, error) {
	if status != "" && status.String() == "unknown" {
		return nil, nil, errutil.ValidationFailed(fmt.Sprintf("unknown license status %q", status), nil)
	}
	if _, err := s.GetPlan(ctx, planID); err != nil {
		return nil, nil, err
	}
	return s.licenses.List(ctx, planID, status, p, countEstimate)
}

func (s *PlanService) ListLicenseEvents(ctx context.Context, licenseID string) ([]LicenseEvent, error) {
	return s.licenses.ListEvents(ctx, licenseID)
}

// ProcessExpiration marks an expired plan processed exactly once and
// publishes license.modified for every seat that was still live. A
// second call fails with ALREADY_PROCESSED.
func (s *PlanService) ProcessExpiration(ctx context.Context, planID, actor string) error {
	now := time.Now()

	var affected []License
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
		if plan.ExpirationProcessed {
			return ErrAlreadyProcessed("plan", planID)
		}
		if now.Before(plan.ExpirationDate) {
			return errutil.ValidationFailed(fmt.Sprintf("plan %s has not reached its expiration date", planID), nil)
		}

		if err := plans.MarkExpirationProcessed(ctx, planID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAlreadyProcessed("plan", planID)
			}
			return err
		}

		affected, err = licenses.FindByStatuses(ctx, planID, []LicenseStatus{LicenseAssigned, LicenseActivated})
		return err
	})
	if err != nil {
		return err
	}

	plan, getErr := s.plans.GetByID(ctx, planID)
	if getErr != nil {
		plan = nil
	}
	for i := range affected {
		s.events.PublishLicenseModified(ctx, plan, &affected[i])
	}

	span := trace.SpanFromContext(ctx)
	zap.L().Info("[License] processed plan expiration",
		zap.String("plan_id", planID),
		zap.Int("live_licenses", len(affected)),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	)
	return nil
}

// EnqueueDueExpirations finds expired unprocessed plans and enqueues
// one expiration task per plan. Called by the daily scheduler.
func (s *PlanService) EnqueueDueExpirations(ctx context.Context) (int, error) {
	plans, err := s.plans.ListExpiredUnprocessed(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for i := range plans {
		t, err := NewPlanExpirationTask(plans[i].ID)
		if err != nil {
			zap.L().Error("[License] failed to build expiration task",
				zap.String("plan_id", plans[i].ID), zap.Error(err))
			continue
		}
		if _, err := s.enqueuer.Enqueue(t); err != nil {
			zap.L().Error("[License] failed to enqueue expiration task",
				zap.String("plan_id", plans[i].ID), zap.Error(err))
			continue
		}
		enqueued++
	}

	zap.L().Info("[Scheduler] enqueued plan expirations",
		zap.Int("due", len(plans)),
		zap.Int("enqueued", enqueued),
	)
	return enqueued, nil
}
