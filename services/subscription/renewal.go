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

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/featureflags"
	"licensing-controlplane/pkg/task"
)

// RenewalService rolls an expiring plan's pool into a successor plan.
// Processing is one transaction across both plans: the successor, its
// pool, the carried-over seats and the processed stamp all land
// together or not at all.
type RenewalService struct {
	db       *gorm.DB
	plans    PlanRepository
	licenses LicenseRepository
	renewals RenewalRepository
	events   *EventFactory
	enqueuer task.Enqueuer
	flags    featureflags.FeatureFlag
}

type RenewalServiceParams struct {
	fx.In

	DB       *gorm.DB
	Plans    PlanRepository
	Licenses LicenseRepository
	Renewals RenewalRepository
	Events   *EventFactory
	Enqueuer task.Enqueuer
	Flags    featureflags.FeatureFlag
}

func NewRenewalService(p RenewalServiceParams) *RenewalService {
	return &RenewalService{
		db:       p.DB,
		plans:    p.Plans,
		licenses: p.Licenses,
		renewals: p.Renewals,
		events:   p.Events,
		enqueuer: p.Enqueuer,
		flags:    p.Flags,
	}
}

type CreateRenewalRequest struct {
	PriorPlanID           string          `json:"prior_plan_id"`
	RenewedPlanTitle      string          `json:"renewed_plan_title"`
	NumberOfLicenses      int             `json:"number_of_licenses"`
	LicenseTypesToCopy    LicenseCopyMode `json:"license_types_to_copy"`
	EffectiveDate         time.Time       `json:"effective_date"`
	RenewedExpirationDate time.Time       `json:"renewed_expiration_date"`
}

// CreateRenewal records the intent to renew. Nothing moves until the
// renewal is processed on or after its effective date.
func (s *RenewalService) CreateRenewal(ctx context.Context, req CreateRenewalRequest) (*SubscriptionPlanRenewal, error) {
	if req.NumberOfLicenses < 0 {
		return nil, errutil.ValidationFailed("number_of_licenses cannot be negative", nil)
	}
	if !req.RenewedExpirationDate.After(req.EffectiveDate) {
		return nil, errutil.ValidationFailed("renewed_expiration_date must be after effective_date", nil)
	}

	mode := req.LicenseTypesToCopy
	if mode == "" {
		mode = CopyAssignedAndActivated
	}
	if mode.String() == "unknown" {
		return nil, errutil.ValidationFailed(fmt.Sprintf("unknown license_types_to_copy %q", req.LicenseTypesToCopy), nil)
	}

	prior, err := s.plans.GetByID(ctx, req.PriorPlanID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound(fmt.Sprintf("plan %s not found", req.PriorPlanID), err)
		}
		return nil, err
	}

	title := req.RenewedPlanTitle
	if title == "" {
		title = fmt.Sprintf("%s (renewed)", prior.Title)
	}

	renewal := &SubscriptionPlanRenewal{
		ID:                    uuid.NewString(),
		PriorPlanID:           prior.ID,
		RenewedPlanTitle:      title,
		NumberOfLicenses:      req.NumberOfLicenses,
		LicenseTypesToCopy:    mode,
		EffectiveDate:         req.EffectiveDate,
		RenewedExpirationDate: req.RenewedExpirationDate,
	}
	if err := s.renewals.Create(ctx, renewal); err != nil {
		return nil, err
	}

	zap.L().Info("[License] created plan renewal",
		zap.String("renewal_id", renewal.ID),
		zap.String("prior_plan_id", prior.ID),
		zap.Time("effective_date", renewal.EffectiveDate),
	)
	return renewal, nil
}

func (s *RenewalService) GetRenewal(ctx context.Context, renewalID string) (*SubscriptionPlanRenewal, error) {
	renewal, err := s.renewals.GetByID(ctx, renewalID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound(fmt.Sprintf("renewal %s not found", renewalID), err)
		}
		return nil, err
	}
	return renewal, nil
}

// RenewalResult reports what a processed renewal did.
type RenewalResult struct {
	RenewedPlan    *SubscriptionPlan `json:"renewed_plan"`
	NumTransferred int               `json:"num_transferred"`
	NumReleased    int               `json:"num_released"`
}

// ProcessRenewal applies a due renewal: creates the successor plan,
// provisions its pool, carries seats over per the copy mode and stamps
// the renewal processed. Runs as one transaction; any mid-flight
// failure rolls the whole renewal back and surfaces as
// RENEWAL_PROCESSING. Processing twice fails with ALREADY_PROCESSED.
func (s *RenewalService) ProcessRenewal(ctx context.Context, renewalID string, force bool, actor string) (*RenewalResult, error) {
	renewal, err := s.GetRenewal(ctx, renewalID)
	if err != nil {
		return nil, err
	}
	if renewal.Processed() {
		return nil, ErrAlreadyProcessed("renewal", renewalID)
	}

	now := time.Now()
	if !force && now.Before(renewal.EffectiveDate) {
		return nil, ErrRenewalProcessing(
			fmt.Sprintf("renewal %s is not effective until %s", renewalID, renewal.EffectiveDate.Format(time.RFC3339)), nil)
	}

	result := &RenewalResult{}
	var transferred, carried []License

	err = s.db.Transaction(func(tx *gorm.DB) error {
		plans := s.plans.WithTx(tx)
		licenses := s.licenses.WithTx(tx)
		renewals := s.renewals.WithTx(tx)

		prior, err := plans.GetForUpdate(ctx, renewal.PriorPlanID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound(fmt.Sprintf("plan %s not found", renewal.PriorPlanID), err)
			}
			return err
		}

		eligible, err := licenses.FindByStatuses(ctx, prior.ID, renewal.LicenseTypesToCopy.Statuses())
		if err != nil {
			return err
		}
		if renewal.NumberOfLicenses < len(eligible) {
			return ErrRenewalProcessing(
				fmt.Sprintf("renewed plan allows %d licenses but %d must carry over",
					renewal.NumberOfLicenses, len(eligible)), nil)
		}

		renewed, err := s.buildRenewedPlan(ctx, plans, prior, renewal)
		if err != nil {
			return err
		}
		if err := plans.Create(ctx, renewed); err != nil {
			return err
		}

		pool := make([]*License, 0, renewal.NumberOfLicenses)
		for i := 0; i < renewal.NumberOfLicenses; i++ {
			lic := &License{
				ID:     uuid.NewString(),
				PlanID: renewed.ID,
				Status: LicenseUnassigned,
			}
			if i < len(eligible) {
				// Carried seats get a fresh activation key scoped to
				// the new plan.
				old := eligible[i]
				key := uuid.NewString()
				lic.Status = old.Status
				lic.UserEmail = old.UserEmail
				lic.LMSUserID = old.LMSUserID
				lic.ActivationKey = &key
				lic.AssignedDate = old.AssignedDate
				lic.ActivationDate = old.ActivationDate
			}
			pool = append(pool, lic)
		}
		if err := licenses.BatchCreate(ctx, actor, pool); err != nil {
			return err
		}

		for i := range eligible {
			old := eligible[i]
			before := old
			old.Status = LicenseTransferredRenewal
			old.RenewedTo = &pool[i].ID
			if err := licenses.UpdateWithEvent(ctx, actor, EventTransferred, &before, &old); err != nil {
				return err
			}
			transferred = append(transferred, old)
			carried = append(carried, *pool[i])
		}

		// The nothing mode still retires the prior plan's in-use seats
		// as transferred-renewal; they just get no successor seat.
		if retire := renewal.LicenseTypesToCopy.CloseOutStatuses(); len(retire) > 0 {
			closing, err := licenses.FindByStatuses(ctx, prior.ID, retire)
			if err != nil {
				return err
			}
			for i := range closing {
				old := closing[i]
				before := old
				old.Status = LicenseTransferredRenewal
				if err := licenses.UpdateWithEvent(ctx, actor, EventTransferred, &before, &old); err != nil {
					return err
				}
				transferred = append(transferred, old)
			}
		}

		// Activated-only renewals strand the merely assigned seats;
		// release them back to the prior plan's unassigned pool.
		if renewal.LicenseTypesToCopy == CopyActivated {
			assigned, err := licenses.FindByStatuses(ctx, prior.ID, []LicenseStatus{LicenseAssigned})
			if err != nil {
				return err
			}
			for i := range assigned {
				old := assigned[i]
				before := old
				old.Status = LicenseUnassigned
				old.UserEmail = nil
				old.LMSUserID = nil
				old.ActivationKey = nil
				old.AssignedDate = nil
				old.LastNotifiedAt = nil
				if err := licenses.UpdateWithEvent(ctx, actor, EventUnassigned, &before, &old); err != nil {
					return err
				}
				result.NumReleased++
			}
		}

		if err := renewals.MarkProcessed(ctx, renewal.ID, renewed.ID, now); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAlreadyProcessed("renewal", renewal.ID)
			}
			return err
		}

		result.RenewedPlan = renewed
		result.NumTransferred = len(transferred)
		return nil
	})
	if err != nil {
		if errutil.StatusOf(err) == errutil.StatusUnknown {
			return nil, ErrRenewalProcessing(fmt.Sprintf("failed to process renewal %s", renewalID), err)
		}
		return nil, err
	}

	prior, getErr := s.plans.GetByID(ctx, renewal.PriorPlanID)
	if getErr != nil {
		prior = nil
	}
	for i := range transferred {
		s.events.PublishLicenseModified(ctx, prior, &transferred[i])
	}
	for i := range carried {
		s.events.PublishLicenseModified(ctx, result.RenewedPlan, &carried[i])
	}
	s.events.PublishPlanRenewed(ctx, renewal, result.RenewedPlan, result.NumTransferred, result.NumReleased)

	if s.flags.IsEnabled(ctx, featureflags.FlagAssignmentNotifications) {
		for i := range carried {
			if carried[i].Status == LicenseAssigned {
				s.enqueueNotify(&carried[i])
			}
		}
	}

	span := trace.SpanFromContext(ctx)
	zap.L().Info("[License] processed plan renewal",
		zap.String("renewal_id", renewalID),
		zap.String("renewed_plan_id", result.RenewedPlan.ID),
		zap.Int("transferred", result.NumTransferred),
		zap.Int("released", result.NumReleased),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	)
	return result, nil
}

func (s *RenewalService) buildRenewedPlan(ctx context.Context, plans PlanRepository, prior *SubscriptionPlan, renewal *SubscriptionPlanRenewal) (*SubscriptionPlan, error) {
	id := uuid.NewString()

	planSlug := slug.Make(renewal.RenewedPlanTitle)
	if _, err := plans.GetBySlug(ctx, planSlug); err == nil {
		planSlug = fmt.Sprintf("%s-%s", planSlug, id[:8])
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return &SubscriptionPlan{
		ID:                     id,
		Title:                  renewal.RenewedPlanTitle,
		Slug:                   planSlug,
		IsActive:               true,
		ForInternalUseOnly:     prior.ForInternalUseOnly,
		StartDate:              renewal.EffectiveDate,
		ExpirationDate:         renewal.RenewedExpirationDate,
		EnterpriseCustomerUUID: prior.EnterpriseCustomerUUID,
		EnterpriseCatalogUUID:  prior.EnterpriseCatalogUUID,
		NumLicenses:            renewal.NumberOfLicenses,
		RevokeMaxPercentage:    prior.RevokeMaxPercentage,
		UnlimitedRevocations:   prior.UnlimitedRevocations,
		ProductID:              prior.ProductID,
	}, nil
}

func (s *RenewalService) enqueueNotify(lic *License) {
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

// EnqueueDueRenewals finds unprocessed renewals whose effective date
// has passed and enqueues one processing task each. Called by the
// daily scheduler.
func (s *RenewalService) EnqueueDueRenewals(ctx context.Context) (int, error) {
	due, err := s.renewals.FindDue(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for i := range due {
		t, err := NewRenewalProcessTask(due[i].ID)
		if err != nil {
			zap.L().Error("[License] failed to build renewal task",
				zap.String("renewal_id", due[i].ID), zap.Error(err))
			continue
		}
		if _, err := s.enqueuer.Enqueue(t); err != nil {
			zap.L().Error("[License] failed to enqueue renewal task",
				zap.String("renewal_id", due[i].ID), zap.Error(err))
			continue
		}
		enqueued++
	}

	zap.L().Info("[Scheduler] enqueued due renewals",
		zap.Int("due", len(due)),
		zap.Int("enqueued", enqueued),
	)
	return enqueued, nil
}
