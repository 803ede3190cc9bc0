package subscription

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/eventbus"
	"licensing-controlplane/pkg/taskname"
	"licensing-controlplane/services/testutil"
)

func (e *testEnv) seedRenewal(t *testing.T, priorPlanID string, numLicenses int, mode LicenseCopyMode, effective time.Time) *SubscriptionPlanRenewal {
	t.Helper()

	renewal, err := e.renew.CreateRenewal(context.Background(), CreateRenewalRequest{
		PriorPlanID:           priorPlanID,
		NumberOfLicenses:      numLicenses,
		LicenseTypesToCopy:    mode,
		EffectiveDate:         effective,
		RenewedExpirationDate: effective.Add(365 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return renewal
}

func (e *testEnv) licenseByEmail(t *testing.T, planID, email string) *License {
	t.Helper()

	var lic License
	err := e.db.Where("subscription_plan_id = ? AND user_email = ?", planID, email).
		First(&lic).Error
	require.NoError(t, err)
	return &lic
}

func TestCreateRenewalDefaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plan := env.seedPlan(t, 5)

	renewal, err := env.renew.CreateRenewal(ctx, CreateRenewalRequest{
		PriorPlanID:           plan.ID,
		NumberOfLicenses:      5,
		EffectiveDate:         time.Now().Add(24 * time.Hour),
		RenewedExpirationDate: time.Now().Add(400 * 24 * time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, plan.Title+" (renewed)", renewal.RenewedPlanTitle)
	require.Equal(t, CopyAssignedAndActivated, renewal.LicenseTypesToCopy)
	require.False(t, renewal.Processed())
}

func TestCreateRenewalValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plan := env.seedPlan(t, 5)
	effective := time.Now().Add(24 * time.Hour)

	_, err := env.renew.CreateRenewal(ctx, CreateRenewalRequest{
		PriorPlanID: plan.ID, NumberOfLicenses: -1,
		EffectiveDate: effective, RenewedExpirationDate: effective.Add(time.Hour),
	})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	_, err = env.renew.CreateRenewal(ctx, CreateRenewalRequest{
		PriorPlanID: plan.ID, NumberOfLicenses: 5,
		EffectiveDate: effective, RenewedExpirationDate: effective.Add(-time.Hour),
	})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	_, err = env.renew.CreateRenewal(ctx, CreateRenewalRequest{
		PriorPlanID: plan.ID, NumberOfLicenses: 5, LicenseTypesToCopy: "everything",
		EffectiveDate: effective, RenewedExpirationDate: effective.Add(time.Hour),
	})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	_, err = env.renew.CreateRenewal(ctx, CreateRenewalRequest{
		PriorPlanID: "00000000-0000-0000-0000-000000000000", NumberOfLicenses: 5,
		EffectiveDate: effective, RenewedExpirationDate: effective.Add(time.Hour),
	})
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
}

func TestProcessRenewalCarriesAssignedAndActivated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	prior := env.seedProvisionedPlan(t, 5)
	assigned := env.assignEmails(t, prior.ID, "ada@example.com", "grace@example.com")
	_, err := env.assign.Activate(ctx, *assigned[1].ActivationKey, 42, "grace@example.com")
	require.NoError(t, err)

	renewal := env.seedRenewal(t, prior.ID, 8, CopyAssignedAndActivated, time.Now().Add(-time.Hour))
	env.publisher.events = nil
	env.enqueuer.tasks = nil

	result, err := env.renew.ProcessRenewal(ctx, renewal.ID, false, "admin")
	require.NoError(t, err)
	require.Equal(t, 2, result.NumTransferred)
	require.Zero(t, result.NumReleased)
	require.Equal(t, 8, result.RenewedPlan.NumLicenses)

	// Prior pool: carried seats flip to transferred-renewal, the rest
	// stay unassigned, and the sum still matches.
	priorCounts, err := env.plans.LicenseCounts(ctx, prior.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), priorCounts.Unassigned)
	require.Equal(t, int64(2), priorCounts.TransferredRenewal)
	env.requirePoolInvariant(t, prior.ID)

	// Successor pool mirrors holder state and tops up with fresh seats.
	newCounts, err := env.plans.LicenseCounts(ctx, result.RenewedPlan.ID)
	require.NoError(t, err)
	require.Equal(t, int64(6), newCounts.Unassigned)
	require.Equal(t, int64(1), newCounts.Assigned)
	require.Equal(t, int64(1), newCounts.Activated)
	env.requirePoolInvariant(t, result.RenewedPlan.ID)

	// Transferred rows point at their successors; successors carry the
	// holder but get a fresh activation key.
	oldAda := env.getLicense(t, assigned[0].ID)
	require.Equal(t, LicenseTransferredRenewal, oldAda.Status)
	require.NotNil(t, oldAda.RenewedTo)
	newAda := env.getLicense(t, *oldAda.RenewedTo)
	require.Equal(t, result.RenewedPlan.ID, newAda.PlanID)
	require.Equal(t, "ada@example.com", newAda.Email())
	require.Equal(t, LicenseAssigned, newAda.Status)
	require.NotEqual(t, *assigned[0].ActivationKey, *newAda.ActivationKey)

	newGrace := env.licenseByEmail(t, result.RenewedPlan.ID, "grace@example.com")
	require.Equal(t, LicenseActivated, newGrace.Status)
	require.NotNil(t, newGrace.ActivationDate)

	fresh, err := env.renew.GetRenewal(ctx, renewal.ID)
	require.NoError(t, err)
	require.True(t, fresh.Processed())
	require.NotNil(t, fresh.RenewedPlanID)
	require.Equal(t, result.RenewedPlan.ID, *fresh.RenewedPlanID)

	// Two transferred plus two carried license events, one plan event.
	require.Equal(t, 4, env.publisher.countByType(eventbus.EventLicenseModified))
	require.Equal(t, 1, env.publisher.countByType(eventbus.EventPlanRenewed))
	// Only the carried assigned seat warrants a notification.
	require.Equal(t, []string{taskname.LicenseNotifyAssignment}, env.enqueuer.taskTypes())
}

func TestProcessRenewalActivatedOnlyReleasesAssigned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	prior := env.seedProvisionedPlan(t, 5)
	assigned := env.assignEmails(t, prior.ID, "ada@example.com", "grace@example.com")
	_, err := env.assign.Activate(ctx, *assigned[1].ActivationKey, 42, "grace@example.com")
	require.NoError(t, err)

	renewal := env.seedRenewal(t, prior.ID, 3, CopyActivated, time.Now().Add(-time.Hour))

	result, err := env.renew.ProcessRenewal(ctx, renewal.ID, false, "admin")
	require.NoError(t, err)
	require.Equal(t, 1, result.NumTransferred)
	require.Equal(t, 1, result.NumReleased)

	// Ada's assigned seat was not carried and drops back to the pool.
	priorCounts, err := env.plans.LicenseCounts(ctx, prior.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4), priorCounts.Unassigned)
	require.Equal(t, int64(1), priorCounts.TransferredRenewal)
	require.Nil(t, env.getLicense(t, assigned[0].ID).UserEmail)
	env.requirePoolInvariant(t, prior.ID)

	newCounts, err := env.plans.LicenseCounts(ctx, result.RenewedPlan.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), newCounts.Activated)
	require.Equal(t, int64(2), newCounts.Unassigned)
	env.requirePoolInvariant(t, result.RenewedPlan.ID)
}

func TestProcessRenewalCopyNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	prior := env.seedProvisionedPlan(t, 3)
	assigned := env.assignEmails(t, prior.ID, "ada@example.com")

	renewal := env.seedRenewal(t, prior.ID, 2, CopyNothing, time.Now().Add(-time.Hour))
	env.publisher.events = nil

	result, err := env.renew.ProcessRenewal(ctx, renewal.ID, false, "admin")
	require.NoError(t, err)
	require.Equal(t, 1, result.NumTransferred)
	require.Zero(t, result.NumReleased)

	// Ada's seat still closes out as transferred-renewal; it just gets
	// no successor seat in the new pool.
	oldAda := env.getLicense(t, assigned[0].ID)
	require.Equal(t, LicenseTransferredRenewal, oldAda.Status)
	require.Nil(t, oldAda.RenewedTo)
	priorCounts, err := env.plans.LicenseCounts(ctx, prior.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), priorCounts.Unassigned)
	require.Equal(t, int64(1), priorCounts.TransferredRenewal)
	env.requirePoolInvariant(t, prior.ID)

	// The successor pool starts entirely unassigned.
	newCounts, err := env.plans.LicenseCounts(ctx, result.RenewedPlan.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), newCounts.Unassigned)
	require.Equal(t, int64(2), newCounts.Total)
	env.requirePoolInvariant(t, result.RenewedPlan.ID)

	require.Equal(t, 1, env.publisher.countByType(eventbus.EventLicenseModified))
	require.Equal(t, 1, env.publisher.countByType(eventbus.EventPlanRenewed))
}

func TestProcessRenewalBeforeEffectiveDate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	prior := env.seedProvisionedPlan(t, 2)
	renewal := env.seedRenewal(t, prior.ID, 2, CopyAssignedAndActivated, time.Now().Add(24*time.Hour))

	_, err := env.renew.ProcessRenewal(ctx, renewal.ID, false, "admin")
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, StatusRenewalProcessing))

	// Force overrides the effective date gate.
	result, err := env.renew.ProcessRenewal(ctx, renewal.ID, true, "admin")
	require.NoError(t, err)
	require.NotNil(t, result.RenewedPlan)
}

func TestProcessRenewalTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	prior := env.seedProvisionedPlan(t, 2)
	renewal := env.seedRenewal(t, prior.ID, 2, CopyAssignedAndActivated, time.Now().Add(-time.Hour))

	_, err := env.renew.ProcessRenewal(ctx, renewal.ID, false, "admin")
	require.NoError(t, err)

	_, err = env.renew.ProcessRenewal(ctx, renewal.ID, false, "admin")
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, StatusAlreadyProcessed))
}

func TestProcessRenewalTooSmallRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	prior := env.seedProvisionedPlan(t, 5)
	env.assignEmails(t, prior.ID, "ada@example.com", "grace@example.com")
	renewal := env.seedRenewal(t, prior.ID, 1, CopyAssignedAndActivated, time.Now().Add(-time.Hour))
	env.publisher.events = nil

	_, err := env.renew.ProcessRenewal(ctx, renewal.ID, false, "admin")
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, StatusRenewalProcessing))

	// Nothing moved: no successor plan, no transfers, renewal still open.
	require.Equal(t, int64(1), testutil.MustCount(t, env.db, &SubscriptionPlan{}, ""))
	counts, err := env.plans.LicenseCounts(ctx, prior.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts.Assigned)
	require.Zero(t, counts.TransferredRenewal)
	fresh, err := env.renew.GetRenewal(ctx, renewal.ID)
	require.NoError(t, err)
	require.False(t, fresh.Processed())
	require.Empty(t, env.publisher.events)
}

func TestProcessRenewalSlugCollision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	prior := env.seedProvisionedPlan(t, 2)

	first := env.seedRenewal(t, prior.ID, 2, CopyNothing, time.Now().Add(-2*time.Hour))
	second := env.seedRenewal(t, prior.ID, 2, CopyNothing, time.Now().Add(-time.Hour))

	resultA, err := env.renew.ProcessRenewal(ctx, first.ID, false, "admin")
	require.NoError(t, err)
	resultB, err := env.renew.ProcessRenewal(ctx, second.ID, false, "admin")
	require.NoError(t, err)

	// Both renewals default to the same title; the second gets a
	// disambiguated slug instead of a unique constraint failure.
	require.Equal(t, resultA.RenewedPlan.Title, resultB.RenewedPlan.Title)
	require.NotEqual(t, resultA.RenewedPlan.Slug, resultB.RenewedPlan.Slug)
}

func TestEnqueueDueRenewals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	prior := env.seedProvisionedPlan(t, 2)

	due := env.seedRenewal(t, prior.ID, 2, CopyNothing, time.Now().Add(-time.Hour))
	env.seedRenewal(t, prior.ID, 2, CopyNothing, time.Now().Add(24*time.Hour))
	processed := env.seedRenewal(t, prior.ID, 2, CopyNothing, time.Now().Add(-2*time.Hour))
	_, err := env.renew.ProcessRenewal(ctx, processed.ID, false, "admin")
	require.NoError(t, err)
	env.enqueuer.tasks = nil

	enqueued, err := env.renew.EnqueueDueRenewals(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, enqueued)
	require.Equal(t, []string{taskname.PlanRenewalProcess}, env.enqueuer.taskTypes())

	var payload RenewalProcessPayload
	require.NoError(t, json.Unmarshal(env.enqueuer.tasks[0].Payload(), &payload))
	require.Equal(t, due.ID, payload.RenewalID)
}
