package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestLicenseEventTrail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plan := env.seedProvisionedPlan(t, 1)
	assigned := env.assignEmails(t, plan.ID, "ada@example.com")
	_, err := env.assign.Activate(ctx, *assigned[0].ActivationKey, 42, "ada@example.com")
	require.NoError(t, err)

	events, err := env.plans.ListLicenseEvents(ctx, assigned[0].ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, EventCreated, events[0].EventType)
	require.Equal(t, EventAssigned, events[1].EventType)
	require.Equal(t, EventActivated, events[2].EventType)

	// Creation has no prior state.
	require.Nil(t, events[0].Before)

	var before, after licenseSnapshot
	require.NoError(t, json.Unmarshal(events[1].Before, &before))
	require.NoError(t, json.Unmarshal(events[1].After, &after))
	require.Equal(t, LicenseUnassigned, before.Status)
	require.Nil(t, before.UserEmail)
	require.Equal(t, LicenseAssigned, after.Status)
	require.NotNil(t, after.UserEmail)
	require.Equal(t, "ada@example.com", *after.UserEmail)
	require.Equal(t, "test-assign", events[1].Actor)
}

func TestStampNotifiedGuardsStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plan := env.seedProvisionedPlan(t, 1)
	assigned := env.assignEmails(t, plan.ID, "ada@example.com")

	require.NoError(t, env.licRepo.StampNotified(ctx, assigned[0].ID, time.Now()))
	require.NotNil(t, env.getLicense(t, assigned[0].ID).LastNotifiedAt)

	_, err := env.assign.Activate(ctx, *assigned[0].ActivationKey, 42, "ada@example.com")
	require.NoError(t, err)
	err = env.licRepo.StampNotified(ctx, assigned[0].ID, time.Now())
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestFindUnassignedRespectsLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plan := env.seedProvisionedPlan(t, 5)

	licenses, err := env.licRepo.FindUnassigned(ctx, plan.ID, 3)
	require.NoError(t, err)
	require.Len(t, licenses, 3)
	for _, lic := range licenses {
		require.Equal(t, LicenseUnassigned, lic.Status)
	}
}

func TestFindHolderIgnoresRetiredSeats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plan := env.seedProvisionedPlan(t, 3)
	assigned := env.assignEmails(t, plan.ID, "ada@example.com")
	_, err := env.revoke.Revoke(ctx, plan.ID, assigned[0].ID, "admin")
	require.NoError(t, err)

	// The revoked seat still carries the email but no longer counts as
	// held, so the address can be assigned a fresh seat.
	_, err = env.licRepo.FindHolderByEmail(ctx, plan.ID, "ada@example.com")
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	result, err := env.assign.Assign(ctx, AssignRequest{
		PlanID: plan.ID,
		Emails: []string{"ada@example.com"},
		Actor:  "admin",
	})
	require.NoError(t, err)
	require.Len(t, result.Assigned, 1)
	env.requirePoolInvariant(t, plan.ID)
}

func TestMarkProcessedIsSingleShot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	prior := env.seedProvisionedPlan(t, 1)
	renewal := env.seedRenewal(t, prior.ID, 1, CopyNothing, time.Now().Add(-time.Hour))

	now := time.Now()
	require.NoError(t, env.renRepo.MarkProcessed(ctx, renewal.ID, "renewed-plan-id", now))

	err := env.renRepo.MarkProcessed(ctx, renewal.ID, "other-plan-id", now)
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestCountByStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plan := env.seedProvisionedPlan(t, 4)
	env.assignEmails(t, plan.ID, "ada@example.com", "grace@example.com")

	byStatus, err := env.licRepo.CountByStatus(ctx, plan.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), byStatus[LicenseUnassigned])
	require.Equal(t, int64(2), byStatus[LicenseAssigned])
}
