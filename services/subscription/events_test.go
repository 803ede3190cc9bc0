package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserKeyIsStableAndNormalized(t *testing.T) {
	env := newTestEnv(t)

	key := env.events.UserKey("ada@example.com")
	require.NotEmpty(t, key)
	require.Equal(t, key, env.events.UserKey("ada@example.com"))
	require.Equal(t, key, env.events.UserKey("  ADA@Example.COM  "))
	require.NotEqual(t, key, env.events.UserKey("grace@example.com"))
	require.Empty(t, env.events.UserKey(""))
}

func TestPublishLicenseModifiedPayload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plan := env.seedProvisionedPlan(t, 1, func(p *SubscriptionPlan) {
		p.EnterpriseCustomerUUID = "cust-uuid"
	})
	assigned := env.assignEmails(t, plan.ID, "ada@example.com")

	last := env.publisher.events[len(env.publisher.events)-1]
	require.Equal(t, "cust-uuid", last.key)

	var event LicenseModifiedEvent
	require.NoError(t, json.Unmarshal(last.payload, &event))
	require.Equal(t, assigned[0].ID, event.LicenseID)
	require.Equal(t, "assigned", event.Status)
	require.Equal(t, env.events.UserKey("ada@example.com"), event.UserKey)
	require.NotNil(t, event.PII)
	require.Equal(t, "ada@example.com", event.PII.UserEmail)

	// Without a plan the message keys on the plan id so ordering still
	// holds per pool.
	env.publisher.events = nil
	env.events.PublishLicenseModified(ctx, nil, &assigned[0])
	require.Equal(t, assigned[0].PlanID, env.publisher.events[0].key)
}

func TestPublishFailuresAreSwallowed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	plan := env.seedProvisionedPlan(t, 1)
	env.publisher.err = errors.New("broker unavailable")

	// Assignment must succeed even when the bus is down.
	result, err := env.assign.Assign(ctx, AssignRequest{
		PlanID: plan.ID,
		Emails: []string{"ada@example.com"},
		Actor:  "admin",
	})
	require.NoError(t, err)
	require.Len(t, result.Assigned, 1)
	require.Empty(t, env.publisher.events)
}
