package subscription

import (
	"context"
	"fmt"
	"testing"
	"time"

	flagsmith "github.com/Flagsmith/flagsmith-go-client/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/db/pagination"
	"licensing-controlplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestDB(t *testing.T) *gorm.DB {
	return testutil.NewTestDB(t,
		&PlanType{},
		&Product{},
		&SubscriptionPlan{},
		&License{},
		&SubscriptionPlanRenewal{},
		&LicenseEvent{},
		&BulkAssignmentJob{},
	)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return nil, nil
}

func (f *fakeEnqueuer) taskTypes() []string {
	types := make([]string, 0, len(f.tasks))
	for _, t := range f.tasks {
		types = append(types, t.Type())
	}
	return types
}

type publishedEvent struct {
	eventType string
	key       string
	payload   []byte
}

type fakePublisher struct {
	events []publishedEvent
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, eventType, key string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, publishedEvent{eventType: eventType, key: key, payload: payload})
	return nil
}

func (f *fakePublisher) EnsureTopics(ctx context.Context) error { return nil }

func (f *fakePublisher) countByType(eventType string) int {
	n := 0
	for _, e := range f.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

type stubFlags struct {
	disabled map[string]bool
}

func (s *stubFlags) Features(ctx context.Context, identifier string) ([]flagsmith.Flag, error) {
	return nil, nil
}

func (s *stubFlags) Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error) {
	return flagsmith.Flags{}, nil
}

func (s *stubFlags) IsEnabled(ctx context.Context, feature string) bool {
	return !s.disabled[feature]
}

type testEnv struct {
	db        *gorm.DB
	node      *snowflake.Node
	cfg       *config.Config
	plansRepo PlanRepository
	licRepo   LicenseRepository
	renRepo   RenewalRepository
	enqueuer  *fakeEnqueuer
	publisher *fakePublisher
	flags     *stubFlags
	events    *EventFactory

	plans  *PlanService
	assign *AssignmentService
	revoke *RevocationService
	renew  *RenewalService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.SecretHashKey = "test-hash-key"

	env := &testEnv{
		db:        db,
		node:      node,
		cfg:       cfg,
		plansRepo: NewPlanRepository(db),
		licRepo:   NewLicenseRepository(db, node),
		renRepo:   NewRenewalRepository(db),
		enqueuer:  &fakeEnqueuer{},
		publisher: &fakePublisher{},
		flags:     &stubFlags{},
	}
	env.events = NewEventFactory(cfg, env.publisher, node)

	env.plans = &PlanService{
		db:       db,
		plans:    env.plansRepo,
		licenses: env.licRepo,
		renewals: env.renRepo,
		events:   env.events,
		enqueuer: env.enqueuer,
	}
	env.assign = &AssignmentService{
		db:       db,
		plans:    env.plansRepo,
		licenses: env.licRepo,
		events:   env.events,
		enqueuer: env.enqueuer,
		flags:    env.flags,
	}
	env.revoke = &RevocationService{
		db:       db,
		plans:    env.plansRepo,
		licenses: env.licRepo,
		events:   env.events,
		enqueuer: env.enqueuer,
	}
	env.renew = &RenewalService{
		db:       db,
		plans:    env.plansRepo,
		licenses: env.licRepo,
		renewals: env.renRepo,
		events:   env.events,
		enqueuer: env.enqueuer,
		flags:    env.flags,
	}
	return env
}

// seedPlan inserts an active plan directly, bypassing CreatePlan.
func (e *testEnv) seedPlan(t *testing.T, numLicenses int, mutate ...func(*SubscriptionPlan)) *SubscriptionPlan {
	t.Helper()

	id := uuid.NewString()
	plan := &SubscriptionPlan{
		ID:                     id,
		Title:                  fmt.Sprintf("Test Plan %s", id[:8]),
		Slug:                   fmt.Sprintf("test-plan-%s", id[:8]),
		IsActive:               true,
		StartDate:              time.Now().Add(-24 * time.Hour),
		ExpirationDate:         time.Now().Add(365 * 24 * time.Hour),
		EnterpriseCustomerUUID: uuid.NewString(),
		EnterpriseCatalogUUID:  uuid.NewString(),
		NumLicenses:            numLicenses,
		RevokeMaxPercentage:    5,
	}
	for _, m := range mutate {
		m(plan)
	}
	testutil.MustCreate(t, e.db, plan)
	return plan
}

// seedProvisionedPlan seeds a plan and fills its pool.
func (e *testEnv) seedProvisionedPlan(t *testing.T, numLicenses int, mutate ...func(*SubscriptionPlan)) *SubscriptionPlan {
	t.Helper()

	plan := e.seedPlan(t, numLicenses, mutate...)
	created, err := e.plans.Provision(context.Background(), plan.ID, "test-seed")
	require.NoError(t, err)
	require.Equal(t, numLicenses, created)
	return plan
}

func (e *testEnv) assignEmails(t *testing.T, planID string, emails ...string) []License {
	t.Helper()

	result, err := e.assign.Assign(context.Background(), AssignRequest{
		PlanID: planID,
		Emails: emails,
		Actor:  "test-assign",
	})
	require.NoError(t, err)
	require.Len(t, result.Assigned, len(emails))
	return result.Assigned
}

func (e *testEnv) getLicense(t *testing.T, licenseID string) *License {
	t.Helper()

	lic, err := e.licRepo.GetByID(context.Background(), licenseID)
	require.NoError(t, err)
	return lic
}

func (e *testEnv) getPlan(t *testing.T, planID string) *SubscriptionPlan {
	t.Helper()

	plan, err := e.plansRepo.GetByID(context.Background(), planID)
	require.NoError(t, err)
	return plan
}

// requirePoolInvariant asserts the status counts add up to the plan's
// pool size.
func (e *testEnv) requirePoolInvariant(t *testing.T, planID string) {
	t.Helper()

	plan := e.getPlan(t, planID)
	counts, err := e.plans.LicenseCounts(context.Background(), planID)
	require.NoError(t, err)
	require.Equal(t, int64(plan.NumLicenses), counts.Total,
		"license status counts must add up to num_licenses")
}

func (e *testEnv) countEvents(t *testing.T, licenseID, eventType string) int64 {
	t.Helper()
	return testutil.MustCount(t, e.db, &LicenseEvent{},
		"license_id = ? AND event_type = ?", licenseID, eventType)
}

func paginationAll() pagination.Pagination {
	return pagination.Pagination{Page: 1, PageSize: 500}
}
