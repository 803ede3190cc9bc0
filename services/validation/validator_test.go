package validation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/catalog"
	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/subscription"
	"licensing-controlplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeCatalogClient struct {
	distinctFn func(ctx context.Context, catalogUUIDs []string) (*catalog.DistinctCatalogQueriesResponse, error)
	containsFn func(ctx context.Context, catalogUUID string, contentIDs []string) (bool, error)

	mu      sync.Mutex
	batches [][]string
}

func (f *fakeCatalogClient) GetDistinctCatalogQueries(ctx context.Context, catalogUUIDs []string) (*catalog.DistinctCatalogQueriesResponse, error) {
	f.mu.Lock()
	f.batches = append(f.batches, catalogUUIDs)
	f.mu.Unlock()
	return f.distinctFn(ctx, catalogUUIDs)
}

func (f *fakeCatalogClient) ContainsContentItems(ctx context.Context, catalogUUID string, contentIDs []string) (bool, error) {
	if f.containsFn == nil {
		return false, nil
	}
	return f.containsFn(ctx, catalogUUID, contentIDs)
}

type auditEnv struct {
	db     *gorm.DB
	cfg    *config.Config
	plans  subscription.PlanRepository
	client *fakeCatalogClient
	v      *Validator
}

func newAuditEnv(t *testing.T) *auditEnv {
	t.Helper()

	db := testutil.NewTestDB(t,
		&subscription.PlanType{},
		&subscription.Product{},
		&subscription.SubscriptionPlan{},
	)
	client := &fakeCatalogClient{}
	env := &auditEnv{
		db:     db,
		cfg:    &config.Config{},
		plans:  subscription.NewPlanRepository(db),
		client: client,
	}
	env.v = &Validator{cfg: env.cfg, plans: env.plans, client: client}
	return env
}

// seedAuditPlan creates an active external plan wired to a product of
// the given plan type.
func (e *auditEnv) seedAuditPlan(t *testing.T, catalogUUID string, planTypeID int64, mutate ...func(*subscription.SubscriptionPlan)) *subscription.SubscriptionPlan {
	t.Helper()

	product := &subscription.Product{
		Name:       fmt.Sprintf("product-%d-%s", planTypeID, catalogUUID),
		PlanTypeID: planTypeID,
	}
	testutil.MustCreate(t, e.db, product)

	now := time.Now()
	plan := &subscription.SubscriptionPlan{
		ID:                    fmt.Sprintf("00000000-0000-0000-0000-%012d", product.ID),
		Title:                 fmt.Sprintf("Audit Plan %d", product.ID),
		Slug:                  fmt.Sprintf("audit-plan-%d", product.ID),
		IsActive:              true,
		StartDate:             now.Add(-24 * time.Hour),
		ExpirationDate:        now.Add(365 * 24 * time.Hour),
		EnterpriseCatalogUUID: catalogUUID,
		NumLicenses:           1,
		RevokeMaxPercentage:   5,
		ProductID:             product.ID,
	}
	for _, m := range mutate {
		m(plan)
	}
	testutil.MustCreate(t, e.db, plan)
	return plan
}

func (e *auditEnv) seedPlanTypes(t *testing.T) {
	t.Helper()
	testutil.MustCreate(t, e.db,
		&subscription.PlanType{ID: 1, Label: "Standard Paid"},
		&subscription.PlanType{ID: 2, Label: "Trial"},
	)
}

func TestValidateConsistentMapping(t *testing.T) {
	env := newAuditEnv(t)
	env.seedPlanTypes(t)
	// Two products of the same plan type collapse to one expected query.
	env.seedAuditPlan(t, "catalog-a", 1)
	env.seedAuditPlan(t, "catalog-b", 1)
	env.seedAuditPlan(t, "catalog-b", 2)

	env.client.distinctFn = func(ctx context.Context, uuids []string) (*catalog.DistinctCatalogQueriesResponse, error) {
		return &catalog.DistinctCatalogQueriesResponse{
			Count:           2,
			CatalogQueryIDs: []int64{10, 20},
			CatalogUUIDsByCatalogQueryID: map[int64][]string{
				10: {"catalog-a"},
				20: {"catalog-b"},
			},
		}, nil
	}

	report, err := env.v.Validate(context.Background())
	require.NoError(t, err)
	require.True(t, report.Consistent)
	require.Equal(t, 3, report.PlansAudited)
	require.Equal(t, 2, report.CatalogUUIDs)
	require.Equal(t, 2, report.ExpectedQueries)
	require.Equal(t, 2, report.ActualQueries)
	require.Equal(t, []int64{10, 20}, report.QueryIDs)
	require.Equal(t, []string{"catalog-a"}, report.CatalogsByQuery[10])
	require.Equal(t, 1, report.Batches)
}

func TestValidateSkipsProcessedAndInternalPlans(t *testing.T) {
	env := newAuditEnv(t)
	env.seedPlanTypes(t)
	env.seedAuditPlan(t, "catalog-a", 1)
	// Inactive alone does not exclude a plan; only expiration
	// processing retires it from the audit.
	env.seedAuditPlan(t, "catalog-a", 1, func(p *subscription.SubscriptionPlan) {
		p.IsActive = false
	})
	env.seedAuditPlan(t, "catalog-x", 2, func(p *subscription.SubscriptionPlan) {
		p.ExpirationProcessed = true
	})
	env.seedAuditPlan(t, "catalog-y", 2, func(p *subscription.SubscriptionPlan) {
		p.ForInternalUseOnly = true
	})

	env.client.distinctFn = func(ctx context.Context, uuids []string) (*catalog.DistinctCatalogQueriesResponse, error) {
		require.Equal(t, []string{"catalog-a"}, uuids)
		return &catalog.DistinctCatalogQueriesResponse{
			Count:                        1,
			CatalogQueryIDs:              []int64{10},
			CatalogUUIDsByCatalogQueryID: map[int64][]string{10: {"catalog-a"}},
		}, nil
	}

	report, err := env.v.Validate(context.Background())
	require.NoError(t, err)
	require.True(t, report.Consistent)
	require.Equal(t, 2, report.PlansAudited)
	require.Equal(t, 1, report.CatalogUUIDs)
}

func TestValidateMismatchReturnsReport(t *testing.T) {
	env := newAuditEnv(t)
	env.seedPlanTypes(t)
	env.seedAuditPlan(t, "catalog-a", 1)
	env.seedAuditPlan(t, "catalog-b", 2)

	env.client.distinctFn = func(ctx context.Context, uuids []string) (*catalog.DistinctCatalogQueriesResponse, error) {
		return &catalog.DistinctCatalogQueriesResponse{
			Count:                        1,
			CatalogQueryIDs:              []int64{10},
			CatalogUUIDsByCatalogQueryID: map[int64][]string{10: {"catalog-a", "catalog-b"}},
		}, nil
	}

	report, err := env.v.Validate(context.Background())
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, StatusMappingMismatch))
	// The report still comes back so operators can inspect the drift.
	require.NotNil(t, report)
	require.False(t, report.Consistent)
	require.Equal(t, 2, report.ExpectedQueries)
	require.Equal(t, 1, report.ActualQueries)
}

func TestValidateBatchesLargeFleets(t *testing.T) {
	env := newAuditEnv(t)
	env.seedPlanTypes(t)
	for i := 0; i < 150; i++ {
		env.seedAuditPlan(t, fmt.Sprintf("catalog-%03d", i), 1)
	}

	env.client.distinctFn = func(ctx context.Context, uuids []string) (*catalog.DistinctCatalogQueriesResponse, error) {
		return &catalog.DistinctCatalogQueriesResponse{
			Count:                        1,
			CatalogQueryIDs:              []int64{10},
			CatalogUUIDsByCatalogQueryID: map[int64][]string{10: uuids},
		}, nil
	}

	report, err := env.v.Validate(context.Background())
	require.NoError(t, err)
	require.True(t, report.Consistent)
	require.Equal(t, 2, report.Batches)
	require.Equal(t, 150, report.CatalogUUIDs)
	// Batch responses are unioned back into one mapping.
	require.Len(t, report.CatalogsByQuery[10], 150)

	sizes := make([]int, 0, len(env.client.batches))
	for _, b := range env.client.batches {
		sizes = append(sizes, len(b))
	}
	require.ElementsMatch(t, []int{100, 50}, sizes)
}

func TestValidateHonorsConfiguredBatchSize(t *testing.T) {
	env := newAuditEnv(t)
	env.seedPlanTypes(t)
	for i := 0; i < 5; i++ {
		env.seedAuditPlan(t, fmt.Sprintf("catalog-%d", i), 1)
	}
	env.cfg.Catalog.BatchSize = 2

	env.client.distinctFn = func(ctx context.Context, uuids []string) (*catalog.DistinctCatalogQueriesResponse, error) {
		return &catalog.DistinctCatalogQueriesResponse{
			Count:                        1,
			CatalogQueryIDs:              []int64{10},
			CatalogUUIDsByCatalogQueryID: map[int64][]string{10: uuids},
		}, nil
	}

	report, err := env.v.Validate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Batches)

	sizes := make([]int, 0, len(env.client.batches))
	for _, b := range env.client.batches {
		sizes = append(sizes, len(b))
	}
	require.ElementsMatch(t, []int{2, 2, 1}, sizes)
}

func TestValidateTimeoutIsIndeterminate(t *testing.T) {
	env := newAuditEnv(t)
	env.seedPlanTypes(t)
	env.seedAuditPlan(t, "catalog-a", 1)
	env.cfg.Catalog.BatchTimeout = 20 * time.Millisecond

	env.client.distinctFn = func(ctx context.Context, uuids []string) (*catalog.DistinctCatalogQueriesResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	report, err := env.v.Validate(context.Background())
	require.Error(t, err)
	require.Nil(t, report)
	// A slow catalog must not be reported as drift.
	require.True(t, errutil.HasStatus(err, errutil.StatusExternalService))
	require.False(t, errutil.HasStatus(err, StatusMappingMismatch))
}

func TestValidateEmptyFleet(t *testing.T) {
	env := newAuditEnv(t)

	report, err := env.v.Validate(context.Background())
	require.NoError(t, err)
	require.True(t, report.Consistent)
	require.Zero(t, report.PlansAudited)
	require.Zero(t, report.Batches)
	require.Empty(t, env.client.batches)
}

func TestContainsContent(t *testing.T) {
	env := newAuditEnv(t)
	env.seedPlanTypes(t)
	plan := env.seedAuditPlan(t, "catalog-a", 1)
	noCatalog := env.seedAuditPlan(t, "", 2)

	env.client.containsFn = func(ctx context.Context, catalogUUID string, contentIDs []string) (bool, error) {
		require.Equal(t, "catalog-a", catalogUUID)
		require.Equal(t, []string{"course-v1:edX+DemoX+Demo"}, contentIDs)
		return true, nil
	}

	ok, err := env.v.ContainsContent(context.Background(), plan.ID, []string{"course-v1:edX+DemoX+Demo"})
	require.NoError(t, err)
	require.True(t, ok)

	// Empty lists are contained trivially, no catalog round trip.
	ok, err = env.v.ContainsContent(context.Background(), plan.ID, nil)
	require.NoError(t, err)
	require.True(t, ok)

	// A plan without a catalog cannot contain anything.
	ok, err = env.v.ContainsContent(context.Background(), noCatalog.ID, []string{"course-v1:edX+DemoX+Demo"})
	require.NoError(t, err)
	require.False(t, ok)
}
