// Package validation audits the mapping between subscription plans and
// the catalog service's distinct catalog queries. A drifted mapping
// means learners see content their plan never bought, so the audit
// runs daily and on demand.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/catalog"
	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/sequence"
	"licensing-controlplane/services/subscription"
)

const (
	// Catalog UUID batches per request when catalog.batch_size is not
	// configured. The catalog service bounds its request body, so large
	// fleets are split.
	defaultBatchSize = 100

	defaultBatchTimeout = 30 * time.Second
	maxInflightBatches  = 4
)

// StatusMappingMismatch is carried by errors reporting that the number
// of distinct catalog queries diverged from the plan-type count.
const StatusMappingMismatch errutil.CoreStatus = "MAPPING_MISMATCH"

// ErrMappingMismatch reports a drifted catalog-query mapping. The full
// merged mapping rides along so operators can see which query IDs
// exist without re-running the audit.
func ErrMappingMismatch(expected, actual int, mapping map[int64][]string) error {
	encoded, err := json.Marshal(mapping)
	if err != nil {
		encoded = nil
	}
	return errutil.New(StatusMappingMismatch,
		fmt.Sprintf("expected %d distinct catalog queries but the catalog service reports %d", expected, actual),
		errutil.WithDetails(
			errutil.Detail{Field: "expected", Message: strconv.Itoa(expected)},
			errutil.Detail{Field: "actual", Message: strconv.Itoa(actual)},
			errutil.Detail{Field: "mapping", Message: string(encoded)},
		))
}

// ValidationReport is the outcome of one audit run.
type ValidationReport struct {
	RunCode         string             `json:"run_code,omitempty"`
	PlansAudited    int                `json:"plans_audited"`
	CatalogUUIDs    int                `json:"catalog_uuids"`
	Batches         int                `json:"batches"`
	ExpectedQueries int                `json:"expected_queries"`
	ActualQueries   int                `json:"actual_queries"`
	Consistent      bool               `json:"consistent"`
	QueryIDs        []int64            `json:"query_ids"`
	CatalogsByQuery map[int64][]string `json:"catalogs_by_query"`
	StartedAt       time.Time          `json:"started_at"`
	Duration        time.Duration      `json:"duration"`
}

// Validator runs the catalog-query consistency audit. Read only: it
// never mutates plans or licenses.
type Validator struct {
	cfg    *config.Config
	plans  subscription.PlanRepository
	client catalog.Client
	codes  sequence.Generator
}

type ValidatorParams struct {
	fx.In

	Config *config.Config
	Plans  subscription.PlanRepository
	Client catalog.Client
	Codes  sequence.Generator `optional:"true"`
}

func NewValidator(p ValidatorParams) *Validator {
	return &Validator{
		cfg:    p.Config,
		plans:  p.Plans,
		client: p.Client,
		codes:  p.Codes,
	}
}

// Validate audits every auditable plan in one run. A batch that times
// out aborts the run as indeterminate EXTERNAL_SERVICE, never as a
// mismatch: a slow catalog says nothing about the mapping. A count
// mismatch returns the report together with MAPPING_MISMATCH.
func (v *Validator) Validate(ctx context.Context) (*ValidationReport, error) {
	started := time.Now()

	report := &ValidationReport{
		StartedAt:       started,
		CatalogsByQuery: map[int64][]string{},
	}
	if v.codes != nil {
		code, err := v.codes.NextValidationRunCode(ctx)
		if err != nil {
			zap.L().Warn("[CatalogAudit] failed to mint run code", zap.Error(err))
		} else {
			report.RunCode = code
		}
	}

	plans, err := v.plans.ListForCatalogAudit(ctx)
	if err != nil {
		return nil, err
	}
	report.PlansAudited = len(plans)

	catalogUUIDs := distinctCatalogUUIDs(plans)
	report.CatalogUUIDs = len(catalogUUIDs)
	report.ExpectedQueries = distinctPlanTypes(plans)

	if len(catalogUUIDs) == 0 {
		report.Consistent = report.ExpectedQueries == 0
		report.Duration = time.Since(started)
		if !report.Consistent {
			return report, ErrMappingMismatch(report.ExpectedQueries, 0, report.CatalogsByQuery)
		}
		return report, nil
	}

	batchSize := v.cfg.Catalog.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batches := chunkUUIDs(catalogUUIDs, batchSize)
	report.Batches = len(batches)

	timeout := v.cfg.Catalog.BatchTimeout
	if timeout <= 0 {
		timeout = defaultBatchTimeout
	}

	responses := make([]*catalog.DistinctCatalogQueriesResponse, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInflightBatches)
	for i, batch := range batches {
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			resp, err := v.client.GetDistinctCatalogQueries(bctx, batch)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(bctx.Err(), context.DeadlineExceeded) {
					return errutil.ExternalService("catalog query batch timed out, audit is indeterminate", err)
				}
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := map[int64]map[string]struct{}{}
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		for _, id := range resp.CatalogQueryIDs {
			if merged[id] == nil {
				merged[id] = map[string]struct{}{}
			}
		}
		for id, uuids := range resp.CatalogUUIDsByCatalogQueryID {
			if merged[id] == nil {
				merged[id] = map[string]struct{}{}
			}
			for _, u := range uuids {
				merged[id][u] = struct{}{}
			}
		}
	}

	for id, set := range merged {
		uuids := make([]string, 0, len(set))
		for u := range set {
			uuids = append(uuids, u)
		}
		sort.Strings(uuids)
		report.CatalogsByQuery[id] = uuids
		report.QueryIDs = append(report.QueryIDs, id)
	}
	sort.Slice(report.QueryIDs, func(i, j int) bool { return report.QueryIDs[i] < report.QueryIDs[j] })

	report.ActualQueries = len(report.QueryIDs)
	report.Consistent = report.ActualQueries == report.ExpectedQueries
	report.Duration = time.Since(started)

	zap.L().Info("[CatalogAudit] finished catalog query audit",
		zap.String("run_code", report.RunCode),
		zap.Int("plans", report.PlansAudited),
		zap.Int("expected", report.ExpectedQueries),
		zap.Int("actual", report.ActualQueries),
		zap.Bool("consistent", report.Consistent),
		zap.Duration("duration", report.Duration),
	)

	if !report.Consistent {
		return report, ErrMappingMismatch(report.ExpectedQueries, report.ActualQueries, report.CatalogsByQuery)
	}
	return report, nil
}

// ContainsContent answers whether a plan's catalog contains the given
// content identifiers. Empty content lists are contained trivially.
func (v *Validator) ContainsContent(ctx context.Context, planID string, contentIDs []string) (bool, error) {
	if len(contentIDs) == 0 {
		return true, nil
	}

	plan, err := v.plans.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, errutil.NotFound(fmt.Sprintf("plan %s not found", planID), err)
		}
		return false, err
	}
	if plan.EnterpriseCatalogUUID == "" {
		return false, nil
	}
	return v.client.ContainsContentItems(ctx, plan.EnterpriseCatalogUUID, contentIDs)
}

func distinctCatalogUUIDs(plans []subscription.SubscriptionPlan) []string {
	seen := map[string]struct{}{}
	for i := range plans {
		if plans[i].EnterpriseCatalogUUID == "" {
			continue
		}
		seen[plans[i].EnterpriseCatalogUUID] = struct{}{}
	}

	uuids := make([]string, 0, len(seen))
	for u := range seen {
		uuids = append(uuids, u)
	}
	sort.Strings(uuids)
	return uuids
}

// distinctPlanTypes counts plan types across the audited plans'
// products. Netsuite products sharing a plan type collapse to one
// expected catalog query.
func distinctPlanTypes(plans []subscription.SubscriptionPlan) int {
	seen := map[int64]struct{}{}
	for i := range plans {
		product := plans[i].Product
		if product == nil || product.PlanTypeID == 0 {
			continue
		}
		seen[product.PlanTypeID] = struct{}{}
	}
	return len(seen)
}

func chunkUUIDs(uuids []string, size int) [][]string {
	if size <= 0 || len(uuids) == 0 {
		return nil
	}

	chunks := make([][]string, 0, (len(uuids)+size-1)/size)
	for start := 0; start < len(uuids); start += size {
		end := start + size
		if end > len(uuids) {
			end = len(uuids)
		}
		chunks = append(chunks, uuids[start:end])
	}
	return chunks
}
