package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/sequence"
	"licensing-controlplane/pkg/taskname"
)

type fakeResultsStore struct {
	objects map[string][]byte
}

func (f *fakeResultsStore) Put(ctx context.Context, objectKey string, body []byte, contentType string) error {
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[objectKey] = body
	return nil
}

func newBulkEnv(t *testing.T) (*testEnv, *BulkService, *fakeResultsStore) {
	t.Helper()

	env := newTestEnv(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := &fakeResultsStore{}
	bulk := &BulkService{
		db:       env.db,
		cfg:      env.cfg,
		node:     env.node,
		plans:    env.plansRepo,
		assigner: env.assign,
		enqueuer: env.enqueuer,
		rdb:      rdb,
		store:    store,
		codes:    sequence.NewRedisGenerator(sequence.Params{Redis: rdb}),
	}
	return env, bulk, store
}

// startJob registers a bulk job and hands back the decoded task payload
// the worker would receive.
func startJob(t *testing.T, env *testEnv, bulk *BulkService, planID string, emails ...string) (*BulkAssignmentJob, BulkAssignPayload) {
	t.Helper()

	job, err := bulk.StartBulkAssignment(context.Background(), planID, emails, false, "admin")
	require.NoError(t, err)
	require.Equal(t, []string{taskname.LicenseBulkAssign}, env.enqueuer.taskTypes())

	var payload BulkAssignPayload
	require.NoError(t, json.Unmarshal(env.enqueuer.tasks[0].Payload(), &payload))
	env.enqueuer.tasks = nil
	return job, payload
}

func TestStartBulkAssignment(t *testing.T) {
	env, bulk, _ := newBulkEnv(t)
	plan := env.seedProvisionedPlan(t, 5)

	job, payload := startJob(t, env, bulk, plan.ID,
		"Ada@Example.com", "ada@example.com", "grace@example.com")

	require.True(t, strings.HasPrefix(job.Code, "BLK-"))
	require.Equal(t, JobPending, job.Status)
	require.Equal(t, 2, job.TotalEmails)
	require.Equal(t, job.Code, payload.JobCode)
	require.Equal(t, []string{"ada@example.com", "grace@example.com"}, payload.Emails)
}

func TestStartBulkAssignmentValidation(t *testing.T) {
	env, bulk, _ := newBulkEnv(t)
	ctx := context.Background()
	plan := env.seedProvisionedPlan(t, 1)

	_, err := bulk.StartBulkAssignment(ctx, plan.ID, nil, false, "admin")
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	_, err = bulk.StartBulkAssignment(ctx, "00000000-0000-0000-0000-000000000000",
		[]string{"ada@example.com"}, false, "admin")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
}

func TestRunBulkAssignment(t *testing.T) {
	env, bulk, store := newBulkEnv(t)
	ctx := context.Background()
	env.cfg.Licensing.BulkChunkSize = 2
	plan := env.seedProvisionedPlan(t, 5)

	job, payload := startJob(t, env, bulk, plan.ID,
		"a@example.com", "b@example.com", "c@example.com")

	require.NoError(t, bulk.RunBulkAssignment(ctx, payload))

	done, err := bulk.GetJob(ctx, job.Code)
	require.NoError(t, err)
	require.Equal(t, JobSuccess, done.Status)
	require.Equal(t, 3, done.NumAssigned)
	require.Zero(t, done.NumSkipped)
	require.Zero(t, done.NumFailed)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, "bulk-jobs/"+job.Code+".json", done.ResultsObjectKey)

	counts, err := env.plans.LicenseCounts(ctx, plan.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), counts.Assigned)
	env.requirePoolInvariant(t, plan.ID)

	// The archived document carries the per-email outcomes.
	var archived struct {
		JobCode string            `json:"job_code"`
		Results map[string]string `json:"results"`
	}
	require.NoError(t, json.Unmarshal(store.objects[done.ResultsObjectKey], &archived))
	require.Equal(t, job.Code, archived.JobCode)
	require.Equal(t, outcomeAssigned, archived.Results["a@example.com"])
	require.Len(t, archived.Results, 3)

	// Running a finished job again changes nothing.
	require.NoError(t, bulk.RunBulkAssignment(ctx, payload))
	again, err := bulk.GetJob(ctx, job.Code)
	require.NoError(t, err)
	require.Equal(t, 3, again.NumAssigned)
}

func TestRunBulkAssignmentResumesAfterRetry(t *testing.T) {
	env, bulk, _ := newBulkEnv(t)
	ctx := context.Background()
	plan := env.seedProvisionedPlan(t, 5)

	job, payload := startJob(t, env, bulk, plan.ID, "ada@example.com", "grace@example.com")

	// A previous attempt already handled ada before the worker died.
	require.NoError(t, bulk.rdb.HSet(ctx, bulkResultsKey(job.Code),
		"ada@example.com", outcomeAssigned).Err())

	require.NoError(t, bulk.RunBulkAssignment(ctx, payload))

	// Ada was not assigned again; the tally still covers both emails.
	require.Zero(t, countLicensesByEmail(t, env, plan.ID, "ada@example.com"))
	require.Equal(t, int64(1), countLicensesByEmail(t, env, plan.ID, "grace@example.com"))
	done, err := bulk.GetJob(ctx, job.Code)
	require.NoError(t, err)
	require.Equal(t, JobSuccess, done.Status)
	require.Equal(t, 2, done.NumAssigned)
}

func TestRunBulkAssignmentRecordsSkips(t *testing.T) {
	env, bulk, store := newBulkEnv(t)
	ctx := context.Background()
	plan := env.seedProvisionedPlan(t, 5)
	env.assignEmails(t, plan.ID, "ada@example.com")

	job, payload := startJob(t, env, bulk, plan.ID, "ada@example.com", "grace@example.com")

	require.NoError(t, bulk.RunBulkAssignment(ctx, payload))

	done, err := bulk.GetJob(ctx, job.Code)
	require.NoError(t, err)
	require.Equal(t, JobSuccess, done.Status)
	require.Equal(t, 1, done.NumAssigned)
	require.Equal(t, 1, done.NumSkipped)

	var archived struct {
		Results map[string]string `json:"results"`
	}
	require.NoError(t, json.Unmarshal(store.objects[done.ResultsObjectKey], &archived))
	require.Equal(t, outcomeSkipped, archived.Results["ada@example.com"])
	require.Equal(t, outcomeAssigned, archived.Results["grace@example.com"])
}

func TestRunBulkAssignmentInsufficientLicenses(t *testing.T) {
	env, bulk, store := newBulkEnv(t)
	ctx := context.Background()
	plan := env.seedProvisionedPlan(t, 1)

	job, payload := startJob(t, env, bulk, plan.ID,
		"a@example.com", "b@example.com", "c@example.com")

	err := bulk.RunBulkAssignment(ctx, payload)
	require.Error(t, err)
	// The pool cannot grow, so asynq must not retry this task.
	require.True(t, errors.Is(err, asynq.SkipRetry))

	done, getErr := bulk.GetJob(ctx, job.Code)
	require.NoError(t, getErr)
	require.Equal(t, JobFailed, done.Status)
	require.Zero(t, done.NumAssigned)
	require.Equal(t, 3, done.NumFailed)
	require.NotEmpty(t, done.ErrorMsg)
	require.NotNil(t, done.CompletedAt)
	require.Empty(t, done.ResultsObjectKey)
	require.Empty(t, store.objects)
	env.requirePoolInvariant(t, plan.ID)
}

func TestRunBulkAssignmentUnknownJob(t *testing.T) {
	_, bulk, _ := newBulkEnv(t)

	require.NoError(t, bulk.RunBulkAssignment(context.Background(), BulkAssignPayload{
		JobCode: "BLK-000000-ZZZ",
		PlanID:  "irrelevant",
		Emails:  []string{"ada@example.com"},
	}))
}

func TestChunkEmails(t *testing.T) {
	require.Nil(t, chunkEmails(nil, 10))
	require.Nil(t, chunkEmails([]string{"a"}, 0))

	chunks := chunkEmails([]string{"a", "b", "c", "d", "e"}, 2)
	require.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunks)
}

func countLicensesByEmail(t *testing.T, env *testEnv, planID, email string) int64 {
	t.Helper()

	var n int64
	require.NoError(t, env.db.Model(&License{}).
		Where("subscription_plan_id = ? AND user_email = ?", planID, email).
		Count(&n).Error)
	return n
}
