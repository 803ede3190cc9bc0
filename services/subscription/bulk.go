package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/rediskey"
	"licensing-controlplane/pkg/sequence"
	"licensing-controlplane/pkg/task"
)

const (
	defaultBulkChunkSize = 200

	// Per-email outcomes recorded in the job's redis hash.
	outcomeAssigned = "assigned"
	outcomeSkipped  = "skipped"

	bulkResultsTTL = 24 * time.Hour
)

// ResultsStore archives finished job outcomes to object storage.
type ResultsStore interface {
	Put(ctx context.Context, objectKey string, body []byte, contentType string) error
}

type minioResultsStore struct {
	client *minio.Client
	bucket string
}

// NewResultsStore returns a minio backed ResultsStore writing into the
// configured bucket.
func NewResultsStore(client *minio.Client, cfg *config.Config) ResultsStore {
	return &minioResultsStore{client: client, bucket: cfg.Minio.BucketName}
}

func (s *minioResultsStore) Put(ctx context.Context, objectKey string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey,
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

// BulkService runs large license assignments off the request path. A
// job chews through its emails in chunks, one transaction per chunk,
// recording per-email outcomes in a redis hash keyed by job code so a
// retried task resumes where the last attempt stopped. Finished jobs
// archive their outcomes to object storage.
type BulkService struct {
	db       *gorm.DB
	cfg      *config.Config
	node     *snowflake.Node
	plans    PlanRepository
	assigner *AssignmentService
	enqueuer task.Enqueuer
	rdb      *redis.Client
	store    ResultsStore
	codes    sequence.Generator
}

type BulkServiceParams struct {
	fx.In

	DB       *gorm.DB
	Config   *config.Config
	Node     *snowflake.Node
	Plans    PlanRepository
	Assigner *AssignmentService
	Enqueuer task.Enqueuer
	Redis    *redis.Client
	Store    ResultsStore
	Codes    sequence.Generator
}

func NewBulkService(p BulkServiceParams) *BulkService {
	return &BulkService{
		db:       p.DB,
		cfg:      p.Config,
		node:     p.Node,
		plans:    p.Plans,
		assigner: p.Assigner,
		enqueuer: p.Enqueuer,
		rdb:      p.Redis,
		store:    p.Store,
		codes:    p.Codes,
	}
}

func bulkResultsKey(code string) string {
	return rediskey.BuildBulkJobKey(code)
}

// StartBulkAssignment registers a job and enqueues it. The returned
// job carries the code callers poll for progress.
func (s *BulkService) StartBulkAssignment(ctx context.Context, planID string, emails []string, notify bool, actor string) (*BulkAssignmentJob, error) {
	deduped := dedupeEmails(emails)
	if len(deduped) == 0 {
		return nil, errutil.ValidationFailed("at least one email is required", nil)
	}

	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound(fmt.Sprintf("plan %s not found", planID), err)
		}
		return nil, err
	}

	code, err := s.codes.NextBulkJobCode(ctx)
	if err != nil {
		return nil, err
	}

	meta, _ := json.Marshal(map[string]interface{}{
		"notify_users": notify,
		"actor":        actor,
	})
	job := &BulkAssignmentJob{
		ID:          s.node.Generate().String(),
		Code:        code,
		PlanID:      plan.ID,
		Status:      JobPending,
		TotalEmails: len(deduped),
		Metadata:    datatypes.JSON(meta),
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}

	t, err := NewBulkAssignTask(code, plan.ID, deduped, notify, actor)
	if err != nil {
		return nil, err
	}
	if _, err := s.enqueuer.Enqueue(t); err != nil {
		return nil, err
	}

	zap.L().Info("[License] started bulk assignment job",
		zap.String("job_code", code),
		zap.String("plan_id", plan.ID),
		zap.Int("total_emails", len(deduped)),
	)
	return job, nil
}

func (s *BulkService) GetJob(ctx context.Context, code string) (*BulkAssignmentJob, error) {
	var job BulkAssignmentJob
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound(fmt.Sprintf("bulk job %s not found", code), err)
		}
		return nil, err
	}
	return &job, nil
}

// RunBulkAssignment is the task body. Safe to run repeatedly: emails
// with a recorded outcome are skipped on resume.
func (s *BulkService) RunBulkAssignment(ctx context.Context, payload BulkAssignPayload) error {
	job, err := s.GetJob(ctx, payload.JobCode)
	if err != nil {
		if errutil.HasStatus(err, errutil.StatusNotFound) {
			zap.L().Warn("[License] dropping bulk task for unknown job",
				zap.String("job_code", payload.JobCode))
			return nil
		}
		return err
	}
	if job.Status == JobSuccess || job.Status == JobFailed {
		return nil
	}

	if job.Status == JobPending {
		now := time.Now()
		err := s.db.WithContext(ctx).Model(job).
			Updates(map[string]interface{}{"status": JobRunning, "started_at": now}).Error
		if err != nil {
			return err
		}
	}

	chunkSize := s.cfg.Licensing.BulkChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultBulkChunkSize
	}
	resultsKey := bulkResultsKey(job.Code)

	for _, chunk := range chunkEmails(payload.Emails, chunkSize) {
		pending, err := s.filterDone(ctx, resultsKey, chunk)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			continue
		}

		result, err := s.assigner.Assign(ctx, AssignRequest{
			PlanID:      payload.PlanID,
			Emails:      pending,
			NotifyUsers: payload.NotifyUsers,
			Actor:       payload.Actor,
		})
		if err != nil {
			if errutil.HasStatus(err, StatusInsufficientLicenses) {
				// Permanent: later chunks cannot succeed either.
				s.finalize(ctx, job, JobFailed, err.Error())
				return fmt.Errorf("bulk job %s: %v: %w", job.Code, err, asynq.SkipRetry)
			}
			return err
		}

		outcomes := make(map[string]interface{}, len(pending))
		for i := range result.Assigned {
			outcomes[result.Assigned[i].Email()] = outcomeAssigned
		}
		for _, email := range result.AlreadyAssociated {
			outcomes[email] = outcomeSkipped
		}
		if len(outcomes) > 0 {
			if err := s.rdb.HSet(ctx, resultsKey, outcomes).Err(); err != nil {
				return err
			}
			s.rdb.Expire(ctx, resultsKey, bulkResultsTTL)
		}
	}

	s.finalize(ctx, job, JobSuccess, "")
	return nil
}

// filterDone drops emails that already have an outcome recorded from a
// prior attempt.
func (s *BulkService) filterDone(ctx context.Context, resultsKey string, emails []string) ([]string, error) {
	if len(emails) == 0 {
		return nil, nil
	}

	done, err := s.rdb.HMGet(ctx, resultsKey, emails...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	pending := make([]string, 0, len(emails))
	for i, email := range emails {
		if i < len(done) && done[i] != nil {
			continue
		}
		pending = append(pending, email)
	}
	return pending, nil
}

// finalize tallies outcomes from redis, archives them and stamps the
// job row. Archive failures are logged, not fatal: the redis hash
// keeps the outcomes until its TTL runs out.
func (s *BulkService) finalize(ctx context.Context, job *BulkAssignmentJob, status JobStatus, errMsg string) {
	resultsKey := bulkResultsKey(job.Code)

	outcomes, err := s.rdb.HGetAll(ctx, resultsKey).Result()
	if err != nil {
		zap.L().Error("[License] failed to read bulk job outcomes",
			zap.String("job_code", job.Code), zap.Error(err))
		outcomes = nil
	}

	var assigned, skipped int
	for _, outcome := range outcomes {
		switch outcome {
		case outcomeAssigned:
			assigned++
		case outcomeSkipped:
			skipped++
		}
	}

	objectKey := ""
	if len(outcomes) > 0 {
		objectKey, err = s.archiveResults(ctx, job, outcomes)
		if err != nil {
			zap.L().Error("[License] failed to archive bulk job results",
				zap.String("job_code", job.Code), zap.Error(err))
			objectKey = ""
		}
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":             status,
		"num_assigned":       assigned,
		"num_skipped":        skipped,
		"num_failed":         job.TotalEmails - assigned - skipped,
		"error_msg":          errMsg,
		"results_object_key": objectKey,
		"completed_at":       now,
	}
	if err := s.db.WithContext(ctx).Model(job).Updates(updates).Error; err != nil {
		zap.L().Error("[License] failed to finalize bulk job",
			zap.String("job_code", job.Code), zap.Error(err))
		return
	}

	zap.L().Info("[License] finished bulk assignment job",
		zap.String("job_code", job.Code),
		zap.String("status", status.String()),
		zap.Int("assigned", assigned),
		zap.Int("skipped", skipped),
	)
}

func (s *BulkService) archiveResults(ctx context.Context, job *BulkAssignmentJob, outcomes map[string]string) (string, error) {
	doc, err := json.Marshal(map[string]interface{}{
		"job_code":             job.Code,
		"subscription_plan_id": job.PlanID,
		"archived_at":          time.Now().UTC(),
		"results":              outcomes,
	})
	if err != nil {
		return "", err
	}

	objectKey := fmt.Sprintf("bulk-jobs/%s.json", job.Code)
	if err := s.store.Put(ctx, objectKey, doc, "application/json"); err != nil {
		return "", err
	}
	return objectKey, nil
}

func chunkEmails(emails []string, size int) [][]string {
	if size <= 0 || len(emails) == 0 {
		return nil
	}

	chunks := make([][]string, 0, (len(emails)+size-1)/size)
	for start := 0; start < len(emails); start += size {
		end := start + size
		if end > len(emails) {
			end = len(emails)
		}
		chunks = append(chunks, emails[start:end])
	}
	return chunks
}
