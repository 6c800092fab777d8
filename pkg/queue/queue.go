package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueProvisioning is the Redis list key for provisioning saga jobs.
	QueueProvisioning = "worker:provisioning"
	// QueueArchive is the Redis list key for stream archive jobs.
	QueueArchive = "worker:archive"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// DequeueTimeout bounds one blocking pop so workers notice shutdown.
	DequeueTimeout = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeProvisionSaga JobType = "provision_saga"
	JobTypeArchiveStream JobType = "archive_stream"
)

var queueFor = map[JobType]string{
	JobTypeProvisionSaga: QueueProvisioning,
	JobTypeArchiveStream: QueueArchive,
}

// SagaPayload is the payload for provisioning saga jobs.
type SagaPayload struct {
	SagaID uuid.UUID `json:"saga_id"`
}

// ArchivePayload is the payload for stream archive jobs.
type ArchivePayload struct {
	StreamType  string `json:"stream_type"`
	StreamID    string `json:"stream_id"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueueSaga enqueues a provisioning saga job.
func (q *Queue) EnqueueSaga(ctx context.Context, sagaID uuid.UUID) error {
	job, err := q.enqueue(ctx, JobTypeProvisionSaga, SagaPayload{SagaID: sagaID})
	if err != nil {
		return err
	}
	q.logger.Debug("enqueued provisioning job", zap.String("job_id", job.ID), zap.String("saga_id", sagaID.String()))
	return nil
}

// EnqueueArchive enqueues a stream archive job and returns its id.
func (q *Queue) EnqueueArchive(ctx context.Context, payload ArchivePayload) (string, error) {
	job, err := q.enqueue(ctx, JobTypeArchiveStream, payload)
	if err != nil {
		return "", err
	}
	q.logger.Debug("enqueued archive job", zap.String("job_id", job.ID),
		zap.String("stream_type", payload.StreamType), zap.String("stream_id", payload.StreamID))
	return job.ID, nil
}

func (q *Queue) enqueue(ctx context.Context, t JobType, payload any) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	job := &Job{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, queueFor[t], raw).Err(); err != nil {
		return nil, fmt.Errorf("rpush: %w", err)
	}
	return job, nil
}

// Dequeue blocks until a job is available on one of keys, the timeout passes
// or ctx is done. Returns job and key (queue name); a nil job means nothing
// arrived in time.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration, keys ...string) (*Job, string, error) {
	result, err := q.client.BLPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	key, ok := queueFor[job.Type]
	if !ok || job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

// Len returns the number of jobs waiting in key.
func (q *Queue) Len(ctx context.Context, key string) (int64, error) {
	return q.client.LLen(ctx, key).Result()
}

// KeyFor returns the list key jobs of type t are pushed to.
func KeyFor(t JobType) string {
	return queueFor[t]
}
