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
	// QueueJoins is the Redis list key for queued event joins.
	QueueJoins = "worker:joins"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// StatusTTL bounds how long a job's status stays pollable.
	StatusTTL = 24 * time.Hour

	statusKeyPrefix = "worker:job:"
)

// ErrStatusNotFound is returned when a job id has no (or an expired) status.
var ErrStatusNotFound = errors.New("queue: job status not found")

// JobType identifies the job kind.
type JobType string

const (
	JobTypeJoin JobType = "event_join"
)

// JoinPayload carries the caller as authenticated at enqueue time.
type JoinPayload struct {
	UserID          uuid.UUID  `json:"user_id"`
	EventID         uuid.UUID  `json:"event_id"`
	Role            string     `json:"role"`
	Iconic          bool       `json:"iconic"`
	IconicExpiresAt *time.Time `json:"iconic_expires_at,omitempty"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// State is the externally visible progress of a job.
type State string

const (
	StateQueued    State = "queued"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateDead      State = "dead"
)

// Status is stored per job id so clients can poll the outcome.
type Status struct {
	JobID           string     `json:"job_id"`
	State           State      `json:"state"`
	OwnerID         uuid.UUID  `json:"owner_id"`
	EventID         uuid.UUID  `json:"event_id"`
	ParticipationID *uuid.UUID `json:"participation_id,omitempty"`
	Code            string     `json:"code,omitempty"`
	Error           string     `json:"error,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
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

func newJob(jobType JobType, payload any) (*Job, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	job := &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal job: %w", err)
	}
	return job, raw, nil
}

// EnqueueJoin records a queued status and pushes a join job.
func (q *Queue) EnqueueJoin(ctx context.Context, payload JoinPayload) (*Job, error) {
	job, raw, err := newJob(JobTypeJoin, payload)
	if err != nil {
		return nil, err
	}
	// Status first, so a fast worker's result is never overwritten by "queued".
	st := &Status{JobID: job.ID, State: StateQueued, OwnerID: payload.UserID, EventID: payload.EventID, UpdatedAt: job.CreatedAt}
	if err := q.SetStatus(ctx, st); err != nil {
		return nil, err
	}
	if err := q.client.RPush(ctx, QueueJoins, raw).Err(); err != nil {
		return nil, fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued join job", zap.String("job_id", job.ID), zap.String("event_id", payload.EventID.String()))
	return job, nil
}

// Dequeue blocks up to timeout for a job. A nil job with nil error means nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, QueueJoins).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead
// and reports true.
func (q *Queue) Retry(ctx context.Context, job *Job) (dead bool, err error) {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return false, err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return true, nil
	}
	if err := q.client.RPush(ctx, QueueJoins, raw).Err(); err != nil {
		return false, err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return false, nil
}

func statusKey(jobID string) string {
	return statusKeyPrefix + jobID
}

// SetStatus stores st under its job id for StatusTTL.
func (q *Queue) SetStatus(ctx context.Context, st *Status) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := q.client.Set(ctx, statusKey(st.JobID), raw, StatusTTL).Err(); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// GetStatus loads a job's status.
func (q *Queue) GetStatus(ctx context.Context, jobID string) (*Status, error) {
	raw, err := q.client.Get(ctx, statusKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStatusNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("unmarshal status: %w", err)
	}
	return &st, nil
}
