// Package worker drains the join queue and runs each join through the registration coordinator.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iconic-events/backend/internal/access"
	"github.com/iconic-events/backend/internal/apperr"
	"github.com/iconic-events/backend/internal/metrics"
	"github.com/iconic-events/backend/internal/models"
	"github.com/iconic-events/backend/pkg/queue"
)

// DequeueTimeout bounds each blocking pop so Run notices cancellation.
const DequeueTimeout = 5 * time.Second

// Joiner is the registration coordinator's join operation.
type Joiner interface {
	Join(ctx context.Context, p access.Principal, eventID uuid.UUID) (*models.Participation, error)
}

// JobQueue is the part of the queue the processor consumes.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) (dead bool, err error)
	SetStatus(ctx context.Context, st *queue.Status) error
}

// JoinProcessor processes queued event joins.
type JoinProcessor struct {
	joiner Joiner
	queue  JobQueue
	logger *zap.Logger

	// Backoff is slept after an infrastructure failure before the next pop.
	Backoff time.Duration
	Now     func() time.Time
}

// NewJoinProcessor creates a join processor.
func NewJoinProcessor(joiner Joiner, q JobQueue, logger *zap.Logger) *JoinProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JoinProcessor{joiner: joiner, queue: q, logger: logger, Backoff: queue.RetryBackoff, Now: time.Now}
}

func principalOf(p queue.JoinPayload) access.Principal {
	return access.Principal{
		UserID:          p.UserID,
		Role:            models.ParseRole(p.Role),
		Iconic:          p.Iconic,
		IconicExpiresAt: p.IconicExpiresAt,
	}
}

// Process executes one join job. A domain rejection is a final answer and is recorded as failed;
// only infrastructure errors are returned, for the caller to retry.
func (p *JoinProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeJoin {
		p.logger.Warn("dropping job of unknown type", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		metrics.ObserveJob("dropped")
		return nil
	}
	var payload queue.JoinPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		p.logger.Warn("dropping malformed join job", zap.String("job_id", job.ID), zap.Error(err))
		metrics.ObserveJob("dropped")
		return nil
	}

	st := &queue.Status{JobID: job.ID, OwnerID: payload.UserID, EventID: payload.EventID}
	part, err := p.joiner.Join(ctx, principalOf(payload), payload.EventID)
	switch {
	case err == nil:
		st.State = queue.StateSucceeded
		st.ParticipationID = &part.ID
	case apperr.IsDomain(err):
		st.State = queue.StateFailed
		st.Code = apperr.CodeOf(err)
		st.Error = err.Error()
	default:
		return fmt.Errorf("join: %w", err)
	}
	st.UpdatedAt = p.Now()
	if err := p.queue.SetStatus(ctx, st); err != nil {
		// The join itself is committed; a retry would only report already_joined.
		p.logger.Error("store job status failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	metrics.ObserveJob(string(st.State))
	p.logger.Info("join job processed",
		zap.String("job_id", job.ID),
		zap.String("state", string(st.State)),
		zap.String("code", st.Code))
	return nil
}

// handleFailure retries job, marking it dead once the queue gives up on it.
func (p *JoinProcessor) handleFailure(ctx context.Context, job *queue.Job, cause error) {
	p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(cause))
	dead, err := p.queue.Retry(ctx, job)
	if err != nil {
		p.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !dead {
		metrics.ObserveJob("retried")
		return
	}
	metrics.ObserveJob(string(queue.StateDead))
	var payload queue.JoinPayload
	_ = json.Unmarshal(job.Payload, &payload)
	st := &queue.Status{
		JobID:     job.ID,
		State:     queue.StateDead,
		OwnerID:   payload.UserID,
		EventID:   payload.EventID,
		Code:      "internal_error",
		Error:     "registration could not be processed, please try again",
		UpdatedAt: p.Now(),
	}
	if err := p.queue.SetStatus(ctx, st); err != nil {
		p.logger.Error("store job status failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// RunOnce pops and processes at most one job. It reports whether a job was handled.
func (p *JoinProcessor) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.Dequeue(ctx, DequeueTimeout)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}
	p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	if err := p.Process(ctx, job); err != nil {
		p.handleFailure(ctx, job, err)
		return true, err
	}
	return true, nil
}

// Run starts the worker loop until ctx is cancelled.
func (p *JoinProcessor) Run(ctx context.Context) {
	p.logger.Info("join worker started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("join worker stopping")
			return
		default:
		}

		if _, err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("worker iteration failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(p.Backoff):
			}
		}
	}
}
