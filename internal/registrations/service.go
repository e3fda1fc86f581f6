package registrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/iconic-events/backend/internal/access"
	"github.com/iconic-events/backend/internal/apperr"
	"github.com/iconic-events/backend/internal/metrics"
	"github.com/iconic-events/backend/internal/models"
	"github.com/iconic-events/backend/internal/store"
	"github.com/iconic-events/backend/pkg/tracing"
)

// Service arbitrates seats. Every capacity decision happens inside one store transaction that holds
// the event row lock from the read of confirmed_count to its write.
type Service struct {
	store  store.Store
	policy access.Policy
	logger *zap.Logger
	tracer trace.Tracer

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// NewService creates the registration coordinator.
func NewService(st store.Store, policy access.Policy, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  st,
		policy: policy,
		logger: logger,
		tracer: tracing.Tracer("registrations"),
		Now:    time.Now,
	}
}

func (s *Service) span(ctx context.Context, name string, eventID uuid.UUID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "registrations."+name, trace.WithAttributes(attribute.String("event.id", eventID.String())))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, apperr.CodeOf(err))
	}
	span.End()
}

// Join confirms p's seat at eventID, reusing a cancelled participation when one exists.
func (s *Service) Join(ctx context.Context, p access.Principal, eventID uuid.UUID) (out *models.Participation, err error) {
	ctx, span := s.span(ctx, "Join", eventID)
	defer func() {
		metrics.ObserveRegistration("join", err)
		endSpan(span, err)
	}()

	if p.UserID == uuid.Nil {
		return nil, apperr.ErrNotPermitted
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		ev, err := tx.LockEvent(ctx, eventID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrEventNotFound
		}
		if err != nil {
			return fmt.Errorf("lock event: %w", err)
		}
		if !s.policy.CanAccess(p, access.Resource{OwnerID: p.UserID, Exclusive: ev.IsExclusive}, access.ActionJoin) {
			return apperr.ErrExclusiveEvent
		}

		cur, err := tx.LockParticipationFor(ctx, p.UserID, eventID)
		if err != nil {
			return fmt.Errorf("lock participation: %w", err)
		}
		if cur.IsConfirmed() {
			return apperr.ErrAlreadyJoined
		}
		if ev.ConfirmedCount >= ev.Capacity {
			return apperr.ErrEventFull
		}

		now := s.Now()
		if cur == nil {
			cur = &models.Participation{
				ID:        uuid.New(),
				UserID:    p.UserID,
				EventID:   eventID,
				Status:    models.StatusConfirmed,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.InsertParticipation(ctx, cur); err != nil {
				switch {
				case errors.Is(err, store.ErrDuplicate):
					return apperr.ErrAlreadyJoined
				case errors.Is(err, store.ErrUnknownUser):
					return apperr.ErrUserNotFound.Withf("no profile exists for this account")
				}
				return fmt.Errorf("insert participation: %w", err)
			}
		} else {
			cur.Status = models.StatusConfirmed
			cur.CancelledAt = nil
			cur.UpdatedAt = now
			if err := tx.UpdateParticipation(ctx, cur); err != nil {
				return fmt.Errorf("rejoin participation: %w", err)
			}
		}

		if err := tx.SetConfirmedCount(ctx, eventID, ev.ConfirmedCount+1); err != nil {
			if errors.Is(err, store.ErrCapacity) {
				return apperr.ErrEventFull
			}
			return fmt.Errorf("update confirmed count: %w", err)
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("participation confirmed",
		zap.String("participation_id", out.ID.String()),
		zap.String("user_id", p.UserID.String()),
		zap.String("event_id", eventID.String()))
	return out, nil
}

// Cancel frees the seat held by participationID. Only the owner or an admin may cancel.
func (s *Service) Cancel(ctx context.Context, p access.Principal, participationID uuid.UUID) (out *models.Participation, err error) {
	ctx, span := s.tracer.Start(ctx, "registrations.Cancel")
	defer func() {
		metrics.ObserveRegistration("cancel", err)
		endSpan(span, err)
	}()

	// The event id is needed to lock rows in event-then-participation order, the same order Join uses.
	peek, err := s.store.GetParticipation(ctx, participationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrParticipationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get participation: %w", err)
	}
	if !s.policy.CanAccess(p, access.Resource{OwnerID: peek.UserID}, access.ActionCancel) {
		return nil, apperr.ErrNotPermitted
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		ev, err := tx.LockEvent(ctx, peek.EventID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrEventNotFound
		}
		if err != nil {
			return fmt.Errorf("lock event: %w", err)
		}
		cur, err := tx.LockParticipation(ctx, participationID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrParticipationNotFound
		}
		if err != nil {
			return fmt.Errorf("lock participation: %w", err)
		}
		if !cur.IsConfirmed() {
			return apperr.ErrAlreadyCancelled
		}

		now := s.Now()
		cur.Status = models.StatusCancelled
		cur.CancelledAt = &now
		cur.UpdatedAt = now
		if err := tx.UpdateParticipation(ctx, cur); err != nil {
			return fmt.Errorf("cancel participation: %w", err)
		}
		if err := tx.SetConfirmedCount(ctx, ev.ID, ev.ConfirmedCount-1); err != nil {
			return fmt.Errorf("update confirmed count: %w", err)
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("participation cancelled",
		zap.String("participation_id", out.ID.String()),
		zap.String("by", p.UserID.String()))
	return out, nil
}

// Purge hard-deletes a participation, releasing its seat if it was confirmed. Admin only.
func (s *Service) Purge(ctx context.Context, p access.Principal, participationID uuid.UUID) (err error) {
	ctx, span := s.tracer.Start(ctx, "registrations.Purge")
	defer func() {
		metrics.ObserveRegistration("purge", err)
		endSpan(span, err)
	}()

	if !s.policy.CanAccess(p, access.Resource{}, access.ActionPurge) {
		return apperr.ErrNotPermitted
	}
	peek, err := s.store.GetParticipation(ctx, participationID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.ErrParticipationNotFound
	}
	if err != nil {
		return fmt.Errorf("get participation: %w", err)
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		ev, err := tx.LockEvent(ctx, peek.EventID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("lock event: %w", err)
		}
		cur, err := tx.LockParticipation(ctx, participationID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrParticipationNotFound
		}
		if err != nil {
			return fmt.Errorf("lock participation: %w", err)
		}
		if err := tx.DeleteParticipation(ctx, cur.ID); err != nil {
			return fmt.Errorf("delete participation: %w", err)
		}
		if cur.IsConfirmed() && ev != nil {
			if err := tx.SetConfirmedCount(ctx, ev.ID, ev.ConfirmedCount-1); err != nil {
				return fmt.Errorf("update confirmed count: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Warn("participation purged",
		zap.String("participation_id", participationID.String()),
		zap.String("by", p.UserID.String()))
	return nil
}

// Get returns one participation to its owner or an admin.
func (s *Service) Get(ctx context.Context, p access.Principal, participationID uuid.UUID) (*models.Participation, error) {
	cur, err := s.store.GetParticipation(ctx, participationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrParticipationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get participation: %w", err)
	}
	if !s.policy.CanAccess(p, access.Resource{OwnerID: cur.UserID}, access.ActionViewParticipation) {
		return nil, apperr.ErrNotPermitted
	}
	return cur, nil
}

// Mine returns the caller's participation for eventID, confirmed or cancelled.
func (s *Service) Mine(ctx context.Context, p access.Principal, eventID uuid.UUID) (*models.Participation, error) {
	cur, err := s.store.FindParticipation(ctx, p.UserID, eventID)
	if err != nil {
		return nil, fmt.Errorf("find participation: %w", err)
	}
	if cur == nil {
		return nil, apperr.ErrParticipationNotFound
	}
	return cur, nil
}

// ListConfirmed returns the confirmed attendees of eventID in join order. Each profile is full or
// redacted depending on what the requester may see.
func (s *Service) ListConfirmed(ctx context.Context, p access.Principal, eventID uuid.UUID) ([]models.ParticipantView, error) {
	ctx, span := s.span(ctx, "ListConfirmed", eventID)
	defer span.End()

	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.ErrEventNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	mine, err := s.store.FindParticipation(ctx, p.UserID, eventID)
	if err != nil {
		return nil, fmt.Errorf("find participation: %w", err)
	}
	if !s.policy.CanAccess(p, access.Resource{OwnerID: p.UserID, Confirmed: mine.IsConfirmed()}, access.ActionListParticipants) {
		return nil, apperr.ErrNotParticipant
	}

	list, err := s.store.ListConfirmed(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list confirmed: %w", err)
	}
	views := make([]models.ParticipantView, 0, len(list))
	for _, item := range list {
		u := item.User
		view := models.ParticipantView{ParticipationID: item.Participation.ID, JoinedAt: item.Participation.UpdatedAt}
		if s.policy.ProfileVisible(p, &u) {
			view.User = u.ToPublic()
		} else {
			view.User = u.ToRedacted()
		}
		views = append(views, view)
	}
	return views, nil
}
