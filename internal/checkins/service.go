// Package checkins issues and redeems single-use check-in tokens.
//
// A token is pending until a scanner redeems it. It expires, without any stored transition, once it
// is older than the validity window. A participant may replace a pending token only after the
// regeneration cooldown; the replaced token is deleted and can never be redeemed.
package checkins

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"
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

const (
	// DefaultWindow is how long an issued token can be scanned.
	DefaultWindow = 60 * time.Second
	// DefaultCooldown is the minimum age of a pending token before it can be replaced.
	DefaultCooldown = 15 * time.Second
)

// Config fixes the token timings for the life of the process.
type Config struct {
	Window   time.Duration
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// Notifier is told about successful check-ins so the participant's screen can update.
type Notifier interface {
	CheckedIn(ctx context.Context, userID, eventID, checkinID uuid.UUID, at time.Time)
}

// RetryAfterError is a cooldown rejection carrying how long the caller must wait.
type RetryAfterError struct {
	Err   *apperr.Error
	After time.Duration
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }

func (e *RetryAfterError) Unwrap() error { return e.Err }

// Service is the check-in token manager.
type Service struct {
	store    store.Store
	policy   access.Policy
	cfg      Config
	notifier Notifier
	logger   *zap.Logger
	tracer   trace.Tracer

	// Now is the clock; tests replace it.
	Now func() time.Time
	// NewToken returns a fresh opaque token.
	NewToken func() (string, error)
}

// NewService creates the check-in manager. notifier may be nil.
func NewService(st store.Store, policy access.Policy, cfg Config, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		policy:   policy,
		cfg:      cfg.withDefaults(),
		notifier: notifier,
		logger:   logger,
		tracer:   tracing.Tracer("checkins"),
		Now:      time.Now,
		NewToken: generateToken,
	}
}

// Config returns the effective timings.
func (s *Service) Config() Config { return s.cfg }

// generateToken returns 256 random bits, base64url encoded without padding.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b)[:43], nil
}

func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "checkins."+name, trace.WithAttributes(attrs...))
}

func finish(op string, span trace.Span, err error) {
	metrics.ObserveCheckin(op, err)
	if err != nil {
		span.SetStatus(codes.Error, apperr.CodeOf(err))
	}
	span.End()
}

func secondsCeil(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func (s *Service) requireEvent(ctx context.Context, r store.Reader, eventID uuid.UUID) error {
	if _, err := r.GetEvent(ctx, eventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrEventNotFound
		}
		return fmt.Errorf("get event: %w", err)
	}
	return nil
}

// Generate issues a new pending token to the caller for eventID.
func (s *Service) Generate(ctx context.Context, p access.Principal, eventID uuid.UUID) (out *models.IssuedCheckin, err error) {
	ctx, span := s.start(ctx, "Generate", attribute.String("event.id", eventID.String()))
	defer func() { finish("generate", span, err) }()

	if p.UserID == uuid.Nil {
		return nil, apperr.ErrNotPermitted
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := s.requireEvent(ctx, tx, eventID); err != nil {
			return err
		}
		// The participation row lock serializes concurrent generates by the same user.
		part, err := tx.LockParticipationFor(ctx, p.UserID, eventID)
		if err != nil {
			return fmt.Errorf("lock participation: %w", err)
		}
		if !s.policy.CanAccess(p, access.Resource{OwnerID: p.UserID, Confirmed: part.IsConfirmed()}, access.ActionGenerateCheckin) {
			return apperr.ErrNotConfirmed
		}

		redeemed, err := tx.FindRedeemedCheckin(ctx, p.UserID, eventID)
		if err != nil {
			return fmt.Errorf("find redeemed checkin: %w", err)
		}
		if redeemed != nil {
			return apperr.ErrAlreadyCheckedIn
		}

		now := s.Now()
		pending, err := tx.FindPendingCheckin(ctx, p.UserID, eventID)
		if err != nil {
			return fmt.Errorf("find pending checkin: %w", err)
		}
		if pending != nil {
			if wait := s.cfg.Cooldown - pending.Age(now); wait > 0 {
				return &RetryAfterError{
					Err:   apperr.ErrCooldown.Withf("please wait %d seconds before generating a new QR code", secondsCeil(wait)),
					After: wait,
				}
			}
			if _, err := tx.DeletePendingCheckins(ctx, p.UserID, eventID); err != nil {
				return fmt.Errorf("supersede pending checkins: %w", err)
			}
		}

		token, err := s.NewToken()
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		row := &models.CheckinToken{
			ID:       uuid.New(),
			UserID:   p.UserID,
			EventID:  eventID,
			Token:    token,
			IssuedAt: now,
		}
		if err := tx.InsertCheckin(ctx, row); err != nil {
			if errors.Is(err, store.ErrUnknownUser) {
				return apperr.ErrUserNotFound.Withf("no profile exists for this account")
			}
			return fmt.Errorf("insert checkin: %w", err)
		}
		out = &models.IssuedCheckin{Token: token, IssuedAt: now, ExpiresInSeconds: secondsCeil(s.cfg.Window)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("checkin token issued", zap.String("user_id", p.UserID.String()), zap.String("event_id", eventID.String()))
	return out, nil
}

// Scan redeems token on behalf of a scanner or admin. When eventID is set the token must belong to
// that event.
func (s *Service) Scan(ctx context.Context, p access.Principal, token string, eventID *uuid.UUID) (out *models.ScanResult, err error) {
	ctx, span := s.start(ctx, "Scan")
	defer func() { finish("scan", span, err) }()

	if !s.policy.CanAccess(p, access.Resource{}, access.ActionScan) {
		return nil, apperr.ErrNotPermitted
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.ErrInvalidInput.Withf("token is required")
	}

	var (
		row *models.CheckinToken
		at  time.Time
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		now := s.Now()
		var err error
		row, err = tx.LockCheckinByToken(ctx, token)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrTokenNotFound
		}
		if err != nil {
			return fmt.Errorf("lock checkin: %w", err)
		}
		if row.IsRedeemed() {
			return apperr.ErrTokenUsed
		}
		if row.Expired(now, s.cfg.Window) {
			return apperr.ErrTokenExpired
		}
		if eventID != nil && *eventID != row.EventID {
			return apperr.ErrWrongEvent
		}

		part, err := tx.FindParticipation(ctx, row.UserID, row.EventID)
		if err != nil {
			return fmt.Errorf("find participation: %w", err)
		}
		if !part.IsConfirmed() {
			return apperr.ErrNotConfirmed.Withf("participant is no longer confirmed for this event")
		}

		if err := tx.RedeemCheckin(ctx, row.ID, now, p.UserID); err != nil {
			switch {
			case errors.Is(err, store.ErrStale):
				return apperr.ErrTokenUsed
			case errors.Is(err, store.ErrDuplicate):
				return apperr.ErrAlreadyCheckedIn
			case errors.Is(err, store.ErrUnknownUser):
				return apperr.ErrUserNotFound.Withf("scanner has no profile")
			}
			return fmt.Errorf("redeem checkin: %w", err)
		}
		at = now

		u, err := tx.GetUser(ctx, row.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		out = &models.ScanResult{CheckinID: row.ID, EventID: row.EventID, User: u.ToScanned()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("checkin redeemed",
		zap.String("checkin_id", row.ID.String()),
		zap.String("user_id", row.UserID.String()),
		zap.String("event_id", row.EventID.String()),
		zap.String("scanner_id", p.UserID.String()))
	if s.notifier != nil {
		s.notifier.CheckedIn(ctx, row.UserID, row.EventID, row.ID, at)
	}
	return out, nil
}

// ManualOverride checks a confirmed participant in without a token. identifier is a user id or an
// email address.
func (s *Service) ManualOverride(ctx context.Context, p access.Principal, eventID uuid.UUID, identifier string) (out *models.Participation, err error) {
	ctx, span := s.start(ctx, "ManualOverride", attribute.String("event.id", eventID.String()))
	defer func() { finish("manual", span, err) }()

	if !s.policy.CanAccess(p, access.Resource{}, access.ActionManualCheckin) {
		return nil, apperr.ErrNotPermitted
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, apperr.ErrInvalidInput.Withf("user id or email is required")
	}
	if err := s.requireEvent(ctx, s.store, eventID); err != nil {
		return nil, err
	}
	u, err := s.resolveUser(ctx, identifier)
	if err != nil {
		return nil, err
	}

	var (
		checkinID uuid.UUID
		at        time.Time
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		now := s.Now()
		part, err := tx.LockParticipationFor(ctx, u.ID, eventID)
		if err != nil {
			return fmt.Errorf("lock participation: %w", err)
		}
		if !part.IsConfirmed() {
			return apperr.ErrNotConfirmed.Withf("user is not confirmed for this event")
		}
		redeemed, err := tx.FindRedeemedCheckin(ctx, u.ID, eventID)
		if err != nil {
			return fmt.Errorf("find redeemed checkin: %w", err)
		}
		if redeemed != nil {
			return apperr.ErrAlreadyCheckedIn.Withf("user has already checked in")
		}
		if _, err := tx.DeletePendingCheckins(ctx, u.ID, eventID); err != nil {
			return fmt.Errorf("supersede pending checkins: %w", err)
		}

		token, err := s.NewToken()
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		scanner := p.UserID
		row := &models.CheckinToken{
			ID:         uuid.New(),
			UserID:     u.ID,
			EventID:    eventID,
			Token:      token,
			IssuedAt:   now,
			RedeemedAt: &now,
			RedeemedBy: &scanner,
			Manual:     true,
		}
		if err := tx.InsertCheckin(ctx, row); err != nil {
			switch {
			case errors.Is(err, store.ErrDuplicate):
				return apperr.ErrAlreadyCheckedIn.Withf("user has already checked in")
			case errors.Is(err, store.ErrUnknownUser):
				return apperr.ErrUserNotFound.Withf("scanner has no profile")
			}
			return fmt.Errorf("insert checkin: %w", err)
		}
		checkinID, at = row.ID, now
		out = part
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("manual checkin",
		zap.String("user_id", u.ID.String()),
		zap.String("event_id", eventID.String()),
		zap.String("scanner_id", p.UserID.String()))
	if s.notifier != nil {
		s.notifier.CheckedIn(ctx, u.ID, eventID, checkinID, at)
	}
	return out, nil
}

func (s *Service) resolveUser(ctx context.Context, identifier string) (*models.User, error) {
	var (
		u   *models.User
		err error
	)
	if id, perr := uuid.Parse(identifier); perr == nil {
		u, err = s.store.GetUser(ctx, id)
	} else {
		u, err = s.store.GetUserByEmail(ctx, identifier)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	return u, nil
}

// ListByEvent returns the redeemed check-ins of eventID, newest first.
func (s *Service) ListByEvent(ctx context.Context, p access.Principal, eventID uuid.UUID) ([]models.CheckinRecord, error) {
	if !s.policy.CanAccess(p, access.Resource{}, access.ActionListCheckins) {
		return nil, apperr.ErrNotPermitted
	}
	if err := s.requireEvent(ctx, s.store, eventID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListCheckins(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list checkins: %w", err)
	}
	out := make([]models.CheckinRecord, 0, len(rows))
	for _, r := range rows {
		if !r.Token.IsRedeemed() {
			continue
		}
		out = append(out, models.CheckinRecord{CheckinToken: r.Token, User: r.User.ToPublic()})
	}
	return out, nil
}

// Status reports whether userID (the caller when nil) has checked in to eventID, and how long the
// current pending token, if any, stays valid.
func (s *Service) Status(ctx context.Context, p access.Principal, eventID uuid.UUID, userID *uuid.UUID) (*models.CheckinStatus, error) {
	target := p.UserID
	if userID != nil {
		target = *userID
	}
	if !s.policy.CanAccess(p, access.Resource{OwnerID: target}, access.ActionCheckinStatus) {
		return nil, apperr.ErrNotPermitted
	}
	if err := s.requireEvent(ctx, s.store, eventID); err != nil {
		return nil, err
	}

	st := &models.CheckinStatus{EventID: eventID, UserID: target}
	redeemed, err := s.store.FindRedeemedCheckin(ctx, target, eventID)
	if err != nil {
		return nil, fmt.Errorf("find redeemed checkin: %w", err)
	}
	if redeemed != nil {
		st.CheckedIn = true
		st.CheckedInAt = redeemed.RedeemedAt
		return st, nil
	}
	pending, err := s.store.FindPendingCheckin(ctx, target, eventID)
	if err != nil {
		return nil, fmt.Errorf("find pending checkin: %w", err)
	}
	if pending != nil {
		if left := s.cfg.Window - pending.Age(s.Now()); left > 0 {
			st.PendingExpiresIn = secondsCeil(left)
		}
	}
	return st, nil
}

// Delete removes a check-in row. Admin only; deleting a redeemed row lets the participant check in again.
func (s *Service) Delete(ctx context.Context, p access.Principal, checkinID uuid.UUID) (err error) {
	ctx, span := s.start(ctx, "Delete", attribute.String("checkin.id", checkinID.String()))
	defer func() { finish("delete", span, err) }()

	if !s.policy.CanAccess(p, access.Resource{}, access.ActionDeleteCheckin) {
		return apperr.ErrNotPermitted
	}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.DeleteCheckin(ctx, checkinID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.ErrCheckinNotFound
			}
			return fmt.Errorf("delete checkin: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Warn("checkin deleted", zap.String("checkin_id", checkinID.String()), zap.String("by", p.UserID.String()))
	return nil
}
