// Package store persists events, participations, check-in tokens and the profile read model.
//
// Get* and Lock* methods return ErrNotFound when the row is absent; Find* methods return (nil, nil).
// Every write goes through WithTx so read-check-write sequences commit atomically.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/iconic-events/backend/internal/models"
)

var (
	// ErrNotFound is returned when a required row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a write would break a uniqueness rule.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrStale is returned when a conditional update matched no row.
	ErrStale = errors.New("store: row changed concurrently")
	// ErrCapacity is returned when a counter write would leave [0, capacity].
	ErrCapacity = errors.New("store: confirmed count out of range")
	// ErrUnknownUser is returned when a write references a user with no profile row.
	ErrUnknownUser = errors.New("store: unknown user")
)

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	GetParticipation(ctx context.Context, id uuid.UUID) (*models.Participation, error)
	FindParticipation(ctx context.Context, userID, eventID uuid.UUID) (*models.Participation, error)
	ListConfirmed(ctx context.Context, eventID uuid.UUID) ([]models.Participant, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetCheckin(ctx context.Context, id uuid.UUID) (*models.CheckinToken, error)
	FindRedeemedCheckin(ctx context.Context, userID, eventID uuid.UUID) (*models.CheckinToken, error)
	FindPendingCheckin(ctx context.Context, userID, eventID uuid.UUID) (*models.CheckinToken, error)
	ListCheckins(ctx context.Context, eventID uuid.UUID) ([]models.CheckinWithUser, error)
}

// Tx is a unit of work. Lock* methods hold the row until commit.
type Tx interface {
	Reader

	LockEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	SetConfirmedCount(ctx context.Context, eventID uuid.UUID, n int) error

	LockParticipation(ctx context.Context, id uuid.UUID) (*models.Participation, error)
	LockParticipationFor(ctx context.Context, userID, eventID uuid.UUID) (*models.Participation, error)
	InsertParticipation(ctx context.Context, p *models.Participation) error
	UpdateParticipation(ctx context.Context, p *models.Participation) error
	DeleteParticipation(ctx context.Context, id uuid.UUID) error

	InsertCheckin(ctx context.Context, t *models.CheckinToken) error
	LockCheckinByToken(ctx context.Context, token string) (*models.CheckinToken, error)
	RedeemCheckin(ctx context.Context, id uuid.UUID, at time.Time, by uuid.UUID) error
	DeletePendingCheckins(ctx context.Context, userID, eventID uuid.UUID) (int64, error)
	DeleteCheckin(ctx context.Context, id uuid.UUID) error
}

// Store is the capacity store.
type Store interface {
	Reader

	// WithTx runs fn in a transaction, committing when fn returns nil. Transient conflicts are
	// retried; fn must therefore be safe to run more than once. fn must only use tx, never the
	// Store's own Reader methods.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	CreateEvent(ctx context.Context, e *models.Event) error
	UpsertUser(ctx context.Context, u *models.User) error
}
