package models

import (
	"time"

	"github.com/google/uuid"
)

// ParticipationStatus is the live state of a participation.
type ParticipationStatus string

const (
	StatusConfirmed ParticipationStatus = "confirmed"
	StatusCancelled ParticipationStatus = "cancelled"
)

// Participation links a user to an event. One row per (user, event), reused across cancel/rejoin.
type Participation struct {
	ID          uuid.UUID           `json:"id"`
	UserID      uuid.UUID           `json:"user_id"`
	EventID     uuid.UUID           `json:"event_id"`
	Status      ParticipationStatus `json:"status"`
	CancelledAt *time.Time          `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// IsConfirmed reports whether the participation currently holds a seat.
func (p *Participation) IsConfirmed() bool {
	return p != nil && p.Status == StatusConfirmed
}

// Participant is a confirmed participation joined with its user profile.
type Participant struct {
	Participation Participation
	User          User
}

// ParticipantView is one entry of the confirmed attendee list.
type ParticipantView struct {
	ParticipationID uuid.UUID  `json:"participation_id"`
	JoinedAt        time.Time  `json:"joined_at"`
	User            UserPublic `json:"user"`
}
