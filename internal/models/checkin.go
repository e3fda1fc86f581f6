package models

import (
	"time"

	"github.com/google/uuid"
)

// CheckinToken is a single-use proof of presence. RedeemedAt is nil while pending.
type CheckinToken struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	EventID    uuid.UUID  `json:"event_id"`
	Token      string     `json:"-"`
	IssuedAt   time.Time  `json:"issued_at"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
	RedeemedBy *uuid.UUID `json:"redeemed_by,omitempty"`
	Manual     bool       `json:"manual"`
}

// IsRedeemed reports whether the token has been used.
func (t *CheckinToken) IsRedeemed() bool {
	return t.RedeemedAt != nil
}

// Age returns how long ago the token was issued.
func (t *CheckinToken) Age(now time.Time) time.Duration {
	return now.Sub(t.IssuedAt)
}

// Expired reports whether a pending token is past the validity window.
func (t *CheckinToken) Expired(now time.Time, window time.Duration) bool {
	return t.Age(now) > window
}

// IssuedCheckin is returned to the participant after generating a token.
type IssuedCheckin struct {
	Token            string    `json:"token"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresInSeconds int       `json:"expires_in_seconds"`
}

// CheckinRecord is a check-in row joined with the attendee profile, for event staff.
type CheckinRecord struct {
	CheckinToken
	User UserPublic `json:"user"`
}

// CheckinStatus answers "has this user checked in for this event".
type CheckinStatus struct {
	EventID          uuid.UUID  `json:"event_id"`
	UserID           uuid.UUID  `json:"user_id"`
	CheckedIn        bool       `json:"checked_in"`
	CheckedInAt      *time.Time `json:"checked_in_at,omitempty"`
	PendingExpiresIn int        `json:"pending_expires_in,omitempty"`
}

// ScanResult is returned to the scanner.
type ScanResult struct {
	CheckinID uuid.UUID   `json:"checkin_id"`
	EventID   uuid.UUID   `json:"event_id"`
	User      ScannedUser `json:"user"`
}

// CheckinWithUser is a store row pairing a token with its owner.
type CheckinWithUser struct {
	Token CheckinToken
	User  User
}
