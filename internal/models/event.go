package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is a seat-limited event. ConfirmedCount is only written by the registration coordinator.
type Event struct {
	ID             uuid.UUID `json:"id"`
	Title          string    `json:"title"`
	Capacity       int       `json:"capacity"`
	ConfirmedCount int       `json:"confirmed_count"`
	IsExclusive    bool      `json:"is_exclusive"`
	StartsAt       time.Time `json:"starts_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SeatsLeft returns the remaining capacity.
func (e *Event) SeatsLeft() int {
	if n := e.Capacity - e.ConfirmedCount; n > 0 {
		return n
	}
	return 0
}
