package apperr

// Registration failures.
var (
	ErrEventNotFound         = New(KindNotFound, "event_not_found", "event not found")
	ErrParticipationNotFound = New(KindNotFound, "participation_not_found", "participation not found")
	ErrAlreadyJoined         = New(KindConflict, "already_joined", "you already joined this event")
	ErrEventFull             = New(KindResourceExhausted, "event_full", "this event is full")
	ErrExclusiveEvent        = New(KindForbidden, "exclusive_event", "only iconic members can join this event")
	ErrNotConfirmed          = New(KindForbidden, "not_confirmed", "you are not confirmed for this event")
	ErrAlreadyCancelled      = New(KindConflict, "already_cancelled", "participation is already cancelled")
	ErrNotParticipant        = New(KindForbidden, "not_participant", "only confirmed participants can view attendees")
)

// Check-in failures.
var (
	ErrAlreadyCheckedIn = New(KindConflict, "already_checked_in", "you have already checked in")
	ErrCooldown         = New(KindConflict, "cooldown", "please wait before generating a new QR code")
	ErrTokenNotFound    = New(KindNotFound, "token_not_found", "QR code not found")
	ErrTokenUsed        = New(KindConflict, "token_used", "this QR code has already been used")
	ErrTokenExpired     = New(KindForbidden, "token_expired", "QR code has expired")
	ErrWrongEvent       = New(KindForbidden, "wrong_event", "QR code belongs to another event")
	ErrCheckinNotFound  = New(KindNotFound, "checkin_not_found", "check-in not found")
	ErrUserNotFound     = New(KindNotFound, "user_not_found", "user not found")
)

// Generic failures.
var (
	ErrNotPermitted = New(KindForbidden, "not_permitted", "insufficient permissions")
	ErrInvalidInput = New(KindInvalid, "invalid_input", "invalid request")
	ErrJobNotFound  = New(KindNotFound, "job_not_found", "registration job not found")
)
