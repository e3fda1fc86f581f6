// Package access decides who may do what. It reads only the principal supplied by the identity
// layer and the resource being acted on; it performs no I/O.
package access

import (
	"time"

	"github.com/google/uuid"

	"github.com/iconic-events/backend/internal/models"
)

// Action is an operation guarded by the policy.
type Action string

const (
	ActionJoin              Action = "join"
	ActionCancel            Action = "cancel"
	ActionViewParticipation Action = "view_participation"
	ActionListParticipants  Action = "list_participants"
	ActionPurge             Action = "purge"
	ActionGenerateCheckin   Action = "generate_checkin"
	ActionScan              Action = "scan"
	ActionManualCheckin     Action = "manual_checkin"
	ActionListCheckins      Action = "list_checkins"
	ActionCheckinStatus     Action = "checkin_status"
	ActionDeleteCheckin     Action = "delete_checkin"
)

// MembershipMode selects how the elevated tier is evaluated.
type MembershipMode string

const (
	// MembershipFlag trusts the identity layer's boolean capability.
	MembershipFlag MembershipMode = "flag"
	// MembershipExpiry also requires the capability's expiry to be in the future.
	MembershipExpiry MembershipMode = "expiry"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID          uuid.UUID
	Role            models.Role
	Iconic          bool
	IconicExpiresAt *time.Time
}

// Resource describes what an action targets.
type Resource struct {
	// OwnerID is the user owning the participation or token, if any.
	OwnerID uuid.UUID
	// Exclusive is set when the target event is limited to the elevated tier.
	Exclusive bool
	// Confirmed is set when the principal holds a confirmed participation for the target event.
	Confirmed bool
}

// Policy evaluates access decisions.
type Policy struct {
	Mode MembershipMode
	Now  func() time.Time
}

// NewPolicy returns a Policy for mode. Unknown modes behave as MembershipFlag.
func NewPolicy(mode MembershipMode) Policy {
	if mode != MembershipExpiry {
		mode = MembershipFlag
	}
	return Policy{Mode: mode, Now: time.Now}
}

// IsPrivileged reports whether the role may operate event entry.
func IsPrivileged(r models.Role) bool {
	return r == models.RoleAdmin || r == models.RoleScanner
}

// Elevated reports whether p holds the elevated membership tier.
func (pol Policy) Elevated(p Principal) bool {
	if p.Role == models.RoleAdmin {
		return true
	}
	if !p.Iconic && p.Role != models.RoleIconic {
		return false
	}
	if pol.Mode != MembershipExpiry {
		return true
	}
	if p.IconicExpiresAt == nil {
		return false
	}
	now := time.Now
	if pol.Now != nil {
		now = pol.Now
	}
	return p.IconicExpiresAt.After(now())
}

// CanAccess reports whether p may perform a on r.
func (pol Policy) CanAccess(p Principal, r Resource, a Action) bool {
	if p.UserID == uuid.Nil {
		return false
	}
	owner := r.OwnerID != uuid.Nil && r.OwnerID == p.UserID
	admin := p.Role == models.RoleAdmin

	switch a {
	case ActionJoin:
		return !r.Exclusive || pol.Elevated(p)
	case ActionCancel, ActionViewParticipation:
		return owner || admin
	case ActionListParticipants:
		return r.Confirmed || IsPrivileged(p.Role)
	case ActionGenerateCheckin:
		return r.Confirmed && (r.OwnerID == uuid.Nil || owner)
	case ActionScan, ActionManualCheckin, ActionListCheckins:
		return IsPrivileged(p.Role)
	case ActionCheckinStatus:
		return owner || IsPrivileged(p.Role)
	case ActionPurge, ActionDeleteCheckin:
		return admin
	default:
		return false
	}
}

// ProfileVisible reports whether viewer may see subject's full profile in an attendee list.
func (pol Policy) ProfileVisible(viewer Principal, subject *models.User) bool {
	switch {
	case viewer.Role == models.RoleAdmin:
		return true
	case viewer.UserID == subject.ID:
		return true
	case subject.ShowPublicProfile:
		return true
	case subject.ShowProfileToIconics && pol.Elevated(viewer):
		return true
	default:
		return false
	}
}
