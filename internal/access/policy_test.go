package access

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/iconic-events/backend/internal/models"
)

func TestCanAccess(t *testing.T) {
	pol := NewPolicy(MembershipFlag)
	self := uuid.New()
	other := uuid.New()

	user := Principal{UserID: self, Role: models.RoleUser}
	iconic := Principal{UserID: self, Role: models.RoleUser, Iconic: true}
	scanner := Principal{UserID: self, Role: models.RoleScanner}
	admin := Principal{UserID: self, Role: models.RoleAdmin}

	tests := []struct {
		name string
		p    Principal
		r    Resource
		a    Action
		want bool
	}{
		{"user joins open event", user, Resource{}, ActionJoin, true},
		{"user joins exclusive event", user, Resource{Exclusive: true}, ActionJoin, false},
		{"iconic joins exclusive event", iconic, Resource{Exclusive: true}, ActionJoin, true},
		{"owner cancels", user, Resource{OwnerID: self}, ActionCancel, true},
		{"stranger cancels", user, Resource{OwnerID: other}, ActionCancel, false},
		{"admin cancels for others", admin, Resource{OwnerID: other}, ActionCancel, true},
		{"scanner cannot cancel for others", scanner, Resource{OwnerID: other}, ActionCancel, false},
		{"confirmed lists participants", user, Resource{Confirmed: true}, ActionListParticipants, true},
		{"unconfirmed lists participants", user, Resource{}, ActionListParticipants, false},
		{"scanner lists participants", scanner, Resource{}, ActionListParticipants, true},
		{"confirmed generates", user, Resource{OwnerID: self, Confirmed: true}, ActionGenerateCheckin, true},
		{"unconfirmed generates", user, Resource{OwnerID: self}, ActionGenerateCheckin, false},
		{"generate for someone else", user, Resource{OwnerID: other, Confirmed: true}, ActionGenerateCheckin, false},
		{"user scans", user, Resource{}, ActionScan, false},
		{"iconic scans", iconic, Resource{}, ActionScan, false},
		{"scanner scans", scanner, Resource{}, ActionScan, true},
		{"admin scans", admin, Resource{}, ActionScan, true},
		{"scanner overrides", scanner, Resource{}, ActionManualCheckin, true},
		{"user overrides", user, Resource{}, ActionManualCheckin, false},
		{"scanner purges", scanner, Resource{OwnerID: other}, ActionPurge, false},
		{"admin purges", admin, Resource{OwnerID: other}, ActionPurge, true},
		{"admin deletes checkin", admin, Resource{}, ActionDeleteCheckin, true},
		{"owner deletes checkin", user, Resource{OwnerID: self}, ActionDeleteCheckin, false},
		{"own status", user, Resource{OwnerID: self}, ActionCheckinStatus, true},
		{"someone else's status", user, Resource{OwnerID: other}, ActionCheckinStatus, false},
		{"scanner status for others", scanner, Resource{OwnerID: other}, ActionCheckinStatus, true},
		{"anonymous", Principal{Role: models.RoleAdmin}, Resource{}, ActionScan, false},
		{"unknown action", admin, Resource{}, Action("teleport"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pol.CanAccess(tt.p, tt.r, tt.a))
		})
	}
}

func TestElevatedExpiryMode(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pol := Policy{Mode: MembershipExpiry, Now: func() time.Time { return now }}
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	id := uuid.New()

	assert.True(t, pol.Elevated(Principal{UserID: id, Iconic: true, IconicExpiresAt: &future}))
	assert.False(t, pol.Elevated(Principal{UserID: id, Iconic: true, IconicExpiresAt: &past}))
	assert.False(t, pol.Elevated(Principal{UserID: id, Iconic: true}))
	assert.True(t, pol.Elevated(Principal{UserID: id, Role: models.RoleAdmin}))

	flag := NewPolicy(MembershipFlag)
	assert.True(t, flag.Elevated(Principal{UserID: id, Iconic: true, IconicExpiresAt: &past}))
	assert.True(t, flag.Elevated(Principal{UserID: id, Role: models.RoleIconic}))
	assert.False(t, flag.Elevated(Principal{UserID: id, Role: models.RoleScanner}))
}

func TestProfileVisible(t *testing.T) {
	pol := NewPolicy(MembershipFlag)
	viewer := Principal{UserID: uuid.New(), Role: models.RoleUser}
	iconicViewer := Principal{UserID: uuid.New(), Role: models.RoleUser, Iconic: true}

	private := &models.User{ID: uuid.New()}
	iconicsOnly := &models.User{ID: uuid.New(), ShowProfileToIconics: true}
	public := &models.User{ID: uuid.New(), ShowPublicProfile: true}

	assert.False(t, pol.ProfileVisible(viewer, private))
	assert.False(t, pol.ProfileVisible(viewer, iconicsOnly))
	assert.True(t, pol.ProfileVisible(iconicViewer, iconicsOnly))
	assert.False(t, pol.ProfileVisible(iconicViewer, private))
	assert.True(t, pol.ProfileVisible(viewer, public))
	assert.True(t, pol.ProfileVisible(Principal{UserID: private.ID}, private))
	assert.True(t, pol.ProfileVisible(Principal{UserID: uuid.New(), Role: models.RoleAdmin}, private))
}
