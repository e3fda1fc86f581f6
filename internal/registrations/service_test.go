package registrations

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/iconic-events/backend/internal/access"
	"github.com/iconic-events/backend/internal/apperr"
	"github.com/iconic-events/backend/internal/models"
	"github.com/iconic-events/backend/internal/store"
)

type fixture struct {
	st  *store.MemoryStore
	svc *Service
	now time.Time
}

func newFixture(t testing.TB, mode access.MembershipMode) *fixture {
	f := &fixture{st: store.NewMemoryStore(), now: time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)}
	pol := access.NewPolicy(mode)
	pol.Now = func() time.Time { return f.now }
	f.svc = NewService(f.st, pol, nil)
	f.svc.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) event(t testing.TB, capacity int, exclusive bool) *models.Event {
	e := &models.Event{Title: "gala", Capacity: capacity, IsExclusive: exclusive}
	require.NoError(t, f.st.CreateEvent(context.Background(), e))
	return e
}

func (f *fixture) user(t testing.TB, role models.Role, edit ...func(*models.User)) access.Principal {
	u := &models.User{
		Email:    uuid.NewString() + "@example.com",
		FullName: "Test " + string(role),
		Nickname: string(role),
		Role:     role,
	}
	for _, fn := range edit {
		fn(u)
	}
	require.NoError(t, f.st.UpsertUser(context.Background(), u))
	return access.Principal{UserID: u.ID, Role: role, Iconic: u.IsIconic, IconicExpiresAt: u.IconicExpiresAt}
}

func (f *fixture) confirmedCount(t testing.TB, eventID uuid.UUID) int {
	e, err := f.st.GetEvent(context.Background(), eventID)
	require.NoError(t, err)
	return e.ConfirmedCount
}

func TestJoin_LastSeatRace(t *testing.T) {
	f := newFixture(t, access.MembershipFlag)
	ev := f.event(t, 1, false)
	a := f.user(t, models.RoleUser)
	b := f.user(t, models.RoleUser)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, p := range []access.Principal{a, b} {
		wg.Add(1)
		go func(i int, p access.Principal) {
			defer wg.Done()
			_, errs[i] = f.svc.Join(context.Background(), p, ev.ID)
		}(i, p)
	}
	wg.Wait()

	var ok, full int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, apperr.ErrEventFull):
			full++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, full)
	assert.Equal(t, 1, f.confirmedCount(t, ev.ID))
}

func TestJoin_ManyConcurrentJoiners(t *testing.T) {
	f := newFixture(t, access.MembershipFlag)
	ev := f.event(t, 5, false)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 40; i++ {
		p := f.user(t, models.RoleUser)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Join(context.Background(), p, ev.ID); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, success)
	assert.Equal(t, 5, f.confirmedCount(t, ev.ID))
	list, err := f.st.ListConfirmed(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Len(t, list, 5)
}

func TestJoin_CancelRejoin(t *testing.T) {
	f := newFixture(t, access.MembershipFlag)
	ev := f.event(t, 3, false)
	p := f.user(t, models.RoleUser)
	ctx := context.Background()

	first, err := f.svc.Join(ctx, p, ev.ID)
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)
	cancelled, err := f.svc.Cancel(ctx, p, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, 0, f.confirmedCount(t, ev.ID))

	f.now = f.now.Add(time.Minute)
	again, err := f.svc.Join(ctx, p, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "rejoin reuses the participation row")
	assert.Equal(t, models.StatusConfirmed, again.Status)
	assert.Nil(t, again.CancelledAt)
	assert.Equal(t, 1, f.confirmedCount(t, ev.ID))
}

func TestJoin_Failures(t *testing.T) {
	f := newFixture(t, access.MembershipFlag)
	ctx := context.Background()
	open := f.event(t, 2, false)
	p := f.user(t, models.RoleUser)

	_, err := f.svc.Join(ctx, p, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrEventNotFound)

	_, err = f.svc.Join(ctx, p, open.ID)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, p, open.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyJoined)
	assert.Equal(t, 1, f.confirmedCount(t, open.ID))

	_, err = f.svc.Join(ctx, access.Principal{Role: models.RoleUser}, open.ID)
	assert.ErrorIs(t, err, apperr.ErrNotPermitted)
}

func TestJoin_UnknownUser(t *testing.T) {
	f := newFixture(t, access.MembershipFlag)
	ctx := context.Background()
	ev := f.event(t, 5, false)
	admin := f.user(t, models.RoleAdmin)

	_, err := f.svc.Join(ctx, access.Principal{UserID: uuid.New(), Role: models.RoleUser}, ev.ID)
	assert.ErrorIs(t, err, apperr.ErrUserNotFound)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, 0, f.confirmedCount(t, ev.ID))

	views, err := f.svc.ListConfirmed(ctx, admin, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestJoin_ExclusiveEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("flag mode", func(t *testing.T) {
		f := newFixture(t, access.MembershipFlag)
		ev := f.event(t, 10, true)

		_, err := f.svc.Join(ctx, f.user(t, models.RoleUser), ev.ID)
		assert.ErrorIs(t, err, apperr.ErrExclusiveEvent)
		assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

		_, err = f.svc.Join(ctx, f.user(t, models.RoleUser, func(u *models.User) { u.IsIconic = true }), ev.ID)
		assert.NoError(t, err)
		_, err = f.svc.Join(ctx, f.user(t, models.RoleIconic), ev.ID)
		assert.NoError(t, err)
	})

	t.Run("expiry mode", func(t *testing.T) {
		f := newFixture(t, access.MembershipExpiry)
		ev := f.event(t, 10, true)
		past := f.now.Add(-time.Hour)
		future := f.now.Add(time.Hour)

		lapsed := f.user(t, models.RoleUser, func(u *models.User) { u.IsIconic = true; u.IconicExpiresAt = &past })
		_, err := f.svc.Join(ctx, lapsed, ev.ID)
		assert.ErrorIs(t, err, apperr.ErrExclusiveEvent)

		current := f.user(t, models.RoleUser, func(u *models.User) { u.IsIconic = true; u.IconicExpiresAt = &future })
		_, err = f.svc.Join(ctx, current, ev.ID)
		assert.NoError(t, err)
	})
}

func TestJoin_FullIsResourceExhausted(t *testing.T) {
	f := newFixture(t, access.MembershipFlag)
	ev := f.event(t, 1, false)
	ctx := context.Background()

	_, err := f.svc.Join(ctx, f.user(t, models.RoleUser), ev.ID)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, f.user(t, models.RoleUser), ev.ID)
	assert.ErrorIs(t, err, apperr.ErrEventFull)
	assert.Equal(t, apperr.KindResourceExhausted, apperr.KindOf(err))
}

func TestCancel(t *testing.T) {
	f := newFixture(t, access.MembershipFlag)
	ev := f.event(t, 2, false)
	ctx := context.Background()
	owner := f.user(t, models.RoleUser)
	stranger := f.user(t, models.RoleUser)
	scanner := f.user(t, models.RoleScanner)
	admin := f.user(t, models.RoleAdmin)

	part, err := f.svc.Join(ctx, owner, ev.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, stranger, part.ID)
	assert.ErrorIs(t, err, apperr.ErrNotPermitted)
	_, err = f.svc.Cancel(ctx, scanner, part.ID)
	assert.ErrorIs(t, err, apperr.ErrNotPermitted)

	_, err = f.svc.Cancel(ctx, admin, part.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.confirmedCount(t, ev.ID))

	_, err = f.svc.Cancel(ctx, owner, part.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyCancelled)
	assert.Equal(t, 0, f.confirmedCount(t, ev.ID), "double cancel must not go negative")

	_, err = f.svc.Cancel(ctx, owner, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrParticipationNotFound)
}

func TestPurge(t *testing.T) {
	f := newFixture(t, access.MembershipFlag)
	ev := f.event(t, 2, false)
	ctx := context.Background()
	owner := f.user(t, models.RoleUser)
	admin := f.user(t, models.RoleAdmin)

	part, err := f.svc.Join(ctx, owner, ev.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Purge(ctx, owner, part.ID), apperr.ErrNotPermitted)
	require.NoError(t, f.svc.Purge(ctx, admin, part.ID))
	assert.Equal(t, 0, f.confirmedCount(t, ev.ID))
	assert.ErrorIs(t, f.svc.Purge(ctx, admin, part.ID), apperr.ErrParticipationNotFound)

	// A purged user joins again with a fresh row.
	again, err := f.svc.Join(ctx, owner, ev.ID)
	require.NoError(t, err)
	assert.NotEqual(t, part.ID, again.ID)
}

func TestGetAndMine(t *testing.T) {
	f := newFixture(t, access.MembershipFlag)
	ev := f.event(t, 2, false)
	ctx := context.Background()
	owner := f.user(t, models.RoleUser)
	stranger := f.user(t, models.RoleUser)

	_, err := f.svc.Mine(ctx, owner, ev.ID)
	assert.ErrorIs(t, err, apperr.ErrParticipationNotFound)

	part, err := f.svc.Join(ctx, owner, ev.ID)
	require.NoError(t, err)

	mine, err := f.svc.Mine(ctx, owner, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, part.ID, mine.ID)

	got, err := f.svc.Get(ctx, owner, part.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)

	_, err = f.svc.Get(ctx, stranger, part.ID)
	assert.ErrorIs(t, err, apperr.ErrNotPermitted)
}

func TestListConfirmed_Visibility(t *testing.T) {
	f := newFixture(t, access.MembershipFlag)
	ev := f.event(t, 10, false)
	ctx := context.Background()

	public := f.user(t, models.RoleUser, func(u *models.User) { u.ShowPublicProfile = true; u.FullName = "Public Person" })
	private := f.user(t, models.RoleUser, func(u *models.User) { u.FullName = "Private Person" })
	iconicOnly := f.user(t, models.RoleUser, func(u *models.User) { u.ShowProfileToIconics = true; u.FullName = "Iconic Only" })
	iconicViewer := f.user(t, models.RoleUser, func(u *models.User) { u.IsIconic = true })
	for _, p := range []access.Principal{public, private, iconicOnly, iconicViewer} {
		_, err := f.svc.Join(ctx, p, ev.ID)
		require.NoError(t, err)
	}
	outsider := f.user(t, models.RoleUser)
	scanner := f.user(t, models.RoleScanner)
	admin := f.user(t, models.RoleAdmin)

	_, err := f.svc.ListConfirmed(ctx, outsider, ev.ID)
	assert.ErrorIs(t, err, apperr.ErrNotParticipant)
	_, err = f.svc.ListConfirmed(ctx, outsider, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrEventNotFound)

	redacted := func(views []models.ParticipantView) map[uuid.UUID]bool {
		out := make(map[uuid.UUID]bool, len(views))
		for _, v := range views {
			out[v.User.ID] = v.User.Redacted
			if v.User.Redacted {
				assert.Empty(t, v.User.FullName)
			}
		}
		return out
	}

	views, err := f.svc.ListConfirmed(ctx, private, ev.ID)
	require.NoError(t, err)
	require.Len(t, views, 4)
	got := redacted(views)
	assert.False(t, got[public.UserID])
	assert.False(t, got[private.UserID], "own profile is always visible")
	assert.True(t, got[iconicOnly.UserID])
	assert.True(t, got[iconicViewer.UserID])

	views, err = f.svc.ListConfirmed(ctx, iconicViewer, ev.ID)
	require.NoError(t, err)
	got = redacted(views)
	assert.False(t, got[iconicOnly.UserID])
	assert.True(t, got[private.UserID])

	views, err = f.svc.ListConfirmed(ctx, scanner, ev.ID)
	require.NoError(t, err)
	assert.True(t, redacted(views)[private.UserID])

	views, err = f.svc.ListConfirmed(ctx, admin, ev.ID)
	require.NoError(t, err)
	for _, v := range views {
		assert.False(t, v.User.Redacted)
	}
}

func TestCapacityInvariant_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t, access.MembershipFlag)
		ctx := context.Background()
		capacity := rapid.IntRange(1, 4).Draw(rt, "capacity")
		ev := f.event(t, capacity, false)

		users := make([]access.Principal, rapid.IntRange(1, 6).Draw(rt, "users"))
		for i := range users {
			users[i] = f.user(t, models.RoleUser)
		}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			p := users[rapid.IntRange(0, len(users)-1).Draw(rt, fmt.Sprintf("user%d", i))]
			if rapid.Bool().Draw(rt, fmt.Sprintf("join%d", i)) {
				_, _ = f.svc.Join(ctx, p, ev.ID)
			} else if part, _ := f.st.FindParticipation(ctx, p.UserID, ev.ID); part != nil {
				_, _ = f.svc.Cancel(ctx, p, part.ID)
			}

			count := f.confirmedCount(t, ev.ID)
			list, err := f.st.ListConfirmed(ctx, ev.ID)
			if err != nil {
				rt.Fatalf("list confirmed: %v", err)
			}
			if count < 0 || count > capacity {
				rt.Fatalf("confirmed count %d outside [0, %d]", count, capacity)
			}
			if count != len(list) {
				rt.Fatalf("confirmed count %d != confirmed rows %d", count, len(list))
			}
		}
	})
}
