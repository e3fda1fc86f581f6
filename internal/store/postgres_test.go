package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iconic-events/backend/internal/models"
	"github.com/iconic-events/backend/pkg/database"
)

func TestPgErrorClassifiers(t *testing.T) {
	pgErr := func(code string) error { return &pgconn.PgError{Code: code} }
	tests := []struct {
		name      string
		err       error
		retryable bool
		unique    bool
		check     bool
		fk        bool
	}{
		{name: "nil", err: nil},
		{name: "plain error", err: errors.New("connection reset")},
		{name: "no rows", err: pgx.ErrNoRows},
		{name: "serialization failure", err: pgErr("40001"), retryable: true},
		{name: "deadlock", err: pgErr("40P01"), retryable: true},
		{name: "wrapped deadlock", err: fmt.Errorf("lock event: %w", pgErr("40P01")), retryable: true},
		{name: "unique violation", err: pgErr("23505"), unique: true},
		{name: "check violation", err: pgErr("23514"), check: true},
		{name: "foreign key violation", err: pgErr("23503"), fk: true},
		{name: "wrapped foreign key violation", err: fmt.Errorf("insert: %w", pgErr("23503")), fk: true},
		{name: "syntax error", err: pgErr("42601")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, isRetryable(tt.err), "isRetryable")
			assert.Equal(t, tt.unique, isUniqueViolation(tt.err), "isUniqueViolation")
			assert.Equal(t, tt.check, isCheckViolation(tt.err), "isCheckViolation")
			assert.Equal(t, tt.fk, isFKViolation(tt.err), "isFKViolation")
		})
	}
}

func TestNotFoundAndOptional(t *testing.T) {
	assert.ErrorIs(t, notFound(pgx.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, notFound(fmt.Errorf("scan: %w", pgx.ErrNoRows)), ErrNotFound)
	boom := errors.New("boom")
	assert.Equal(t, boom, notFound(boom))
	assert.NoError(t, notFound(nil))

	v, err := optional[models.Event](nil, ErrNotFound)
	assert.NoError(t, err)
	assert.Nil(t, v)

	_, err = optional[models.Event](nil, boom)
	assert.Equal(t, boom, err)

	e := &models.Event{Title: "x"}
	v, err = optional(e, nil)
	require.NoError(t, err)
	assert.Same(t, e, v)
}

// newPostgresStore connects to TEST_DATABASE_URL, applying migrations first. Tests using it skip when
// the variable is unset.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	require.NoError(t, database.Migrate(dsn, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := database.NewPostgresPool(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewPostgresStore(pool, nil)
}

func seedPostgres(t *testing.T, s *PostgresStore, capacity, users int) (*models.Event, []*models.User) {
	t.Helper()
	ctx := context.Background()
	e := &models.Event{Title: "launch", Capacity: capacity}
	require.NoError(t, s.CreateEvent(ctx, e))
	list := make([]*models.User, users)
	for i := range list {
		u := &models.User{Email: uuid.NewString() + "@example.com", FullName: fmt.Sprintf("Guest %d", i), Role: models.RoleUser}
		require.NoError(t, s.UpsertUser(ctx, u))
		list[i] = u
	}
	return e, list
}

// joinTx is the lock-check-insert-increment sequence the registration service runs.
func joinTx(ctx context.Context, s Store, userID, eventID uuid.UUID) error {
	return s.WithTx(ctx, func(tx Tx) error {
		ev, err := tx.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.ConfirmedCount >= ev.Capacity {
			return ErrCapacity
		}
		now := time.Now()
		if err := tx.InsertParticipation(ctx, &models.Participation{
			ID: uuid.New(), UserID: userID, EventID: eventID, Status: models.StatusConfirmed, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return tx.SetConfirmedCount(ctx, eventID, ev.ConfirmedCount+1)
	})
}

func TestPostgresStore_LastSeatRace(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	const joiners = 8
	e, users := seedPostgres(t, s, 3, joiners)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		full int
	)
	for _, u := range users {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			err := joinTx(ctx, s, id, e.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrCapacity):
				full++
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}(u.ID)
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, joiners-3, full)
	got, err := s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ConfirmedCount)
	list, err := s.ListConfirmed(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestPostgresStore_Constraints(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	e, users := seedPostgres(t, s, 1, 1)
	u := users[0]

	err := s.WithTx(ctx, func(tx Tx) error { return tx.SetConfirmedCount(ctx, e.ID, 2) })
	assert.ErrorIs(t, err, ErrCapacity)
	err = s.WithTx(ctx, func(tx Tx) error { return tx.SetConfirmedCount(ctx, uuid.New(), 0) })
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, joinTx(ctx, s, u.ID, e.ID))
	err = s.WithTx(ctx, func(tx Tx) error {
		return tx.InsertParticipation(ctx, &models.Participation{ID: uuid.New(), UserID: u.ID, EventID: e.ID, Status: models.StatusConfirmed})
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	err = s.WithTx(ctx, func(tx Tx) error {
		return tx.InsertParticipation(ctx, &models.Participation{ID: uuid.New(), UserID: uuid.New(), EventID: e.ID, Status: models.StatusConfirmed})
	})
	assert.ErrorIs(t, err, ErrUnknownUser)

	missing, err := s.FindParticipation(ctx, uuid.New(), e.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)
	_, err = s.GetParticipation(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_RedeemOnce(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	e, users := seedPostgres(t, s, 5, 2)
	u, scanner := users[0], users[1]
	now := time.Now().UTC().Truncate(time.Microsecond)
	first := &models.CheckinToken{ID: uuid.New(), UserID: u.ID, EventID: e.ID, Token: uuid.NewString(), IssuedAt: now}
	second := &models.CheckinToken{ID: uuid.New(), UserID: u.ID, EventID: e.ID, Token: uuid.NewString(), IssuedAt: now.Add(time.Second)}
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertCheckin(ctx, first); err != nil {
			return err
		}
		return tx.InsertCheckin(ctx, second)
	}))

	pending, err := s.FindPendingCheckin(ctx, u.ID, e.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, second.ID, pending.ID)

	err = s.WithTx(ctx, func(tx Tx) error { return tx.RedeemCheckin(ctx, first.ID, now, uuid.New()) })
	assert.ErrorIs(t, err, ErrUnknownUser)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.RedeemCheckin(ctx, first.ID, now, scanner.ID) }))
	err = s.WithTx(ctx, func(tx Tx) error { return tx.RedeemCheckin(ctx, first.ID, now, scanner.ID) })
	assert.ErrorIs(t, err, ErrStale)
	err = s.WithTx(ctx, func(tx Tx) error { return tx.RedeemCheckin(ctx, second.ID, now, scanner.ID) })
	assert.ErrorIs(t, err, ErrDuplicate)

	redeemed, err := s.FindRedeemedCheckin(ctx, u.ID, e.ID)
	require.NoError(t, err)
	require.NotNil(t, redeemed)
	assert.Equal(t, first.ID, redeemed.ID)
	require.NotNil(t, redeemed.RedeemedBy)
	assert.Equal(t, scanner.ID, *redeemed.RedeemedBy)

	var n int64
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		var err error
		n, err = tx.DeletePendingCheckins(ctx, u.ID, e.ID)
		return err
	}))
	assert.Equal(t, int64(1), n)
}

func TestPostgresStore_WithTxRetries(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	calls := 0
	err := s.WithTx(ctx, func(Tx) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = s.WithTxAttempts(2).WithTx(ctx, func(Tx) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	assert.ErrorContains(t, err, "retries exhausted")
	assert.True(t, isRetryable(err))
	assert.Equal(t, 2, calls)

	calls = 0
	boom := errors.New("boom")
	err = s.WithTx(ctx, func(Tx) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
