package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/iconic-events/backend/internal/models"
)

const (
	eventCols         = `id, title, capacity, confirmed_count, is_exclusive, starts_at, created_at, updated_at`
	participationCols = `id, user_id, event_id, status, cancelled_at, created_at, updated_at`
	checkinCols       = `id, user_id, event_id, token, issued_at, redeemed_at, redeemed_by, manual`
	userCols          = `u.id, u.email, u.full_name, u.nickname, u.date_of_birth, u.role, u.is_iconic, u.iconic_expires_at,
		u.show_public_profile, u.show_profile_to_iconics, COALESCE(u.profile_picture_url,''), u.created_at, u.updated_at`

	// DefaultTxAttempts bounds retries of serialization failures and deadlocks.
	DefaultTxAttempts = 5
	txRetryBackoff    = 20 * time.Millisecond
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// PostgresStore is the Postgres-backed Store.
type PostgresStore struct {
	pgReader
	pool     *pgxpool.Pool
	logger   *zap.Logger
	attempts int
}

// NewPostgresStore creates a store over pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pgReader: pgReader{q: pool}, pool: pool, logger: logger, attempts: DefaultTxAttempts}
}

// WithTxAttempts overrides how many times a transaction is tried. Values below 1 are ignored.
func (s *PostgresStore) WithTxAttempts(n int) *PostgresStore {
	if n >= 1 {
		s.attempts = n
	}
	return s
}

// WithTx runs fn in a READ COMMITTED transaction. Capacity decisions rely on SELECT ... FOR UPDATE row
// locks taken through the Tx, not on the isolation level.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
			return fn(&pgTx{pgReader: pgReader{q: tx}})
		})
		if !isRetryable(err) {
			return err
		}
		s.logger.Debug("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * txRetryBackoff):
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", err)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}

func isFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// CreateEvent inserts an event. ConfirmedCount always starts at zero.
func (s *PostgresStore) CreateEvent(ctx context.Context, e *models.Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	const q = `INSERT INTO events (id, title, capacity, confirmed_count, is_exclusive, starts_at)
		VALUES ($1, $2, $3, 0, $4, $5)
		RETURNING confirmed_count, created_at, updated_at`
	return s.pool.QueryRow(ctx, q, e.ID, e.Title, e.Capacity, e.IsExclusive, e.StartsAt).
		Scan(&e.ConfirmedCount, &e.CreatedAt, &e.UpdatedAt)
}

// UpsertUser mirrors a profile from the identity layer.
func (s *PostgresStore) UpsertUser(ctx context.Context, u *models.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	const q = `INSERT INTO users (id, email, full_name, nickname, date_of_birth, role, is_iconic, iconic_expires_at,
			show_public_profile, show_profile_to_iconics, profile_picture_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11,''))
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, full_name = EXCLUDED.full_name,
			nickname = EXCLUDED.nickname, date_of_birth = EXCLUDED.date_of_birth, role = EXCLUDED.role,
			is_iconic = EXCLUDED.is_iconic, iconic_expires_at = EXCLUDED.iconic_expires_at,
			show_public_profile = EXCLUDED.show_public_profile,
			show_profile_to_iconics = EXCLUDED.show_profile_to_iconics,
			profile_picture_url = EXCLUDED.profile_picture_url, updated_at = NOW()
		RETURNING created_at, updated_at`
	err := s.pool.QueryRow(ctx, q, u.ID, u.Email, u.FullName, u.Nickname, u.DateOfBirth, string(u.Role), u.IsIconic,
		u.IconicExpiresAt, u.ShowPublicProfile, u.ShowProfileToIconics, u.ProfilePictureURL).
		Scan(&u.CreatedAt, &u.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// pgReader implements Reader over a pool or a transaction.
type pgReader struct {
	q querier
}

func scanEvent(row scanner) (*models.Event, error) {
	var e models.Event
	err := row.Scan(&e.ID, &e.Title, &e.Capacity, &e.ConfirmedCount, &e.IsExclusive, &e.StartsAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func scanParticipation(row scanner) (*models.Participation, error) {
	var p models.Participation
	err := row.Scan(&p.ID, &p.UserID, &p.EventID, &p.Status, &p.CancelledAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func scanCheckin(row scanner) (*models.CheckinToken, error) {
	var t models.CheckinToken
	err := row.Scan(&t.ID, &t.UserID, &t.EventID, &t.Token, &t.IssuedAt, &t.RedeemedAt, &t.RedeemedBy, &t.Manual)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func userDest(u *models.User) []any {
	return []any{&u.ID, &u.Email, &u.FullName, &u.Nickname, &u.DateOfBirth, &u.Role, &u.IsIconic, &u.IconicExpiresAt,
		&u.ShowPublicProfile, &u.ShowProfileToIconics, &u.ProfilePictureURL, &u.CreatedAt, &u.UpdatedAt}
}

// optional turns ErrNotFound into (nil, nil) for Find* methods.
func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (r pgReader) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	return scanEvent(r.q.QueryRow(ctx, `SELECT `+eventCols+` FROM events WHERE id = $1`, id))
}

func (r pgReader) GetParticipation(ctx context.Context, id uuid.UUID) (*models.Participation, error) {
	return scanParticipation(r.q.QueryRow(ctx, `SELECT `+participationCols+` FROM participations WHERE id = $1`, id))
}

func (r pgReader) FindParticipation(ctx context.Context, userID, eventID uuid.UUID) (*models.Participation, error) {
	const q = `SELECT ` + participationCols + ` FROM participations WHERE user_id = $1 AND event_id = $2`
	return optional(scanParticipation(r.q.QueryRow(ctx, q, userID, eventID)))
}

func (r pgReader) ListConfirmed(ctx context.Context, eventID uuid.UUID) ([]models.Participant, error) {
	const q = `SELECT p.id, p.user_id, p.event_id, p.status, p.cancelled_at, p.created_at, p.updated_at, ` + userCols + `
		FROM participations p JOIN users u ON u.id = p.user_id
		WHERE p.event_id = $1 AND p.status = 'confirmed'
		ORDER BY p.updated_at, p.id`
	rows, err := r.q.Query(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Participant
	for rows.Next() {
		var item models.Participant
		p := &item.Participation
		dest := append([]any{&p.ID, &p.UserID, &p.EventID, &p.Status, &p.CancelledAt, &p.CreatedAt, &p.UpdatedAt}, userDest(&item.User)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		list = append(list, item)
	}
	return list, rows.Err()
}

func (r pgReader) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	if err := r.q.QueryRow(ctx, `SELECT `+userCols+` FROM users u WHERE u.id = $1`, id).Scan(userDest(&u)...); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r pgReader) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := r.q.QueryRow(ctx, `SELECT `+userCols+` FROM users u WHERE lower(u.email) = lower($1)`, email).Scan(userDest(&u)...); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r pgReader) GetCheckin(ctx context.Context, id uuid.UUID) (*models.CheckinToken, error) {
	return scanCheckin(r.q.QueryRow(ctx, `SELECT `+checkinCols+` FROM checkin_tokens WHERE id = $1`, id))
}

func (r pgReader) FindRedeemedCheckin(ctx context.Context, userID, eventID uuid.UUID) (*models.CheckinToken, error) {
	const q = `SELECT ` + checkinCols + ` FROM checkin_tokens
		WHERE user_id = $1 AND event_id = $2 AND redeemed_at IS NOT NULL LIMIT 1`
	return optional(scanCheckin(r.q.QueryRow(ctx, q, userID, eventID)))
}

func (r pgReader) FindPendingCheckin(ctx context.Context, userID, eventID uuid.UUID) (*models.CheckinToken, error) {
	const q = `SELECT ` + checkinCols + ` FROM checkin_tokens
		WHERE user_id = $1 AND event_id = $2 AND redeemed_at IS NULL
		ORDER BY issued_at DESC LIMIT 1`
	return optional(scanCheckin(r.q.QueryRow(ctx, q, userID, eventID)))
}

func (r pgReader) ListCheckins(ctx context.Context, eventID uuid.UUID) ([]models.CheckinWithUser, error) {
	const q = `SELECT c.id, c.user_id, c.event_id, c.token, c.issued_at, c.redeemed_at, c.redeemed_by, c.manual, ` + userCols + `
		FROM checkin_tokens c JOIN users u ON u.id = c.user_id
		WHERE c.event_id = $1
		ORDER BY c.issued_at DESC`
	rows, err := r.q.Query(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.CheckinWithUser
	for rows.Next() {
		var item models.CheckinWithUser
		t := &item.Token
		dest := append([]any{&t.ID, &t.UserID, &t.EventID, &t.Token, &t.IssuedAt, &t.RedeemedAt, &t.RedeemedBy, &t.Manual}, userDest(&item.User)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		list = append(list, item)
	}
	return list, rows.Err()
}

// pgTx implements Tx.
type pgTx struct {
	pgReader
}

func (t *pgTx) LockEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	return scanEvent(t.q.QueryRow(ctx, `SELECT `+eventCols+` FROM events WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SetConfirmedCount(ctx context.Context, eventID uuid.UUID, n int) error {
	tag, err := t.q.Exec(ctx, `UPDATE events SET confirmed_count = $2, updated_at = NOW() WHERE id = $1`, eventID, n)
	if isCheckViolation(err) {
		return ErrCapacity
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) LockParticipation(ctx context.Context, id uuid.UUID) (*models.Participation, error) {
	return scanParticipation(t.q.QueryRow(ctx, `SELECT `+participationCols+` FROM participations WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) LockParticipationFor(ctx context.Context, userID, eventID uuid.UUID) (*models.Participation, error) {
	const q = `SELECT ` + participationCols + ` FROM participations WHERE user_id = $1 AND event_id = $2 FOR UPDATE`
	return optional(scanParticipation(t.q.QueryRow(ctx, q, userID, eventID)))
}

func (t *pgTx) InsertParticipation(ctx context.Context, p *models.Participation) error {
	const q = `INSERT INTO participations (id, user_id, event_id, status, cancelled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := t.q.Exec(ctx, q, p.ID, p.UserID, p.EventID, string(p.Status), p.CancelledAt, p.CreatedAt, p.UpdatedAt)
	switch {
	case isUniqueViolation(err):
		return ErrDuplicate
	case isFKViolation(err):
		return ErrUnknownUser
	}
	return err
}

func (t *pgTx) UpdateParticipation(ctx context.Context, p *models.Participation) error {
	const q = `UPDATE participations SET status = $2, cancelled_at = $3, updated_at = $4 WHERE id = $1`
	tag, err := t.q.Exec(ctx, q, p.ID, string(p.Status), p.CancelledAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteParticipation(ctx context.Context, id uuid.UUID) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM participations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertCheckin(ctx context.Context, c *models.CheckinToken) error {
	const q = `INSERT INTO checkin_tokens (` + checkinCols + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := t.q.Exec(ctx, q, c.ID, c.UserID, c.EventID, c.Token, c.IssuedAt, c.RedeemedAt, c.RedeemedBy, c.Manual)
	switch {
	case isUniqueViolation(err):
		return ErrDuplicate
	case isFKViolation(err):
		return ErrUnknownUser
	}
	return err
}

func (t *pgTx) LockCheckinByToken(ctx context.Context, token string) (*models.CheckinToken, error) {
	return scanCheckin(t.q.QueryRow(ctx, `SELECT `+checkinCols+` FROM checkin_tokens WHERE token = $1 FOR UPDATE`, token))
}

func (t *pgTx) RedeemCheckin(ctx context.Context, id uuid.UUID, at time.Time, by uuid.UUID) error {
	const q = `UPDATE checkin_tokens SET redeemed_at = $2, redeemed_by = $3 WHERE id = $1 AND redeemed_at IS NULL`
	tag, err := t.q.Exec(ctx, q, id, at, by)
	switch {
	case isUniqueViolation(err):
		return ErrDuplicate
	case isFKViolation(err):
		return ErrUnknownUser
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

func (t *pgTx) DeletePendingCheckins(ctx context.Context, userID, eventID uuid.UUID) (int64, error) {
	tag, err := t.q.Exec(ctx, `DELETE FROM checkin_tokens WHERE user_id = $1 AND event_id = $2 AND redeemed_at IS NULL`, userID, eventID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) DeleteCheckin(ctx context.Context, id uuid.UUID) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM checkin_tokens WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
