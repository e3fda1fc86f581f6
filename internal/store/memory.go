package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iconic-events/backend/internal/models"
)

// MemoryStore keeps everything in process memory. Transactions run one at a time on a copy of the
// data and replace it on commit, which makes them serializable within one process. It does not
// coordinate between processes; use PostgresStore for any multi-instance deployment.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

type memData struct {
	events         map[uuid.UUID]models.Event
	participations map[uuid.UUID]models.Participation
	users          map[uuid.UUID]models.User
	checkins       map[uuid.UUID]models.CheckinToken
}

func newMemData() *memData {
	return &memData{
		events:         make(map[uuid.UUID]models.Event),
		participations: make(map[uuid.UUID]models.Participation),
		users:          make(map[uuid.UUID]models.User),
		checkins:       make(map[uuid.UUID]models.CheckinToken),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.events {
		c.events[k] = v
	}
	for k, v := range d.participations {
		c.participations[k] = v
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.checkins {
		c.checkins[k] = v
	}
	return c
}

// WithTx runs fn against a private copy and publishes it if fn succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.data.clone()
	if err := fn(&memTx{memData: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *MemoryStore) read() *memData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// CreateEvent inserts an event.
func (s *MemoryStore) CreateEvent(_ context.Context, e *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now()
	e.ConfirmedCount = 0
	e.CreatedAt, e.UpdatedAt = now, now
	work := s.data.clone()
	work.events[e.ID] = *e
	s.data = work
	return nil
}

// UpsertUser inserts or replaces a profile.
func (s *MemoryStore) UpsertUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := time.Now()
	if prev, ok := s.data.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	work := s.data.clone()
	work.users[u.ID] = *u
	s.data = work
	return nil
}

// Committed data is never mutated in place, so readers can use the snapshot without holding mu.

func (s *MemoryStore) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	return s.read().GetEvent(ctx, id)
}

func (s *MemoryStore) GetParticipation(ctx context.Context, id uuid.UUID) (*models.Participation, error) {
	return s.read().GetParticipation(ctx, id)
}

func (s *MemoryStore) FindParticipation(ctx context.Context, userID, eventID uuid.UUID) (*models.Participation, error) {
	return s.read().FindParticipation(ctx, userID, eventID)
}

func (s *MemoryStore) ListConfirmed(ctx context.Context, eventID uuid.UUID) ([]models.Participant, error) {
	return s.read().ListConfirmed(ctx, eventID)
}

func (s *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.read().GetUser(ctx, id)
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.read().GetUserByEmail(ctx, email)
}

func (s *MemoryStore) GetCheckin(ctx context.Context, id uuid.UUID) (*models.CheckinToken, error) {
	return s.read().GetCheckin(ctx, id)
}

func (s *MemoryStore) FindRedeemedCheckin(ctx context.Context, userID, eventID uuid.UUID) (*models.CheckinToken, error) {
	return s.read().FindRedeemedCheckin(ctx, userID, eventID)
}

func (s *MemoryStore) FindPendingCheckin(ctx context.Context, userID, eventID uuid.UUID) (*models.CheckinToken, error) {
	return s.read().FindPendingCheckin(ctx, userID, eventID)
}

func (s *MemoryStore) ListCheckins(ctx context.Context, eventID uuid.UUID) ([]models.CheckinWithUser, error) {
	return s.read().ListCheckins(ctx, eventID)
}

// memData implements Reader.

func (d *memData) GetEvent(_ context.Context, id uuid.UUID) (*models.Event, error) {
	e, ok := d.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (d *memData) GetParticipation(_ context.Context, id uuid.UUID) (*models.Participation, error) {
	p, ok := d.participations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (d *memData) FindParticipation(_ context.Context, userID, eventID uuid.UUID) (*models.Participation, error) {
	for _, p := range d.participations {
		if p.UserID == userID && p.EventID == eventID {
			return &p, nil
		}
	}
	return nil, nil
}

func (d *memData) ListConfirmed(_ context.Context, eventID uuid.UUID) ([]models.Participant, error) {
	var list []models.Participant
	for _, p := range d.participations {
		if p.EventID != eventID || p.Status != models.StatusConfirmed {
			continue
		}
		u, ok := d.users[p.UserID]
		if !ok {
			continue
		}
		list = append(list, models.Participant{Participation: p, User: u})
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].Participation, list[j].Participation
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return list, nil
}

func (d *memData) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	u, ok := d.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (d *memData) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	for _, u := range d.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (d *memData) GetCheckin(_ context.Context, id uuid.UUID) (*models.CheckinToken, error) {
	t, ok := d.checkins[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (d *memData) FindRedeemedCheckin(_ context.Context, userID, eventID uuid.UUID) (*models.CheckinToken, error) {
	for _, t := range d.checkins {
		if t.UserID == userID && t.EventID == eventID && t.RedeemedAt != nil {
			return &t, nil
		}
	}
	return nil, nil
}

func (d *memData) FindPendingCheckin(_ context.Context, userID, eventID uuid.UUID) (*models.CheckinToken, error) {
	var latest *models.CheckinToken
	for _, t := range d.checkins {
		if t.UserID != userID || t.EventID != eventID || t.RedeemedAt != nil {
			continue
		}
		if latest == nil || t.IssuedAt.After(latest.IssuedAt) {
			c := t
			latest = &c
		}
	}
	return latest, nil
}

func (d *memData) ListCheckins(_ context.Context, eventID uuid.UUID) ([]models.CheckinWithUser, error) {
	var list []models.CheckinWithUser
	for _, t := range d.checkins {
		if t.EventID != eventID {
			continue
		}
		u, ok := d.users[t.UserID]
		if !ok {
			continue
		}
		list = append(list, models.CheckinWithUser{Token: t, User: u})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Token.IssuedAt.After(list[j].Token.IssuedAt) })
	return list, nil
}

// memTx implements Tx on a private copy. Locks are implicit: the whole transaction holds the store mutex.
type memTx struct {
	*memData
}

func (t *memTx) LockEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	return t.GetEvent(ctx, id)
}

func (t *memTx) SetConfirmedCount(_ context.Context, eventID uuid.UUID, n int) error {
	e, ok := t.events[eventID]
	if !ok {
		return ErrNotFound
	}
	if n < 0 || n > e.Capacity {
		return ErrCapacity
	}
	e.ConfirmedCount = n
	e.UpdatedAt = time.Now()
	t.events[eventID] = e
	return nil
}

func (t *memTx) LockParticipation(ctx context.Context, id uuid.UUID) (*models.Participation, error) {
	return t.GetParticipation(ctx, id)
}

func (t *memTx) LockParticipationFor(ctx context.Context, userID, eventID uuid.UUID) (*models.Participation, error) {
	return t.FindParticipation(ctx, userID, eventID)
}

func (t *memTx) knownUser(id uuid.UUID) bool {
	_, ok := t.users[id]
	return ok
}

func (t *memTx) InsertParticipation(_ context.Context, p *models.Participation) error {
	if !t.knownUser(p.UserID) {
		return ErrUnknownUser
	}
	if _, ok := t.participations[p.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range t.participations {
		if existing.UserID == p.UserID && existing.EventID == p.EventID {
			return ErrDuplicate
		}
	}
	t.participations[p.ID] = *p
	return nil
}

func (t *memTx) UpdateParticipation(_ context.Context, p *models.Participation) error {
	cur, ok := t.participations[p.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = p.Status
	cur.CancelledAt = p.CancelledAt
	cur.UpdatedAt = p.UpdatedAt
	t.participations[p.ID] = cur
	return nil
}

func (t *memTx) DeleteParticipation(_ context.Context, id uuid.UUID) error {
	if _, ok := t.participations[id]; !ok {
		return ErrNotFound
	}
	delete(t.participations, id)
	return nil
}

func (t *memTx) InsertCheckin(_ context.Context, c *models.CheckinToken) error {
	if !t.knownUser(c.UserID) || (c.RedeemedBy != nil && !t.knownUser(*c.RedeemedBy)) {
		return ErrUnknownUser
	}
	for _, existing := range t.checkins {
		if existing.ID == c.ID || existing.Token == c.Token {
			return ErrDuplicate
		}
		if c.RedeemedAt != nil && existing.RedeemedAt != nil && existing.UserID == c.UserID && existing.EventID == c.EventID {
			return ErrDuplicate
		}
	}
	t.checkins[c.ID] = *c
	return nil
}

func (t *memTx) LockCheckinByToken(_ context.Context, token string) (*models.CheckinToken, error) {
	for _, c := range t.checkins {
		if c.Token == token {
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) RedeemCheckin(_ context.Context, id uuid.UUID, at time.Time, by uuid.UUID) error {
	c, ok := t.checkins[id]
	if !ok || c.RedeemedAt != nil {
		return ErrStale
	}
	if !t.knownUser(by) {
		return ErrUnknownUser
	}
	for _, existing := range t.checkins {
		if existing.ID != id && existing.RedeemedAt != nil && existing.UserID == c.UserID && existing.EventID == c.EventID {
			return ErrDuplicate
		}
	}
	c.RedeemedAt = &at
	c.RedeemedBy = &by
	t.checkins[id] = c
	return nil
}

func (t *memTx) DeletePendingCheckins(_ context.Context, userID, eventID uuid.UUID) (int64, error) {
	var n int64
	for id, c := range t.checkins {
		if c.UserID == userID && c.EventID == eventID && c.RedeemedAt == nil {
			delete(t.checkins, id)
			n++
		}
	}
	return n, nil
}

func (t *memTx) DeleteCheckin(_ context.Context, id uuid.UUID) error {
	if _, ok := t.checkins[id]; !ok {
		return ErrNotFound
	}
	delete(t.checkins, id)
	return nil
}
