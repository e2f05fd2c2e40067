package mem

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knadh/parley/store"
	"github.com/knadh/parley/store/feed"
	"github.com/oklog/ulid/v2"
)

// Config represents the InMemory store config structure.
type Config struct {
	IdleTimeout   time.Duration `koanf:"idle_timeout"`
	ActiveTimeout time.Duration `koanf:"active_timeout"`
}

// InMemory represents the in-memory implementation of the Store interface.
// The rooms map is locked only to add or drop slots. Room state lives in
// per-slot atomic pointers and is changed by compare-and-swap.
type InMemory struct {
	cfg   Config
	rooms map[string]*slot
	mu    sync.RWMutex

	// identity -> *slot of the open room holding its participant seat.
	seats sync.Map

	feed *feed.Feed
	now  func() time.Time
}

var _ store.Store = (*InMemory)(nil)

type slot struct {
	cur atomic.Pointer[store.Room]
}

// New returns a new in-memory store.
func New(cfg Config) *InMemory {
	return &InMemory{
		cfg:   cfg,
		rooms: make(map[string]*slot),
		feed:  feed.New(),
		now:   time.Now,
	}
}

// CreateRoom adds a new waiting room owned by creator.
func (m *InMemory) CreateRoom(ctx context.Context, topic string, f store.Filters, role store.Role, creator string) (store.Room, error) {
	if role != store.RoleParticipant {
		return store.Room{}, store.ErrInvalidRole
	}
	if err := ctx.Err(); err != nil {
		return store.Room{}, err
	}

	pending := store.NewRoom("", topic, f, creator, m.now())
	s := &slot{}
	s.cur.Store(&pending)

	if _, err := m.claim(creator, s); err != nil {
		return store.Room{}, err
	}

	// The ID and creation time are stamped under the lock so that listing
	// order matches insertion order.
	m.mu.Lock()
	r := store.NewRoom(ulid.Make().String(), topic, f, creator, m.now())
	s.cur.Store(&r)
	m.rooms[r.ID] = s
	m.mu.Unlock()

	m.feed.Publish(r)
	return r.Clone(), nil
}

// TryJoin adds identity to a room. Concurrent participant joins on the same
// waiting room race on the slot's compare-and-swap and exactly one wins.
// A participant must not hold a seat in another open room.
func (m *InMemory) TryJoin(ctx context.Context, id, identity string, role store.Role) (store.Room, error) {
	join := func(r store.Room) (store.Room, error) {
		return store.ApplyJoin(r, identity, role, m.now())
	}
	if role != store.RoleParticipant {
		return m.mutate(ctx, id, join)
	}

	s := m.slot(id)
	if s == nil {
		return store.Room{}, store.ErrRoomNotFound
	}
	claimed, err := m.claim(identity, s)
	if err != nil {
		return store.Room{}, err
	}

	r, err := m.mutate(ctx, id, join)
	if err != nil && claimed {
		m.seats.CompareAndDelete(identity, s)
	}
	return r, err
}

// Leave removes identity from a room.
func (m *InMemory) Leave(ctx context.Context, id, identity string) (store.Room, error) {
	return m.mutate(ctx, id, func(r store.Room) (store.Room, error) {
		return store.ApplyLeave(r, identity, m.now())
	})
}

// CloseIfIdle closes a room that has outlived its idle window.
func (m *InMemory) CloseIfIdle(ctx context.Context, id string, now time.Time) (bool, error) {
	_, err := m.mutate(ctx, id, func(r store.Room) (store.Room, error) {
		if !store.IdleDue(r, now, m.cfg.IdleTimeout, m.cfg.ActiveTimeout) {
			return r, errNoop
		}
		return store.ApplyClose(r, store.ReasonIdle, now)
	})
	switch {
	case err == errNoop:
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// CancelRoom closes a room only if it is still waiting.
func (m *InMemory) CancelRoom(ctx context.Context, id string) error {
	_, err := m.mutate(ctx, id, func(r store.Room) (store.Room, error) {
		return store.ApplyCancel(r, m.now())
	})
	return err
}

// CloseRoom closes an open room.
func (m *InMemory) CloseRoom(ctx context.Context, id string, reason store.CloseReason) error {
	_, err := m.mutate(ctx, id, func(r store.Room) (store.Room, error) {
		return store.ApplyClose(r, reason, m.now())
	})
	return err
}

// Touch bumps a room's last activity.
func (m *InMemory) Touch(ctx context.Context, id string, now time.Time) error {
	_, err := m.mutate(ctx, id, func(r store.Room) (store.Room, error) {
		return store.ApplyTouch(r, now)
	})
	return err
}

// GetRoom gets a room from the store.
func (m *InMemory) GetRoom(ctx context.Context, id string) (store.Room, error) {
	s := m.slot(id)
	if s == nil {
		return store.Room{}, store.ErrRoomNotFound
	}
	return s.cur.Load().Clone(), nil
}

// ListRooms returns the open rooms matching pred, oldest first.
func (m *InMemory) ListRooms(ctx context.Context, pred store.Predicate) ([]store.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.list(pred), nil
}

// Prune drops closed rooms closed before the given time.
func (m *InMemory) Prune(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	var ids []string
	for id, s := range m.rooms {
		r := s.cur.Load()
		if r.Status == store.StatusClosed && r.ClosedAt.Before(before) {
			delete(m.rooms, id)
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.feed.Forget(id)
	}
	return len(ids), nil
}

// Subscribe streams room events matching pred, starting with a replay of
// the current state.
func (m *InMemory) Subscribe(ctx context.Context, pred store.Predicate) (<-chan store.Event, error) {
	return m.feed.Subscribe(ctx, pred, func() ([]store.Room, error) {
		return m.list(pred), nil
	})
}

// Close stops all subscriptions.
func (m *InMemory) Close() error {
	m.feed.Close()
	return nil
}

// errNoop aborts a mutation without an error surfacing to the caller.
var errNoop = errors.New("no-op")

// mutate applies fn to the current state of a room and commits the result
// with compare-and-swap, retrying on contention. fn sees the latest state on
// every attempt, so a join that lost the race is re-evaluated and rejected.
func (m *InMemory) mutate(ctx context.Context, id string, fn func(store.Room) (store.Room, error)) (store.Room, error) {
	s := m.slot(id)
	if s == nil {
		return store.Room{}, store.ErrRoomNotFound
	}

	for {
		if err := ctx.Err(); err != nil {
			return store.Room{}, err
		}

		old := s.cur.Load()
		next, err := fn(*old)
		if err != nil {
			return old.Clone(), err
		}
		next.Version = old.Version + 1

		if !s.cur.CompareAndSwap(old, &next) {
			continue
		}
		if next.Status == store.StatusClosed {
			m.release(old, s)
		}
		m.feed.Publish(next)
		return next.Clone(), nil
	}
}

// claim points identity's seat at s. It reports whether a new claim was
// made. A seat held in another room only blocks while that room is open.
func (m *InMemory) claim(identity string, s *slot) (bool, error) {
	for {
		prev, loaded := m.seats.LoadOrStore(identity, s)
		if !loaded {
			return true, nil
		}
		old := prev.(*slot)
		if old == s {
			return false, nil
		}
		if old.cur.Load().Open() {
			return false, store.ErrConflict
		}
		if m.seats.CompareAndSwap(identity, old, s) {
			return true, nil
		}
	}
}

// release frees the seats held in a room that just closed. Occupants are
// taken from the last open state, which still lists a participant whose
// leave closed the room.
func (m *InMemory) release(last *store.Room, s *slot) {
	m.seats.CompareAndDelete(last.CreatedBy, s)
	for _, o := range last.Occupants {
		if o.Role == store.RoleParticipant {
			m.seats.CompareAndDelete(o.ID, s)
		}
	}
}

func (m *InMemory) slot(id string) *slot {
	m.mu.RLock()
	s := m.rooms[id]
	m.mu.RUnlock()
	return s
}

func (m *InMemory) list(pred store.Predicate) []store.Room {
	if pred == nil {
		pred = store.All
	}

	m.mu.RLock()
	out := make([]store.Room, 0, len(m.rooms))
	for _, s := range m.rooms {
		if r := s.cur.Load(); r.Open() && pred(*r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()

	store.SortRooms(out)
	return out
}
