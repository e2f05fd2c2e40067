package match_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/knadh/parley/internal/match"
	"github.com/knadh/parley/internal/presence"
	"github.com/knadh/parley/store"
	"github.com/knadh/parley/store/mem"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type validator struct{}

func (validator) Validate(topic string, f store.Filters, role store.Role) error {
	switch topic {
	case "technology", "science":
		return nil
	}
	return errors.New("unknown topic")
}

type signaler struct {
	mu     sync.Mutex
	opened map[string]int
	fail   bool
}

func (s *signaler) Open(ctx context.Context, r store.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("relay full")
	}
	if s.opened == nil {
		s.opened = map[string]int{}
	}
	s.opened[r.ID]++
	return nil
}

type sink struct {
	mu  sync.Mutex
	out map[string][]match.Result
}

func (s *sink) Publish(r match.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		s.out = map[string][]match.Result{}
	}
	s.out[r.RequestID] = append(s.out[r.RequestID], r)
}

func (s *sink) get(id string) []match.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]match.Result(nil), s.out[id]...)
}

type fixture struct {
	store  *mem.InMemory
	engine *match.Engine
	sig    *signaler
	sink   *sink
}

// setup returns an engine consuming the store's feed.
func setup(t *testing.T) *fixture {
	t.Helper()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	go f.engine.Run(ctx)
	t.Cleanup(cancel)
	return f
}

// newFixture returns an engine that never reads the feed, as if every
// event was lost.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store: mem.New(mem.Config{IdleTimeout: time.Minute}),
		sig:   &signaler{},
		sink:  &sink{},
	}
	f.engine = match.New(match.Config{
		IdleTimeout:  time.Minute,
		ReapInterval: time.Hour,
		Retention:    time.Hour,
	}, f.store, validator{}, f.sig, f.sink, zerolog.Nop())
	t.Cleanup(func() { f.store.Close() })
	return f
}

// state waits for a request to reach st.
func (f *fixture) state(t *testing.T, user, id string, st match.State) match.Request {
	t.Helper()
	var req match.Request
	require.Eventually(t, func() bool {
		r, err := f.engine.Get(user, id)
		if err != nil {
			return false
		}
		req = r
		return r.State == st
	}, 2*time.Second, 5*time.Millisecond, "request %s never reached %s", id, st)
	return req
}

func TestScenarioCreateThenJoin(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	agg := presence.New([]string{"technology"})

	a, err := f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)
	assert.Equal(t, match.StateSeeking, a.State)
	require.NotEmpty(t, a.RoomID, "anchored to a new waiting room")

	r1, err := f.store.GetRoom(ctx, a.RoomID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaiting, r1.Status)

	agg.Apply(store.Event{Seq: 1, Room: r1})
	assert.Equal(t, 0, agg.Snapshot("alice").Counts["technology"])
	assert.Equal(t, 1, agg.Snapshot("carol").Counts["technology"])

	b, err := f.engine.Submit(ctx, "bob", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)
	assert.Equal(t, match.StateMatched, b.State)
	assert.Equal(t, a.RoomID, b.RoomID)

	got := f.state(t, "alice", a.ID, match.StateMatched)
	assert.Equal(t, a.RoomID, got.RoomID)

	r1, err = f.store.GetRoom(ctx, a.RoomID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, r1.Status)
	assert.Equal(t, 2, r1.Participants())

	agg.Apply(store.Event{Seq: 2, Room: r1})
	assert.Equal(t, 2, agg.Snapshot("carol").Counts["technology"])

	// The room is full: a third seeker opens a new one.
	c, err := f.engine.Submit(ctx, "carol", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)
	assert.Equal(t, match.StateSeeking, c.State)
	assert.NotEqual(t, a.RoomID, c.RoomID)

	require.Len(t, f.sink.get(a.ID), 1)
	require.Len(t, f.sink.get(b.ID), 1)
	assert.Equal(t, match.StateMatched, f.sink.get(b.ID)[0].State)
}

func TestScenarioIncompatibleFilters(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a, err := f.engine.Submit(ctx, "alice", "technology", store.Filters{Region: "na"}, store.RoleParticipant)
	require.NoError(t, err)

	c, err := f.engine.Submit(ctx, "carol", "technology", store.Filters{Region: "eu"}, store.RoleParticipant)
	require.NoError(t, err)
	assert.Equal(t, match.StateSeeking, c.State)
	assert.NotEqual(t, a.RoomID, c.RoomID)

	// A wildcard seeker is compatible with either.
	d, err := f.engine.Submit(ctx, "dave", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)
	assert.Equal(t, match.StateMatched, d.State)
	assert.Equal(t, a.RoomID, d.RoomID, "oldest compatible room first")
}

func TestScenarioIdleExpiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a, err := f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)

	f.engine.Reap(ctx, time.Now().Add(2*time.Minute))

	got := f.state(t, "alice", a.ID, match.StateExpired)
	assert.Equal(t, a.RoomID, got.RoomID)

	r, err := f.store.GetRoom(ctx, a.RoomID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, r.Status)
	assert.Equal(t, store.ReasonIdle, r.CloseReason)

	res := f.sink.get(a.ID)
	require.Len(t, res, 1)
	assert.Equal(t, match.ErrExpired.Error(), res[0].Error)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("closes the anchored room", func(t *testing.T) {
		f := setup(t)
		a, err := f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
		require.NoError(t, err)

		require.NoError(t, f.engine.Cancel(ctx, "alice", a.ID))

		r, err := f.store.GetRoom(ctx, a.RoomID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusClosed, r.Status)
		assert.Equal(t, store.ReasonCancelled, r.CloseReason)

		got, err := f.engine.Get("alice", a.ID)
		require.NoError(t, err)
		assert.Equal(t, match.StateCancelled, got.State)

		// The user is free to seek again.
		_, err = f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
		assert.NoError(t, err)
	})

	t.Run("too late once joined", func(t *testing.T) {
		f := setup(t)
		a, err := f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
		require.NoError(t, err)
		_, err = f.engine.Submit(ctx, "bob", "technology", store.Filters{}, store.RoleParticipant)
		require.NoError(t, err)

		err = f.engine.Cancel(ctx, "alice", a.ID)
		assert.ErrorIs(t, err, match.ErrAlreadyMatched)
		f.state(t, "alice", a.ID, match.StateMatched)
	})

	t.Run("foreign request", func(t *testing.T) {
		f := setup(t)
		a, err := f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
		require.NoError(t, err)
		assert.ErrorIs(t, f.engine.Cancel(ctx, "mallory", a.ID), match.ErrNotFound)
	})
}

func TestSubmitErrors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, "alice", "astrology", store.Filters{}, store.RoleParticipant)
	assert.ErrorIs(t, err, match.ErrInvalid)

	_, err = f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, "alice", "science", store.Filters{}, store.RoleParticipant)
	assert.ErrorIs(t, err, match.ErrConflict)
}

func TestTransportRollback(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a, err := f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)

	f.sig.mu.Lock()
	f.sig.fail = true
	f.sig.mu.Unlock()

	b, err := f.engine.Submit(ctx, "bob", "technology", store.Filters{}, store.RoleParticipant)
	assert.ErrorIs(t, err, match.ErrTransportUnavailable)
	assert.Equal(t, match.StateCancelled, b.State)

	r, err := f.store.GetRoom(ctx, a.RoomID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, r.Status)
	assert.Equal(t, store.ReasonTransport, r.CloseReason)

	f.state(t, "alice", a.ID, match.StateCancelled)
	assert.Zero(t, f.engine.Seeking(), "nothing left dangling")
}

func TestConcurrentSeekers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	const n = 40
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]string{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			req, err := f.engine.Submit(ctx, user, "technology", store.Filters{}, store.RoleParticipant)
			require.NoError(t, err)
			mu.Lock()
			ids[user] = req.ID
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	// Let the feed settle, then check every room invariant.
	require.Eventually(t, func() bool {
		rooms, err := f.store.ListRooms(ctx, store.All)
		require.NoError(t, err)
		for _, r := range rooms {
			switch r.Status {
			case store.StatusActive:
				if r.Participants() != 2 {
					return false
				}
			case store.StatusWaiting:
				if r.Participants() != 1 {
					return false
				}
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// Every matched request shares its room with exactly one other, and at
	// most one seeker is left waiting.
	require.Eventually(t, func() bool {
		perRoom := map[string]int{}
		seeking := 0
		for user, id := range ids {
			r, err := f.engine.Get(user, id)
			require.NoError(t, err)
			switch r.State {
			case match.StateMatched:
				perRoom[r.RoomID]++
			case match.StateSeeking:
				seeking++
			}
		}
		for _, c := range perRoom {
			if c != 2 {
				return false
			}
		}
		return len(perRoom)*2+seeking == n && seeking <= 1
	}, 2*time.Second, 10*time.Millisecond)

	open, err := f.store.ListRooms(ctx, store.IsWaiting)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(open), 1)
}

func TestObserver(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	o, err := f.engine.Submit(ctx, "olive", "technology", store.Filters{}, store.RoleObserver)
	require.NoError(t, err)
	assert.Equal(t, match.StateSeeking, o.State)
	assert.Empty(t, o.RoomID)

	a, err := f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)

	// Observers never activate a waiting room.
	r, _ := f.store.GetRoom(ctx, a.RoomID)
	assert.Equal(t, store.StatusWaiting, r.Status)

	_, err = f.engine.Submit(ctx, "bob", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)

	got := f.state(t, "olive", o.ID, match.StateMatched)
	assert.Equal(t, a.RoomID, got.RoomID)

	r, _ = f.store.GetRoom(ctx, a.RoomID)
	assert.Equal(t, 2, r.Participants())
	assert.Len(t, r.Occupants, 3)
}

func TestObserverExpires(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	o, err := f.engine.Submit(ctx, "olive", "science", store.Filters{}, store.RoleObserver)
	require.NoError(t, err)

	f.engine.Reap(ctx, time.Now().Add(2*time.Minute))
	got := f.state(t, "olive", o.ID, match.StateExpired)
	assert.Empty(t, got.RoomID)
}

func TestLeaveClosesRoom(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a, _ := f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
	_, _ = f.engine.Submit(ctx, "bob", "technology", store.Filters{}, store.RoleParticipant)

	require.NoError(t, f.engine.Leave(ctx, "bob", a.RoomID))
	r, _ := f.store.GetRoom(ctx, a.RoomID)
	assert.Equal(t, store.StatusClosed, r.Status)
	assert.Equal(t, store.ReasonLeft, r.CloseReason)
}

func TestAlreadySeated(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a, err := f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)
	b, err := f.engine.Submit(ctx, "bob", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)
	require.Equal(t, match.StateMatched, b.State)
	f.state(t, "alice", a.ID, match.StateMatched)

	c, err := f.engine.Submit(ctx, "carol", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)
	require.Equal(t, match.StateSeeking, c.State)

	// Neither side of an active room may seek a second partner, whether a
	// waiting room exists or not.
	_, err = f.engine.Submit(ctx, "bob", "technology", store.Filters{}, store.RoleParticipant)
	assert.ErrorIs(t, err, match.ErrConflict)
	_, err = f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
	assert.ErrorIs(t, err, match.ErrConflict)
	_, err = f.engine.Submit(ctx, "alice", "science", store.Filters{}, store.RoleParticipant)
	assert.ErrorIs(t, err, match.ErrConflict)

	r, err := f.store.GetRoom(ctx, c.RoomID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaiting, r.Status)
	assert.Equal(t, 1, r.Participants())
	assert.Equal(t, 1, f.engine.Seeking())

	// Once the session ends both are free again.
	require.NoError(t, f.engine.Leave(ctx, "bob", b.RoomID))
	got, err := f.engine.Submit(ctx, "bob", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)
	assert.Equal(t, match.StateMatched, got.State)
	assert.Equal(t, c.RoomID, got.RoomID)
}

func TestReapReconcilesMissedEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("partner joined", func(t *testing.T) {
		f := newFixture(t)
		a, err := f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
		require.NoError(t, err)

		// Another instance joins the room. This engine never sees the event.
		_, err = f.store.TryJoin(ctx, a.RoomID, "bob", store.RoleParticipant)
		require.NoError(t, err)

		got, err := f.engine.Get("alice", a.ID)
		require.NoError(t, err)
		require.Equal(t, match.StateSeeking, got.State)

		f.engine.Reap(ctx, time.Now())

		got, err = f.engine.Get("alice", a.ID)
		require.NoError(t, err)
		assert.Equal(t, match.StateMatched, got.State)
		assert.Equal(t, a.RoomID, got.RoomID)
		assert.Equal(t, 1, f.sig.opened[a.RoomID])
		assert.Zero(t, f.engine.Seeking())
	})

	t.Run("room closed and pruned", func(t *testing.T) {
		f := newFixture(t)
		a, err := f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
		require.NoError(t, err)

		require.NoError(t, f.store.CloseRoom(ctx, a.RoomID, store.ReasonShutdown))
		_, err = f.store.Prune(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)

		f.engine.Reap(ctx, time.Now())

		got, err := f.engine.Get("alice", a.ID)
		require.NoError(t, err)
		assert.Equal(t, match.StateExpired, got.State)

		// The user is not wedged.
		_, err = f.engine.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
		assert.NoError(t, err)
	})
}

// lateStore hides waiting rooms from the first candidate scan, as happens
// when another seeker creates its room at the same moment.
type lateStore struct {
	*mem.InMemory

	mu      sync.Mutex
	hidden  int
	created []string
}

func (s *lateStore) ListRooms(ctx context.Context, pred store.Predicate) ([]store.Room, error) {
	s.mu.Lock()
	hide := s.hidden > 0
	if hide {
		s.hidden--
	}
	s.mu.Unlock()
	if hide {
		return nil, nil
	}
	return s.InMemory.ListRooms(ctx, pred)
}

func (s *lateStore) CreateRoom(ctx context.Context, topic string, f store.Filters, role store.Role, creator string) (store.Room, error) {
	r, err := s.InMemory.CreateRoom(ctx, topic, f, role, creator)
	if err == nil {
		s.mu.Lock()
		s.created = append(s.created, r.ID)
		s.mu.Unlock()
	}
	return r, err
}

func TestNewerRoomFoldsIntoOlder(t *testing.T) {
	ctx := context.Background()
	st := &lateStore{InMemory: mem.New(mem.Config{IdleTimeout: time.Minute})}
	t.Cleanup(func() { st.Close() })

	sig := &signaler{}
	e := match.New(match.Config{IdleTimeout: time.Minute}, st, validator{}, sig, &sink{}, zerolog.Nop())

	b, err := e.Submit(ctx, "bob", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)
	require.Equal(t, match.StateSeeking, b.State)

	st.mu.Lock()
	st.hidden = 1
	st.mu.Unlock()

	a, err := e.Submit(ctx, "alice", "technology", store.Filters{}, store.RoleParticipant)
	require.NoError(t, err)
	assert.Equal(t, match.StateMatched, a.State)
	assert.Equal(t, b.RoomID, a.RoomID)

	st.mu.Lock()
	created := append([]string(nil), st.created...)
	st.mu.Unlock()
	require.Len(t, created, 2)

	own, err := st.GetRoom(ctx, created[1])
	require.NoError(t, err)
	assert.Equal(t, "alice", own.CreatedBy)
	assert.Equal(t, store.StatusClosed, own.Status)
	assert.Equal(t, store.ReasonCancelled, own.CloseReason)

	older, err := st.GetRoom(ctx, b.RoomID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, older.Status)
}
