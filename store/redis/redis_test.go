package redis_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	redigo "github.com/gomodule/redigo/redis"
	"github.com/knadh/parley/store"
	"github.com/knadh/parley/store/redis"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStore connects to the Redis at PARLEY_TEST_REDIS with keys unique to
// the test.
func newStore(t *testing.T) *redis.Redis {
	t.Helper()
	s, _ := newStoreNS(t)
	return s
}

// newStoreNS also returns the key namespace of the store.
func newStoreNS(t *testing.T) (*redis.Redis, string) {
	t.Helper()
	ns := "parley-test:" + ulid.Make().String()
	return openNS(t, ns), ns
}

// openNS opens a store on the keys of namespace ns, as another instance
// sharing them would.
func openNS(t *testing.T, ns string) *redis.Redis {
	t.Helper()

	addr := os.Getenv("PARLEY_TEST_REDIS")
	if addr == "" {
		t.Skip("PARLEY_TEST_REDIS is not set")
	}

	s, err := redis.New(redis.Config{
		Address:     addr,
		ActiveConns: 32,
		IdleConns:   8,
		Timeout:     3 * time.Second,
		PrefixRoom:  ns + ":room:%s",
		PrefixOwner: ns + ":owner:%s",
		KeyOpen:     ns + ":open",
		KeyClosed:   ns + ":closed",
		Channel:     ns + ":events",
		IdleTimeout: time.Minute,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dial(t *testing.T) redigo.Conn {
	t.Helper()
	c, err := redigo.Dial("tcp", os.Getenv("PARLEY_TEST_REDIS"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCreateAndJoin(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	r, err := s.CreateRoom(ctx, "technology", store.Filters{}, store.RoleParticipant, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaiting, r.Status)

	_, err = s.CreateRoom(ctx, "science", store.Filters{}, store.RoleParticipant, "alice")
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.TryJoin(ctx, r.ID, "alice", store.RoleParticipant)
	var jr *store.JoinRejected
	require.True(t, errors.As(err, &jr))
	assert.Equal(t, store.SelfJoin, jr.Reason)

	r, err = s.TryJoin(ctx, r.ID, "bob", store.RoleParticipant)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, r.Status)
	assert.Equal(t, uint64(2), r.Version)

	r, err = s.Leave(ctx, r.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, r.Status)

	// The closed room no longer blocks its creator.
	_, err = s.CreateRoom(ctx, "science", store.Filters{}, store.RoleParticipant, "alice")
	assert.NoError(t, err)
}

func TestJoinRace(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	r, err := s.CreateRoom(ctx, "technology", store.Filters{}, store.RoleParticipant, "alice")
	require.NoError(t, err)

	const n = 12
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.TryJoin(ctx, r.ID, fmt.Sprintf("user-%d", i), store.RoleParticipant)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, store.ErrJoinRejected)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	got, err := s.GetRoom(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Participants())
}

func TestListPruneAndFeed(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.Subscribe(ctx, store.IsOpen)
	require.NoError(t, err)

	r, err := s.CreateRoom(ctx, "technology", store.Filters{}, store.RoleParticipant, "alice")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, r.ID, ev.Room.ID)
		assert.Equal(t, store.EventCreate, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no create event")
	}

	require.NoError(t, s.CancelRoom(ctx, r.ID))
	select {
	case ev := <-events:
		assert.Equal(t, store.EventClose, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no close event")
	}

	open, err := s.ListRooms(ctx, store.IsOpen)
	require.NoError(t, err)
	assert.Empty(t, open)

	n, err := s.Prune(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetRoom(ctx, r.ID)
	assert.ErrorIs(t, err, store.ErrRoomNotFound)
}

func TestCloseIfIdle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	r, err := s.CreateRoom(ctx, "technology", store.Filters{}, store.RoleParticipant, "alice")
	require.NoError(t, err)

	ok, err := s.CloseIfIdle(ctx, r.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CloseIfIdle(ctx, r.ID, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetRoom(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReasonIdle, got.CloseReason)
}

func TestSeats(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a, err := s.CreateRoom(ctx, "technology", store.Filters{}, store.RoleParticipant, "alice")
	require.NoError(t, err)
	_, err = s.TryJoin(ctx, a.ID, "bob", store.RoleParticipant)
	require.NoError(t, err)
	c, err := s.CreateRoom(ctx, "technology", store.Filters{}, store.RoleParticipant, "carol")
	require.NoError(t, err)

	_, err = s.TryJoin(ctx, c.ID, "bob", store.RoleParticipant)
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = s.CreateRoom(ctx, "science", store.Filters{}, store.RoleParticipant, "bob")
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.TryJoin(ctx, a.ID, "carol", store.RoleObserver)
	require.NoError(t, err, "observers hold no seat")

	_, err = s.Leave(ctx, a.ID, "bob")
	require.NoError(t, err)
	_, err = s.TryJoin(ctx, c.ID, "bob", store.RoleParticipant)
	require.NoError(t, err)
}

func TestPruneClearsOwnerKeys(t *testing.T) {
	s, ns := newStoreNS(t)
	ctx := context.Background()

	a, err := s.CreateRoom(ctx, "technology", store.Filters{}, store.RoleParticipant, "alice")
	require.NoError(t, err)
	_, err = s.TryJoin(ctx, a.ID, "bob", store.RoleParticipant)
	require.NoError(t, err)
	_, err = s.Leave(ctx, a.ID, "bob")
	require.NoError(t, err)

	// alice has moved on to a new room by the time the old one is pruned.
	b, err := s.CreateRoom(ctx, "science", store.Filters{}, store.RoleParticipant, "alice")
	require.NoError(t, err)

	n, err := s.Prune(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c := dial(t)
	ok, err := redigo.Bool(c.Do("EXISTS", ns+":owner:bob"))
	require.NoError(t, err)
	assert.False(t, ok)

	owner, err := redigo.String(c.Do("GET", ns+":owner:alice"))
	require.NoError(t, err)
	assert.Equal(t, b.ID, owner)
}

func TestListSkipsClosed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a, err := s.CreateRoom(ctx, "technology", store.Filters{}, store.RoleParticipant, "alice")
	require.NoError(t, err)
	_, err = s.CreateRoom(ctx, "technology", store.Filters{}, store.RoleParticipant, "bob")
	require.NoError(t, err)
	require.NoError(t, s.CancelRoom(ctx, a.ID))

	all, err := s.ListRooms(ctx, store.All)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotEqual(t, a.ID, all[0].ID)
}

func TestResubscribe(t *testing.T) {
	s, ns := newStoreNS(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.Subscribe(ctx, store.IsOpen)
	require.NoError(t, err)

	// Drop every subscriber connection on the server.
	_, err = dial(t).Do("CLIENT", "KILL", "TYPE", "pubsub")
	require.NoError(t, err)

	// A second instance on the same keys commits a room. The first one
	// sees it once its subscription is back, live or through the resync.
	other := openNS(t, ns)
	r, err := other.CreateRoom(ctx, "technology", store.Filters{}, store.RoleParticipant, "alice")
	require.NoError(t, err)

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Room.ID == r.ID {
				return
			}
		case <-deadline:
			t.Fatal("room event never arrived after the subscription dropped")
		}
	}
}
