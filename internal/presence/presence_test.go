package presence_test

import (
	"testing"
	"time"

	"github.com/knadh/parley/internal/presence"
	"github.com/knadh/parley/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0     = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	topics = []string{"technology", "science", "politics"}
)

// stream builds a realistic event sequence: alice opens a technology room,
// bob joins it, an observer watches, dave opens a science room, and the
// technology room later closes.
func stream(t *testing.T) []store.Event {
	t.Helper()

	var (
		out []store.Event
		seq uint64
	)
	emit := func(r store.Room) store.Room {
		seq++
		out = append(out, store.Event{Seq: seq, Type: store.EventTypeOf(r), Room: r})
		return r
	}
	step := func(r store.Room, err error) store.Room {
		require.NoError(t, err)
		r.Version++
		return emit(r)
	}

	tech := emit(store.NewRoom("r1", "technology", store.Filters{}, "alice", t0))
	tech = step(store.ApplyJoin(tech, "bob", store.RoleParticipant, t0))
	tech = step(store.ApplyJoin(tech, "olive", store.RoleObserver, t0))
	emit(store.NewRoom("r2", "science", store.Filters{}, "dave", t0))
	step(store.ApplyLeave(tech, "bob", t0))
	return out
}

func TestSnapshotCounts(t *testing.T) {
	a := presence.New(topics)

	a.Apply(store.Event{Seq: 1, Room: store.NewRoom("r1", "technology", store.Filters{}, "alice", t0)})

	t.Run("all topics present", func(t *testing.T) {
		s := a.Snapshot("carol")
		assert.Len(t, s.Counts, 3)
		assert.Equal(t, 0, s.Counts["politics"])
	})

	t.Run("own room excluded", func(t *testing.T) {
		assert.Equal(t, 0, a.Snapshot("alice").Counts["technology"])
	})

	t.Run("visible to others", func(t *testing.T) {
		assert.Equal(t, 1, a.Snapshot("carol").Counts["technology"])
	})
}

func TestActiveRoomStillCounted(t *testing.T) {
	a := presence.New(topics)

	r := store.NewRoom("r1", "technology", store.Filters{}, "alice", t0)
	a.Apply(store.Event{Seq: 1, Room: r})

	r, err := store.ApplyJoin(r, "bob", store.RoleParticipant, t0)
	require.NoError(t, err)
	r.Version = 2
	a.Apply(store.Event{Seq: 2, Room: r})

	r, err = store.ApplyJoin(r, "olive", store.RoleObserver, t0)
	require.NoError(t, err)
	r.Version = 3
	a.Apply(store.Event{Seq: 3, Room: r})

	assert.Equal(t, 2, a.Snapshot("carol").Counts["technology"], "observers are not counted")
	assert.Equal(t, 0, a.Snapshot("alice").Counts["technology"])
}

func TestClosedRoomsDropOut(t *testing.T) {
	a := presence.New(topics)
	for _, ev := range stream(t) {
		a.Apply(ev)
	}

	s := a.Snapshot("carol")
	assert.Equal(t, 0, s.Counts["technology"])
	assert.Equal(t, 1, s.Counts["science"])
	assert.Equal(t, uint64(5), s.Seq)
}

func TestReplayIsIdempotent(t *testing.T) {
	events := stream(t)

	a := presence.New(topics)
	b := presence.New(topics)
	for _, ev := range events {
		a.Apply(ev)
		b.Apply(ev)
	}
	for _, obs := range []string{"alice", "bob", "carol", "dave"} {
		assert.Equal(t, a.Snapshot(obs), b.Snapshot(obs), obs)
	}

	// Replaying the whole stream again into the same aggregator changes nothing.
	before := a.Snapshot("carol")
	for _, ev := range events {
		assert.False(t, a.Apply(ev))
	}
	assert.Equal(t, before, a.Snapshot("carol"))

	// Every prefix agrees between fresh aggregators too.
	for i := range events {
		x, y := presence.New(topics), presence.New(topics)
		for _, ev := range events[:i+1] {
			x.Apply(ev)
			y.Apply(ev)
			y.Apply(ev)
		}
		assert.Equal(t, x.Snapshot("carol"), y.Snapshot("carol"))
	}
}

func TestCompact(t *testing.T) {
	a := presence.New(topics)
	for _, ev := range stream(t) {
		a.Apply(ev)
	}
	assert.Equal(t, 1, a.Compact())
	assert.Equal(t, 1, a.Snapshot("carol").Counts["science"])
}
