// Package presence derives per-topic counts of available peers from the
// room change feed. Counts are a fold over room states, recomputed per
// observer and never kept as shared counters.
package presence

import (
	"sync"

	"github.com/knadh/parley/store"
)

// Snapshot is a full replacement of the per-topic counts seen by one
// observer.
type Snapshot struct {
	Counts map[string]int `json:"counts"`
	Seq    uint64         `json:"seq"`
}

// Aggregator holds the latest state of every room it has seen.
type Aggregator struct {
	topics []string

	mu    sync.RWMutex
	rooms map[string]store.Room
	seq   uint64
}

// New returns an Aggregator counting the given catalog topics.
func New(topics []string) *Aggregator {
	return &Aggregator{
		topics: topics,
		rooms:  make(map[string]store.Room),
	}
}

// Apply folds an event into the aggregate and reports whether it changed
// anything. Events that are not newer than the held state of their room are
// ignored, so replays and duplicates are harmless.
func (a *Aggregator) Apply(ev store.Event) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.Seq > a.seq {
		a.seq = ev.Seq
	}
	if cur, ok := a.rooms[ev.Room.ID]; ok && ev.Room.Version <= cur.Version {
		return false
	}

	// Closed rooms stay as version tombstones without occupants.
	r := ev.Room
	if !r.Open() {
		r = store.Room{ID: r.ID, Status: r.Status, Version: r.Version}
	}
	a.rooms[r.ID] = r
	return true
}

// Compact drops closed-room tombstones and returns how many went. Only safe
// on a live, ordered feed where a closed room never reappears.
func (a *Aggregator) Compact() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for id, r := range a.rooms {
		if !r.Open() {
			delete(a.rooms, id)
			n++
		}
	}
	return n
}

// Snapshot returns the counts as seen by observer. Every catalog topic is
// present. A topic's count is the number of participant-role occupants in
// its open rooms, skipping rooms the observer created.
func (a *Aggregator) Snapshot(observer string) Snapshot {
	out := Snapshot{Counts: make(map[string]int, len(a.topics))}
	for _, t := range a.topics {
		out.Counts[t] = 0
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	out.Seq = a.seq
	for _, r := range a.rooms {
		if !r.Open() || r.CreatedBy == observer {
			continue
		}
		if _, ok := out.Counts[r.Topic]; !ok {
			continue
		}
		out.Counts[r.Topic] += r.Participants()
	}
	return out
}
