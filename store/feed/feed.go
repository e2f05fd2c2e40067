// Package feed implements the ordered room change feed shared by the store
// backends. Publishing never blocks: every subscriber owns an unbounded
// queue that a dedicated goroutine drains into its channel.
package feed

import (
	"context"
	"sync"

	"github.com/knadh/parley/store"
)

// Feed fans room events out to subscribers.
type Feed struct {
	mu       sync.Mutex
	seq      uint64
	versions map[string]uint64
	subs     map[*sub]struct{}
	done     chan struct{}
	closed   bool
}

// sub is a single subscriber.
type sub struct {
	pred store.Predicate

	// Per room: last delivered version and whether that state matched pred.
	// Guarded by Feed.mu.
	state map[string]subState

	mu    sync.Mutex
	queue []store.Event
	wake  chan struct{}
	out   chan store.Event
}

type subState struct {
	version uint64
	matched bool
}

// New returns a new Feed.
func New() *Feed {
	return &Feed{
		versions: make(map[string]uint64),
		subs:     make(map[*sub]struct{}),
		done:     make(chan struct{}),
	}
}

// Publish queues a committed room state to all subscribers and returns the
// assigned sequence number. States older than or equal to the last published
// version of the same room are dropped (0 is returned).
func (f *Feed) Publish(r store.Room) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || r.Version <= f.versions[r.ID] {
		return 0
	}
	f.versions[r.ID] = r.Version
	f.seq++

	ev := store.Event{Seq: f.seq, Type: store.EventTypeOf(r), Room: r}
	for s := range f.subs {
		s.offer(ev)
	}
	return f.seq
}

// Subscribe registers a subscriber. snapshot is invoked under the feed lock
// so that nothing published concurrently is lost between the replay of the
// current state and the live stream. The returned channel is closed when
// ctx is cancelled or the feed is closed.
func (f *Feed) Subscribe(ctx context.Context, pred store.Predicate, snapshot func() ([]store.Room, error)) (<-chan store.Event, error) {
	if pred == nil {
		pred = store.All
	}
	s := &sub{
		pred:  pred,
		state: make(map[string]subState),
		wake:  make(chan struct{}, 1),
		out:   make(chan store.Event),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(s.out)
		return s.out, nil
	}

	var rooms []store.Room
	if snapshot != nil {
		var err error
		if rooms, err = snapshot(); err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}
	store.SortRooms(rooms)
	for _, r := range rooms {
		s.offer(store.Event{Seq: f.seq, Type: store.EventTypeOf(r), Room: r})
	}
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	go s.run(ctx, f.done, func() {
		f.mu.Lock()
		delete(f.subs, s)
		f.mu.Unlock()
	})
	return s.out, nil
}

// Forget drops the version bookkeeping of a pruned room. A pruned room is
// closed, so nothing newer can follow.
func (f *Feed) Forget(id string) {
	f.mu.Lock()
	delete(f.versions, id)
	for s := range f.subs {
		delete(s.state, id)
	}
	f.mu.Unlock()
}

// Close stops all subscribers.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
}

// offer queues ev if it is newer than what the subscriber has seen and
// either the new state matches the predicate or the previous one did.
// Called with Feed.mu held.
func (s *sub) offer(ev store.Event) {
	st := s.state[ev.Room.ID]
	if ev.Room.Version <= st.version {
		return
	}

	match := s.pred(ev.Room)
	if !match && !st.matched {
		return
	}

	s.state[ev.Room.ID] = subState{version: ev.Room.Version, matched: match}

	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run drains the queue into the subscriber's channel.
func (s *sub) run(ctx context.Context, done <-chan struct{}, remove func()) {
	defer close(s.out)
	defer remove()

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-s.wake:
			}
			continue
		}

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}
}
