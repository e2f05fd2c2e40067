// Package notify fans presence snapshots and match results out to
// connected clients.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/knadh/parley/internal/match"
	"github.com/knadh/parley/internal/presence"
	"github.com/knadh/parley/store"
	"github.com/rs/zerolog"
)

// ErrDelivered is returned when subscribing to a result that has already
// been handed out.
var ErrDelivered = errors.New("result already delivered")

// Presence feeds the store's change feed into an aggregator and pushes a
// full snapshot to every subscriber after each change.
type Presence struct {
	store store.Store
	agg   *presence.Aggregator
	log   zerolog.Logger

	mu   sync.Mutex
	subs map[*presenceSub]struct{}
}

type presenceSub struct {
	observer string
	ch       chan presence.Snapshot
}

// NewPresence returns a new Presence fan-out for the given topics.
func NewPresence(s store.Store, topics []string, l zerolog.Logger) *Presence {
	return &Presence{
		store: s,
		agg:   presence.New(topics),
		log:   l,
		subs:  make(map[*presenceSub]struct{}),
	}
}

// Run consumes the feed until ctx is cancelled.
func (p *Presence) Run(ctx context.Context) error {
	events, err := p.store.Subscribe(ctx, store.IsOpen)
	if err != nil {
		return err
	}

	t := time.NewTicker(10 * time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if p.agg.Apply(ev) {
				p.broadcast()
			}

		case <-t.C:
			if n := p.agg.Compact(); n > 0 {
				p.log.Debug().Int("rooms", n).Msg("compacted presence tombstones")
			}
		}
	}
}

// Subscribe registers an observer. The current snapshot is delivered right
// away. A slow reader skips intermediate snapshots and always gets the
// latest one. The channel is closed when ctx is cancelled.
func (p *Presence) Subscribe(ctx context.Context, observer string) <-chan presence.Snapshot {
	s := &presenceSub{observer: observer, ch: make(chan presence.Snapshot, 1)}

	p.mu.Lock()
	p.subs[s] = struct{}{}
	push(s.ch, p.agg.Snapshot(observer))
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subs, s)
		close(s.ch)
		p.mu.Unlock()
	}()
	return s.ch
}

// Snapshot returns the current counts as seen by observer.
func (p *Presence) Snapshot(observer string) presence.Snapshot {
	return p.agg.Snapshot(observer)
}

// Subscribers returns the number of connected presence subscribers.
func (p *Presence) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Presence) broadcast() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.subs {
		push(s.ch, p.agg.Snapshot(s.observer))
	}
}

// push replaces whatever is pending in a single-slot channel. The only
// writer is the holder of Presence.mu.
func push(ch chan presence.Snapshot, s presence.Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Results delivers each request's terminal transition at most once.
type Results struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	res       *match.Result
	waiter    chan match.Result
	delivered bool
	at        time.Time
}

// NewResults returns a Results store keeping undelivered results for ttl.
func NewResults(ttl time.Duration) *Results {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Results{ttl: ttl, entries: make(map[string]*entry)}
}

// Publish records a terminal result. Results after the first one for a
// request are ignored.
func (r *Results) Publish(res match.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[res.RequestID]
	if !ok {
		e = &entry{}
		r.entries[res.RequestID] = e
	}
	if e.res != nil {
		return
	}
	e.res = &res
	e.at = time.Now()
	if e.waiter != nil {
		r.deliver(e)
	}
}

// Subscribe returns a channel that yields the request's terminal result
// once and is then closed. Only one subscriber is served per request.
// Cancelling ctx before the result arrives closes the channel empty and
// frees the slot.
func (r *Results) Subscribe(ctx context.Context, requestID string) (<-chan match.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[requestID]
	if !ok {
		e = &entry{at: time.Now()}
		r.entries[requestID] = e
	}
	if e.delivered {
		return nil, ErrDelivered
	}
	if e.waiter != nil {
		return nil, ErrDelivered
	}

	ch := make(chan match.Result, 1)
	e.waiter = ch
	if e.res != nil {
		r.deliver(e)
		return ch, nil
	}

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		if e.waiter == ch {
			e.waiter = nil
			close(ch)
		}
	}()
	return ch, nil
}

// Sweep drops entries older than the ttl.
func (r *Results) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.entries {
		if e.waiter == nil && now.Sub(e.at) > r.ttl {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Run sweeps expired results until ctx is cancelled.
func (r *Results) Run(ctx context.Context) error {
	t := time.NewTicker(r.ttl)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			r.Sweep(now)
		}
	}
}

// deliver hands the result to the waiter. Called with r.mu held.
func (r *Results) deliver(e *entry) {
	e.waiter <- *e.res
	close(e.waiter)
	e.waiter = nil
	e.delivered = true
	e.at = time.Now()
}
