// Package match pairs match requests with rooms. A participant request
// first tries to join the oldest compatible waiting room and otherwise
// creates one and waits on the store's change feed for a partner. Observer
// requests attach to active rooms without affecting pairing.
package match

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/parley/store"
	"github.com/rs/zerolog"
)

// State of a match request.
type State string

// Request states. Everything but seeking is terminal.
const (
	StateSeeking   State = "seeking"
	StateMatched   State = "matched"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// Request is a user's pending or resolved match request.
type Request struct {
	ID        string        `json:"id"`
	UserID    string        `json:"-"`
	Topic     string        `json:"topic"`
	Filters   store.Filters `json:"filters"`
	Role      store.Role    `json:"role"`
	State     State         `json:"state"`
	RoomID    string        `json:"room_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Result is the terminal transition of a request.
type Result struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"-"`
	State     State     `json:"state"`
	RoomID    string    `json:"room_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Signaler opens the signaling channel of a matched room. Opening an
// already open room must succeed.
type Signaler interface {
	Open(ctx context.Context, room store.Room) error
}

// Validator checks a request against the catalog.
type Validator interface {
	Validate(topic string, f store.Filters, role store.Role) error
}

// ResultSink receives terminal transitions.
type ResultSink interface {
	Publish(Result)
}

// Config represents the matching configuration.
type Config struct {
	IdleTimeout   time.Duration `koanf:"idle_timeout"`
	ActiveTimeout time.Duration `koanf:"active_timeout"`
	ReapInterval  time.Duration `koanf:"reap_interval"`
	Retention     time.Duration `koanf:"retention"`
}

var (
	// ErrInvalid wraps catalog validation failures.
	ErrInvalid = errors.New("invalid match request")

	// ErrConflict is returned when the user already has a seeking request
	// or already owns an open room.
	ErrConflict = errors.New("a match request is already in progress")

	// ErrNotFound is returned for unknown or foreign requests.
	ErrNotFound = errors.New("match request not found")

	// ErrAlreadyMatched is returned when cancelling a request whose room a
	// partner has already joined.
	ErrAlreadyMatched = errors.New("match request is already matched")

	// ErrExpired is the cause attached to requests that found no partner
	// within the idle window.
	ErrExpired = errors.New("no partner found, try again")

	// ErrTransportUnavailable is returned when the signaling channel could
	// not be opened. The match is rolled back.
	ErrTransportUnavailable = errors.New("signaling transport unavailable")
)

// Engine runs the matching state machine.
type Engine struct {
	cfg   Config
	store store.Store
	cat   Validator
	sig   Signaler
	sink  ResultSink
	log   zerolog.Logger
	now   func() time.Time

	// Request bookkeeping. Never held across store or signaler calls.
	mu     sync.Mutex
	reqs   map[string]*Request
	byUser map[string]string
	byRoom map[string]string
	done   map[string]Request
}

// New returns a new Engine.
func New(cfg Config, s store.Store, cat Validator, sig Signaler, sink ResultSink, l zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  s,
		cat:    cat,
		sig:    sig,
		sink:   sink,
		log:    l,
		now:    time.Now,
		reqs:   make(map[string]*Request),
		byUser: make(map[string]string),
		byRoom: make(map[string]string),
		done:   make(map[string]Request),
	}
}

// Submit starts a match request for userID. The returned request is either
// matched already or seeking. A transport failure returns the cancelled
// request along with ErrTransportUnavailable.
func (e *Engine) Submit(ctx context.Context, userID, topic string, f store.Filters, role store.Role) (Request, error) {
	f = f.Normalize()
	if err := e.cat.Validate(topic, f, role); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	now := e.now()
	req := &Request{
		ID:        uuid.NewString(),
		UserID:    userID,
		Topic:     topic,
		Filters:   f,
		Role:      role,
		State:     StateSeeking,
		CreatedAt: now,
		UpdatedAt: now,
	}

	e.mu.Lock()
	if _, ok := e.byUser[userID]; ok {
		e.mu.Unlock()
		return Request{}, ErrConflict
	}
	e.reqs[req.ID] = req
	e.byUser[userID] = req.ID
	e.mu.Unlock()

	var err error
	if role == store.RoleObserver {
		err = e.seekObserver(ctx, req)
	} else {
		err = e.seekParticipant(ctx, req)
	}

	if err != nil && !errors.Is(err, ErrTransportUnavailable) {
		e.discard(req)
		if errors.Is(err, store.ErrConflict) {
			return Request{}, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return Request{}, err
	}
	return e.snapshot(req), err
}

// seekParticipant walks the compatible waiting rooms oldest first and joins
// the first one it wins. A lost race moves on to the next candidate. With
// no candidate left, it creates a room and anchors the request to it.
//
// Two seekers that found nothing at the same time each create a room. The
// one holding the newer room sees the older one on a re-scan, gives its
// own room up and seeks again, so compatible seekers never wait apart.
func (e *Engine) seekParticipant(ctx context.Context, req *Request) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		joined, err := e.joinWaiting(ctx, req)
		if joined || err != nil {
			return err
		}

		room, err := e.store.CreateRoom(ctx, req.Topic, req.Filters, store.RoleParticipant, req.UserID)
		if err != nil {
			return err
		}
		e.log.Debug().Str("request", req.ID).Str("room", room.ID).Msg("created waiting room")

		e.mu.Lock()
		if req.State != StateSeeking {
			e.mu.Unlock()
			_ = e.store.CancelRoom(ctx, room.ID)
			return nil
		}
		req.RoomID = room.ID
		req.UpdatedAt = e.now()
		e.byRoom[room.ID] = req.ID
		e.mu.Unlock()

		older, err := e.store.ListRooms(ctx, e.olderThan(req, room))
		if err == nil && len(older) > 0 && e.release(ctx, req, room.ID) {
			e.log.Debug().Str("request", req.ID).Str("room", room.ID).Str("older", older[0].ID).Msg("folding into older waiting room")
			continue
		}

		// A partner may have joined before the anchor was in place, in which
		// case the feed event has already been handled without it.
		cur, err := e.store.GetRoom(ctx, room.ID)
		if err != nil {
			return nil
		}
		e.onRoom(ctx, cur)
		return nil
	}
}

// joinWaiting tries the compatible waiting rooms in candidate order and
// reports whether one was joined.
func (e *Engine) joinWaiting(ctx context.Context, req *Request) (bool, error) {
	cands, err := e.store.ListRooms(ctx, e.waitingFor(req))
	if err != nil {
		return false, err
	}
	sortCandidates(cands)

	for _, c := range cands {
		room, err := e.store.TryJoin(ctx, c.ID, req.UserID, store.RoleParticipant)
		switch {
		case err == nil:
			e.log.Debug().Str("request", req.ID).Str("room", room.ID).Msg("joined waiting room")
			return true, e.open(ctx, req, room, true)
		case errors.Is(err, store.ErrJoinRejected), errors.Is(err, store.ErrRoomNotFound):
			continue
		default:
			return false, err
		}
	}
	return false, nil
}

// release unanchors req and cancels its waiting room. It reports false,
// leaving the anchor in place, if a partner joined the room first. A
// request cancelled meanwhile gives up a room that went active.
func (e *Engine) release(ctx context.Context, req *Request, roomID string) bool {
	e.mu.Lock()
	if req.State != StateSeeking || req.RoomID != roomID {
		e.mu.Unlock()
		return false
	}
	delete(e.byRoom, roomID)
	req.RoomID = ""
	e.mu.Unlock()

	err := e.store.CancelRoom(ctx, roomID)
	if err == nil || errors.Is(err, store.ErrRoomNotFound) {
		return true
	}

	e.mu.Lock()
	seeking := req.State == StateSeeking
	if seeking {
		req.RoomID = roomID
		e.byRoom[roomID] = req.ID
	}
	e.mu.Unlock()

	if !seeking {
		_, _ = e.store.Leave(ctx, roomID, req.UserID)
	}
	return false
}

// seekObserver attaches to the oldest compatible active room, or leaves the
// request seeking until one shows up on the feed.
func (e *Engine) seekObserver(ctx context.Context, req *Request) error {
	cands, err := e.store.ListRooms(ctx, e.activeFor(req))
	if err != nil {
		return err
	}
	for _, c := range cands {
		if e.tryObserve(ctx, req, c) {
			return nil
		}
	}
	return nil
}

// tryObserve joins req to room as an observer.
func (e *Engine) tryObserve(ctx context.Context, req *Request, c store.Room) bool {
	room, err := e.store.TryJoin(ctx, c.ID, req.UserID, store.RoleObserver)
	if err != nil {
		if !errors.Is(err, store.ErrJoinRejected) && !errors.Is(err, store.ErrRoomNotFound) {
			e.log.Error().Err(err).Str("request", req.ID).Str("room", c.ID).Msg("error joining as observer")
		}
		return false
	}
	if !e.finish(req, StateMatched, room.ID, nil) {
		// Cancelled meanwhile.
		_, _ = e.store.Leave(ctx, room.ID, req.UserID)
	}
	return true
}

// open hands a freshly active room to the signaler and marks the request
// matched. On failure the room is closed and the request cancelled.
// joined is set when req is the joining side and its room is not anchored.
func (e *Engine) open(ctx context.Context, req *Request, room store.Room, joined bool) error {
	if err := e.sig.Open(ctx, room); err != nil {
		e.log.Error().Err(err).Str("request", req.ID).Str("room", room.ID).Msg("error opening signaling, rolling back")
		if err := e.store.CloseRoom(ctx, room.ID, store.ReasonTransport); err != nil && !errors.Is(err, store.ErrRoomNotFound) {
			e.log.Error().Err(err).Str("room", room.ID).Msg("error closing room on rollback")
		}
		cause := fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		e.finish(req, StateCancelled, room.ID, cause)
		return cause
	}

	if !e.finish(req, StateMatched, room.ID, nil) && joined {
		// The request was cancelled while the join was in flight.
		_, _ = e.store.Leave(ctx, room.ID, req.UserID)
	}
	return nil
}

// Cancel cancels a seeking request owned by userID. An anchored request
// closes its waiting room. If a partner joined first, ErrAlreadyMatched is
// returned and the request resolves as matched.
func (e *Engine) Cancel(ctx context.Context, userID, id string) error {
	e.mu.Lock()
	req, ok := e.reqs[id]
	if !ok || req.UserID != userID {
		d, done := e.done[id]
		e.mu.Unlock()
		if done && d.UserID == userID && d.State == StateMatched {
			return ErrAlreadyMatched
		}
		return ErrNotFound
	}
	roomID := req.RoomID
	e.mu.Unlock()

	if roomID == "" {
		e.finish(req, StateCancelled, "", nil)
		return nil
	}

	switch err := e.store.CancelRoom(ctx, roomID); {
	case err == nil, errors.Is(err, store.ErrRoomNotFound):
		e.finish(req, StateCancelled, roomID, nil)
		return nil
	case errors.Is(err, store.ErrNotWaiting):
		return ErrAlreadyMatched
	default:
		return err
	}
}

// Leave takes userID out of a room. A participant leaving closes it.
func (e *Engine) Leave(ctx context.Context, userID, roomID string) error {
	_, err := e.store.Leave(ctx, roomID, userID)
	return err
}

// Get returns a request owned by userID, seeking or recently resolved.
func (e *Engine) Get(userID, id string) (Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.reqs[id]; ok && r.UserID == userID {
		return *r, nil
	}
	if r, ok := e.done[id]; ok && r.UserID == userID {
		return r, nil
	}
	return Request{}, ErrNotFound
}

// Seeking returns the number of seeking requests.
func (e *Engine) Seeking() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reqs)
}

// Run consumes the store's change feed and runs the reaper until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	events, err := e.store.Subscribe(ctx, store.IsOpen)
	if err != nil {
		return err
	}

	interval := e.cfg.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.onRoom(ctx, ev.Room)

		case <-t.C:
			e.Reap(ctx, e.now())
		}
	}
}

// onRoom reacts to a room state: an anchored room turning active matches its
// request, an anchored room closing resolves it as expired or cancelled,
// and any active room is offered to seeking observers.
func (e *Engine) onRoom(ctx context.Context, room store.Room) {
	e.mu.Lock()
	var req *Request
	if id, ok := e.byRoom[room.ID]; ok {
		req = e.reqs[id]
	}
	e.mu.Unlock()

	if req != nil {
		switch room.Status {
		case store.StatusActive:
			_ = e.open(ctx, req, room, false)
		case store.StatusClosed:
			if room.CloseReason == store.ReasonIdle {
				e.finish(req, StateExpired, room.ID, ErrExpired)
			} else {
				e.finish(req, StateCancelled, room.ID, nil)
			}
		}
	}

	if room.Status == store.StatusActive {
		for _, o := range e.observersFor(room) {
			e.tryObserve(ctx, o, room)
		}
	}
}

// Reap closes idle rooms, expires observers that found nothing, and prunes
// closed rooms past retention.
func (e *Engine) Reap(ctx context.Context, now time.Time) {
	rooms, err := e.store.ListRooms(ctx, store.IsOpen)
	if err != nil {
		e.log.Error().Err(err).Msg("error listing rooms to reap")
		return
	}

	closed := 0
	for _, r := range rooms {
		ok, err := e.store.CloseIfIdle(ctx, r.ID, now)
		if err != nil && !errors.Is(err, store.ErrRoomNotFound) {
			e.log.Error().Err(err).Str("room", r.ID).Msg("error closing idle room")
			continue
		}
		if ok {
			closed++
		}
	}

	// Unanchored requests have no room to time out with. Anchored ones are
	// checked against their room in case a feed event was missed.
	var (
		stale    []*Request
		anchored = map[string]*Request{}
	)
	e.mu.Lock()
	for _, r := range e.reqs {
		switch {
		case r.RoomID != "":
			anchored[r.RoomID] = r
		case e.cfg.IdleTimeout > 0 && now.Sub(r.CreatedAt) > e.cfg.IdleTimeout:
			stale = append(stale, r)
		}
	}
	for id, r := range e.done {
		if now.Sub(r.UpdatedAt) > e.retention() {
			delete(e.done, id)
		}
	}
	e.mu.Unlock()

	for _, r := range stale {
		e.finish(r, StateExpired, "", ErrExpired)
	}

	for roomID, r := range anchored {
		room, err := e.store.GetRoom(ctx, roomID)
		switch {
		case errors.Is(err, store.ErrRoomNotFound):
			// Closed and pruned while the request never heard of it.
			e.mu.Lock()
			still := r.RoomID == roomID
			e.mu.Unlock()
			if still {
				e.finish(r, StateExpired, roomID, ErrExpired)
			}
		case err != nil:
			e.log.Error().Err(err).Str("room", roomID).Msg("error reconciling anchored request")
		case room.Status != store.StatusWaiting:
			e.onRoom(ctx, room)
		}
	}

	pruned := 0
	if e.cfg.Retention > 0 {
		if pruned, err = e.store.Prune(ctx, now.Add(-e.cfg.Retention)); err != nil {
			e.log.Error().Err(err).Msg("error pruning rooms")
		}
	}

	if closed > 0 || len(stale) > 0 || pruned > 0 {
		e.log.Info().Int("closed", closed).Int("expired", len(stale)).Int("pruned", pruned).Msg("reaped")
	}
}

// finish moves a seeking request to a terminal state. It reports false if
// the request had already left seeking.
func (e *Engine) finish(req *Request, st State, roomID string, cause error) bool {
	e.mu.Lock()
	if req.State != StateSeeking {
		e.mu.Unlock()
		return false
	}
	if req.RoomID != "" && e.byRoom[req.RoomID] == req.ID {
		delete(e.byRoom, req.RoomID)
	}
	delete(e.reqs, req.ID)
	if e.byUser[req.UserID] == req.ID {
		delete(e.byUser, req.UserID)
	}

	now := e.now()
	req.State = st
	req.UpdatedAt = now
	if roomID != "" {
		req.RoomID = roomID
	}
	e.done[req.ID] = *req
	res := Result{
		RequestID: req.ID,
		UserID:    req.UserID,
		State:     st,
		RoomID:    req.RoomID,
		At:        now,
	}
	e.mu.Unlock()

	if cause != nil {
		res.Error = cause.Error()
	}
	e.log.Info().Str("request", req.ID).Str("state", string(st)).Str("room", res.RoomID).Msg("request resolved")
	if e.sink != nil {
		e.sink.Publish(res)
	}
	return true
}

// discard drops a request that failed before it could seek.
func (e *Engine) discard(req *Request) {
	e.mu.Lock()
	delete(e.reqs, req.ID)
	if e.byUser[req.UserID] == req.ID {
		delete(e.byUser, req.UserID)
	}
	if req.RoomID != "" {
		delete(e.byRoom, req.RoomID)
	}
	e.mu.Unlock()
}

func (e *Engine) snapshot(req *Request) Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *req
}

// observersFor returns the unanchored seeking observer requests that may
// watch room.
func (e *Engine) observersFor(room store.Room) []*Request {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Request
	for _, r := range e.reqs {
		if r.Role == store.RoleObserver && r.RoomID == "" &&
			r.Topic == room.Topic && r.Filters.Compatible(room.Filters) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Engine) waitingFor(req *Request) store.Predicate {
	return func(r store.Room) bool {
		if r.Status != store.StatusWaiting || r.Topic != req.Topic ||
			r.CreatedBy == req.UserID || !r.Filters.Compatible(req.Filters) {
			return false
		}
		_, in := r.Occupant(req.UserID)
		return !in
	}
}

// olderThan matches the compatible waiting rooms listed before own.
func (e *Engine) olderThan(req *Request, own store.Room) store.Predicate {
	wait := e.waitingFor(req)
	return func(r store.Room) bool {
		if r.ID == own.ID || !wait(r) {
			return false
		}
		if r.CreatedAt.Equal(own.CreatedAt) {
			return r.ID < own.ID
		}
		return r.CreatedAt.Before(own.CreatedAt)
	}
}

func (e *Engine) activeFor(req *Request) store.Predicate {
	return func(r store.Room) bool {
		return r.Status == store.StatusActive && r.Topic == req.Topic &&
			r.CreatedBy != req.UserID && r.Filters.Compatible(req.Filters)
	}
}

func (e *Engine) retention() time.Duration {
	if e.cfg.Retention > 0 {
		return e.cfg.Retention
	}
	return time.Hour
}

// sortCandidates orders waiting rooms created by a seated participant
// first, then oldest first.
func sortCandidates(rooms []store.Room) {
	seated := func(r store.Room) bool {
		o, ok := r.Occupant(r.CreatedBy)
		return ok && o.Role == store.RoleParticipant
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		si, sj := seated(rooms[i]), seated(rooms[j])
		if si != sj {
			return si
		}
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
}
