// Package hub relays signaling messages between the members of matched
// rooms over WebSockets. A relay room lives as long as its store room is
// open and sees activity.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/knadh/parley/store"
	"github.com/rs/zerolog"
)

// Types of messages exchanged with peers.
const (
	TypeSignal          = "signal"
	TypePeerList        = "peer.list"
	TypePeerInfo        = "peer.info"
	TypePeerJoin        = "peer.join"
	TypePeerLeave       = "peer.leave"
	TypePeerRateLimited = "peer.ratelimited"
	TypeRoomDispose     = "room.dispose"
	TypeNotice          = "notice"
)

// Config represents the hub configuration.
type Config struct {
	MaxRooms          int           `koanf:"max_rooms"`
	MaxPeersPerRoom   int           `koanf:"max_peers_per_room"`
	MaxMessageLen     int           `koanf:"max_message_length"`
	MaxMessageQueue   int           `koanf:"max_message_queue"`
	WSTimeout         time.Duration `koanf:"websocket_timeout"`
	RateLimitInterval time.Duration `koanf:"rate_limit_interval"`
	RateLimitMessages int           `koanf:"rate_limit_messages"`
	RoomTimeout       time.Duration `koanf:"room_timeout"`
	TouchInterval     time.Duration `koanf:"touch_interval"`
}

var (
	// ErrHubFull is returned by Open when max_rooms relays are running.
	ErrHubFull = errors.New("signaling hub is full")

	// ErrNoRoom is returned when connecting to a room without a relay.
	ErrNoRoom = errors.New("room is not open for signaling")

	// ErrNotMember is returned when a non-occupant tries to connect.
	ErrNotMember = errors.New("not a member of this room")
)

// Leaver ends a user's session in a room.
type Leaver interface {
	Leave(ctx context.Context, userID, roomID string) error
}

// Hub acts as the controller and container for all relay rooms.
type Hub struct {
	store  store.Store
	leaver Leaver
	rooms  map[string]*Room

	cfg *Config
	mut sync.RWMutex
	log zerolog.Logger
}

// New returns a new instance of Hub.
func New(cfg *Config, s store.Store, l zerolog.Logger) *Hub {
	if cfg.WSTimeout <= 0 {
		cfg.WSTimeout = 10 * time.Second
	}
	return &Hub{
		store: s,
		rooms: make(map[string]*Room),
		cfg:   cfg,
		log:   l,
	}
}

// SetLeaver sets what peer disconnects are reported to. Without one, the
// hub leaves the store room directly.
func (h *Hub) SetLeaver(l Leaver) {
	h.leaver = l
}

// Open starts a relay for a matched room. Opening a room that already has a
// relay is a no-op.
func (h *Hub) Open(ctx context.Context, room store.Room) error {
	h.mut.Lock()
	defer h.mut.Unlock()

	if _, ok := h.rooms[room.ID]; ok {
		return nil
	}
	if h.cfg.MaxRooms > 0 && len(h.rooms) >= h.cfg.MaxRooms {
		return fmt.Errorf("%w: %d rooms", ErrHubFull, len(h.rooms))
	}

	r := newRoom(room.ID, h)
	h.rooms[room.ID] = r
	go r.run()

	h.log.Debug().Str("room", room.ID).Msg("opened relay")
	return nil
}

// Admit returns the relay room and occupant record for a user connecting to
// roomID.
func (h *Hub) Admit(ctx context.Context, roomID, userID string) (*Room, store.Occupant, error) {
	r := h.GetRoom(roomID)
	if r == nil {
		return nil, store.Occupant{}, ErrNoRoom
	}

	sr, err := h.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			return nil, store.Occupant{}, ErrNoRoom
		}
		return nil, store.Occupant{}, err
	}
	if !sr.Open() {
		return nil, store.Occupant{}, ErrNoRoom
	}

	o, ok := sr.Occupant(userID)
	if !ok {
		return nil, store.Occupant{}, ErrNotMember
	}
	return r, o, nil
}

// GetRoom retrieves a running relay room.
func (h *Hub) GetRoom(id string) *Room {
	h.mut.RLock()
	r := h.rooms[id]
	h.mut.RUnlock()
	return r
}

// Rooms returns the number of running relays.
func (h *Hub) Rooms() int {
	h.mut.RLock()
	defer h.mut.RUnlock()
	return len(h.rooms)
}

// WSTimeout returns the write timeout for WebSocket connections.
func (h *Hub) WSTimeout() time.Duration {
	return h.cfg.WSTimeout
}

// Dispose stops the relay of a room, if any.
func (h *Hub) Dispose(id string) {
	if r := h.GetRoom(id); r != nil {
		r.Dispose()
	}
}

// Run disposes relays whose store rooms close until ctx is cancelled. Any
// relays still running are then disposed.
func (h *Hub) Run(ctx context.Context) error {
	events, err := h.store.Subscribe(ctx, store.IsOpen)
	if err != nil {
		return err
	}

	defer h.disposeAll()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type == store.EventClose {
				h.Dispose(ev.Room.ID)
			}
		}
	}
}

func (h *Hub) disposeAll() {
	h.mut.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mut.RUnlock()

	for _, r := range rooms {
		r.Dispose()
	}
}

// removeRoom removes a stopped relay from the hub.
func (h *Hub) removeRoom(id string) {
	h.mut.Lock()
	delete(h.rooms, id)
	h.mut.Unlock()
}

// leave reports a peer that has gone away.
func (h *Hub) leave(roomID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WSTimeout)
	defer cancel()

	var err error
	if h.leaver != nil {
		err = h.leaver.Leave(ctx, userID, roomID)
	} else {
		_, err = h.store.Leave(ctx, roomID, userID)
	}
	if err != nil && !errors.Is(err, store.ErrRoomNotFound) && !errors.Is(err, store.ErrNotOccupant) {
		h.log.Error().Err(err).Str("room", roomID).Str("peer", userID).Msg("error leaving room")
	}
}

// touch extends a room's activity in the store.
func (h *Hub) touch(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WSTimeout)
	defer cancel()

	if err := h.store.Touch(ctx, roomID, time.Now()); err != nil && !errors.Is(err, store.ErrRoomNotFound) {
		h.log.Error().Err(err).Str("room", roomID).Msg("error touching room")
	}
}

// expire closes a store room whose relay went quiet.
func (h *Hub) expire(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WSTimeout)
	defer cancel()

	if err := h.store.CloseRoom(ctx, roomID, store.ReasonIdle); err != nil && !errors.Is(err, store.ErrRoomNotFound) {
		h.log.Error().Err(err).Str("room", roomID).Msg("error closing idle room")
	}
}
