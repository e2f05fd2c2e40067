package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Store represents a room lifecycle backend. All mutations on a single room
// are serialised by compare-and-swap on the room's version. The only state
// shared across rooms is the seat index: an identity holds a participant
// seat in at most one open room, claimed by CreateRoom and participant
// TryJoin.
//
// ListRooms and the replay of Subscribe cover open rooms only. Closed rooms
// stay readable with GetRoom until pruned.
type Store interface {
	CreateRoom(ctx context.Context, topic string, f Filters, role Role, creator string) (Room, error)
	TryJoin(ctx context.Context, id, identity string, role Role) (Room, error)
	Leave(ctx context.Context, id, identity string) (Room, error)
	CloseIfIdle(ctx context.Context, id string, now time.Time) (bool, error)
	CancelRoom(ctx context.Context, id string) error
	CloseRoom(ctx context.Context, id string, reason CloseReason) error
	Touch(ctx context.Context, id string, now time.Time) error

	GetRoom(ctx context.Context, id string) (Room, error)
	ListRooms(ctx context.Context, pred Predicate) ([]Room, error)
	Prune(ctx context.Context, before time.Time) (int, error)

	Subscribe(ctx context.Context, pred Predicate) (<-chan Event, error)
	Close() error
}

// Status of a room.
type Status string

// Room statuses.
const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

// Role of an occupant in a room.
type Role string

// Occupant roles.
const (
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
)

// CloseReason records why a room was closed.
type CloseReason string

// Close reasons.
const (
	ReasonLeft      CloseReason = "left"
	ReasonIdle      CloseReason = "idle"
	ReasonCancelled CloseReason = "cancelled"
	ReasonTransport CloseReason = "transport"
	ReasonShutdown  CloseReason = "shutdown"
)

// Any is the wildcard filter value.
const Any = "any"

// Filters narrow down the peers a room is matchable with.
type Filters struct {
	Language string `json:"language"`
	Region   string `json:"region"`
}

// Normalize replaces empty dimensions with the wildcard.
func (f Filters) Normalize() Filters {
	if f.Language == "" {
		f.Language = Any
	}
	if f.Region == "" {
		f.Region = Any
	}
	return f
}

// Compatible reports whether two filter sets can be matched. A dimension
// is ignored when either side is the wildcard.
func (f Filters) Compatible(o Filters) bool {
	f, o = f.Normalize(), o.Normalize()
	return dimMatch(f.Language, o.Language) && dimMatch(f.Region, o.Region)
}

func dimMatch(a, b string) bool {
	return a == Any || b == Any || a == b
}

// Occupant is an identity inside a room.
type Occupant struct {
	ID       string    `json:"id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Room represents a room record. Values handed out by a Store are snapshots
// and are never mutated in place.
type Room struct {
	ID           string      `json:"id"`
	Topic        string      `json:"topic"`
	Filters      Filters     `json:"filters"`
	Status       Status      `json:"status"`
	CreatedBy    string      `json:"created_by"`
	Occupants    []Occupant  `json:"occupants"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActivity time.Time   `json:"last_activity"`
	ClosedAt     time.Time   `json:"closed_at,omitempty"`
	CloseReason  CloseReason `json:"close_reason,omitempty"`
	Version      uint64      `json:"version"`
}

// Open reports whether the room is waiting or active.
func (r Room) Open() bool {
	return r.Status == StatusWaiting || r.Status == StatusActive
}

// Participants returns the number of participant-role occupants.
func (r Room) Participants() int {
	n := 0
	for _, o := range r.Occupants {
		if o.Role == RoleParticipant {
			n++
		}
	}
	return n
}

// Occupant looks up an identity in the room.
func (r Room) Occupant(id string) (Occupant, bool) {
	for _, o := range r.Occupants {
		if o.ID == id {
			return o, true
		}
	}
	return Occupant{}, false
}

// Clone returns a deep copy of the room.
func (r Room) Clone() Room {
	out := r
	out.Occupants = make([]Occupant, len(r.Occupants))
	copy(out.Occupants, r.Occupants)
	return out
}

// SortRooms orders rooms by creation time, then ID, ascending.
func SortRooms(rooms []Room) {
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
}

// EventType is the kind of change a feed event carries.
type EventType string

// Event types.
const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventClose  EventType = "close"
)

// Event is a single entry on a room change feed.
type Event struct {
	Seq  uint64    `json:"seq"`
	Type EventType `json:"type"`
	Room Room      `json:"room"`
}

// EventTypeOf derives the event type from a committed room state.
func EventTypeOf(r Room) EventType {
	switch {
	case r.Status == StatusClosed:
		return EventClose
	case r.Version <= 1:
		return EventCreate
	}
	return EventUpdate
}

// Predicate filters rooms on queries and subscriptions.
type Predicate func(Room) bool

// All matches every room.
func All(Room) bool { return true }

// IsOpen matches waiting and active rooms.
func IsOpen(r Room) bool { return r.Open() }

// IsWaiting matches waiting rooms.
func IsWaiting(r Room) bool { return r.Status == StatusWaiting }

// And combines predicates.
func And(preds ...Predicate) Predicate {
	return func(r Room) bool {
		for _, p := range preds {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

var (
	// ErrRoomNotFound indicates that the requested room was not found or
	// is already closed.
	ErrRoomNotFound = errors.New("room not found")

	// ErrConflict indicates that the identity already holds a participant
	// seat in another open room.
	ErrConflict = errors.New("identity already holds a seat in an open room")

	// ErrJoinRejected is matched by every *JoinRejected.
	ErrJoinRejected = errors.New("join rejected")

	// ErrNotWaiting is returned when cancelling a room that someone has
	// already joined.
	ErrNotWaiting = errors.New("room is no longer waiting")

	// ErrNotOccupant is returned when leaving a room one is not in.
	ErrNotOccupant = errors.New("not an occupant of the room")

	// ErrInvalidRole is returned for roles that cannot perform an operation.
	ErrInvalidRole = errors.New("invalid role")
)

// RejectReason explains a rejected join.
type RejectReason string

// Join rejection reasons.
const (
	AlreadyTaken RejectReason = "already_taken"
	SelfJoin     RejectReason = "self_join"
	Closed       RejectReason = "closed"
)

// JoinRejected is the expected outcome of losing a join race.
type JoinRejected struct {
	RoomID string
	Reason RejectReason
}

func (e *JoinRejected) Error() string {
	return fmt.Sprintf("join rejected: %s: %s", e.RoomID, e.Reason)
}

// Is makes errors.Is(err, ErrJoinRejected) hold.
func (e *JoinRejected) Is(target error) bool {
	return target == ErrJoinRejected
}
