package store

import "time"

// Transitions shared by the store backends. Each takes the current
// committed state and returns the next one without touching the input.
// Backends bump Version and commit the result with compare-and-swap.

// NewRoom returns a fresh waiting room with the creator as its only occupant.
func NewRoom(id, topic string, f Filters, creator string, now time.Time) Room {
	return Room{
		ID:           id,
		Topic:        topic,
		Filters:      f.Normalize(),
		Status:       StatusWaiting,
		CreatedBy:    creator,
		Occupants:    []Occupant{{ID: creator, Role: RoleParticipant, JoinedAt: now}},
		CreatedAt:    now,
		LastActivity: now,
		Version:      1,
	}
}

// ApplyJoin adds an identity to the room. A participant join is only
// allowed on a waiting room and moves it to active. An observer join is
// allowed on any open room and never changes the status.
func ApplyJoin(r Room, id string, role Role, now time.Time) (Room, error) {
	if !r.Open() {
		return r, &JoinRejected{RoomID: r.ID, Reason: Closed}
	}
	if id == r.CreatedBy {
		return r, &JoinRejected{RoomID: r.ID, Reason: SelfJoin}
	}
	if _, ok := r.Occupant(id); ok {
		return r, &JoinRejected{RoomID: r.ID, Reason: AlreadyTaken}
	}

	switch role {
	case RoleParticipant:
		if r.Status != StatusWaiting {
			return r, &JoinRejected{RoomID: r.ID, Reason: AlreadyTaken}
		}
		out := r.Clone()
		out.Occupants = append(out.Occupants, Occupant{ID: id, Role: role, JoinedAt: now})
		out.Status = StatusActive
		out.LastActivity = now
		return out, nil

	case RoleObserver:
		out := r.Clone()
		out.Occupants = append(out.Occupants, Occupant{ID: id, Role: role, JoinedAt: now})
		return out, nil
	}
	return r, ErrInvalidRole
}

// ApplyLeave removes an identity. A departing participant closes the room.
func ApplyLeave(r Room, id string, now time.Time) (Room, error) {
	if !r.Open() {
		return r, ErrRoomNotFound
	}
	occ, ok := r.Occupant(id)
	if !ok {
		return r, ErrNotOccupant
	}

	out := r.Clone()
	out.Occupants = out.Occupants[:0]
	for _, o := range r.Occupants {
		if o.ID != id {
			out.Occupants = append(out.Occupants, o)
		}
	}
	if occ.Role == RoleParticipant {
		return applyClose(out, ReasonLeft, now), nil
	}
	return out, nil
}

// ApplyClose closes an open room for the given reason.
func ApplyClose(r Room, reason CloseReason, now time.Time) (Room, error) {
	if !r.Open() {
		return r, ErrRoomNotFound
	}
	return applyClose(r.Clone(), reason, now), nil
}

// ApplyCancel closes a room only if it is still waiting.
func ApplyCancel(r Room, now time.Time) (Room, error) {
	switch r.Status {
	case StatusWaiting:
		return applyClose(r.Clone(), ReasonCancelled, now), nil
	case StatusActive:
		return r, ErrNotWaiting
	}
	return r, ErrRoomNotFound
}

// ApplyTouch bumps the room's last activity.
func ApplyTouch(r Room, now time.Time) (Room, error) {
	if !r.Open() {
		return r, ErrRoomNotFound
	}
	out := r.Clone()
	out.LastActivity = now
	return out, nil
}

// IdleDue reports whether an open room has outlived its idle window.
// A waiting room ages from its creation. An active room ages from its last
// activity and only when activeTimeout is set.
func IdleDue(r Room, now time.Time, idleTimeout, activeTimeout time.Duration) bool {
	switch r.Status {
	case StatusWaiting:
		return idleTimeout > 0 && now.Sub(r.CreatedAt) > idleTimeout
	case StatusActive:
		return activeTimeout > 0 && now.Sub(r.LastActivity) > activeTimeout
	}
	return false
}

func applyClose(r Room, reason CloseReason, now time.Time) Room {
	r.Status = StatusClosed
	r.CloseReason = reason
	r.ClosedAt = now
	r.LastActivity = now
	return r
}
