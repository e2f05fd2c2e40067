package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/knadh/parley/store"
)

type msgWrap struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	From      string      `json:"from,omitempty"`
	Data      interface{} `json:"data"`
}

type msgPeer struct {
	ID   string     `json:"id"`
	Role store.Role `json:"role"`
}

// peerReq represents a peer request (join, leave etc.) that's processed
// by a Room.
type peerReq struct {
	reqType string
	peer    *Peer
}

// relayReq is a signaling payload from one peer to another, or to all
// other peers when to is empty.
type relayReq struct {
	from *Peer
	to   string
	data json.RawMessage
}

// Room is the relay for one matched room.
type Room struct {
	ID  string
	hub *Hub

	// List of connected peers.
	peers map[*Peer]bool

	// Signaling payloads to relay.
	relayQ chan relayReq

	// Peer related requests.
	peerQ chan peerReq

	// Dispose signal.
	disposeSig  chan struct{}
	disposeOnce sync.Once
	done        chan struct{}

	lastTouch time.Time
}

func newRoom(id string, h *Hub) *Room {
	return &Room{
		ID:         id,
		hub:        h,
		peers:      make(map[*Peer]bool, 4),
		relayQ:     make(chan relayReq, 100),
		peerQ:      make(chan peerReq, 100),
		disposeSig: make(chan struct{}),
		done:       make(chan struct{}),
		lastTouch:  time.Now(),
	}
}

// AddPeer adds a new peer to the room given a WS connection from an HTTP
// handler.
func (r *Room) AddPeer(o store.Occupant, ws *websocket.Conn) {
	p := newPeer(o.ID, o.Role, ws, r)
	if !r.queuePeerReq(TypePeerJoin, p) {
		p.writeWSControl(websocket.FormatCloseMessage(websocket.CloseNormalClosure, TypeRoomDispose))
		ws.Close()
	}
}

// Dispose signals the room to disconnect all peers and stop.
func (r *Room) Dispose() {
	r.disposeOnce.Do(func() { close(r.disposeSig) })
}

// Done is closed once the room has stopped.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

// run is a blocking function that starts the main event loop for a room that
// handles peer connection events and relays signaling payloads. This should
// be invoked as a goroutine.
func (r *Room) run() {
	timeout := r.hub.cfg.RoomTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	expired := false

loop:
	for {
		select {
		// Dispose request.
		case <-r.disposeSig:
			break loop

		// Incoming peer request.
		case req := <-r.peerQ:
			switch req.reqType {
			// A new peer has joined.
			case TypePeerJoin:
				if r.hub.cfg.MaxPeersPerRoom > 0 && len(r.peers) >= r.hub.cfg.MaxPeersPerRoom {
					req.peer.writeWSData(websocket.TextMessage, r.makePayload("room is full", TypeNotice, ""))
					req.peer.ws.Close()
					continue
				}
				if r.hasPeer(req.peer.ID) {
					req.peer.writeWSData(websocket.TextMessage, r.makePayload("already connected", TypeNotice, ""))
					req.peer.ws.Close()
					continue
				}

				r.peers[req.peer] = true
				go req.peer.RunListener()
				go req.peer.RunWriter()

				// Send the peer its info.
				r.send(req.peer, r.makePeerUpdatePayload(req.peer, TypePeerInfo))

				// Notify all peers of the new addition.
				r.broadcast(r.makePeerUpdatePayload(req.peer, TypePeerJoin), nil)
				r.hub.log.Debug().Str("room", r.ID).Str("peer", req.peer.ID).Str("role", string(req.peer.Role)).Msg("peer joined")

			// A peer has left.
			case TypePeerLeave:
				if !r.peers[req.peer] {
					continue
				}
				r.removePeer(req.peer)
				r.hub.log.Debug().Str("room", r.ID).Str("peer", req.peer.ID).Msg("peer left")
				go r.hub.leave(r.ID, req.peer.ID)

			// A peer has requested the room's peer list.
			case TypePeerList:
				if r.peers[req.peer] {
					r.send(req.peer, r.makePeerListPayload())
				}
			}

		// Relay a signaling payload.
		case m := <-r.relayQ:
			if !r.peers[m.from] {
				continue
			}
			b := r.makePayload(m.data, TypeSignal, m.from.ID)
			if m.to == "" {
				r.broadcast(b, m.from)
			} else {
				for p := range r.peers {
					if p.ID == m.to {
						r.send(p, b)
					}
				}
			}
			r.touch()

		// Kill the room after the inactivity period.
		case <-time.After(timeout):
			expired = true
			break loop
		}
	}

	r.hub.log.Debug().Str("room", r.ID).Bool("expired", expired).Msg("stopped relay")
	r.remove()
	if expired {
		r.hub.expire(r.ID)
	}
}

// remove disposes a room by notifying and disconnecting all peers and
// removing it from the hub.
func (r *Room) remove() {
	r.hub.removeRoom(r.ID)
	close(r.done)

	// Writers flush the notice and close their connections once their
	// queues are closed.
	b := r.makePayload(nil, TypeRoomDispose, "")
	for peer := range r.peers {
		_ = peer.SendData(b)
		close(peer.dataQ)
		delete(r.peers, peer)
	}

	// Turn away joins that were queued behind the dispose.
	for {
		select {
		case req := <-r.peerQ:
			if req.reqType == TypePeerJoin {
				req.peer.writeWSControl(websocket.FormatCloseMessage(websocket.CloseNormalClosure, TypeRoomDispose))
				req.peer.ws.Close()
			}
		default:
			return
		}
	}
}

// queuePeerReq queues a peer addition / removal request to the room. It
// reports false if the room has stopped.
func (r *Room) queuePeerReq(reqType string, p *Peer) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.peerQ <- peerReq{reqType: reqType, peer: p}:
		return true
	case <-r.done:
		return false
	}
}

// queueRelay queues a signaling payload from p.
func (r *Room) queueRelay(p *Peer, to string, data json.RawMessage) {
	select {
	case r.relayQ <- relayReq{from: p, to: to, data: data}:
	case <-r.done:
	}
}

// removePeer removes a peer from the room and notifies the rest.
func (r *Room) removePeer(p *Peer) {
	close(p.dataQ)
	delete(r.peers, p)
	r.broadcast(r.makePeerUpdatePayload(p, TypePeerLeave), nil)
}

// send queues b for p. A peer that can't keep up is disconnected.
func (r *Room) send(p *Peer, b []byte) {
	if err := p.SendData(b); err != nil {
		r.hub.log.Warn().Str("room", r.ID).Str("peer", p.ID).Msg("peer queue full, disconnecting")
		p.ws.Close()
	}
}

// broadcast sends b to every peer except skip.
func (r *Room) broadcast(b []byte, skip *Peer) {
	for p := range r.peers {
		if p != skip {
			r.send(p, b)
		}
	}
}

func (r *Room) hasPeer(id string) bool {
	for p := range r.peers {
		if p.ID == id {
			return true
		}
	}
	return false
}

// touch records relay activity in the store at most once per
// touch_interval.
func (r *Room) touch() {
	if time.Since(r.lastTouch) < r.hub.cfg.TouchInterval {
		return
	}
	r.lastTouch = time.Now()
	go r.hub.touch(r.ID)
}

// makePeerListPayload prepares a message payload with the list of peers.
func (r *Room) makePeerListPayload() []byte {
	peers := make([]msgPeer, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, msgPeer{ID: p.ID, Role: p.Role})
	}
	return r.makePayload(peers, TypePeerList, "")
}

// makePeerUpdatePayload prepares a message payload representing a peer
// join / leave event.
func (r *Room) makePeerUpdatePayload(p *Peer, typ string) []byte {
	return r.makePayload(msgPeer{ID: p.ID, Role: p.Role}, typ, "")
}

// makePayload prepares a message payload.
func (r *Room) makePayload(data interface{}, typ, from string) []byte {
	m := msgWrap{
		Type:      typ,
		Timestamp: time.Now(),
		From:      from,
		Data:      data,
	}
	b, _ := json.Marshal(m)
	return b
}
