package hub

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/knadh/parley/store"
)

// errQueueFull is returned by SendData when a peer's queue is full.
var errQueueFull = errors.New("peer queue full")

// payloadMsgWrap is a message sent by a peer.
type payloadMsgWrap struct {
	Type string          `json:"type"`
	To   string          `json:"to"`
	Data json.RawMessage `json:"data"`
}

// Peer represents an individual peer / connection into a room.
type Peer struct {
	ID   string
	Role store.Role

	ws *websocket.Conn

	// Channel for outbound messages.
	dataQ chan []byte

	// Peer's room.
	room *Room

	// Rate limiting.
	numMessages int
	windowStart time.Time
}

// newPeer returns a new instance of Peer.
func newPeer(id string, role store.Role, ws *websocket.Conn, room *Room) *Peer {
	size := room.hub.cfg.MaxMessageQueue
	if size <= 0 {
		size = 100
	}
	return &Peer{
		ID:    id,
		Role:  role,
		ws:    ws,
		dataQ: make(chan []byte, size),
		room:  room,
	}
}

// RunListener is a blocking function that reads incoming messages from a peer's
// WS connection until its dropped or there's an error. This should be invoked
// as a goroutine.
func (p *Peer) RunListener() {
	if n := p.room.hub.cfg.MaxMessageLen; n > 0 {
		p.ws.SetReadLimit(int64(n))
	}
	for {
		_, m, err := p.ws.ReadMessage()
		if err != nil {
			break
		}
		if !p.processMessage(m) {
			break
		}
	}

	// WS connection is closed.
	p.ws.Close()
	p.room.queuePeerReq(TypePeerLeave, p)
}

// RunWriter is a blocking function that writes messages in a peer's queue to the
// peer's WS connection. This should be invoked as a goroutine.
func (p *Peer) RunWriter() {
	defer p.ws.Close()
	for message := range p.dataQ {
		if err := p.writeWSData(websocket.TextMessage, message); err != nil {
			return
		}
	}
	p.writeWSData(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// SendData queues a message to be written to the peer's WS without
// blocking.
func (p *Peer) SendData(b []byte) error {
	select {
	case p.dataQ <- b:
		return nil
	default:
		return errQueueFull
	}
}

// writeWSData writes the given payload to the peer's WS connection.
func (p *Peer) writeWSData(msgType int, payload []byte) error {
	p.ws.SetWriteDeadline(time.Now().Add(p.room.hub.cfg.WSTimeout))
	return p.ws.WriteMessage(msgType, payload)
}

// writeWSControl writes the given close payload to the peer's WS connection.
func (p *Peer) writeWSControl(payload []byte) error {
	return p.ws.WriteControl(websocket.CloseMessage, payload, time.Now().Add(p.room.hub.cfg.WSTimeout))
}

// processMessage processes incoming messages from peers. It returns false
// if the peer should be disconnected.
func (p *Peer) processMessage(b []byte) bool {
	var m payloadMsgWrap
	if err := json.Unmarshal(b, &m); err != nil {
		return true
	}

	switch m.Type {
	// Signaling payload for another peer.
	case TypeSignal:
		if p.rateLimited() {
			p.room.hub.log.Warn().Str("room", p.room.ID).Str("peer", p.ID).Msg("peer rate limited")
			p.writeWSControl(websocket.FormatCloseMessage(websocket.ClosePolicyViolation, TypePeerRateLimited))
			return false
		}
		p.room.queueRelay(p, m.To, m.Data)

	// Request for peers list
	case TypePeerList:
		p.room.queuePeerReq(TypePeerList, p)

	// Leaving ends the session for everyone.
	case TypeRoomDispose:
		return false
	}
	return true
}

// rateLimited counts a message against the peer's window and reports
// whether the limit has been exceeded.
func (p *Peer) rateLimited() bool {
	cfg := p.room.hub.cfg
	if cfg.RateLimitMessages <= 0 || cfg.RateLimitInterval <= 0 {
		return false
	}

	now := time.Now()
	if now.Sub(p.windowStart) > cfg.RateLimitInterval {
		p.windowStart = now
		p.numMessages = 0
	}
	p.numMessages++
	return p.numMessages > cfg.RateLimitMessages
}
