package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frame is one inbound message as the peer saw it.
type Frame struct {
	Channel string          `json:"channel"`
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
	Raw     []byte          `json:"-"`
}

// Route matches frames addressed to (channel, command).
func Route(channel, command string) func(Frame) bool {
	return func(f Frame) bool {
		return f.Channel == channel && f.Command == command
	}
}

// URL converts an httptest server URL into the peer's WebSocket endpoint.
func URL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

// client is one connection held by the peer.
type client struct {
	peer *Peer
	conn *websocket.Conn
	send chan []byte
}

// Peer is an http.Handler that plays the server side of the envelope
// protocol.
type Peer struct {
	router    *mux.Router
	challenge bool
	log       zerolog.Logger

	mu       sync.Mutex
	clients  map[*client]bool
	received []Frame
	issued   map[string]bool
	changed  chan struct{}
}

// PeerOption configures a Peer.
type PeerOption func(*Peer)

// WithVerifyChallenge makes the peer send a verify token to every client as
// soon as it connects.
func WithVerifyChallenge() PeerOption {
	return func(p *Peer) {
		p.challenge = true
	}
}

// WithLogger sets the peer logger. The default discards everything.
func WithLogger(logger zerolog.Logger) PeerOption {
	return func(p *Peer) {
		p.log = logger
	}
}

// NewPeer creates a Peer serving /ws and /health.
func NewPeer(opts ...PeerOption) *Peer {
	p := &Peer{
		router:  mux.NewRouter(),
		clients: make(map[*client]bool),
		issued:  make(map[string]bool),
		changed: make(chan struct{}),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.router.HandleFunc("/ws", p.handleWS)
	p.router.HandleFunc("/health", p.handleHealth).Methods("GET")
	return p
}

func (p *Peer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

func (p *Peer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		peer: p,
		conn: conn,
		send: make(chan []byte, 256),
	}

	p.mu.Lock()
	p.clients[c] = true
	p.signalLocked()
	p.mu.Unlock()

	go c.writePump()
	go c.readPump()

	if p.challenge {
		if _, err := p.challengeClient(c); err != nil {
			p.log.Error().Err(err).Msg("verify challenge failed")
		}
	}
}

func (p *Peer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": p.Clients(),
	})
}

// Clients returns the number of connected clients.
func (p *Peer) Clients() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Broadcast writes raw as one text frame to every connected client.
func (p *Peer) Broadcast(raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for c := range p.clients {
		select {
		case c.send <- raw:
		default:
			p.removeLocked(c)
		}
	}
}

// BroadcastEnvelope encodes an envelope and broadcasts it.
func (p *Peer) BroadcastEnvelope(channel, command string, data any) error {
	raw, err := json.Marshal(map[string]any{
		"channel": channel,
		"command": command,
		"data":    data,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	p.Broadcast(raw)
	return nil
}

// Challenge sends a fresh verify token to every connected client and returns
// it.
func (p *Peer) Challenge() (string, error) {
	token := uuid.NewString()
	p.mu.Lock()
	p.issued[token] = false
	p.mu.Unlock()

	if err := p.BroadcastEnvelope("connection", "verify", map[string]string{"token": token}); err != nil {
		return "", err
	}
	return token, nil
}

func (p *Peer) challengeClient(c *client) (string, error) {
	token := uuid.NewString()
	raw, err := json.Marshal(map[string]any{
		"channel": "connection",
		"command": "verify",
		"data":    map[string]string{"token": token},
	})
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.issued[token] = false
	if p.clients[c] {
		c.send <- raw
	}
	return token, nil
}

// Tokens returns every token issued so far mapped to whether it was echoed.
func (p *Peer) Tokens() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]bool, len(p.issued))
	for token, echoed := range p.issued {
		out[token] = echoed
	}
	return out
}

// Verified reports whether token was issued and echoed back.
func (p *Peer) Verified(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issued[token]
}

// Received returns a copy of every frame received so far.
func (p *Peer) Received() []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Frame(nil), p.received...)
}

// WaitFor blocks until a received frame satisfies match and returns the
// first one that does.
func (p *Peer) WaitFor(ctx context.Context, match func(Frame) bool) (Frame, error) {
	for {
		p.mu.Lock()
		for _, f := range p.received {
			if match(f) {
				p.mu.Unlock()
				return f, nil
			}
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-changed:
		}
	}
}

// WaitClients blocks until at least n clients are connected.
func (p *Peer) WaitClients(ctx context.Context, n int) error {
	for {
		p.mu.Lock()
		count := len(p.clients)
		changed := p.changed
		p.mu.Unlock()

		if count >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// DisconnectAll drops every connection without a close handshake.
func (p *Peer) DisconnectAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for c := range p.clients {
		c.conn.Close()
		p.removeLocked(c)
	}
}

func (p *Peer) record(raw []byte) {
	f := Frame{Raw: raw}
	if err := json.Unmarshal(raw, &f); err != nil {
		p.log.Debug().Err(err).Msg("undecodable frame")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if f.Channel == "connection" && f.Command == "verify" {
		var reply struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(f.Data, &reply); err == nil {
			if _, ok := p.issued[reply.Token]; ok {
				p.issued[reply.Token] = true
			}
		}
	}

	p.received = append(p.received, f)
	p.signalLocked()
}

func (p *Peer) unregister(c *client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(c)
}

func (p *Peer) removeLocked(c *client) {
	if _, ok := p.clients[c]; ok {
		delete(p.clients, c)
		close(c.send)
		p.signalLocked()
	}
}

// signalLocked wakes every waiter. p.mu must be held.
func (p *Peer) signalLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// readPump records frames from the connection until it fails.
func (c *client) readPump() {
	defer func() {
		c.peer.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.peer.log.Warn().Err(err).Msg("websocket error")
			}
			return
		}
		c.peer.record(message)
	}
}

// writePump writes queued frames, one message per frame.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
