package channelsocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Socket multiplexes one WebSocket connection into channel/command routes.
type Socket struct {
	cfg      Config
	log      zerolog.Logger
	registry *Registry
	outbox   chan outFrame
	limiter  *rate.Limiter

	lifetime context.Context
	cancel   context.CancelFunc

	mu        sync.RWMutex
	conn      *websocket.Conn
	gen       uint64
	state     State
	verified  bool
	lastErr   error
	watchers  map[uint64]func(Event)
	nextWatch uint64

	closeOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}
}

// New creates a Socket and registers the verify handshake handler. No I/O
// happens until Connect.
func New(cfg Config) *Socket {
	cfg = cfg.withDefaults()
	lifetime, cancel := context.WithCancel(context.Background())

	s := &Socket{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "channelsocket").Str("url", cfg.URL).Logger(),
		registry: NewRegistry(),
		outbox:   make(chan outFrame, cfg.OutboxSize),
		lifetime: lifetime,
		cancel:   cancel,
		watchers: make(map[uint64]func(Event)),
		done:     make(chan struct{}),
	}
	if cfg.SendRate > 0 {
		s.limiter = rate.NewLimiter(cfg.SendRate, cfg.SendBurst)
	}

	s.Listen(ConnectionChannel, VerifyCommand, s.handleVerify)
	return s
}

// Dial creates a Socket and connects it.
func Dial(ctx context.Context, cfg Config) (*Socket, error) {
	s := New(cfg)
	if err := s.Connect(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Connect opens the connection and starts routing inbound frames. On success
// the Socket is already in StateOpen when Connect returns. A dial failure
// leaves the Socket in StateFailed.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case s.state != StateIdle:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect: socket already %s", state)
	}
	s.mu.Unlock()

	s.setState(StateConnecting, nil)

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.lifetime, cancel)
	defer stop()

	conn, err := s.dial(dialCtx)
	if err != nil {
		if s.lifetime.Err() != nil {
			s.finish(StateClosed, nil)
			return ErrClosed
		}
		s.finish(StateFailed, err)
		return err
	}

	gen, err := s.open(conn)
	if err != nil {
		s.finish(StateClosed, nil)
		return err
	}
	go s.run(conn, gen)
	return nil
}

// outFrame is one queued text frame. A verify reply is bound to the
// connection generation whose challenge it answers.
type outFrame struct {
	data   []byte
	gen    uint64
	verify bool
}

// Send queues env for delivery. Frames queue while the connection is still
// connecting or redialing and are written in order once it is open.
func (s *Socket) Send(env Envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	err = s.enqueue(outFrame{data: data})
	if errors.Is(err, ErrOutboxFull) {
		s.log.Warn().Str("channel", env.Channel).Str("command", env.Command).Msg("outbox full, dropping frame")
	}
	return err
}

func (s *Socket) enqueue(f outFrame) error {
	if s.lifetime.Err() != nil {
		return ErrClosed
	}
	if s.State() == StateFailed {
		return ErrNotConnected
	}

	select {
	case s.outbox <- f:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Emit builds an envelope from data and sends it.
func (s *Socket) Emit(channel, command string, data any) error {
	env, err := NewEnvelope(channel, command, data)
	if err != nil {
		return err
	}
	return s.Send(env)
}

// Listen registers h for (channel, command). A later registration for the
// same pair replaces h.
func (s *Socket) Listen(channel, command string, h Handler) {
	s.registry.Set(channel, command, h)
	s.log.Debug().Str("channel", channel).Str("command", command).Msg("listening")
}

// StopListening removes the handler for (channel, command). Later frames for
// that pair are dropped as unroutable.
func (s *Socket) StopListening(channel, command string) {
	if s.registry.Remove(channel, command) {
		s.log.Debug().Str("channel", channel).Str("command", command).Msg("stopped listening")
	}
}

// ListenJSON registers fn for (channel, command), decoding the payload into T
// first. Payloads that do not decode are logged and skipped.
func ListenJSON[T any](s *Socket, channel, command string, fn func(T)) {
	s.Listen(channel, command, func(data json.RawMessage) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			s.log.Warn().Err(err).Str("channel", channel).Str("command", command).Msg("payload did not decode")
			return
		}
		fn(v)
	})
}

// Routes lists the registered channel/command pairs.
func (s *Socket) Routes() []string {
	return s.registry.Routes()
}

// Dispatch routes one raw inbound frame and reports why it was dropped, or
// DropNone when a handler ran.
func (s *Socket) Dispatch(raw []byte) DropReason {
	f, ok := decodeFrame(raw)
	if !ok {
		return s.drop(DropUndecodable, raw, "", "")
	}

	channel, ok := f.stringField("channel")
	if !ok {
		return s.drop(DropMissingChannel, raw, "", "")
	}
	if !s.registry.HasChannel(channel) {
		return s.drop(DropUnknownChannel, raw, channel, "")
	}

	command, ok := f.stringField("command")
	if !ok {
		return s.drop(DropMissingCommand, raw, channel, "")
	}
	h, ok := s.registry.Lookup(channel, command)
	if !ok {
		return s.drop(DropUnknownCommand, raw, channel, command)
	}

	data, ok := f.data()
	if !ok {
		return s.drop(DropMissingData, raw, channel, command)
	}

	h(data)
	return DropNone
}

func (s *Socket) drop(reason DropReason, raw []byte, channel, command string) DropReason {
	s.log.Debug().
		Stringer("reason", reason).
		Str("channel", channel).
		Str("command", command).
		Int("bytes", len(raw)).
		Msg("dropping inbound frame")
	if s.cfg.OnDrop != nil {
		s.cfg.OnDrop(reason, raw)
	}
	return reason
}

// State returns the current lifecycle state.
func (s *Socket) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Verified reports whether a handshake reply has been written on the current
// connection.
func (s *Socket) Verified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified
}

// Err returns the error behind the most recent transition, if any.
func (s *Socket) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Done is closed once the Socket reaches StateClosed or StateFailed.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Watch registers fn for lifecycle events. fn runs on the goroutine making
// the transition and must not block. The returned func unregisters it.
func (s *Socket) Watch(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// Close sends a normal close frame and shuts the Socket down. It is safe to
// call more than once.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.RLock()
		conn := s.conn
		state := s.state
		s.mu.RUnlock()

		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
			_ = conn.Close()
		}

		// Without a running connection loop nobody else will finish.
		if state == StateIdle || state == StateFailed {
			s.finish(StateClosed, nil)
		}
	})
	return nil
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.cfg.dialer().DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", s.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	return conn, nil
}

// open installs conn as the live connection and moves to StateOpen. It
// returns the generation assigned to conn.
func (s *Socket) open(conn *websocket.Conn) (uint64, error) {
	s.mu.Lock()
	if s.lifetime.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return 0, ErrClosed
	}
	s.gen++
	gen := s.gen
	s.conn = conn
	s.state = StateOpen
	s.verified = false
	s.lastErr = nil
	ev := Event{State: StateOpen}
	watchers := s.snapshotWatchers()
	s.mu.Unlock()

	s.log.Info().Stringer("state", StateOpen).Uint64("conn", gen).Msg("connection state changed")
	for _, fn := range watchers {
		fn(ev)
	}
	return gen, nil
}

// run serves conn and, when enabled, redials after unexpected losses.
func (s *Socket) run(conn *websocket.Conn, gen uint64) {
	b := &backoff.Backoff{
		Min:    s.cfg.Reconnect.InitialDelay,
		Max:    s.cfg.Reconnect.MaxDelay,
		Factor: s.cfg.Reconnect.Multiplier,
		Jitter: s.cfg.Reconnect.Jitter,
	}

	for {
		err := s.serve(conn, gen)
		if s.lifetime.Err() != nil {
			s.finish(StateClosed, nil)
			return
		}
		if !s.cfg.Reconnect.Enabled {
			s.finish(StateFailed, err)
			return
		}

		s.setState(StateConnecting, err)
		conn, err = s.redial(b)
		if err != nil {
			if s.lifetime.Err() != nil {
				s.finish(StateClosed, nil)
			} else {
				s.finish(StateFailed, err)
			}
			return
		}
		if gen, err = s.open(conn); err != nil {
			s.finish(StateClosed, nil)
			return
		}
	}
}

func (s *Socket) redial(b *backoff.Backoff) (*websocket.Conn, error) {
	var lastErr error
	for {
		if limit := s.cfg.Reconnect.MaxAttempts; limit > 0 && int(b.Attempt()) >= limit {
			return nil, fmt.Errorf("%w: %v", ErrMaxReconnectAttempts, lastErr)
		}

		delay := b.Duration()
		s.log.Info().Dur("delay", delay).Float64("attempt", b.Attempt()).Msg("reconnecting")

		select {
		case <-s.lifetime.Done():
			return nil, ErrClosed
		case <-time.After(delay):
		}

		conn, err := s.dial(s.lifetime)
		if err == nil {
			b.Reset()
			return conn, nil
		}
		lastErr = err
		s.log.Warn().Err(err).Msg("reconnect failed")
	}
}

// serve pumps an open conn until it fails or the Socket is closed.
func (s *Socket) serve(conn *websocket.Conn, gen uint64) error {
	ctx, stop := context.WithCancel(s.lifetime)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ctx, conn, gen)
	}()

	err := s.readPump(conn)

	stop()
	<-writerDone
	conn.Close()

	s.mu.Lock()
	s.conn = nil
	s.verified = false
	s.mu.Unlock()

	return err
}

func (s *Socket) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("connection lost")
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		s.Dispatch(message)
	}
}

func (s *Socket) writePump(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case frame := <-s.outbox:
			if frame.verify && frame.gen != gen {
				s.log.Debug().Uint64("conn", frame.gen).Msg("discarding verify reply for a previous connection")
				continue
			}
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					return
				}
			}
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				s.log.Warn().Err(err).Msg("write failed")
				conn.Close()
				return
			}
			if frame.verify {
				s.markVerified(gen)
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *Socket) setState(state State, err error) {
	s.mu.Lock()
	s.state = state
	if state != StateOpen {
		s.verified = false
	}
	s.lastErr = err
	ev := Event{State: state, Verified: s.verified, Err: err}
	watchers := s.snapshotWatchers()
	s.mu.Unlock()

	logEvent := s.log.Info()
	if err != nil {
		logEvent = s.log.Warn().Err(err)
	}
	logEvent.Stringer("state", state).Msg("connection state changed")

	for _, fn := range watchers {
		fn(ev)
	}
}

func (s *Socket) finish(state State, err error) {
	s.setState(state, err)
	s.doneOnce.Do(func() { close(s.done) })
}

// markVerified records a written verify reply, unless conn generation gen
// has since been replaced.
func (s *Socket) markVerified(gen uint64) {
	s.mu.Lock()
	if s.state != StateOpen || s.gen != gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.verified = true
	ev := Event{State: s.state, Verified: true}
	watchers := s.snapshotWatchers()
	s.mu.Unlock()

	s.log.Info().Msg("connection verified")
	for _, fn := range watchers {
		fn(ev)
	}
}

// snapshotWatchers must be called with s.mu held.
func (s *Socket) snapshotWatchers() []func(Event) {
	out := make([]func(Event), 0, len(s.watchers))
	for _, fn := range s.watchers {
		out = append(out, fn)
	}
	return out
}
