package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wricardo/dc4/transport/channelsocket"
)

// Channels and commands of the matchmaking protocol.
const (
	SearchChannel      = "search"
	MatchmakingChannel = "matchmaking"

	CommandStart                = "start"
	CommandStop                 = "stop"
	CommandToken                = "token"
	CommandAccept               = "accept"
	CommandMatchFound           = "matchFound"
	CommandOpponentDidNotAccept = "opponentDidNotAccept"

	ResponseAccept  = "accept"
	ResponseDecline = "decline"
)

var (
	ErrAlreadySearching = errors.New("search already in progress")
	ErrNoToken          = errors.New("no matchmaking token")
	ErrNoPlayerName     = errors.New("player name is required")
	ErrNotAwaiting      = errors.New("no match is waiting for a response")
)

// Phase is the matchmaking progress of one player.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSearching
	PhaseAwaitingAccept
	PhaseMatched
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSearching:
		return "searching"
	case PhaseAwaitingAccept:
		return "awaiting_accept"
	case PhaseMatched:
		return "matched"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Conn is the part of a channel socket the matchmaker needs.
// *channelsocket.Socket implements it.
type Conn interface {
	Emit(channel, command string, data any) error
	Listen(channel, command string, h channelsocket.Handler)
	StopListening(channel, command string)
}

// Options configures a Matchmaker.
type Options struct {
	PlayerName string

	// AutoAccept answers every accept request with "accept". When false the
	// matchmaker waits in PhaseAwaitingAccept until Accept is called.
	AutoAccept bool

	// Store persists the token between runs. Nil keeps it in memory only.
	Store TokenStore

	Logger zerolog.Logger

	// OnPhase is called after every phase change, outside the lock.
	OnPhase func(Phase)
}

type tokenData struct {
	Token string `json:"token"`
}

type startData struct {
	Name string `json:"name"`
}

type acceptData struct {
	Response string `json:"response"`
}

// Matchmaker drives the search and accept exchange for one player over a
// shared socket.
type Matchmaker struct {
	conn Conn
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	phase   Phase
	token   string
	matched chan struct{}
}

// NewMatchmaker registers the matchmaking routes on conn. A token left in the
// store by an earlier run is loaded so StopSearch can cancel it.
func NewMatchmaker(conn Conn, opts Options) (*Matchmaker, error) {
	if opts.PlayerName == "" {
		return nil, ErrNoPlayerName
	}

	m := &Matchmaker{
		conn:    conn,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "matchmaker").Str("player", opts.PlayerName).Logger(),
		matched: make(chan struct{}),
	}

	if opts.Store != nil {
		record, err := opts.Store.Load(opts.PlayerName)
		switch {
		case err == nil:
			m.token = record.Token
			m.log.Info().Str("token", record.Token).Msg("recovered stored matchmaking token")
		case !errors.Is(err, ErrTokenNotFound):
			return nil, fmt.Errorf("failed to load token: %w", err)
		}
	}

	for _, r := range m.routes() {
		conn.Listen(r.channel, r.command, r.handle)
	}
	return m, nil
}

type route struct {
	channel string
	command string
	handle  channelsocket.Handler
}

func (m *Matchmaker) routes() []route {
	return []route{
		{SearchChannel, CommandToken, m.handleToken},
		{MatchmakingChannel, CommandAccept, m.handleAccept},
		{MatchmakingChannel, CommandMatchFound, m.handleMatchFound},
		{MatchmakingChannel, CommandOpponentDidNotAccept, m.handleOpponentDidNotAccept},
	}
}

// Owns reports whether the matchmaker listens on (channel, command). Another
// listener on such a route would replace its handler.
func (m *Matchmaker) Owns(channel, command string) bool {
	for _, r := range m.routes() {
		if r.channel == channel && r.command == command {
			return true
		}
	}
	return false
}

// StartSearch asks the server to queue the player. It may be called again
// after a match to look for the next one.
func (m *Matchmaker) StartSearch() error {
	m.mu.Lock()
	if m.phase == PhaseSearching || m.phase == PhaseAwaitingAccept {
		m.mu.Unlock()
		return ErrAlreadySearching
	}
	if m.phase == PhaseMatched {
		m.matched = make(chan struct{})
	}
	m.mu.Unlock()

	if err := m.conn.Emit(SearchChannel, CommandStart, startData{Name: m.opts.PlayerName}); err != nil {
		return fmt.Errorf("failed to start search: %w", err)
	}

	m.setPhase(PhaseSearching)
	return nil
}

// StopSearch cancels the search identified by the current token and forgets
// the token.
func (m *Matchmaker) StopSearch() error {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	if token == "" {
		return ErrNoToken
	}

	if err := m.conn.Emit(SearchChannel, CommandStop, tokenData{Token: token}); err != nil {
		return fmt.Errorf("failed to stop search: %w", err)
	}

	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
	m.forgetToken()
	m.setPhase(PhaseIdle)
	return nil
}

// Accept answers a pending accept request.
func (m *Matchmaker) Accept(accept bool) error {
	m.mu.Lock()
	phase := m.phase
	m.mu.Unlock()

	if phase != PhaseAwaitingAccept {
		return ErrNotAwaiting
	}
	return m.respond(accept)
}

// Phase returns the current phase.
func (m *Matchmaker) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Token returns the current matchmaking token, or "" when none was issued.
func (m *Matchmaker) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// WaitMatch blocks until a match is found or ctx is done.
func (m *Matchmaker) WaitMatch(ctx context.Context) error {
	m.mu.Lock()
	matched := m.matched
	m.mu.Unlock()

	select {
	case <-matched:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close removes the matchmaking routes from the socket.
func (m *Matchmaker) Close() {
	for _, r := range m.routes() {
		m.conn.StopListening(r.channel, r.command)
	}
}

func (m *Matchmaker) handleToken(data json.RawMessage) {
	var td tokenData
	if err := json.Unmarshal(data, &td); err != nil || td.Token == "" {
		m.log.Warn().RawJSON("data", data).Msg("ignoring token message without a token")
		return
	}

	m.mu.Lock()
	m.token = td.Token
	m.mu.Unlock()

	if m.opts.Store != nil {
		err := m.opts.Store.Save(Record{
			Player:  m.opts.PlayerName,
			Token:   td.Token,
			SavedAt: time.Now().UTC(),
		})
		if err != nil {
			m.log.Error().Err(err).Msg("failed to persist matchmaking token")
		}
	}
	m.log.Info().Str("token", td.Token).Msg("queued for matchmaking")
}

func (m *Matchmaker) handleAccept(json.RawMessage) {
	m.setPhase(PhaseAwaitingAccept)

	if m.opts.AutoAccept {
		if err := m.respond(true); err != nil {
			m.log.Error().Err(err).Msg("failed to auto-accept match")
		}
	}
}

func (m *Matchmaker) handleMatchFound(json.RawMessage) {
	m.mu.Lock()
	m.token = ""
	select {
	case <-m.matched:
	default:
		close(m.matched)
	}
	m.mu.Unlock()

	m.forgetToken()
	m.setPhase(PhaseMatched)
	m.log.Info().Msg("match found")
}

// handleOpponentDidNotAccept requeues only a player that was answering an
// accept request. In any other phase the message is stale.
func (m *Matchmaker) handleOpponentDidNotAccept(json.RawMessage) {
	m.mu.Lock()
	phase := m.phase
	m.mu.Unlock()

	if phase != PhaseAwaitingAccept {
		m.log.Debug().Stringer("phase", phase).Msg("ignoring opponentDidNotAccept outside an accept request")
		return
	}
	m.setPhase(PhaseSearching)
	m.log.Info().Msg("opponent did not accept, back in queue")
}

func (m *Matchmaker) respond(accept bool) error {
	response := ResponseDecline
	if accept {
		response = ResponseAccept
	}
	if err := m.conn.Emit(MatchmakingChannel, CommandAccept, acceptData{Response: response}); err != nil {
		return fmt.Errorf("failed to answer accept: %w", err)
	}

	if !accept {
		// A declining player is not put back in the queue by the server.
		m.mu.Lock()
		m.token = ""
		m.mu.Unlock()
		m.forgetToken()
		m.setPhase(PhaseIdle)
	}
	return nil
}

func (m *Matchmaker) forgetToken() {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.Delete(m.opts.PlayerName); err != nil && !errors.Is(err, ErrTokenNotFound) {
		m.log.Error().Err(err).Msg("failed to delete stored token")
	}
}

func (m *Matchmaker) setPhase(p Phase) {
	m.mu.Lock()
	changed := m.phase != p
	m.phase = p
	m.mu.Unlock()

	if changed {
		m.log.Debug().Stringer("phase", p).Msg("matchmaking phase changed")
		if m.opts.OnPhase != nil {
			m.opts.OnPhase(p)
		}
	}
}
