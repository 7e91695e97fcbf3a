package mcp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/wricardo/dc4/game/session"
	"github.com/wricardo/dc4/transport/channelsocket"
	peerws "github.com/wricardo/dc4/transport/websocket"
)

type emitted struct {
	channel, command string
	data             string
}

// fakeSocket records emits and registered handlers.
type fakeSocket struct {
	mu       sync.Mutex
	emitted  []emitted
	handlers map[string]channelsocket.Handler
	emitErr  error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{handlers: make(map[string]channelsocket.Handler)}
}

func (s *fakeSocket) Emit(channel, command string, data any) error {
	if s.emitErr != nil {
		return s.emitErr
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted = append(s.emitted, emitted{channel, command, string(raw)})
	return nil
}

func (s *fakeSocket) Listen(channel, command string, h channelsocket.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[channel+"/"+command] = h
}

func (s *fakeSocket) StopListening(channel, command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, channel+"/"+command)
}

func (s *fakeSocket) State() channelsocket.State { return channelsocket.StateOpen }
func (s *fakeSocket) Verified() bool             { return true }
func (s *fakeSocket) Err() error                 { return nil }

func (s *fakeSocket) Routes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	routes := make([]string, 0, len(s.handlers))
	for r := range s.handlers {
		routes = append(routes, r)
	}
	return routes
}

func (s *fakeSocket) deliver(channel, command, data string) bool {
	s.mu.Lock()
	h, ok := s.handlers[channel+"/"+command]
	s.mu.Unlock()
	if ok {
		h(json.RawMessage(data))
	}
	return ok
}

func call(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("Expected result, got nil")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatal("Expected text content in result")
	}
	return text.Text
}

func TestNewBridge(t *testing.T) {
	bridge := NewBridge(newFakeSocket())

	if bridge.GetMCPServer() == nil {
		t.Fatal("Expected MCP server to be initialized")
	}
	if bridge.inboxSize != DefaultInboxSize {
		t.Errorf("Expected inbox size %d, got %d", DefaultInboxSize, bridge.inboxSize)
	}

	response := bridge.GetMCPServer().HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	body, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("Failed to marshal tools/list response: %v", err)
	}
	for _, name := range []string{"send_envelope", "listen", "stop_listening", "read_inbox", "connection_state", "start_search", "stop_search"} {
		if !strings.Contains(string(body), `"name":"`+name+`"`) {
			t.Errorf("Expected tool %s to be registered", name)
		}
	}
}

func TestBridge_SendEnvelope(t *testing.T) {
	sock := newFakeSocket()
	bridge := NewBridge(sock)
	ctx := context.Background()

	result, err := bridge.handleSendEnvelope(ctx, call("send_envelope", map[string]interface{}{
		"channel": "game",
		"command": "move",
		"data":    `{"column":3}`,
	}))
	if err != nil {
		t.Fatalf("send_envelope failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("Unexpected tool error: %s", resultText(t, result))
	}

	result, _ = bridge.handleSendEnvelope(ctx, call("send_envelope", map[string]interface{}{
		"channel": "game",
		"command": "resign",
	}))
	if result.IsError {
		t.Fatalf("Unexpected tool error: %s", resultText(t, result))
	}

	want := []emitted{
		{"game", "move", `{"column":3}`},
		{"game", "resign", `null`},
	}
	if len(sock.emitted) != len(want) {
		t.Fatalf("Expected %d emits, got %d", len(want), len(sock.emitted))
	}
	for i := range want {
		if sock.emitted[i] != want[i] {
			t.Errorf("Emit %d: expected %+v, got %+v", i, want[i], sock.emitted[i])
		}
	}
}

func TestBridge_SendEnvelope_Errors(t *testing.T) {
	sock := newFakeSocket()
	bridge := NewBridge(sock)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"missing command", map[string]interface{}{"channel": "game"}, "required"},
		{"reserved route", map[string]interface{}{"channel": "connection", "command": "verify"}, "reserved"},
		{"invalid data", map[string]interface{}{"channel": "game", "command": "move", "data": "{oops"}, "valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := bridge.handleSendEnvelope(ctx, call("send_envelope", tt.args))
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !result.IsError {
				t.Fatal("Expected tool error")
			}
			if text := resultText(t, result); !strings.Contains(text, tt.want) {
				t.Errorf("Expected %q in %q", tt.want, text)
			}
		})
	}

	sock.emitErr = channelsocket.ErrOutboxFull
	result, _ := bridge.handleSendEnvelope(ctx, call("send_envelope", map[string]interface{}{"channel": "game", "command": "move"}))
	if !result.IsError || !strings.Contains(resultText(t, result), "outbox full") {
		t.Errorf("Expected outbox error, got %q", resultText(t, result))
	}

	if len(sock.emitted) != 0 {
		t.Errorf("Expected no emits, got %d", len(sock.emitted))
	}
}

func TestBridge_ListenAndReadInbox(t *testing.T) {
	sock := newFakeSocket()
	bridge := NewBridge(sock)
	ctx := context.Background()

	for _, route := range [][2]string{{"game", "state"}, {"chat", "say"}} {
		result, err := bridge.handleListen(ctx, call("listen", map[string]interface{}{
			"channel": route[0],
			"command": route[1],
		}))
		if err != nil || result.IsError {
			t.Fatalf("listen %v failed: %v", route, err)
		}
	}

	sock.deliver("game", "state", `{"turn":1}`)
	sock.deliver("chat", "say", `"hi"`)
	sock.deliver("game", "state", `{"turn":2}`)

	result, _ := bridge.handleReadInbox(ctx, call("read_inbox", map[string]interface{}{"channel": "game", "limit": float64(1)}))
	text := resultText(t, result)
	if !strings.Contains(text, "1 envelope(s)") || !strings.Contains(text, `"turn": 1`) {
		t.Errorf("Unexpected inbox read: %s", text)
	}

	result, _ = bridge.handleReadInbox(ctx, call("read_inbox", map[string]interface{}{}))
	text = resultText(t, result)
	if !strings.Contains(text, "2 envelope(s)") || !strings.Contains(text, `"hi"`) || !strings.Contains(text, `"turn": 2`) {
		t.Errorf("Unexpected inbox read: %s", text)
	}

	result, _ = bridge.handleReadInbox(ctx, call("read_inbox", map[string]interface{}{}))
	if text := resultText(t, result); text != "Inbox is empty" {
		t.Errorf("Expected empty inbox, got %s", text)
	}

	result, _ = bridge.handleStopListening(ctx, call("stop_listening", map[string]interface{}{
		"channel": "game",
		"command": "state",
	}))
	if result.IsError {
		t.Fatalf("stop_listening failed: %s", resultText(t, result))
	}
	if sock.deliver("game", "state", `{}`) {
		t.Error("Expected game/state handler to be removed")
	}
}

func TestBridge_ListenRejectsHandshakeRoute(t *testing.T) {
	bridge := NewBridge(newFakeSocket())

	result, _ := bridge.handleListen(context.Background(), call("listen", map[string]interface{}{
		"channel": "connection",
		"command": "verify",
	}))
	if !result.IsError {
		t.Error("Expected error when listening on the handshake route")
	}
}

func TestBridge_InboxDropsOldest(t *testing.T) {
	sock := newFakeSocket()
	bridge := NewBridge(sock, WithInboxSize(2))

	bridge.handleListen(context.Background(), call("listen", map[string]interface{}{"channel": "c", "command": "x"}))
	for _, d := range []string{"1", "2", "3"} {
		sock.deliver("c", "x", d)
	}

	entries, dropped := bridge.drain("", 0)
	if dropped != 1 {
		t.Errorf("Expected 1 dropped entry, got %d", dropped)
	}
	if len(entries) != 2 || string(entries[0].Data) != "2" || string(entries[1].Data) != "3" {
		t.Errorf("Unexpected entries: %+v", entries)
	}
}

func TestBridge_ConnectionState(t *testing.T) {
	sock := newFakeSocket()
	mm, err := session.NewMatchmaker(sock, session.Options{PlayerName: "ada"})
	if err != nil {
		t.Fatalf("Failed to create matchmaker: %v", err)
	}
	bridge := NewBridge(sock, WithMatchmaker(mm))

	result, _ := bridge.handleConnectionState(context.Background(), call("connection_state", nil))
	text := resultText(t, result)

	for _, want := range []string{"State: open", "Verified: true", "search/token", "Inbox: 0", "Matchmaking: idle"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in state output:\n%s", want, text)
		}
	}
}

func TestBridge_Search(t *testing.T) {
	sock := newFakeSocket()
	mm, err := session.NewMatchmaker(sock, session.Options{PlayerName: "ada"})
	if err != nil {
		t.Fatalf("Failed to create matchmaker: %v", err)
	}
	bridge := NewBridge(sock, WithMatchmaker(mm))
	ctx := context.Background()

	result, _ := bridge.handleStartSearch(ctx, call("start_search", nil))
	if result.IsError {
		t.Fatalf("start_search failed: %s", resultText(t, result))
	}

	result, _ = bridge.handleStopSearch(ctx, call("stop_search", nil))
	if !result.IsError {
		t.Error("Expected stop_search to fail before a token is issued")
	}

	sock.deliver("search", "token", `{"token":"tok-5"}`)
	result, _ = bridge.handleStopSearch(ctx, call("stop_search", nil))
	if text := resultText(t, result); result.IsError || !strings.Contains(text, "tok-5") {
		t.Errorf("Unexpected stop_search result: %s", text)
	}

	last := sock.emitted[len(sock.emitted)-1]
	if last != (emitted{"search", "stop", `{"token":"tok-5"}`}) {
		t.Errorf("Unexpected last emit: %+v", last)
	}
}

func TestBridge_ListenKeepsMatchmakingRoutes(t *testing.T) {
	sock := newFakeSocket()
	mm, err := session.NewMatchmaker(sock, session.Options{PlayerName: "ada"})
	if err != nil {
		t.Fatalf("Failed to create matchmaker: %v", err)
	}
	bridge := NewBridge(sock, WithMatchmaker(mm))
	ctx := context.Background()

	if result, _ := bridge.handleStartSearch(ctx, call("start_search", nil)); result.IsError {
		t.Fatalf("start_search failed: %s", resultText(t, result))
	}

	result, _ := bridge.handleListen(ctx, call("listen", map[string]interface{}{
		"channel": "matchmaking",
		"command": "matchFound",
	}))
	if !result.IsError || !strings.Contains(resultText(t, result), "matchmaking") {
		t.Error("Expected listen on matchmaking/matchFound to be rejected")
	}
	result, _ = bridge.handleStopListening(ctx, call("stop_listening", map[string]interface{}{
		"channel": "search",
		"command": "token",
	}))
	if !result.IsError {
		t.Error("Expected stop_listening on search/token to be rejected")
	}

	if !sock.deliver("search", "token", `{"token":"tok-7"}`) {
		t.Fatal("search/token handler was removed")
	}
	if !sock.deliver("matchmaking", "matchFound", `{}`) {
		t.Fatal("matchmaking/matchFound handler was removed")
	}
	if mm.Phase() != session.PhaseMatched {
		t.Errorf("Expected matched phase, got %s", mm.Phase())
	}
	if entries, _ := bridge.drain("", 0); len(entries) != 0 {
		t.Errorf("Expected empty inbox, got %+v", entries)
	}

	// Without a matchmaker the same routes are ordinary.
	plain := NewBridge(newFakeSocket())
	if result, _ := plain.handleListen(ctx, call("listen", map[string]interface{}{
		"channel": "matchmaking",
		"command": "matchFound",
	})); result.IsError {
		t.Errorf("Unexpected error: %s", resultText(t, result))
	}
}

func TestBridge_SearchWithoutMatchmaker(t *testing.T) {
	bridge := NewBridge(newFakeSocket())

	result, _ := bridge.handleStartSearch(context.Background(), call("start_search", nil))
	if !result.IsError || !strings.Contains(resultText(t, result), "not configured") {
		t.Error("Expected start_search to fail without a matchmaker")
	}
}

func TestBridge_OverSocket(t *testing.T) {
	peer := peerws.NewPeer(peerws.WithVerifyChallenge())
	ts := httptest.NewServer(peer)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sock, err := channelsocket.Dial(ctx, channelsocket.DefaultConfig(peerws.URL(ts.URL)))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer sock.Close()

	bridge := NewBridge(sock)
	bridge.handleListen(ctx, call("listen", map[string]interface{}{"channel": "game", "command": "state"}))
	bridge.handleSendEnvelope(ctx, call("send_envelope", map[string]interface{}{
		"channel": "game",
		"command": "join",
		"data":    `{"room":1}`,
	}))

	if _, err := peer.WaitFor(ctx, peerws.Route("game", "join")); err != nil {
		t.Fatalf("Peer did not receive game/join: %v", err)
	}
	if err := peer.BroadcastEnvelope("game", "state", map[string]int{"turn": 7}); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		entries, _ := bridge.drain("game", 0)
		if len(entries) == 1 {
			if string(entries[0].Data) != `{"turn":7}` {
				t.Errorf("Unexpected data: %s", entries[0].Data)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Inbox did not receive game/state")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if sock.Err() != nil {
		t.Errorf("Unexpected socket error: %v", sock.Err())
	}
}
