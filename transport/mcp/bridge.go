package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/wricardo/dc4/game/session"
	"github.com/wricardo/dc4/transport/channelsocket"
)

// DefaultInboxSize bounds how many inbound envelopes the bridge keeps before
// dropping the oldest.
const DefaultInboxSize = 1000

var errNoMatchmaker = errors.New("matchmaking is not configured (set a player name)")

// Socket is the part of a channel socket the bridge drives.
// *channelsocket.Socket implements it.
type Socket interface {
	session.Conn
	State() channelsocket.State
	Verified() bool
	Routes() []string
	Err() error
}

// InboxEntry is one inbound envelope captured by a listen tool call.
type InboxEntry struct {
	Channel    string          `json:"channel"`
	Command    string          `json:"command"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithMatchmaker enables the start_search and stop_search tools.
func WithMatchmaker(m *session.Matchmaker) BridgeOption {
	return func(b *Bridge) {
		b.matchmaker = m
	}
}

// WithInboxSize overrides DefaultInboxSize.
func WithInboxSize(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.inboxSize = n
		}
	}
}

// WithLogger sets the bridge logger.
func WithLogger(logger zerolog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.log = logger
	}
}

// Bridge exposes a channel socket as MCP tools.
type Bridge struct {
	sock       Socket
	matchmaker *session.Matchmaker
	mcpServer  *server.MCPServer
	log        zerolog.Logger

	mu        sync.Mutex
	inbox     []InboxEntry
	inboxSize int
	dropped   int
}

// NewBridge creates a Bridge over sock and registers its tools.
func NewBridge(sock Socket, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		sock:      sock,
		inboxSize: DefaultInboxSize,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With().Str("component", "mcp").Logger()

	b.initMCPServer()
	return b
}

// GetMCPServer returns the underlying MCP server instance
func (b *Bridge) GetMCPServer() *server.MCPServer {
	return b.mcpServer
}

// initMCPServer initializes the MCP server with all tools
func (b *Bridge) initMCPServer() {
	b.mcpServer = server.NewMCPServer(
		"DC4 Channel Socket",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`DC4 Channel Socket - MCP Interface

This bridge holds one WebSocket connection to a DC4 game server. Every message
is an envelope {channel, command, data}.

AVAILABLE TOOLS:
- send_envelope: Send an envelope to the server
- listen: Capture envelopes for a channel/command pair into the inbox
- stop_listening: Stop capturing a channel/command pair
- read_inbox: Read and drain captured envelopes
- connection_state: Show connection state, verification and active routes
- start_search: Join the matchmaking queue
- stop_search: Leave the matchmaking queue

NOTE: The connection/verify handshake is answered automatically and cannot be
overridden.`),
	)

	b.registerTools()
}

// registerTools registers all MCP tools
func (b *Bridge) registerTools() {
	routeProperties := map[string]interface{}{
		"channel": map[string]interface{}{
			"type":        "string",
			"description": "Channel name",
		},
		"command": map[string]interface{}{
			"type":        "string",
			"description": "Command name within the channel",
		},
	}

	b.mcpServer.AddTool(mcp.Tool{
		Name:        "send_envelope",
		Description: "Send an envelope to the server",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"channel": routeProperties["channel"],
				"command": routeProperties["command"],
				"data": map[string]interface{}{
					"type":        "string",
					"description": "JSON payload (optional, defaults to null)",
				},
			},
			Required: []string{"channel", "command"},
		},
	}, b.handleSendEnvelope)

	b.mcpServer.AddTool(mcp.Tool{
		Name:        "listen",
		Description: "Capture inbound envelopes for a channel/command pair into the inbox",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: routeProperties,
			Required:   []string{"channel", "command"},
		},
	}, b.handleListen)

	b.mcpServer.AddTool(mcp.Tool{
		Name:        "stop_listening",
		Description: "Stop capturing a channel/command pair",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: routeProperties,
			Required:   []string{"channel", "command"},
		},
	}, b.handleStopListening)

	b.mcpServer.AddTool(mcp.Tool{
		Name:        "read_inbox",
		Description: "Read and remove captured envelopes, oldest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"channel": map[string]interface{}{
					"type":        "string",
					"description": "Only read envelopes from this channel (optional)",
				},
				"limit": map[string]interface{}{
					"type":        "number",
					"description": "Maximum envelopes to read (optional)",
				},
			},
		},
	}, b.handleReadInbox)

	b.mcpServer.AddTool(mcp.Tool{
		Name:        "connection_state",
		Description: "Show connection state, verification and active routes",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, b.handleConnectionState)

	b.mcpServer.AddTool(mcp.Tool{
		Name:        "start_search",
		Description: "Join the matchmaking queue",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, b.handleStartSearch)

	b.mcpServer.AddTool(mcp.Tool{
		Name:        "stop_search",
		Description: "Leave the matchmaking queue using the issued token",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, b.handleStopSearch)
}

func routeArgs(request mcp.CallToolRequest) (string, string, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	channel, _ := args["channel"].(string)
	command, _ := args["command"].(string)
	if channel == "" || command == "" {
		return "", "", fmt.Errorf("channel and command are required")
	}
	if channel == channelsocket.ConnectionChannel && command == channelsocket.VerifyCommand {
		return "", "", fmt.Errorf("%s/%s is reserved for the handshake", channel, command)
	}
	return channel, command, nil
}

func (b *Bridge) handleSendEnvelope(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channel, command, err := routeArgs(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args, _ := request.Params.Arguments.(map[string]interface{})
	data := json.RawMessage("null")
	if raw, _ := args["data"].(string); strings.TrimSpace(raw) != "" {
		if !json.Valid([]byte(raw)) {
			return mcp.NewToolResultError("data is not valid JSON"), nil
		}
		data = json.RawMessage(raw)
	}

	if err := b.sock.Emit(channel, command, data); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	b.log.Debug().Str("channel", channel).Str("command", command).Msg("envelope queued")
	return mcp.NewToolResultText(fmt.Sprintf("Queued %s/%s with data %s", channel, command, data)), nil
}

// listenerArgs is routeArgs plus the routes the matchmaker owns, which an
// agent must not replace or remove.
func (b *Bridge) listenerArgs(request mcp.CallToolRequest) (string, string, error) {
	channel, command, err := routeArgs(request)
	if err != nil {
		return "", "", err
	}
	if b.matchmaker != nil && b.matchmaker.Owns(channel, command) {
		return "", "", fmt.Errorf("%s/%s is handled by matchmaking, use start_search and stop_search", channel, command)
	}
	return channel, command, nil
}

func (b *Bridge) handleListen(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channel, command, err := b.listenerArgs(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	b.sock.Listen(channel, command, func(data json.RawMessage) {
		b.record(channel, command, data)
	})
	return mcp.NewToolResultText(fmt.Sprintf("Listening on %s/%s", channel, command)), nil
}

func (b *Bridge) handleStopListening(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channel, command, err := b.listenerArgs(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	b.sock.StopListening(channel, command)
	return mcp.NewToolResultText(fmt.Sprintf("Stopped listening on %s/%s", channel, command)), nil
}

func (b *Bridge) handleReadInbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	channel, _ := args["channel"].(string)
	limit := 0
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	entries, dropped := b.drain(channel, limit)
	if len(entries) == 0 {
		return mcp.NewToolResultText("Inbox is empty"), nil
	}

	body, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode inbox: %v", err)), nil
	}

	result := fmt.Sprintf("%d envelope(s):\n%s", len(entries), body)
	if dropped > 0 {
		result += fmt.Sprintf("\n\n%d older envelope(s) were dropped because the inbox was full", dropped)
	}
	return mcp.NewToolResultText(result), nil
}

func (b *Bridge) handleConnectionState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(b.formatState()), nil
}

func (b *Bridge) handleStartSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if b.matchmaker == nil {
		return mcp.NewToolResultError(errNoMatchmaker.Error()), nil
	}
	if err := b.matchmaker.StartSearch(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Search started; the token arrives on search/token"), nil
}

func (b *Bridge) handleStopSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if b.matchmaker == nil {
		return mcp.NewToolResultError(errNoMatchmaker.Error()), nil
	}
	token := b.matchmaker.Token()
	if err := b.matchmaker.StopSearch(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Search stopped (token %s)", token)), nil
}

// record appends to the inbox, dropping the oldest entry when full.
func (b *Bridge) record(channel, command string, data json.RawMessage) {
	entry := InboxEntry{
		Channel:    channel,
		Command:    command,
		Data:       append(json.RawMessage(nil), data...),
		ReceivedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.inbox) >= b.inboxSize {
		b.inbox = b.inbox[1:]
		b.dropped++
	}
	b.inbox = append(b.inbox, entry)
}

// drain removes and returns up to limit entries matching channel. An empty
// channel matches all; limit 0 means no limit.
func (b *Bridge) drain(channel string, limit int) ([]InboxEntry, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var taken, kept []InboxEntry
	for _, e := range b.inbox {
		if (channel == "" || e.Channel == channel) && (limit == 0 || len(taken) < limit) {
			taken = append(taken, e)
			continue
		}
		kept = append(kept, e)
	}
	b.inbox = kept

	dropped := b.dropped
	b.dropped = 0
	return taken, dropped
}

func (b *Bridge) formatState() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "State: %s\n", b.sock.State())
	fmt.Fprintf(&sb, "Verified: %t\n", b.sock.Verified())
	if err := b.sock.Err(); err != nil {
		fmt.Fprintf(&sb, "Last error: %v\n", err)
	}

	routes := b.sock.Routes()
	sort.Strings(routes)
	fmt.Fprintf(&sb, "Routes (%d):\n", len(routes))
	for _, r := range routes {
		fmt.Fprintf(&sb, "  - %s\n", r)
	}

	b.mu.Lock()
	pending := len(b.inbox)
	b.mu.Unlock()
	fmt.Fprintf(&sb, "Inbox: %d envelope(s)\n", pending)

	if b.matchmaker != nil {
		fmt.Fprintf(&sb, "Matchmaking: %s", b.matchmaker.Phase())
		if token := b.matchmaker.Token(); token != "" {
			fmt.Fprintf(&sb, " (token %s)", token)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
