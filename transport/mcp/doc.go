// Package mcp provides a Model Context Protocol server for a DC4 channel socket.
//
// The mcp package implements:
//   - MCP server for AI agent integration
//   - Tool definitions mapping to channel socket operations
//   - An inbox that buffers inbound envelopes between tool calls
//
// MCP Tools:
//
// The package exposes the following tools for AI agents:
//   - send_envelope: Send {channel, command, data} to the server
//   - listen: Capture a channel/command pair into the inbox
//   - stop_listening: Stop capturing a channel/command pair
//   - read_inbox: Read and drain captured envelopes
//   - connection_state: Lifecycle state, verification and active routes
//   - start_search: Join the matchmaking queue
//   - stop_search: Leave the matchmaking queue
//
// Inbox:
//
// Envelopes captured by listen are kept in arrival order. When the inbox is
// full the oldest entry is dropped and read_inbox reports how many were lost.
//
// Usage:
//
//	sock, err := channelsocket.Dial(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	bridge := mcp.NewBridge(sock, mcp.WithMatchmaker(mm))
//	server.ServeStdio(bridge.GetMCPServer())
package mcp
