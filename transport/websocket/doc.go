// Package websocket provides a scriptable WebSocket peer that speaks the DC4
// envelope protocol.
//
// The peer stands in for the game server in tests and local experiments. It
// upgrades connections on /ws, records every envelope clients send, and lets
// the caller push frames to all connected clients.
//
// Message Protocol:
//
// Frames are JSON objects: {"channel": "...", "command": "...", "data": ...}.
// Frames that do not decode are still recorded with their raw bytes so tests
// can assert on malformed output too.
//
// Handshake:
//
// With WithVerifyChallenge the peer sends a connection/verify frame carrying
// a fresh uuid token as soon as a client connects, and remembers which tokens
// were echoed back.
//
// Usage:
//
//	peer := websocket.NewPeer(websocket.WithVerifyChallenge())
//	ts := httptest.NewServer(peer)
//	defer ts.Close()
//
//	url := websocket.URL(ts.URL)
//	// dial url, then:
//	frame, err := peer.WaitFor(ctx, websocket.Route("game", "move"))
//
// Concurrency:
//
// Each connection gets a read and a write goroutine, as in a regular hub.
// All Peer methods are safe for concurrent use.
package websocket
