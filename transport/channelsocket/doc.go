// Package channelsocket provides the DC4 client transport: one WebSocket
// connection multiplexed into named channels, each carrying named commands.
//
// Message Protocol:
//
// Every frame in both directions is one JSON object:
//
//	{"channel": "game", "command": "move", "data": {"column": 3}}
//
// All three fields must be present for an inbound frame to be routed. Frames
// that fail to decode, miss a field, or name an unregistered route are logged
// and dropped; they never close the connection. The one transport limit is
// Config.MaxMessageSize: a frame larger than that ends the connection, which
// then fails or redials like any other loss.
//
// Handshake:
//
// On the reserved "connection" channel the server sends a "verify" command
// carrying {"token": ...}. The socket answers on the same route with the same
// token. The reply is bound to the connection the challenge arrived on and is
// discarded if that connection is gone before it is written. Verified reports
// whether a reply has been written on the current connection.
//
// Usage:
//
//	sock := channelsocket.New(channelsocket.DefaultConfig("ws://127.0.0.1:39142"))
//	sock.Listen("game", "state", func(data json.RawMessage) { ... })
//	if err := sock.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer sock.Close()
//	sock.Emit("game", "move", map[string]int{"column": 3})
//
// Connection Lifecycle:
//
// A Socket starts Idle, moves to Connecting on Connect and to Open once the
// dial succeeds. Close ends in Closed. A lost connection ends in Failed unless
// Reconnect is enabled, in which case the socket redials with exponential
// backoff. Frames sent before the connection opens, or while it is redialing,
// wait in a bounded outbox.
//
// Concurrency:
//
// One goroutine reads and dispatches frames in arrival order; handlers run on
// it and should return quickly. They may call Send, Listen and StopListening.
// One goroutine owns all writes.
package channelsocket
