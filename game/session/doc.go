// Package session provides the matchmaking client for the DC4 game server.
//
// The session package implements:
//   - The search and accept exchange on the "search" and "matchmaking" channels
//   - Phase tracking for one player
//   - Token persistence so a restarted client can cancel a stale search
//
// Core Types:
//
// Matchmaker registers its routes on a channel socket and turns server
// messages into phase changes. TokenStore abstracts where the matchmaking
// token lives between runs; FileStore keeps one JSON file per player.
//
// Phases:
//
//	Idle -> Searching -> AwaitingAccept -> Matched
//	                  <- (opponentDidNotAccept)
//
// Usage:
//
//	store, err := session.NewFileStore(".dc4/tokens")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	mm, err := session.NewMatchmaker(socket, session.Options{
//		PlayerName: "ada",
//		AutoAccept: true,
//		Store:      store,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := mm.StartSearch(); err != nil {
//		log.Fatal(err)
//	}
//	err = mm.WaitMatch(ctx)
package session
