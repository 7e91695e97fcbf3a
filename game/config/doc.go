// Package config manages DC4 client profiles.
//
// A profile holds everything needed to open a channel socket and play: the
// server URL, outbox and keepalive settings, reconnect policy, player name and
// where matchmaking tokens are stored.
//
// Profile Files:
//
// Profiles are TOML files named <profile>.toml in a single directory:
//
//	url = "ws://127.0.0.1:39142"
//	player_name = "ada"
//	ping_period = "20s"
//	pong_wait = "30s"
//
//	[reconnect]
//	enabled = true
//	initial_delay = "250ms"
//	max_delay = "5s"
//	max_attempts = 10
//
// Keys that are left out keep the built-in defaults. default.toml, when
// present, replaces the built-in default profile.
//
// Environment Overrides:
//
// Resolve applies DC4_* variables on top of the file, e.g. DC4_URL,
// DC4_PLAYER_NAME or DC4_RECONNECT_ENABLED. Unset variables change nothing.
//
// Usage:
//
//	manager, err := config.NewManager("profiles")
//	if err != nil {
//		log.Fatal(err)
//	}
//	profile, err := manager.Resolve("local")
//	sock := channelsocket.New(profile.SocketConfig(logger))
//
// Concurrency:
//
// The manager is safe for concurrent use. Loaded profiles are cached and
// shared; Resolve hands out copies.
package config
