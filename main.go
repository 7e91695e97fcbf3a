// Command dc4 connects to a DC4 game server over its channel socket.
//
// It supports these commands:
//  1. "connect" – prints inbound envelopes for watched routes and sends JSON lines read from stdin
//  2. "mcp" – serves the socket as MCP tools over stdio
//  3. "profiles" – lists the connection profiles found in the config directory
//  4. "profiles save NAME" – writes the resolved profile, flags included, as NAME.toml
//  5. "tokens" – lists matchmaking tokens left in the token directory by earlier runs
//
// Global flags select the profile, override the server URL and player name,
// and enable debug logging. A .env file in the working directory is loaded
// before flags are parsed.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"github.com/wricardo/dc4/game/config"
	"github.com/wricardo/dc4/game/session"
	"github.com/wricardo/dc4/logging"
	"github.com/wricardo/dc4/transport/channelsocket"
	"github.com/wricardo/dc4/transport/mcp"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "DC4 Channel Socket Client"
)

// EnvConfigDir overrides the default profile directory.
const EnvConfigDir = "DC4_CONFIG_DIR"

// main loads .env, wires signal handling and runs the selected command.
func main() {
	loadDotEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdin, os.Stdout).Run(ctx, os.Args); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadDotEnv loads a .env file if it exists (ignore error if not found)
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
	}
}

// newApp builds the command tree. in feeds outbound envelopes to connect and
// out receives everything printed for the user.
func newApp(in io.Reader, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "dc4",
		Usage:   AppName,
		Version: Version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-dir",
				Value:   "configs",
				Usage:   "directory containing connection profiles",
				Sources: cli.EnvVars(EnvConfigDir),
			},
			&cli.StringFlag{
				Name:  "profile",
				Usage: "profile name (default profile when empty)",
			},
			&cli.StringFlag{
				Name:  "url",
				Usage: "server URL, overrides the profile",
			},
			&cli.StringFlag{
				Name:  "player",
				Usage: "player name used for matchmaking, overrides the profile",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "connect",
				Usage: "connect, print watched envelopes and send JSON lines from stdin",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "watch",
						Usage: "route to print, as channel:command (repeatable)",
					},
					&cli.BoolFlag{
						Name:  "search",
						Usage: "join the matchmaking queue once connected",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runConnect(ctx, cmd, in, out)
				},
			},
			{
				Name:  "mcp",
				Usage: "serve the channel socket as MCP tools over stdio",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runMCP(ctx, cmd)
				},
			},
			{
				Name:  "profiles",
				Usage: "list connection profiles",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runProfiles(cmd, out)
				},
				Commands: []*cli.Command{
					{
						Name:      "save",
						Usage:     "write the resolved profile, with flag overrides, as NAME.toml",
						ArgsUsage: "NAME",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runSaveProfile(cmd, out)
						},
					},
				},
			},
			{
				Name:  "tokens",
				Usage: "list matchmaking tokens stored by earlier runs",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runTokens(cmd, out)
				},
			},
		},
	}
}

// newLogger builds the stderr logger, honoring --debug.
func newLogger(cmd *cli.Command) zerolog.Logger {
	opts := logging.DefaultOptions()
	if cmd.Bool("debug") {
		opts.Level = zerolog.DebugLevel
	}
	return logging.New(opts)
}

// resolveProfile loads the selected profile and applies environment and flag
// overrides. A missing config directory falls back to the built-in profile
// unless a profile was named explicitly.
func resolveProfile(cmd *cli.Command) (*config.Profile, error) {
	name := cmd.String("profile")

	var profile *config.Profile
	manager, err := config.NewManager(cmd.String("config-dir"))
	switch {
	case err == nil:
		if profile, err = manager.Resolve(name); err != nil {
			return nil, err
		}
	case errors.Is(err, config.ErrNoProfileDir) && name == "":
		profile = config.Default()
		if err := profile.ApplyEnv(); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if u := cmd.String("url"); u != "" {
		profile.URL = u
	}
	if p := cmd.String("player"); p != "" {
		profile.PlayerName = p
	}
	return profile, profile.Validate()
}

// newMatchmaker wires a matchmaker with a file token store to sock.
func newMatchmaker(sock session.Conn, profile *config.Profile, logger zerolog.Logger, onPhase func(session.Phase)) (*session.Matchmaker, error) {
	store, err := session.NewFileStore(profile.TokenDir)
	if err != nil {
		return nil, err
	}
	return session.NewMatchmaker(sock, session.Options{
		PlayerName: profile.PlayerName,
		AutoAccept: profile.AutoAccept,
		Store:      store,
		Logger:     logger,
		OnPhase:    onPhase,
	})
}

// route is one channel/command pair given with --watch.
type route struct {
	channel string
	command string
}

// parseWatches rejects the handshake route, since a print handler on it would
// replace the verify reply.
func parseWatches(values []string) ([]route, error) {
	routes := make([]route, 0, len(values))
	for _, v := range values {
		channel, command, ok := strings.Cut(v, ":")
		if !ok || channel == "" || command == "" {
			return nil, fmt.Errorf("invalid --watch %q, expected channel:command", v)
		}
		if channel == channelsocket.ConnectionChannel && command == channelsocket.VerifyCommand {
			return nil, fmt.Errorf("invalid --watch %q, %s/%s is reserved for the handshake", v, channel, command)
		}
		routes = append(routes, route{channel: channel, command: command})
	}
	return routes, nil
}

// printer serializes console output from the reader goroutine and watchers.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) envelope(channel, command string, data json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	color.New(color.FgCyan).Fprintf(p.out, "[%s/%s] ", channel, command)
	fmt.Fprintln(p.out, string(data))
}

func (p *printer) state(ev channelsocket.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := color.New(color.FgYellow)
	switch {
	case ev.State == channelsocket.StateFailed:
		c = color.New(color.FgRed)
	case ev.State == channelsocket.StateOpen && ev.Verified:
		c = color.New(color.FgGreen)
	}

	msg := fmt.Sprintf("* %s", ev.State)
	if ev.Verified {
		msg += " (verified)"
	}
	if ev.Err != nil {
		msg += ": " + ev.Err.Error()
	}
	c.Fprintln(p.out, msg)
}

func (p *printer) phase(ph session.Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	color.New(color.FgMagenta).Fprintf(p.out, "* matchmaking %s\n", ph)
}

func (p *printer) warn(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	color.New(color.FgRed).Fprintf(p.out, format+"\n", args...)
}

// sender is the part of the socket pumpStdin needs.
type sender interface {
	Send(env channelsocket.Envelope) error
}

// pumpStdin sends one envelope per non-empty JSON line. Bad lines are
// reported and skipped. It returns when in is exhausted.
func pumpStdin(in io.Reader, sock sender, p *printer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var env channelsocket.Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			p.warn("skipping line: %v", err)
			continue
		}
		if err := sock.Send(env); err != nil {
			if errors.Is(err, channelsocket.ErrClosed) {
				return err
			}
			p.warn("send failed: %v", err)
		}
	}
	return scanner.Err()
}

// runConnect keeps a socket open until interrupted or the connection fails.
func runConnect(ctx context.Context, cmd *cli.Command, in io.Reader, out io.Writer) error {
	profile, err := resolveProfile(cmd)
	if err != nil {
		return err
	}
	watches, err := parseWatches(cmd.StringSlice("watch"))
	if err != nil {
		return err
	}

	logger := newLogger(cmd)
	p := &printer{out: out}

	sock := channelsocket.New(profile.SocketConfig(logger))
	sock.Watch(p.state)
	for _, w := range watches {
		w := w
		sock.Listen(w.channel, w.command, func(data json.RawMessage) {
			p.envelope(w.channel, w.command, data)
		})
	}

	var mm *session.Matchmaker
	if cmd.Bool("search") {
		if mm, err = newMatchmaker(sock, profile, logger, p.phase); err != nil {
			return err
		}
		defer mm.Close()
		for _, w := range watches {
			if mm.Owns(w.channel, w.command) {
				return fmt.Errorf("invalid --watch %s:%s, the route is handled by --search", w.channel, w.command)
			}
		}
	}

	if err := sock.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", profile.URL, err)
	}
	defer sock.Close()

	if mm != nil {
		if err := mm.StartSearch(); err != nil {
			return err
		}
	}

	stdinDone := make(chan error, 1)
	go func() {
		stdinDone <- pumpStdin(in, sock, p)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sock.Done():
			return sock.Err()
		case err := <-stdinDone:
			if err != nil && !errors.Is(err, channelsocket.ErrClosed) {
				return fmt.Errorf("read stdin: %w", err)
			}
			// Keep printing inbound envelopes after stdin ends.
			stdinDone = nil
		}
	}
}

// runMCP serves the MCP bridge over stdio. Logs go to stderr so stdout stays
// reserved for the protocol.
func runMCP(ctx context.Context, cmd *cli.Command) error {
	profile, err := resolveProfile(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd)

	sock := channelsocket.New(profile.SocketConfig(logger))
	if err := sock.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", profile.URL, err)
	}
	defer sock.Close()

	opts := []mcp.BridgeOption{mcp.WithLogger(logger)}
	if profile.PlayerName != "" {
		mm, err := newMatchmaker(sock, profile, logger, nil)
		if err != nil {
			return err
		}
		defer mm.Close()
		opts = append(opts, mcp.WithMatchmaker(mm))
	}

	bridge := mcp.NewBridge(sock, opts...)
	logger.Info().Str("url", profile.URL).Msg("serving MCP over stdio")
	return server.ServeStdio(bridge.GetMCPServer())
}

// runProfiles prints every profile in the config directory.
func runProfiles(cmd *cli.Command, out io.Writer) error {
	manager, err := config.NewManager(cmd.String("config-dir"))
	if err != nil {
		return err
	}

	names, err := manager.ListProfiles()
	if err != nil {
		return err
	}

	def := manager.GetDefault()
	color.New(color.FgGreen).Fprintf(out, "%-16s", "(default)")
	fmt.Fprintf(out, " %s\n", def.URL)

	for _, name := range names {
		profile, err := manager.LoadProfile(name)
		if err != nil {
			color.New(color.FgRed).Fprintf(out, "%-16s %v\n", name, err)
			continue
		}
		color.New(color.FgCyan).Fprintf(out, "%-16s", name)
		fmt.Fprintf(out, " %s\n", profile.URL)
	}
	return nil
}

// runSaveProfile writes the profile selected by the global flags into the
// config directory, creating the directory if needed.
func runSaveProfile(cmd *cli.Command, out io.Writer) error {
	name := cmd.Args().First()
	if name == "" {
		return errors.New("profiles save: a profile name is required")
	}

	profile, err := resolveProfile(cmd)
	if err != nil {
		return err
	}

	dir := cmd.String("config-dir")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	manager, err := config.NewManager(dir)
	if err != nil {
		return err
	}
	if err := manager.SaveProfile(name, profile); err != nil {
		return err
	}

	color.New(color.FgGreen).Fprintf(out, "saved %s", name)
	fmt.Fprintf(out, " %s\n", filepath.Join(dir, name+".toml"))
	return nil
}

// runTokens prints the tokens in the profile's token directory. A token left
// behind by a crashed run still holds a place in the server queue.
func runTokens(cmd *cli.Command, out io.Writer) error {
	profile, err := resolveProfile(cmd)
	if err != nil {
		return err
	}
	store, err := session.NewFileStore(profile.TokenDir)
	if err != nil {
		return err
	}

	players, err := store.ListAll()
	if err != nil {
		return err
	}
	if len(players) == 0 {
		fmt.Fprintln(out, "no stored tokens")
		return nil
	}

	for _, player := range players {
		record, err := store.Load(player)
		if err != nil {
			color.New(color.FgRed).Fprintf(out, "%-16s %v\n", player, err)
			continue
		}
		color.New(color.FgCyan).Fprintf(out, "%-16s", player)
		fmt.Fprintf(out, " %s saved %s\n", record.Token, record.SavedAt.Format(time.RFC3339))
	}
	return nil
}
