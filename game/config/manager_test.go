package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".toml"), []byte(body), 0644))
}

func TestNewManager_MissingDirectory(t *testing.T) {
	_, err := NewManager(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrNoProfileDir)
}

func TestNewManager_BuiltinDefault(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	def := m.GetDefault()
	require.NotNil(t, def)
	assert.Equal(t, "default", def.Name)
	assert.Equal(t, "ws://127.0.0.1:39142", def.URL)
	assert.True(t, def.AutoAccept)
}

func TestNewManager_DefaultFile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "default", `url = "ws://game.example:9000"`)

	m, err := NewManager(dir)
	require.NoError(t, err)
	assert.Equal(t, "ws://game.example:9000", m.GetDefault().URL)
}

func TestNewManager_InvalidDefaultFile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "default", `url = "http://wrong.example"`)

	_, err := NewManager(dir)
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "local", `
url = "ws://localhost:4000"
player_name = "ada"
ping_period = "20s"
pong_wait = "30s"

[reconnect]
enabled = true
initial_delay = "100ms"
max_attempts = 5
`)

	m, err := NewManager(dir)
	require.NoError(t, err)

	p, err := m.LoadProfile("local")
	require.NoError(t, err)

	assert.Equal(t, "local", p.Name)
	assert.Equal(t, "ws://localhost:4000", p.URL)
	assert.Equal(t, "ada", p.PlayerName)
	assert.Equal(t, 20*time.Second, p.PingPeriod.Std())
	assert.Equal(t, 30*time.Second, p.PongWait.Std())
	assert.True(t, p.Reconnect.Enabled)
	assert.Equal(t, 100*time.Millisecond, p.Reconnect.InitialDelay.Std())
	assert.Equal(t, 5, p.Reconnect.MaxAttempts)

	// Unset keys keep defaults.
	assert.Equal(t, Default().OutboxSize, p.OutboxSize)
	assert.Equal(t, Default().Reconnect.MaxDelay, p.Reconnect.MaxDelay)

	again, err := m.LoadProfile("local.toml")
	require.NoError(t, err)
	assert.Same(t, p, again)
}

func TestLoadProfile_Errors(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "broken", `url = `)
	writeProfile(t, dir, "badping", `
ping_period = "40s"
pong_wait = "30s"
`)
	writeProfile(t, dir, "baddur", `ping_period = "soon"`)

	m, err := NewManager(dir)
	require.NoError(t, err)

	_, err = m.LoadProfile("missing")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	_, err = m.LoadProfile("broken")
	assert.Error(t, err)

	_, err = m.LoadProfile("badping")
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = m.LoadProfile("baddur")
	assert.Error(t, err)
}

func TestListProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "zeta", `url = "ws://z:1"`)
	writeProfile(t, dir, "alpha", `url = "ws://a:1"`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.toml"), 0755))

	m, err := NewManager(dir)
	require.NoError(t, err)

	names, err := m.ListProfiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestSaveProfile(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	p := Default()
	p.URL = "ws://saved.example:1234"
	p.Reconnect.Enabled = true
	p.Reconnect.MaxDelay = Duration(3 * time.Second)
	require.NoError(t, m.SaveProfile("saved", p))

	fresh, err := NewManager(dir)
	require.NoError(t, err)
	loaded, err := fresh.LoadProfile("saved")
	require.NoError(t, err)

	assert.Equal(t, "ws://saved.example:1234", loaded.URL)
	assert.True(t, loaded.Reconnect.Enabled)
	assert.Equal(t, 3*time.Second, loaded.Reconnect.MaxDelay.Std())

	bad := Default()
	bad.URL = "ftp://nope"
	assert.ErrorIs(t, m.SaveProfile("bad", bad), ErrInvalidProfile)
	assert.ErrorIs(t, m.SaveProfile("../escape", p), ErrInvalidProfile)
}

func TestResolve_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "local", `
url = "ws://localhost:4000"
player_name = "ada"
`)
	m, err := NewManager(dir)
	require.NoError(t, err)

	t.Setenv("DC4_PLAYER_NAME", "grace")
	t.Setenv("DC4_RECONNECT_ENABLED", "true")
	t.Setenv("DC4_RECONNECT_MAX_DELAY", "2s")

	p, err := m.Resolve("local")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:4000", p.URL)
	assert.Equal(t, "grace", p.PlayerName)
	assert.True(t, p.Reconnect.Enabled)
	assert.Equal(t, 2*time.Second, p.Reconnect.MaxDelay.Std())

	cached, err := m.LoadProfile("local")
	require.NoError(t, err)
	assert.Equal(t, "ada", cached.PlayerName, "Resolve must not mutate the cache")
}

func TestResolve_DefaultAndInvalidEnv(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	p, err := m.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "default", p.Name)

	t.Setenv("DC4_URL", "not a url")
	_, err = m.Resolve("")
	assert.ErrorIs(t, err, ErrInvalidProfile)
}

func TestSocketConfig(t *testing.T) {
	p := Default()
	p.URL = "ws://example:1"
	p.OutboxSize = 8
	p.SendRate = 5
	p.SendBurst = 2
	p.Reconnect = Reconnect{Enabled: true, MaxAttempts: 3, Multiplier: 1.5}

	cfg := p.SocketConfig(zerolog.Nop())
	assert.Equal(t, "ws://example:1", cfg.URL)
	assert.Equal(t, 8, cfg.OutboxSize)
	assert.EqualValues(t, 5, cfg.SendRate)
	assert.Equal(t, 2, cfg.SendBurst)
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 1.5, cfg.Reconnect.Multiplier)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.InitialDelay)
}

func TestManager_ConcurrentLoad(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "shared", `url = "ws://shared:1"`)
	m, err := NewManager(dir)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Profile, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := m.LoadProfile("shared")
			if err == nil {
				results[i] = p
			}
		}(i)
	}
	wg.Wait()

	for _, p := range results {
		assert.Same(t, results[0], p)
	}
}
