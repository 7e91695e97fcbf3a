package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidProfile  = errors.New("invalid profile")
	ErrNoProfileDir    = errors.New("profile directory does not exist")
)

const profileExt = ".toml"

// Manager loads named client profiles from a directory and caches them.
type Manager struct {
	profileDir     string
	defaultProfile *Profile
	profiles       map[string]*Profile
	mu             sync.RWMutex
}

// NewManager creates a profile manager over profileDir.
func NewManager(profileDir string) (*Manager, error) {
	if _, err := os.Stat(profileDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNoProfileDir, profileDir)
	}

	m := &Manager{
		profileDir: profileDir,
		profiles:   make(map[string]*Profile),
	}

	if err := m.loadDefaultProfile(); err != nil {
		return nil, fmt.Errorf("failed to load default profile: %w", err)
	}

	return m, nil
}

// LoadProfile loads a profile by name. Keys missing from the file keep their
// built-in defaults.
func (m *Manager) LoadProfile(name string) (*Profile, error) {
	name = strings.TrimSuffix(name, profileExt)

	m.mu.RLock()
	if p, exists := m.profiles[name]; exists {
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if p, exists := m.profiles[name]; exists {
		return p, nil
	}

	path := filepath.Join(m.profileDir, name+profileExt)

	p := Default()
	if _, err := toml.DecodeFile(path, p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
		}
		return nil, fmt.Errorf("failed to parse profile %s: %w", name, err)
	}
	p.Name = name

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", name, err)
	}

	m.profiles[name] = p
	return p, nil
}

// ListProfiles returns the names of all profile files, sorted.
func (m *Manager) ListProfiles() ([]string, error) {
	entries, err := os.ReadDir(m.profileDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), profileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), profileExt))
	}
	sort.Strings(names)
	return names, nil
}

// Resolve returns a copy of the named profile, or of the default profile
// when name is empty, with environment overrides applied.
func (m *Manager) Resolve(name string) (*Profile, error) {
	var (
		p   *Profile
		err error
	)
	if name == "" {
		p = m.GetDefault()
	} else if p, err = m.LoadProfile(name); err != nil {
		return nil, err
	}

	resolved := *p
	if err := resolved.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", resolved.Name, err)
	}
	return &resolved, nil
}

// GetDefault returns the default profile.
func (m *Manager) GetDefault() *Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultProfile
}

// SaveProfile validates p and writes it as <name>.toml.
func (m *Manager) SaveProfile(name string, p *Profile) error {
	name = strings.TrimSuffix(name, profileExt)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: bad profile name %q", ErrInvalidProfile, name)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(m.profileDir, name+profileExt))
	if err != nil {
		return fmt.Errorf("failed to create profile file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(p); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}

	saved := *p
	saved.Name = name

	m.mu.Lock()
	m.profiles[name] = &saved
	m.mu.Unlock()

	return nil
}

// loadDefaultProfile uses default.toml when present and the built-in
// profile otherwise.
func (m *Manager) loadDefaultProfile() error {
	p, err := m.LoadProfile("default")
	if err != nil {
		if !errors.Is(err, ErrProfileNotFound) {
			return err
		}
		p = Default()
	}

	m.mu.Lock()
	m.defaultProfile = p
	m.mu.Unlock()
	return nil
}
