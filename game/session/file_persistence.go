package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore implements TokenStore with one JSON file per player.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and stores tokens in it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the record to <player>.json.
func (fs *FileStore) Save(record Record) error {
	path, err := fs.filePath(record.Player)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// Load reads the record stored for player.
func (fs *FileStore) Load(player string) (Record, error) {
	path, err := fs.filePath(player)
	if err != nil {
		return Record{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrTokenNotFound
		}
		return Record{}, fmt.Errorf("failed to read token file: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal token record: %w", err)
	}
	return record, nil
}

// Delete removes the record stored for player.
func (fs *FileStore) Delete(player string) error {
	path, err := fs.filePath(player)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}

// ListAll returns every player with a stored token.
func (fs *FileStore) ListAll() ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read token directory: %w", err)
	}

	var players []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, ".json") {
			players = append(players, strings.TrimSuffix(name, ".json"))
		}
	}
	return players, nil
}

// Exists reports whether a record is stored for player.
func (fs *FileStore) Exists(player string) bool {
	path, err := fs.filePath(player)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (fs *FileStore) filePath(player string) (string, error) {
	if player == "" || player == "." || player == ".." || strings.ContainsAny(player, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlayer, player)
	}
	return filepath.Join(fs.dir, player+".json"), nil
}
