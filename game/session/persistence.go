package session

import (
	"errors"
	"time"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrInvalidPlayer = errors.New("invalid player name")
)

// TokenStore persists the matchmaking token issued to a player so a restarted
// client can still cancel its search.
type TokenStore interface {
	// Save stores the record, replacing any previous one for the player
	Save(record Record) error

	// Load returns the record for player or ErrTokenNotFound
	Load(player string) (Record, error)

	// Delete removes the record for player
	Delete(player string) error

	// ListAll returns every player with a stored token
	ListAll() ([]string, error)

	// Exists reports whether a record is stored for player
	Exists(player string) bool
}

// Record is one stored matchmaking token.
type Record struct {
	Player  string    `json:"player"`
	Token   string    `json:"token"`
	SavedAt time.Time `json:"saved_at"`
}
