// internal/models/lobby.go
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LobbyStatus is the lifecycle state of a lobby row.
type LobbyStatus string

const (
	LobbyWaiting  LobbyStatus = "waiting"
	LobbyStarting LobbyStatus = "starting"
	LobbyInMatch  LobbyStatus = "in_match"
	LobbyClosed   LobbyStatus = "closed"
)

// ValidLobbyStatus reports whether s names a known lobby status. Used when
// filtering list requests.
func ValidLobbyStatus(s string) bool {
	switch LobbyStatus(s) {
	case LobbyWaiting, LobbyStarting, LobbyInMatch, LobbyClosed:
		return true
	}
	return false
}

// Lobby represents a row in the lobbies table. Live ready states and
// connections are kept in memory by the lobby package; this is the shape the
// store persists and list endpoints return.
type Lobby struct {
	ID         uuid.UUID   `json:"id"`
	HostUserID uuid.UUID   `json:"hostUserId"`
	Name       string      `json:"name"`
	JoinCode   string      `json:"joinCode"`
	Status     LobbyStatus `json:"status"`
	System     bool        `json:"system"`

	// Config is the serialized match configuration; Members preserves join
	// order with the host first.
	Config  json.RawMessage `json:"config,omitempty"`
	Members []uuid.UUID     `json:"members"`

	MatchID uuid.UUID `json:"matchId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ClosedAt  time.Time `json:"closedAt,omitempty"`
}
