// internal/models/match.go
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MatchStatus is the lifecycle state of a match.
// preparing -> active -> rendering -> completed | failed.
type MatchStatus string

const (
	MatchPreparing MatchStatus = "preparing"
	MatchActive    MatchStatus = "active"
	MatchRendering MatchStatus = "rendering"
	MatchCompleted MatchStatus = "completed"
	MatchFailed    MatchStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s MatchStatus) Terminal() bool {
	return s == MatchCompleted || s == MatchFailed
}

// MatchRecord is the persisted snapshot of a match. The live match owned by
// the state machine is authoritative; the store only sees these snapshots.
type MatchRecord struct {
	ID        uuid.UUID   `json:"id"`
	LobbyID   uuid.UUID   `json:"lobbyId"`
	LobbyName string      `json:"lobbyName"`
	Status    MatchStatus `json:"status"`

	Config   json.RawMessage `json:"config"`
	Timeline json.RawMessage `json:"timeline"`

	StartedAt  time.Time `json:"startedAt"`
	EndsAt     time.Time `json:"endsAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	RenderJobID uuid.UUID `json:"renderJobId,omitempty"`
	RenderURL   string    `json:"renderUrl,omitempty"`
	RenderError string    `json:"renderError,omitempty"`
}
