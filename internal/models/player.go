package models

import (
	"time"

	"github.com/google/uuid"
)

type Player struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Color       string    `json:"color"`
	Connected   bool      `json:"connected"`
	LastSeen    time.Time `json:"lastSeen"`

	// ClipCount tracks clips currently owned on the timeline; EditCount is
	// cumulative over the match.
	ClipCount int `json:"clipCount"`
	EditCount int `json:"editCount"`

	User *User `json:"-"`
}
