// internal/match/events.go
package match

import (
	"github.com/google/uuid"

	"github.com/cutroom-app/cutroom/internal/models"
)

// EventType names a real-time message flowing through a match's broadcast
// group.
type EventType string

const (
	EventJoin         EventType = "join"
	EventLeave        EventType = "leave"
	EventEdit         EventType = "edit"
	EventEditAck      EventType = "edit_ack"
	EventEditRejected EventType = "edit_rejected"
	EventPresence     EventType = "presence"
	EventSnapshot     EventType = "state_snapshot"
	EventKick         EventType = "kick"
	EventChat         EventType = "chat"
	EventError        EventType = "error"
)

// EventUser identifies the participant an event concerns.
type EventUser struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"displayName,omitempty"`
	Color       string    `json:"color,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
}

// Event is the wire shape of every match message. Optional fields are
// pointers so they are omitted when unset.
type Event struct {
	Type EventType `json:"type"`

	User *EventUser     `json:"user,omitempty"`
	Edit *models.EditOp `json:"edit,omitempty"`

	// Reason carries the violated rule on edit_rejected and the close
	// reason on kick.
	Reason string `json:"reason,omitempty"`

	Payload map[string]interface{} `json:"payload,omitempty"`

	// State carries the full snapshot on state_snapshot events.
	State *Snapshot `json:"state,omitempty"`
}
