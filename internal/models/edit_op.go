package models

import "github.com/google/uuid"

// EditOpType enumerates the discrete timeline operations a participant may
// submit. Edits are never free-form document patches; each op is validated
// against the match config before it mutates the timeline.
type EditOpType string

const (
	EditInsert EditOpType = "insert"
	EditMove   EditOpType = "move"
	EditTrim   EditOpType = "trim"
	EditDelete EditOpType = "delete"
)

// EditOp captures a participant's timeline edit. Which fields are required
// depends on Op:
//
//	insert: TrackID + Clip (full clip payload, id assigned server-side if nil)
//	move:   TrackID + ClipID + Position (ToTrackID to move across tracks)
//	trim:   TrackID + ClipID + any of Position/Duration/SourceOffset
//	delete: TrackID + ClipID
//
// Optional numeric fields are pointers so absent and zero are distinguishable.
type EditOp struct {
	Op      EditOpType `json:"op"`
	TrackID int        `json:"trackId"`
	ClipID  uuid.UUID  `json:"clipId,omitempty"`

	Clip *Clip `json:"clip,omitempty"`

	ToTrackID    *int     `json:"toTrackId,omitempty"`
	Position     *float64 `json:"position,omitempty"`
	Duration     *float64 `json:"duration,omitempty"`
	SourceOffset *float64 `json:"sourceOffset,omitempty"`
}
