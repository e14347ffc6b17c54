// internal/models/render_job.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// RenderJobStatus is the lifecycle state of a render job.
// queued -> processing -> completed | failed.
type RenderJobStatus string

const (
	RenderQueued     RenderJobStatus = "queued"
	RenderProcessing RenderJobStatus = "processing"
	RenderCompleted  RenderJobStatus = "completed"
	RenderFailed     RenderJobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RenderJobStatus) Terminal() bool {
	return s == RenderCompleted || s == RenderFailed
}

// RenderJob is a queued unit of render work. Jobs are retained after
// reaching a terminal status so clients can poll the result.
type RenderJob struct {
	ID      uuid.UUID `json:"id"`
	MatchID uuid.UUID `json:"matchId,omitempty"`

	// Timeline is the immutable snapshot handed to the render worker.
	Timeline *Timeline `json:"timeline"`
	MediaIDs []string  `json:"mediaIds"`

	Status RenderJobStatus `json:"status"`

	// Position is the number of queued jobs ahead at admission time, so the
	// head of an empty queue gets 0. The live value comes from the queue
	// and only shrinks; this field records where the job started.
	Position int `json:"position"`

	ResultURL string `json:"resultUrl,omitempty"`
	Error     string `json:"error,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}
