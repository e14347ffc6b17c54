// internal/match/snapshot.go
package match

import (
	"time"

	"github.com/google/uuid"

	"github.com/cutroom-app/cutroom/internal/models"
)

// Snapshot is the full authoritative view of a match, pushed to clients on
// join and reconnect and served by the status endpoint. Every participant
// receives the same snapshot.
type Snapshot struct {
	MatchID   uuid.UUID          `json:"matchId"`
	LobbyID   uuid.UUID          `json:"lobbyId"`
	Status    models.MatchStatus `json:"status"`
	StartedAt time.Time          `json:"startedAt,omitempty"`
	EndsAt    time.Time          `json:"endsAt,omitempty"`

	// RemainingSec is max(0, endsAt-now) while the match is active, 0 after.
	RemainingSec float64 `json:"remainingSec"`

	EditCount int `json:"editCount"`

	Players  []SnapshotPlayer `json:"players"`
	Timeline *models.Timeline `json:"timeline"`

	// QueuePosition is set only while the render job is still waiting in
	// the queue; it disappears once processing starts.
	QueuePosition *int `json:"queuePosition,omitempty"`

	RenderURL   string `json:"renderUrl,omitempty"`
	RenderError string `json:"renderError,omitempty"`
}

// SnapshotPlayer is the public projection of one participant.
type SnapshotPlayer struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Color       string    `json:"color"`
	Connected   bool      `json:"connected"`
	ClipCount   int       `json:"clip_count"`
	EditCount   int       `json:"edit_count"`
}

// buildSnapshotUnsafe assembles the current view. The timeline is deep
// copied so the caller may hand the snapshot to other goroutines.
// Assumes lock is held.
func (m *Match) buildSnapshotUnsafe() *Snapshot {
	snap := &Snapshot{
		MatchID:      m.ID,
		LobbyID:      m.LobbyID,
		Status:       m.Status,
		StartedAt:    m.StartedAt,
		EndsAt:       m.EndsAt,
		RemainingSec: m.remainingSecUnsafe(time.Now()),
		EditCount:    m.editSeq,
		Timeline:     cloneTimeline(m.Timeline),
		RenderURL:    m.RenderURL,
		RenderError:  m.RenderError,
	}
	for _, p := range m.Players {
		snap.Players = append(snap.Players, SnapshotPlayer{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
			Color:       p.Color,
			Connected:   p.Connected,
			ClipCount:   p.ClipCount,
			EditCount:   p.EditCount,
		})
	}
	if m.Status == models.MatchRendering && m.RenderJobID != uuid.Nil && m.QueuePositionFn != nil {
		if pos, ok := m.QueuePositionFn(m.RenderJobID); ok {
			snap.QueuePosition = &pos
		}
	}
	return snap
}

// remainingSecUnsafe clamps the countdown at zero so late reads never show
// a negative remainder. Assumes lock is held.
func (m *Match) remainingSecUnsafe(now time.Time) float64 {
	if m.Status != models.MatchActive {
		return 0
	}
	rem := m.EndsAt.Sub(now).Seconds()
	if rem < 0 {
		return 0
	}
	return rem
}

// StatusProjection returns the snapshot for the status endpoint.
func (m *Match) StatusProjection() *Snapshot {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.buildSnapshotUnsafe()
}

// sendSnapshotUnsafe pushes the snapshot to one participant.
// Assumes lock is held.
func (m *Match) sendSnapshotUnsafe(playerID uuid.UUID) {
	snap := m.buildSnapshotUnsafe()
	m.fireEventToPlayerUnsafe(playerID, Event{
		Type:  EventSnapshot,
		State: snap,
	})
}

// SendSnapshotTo pushes the current snapshot to one participant.
func (m *Match) SendSnapshotTo(playerID uuid.UUID) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.sendSnapshotUnsafe(playerID)
}

// broadcastSnapshotToAllUnsafe pushes the snapshot to every participant,
// typically after a lifecycle transition. Assumes lock is held.
func (m *Match) broadcastSnapshotToAllUnsafe() {
	snap := m.buildSnapshotUnsafe()
	m.fireEventUnsafe(Event{
		Type:  EventSnapshot,
		State: snap,
	})
}
