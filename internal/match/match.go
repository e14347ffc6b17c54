// internal/match/match.go
//
// Package match owns the lifecycle of a collaborative editing session:
// preparing -> active -> rendering -> completed | failed. All mutation of
// one match is serialized by its own mutex; methods with the Unsafe suffix
// assume the lock is held.
package match

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cutroom-app/cutroom/internal/database"
	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/models"
)

// highlightPalette attributes each participant's edits a color, assigned by
// join order.
var highlightPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
	"#bcf60c", "#fabebe", "#008080", "#e6beff",
}

// Match holds the entire state for a single editing session in memory.
type Match struct {
	ID        uuid.UUID
	LobbyID   uuid.UUID
	LobbyName string

	// Config is snapshotted from the lobby at start and never changes.
	Config Config

	Status   models.MatchStatus
	Timeline *models.Timeline

	Players []*models.Player

	StartedAt  time.Time
	EndsAt     time.Time
	FinishedAt time.Time

	RenderJobID uuid.UUID
	RenderURL   string
	RenderError string

	lastSeen   map[uuid.UUID]time.Time
	editSeq    int
	LastEditAt time.Time

	Mu sync.Mutex

	// expireTimer drives the hard active-duration deadline. expireEpoch
	// guards against stale timer callbacks after a reschedule.
	expireTimer *time.Timer
	expireEpoch int

	// BroadcastFn is used to send events to all participants. If nil, no broadcast is done.
	BroadcastFn func(ev Event)

	// BroadcastToPlayerFn sends an event to a single specific participant.
	BroadcastToPlayerFn func(playerID uuid.UUID, ev Event)

	// OnRenderStart enqueues the render job when the match leaves active.
	// It receives an immutable timeline snapshot and returns the job id.
	OnRenderStart func(m *Match, timeline *models.Timeline, mediaIDs []string) (uuid.UUID, error)

	// QueuePositionFn reports the render job's queue position while the
	// match is rendering.
	QueuePositionFn func(jobID uuid.UUID) (int, bool)

	// OnEnd is invoked once when the match reaches a terminal status.
	OnEnd func(m *Match)
}

// New builds a preparing match with an empty timeline for the config.
func New(lobbyID uuid.UUID, lobbyName string, cfg Config) *Match {
	id, _ := uuid.NewRandom()
	return &Match{
		ID:        id,
		LobbyID:   lobbyID,
		LobbyName: lobbyName,
		Config:    cfg,
		Status:    models.MatchPreparing,
		Timeline:  newTimeline(cfg),
		lastSeen:  make(map[uuid.UUID]time.Time),
	}
}

// AddPlayer registers a participant while the match is preparing, or marks
// an existing participant reconnected. Colors are assigned by join order.
func (m *Match) AddPlayer(p *models.Player) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	for _, pl := range m.Players {
		if pl.ID == p.ID {
			pl.Connected = true
			m.lastSeen[p.ID] = time.Now()
			log.Printf("Player %s already in match %s, marked connected", p.ID, m.ID)
			return
		}
	}
	if m.Status != models.MatchPreparing {
		log.Printf("Player %s cannot be added to match %s after start", p.ID, m.ID)
		return
	}
	if p.Color == "" {
		p.Color = highlightPalette[len(m.Players)%len(highlightPalette)]
	}
	p.Connected = true
	m.Players = append(m.Players, p)
	m.lastSeen[p.ID] = time.Now()
}

// Begin transitions preparing -> active, fixes the hard deadline
// EndsAt = now + matchDuration, and schedules the expiry check.
func (m *Match) Begin() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if m.Status != models.MatchPreparing {
		return errs.Conflict("match %s is %s, cannot begin", m.ID, m.Status)
	}
	if len(m.Players) < m.Config.MinPlayers {
		return errs.Conflict("match %s needs at least %d players, has %d", m.ID, m.Config.MinPlayers, len(m.Players))
	}

	now := time.Now()
	m.Status = models.MatchActive
	m.StartedAt = now
	m.EndsAt = now.Add(time.Duration(m.Config.MatchDurationSec) * time.Second)
	m.LastEditAt = now

	m.scheduleExpiryUnsafe()
	log.Printf("Match %s started, ends at %s", m.ID, m.EndsAt.Format(time.RFC3339))

	m.broadcastSnapshotToAllUnsafe()
	m.persistSnapshotUnsafe()
	return nil
}

// scheduleExpiryUnsafe arms the timer that enforces the active-duration
// deadline. The epoch captured into the callback invalidates stale fires
// after a reschedule. Assumes lock is held.
func (m *Match) scheduleExpiryUnsafe() {
	if m.expireTimer != nil {
		m.expireTimer.Stop()
	}
	m.expireEpoch++
	epoch := m.expireEpoch

	m.expireTimer = time.AfterFunc(time.Until(m.EndsAt), func() {
		// Run in a fresh goroutine so the timer callback never holds the
		// timer runtime hostage while waiting on the match lock.
		go func(epoch int) {
			m.Mu.Lock()
			defer m.Mu.Unlock()

			if m.expireEpoch != epoch {
				log.Printf("Match %s: stale expiry timer (epoch %d, current %d), ignoring", m.ID, epoch, m.expireEpoch)
				return
			}
			if m.Status != models.MatchActive {
				return
			}
			if time.Now().Before(m.EndsAt) {
				// Deadline moved; re-arm.
				m.scheduleExpiryUnsafe()
				return
			}
			m.beginRenderingUnsafe("match duration elapsed")
		}(epoch)
	})
}

// End explicitly finishes an active match ahead of the deadline.
func (m *Match) End() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Status != models.MatchActive {
		return errs.Conflict("match %s is %s, cannot end", m.ID, m.Status)
	}
	m.beginRenderingUnsafe("ended by request")
	return nil
}

// ExpireIfOverdue transitions an overdue active match into rendering. The
// reaper uses this to recover matches whose timer was lost; the status check
// keeps the transition exactly-once.
func (m *Match) ExpireIfOverdue(now time.Time) bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Status != models.MatchActive || now.Before(m.EndsAt) {
		return false
	}
	m.beginRenderingUnsafe("deadline passed")
	return true
}

// beginRenderingUnsafe is the single active -> rendering transition point.
// Callers must have checked Status == active; the assignment below makes any
// concurrent second caller observe rendering and bail, so the transition
// happens at most once per match. Assumes lock is held.
func (m *Match) beginRenderingUnsafe(cause string) {
	m.Status = models.MatchRendering
	if m.expireTimer != nil {
		m.expireTimer.Stop()
		m.expireTimer = nil
	}
	m.expireEpoch++

	log.Printf("Match %s: rendering (%s)", m.ID, cause)

	if m.OnRenderStart != nil {
		snapshot := cloneTimeline(m.Timeline)
		jobID, err := m.OnRenderStart(m, snapshot, collectMediaIDs(snapshot))
		if err != nil {
			log.Printf("Match %s: render enqueue failed: %v", m.ID, err)
			m.failUnsafe("render enqueue failed: " + err.Error())
			return
		}
		m.RenderJobID = jobID
	}

	m.broadcastSnapshotToAllUnsafe()
	m.persistSnapshotUnsafe()
}

// CompleteRender records a successful render and finishes the match.
func (m *Match) CompleteRender(jobID uuid.UUID, url string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Status != models.MatchRendering {
		return errs.Conflict("match %s is %s, cannot complete render", m.ID, m.Status)
	}
	if m.RenderJobID != uuid.Nil && m.RenderJobID != jobID {
		return errs.Conflict("render job %s does not belong to match %s", jobID, m.ID)
	}
	m.Status = models.MatchCompleted
	m.RenderURL = url
	m.FinishedAt = time.Now()
	log.Printf("Match %s: render complete: %s", m.ID, url)

	m.broadcastSnapshotToAllUnsafe()
	m.persistSnapshotUnsafe()
	m.fireOnEndUnsafe()
	return nil
}

// FailRender records a render failure and finishes the match.
func (m *Match) FailRender(jobID uuid.UUID, renderErr string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Status != models.MatchRendering {
		return errs.Conflict("match %s is %s, cannot fail render", m.ID, m.Status)
	}
	if m.RenderJobID != uuid.Nil && m.RenderJobID != jobID {
		return errs.Conflict("render job %s does not belong to match %s", jobID, m.ID)
	}
	m.failUnsafe(renderErr)
	return nil
}

// failUnsafe moves the match to failed from any non-terminal state.
// Assumes lock is held.
func (m *Match) failUnsafe(reason string) {
	if m.Status.Terminal() {
		return
	}
	m.Status = models.MatchFailed
	m.RenderError = reason
	m.FinishedAt = time.Now()
	if m.expireTimer != nil {
		m.expireTimer.Stop()
		m.expireTimer = nil
	}
	log.Printf("Match %s: failed: %s", m.ID, reason)

	m.broadcastSnapshotToAllUnsafe()
	m.persistSnapshotUnsafe()
	m.fireOnEndUnsafe()
}

func (m *Match) fireOnEndUnsafe() {
	if m.OnEnd != nil {
		// Release the match before touching stores and hubs.
		go m.OnEnd(m)
	}
}

// ApplyEdit validates and applies a participant's edit. On success the edit
// is broadcast to everyone but the originator, who receives an ack instead.
// On rejection only the originator is told, with the violated rule named.
func (m *Match) ApplyEdit(playerID uuid.UUID, op *models.EditOp) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	p := m.getPlayerUnsafe(playerID)
	if p == nil {
		return errs.NotFound("player %s is not in match %s", playerID, m.ID)
	}

	var rejected error
	if m.Status != models.MatchActive {
		rejected = errs.Conflict("match is %s, edits are closed", m.Status)
	} else {
		rejected = m.applyEditUnsafe(p, op)
	}

	if rejected != nil {
		m.fireEventToPlayerUnsafe(playerID, Event{
			Type:   EventEditRejected,
			User:   m.eventUserUnsafe(p),
			Edit:   op,
			Reason: rejected.Error(),
		})
		return rejected
	}

	p.EditCount++
	m.editSeq++
	m.LastEditAt = time.Now()
	m.lastSeen[playerID] = m.LastEditAt

	m.fireEventExcludingUnsafe(playerID, Event{
		Type: EventEdit,
		User: m.eventUserUnsafe(p),
		Edit: op,
	})
	m.fireEventToPlayerUnsafe(playerID, Event{
		Type: EventEditAck,
		Edit: op,
		Payload: map[string]interface{}{
			"seq": m.editSeq,
		},
	})
	return nil
}

// Chat relays a participant's message to the whole group. Chat is allowed
// in any non-terminal state so the room can talk while the render runs.
func (m *Match) Chat(playerID uuid.UUID, msg string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	p := m.getPlayerUnsafe(playerID)
	if p == nil {
		return errs.NotFound("player %s is not in match %s", playerID, m.ID)
	}
	if m.Status.Terminal() {
		return errs.Conflict("match is %s, chat is closed", m.Status)
	}

	m.fireEventUnsafe(Event{
		Type: EventChat,
		User: m.eventUserUnsafe(p),
		Payload: map[string]interface{}{
			"msg":    msg,
			"sentAt": time.Now().UTC().Format(time.RFC3339),
		},
	})
	return nil
}

// MarkPlayerDisconnected flags presence only. The participant's clips stay
// on the timeline and the match keeps running.
func (m *Match) MarkPlayerDisconnected(playerID uuid.UUID) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	p := m.getPlayerUnsafe(playerID)
	if p == nil {
		log.Printf("Match %s: disconnect for unknown player %s", m.ID, playerID)
		return
	}
	if !p.Connected {
		return
	}
	p.Connected = false
	p.LastSeen = time.Now()
	m.lastSeen[playerID] = p.LastSeen

	m.fireEventUnsafe(Event{
		Type: EventPresence,
		User: m.eventUserUnsafe(p),
		Payload: map[string]interface{}{
			"connected": false,
		},
	})
}

// HandleReconnect marks a participant connected again and pushes the full
// snapshot so the client catches up without replaying edit history.
func (m *Match) HandleReconnect(playerID uuid.UUID) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	p := m.getPlayerUnsafe(playerID)
	if p == nil {
		return errs.NotFound("player %s is not in match %s", playerID, m.ID)
	}
	p.Connected = true
	p.LastSeen = time.Now()
	m.lastSeen[playerID] = p.LastSeen

	m.sendSnapshotUnsafe(playerID)
	m.fireEventExcludingUnsafe(playerID, Event{
		Type: EventPresence,
		User: m.eventUserUnsafe(p),
		Payload: map[string]interface{}{
			"connected": true,
		},
	})
	return nil
}

// getPlayerUnsafe returns the participant by id, or nil. Assumes lock is held.
func (m *Match) getPlayerUnsafe(playerID uuid.UUID) *models.Player {
	for _, p := range m.Players {
		if p.ID == playerID {
			return p
		}
	}
	return nil
}

func (m *Match) eventUserUnsafe(p *models.Player) *EventUser {
	return &EventUser{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Color:       p.Color,
		AvatarURL:   p.AvatarURL,
	}
}

// fireEventUnsafe sends ev to all participants. Assumes lock is held.
func (m *Match) fireEventUnsafe(ev Event) {
	if m.BroadcastFn != nil {
		m.BroadcastFn(ev)
	}
}

// fireEventExcludingUnsafe sends ev to everyone except exclude.
// Assumes lock is held.
func (m *Match) fireEventExcludingUnsafe(exclude uuid.UUID, ev Event) {
	if m.BroadcastToPlayerFn == nil {
		m.fireEventUnsafe(ev)
		return
	}
	for _, p := range m.Players {
		if p.ID == exclude || !p.Connected {
			continue
		}
		m.BroadcastToPlayerFn(p.ID, ev)
	}
}

// fireEventToPlayerUnsafe sends ev to one participant. Assumes lock is held.
func (m *Match) fireEventToPlayerUnsafe(playerID uuid.UUID, ev Event) {
	if m.BroadcastToPlayerFn != nil {
		m.BroadcastToPlayerFn(playerID, ev)
	}
}

// persistSnapshotUnsafe writes the match snapshot to the store without
// blocking the lock. Failures retry a bounded number of times and are then
// logged; the live match stays authoritative. Assumes lock is held.
func (m *Match) persistSnapshotUnsafe() {
	rec, err := m.recordUnsafe()
	if err != nil {
		log.Printf("Match %s: snapshot marshal failed: %v", m.ID, err)
		return
	}
	go func(rec *models.MatchRecord) {
		if database.DB == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := errs.Retry(ctx, 3, 200*time.Millisecond, func() error {
			return database.UpsertMatch(ctx, rec)
		})
		if err != nil {
			log.Printf("Match %s: snapshot persist failed: %v", rec.ID, err)
		}
	}(rec)
}

// recordUnsafe builds the persistence row for the current state.
// Assumes lock is held.
func (m *Match) recordUnsafe() (*models.MatchRecord, error) {
	cfg, err := json.Marshal(m.Config)
	if err != nil {
		return nil, err
	}
	timeline, err := json.Marshal(m.Timeline)
	if err != nil {
		return nil, err
	}
	return &models.MatchRecord{
		ID:          m.ID,
		LobbyID:     m.LobbyID,
		LobbyName:   m.LobbyName,
		Status:      m.Status,
		Config:      cfg,
		Timeline:    timeline,
		StartedAt:   m.StartedAt,
		EndsAt:      m.EndsAt,
		FinishedAt:  m.FinishedAt,
		RenderJobID: m.RenderJobID,
		RenderURL:   m.RenderURL,
		RenderError: m.RenderError,
	}, nil
}
