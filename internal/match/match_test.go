// internal/match/match_test.go
package match

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/models"
)

// mockBroadcaster collects events instead of sending them over WS.
type mockBroadcaster struct {
	mu           sync.Mutex
	allEvents    []Event               // Events sent to everyone
	playerEvents map[uuid.UUID][]Event // Events sent to specific players
}

func newMockBroadcaster() *mockBroadcaster {
	return &mockBroadcaster{
		playerEvents: make(map[uuid.UUID][]Event),
	}
}

func (mb *mockBroadcaster) broadcastFn(ev Event) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.allEvents = append(mb.allEvents, ev)
}

func (mb *mockBroadcaster) broadcastToPlayerFn(playerID uuid.UUID, ev Event) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.playerEvents[playerID] = append(mb.playerEvents[playerID], ev)
}

func (mb *mockBroadcaster) clear() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.allEvents = []Event{}
	mb.playerEvents = make(map[uuid.UUID][]Event)
}

func (mb *mockBroadcaster) getLastEvent() *Event {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.allEvents) == 0 {
		return nil
	}
	return &mb.allEvents[len(mb.allEvents)-1]
}

func (mb *mockBroadcaster) getLastPlayerEvent(playerID uuid.UUID) *Event {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	events, ok := mb.playerEvents[playerID]
	if !ok || len(events) == 0 {
		return nil
	}
	return &events[len(events)-1]
}

func (mb *mockBroadcaster) playerEventCount(playerID uuid.UUID) int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.playerEvents[playerID])
}

// setupTestMatch initializes an active match with players and mock broadcasters.
func setupTestMatch(t *testing.T, numPlayers int, cfg *Config) (*Match, []*models.Player, *mockBroadcaster) {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}

	m := New(uuid.New(), "test lobby", c)
	mb := newMockBroadcaster()
	m.BroadcastFn = mb.broadcastFn
	m.BroadcastToPlayerFn = mb.broadcastToPlayerFn

	players := make([]*models.Player, numPlayers)
	for i := 0; i < numPlayers; i++ {
		player := &models.Player{
			ID:          uuid.New(),
			DisplayName: "player",
		}
		players[i] = player
		m.AddPlayer(player)
	}

	require.NoError(t, m.Begin(), "Match should start with %d players", numPlayers)
	require.Equal(t, models.MatchActive, m.Status)

	mb.clear() // Clear events from setup phase

	return m, players, mb
}

// shortenDeadline rewinds the match deadline so expiry fires quickly in tests.
func shortenDeadline(m *Match, d time.Duration) {
	m.Mu.Lock()
	m.EndsAt = time.Now().Add(d)
	m.scheduleExpiryUnsafe()
	m.Mu.Unlock()
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

// videoClip builds a minimal valid video clip payload for track 0.
func videoClip(mediaID string, pos, dur float64) *models.Clip {
	return &models.Clip{
		Kind:     models.ClipVideo,
		MediaID:  mediaID,
		Position: pos,
		Duration: dur,
	}
}

// TestInsertBroadcastAndAck tests the basic insert flow: the timeline gains
// the clip, everyone else sees the edit, and only the originator is acked.
func TestInsertBroadcastAndAck(t *testing.T) {
	m, players, mb := setupTestMatch(t, 2, nil)
	playerA := players[0]
	playerB := players[1]

	op := &models.EditOp{
		Op:      models.EditInsert,
		TrackID: 0,
		Clip:    videoClip("media-1", 0, 5),
	}
	require.NoError(t, m.ApplyEdit(playerA.ID, op))

	// Timeline state
	m.Mu.Lock()
	track := m.Timeline.Track(0)
	require.Len(t, track.Clips, 1)
	clip := track.Clips[0]
	assert.NotEqual(t, uuid.Nil, clip.ID, "Server should assign the clip id")
	assert.Equal(t, playerA.ID, clip.OwnerID, "Ownership is server-assigned")
	assert.Equal(t, 1, playerA.ClipCount)
	assert.Equal(t, 1, playerA.EditCount)
	m.Mu.Unlock()

	// B sees the edit with A's identity and color
	lastB := mb.getLastPlayerEvent(playerB.ID)
	require.NotNil(t, lastB)
	assert.Equal(t, EventEdit, lastB.Type)
	require.NotNil(t, lastB.User)
	assert.Equal(t, playerA.ID, lastB.User.ID)
	assert.NotEmpty(t, lastB.User.Color)

	// A gets an ack, not an echo of the edit
	lastA := mb.getLastPlayerEvent(playerA.ID)
	require.NotNil(t, lastA)
	assert.Equal(t, EventEditAck, lastA.Type)
	for _, ev := range mb.playerEvents[playerA.ID] {
		assert.NotEqual(t, EventEdit, ev.Type, "Originator must not receive their own edit broadcast")
	}
}

// TestClipCapRejected tests that the per-player clip budget is enforced and
// the rejection names the violated cap, to the originator only.
func TestClipCapRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClipsPerPlayer = 1
	m, players, mb := setupTestMatch(t, 2, &cfg)
	playerA := players[0]
	playerB := players[1]

	require.NoError(t, m.ApplyEdit(playerA.ID, &models.EditOp{
		Op: models.EditInsert, TrackID: 0, Clip: videoClip("media-1", 0, 5),
	}))
	mb.clear()

	err := m.ApplyEdit(playerA.ID, &models.EditOp{
		Op: models.EditInsert, TrackID: 0, Clip: videoClip("media-2", 10, 5),
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	// Only A is told, and the message names the cap
	lastA := mb.getLastPlayerEvent(playerA.ID)
	require.NotNil(t, lastA)
	assert.Equal(t, EventEditRejected, lastA.Type)
	assert.Contains(t, lastA.Reason, "at most 1 clips per player")
	assert.Equal(t, 0, mb.playerEventCount(playerB.ID), "Rejections must not be broadcast")
	assert.Empty(t, mb.allEvents)

	// Timeline unchanged
	m.Mu.Lock()
	assert.Len(t, m.Timeline.Track(0).Clips, 1)
	assert.Equal(t, 1, playerA.ClipCount)
	assert.Equal(t, 1, playerA.EditCount, "Rejected edits must not count")
	m.Mu.Unlock()
}

// TestEditOwnership tests that a participant cannot move someone else's clip.
func TestEditOwnership(t *testing.T) {
	m, players, mb := setupTestMatch(t, 2, nil)
	playerA := players[0]
	playerB := players[1]

	insert := &models.EditOp{Op: models.EditInsert, TrackID: 0, Clip: videoClip("media-1", 0, 5)}
	require.NoError(t, m.ApplyEdit(playerA.ID, insert))
	clipID := insert.Clip.ID
	mb.clear()

	err := m.ApplyEdit(playerB.ID, &models.EditOp{
		Op: models.EditMove, TrackID: 0, ClipID: clipID, Position: floatPtr(10),
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	lastB := mb.getLastPlayerEvent(playerB.ID)
	require.NotNil(t, lastB)
	assert.Equal(t, EventEditRejected, lastB.Type)
	assert.Contains(t, lastB.Reason, "belongs to another participant")

	// Clip did not move
	m.Mu.Lock()
	assert.Equal(t, float64(0), m.Timeline.Track(0).Clips[0].Position)
	m.Mu.Unlock()
}

// TestMoveAcrossTracks tests moving a clip to a compatible track and the
// rejection when the destination kind does not fit.
func TestMoveAcrossTracks(t *testing.T) {
	m, players, _ := setupTestMatch(t, 2, nil)
	playerA := players[0]

	insert := &models.EditOp{Op: models.EditInsert, TrackID: 0, Clip: videoClip("media-1", 0, 5)}
	require.NoError(t, m.ApplyEdit(playerA.ID, insert))
	clipID := insert.Clip.ID

	// Default config has video tracks 0,1 and audio tracks 2,3
	require.NoError(t, m.ApplyEdit(playerA.ID, &models.EditOp{
		Op: models.EditMove, TrackID: 0, ClipID: clipID,
		ToTrackID: intPtr(1), Position: floatPtr(2),
	}))

	m.Mu.Lock()
	assert.Empty(t, m.Timeline.Track(0).Clips, "Clip should have left track 0")
	require.Len(t, m.Timeline.Track(1).Clips, 1)
	assert.Equal(t, float64(2), m.Timeline.Track(1).Clips[0].Position)
	m.Mu.Unlock()

	// A video clip cannot land on an audio track
	err := m.ApplyEdit(playerA.ID, &models.EditOp{
		Op: models.EditMove, TrackID: 1, ClipID: clipID,
		ToTrackID: intPtr(2), Position: floatPtr(0),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot sit on")
}

// TestEditWrongTrackRejected tests that targeting a real clip through the
// wrong track is rejected, with an error distinct from a missing clip so
// stale clients can tell the two apart.
func TestEditWrongTrackRejected(t *testing.T) {
	m, players, _ := setupTestMatch(t, 2, nil)
	playerA := players[0]

	insert := &models.EditOp{Op: models.EditInsert, TrackID: 0, Clip: videoClip("media-1", 0, 5)}
	require.NoError(t, m.ApplyEdit(playerA.ID, insert))
	clipID := insert.Clip.ID

	err := m.ApplyEdit(playerA.ID, &models.EditOp{
		Op: models.EditMove, TrackID: 1, ClipID: clipID, Position: floatPtr(3),
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Contains(t, err.Error(), "sits on track 0")

	// An id the timeline has never seen still reads as missing
	err = m.ApplyEdit(playerA.ID, &models.EditOp{
		Op: models.EditDelete, TrackID: 0, ClipID: uuid.New(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no clip")

	m.Mu.Lock()
	require.Len(t, m.Timeline.Track(0).Clips, 1)
	assert.Equal(t, float64(0), m.Timeline.Track(0).Clips[0].Position)
	m.Mu.Unlock()
}

// TestTrimBoundsRejected tests that a trim cannot push the clip past the
// timeline end.
func TestTrimBoundsRejected(t *testing.T) {
	m, players, _ := setupTestMatch(t, 2, nil)
	playerA := players[0]

	insert := &models.EditOp{Op: models.EditInsert, TrackID: 0, Clip: videoClip("media-1", 0, 5)}
	require.NoError(t, m.ApplyEdit(playerA.ID, insert))

	// Default timeline is 60s; 50 + 20 overruns it
	err := m.ApplyEdit(playerA.ID, &models.EditOp{
		Op: models.EditTrim, TrackID: 0, ClipID: insert.Clip.ID,
		Position: floatPtr(50), Duration: floatPtr(20),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds timeline duration")

	m.Mu.Lock()
	clip := m.Timeline.Track(0).Clips[0]
	assert.Equal(t, float64(0), clip.Position, "Rejected trim must leave the clip untouched")
	assert.Equal(t, float64(5), clip.Duration)
	m.Mu.Unlock()
}

// TestDeleteClip tests removal and the clip budget being returned.
func TestDeleteClip(t *testing.T) {
	m, players, _ := setupTestMatch(t, 2, nil)
	playerA := players[0]

	insert := &models.EditOp{Op: models.EditInsert, TrackID: 0, Clip: videoClip("media-1", 0, 5)}
	require.NoError(t, m.ApplyEdit(playerA.ID, insert))

	require.NoError(t, m.ApplyEdit(playerA.ID, &models.EditOp{
		Op: models.EditDelete, TrackID: 0, ClipID: insert.Clip.ID,
	}))

	m.Mu.Lock()
	assert.Empty(t, m.Timeline.Track(0).Clips)
	assert.Equal(t, 0, playerA.ClipCount, "Delete should return the clip budget")
	assert.Equal(t, 2, playerA.EditCount)
	m.Mu.Unlock()

	// The freed slot is usable again
	require.NoError(t, m.ApplyEdit(playerA.ID, &models.EditOp{
		Op: models.EditInsert, TrackID: 0, Clip: videoClip("media-2", 0, 5),
	}))
}

// TestExpiryTriggersRenderOnce tests that the deadline moves the match into
// rendering exactly once, even when the reaper races the timer.
func TestExpiryTriggersRenderOnce(t *testing.T) {
	m, _, mb := setupTestMatch(t, 2, nil)

	var mu sync.Mutex
	renderStarts := 0
	jobID := uuid.New()
	m.Mu.Lock()
	m.OnRenderStart = func(_ *Match, timeline *models.Timeline, mediaIDs []string) (uuid.UUID, error) {
		mu.Lock()
		renderStarts++
		mu.Unlock()
		require.NotNil(t, timeline)
		return jobID, nil
	}
	m.Mu.Unlock()

	shortenDeadline(m, 100*time.Millisecond)
	time.Sleep(250 * time.Millisecond)

	// The reaper path must observe rendering and do nothing
	assert.False(t, m.ExpireIfOverdue(time.Now()))

	mu.Lock()
	assert.Equal(t, 1, renderStarts, "active -> rendering must happen exactly once")
	mu.Unlock()

	m.Mu.Lock()
	assert.Equal(t, models.MatchRendering, m.Status)
	assert.Equal(t, jobID, m.RenderJobID)
	m.Mu.Unlock()

	lastEvent := mb.getLastEvent()
	require.NotNil(t, lastEvent)
	assert.Equal(t, EventSnapshot, lastEvent.Type)
	require.NotNil(t, lastEvent.State)
	assert.Equal(t, models.MatchRendering, lastEvent.State.Status)
	assert.Equal(t, float64(0), lastEvent.State.RemainingSec)
}

// TestEditsClosedAfterEnd tests that edits after the active window are
// rejected with a conflict, to the originator only.
func TestEditsClosedAfterEnd(t *testing.T) {
	m, players, mb := setupTestMatch(t, 2, nil)
	playerA := players[0]

	require.NoError(t, m.End())
	require.Equal(t, models.MatchRendering, m.Status)
	mb.clear()

	err := m.ApplyEdit(playerA.ID, &models.EditOp{
		Op: models.EditInsert, TrackID: 0, Clip: videoClip("media-1", 0, 5),
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	lastA := mb.getLastPlayerEvent(playerA.ID)
	require.NotNil(t, lastA)
	assert.Equal(t, EventEditRejected, lastA.Type)
	assert.Contains(t, lastA.Reason, "edits are closed")

	// A second End is a conflict, not a second transition
	err = m.End()
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

// TestDisconnectReconnect tests presence tracking and snapshot catch-up.
// A disconnected participant's clips stay on the timeline.
func TestDisconnectReconnect(t *testing.T) {
	m, players, mb := setupTestMatch(t, 2, nil)
	playerA := players[0]
	playerB := players[1]

	insert := &models.EditOp{Op: models.EditInsert, TrackID: 0, Clip: videoClip("media-1", 0, 5)}
	require.NoError(t, m.ApplyEdit(playerA.ID, insert))
	mb.clear()

	m.MarkPlayerDisconnected(playerA.ID)

	m.Mu.Lock()
	assert.False(t, playerA.Connected)
	assert.Len(t, m.Timeline.Track(0).Clips, 1, "Clips survive a disconnect")
	m.Mu.Unlock()

	lastEvent := mb.getLastEvent()
	require.NotNil(t, lastEvent)
	assert.Equal(t, EventPresence, lastEvent.Type)
	assert.Equal(t, playerA.ID, lastEvent.User.ID)
	assert.Equal(t, false, lastEvent.Payload["connected"])

	// A second disconnect for the same player is a no-op
	m.MarkPlayerDisconnected(playerA.ID)
	assert.Len(t, mb.allEvents, 1)

	mb.clear()
	require.NoError(t, m.HandleReconnect(playerA.ID))

	// A catches up from the snapshot instead of replaying edits
	lastA := mb.getLastPlayerEvent(playerA.ID)
	require.NotNil(t, lastA)
	assert.Equal(t, EventSnapshot, lastA.Type)
	require.NotNil(t, lastA.State)
	assert.Equal(t, 1, lastA.State.Timeline.ClipCount())

	// B only learns that A is back
	lastB := mb.getLastPlayerEvent(playerB.ID)
	require.NotNil(t, lastB)
	assert.Equal(t, EventPresence, lastB.Type)
	assert.Equal(t, true, lastB.Payload["connected"])
}

// TestRenderCompletion tests the rendering -> completed transition, the job
// id check, and the OnEnd hook firing once.
func TestRenderCompletion(t *testing.T) {
	m, _, mb := setupTestMatch(t, 2, nil)

	jobID := uuid.New()
	m.Mu.Lock()
	m.OnRenderStart = func(*Match, *models.Timeline, []string) (uuid.UUID, error) {
		return jobID, nil
	}
	ended := make(chan struct{}, 1)
	m.OnEnd = func(*Match) { ended <- struct{}{} }
	m.Mu.Unlock()

	require.NoError(t, m.End())
	mb.clear()

	// A reply for someone else's job must not finish this match
	err := m.CompleteRender(uuid.New(), "https://cdn.example.com/out.mp4")
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	require.NoError(t, m.CompleteRender(jobID, "https://cdn.example.com/out.mp4"))

	m.Mu.Lock()
	assert.Equal(t, models.MatchCompleted, m.Status)
	assert.Equal(t, "https://cdn.example.com/out.mp4", m.RenderURL)
	assert.False(t, m.FinishedAt.IsZero())
	m.Mu.Unlock()

	lastEvent := mb.getLastEvent()
	require.NotNil(t, lastEvent)
	assert.Equal(t, EventSnapshot, lastEvent.Type)
	assert.Equal(t, models.MatchCompleted, lastEvent.State.Status)
	assert.Equal(t, "https://cdn.example.com/out.mp4", lastEvent.State.RenderURL)

	select {
	case <-ended:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("OnEnd was not invoked")
	}

	// Terminal states are final
	err = m.CompleteRender(jobID, "https://cdn.example.com/other.mp4")
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

// TestRenderFailure tests the rendering -> failed transition with the error
// surfaced in the snapshot.
func TestRenderFailure(t *testing.T) {
	m, _, mb := setupTestMatch(t, 2, nil)

	jobID := uuid.New()
	m.Mu.Lock()
	m.OnRenderStart = func(*Match, *models.Timeline, []string) (uuid.UUID, error) {
		return jobID, nil
	}
	m.Mu.Unlock()

	require.NoError(t, m.End())
	mb.clear()

	require.NoError(t, m.FailRender(jobID, "encoder crashed"))

	m.Mu.Lock()
	assert.Equal(t, models.MatchFailed, m.Status)
	assert.Equal(t, "encoder crashed", m.RenderError)
	m.Mu.Unlock()

	lastEvent := mb.getLastEvent()
	require.NotNil(t, lastEvent)
	assert.Equal(t, models.MatchFailed, lastEvent.State.Status)
	assert.Equal(t, "encoder crashed", lastEvent.State.RenderError)
}

// TestEnqueueFailureFailsMatch tests that a match whose render job cannot be
// queued fails instead of hanging in rendering.
func TestEnqueueFailureFailsMatch(t *testing.T) {
	m, _, _ := setupTestMatch(t, 2, nil)

	m.Mu.Lock()
	m.OnRenderStart = func(*Match, *models.Timeline, []string) (uuid.UUID, error) {
		return uuid.Nil, errs.Transient(nil, "queue is full")
	}
	m.Mu.Unlock()

	require.NoError(t, m.End())

	m.Mu.Lock()
	assert.Equal(t, models.MatchFailed, m.Status)
	assert.Contains(t, m.RenderError, "queue is full")
	m.Mu.Unlock()
}

// TestBeginRequiresMinPlayers tests the start precondition.
func TestBeginRequiresMinPlayers(t *testing.T) {
	m := New(uuid.New(), "test lobby", DefaultConfig())
	m.AddPlayer(&models.Player{ID: uuid.New()})

	err := m.Begin()
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	assert.Equal(t, models.MatchPreparing, m.Status)
}

// TestAddPlayerIdempotent tests rejoin handling and join-order colors.
func TestAddPlayerIdempotent(t *testing.T) {
	m := New(uuid.New(), "test lobby", DefaultConfig())
	playerA := &models.Player{ID: uuid.New()}
	playerB := &models.Player{ID: uuid.New()}

	m.AddPlayer(playerA)
	m.AddPlayer(playerB)
	m.AddPlayer(playerA) // rejoin

	assert.Len(t, m.Players, 2)
	assert.Equal(t, highlightPalette[0], playerA.Color)
	assert.Equal(t, highlightPalette[1], playerB.Color)

	require.NoError(t, m.Begin())

	// Late arrivals cannot join a started match
	m.AddPlayer(&models.Player{ID: uuid.New()})
	assert.Len(t, m.Players, 2)
}

// TestStatusProjection tests the countdown clamp and the queue position
// passthrough while the job is waiting.
func TestStatusProjection(t *testing.T) {
	m, _, _ := setupTestMatch(t, 2, nil)

	snap := m.StatusProjection()
	assert.Greater(t, snap.RemainingSec, float64(0))
	assert.LessOrEqual(t, snap.RemainingSec, float64(DefaultConfig().MatchDurationSec))
	assert.Nil(t, snap.QueuePosition, "No queue position before rendering")

	jobID := uuid.New()
	m.Mu.Lock()
	m.OnRenderStart = func(*Match, *models.Timeline, []string) (uuid.UUID, error) {
		return jobID, nil
	}
	m.QueuePositionFn = func(id uuid.UUID) (int, bool) {
		if id == jobID {
			return 3, true
		}
		return 0, false
	}
	m.Mu.Unlock()

	require.NoError(t, m.End())

	snap = m.StatusProjection()
	assert.Equal(t, float64(0), snap.RemainingSec, "Remaining time never goes negative")
	require.NotNil(t, snap.QueuePosition)
	assert.Equal(t, 3, *snap.QueuePosition)

	// Once the queue no longer reports the job, the position disappears
	m.Mu.Lock()
	m.QueuePositionFn = func(uuid.UUID) (int, bool) { return 0, false }
	m.Mu.Unlock()
	snap = m.StatusProjection()
	assert.Nil(t, snap.QueuePosition)
}

// TestStoreReapStale tests the sweep that repairs lost timers and drops old
// terminal matches.
func TestStoreReapStale(t *testing.T) {
	store := NewMatchStore()

	overdue, _, _ := setupTestMatch(t, 2, nil)
	overdue.Mu.Lock()
	overdue.EndsAt = time.Now().Add(-time.Minute)
	if overdue.expireTimer != nil {
		overdue.expireTimer.Stop() // Simulate a lost timer
	}
	overdue.Mu.Unlock()
	store.AddMatch(overdue)

	fresh, _, _ := setupTestMatch(t, 2, nil)
	store.AddMatch(fresh)

	old, _, _ := setupTestMatch(t, 2, nil)
	require.NoError(t, old.End())
	old.Mu.Lock()
	old.Status = models.MatchCompleted
	old.FinishedAt = time.Now().Add(-2 * time.Hour)
	old.Mu.Unlock()
	store.AddMatch(old)

	expired, dropped := store.ReapStale(time.Now(), time.Hour)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 1, dropped)

	assert.Equal(t, models.MatchRendering, overdue.Status)
	assert.Equal(t, models.MatchActive, fresh.Status)
	_, exists := store.GetMatch(old.ID)
	assert.False(t, exists, "Old terminal matches leave memory")
	_, exists = store.GetMatch(fresh.ID)
	assert.True(t, exists)
}
