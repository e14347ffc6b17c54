// internal/lobby/lobby_test.go
package lobby

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/match"
	"github.com/cutroom-app/cutroom/internal/models"
)

func newTestUser(name string) *models.User {
	return &models.User{ID: uuid.New(), Username: name}
}

func newTestConn(userID uuid.UUID) *LobbyConnection {
	return &LobbyConnection{
		UserID:  userID,
		OutChan: make(chan map[string]interface{}, 16),
	}
}

// nextMsg pulls one message off a connection's OutChan, failing the test if
// none arrives promptly.
func nextMsg(t *testing.T, conn *LobbyConnection) map[string]interface{} {
	t.Helper()
	select {
	case msg := <-conn.OutChan:
		return msg
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a lobby message, got none")
		return nil
	}
}

// drain empties a connection's OutChan.
func drain(conn *LobbyConnection) {
	for {
		select {
		case <-conn.OutChan:
		default:
			return
		}
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	host := newTestUser("host")
	l := NewLobby(host.ID, "test room", match.DefaultConfig())

	require.NoError(t, l.Join(host))
	require.NoError(t, l.Join(host), "Joining a lobby you are in succeeds")

	assert.Len(t, l.Members, 1)
	assert.Equal(t, host.ID, l.Members[0])
	assert.Equal(t, host.ID, l.HostUserID)
}

func TestJoinOrderAndHostPromotion(t *testing.T) {
	host := newTestUser("host")
	second := newTestUser("second")
	third := newTestUser("third")

	l := NewLobby(host.ID, "test room", match.DefaultConfig())
	require.NoError(t, l.Join(host))
	require.NoError(t, l.Join(second))
	require.NoError(t, l.Join(third))

	assert.Equal(t, []uuid.UUID{host.ID, second.ID, third.ID}, l.Members)

	// Host leaves; role passes to the next member in join order
	require.NoError(t, l.Leave(host.ID))
	assert.Equal(t, second.ID, l.HostUserID)
	assert.Equal(t, []uuid.UUID{second.ID, third.ID}, l.Members)

	// A non-host leaving does not move the role
	require.NoError(t, l.Leave(third.ID))
	assert.Equal(t, second.ID, l.HostUserID)
}

func TestJoinConflicts(t *testing.T) {
	cfg := match.DefaultConfig()
	cfg.PlayerCap = 2
	cfg.MinPlayers = 2

	host := newTestUser("host")
	l := NewLobby(host.ID, "test room", cfg)
	require.NoError(t, l.Join(host))
	require.NoError(t, l.Join(newTestUser("second")))

	// Full
	err := l.Join(newTestUser("third"))
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	assert.Contains(t, err.Error(), "full")

	// In match
	l.BeginMatch(uuid.New())
	err = l.Join(newTestUser("fourth"))
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	assert.Contains(t, err.Error(), "match")

	// Closed
	l.Close("test teardown")
	err = l.Join(newTestUser("fifth"))
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	assert.Contains(t, err.Error(), "closed")
}

func TestLeaveUnknownUser(t *testing.T) {
	l := NewLobby(uuid.New(), "test room", match.DefaultConfig())
	err := l.Leave(uuid.New())
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestLastLeaveClosesLobby(t *testing.T) {
	host := newTestUser("host")
	l := NewLobby(host.ID, "test room", match.DefaultConfig())

	emptied := make(chan uuid.UUID, 1)
	l.OnEmpty = func(id uuid.UUID) { emptied <- id }

	require.NoError(t, l.Join(host))
	require.NoError(t, l.Leave(host.ID))

	assert.Equal(t, models.LobbyClosed, l.Status)
	assert.False(t, l.ClosedAt.IsZero())
	select {
	case id := <-emptied:
		assert.Equal(t, l.ID, id)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("OnEmpty was not invoked")
	}
}

func TestSystemLobbySurvivesEmpty(t *testing.T) {
	l := NewSystemLobby("Quick Room 1", match.DefaultConfig())
	l.OnEmpty = func(uuid.UUID) { t.Fatal("system lobbies must not report empty") }

	first := newTestUser("first")
	require.NoError(t, l.Join(first))
	assert.Equal(t, first.ID, l.HostUserID, "First member adopts the host role")

	require.NoError(t, l.Leave(first.ID))
	assert.Equal(t, models.LobbyWaiting, l.Status, "System lobbies stay open")
	assert.Equal(t, uuid.Nil, l.HostUserID)

	// The room is immediately reusable
	second := newTestUser("second")
	require.NoError(t, l.Join(second))
	assert.Equal(t, second.ID, l.HostUserID)
}

func TestAttachRequiresMembership(t *testing.T) {
	l := NewLobby(uuid.New(), "test room", match.DefaultConfig())
	stranger := newTestUser("stranger")

	err := l.AttachConnection(stranger.ID, newTestConn(stranger.ID))
	require.Error(t, err)
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))
}

func TestAttachSendsStateAndBroadcastsJoin(t *testing.T) {
	host := newTestUser("host")
	second := newTestUser("second")
	l := NewLobby(host.ID, "test room", match.DefaultConfig())

	require.NoError(t, l.Join(host))
	hostConn := newTestConn(host.ID)
	require.NoError(t, l.AttachConnection(host.ID, hostConn))

	state := nextMsg(t, hostConn)
	assert.Equal(t, "lobby_state", state["type"])
	assert.Equal(t, l.JoinCode, state["join_code"])
	assert.Equal(t, true, state["your_is_host"])
	drain(hostConn)

	require.NoError(t, l.Join(second))
	update := nextMsg(t, hostConn)
	assert.Equal(t, "lobby_update", update["type"])
	assert.Equal(t, second.ID.String(), update["user_join"])
}

func TestAttachReplacesOldConnection(t *testing.T) {
	host := newTestUser("host")
	l := NewLobby(host.ID, "test room", match.DefaultConfig())
	require.NoError(t, l.Join(host))

	first := newTestConn(host.ID)
	require.NoError(t, l.AttachConnection(host.ID, first))
	second := newTestConn(host.ID)
	require.NoError(t, l.AttachConnection(host.ID, second))

	l.Mu.Lock()
	assert.Same(t, second, l.Connections[host.ID])
	l.Mu.Unlock()

	// Detaching the stale instance must not evict the live one
	l.DetachConnection(host.ID, first)
	l.Mu.Lock()
	assert.Same(t, second, l.Connections[host.ID])
	l.Mu.Unlock()

	l.DetachConnection(host.ID, second)
	l.Mu.Lock()
	assert.Empty(t, l.Connections)
	_, stillMember := l.Users[host.ID]
	l.Mu.Unlock()
	assert.True(t, stillMember, "Detach drops presence, not membership")
}

func TestReadyStatesAndCountdown(t *testing.T) {
	cfg := match.DefaultConfig()
	cfg.MinPlayers = 2

	host := newTestUser("host")
	second := newTestUser("second")
	l := NewLobby(host.ID, "test room", cfg)

	require.NoError(t, l.Join(host))
	require.NoError(t, l.Join(second))
	require.NoError(t, l.AttachConnection(host.ID, newTestConn(host.ID)))
	require.NoError(t, l.AttachConnection(second.ID, newTestConn(second.ID)))

	assert.False(t, l.MarkUserReady(host.ID), "Not everyone ready yet")
	assert.True(t, l.MarkUserReady(second.ID), "Last ready should request a countdown")
	assert.False(t, l.MarkUserReady(second.ID), "Repeat ready is a no-op")

	fired := make(chan struct{}, 1)
	require.True(t, l.StartCountdown(0, func(*Lobby) { fired <- struct{}{} }))
	assert.Equal(t, models.LobbyStarting, l.Status)

	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("countdown callback did not fire")
	}
}

func TestUnreadyCancelsCountdown(t *testing.T) {
	cfg := match.DefaultConfig()
	cfg.MinPlayers = 2

	host := newTestUser("host")
	second := newTestUser("second")
	l := NewLobby(host.ID, "test room", cfg)
	require.NoError(t, l.Join(host))
	require.NoError(t, l.Join(second))
	require.NoError(t, l.AttachConnection(host.ID, newTestConn(host.ID)))
	require.NoError(t, l.AttachConnection(second.ID, newTestConn(second.ID)))
	l.MarkUserReady(host.ID)
	l.MarkUserReady(second.ID)

	require.True(t, l.StartCountdown(60, func(*Lobby) {
		t.Error("cancelled countdown must not fire")
	}))
	require.Equal(t, models.LobbyStarting, l.Status)

	l.MarkUserUnready(second.ID)
	assert.Equal(t, models.LobbyWaiting, l.Status, "Cancel returns the lobby to waiting")
	l.Mu.Lock()
	assert.Nil(t, l.CountdownTimer)
	l.Mu.Unlock()

	// Give a stale fire a chance to trip the t.Error above
	time.Sleep(50 * time.Millisecond)
}

func TestConfigUpdateLockedInMatch(t *testing.T) {
	host := newTestUser("host")
	l := NewLobby(host.ID, "test room", match.DefaultConfig())
	require.NoError(t, l.Join(host))

	l.Mu.Lock()
	err := l.UpdateConfigUnsafe(map[string]interface{}{"playerCap": float64(6)})
	l.Mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, 6, l.Config.PlayerCap)

	l.BeginMatch(uuid.New())
	l.Mu.Lock()
	err = l.UpdateConfigUnsafe(map[string]interface{}{"playerCap": float64(8)})
	l.Mu.Unlock()
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	assert.Equal(t, 6, l.Config.PlayerCap)
}

func TestResetAfterMatch(t *testing.T) {
	host := newTestUser("host")
	l := NewLobby(host.ID, "test room", match.DefaultConfig())
	require.NoError(t, l.Join(host))

	matchID := uuid.New()
	l.BeginMatch(matchID)
	require.Equal(t, models.LobbyInMatch, l.Status)

	// A stale reset for some other match is ignored
	l.ResetAfterMatch(uuid.New(), nil)
	assert.Equal(t, models.LobbyInMatch, l.Status)

	l.ResetAfterMatch(matchID, map[string]interface{}{"render_url": "https://cdn.example.com/out.mp4"})
	assert.Equal(t, models.LobbyWaiting, l.Status)
	assert.Equal(t, uuid.Nil, l.MatchID)
}

func TestStoreResolveByCodeCaseInsensitive(t *testing.T) {
	store := NewLobbyStore()
	host := newTestUser("host")
	l := NewLobby(host.ID, "test room", match.DefaultConfig())
	store.AddLobby(l)

	byID, ok := store.Resolve(l.ID.String())
	require.True(t, ok)
	assert.Same(t, l, byID)

	lower, ok := store.Resolve("  " + l.JoinCode + "  ")
	require.True(t, ok)
	assert.Same(t, l, lower)

	mixed, ok := store.GetLobbyByCode(swapCase(l.JoinCode))
	require.True(t, ok)
	assert.Same(t, l, mixed)

	_, ok = store.Resolve("ZZZZZZ")
	assert.False(t, ok)
}

func swapCase(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + 32
		} else if r >= 'a' && r <= 'z' {
			out[i] = r - 32
		}
	}
	return string(out)
}

func TestStoreListWaiting(t *testing.T) {
	store := NewLobbyStore()

	older := NewLobby(uuid.New(), "older", match.DefaultConfig())
	older.CreatedAt = time.Now().Add(-time.Minute)
	newer := NewLobby(uuid.New(), "newer", match.DefaultConfig())
	busy := NewLobby(uuid.New(), "busy", match.DefaultConfig())
	busy.BeginMatch(uuid.New())

	store.AddLobby(newer)
	store.AddLobby(older)
	store.AddLobby(busy)

	waiting := store.ListWaiting()
	require.Len(t, waiting, 2)
	assert.Equal(t, "older", waiting[0].Name, "Oldest first")
	assert.Equal(t, "newer", waiting[1].Name)
}

func TestStoreEnsureSystemLobbies(t *testing.T) {
	store := NewLobbyStore()
	names := []string{"Quick Room 1", "Quick Room 2"}

	created := store.EnsureSystemLobbies(names, match.DefaultConfig())
	require.Len(t, created, 2)
	assert.True(t, created[0].System)

	// Reconcile is idempotent while the rooms stay open
	assert.Empty(t, store.EnsureSystemLobbies(names, match.DefaultConfig()))

	// A room whose match started gets a fresh standing instance
	created[0].BeginMatch(uuid.New())
	replacements := store.EnsureSystemLobbies(names, match.DefaultConfig())
	require.Len(t, replacements, 1)
	assert.Equal(t, "Quick Room 1", replacements[0].Name)
}

func TestStoreReapClosed(t *testing.T) {
	store := NewLobbyStore()

	stale := NewLobby(uuid.New(), "stale", match.DefaultConfig())
	stale.Close("test")
	stale.ClosedAt = time.Now().Add(-2 * time.Hour)
	fresh := NewLobby(uuid.New(), "fresh", match.DefaultConfig())

	store.AddLobby(stale)
	store.AddLobby(fresh)

	removed := store.ReapClosed(time.Now(), time.Hour)
	assert.Equal(t, 1, removed)
	_, ok := store.GetLobby(stale.ID)
	assert.False(t, ok)
	_, ok = store.GetLobbyByCode(stale.JoinCode)
	assert.False(t, ok, "Reaped lobbies release their join code")
	_, ok = store.GetLobby(fresh.ID)
	assert.True(t, ok)
}
