// internal/lobby/lobby.go
package lobby

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cutroom-app/cutroom/internal/cache"
	"github.com/cutroom-app/cutroom/internal/database"
	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/match"
	"github.com/cutroom-app/cutroom/internal/models"
)

// joinCodeAlphabet omits the characters people misread (0/O, 1/I/L).
const joinCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
const joinCodeLength = 6

// Lobby is an ephemeral gathering room where participants assemble, ready
// up, and tune the config before a match starts. Mu protects every mutable
// field; methods with the Unsafe suffix assume it is held.
type Lobby struct {
	ID         uuid.UUID
	HostUserID uuid.UUID
	Name       string
	JoinCode   string
	Status     models.LobbyStatus

	// System lobbies are service-owned standing rooms: they never close on
	// empty and adopt the first joiner as host.
	System bool

	Config match.Config

	// Members is the join order. Members[0] is always the current host.
	Members []uuid.UUID
	// Users holds display details for every member.
	Users map[uuid.UUID]*models.User

	// Connections holds the live WebSocket presence for joined users.
	Connections map[uuid.UUID]*LobbyConnection
	// ReadyStates holds userID -> "is ready".
	ReadyStates map[uuid.UUID]bool

	MatchID uuid.UUID

	CreatedAt time.Time
	ClosedAt  time.Time

	CountdownTimer *time.Timer

	// OnEmpty is called after the last member leaves a non-system lobby.
	// Typically assigned by the store so the lobby can remove itself.
	OnEmpty func(lobbyID uuid.UUID)

	Mu sync.Mutex
}

// LobbyConnection is a single user's live presence in the lobby.
type LobbyConnection struct {
	UserID      uuid.UUID
	DisplayName string
	Cancel      func()
	OutChan     chan map[string]interface{}
	IsHost      bool
}

// Write pushes a message onto the user's OutChan non-blockingly. Logs if
// the channel is full or closed.
func (conn *LobbyConnection) Write(msg map[string]interface{}) {
	select {
	case conn.OutChan <- msg:
	default:
		msgType, _ := msg["type"].(string)
		log.Printf("Lobby connection for user %s: OutChan full or closed, dropped %q", conn.UserID, msgType)
	}
}

// WriteError is a convenience to send an error object.
func (conn *LobbyConnection) WriteError(msg string) {
	conn.Write(map[string]interface{}{
		"type":    "error",
		"message": msg,
	})
}

// NewLobby creates a waiting lobby owned by hostID. The host still has to
// Join to become the first member.
func NewLobby(hostID uuid.UUID, name string, cfg match.Config) *Lobby {
	lobbyID, _ := uuid.NewV7()
	return &Lobby{
		ID:          lobbyID,
		HostUserID:  hostID,
		Name:        name,
		JoinCode:    newJoinCode(),
		Status:      models.LobbyWaiting,
		Config:      cfg,
		Users:       make(map[uuid.UUID]*models.User),
		Connections: make(map[uuid.UUID]*LobbyConnection),
		ReadyStates: make(map[uuid.UUID]bool),
		CreatedAt:   time.Now(),
	}
}

// NewSystemLobby creates a standing service-owned room with no host yet.
func NewSystemLobby(name string, cfg match.Config) *Lobby {
	l := NewLobby(uuid.Nil, name, cfg)
	l.System = true
	return l
}

// newJoinCode draws a short human-readable code from the unambiguous
// alphabet.
func newJoinCode() string {
	buf := make([]byte, joinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		// Fall back to uuid-derived bytes; rand.Read failing means the
		// process has bigger problems.
		copy(buf, uuid.New().NodeID())
	}
	code := make([]byte, joinCodeLength)
	for i, b := range buf {
		code[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(code)
}

// NormalizeJoinCode maps user input onto the stored code form. Lookups are
// case-insensitive.
func NormalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Join makes user a member. Joining a lobby you are already in succeeds
// without side effects. Closed and in-match lobbies conflict, as does a
// full one.
func (l *Lobby) Join(user *models.User) error {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	return l.joinUnsafe(user)
}

// joinUnsafe is the membership admission path. Assumes lock is held.
func (l *Lobby) joinUnsafe(user *models.User) error {
	switch l.Status {
	case models.LobbyClosed:
		return errs.Conflict("lobby %s is closed", l.ID)
	case models.LobbyInMatch:
		return errs.Conflict("lobby %s already has a match running", l.ID)
	}

	if _, member := l.Users[user.ID]; member {
		// Repeat joins keep the original position and ready state.
		l.Users[user.ID] = user
		return nil
	}

	if len(l.Members) >= l.Config.PlayerCap {
		return errs.Conflict("lobby %s is full (%d/%d)", l.ID, len(l.Members), l.Config.PlayerCap)
	}

	l.Members = append(l.Members, user.ID)
	l.Users[user.ID] = user
	l.ReadyStates[user.ID] = false

	// System lobbies adopt their first member as host.
	if l.HostUserID == uuid.Nil {
		l.setHostUnsafe(user.ID)
	}

	l.BroadcastAllUnsafe(map[string]interface{}{
		"type":         "lobby_update",
		"user_join":    user.ID.String(),
		"display_name": displayName(user),
		"lobby_status": l.statusPayloadUnsafe(),
	})
	l.persistUnsafe()
	l.publishEventUnsafe("member_joined", user.ID)
	return nil
}

// Leave removes a member. The host role passes to the next member in join
// order; a non-system lobby closes once the last member is gone.
func (l *Lobby) Leave(userID uuid.UUID) error {
	l.Mu.Lock()

	if _, member := l.Users[userID]; !member {
		l.Mu.Unlock()
		return errs.NotFound("user %s is not in lobby %s", userID, l.ID)
	}

	l.removeMemberUnsafe(userID)
	l.closeConnUnsafe(userID)
	l.CancelCountdownUnsafe()

	wasHost := l.HostUserID == userID
	if wasHost {
		if len(l.Members) > 0 {
			l.setHostUnsafe(l.Members[0])
		} else {
			l.HostUserID = uuid.Nil
		}
	}

	l.BroadcastAllUnsafe(map[string]interface{}{
		"type":         "lobby_update",
		"user_left":    userID.String(),
		"host_id":      l.hostIDStringUnsafe(),
		"lobby_status": l.statusPayloadUnsafe(),
	})

	empty := len(l.Members) == 0
	if empty && !l.System && l.Status != models.LobbyClosed {
		l.closeUnsafe("lobby emptied")
	}
	l.persistUnsafe()
	l.publishEventUnsafe("member_left", userID)

	onEmpty := l.OnEmpty
	l.Mu.Unlock()

	if empty && !l.System && onEmpty != nil {
		onEmpty(l.ID)
	}
	return nil
}

// removeMemberUnsafe deletes userID from the membership structures while
// preserving the join order of everyone else. Assumes lock is held.
func (l *Lobby) removeMemberUnsafe(userID uuid.UUID) {
	for i, id := range l.Members {
		if id == userID {
			l.Members = append(l.Members[:i], l.Members[i+1:]...)
			break
		}
	}
	delete(l.Users, userID)
	delete(l.ReadyStates, userID)
}

// setHostUnsafe moves the host role and updates the live connection flag.
// Assumes lock is held.
func (l *Lobby) setHostUnsafe(userID uuid.UUID) {
	l.HostUserID = userID
	for id, conn := range l.Connections {
		conn.IsHost = id == userID
	}
}

func (l *Lobby) hostIDStringUnsafe() string {
	if l.HostUserID == uuid.Nil {
		return ""
	}
	return l.HostUserID.String()
}

// AttachConnection registers a member's live WebSocket presence. Membership
// must already exist; a second connection replaces the first.
func (l *Lobby) AttachConnection(userID uuid.UUID, conn *LobbyConnection) error {
	l.Mu.Lock()

	user, member := l.Users[userID]
	if !member {
		l.Mu.Unlock()
		return errs.Forbidden("user %s must join lobby %s before connecting", userID, l.ID)
	}

	if old, ok := l.Connections[userID]; ok && old != conn {
		close(old.OutChan)
		if old.Cancel != nil {
			old.Cancel()
		}
	}

	conn.DisplayName = displayName(user)
	conn.IsHost = l.HostUserID == userID
	l.Connections[userID] = conn

	statePayload := l.statePayloadUnsafe(userID)
	others := make([]*LobbyConnection, 0, len(l.Connections))
	for id, c := range l.Connections {
		if id != userID {
			others = append(others, c)
		}
	}
	l.Mu.Unlock()

	// The joiner gets the full state before anyone hears about them.
	conn.Write(statePayload)
	presence := map[string]interface{}{
		"type":      "presence_update",
		"user_id":   userID.String(),
		"connected": true,
	}
	for _, c := range others {
		c.Write(presence)
	}
	return nil
}

// DetachConnection drops a live connection without touching membership.
// A stale instance (already replaced by a newer connection) is ignored.
func (l *Lobby) DetachConnection(userID uuid.UUID, conn *LobbyConnection) {
	l.Mu.Lock()
	defer l.Mu.Unlock()

	current, ok := l.Connections[userID]
	if !ok || current != conn {
		return
	}
	delete(l.Connections, userID)

	l.BroadcastAllUnsafe(map[string]interface{}{
		"type":      "presence_update",
		"user_id":   userID.String(),
		"connected": false,
	})
}

// closeConnUnsafe tears down a member's connection if present. Assumes lock
// is held.
func (l *Lobby) closeConnUnsafe(userID uuid.UUID) {
	conn, ok := l.Connections[userID]
	if !ok {
		return
	}
	delete(l.Connections, userID)
	go func(ch chan map[string]interface{}, cancel func()) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Lobby %s: recovered closing OutChan for user %s: %v", l.ID, userID, r)
			}
		}()
		close(ch)
		if cancel != nil {
			cancel()
		}
	}(conn.OutChan, conn.Cancel)
}

// MarkUserReadyUnsafe sets a user's ready state to true. Returns whether a
// start countdown should begin. Assumes lock is held.
func (l *Lobby) MarkUserReadyUnsafe(userID uuid.UUID) bool {
	if _, ok := l.Connections[userID]; !ok {
		log.Printf("Lobby %s: cannot mark non-connected user %s as ready", l.ID, userID)
		return false
	}
	if l.ReadyStates[userID] {
		return false
	}
	l.ReadyStates[userID] = true
	l.broadcastReadyStateUnsafe(userID, true)

	return l.AreAllReadyUnsafe() && l.Status == models.LobbyWaiting
}

// MarkUserReady sets ready state, acquiring the lock.
func (l *Lobby) MarkUserReady(userID uuid.UUID) bool {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	return l.MarkUserReadyUnsafe(userID)
}

// MarkUserUnreadyUnsafe clears a user's ready state and cancels any pending
// countdown. Assumes lock is held.
func (l *Lobby) MarkUserUnreadyUnsafe(userID uuid.UUID) {
	if _, ok := l.Connections[userID]; !ok {
		return
	}
	if !l.ReadyStates[userID] {
		return
	}
	l.ReadyStates[userID] = false
	l.broadcastReadyStateUnsafe(userID, false)
	l.CancelCountdownUnsafe()
}

// MarkUserUnready clears ready state, acquiring the lock.
func (l *Lobby) MarkUserUnready(userID uuid.UUID) {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	l.MarkUserUnreadyUnsafe(userID)
}

func (l *Lobby) broadcastReadyStateUnsafe(userID uuid.UUID, ready bool) {
	name := ""
	if user, ok := l.Users[userID]; ok {
		name = displayName(user)
	}
	l.BroadcastAllUnsafe(map[string]interface{}{
		"type":         "ready_update",
		"user_id":      userID.String(),
		"display_name": name,
		"is_ready":     ready,
	})
}

// AreAllReadyUnsafe reports whether enough members are present and every
// one of them is ready. Assumes lock is held.
func (l *Lobby) AreAllReadyUnsafe() bool {
	if len(l.Members) < l.Config.MinPlayers {
		return false
	}
	for _, id := range l.Members {
		if !l.ReadyStates[id] {
			return false
		}
	}
	return true
}

// AreAllReady reports readiness, acquiring the lock.
func (l *Lobby) AreAllReady() bool {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	return l.AreAllReadyUnsafe()
}

// StartCountdownUnsafe begins the start countdown and moves the lobby to
// starting. The fired callback runs outside the lock; a stale timer (one
// replaced or cancelled before firing) is ignored. Assumes lock is held.
func (l *Lobby) StartCountdownUnsafe(seconds int, callback func(*Lobby)) bool {
	if l.Status != models.LobbyWaiting || l.CountdownTimer != nil {
		return false
	}
	if len(l.Members) < l.Config.MinPlayers {
		return false
	}

	l.Status = models.LobbyStarting
	l.BroadcastAllUnsafe(map[string]interface{}{
		"type":    "lobby_countdown_start",
		"seconds": seconds,
	})

	var timer *time.Timer
	timer = time.AfterFunc(time.Duration(seconds)*time.Second, func() {
		l.Mu.Lock()
		if l.CountdownTimer != timer {
			log.Printf("Lobby %s: stale countdown timer fired, ignoring", l.ID)
			l.Mu.Unlock()
			return
		}
		l.CountdownTimer = nil
		l.Mu.Unlock()
		callback(l)
	})
	l.CountdownTimer = timer
	return true
}

// StartCountdown begins the countdown, acquiring the lock.
func (l *Lobby) StartCountdown(seconds int, callback func(*Lobby)) bool {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	return l.StartCountdownUnsafe(seconds, callback)
}

// CancelCountdownUnsafe stops a pending countdown and returns the lobby to
// waiting. Assumes lock is held.
func (l *Lobby) CancelCountdownUnsafe() {
	if l.CountdownTimer == nil {
		return
	}
	stopped := l.CountdownTimer.Stop()
	l.CountdownTimer = nil
	if l.Status == models.LobbyStarting {
		l.Status = models.LobbyWaiting
	}
	if stopped {
		l.BroadcastAllUnsafe(map[string]interface{}{
			"type": "lobby_countdown_cancel",
		})
	}
}

// CancelCountdown stops a pending countdown, acquiring the lock.
func (l *Lobby) CancelCountdown() {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	l.CancelCountdownUnsafe()
}

// BeginMatchUnsafe pins the started match to the lobby and announces it.
// Assumes lock is held.
func (l *Lobby) BeginMatchUnsafe(matchID uuid.UUID) {
	if l.CountdownTimer != nil {
		l.CountdownTimer.Stop()
		l.CountdownTimer = nil
	}
	l.Status = models.LobbyInMatch
	l.MatchID = matchID
	for id := range l.ReadyStates {
		l.ReadyStates[id] = false
	}
	l.BroadcastAllUnsafe(map[string]interface{}{
		"type":     "match_started",
		"match_id": matchID.String(),
	})
	l.persistUnsafe()
	l.publishEventUnsafe("match_started", uuid.Nil)
}

// BeginMatch pins the started match, acquiring the lock.
func (l *Lobby) BeginMatch(matchID uuid.UUID) {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	l.BeginMatchUnsafe(matchID)
}

// ResetAfterMatch returns an in-match lobby to waiting once its match hit a
// terminal state. Stale calls for a different match are ignored.
func (l *Lobby) ResetAfterMatch(matchID uuid.UUID, resultPayload map[string]interface{}) {
	l.Mu.Lock()
	defer l.Mu.Unlock()

	if l.Status != models.LobbyInMatch || l.MatchID != matchID {
		return
	}
	l.Status = models.LobbyWaiting
	l.MatchID = uuid.Nil
	for id := range l.ReadyStates {
		l.ReadyStates[id] = false
	}

	msg := map[string]interface{}{
		"type":         "match_finished",
		"match_id":     matchID.String(),
		"lobby_status": l.statusPayloadUnsafe(),
	}
	for k, v := range resultPayload {
		msg[k] = v
	}
	l.BroadcastAllUnsafe(msg)
	l.persistUnsafe()
	l.publishEventUnsafe("match_finished", uuid.Nil)
}

// Close marks the lobby closed and tells everyone. Idempotent.
func (l *Lobby) Close(reason string) {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	if l.Status == models.LobbyClosed {
		return
	}
	l.closeUnsafe(reason)
	l.persistUnsafe()
	l.publishEventUnsafe("closed", uuid.Nil)
}

// closeUnsafe is the terminal transition. Assumes lock is held.
func (l *Lobby) closeUnsafe(reason string) {
	l.CancelCountdownUnsafe()
	l.Status = models.LobbyClosed
	l.ClosedAt = time.Now()
	l.BroadcastAllUnsafe(map[string]interface{}{
		"type":   "lobby_closed",
		"reason": reason,
	})
	log.Printf("Lobby %s closed: %s", l.ID, reason)
}

// BroadcastChatUnsafe relays a chat line from a connected member.
// Assumes lock is held.
func (l *Lobby) BroadcastChatUnsafe(senderConn *LobbyConnection, msg string) {
	l.BroadcastAllUnsafe(map[string]interface{}{
		"type":         "chat",
		"user_id":      senderConn.UserID.String(),
		"display_name": senderConn.DisplayName,
		"msg":          msg,
		"ts":           time.Now().Unix(),
	})
}

// BroadcastChat relays a chat line, acquiring the lock.
func (l *Lobby) BroadcastChat(userID uuid.UUID, msg string) {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	conn, ok := l.Connections[userID]
	if !ok {
		return
	}
	l.BroadcastChatUnsafe(conn, msg)
}

// BroadcastAllUnsafe sends msg to every live connection. Writes are
// non-blocking, so holding the lock here is safe. Assumes lock is held.
func (l *Lobby) BroadcastAllUnsafe(msg map[string]interface{}) {
	for _, conn := range l.Connections {
		conn.Write(msg)
	}
}

// BroadcastAll sends msg to every live connection, acquiring the lock.
func (l *Lobby) BroadcastAll(msg map[string]interface{}) {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	l.BroadcastAllUnsafe(msg)
}

// statusPayloadUnsafe gathers the roster in join order. Assumes lock is held.
func (l *Lobby) statusPayloadUnsafe() map[string]interface{} {
	users := []map[string]interface{}{}
	for _, id := range l.Members {
		name := ""
		if user, ok := l.Users[id]; ok {
			name = displayName(user)
		}
		_, connected := l.Connections[id]
		users = append(users, map[string]interface{}{
			"id":           id.String(),
			"display_name": name,
			"is_host":      id == l.HostUserID,
			"is_ready":     l.ReadyStates[id],
			"connected":    connected,
		})
	}
	return map[string]interface{}{
		"users": users,
	}
}

// statePayloadUnsafe prepares the full state message sent to a single user
// when they connect. Assumes lock is held.
func (l *Lobby) statePayloadUnsafe(userID uuid.UUID) map[string]interface{} {
	matchIDStr := ""
	if l.MatchID != uuid.Nil {
		matchIDStr = l.MatchID.String()
	}
	return map[string]interface{}{
		"type":         "lobby_state",
		"lobby_id":     l.ID.String(),
		"name":         l.Name,
		"join_code":    l.JoinCode,
		"host_id":      l.hostIDStringUnsafe(),
		"your_id":      userID.String(),
		"your_is_host": l.HostUserID == userID,
		"status":       string(l.Status),
		"match_id":     matchIDStr,
		"config":       l.Config,
		"lobby_status": l.statusPayloadUnsafe(),
	}
}

// SendLobbyState sends the full current state to one connected user.
func (l *Lobby) SendLobbyState(userID uuid.UUID) {
	l.Mu.Lock()
	conn, ok := l.Connections[userID]
	if !ok {
		l.Mu.Unlock()
		return
	}
	payload := l.statePayloadUnsafe(userID)
	l.Mu.Unlock()

	conn.Write(payload)
}

// UpdateConfigUnsafe merges a partial config change from the host and
// announces the result. Assumes lock is held.
func (l *Lobby) UpdateConfigUnsafe(changes map[string]interface{}) error {
	if l.Status != models.LobbyWaiting && l.Status != models.LobbyStarting {
		return errs.Conflict("lobby %s config is locked while %s", l.ID, l.Status)
	}
	if err := l.Config.Update(changes); err != nil {
		return err
	}
	l.BroadcastAllUnsafe(map[string]interface{}{
		"type":   "config_updated",
		"config": l.Config,
	})
	l.persistUnsafe()
	return nil
}

// Row builds the persistence record for the current state.
func (l *Lobby) Row() *models.Lobby {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	return l.rowUnsafe()
}

func (l *Lobby) rowUnsafe() *models.Lobby {
	members := make([]uuid.UUID, len(l.Members))
	copy(members, l.Members)
	cfg, err := json.Marshal(l.Config)
	if err != nil {
		log.Printf("Lobby %s: config marshal failed: %v", l.ID, err)
	}
	return &models.Lobby{
		ID:         l.ID,
		HostUserID: l.HostUserID,
		Name:       l.Name,
		JoinCode:   l.JoinCode,
		Status:     l.Status,
		System:     l.System,
		Config:     cfg,
		Members:    members,
		MatchID:    l.MatchID,
		CreatedAt:  l.CreatedAt,
		ClosedAt:   l.ClosedAt,
	}
}

// persistUnsafe writes the lobby row without blocking the lock. Assumes
// lock is held.
func (l *Lobby) persistUnsafe() {
	row := l.rowUnsafe()
	go func(row *models.Lobby) {
		if database.DB == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := database.UpsertLobby(ctx, row); err != nil {
			log.Printf("Lobby %s: persist failed: %v", row.ID, err)
		}
	}(row)
}

// publishEventUnsafe fans the lifecycle event out through Redis for other
// service instances. Assumes lock is held.
func (l *Lobby) publishEventUnsafe(event string, userID uuid.UUID) {
	rec := cache.LobbyEventRecord{
		LobbyID:   l.ID,
		Event:     event,
		UserID:    userID,
		Timestamp: time.Now().Unix(),
	}
	go func(rec cache.LobbyEventRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		cache.PublishLobbyEvent(ctx, rec)
	}(rec)
}

func displayName(u *models.User) string {
	if u.Username != "" {
		return u.Username
	}
	return "User_" + u.ID.String()[:4]
}
