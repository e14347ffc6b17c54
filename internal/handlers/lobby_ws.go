// internal/handlers/lobby_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cutroom-app/cutroom/internal/lobby"
	"github.com/cutroom-app/cutroom/internal/middleware"
	"github.com/cutroom-app/cutroom/internal/models"
)

// lobbyCountdownSeconds is the auto-start countdown armed when the last
// member readies up.
const lobbyCountdownSeconds = 10

// LobbyWSHandler upgrades a member onto the lobby's live channel. The
// caller must already be a member; joining happens over REST.
func LobbyWSHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr
		pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/lobbies/ws/"), "/")
		if len(pathParts) < 1 || pathParts[0] == "" {
			http.Error(w, "missing lobby_id", http.StatusBadRequest)
			return
		}
		lobbyUUID, err := uuid.Parse(pathParts[0])
		if err != nil {
			http.Error(w, "invalid lobby_id", http.StatusBadRequest)
			return
		}

		// Identity comes first: minting a guest sets a cookie, which has
		// to happen before the connection is hijacked.
		userUUID, err := EnsureEphemeralUser(w, r)
		if err != nil {
			logger.Warnf("User authentication failed for lobby %s: %v", lobbyUUID, err)
			http.Error(w, "authentication failed", http.StatusForbidden)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"lobby"},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "lobby" {
			c.Close(BadSubprotocolError, "client must speak the lobby subprotocol")
			return
		}

		lob, exists := s.LobbyStore.GetLobby(lobbyUUID)
		if !exists {
			c.Close(InvalidLobbyIDError, "lobby does not exist")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		conn := &lobby.LobbyConnection{
			UserID:  userUUID,
			Cancel:  cancel,
			OutChan: make(chan map[string]interface{}, 10),
		}

		// AttachConnection verifies membership, replaces any stale
		// transport and pushes the full lobby state to the joiner.
		if err := lob.AttachConnection(userUUID, conn); err != nil {
			logger.Warnf("failed AttachConnection: %v", err)
			c.Close(websocket.StatusPolicyViolation, fmt.Sprintf("AttachConnection error: %v", err))
			cancel()
			return
		}

		middleware.LogWebSocketConnect(logger, remoteAddr, r.URL.Path)
		logger.Infof("User %v connected to lobby %v", userUUID, lobbyUUID)

		go lobbyWritePump(ctx, c, conn, logger)

		lobbyReadPump(ctx, c, s, lob, conn, logger)

		// Presence only: membership survives a dropped socket so the user
		// can reattach.
		logger.Infof("User %v readPump exited for lobby %v. Detaching connection.", userUUID, lobbyUUID)
		lob.DetachConnection(userUUID, conn)
		middleware.LogWebSocketDisconnect(logger, remoteAddr, r.URL.Path, nil)
	}
}

// lobbyReadPump handles incoming messages from the lobby websocket.
// Acquires the lobby lock before calling handleLobbyMessage and releases it
// afterwards, unless the handler signals that it released the lock itself.
func lobbyReadPump(ctx context.Context, c *websocket.Conn, s *Server, lob *lobby.Lobby, conn *lobby.LobbyConnection, logger *logrus.Logger) {
	logger.Infof("Lobby %s: Starting read pump for user %v", lob.ID, conn.UserID)
	defer logger.Infof("Lobby %s: Exiting read pump for user %v", lob.ID, conn.UserID)

	for {
		select {
		case <-ctx.Done():
			logger.Infof("Lobby %s: Context cancelled for user %v, stopping read pump.", lob.ID, conn.UserID)
			return
		default:
		}

		typ, msg, err := c.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				logger.Infof("Lobby %s: WebSocket closed normally for user %v.", lob.ID, conn.UserID)
			} else if strings.Contains(err.Error(), "context canceled") {
				// Cancellation is logged where it originates.
			} else {
				logger.Warnf("Lobby %s: Read error for user %v: %v (CloseStatus: %d)", lob.ID, conn.UserID, err, closeStatus)
			}
			return
		}

		if typ != websocket.MessageText {
			logger.Warnf("Lobby %s: Received non-text message type %d from user %v. Ignoring.", lob.ID, typ, conn.UserID)
			continue
		}

		var packet map[string]interface{}
		if err := json.Unmarshal(msg, &packet); err != nil {
			logger.Warnf("Lobby %s: Invalid json from user %v: %v", lob.ID, conn.UserID, err)
			conn.WriteError("Invalid JSON format")
			continue
		}

		lockReleasedByHandler := false
		shouldStartCountdown := false

		lob.Mu.Lock()

		// A reconnect may have replaced this connection while the message
		// was in flight; a stale instance gets no say.
		currentConn, stillConnected := lob.Connections[conn.UserID]
		if !stillConnected || currentConn != conn {
			logger.Warnf("Lobby %s: Ignoring action from user %s who disconnected or reconnected during handling.", lob.ID, conn.UserID)
			lob.Mu.Unlock()
			continue
		}

		handleLobbyMessage(packet, s, lob, conn, logger, &shouldStartCountdown, func() {
			lob.Mu.Unlock()
			lockReleasedByHandler = true
		})

		if !lockReleasedByHandler {
			lob.Mu.Unlock()
		}

		// The countdown is armed after the lock is released; its callback
		// relocks on fire.
		if shouldStartCountdown {
			lob.StartCountdown(lobbyCountdownSeconds, func(l *lobby.Lobby) {
				logger.Infof("Lobby %s: auto-start countdown finished.", l.ID)
				if _, err := s.CreateMatchFromLobby(context.Background(), l); err != nil {
					logger.Warnf("Lobby %s: countdown start failed: %v", l.ID, err)
					l.BroadcastAll(map[string]interface{}{
						"type":    "error",
						"message": "match could not be started",
					})
				}
			})
		}
	}
}

// handleLobbyMessage interprets the "type" field of a lobby packet.
// Assumes the lobby lock is HELD by the caller. unlockCallback MUST be
// invoked before any operation that acquires the lock itself.
func handleLobbyMessage(packet map[string]interface{}, s *Server, lob *lobby.Lobby, senderConn *lobby.LobbyConnection, logger *logrus.Logger, shouldStartCountdown *bool, unlockCallback func()) {
	action, _ := packet["type"].(string)

	switch action {
	case "ready":
		if lob.MarkUserReadyUnsafe(senderConn.UserID) {
			*shouldStartCountdown = true
		}
	case "unready":
		lob.MarkUserUnreadyUnsafe(senderConn.UserID)
	case "chat":
		msg, _ := packet["msg"].(string)
		if msg != "" {
			lob.BroadcastChatUnsafe(senderConn, msg)
		}
	case "request_state":
		userID := senderConn.UserID
		unlockCallback()
		lob.SendLobbyState(userID)
		return
	case "leave_lobby":
		userID := senderConn.UserID
		unlockCallback()
		if err := lob.Leave(userID); err != nil {
			logger.Warnf("Lobby %s: leave failed for user %s: %v", lob.ID, userID, err)
		}
		return
	case "update_config":
		if lob.HostUserID != senderConn.UserID {
			senderConn.WriteError("Only the host can update the session config")
			return
		}
		changes, ok := packet["config"].(map[string]interface{})
		if !ok {
			logger.Warnf("Lobby %s: update_config without valid 'config' field from host %s", lob.ID, senderConn.UserID)
			senderConn.WriteError("Invalid payload for update_config")
			return
		}
		if err := lob.UpdateConfigUnsafe(changes); err != nil {
			logger.Warnf("Lobby %s: config update rejected: %v", lob.ID, err)
			senderConn.WriteError(err.Error())
		}
	case "start_match":
		if lob.HostUserID != senderConn.UserID {
			senderConn.WriteError("Only the host can force start")
			return
		}
		if lob.Status == models.LobbyInMatch {
			senderConn.WriteError("Match already in progress")
			return
		}
		if !lob.AreAllReadyUnsafe() {
			senderConn.WriteError("Not all members are ready")
			return
		}
		lob.CancelCountdownUnsafe()

		// Release the lock before match creation; it relocks the lobby to
		// snapshot membership and flip the status.
		unlockCallback()

		m, err := s.CreateMatchFromLobby(context.Background(), lob)
		if err != nil {
			logger.Warnf("Lobby %s: host start failed: %v", lob.ID, err)
			senderConn.WriteError("Failed to start the match")
			return
		}
		logger.Infof("Lobby %s: match %s started by host.", lob.ID, m.ID)
		return
	default:
		logger.Warnf("Lobby %s: Unknown action '%s' from user %v", lob.ID, action, senderConn.UserID)
		senderConn.WriteError(fmt.Sprintf("Unknown action type: %s", action))
	}
}

// lobbyWritePump serializes outbound lobby messages and keeps the
// connection alive with periodic pings.
func lobbyWritePump(ctx context.Context, c *websocket.Conn, conn *lobby.LobbyConnection, logger *logrus.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	defer func() {
		_ = c.Close(websocket.StatusGoingAway, "Write pump stopping")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-conn.OutChan:
			if !ok {
				// Channel closed, the connection was detached.
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Warnf("Lobby: Failed to marshal outgoing msg for user %v: %v", conn.UserID, err)
				continue
			}

			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()

			if err != nil {
				logger.Warnf("Lobby: Failed to write to websocket for user %v: %v", conn.UserID, err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warnf("Lobby: Failed to send ping to user %v: %v. Assuming disconnect.", conn.UserID, err)
				return
			}
		}
	}
}
