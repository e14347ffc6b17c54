// internal/handlers/match_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cutroom-app/cutroom/internal/hub"
	"github.com/cutroom-app/cutroom/internal/match"
	"github.com/cutroom-app/cutroom/internal/middleware"
	"github.com/cutroom-app/cutroom/internal/models"
)

// MatchMessage is the envelope for incoming WebSocket messages during the
// editing phase.
type MatchMessage struct {
	Type string `json:"type"`

	// Edit carries the operation for edit messages.
	Edit *models.EditOp `json:"edit,omitempty"`

	// Msg carries the text of chat messages.
	Msg string `json:"msg,omitempty"`

	// UserID names the target of host actions like kick.
	UserID string `json:"userId,omitempty"`

	Payload map[string]interface{} `json:"payload,omitempty"`
}

// MatchWSHandler upgrades the HTTP connection to WebSocket for a specific
// match. It authenticates the user, verifies they are a participant,
// registers the connection with the hub, and runs the read loop. All
// outbound state events flow through the hub's per-connection pump so each
// subscriber sees them in order.
func MatchWSHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/matches/ws/"), "/")
		if len(pathParts) < 1 || pathParts[0] == "" {
			http.Error(w, "Missing match_id in path (/matches/ws/{match_id})", http.StatusBadRequest)
			return
		}
		matchID, err := uuid.Parse(pathParts[0])
		if err != nil {
			http.Error(w, "Invalid match_id format", http.StatusBadRequest)
			return
		}

		// Identity before upgrade: minting a guest sets a cookie, which
		// must precede the hijack.
		userID, err := EnsureEphemeralUser(w, r)
		if err != nil {
			logger.Warnf("User authentication failed for match %s: %v", matchID, err)
			http.Error(w, "authentication failed", http.StatusForbidden)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"cutroom"},
			OriginPatterns: []string{"*"}, // Adjust for production security.
		})
		if err != nil {
			logger.Warnf("WebSocket accept error for match %s: %v", matchID, err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "Internal server error during handler exit.")

		if c.Subprotocol() != "cutroom" {
			logger.Warnf("Client for match %s connected with invalid subprotocol: %s", matchID, c.Subprotocol())
			c.Close(BadSubprotocolError, "Client must use the 'cutroom' subprotocol.")
			return
		}

		m, ok := s.MatchStore.GetMatch(matchID)
		if !ok {
			c.Close(InvalidMatchIDError, "match does not exist")
			return
		}
		middleware.LogWebSocketConnect(logger, r.RemoteAddr, r.URL.Path)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Register first so the snapshot HandleReconnect pushes has a pump
		// to ride on.
		key := hub.ConnKey{MatchID: matchID, UserID: userID}
		conn := s.Registry.Register(key, hub.WSSender{C: c}, cancel)

		if err := m.HandleReconnect(userID); err != nil {
			logger.Warnf("User %s is not a participant in match %s. Closing connection.", userID, matchID)
			s.Registry.Unregister(conn)
			c.Close(websocket.StatusPolicyViolation, "You are not a participant in this match.")
			return
		}

		readMatchMessages(ctx, c, s, m, userID, logger)

		logger.Infof("Participant %s WebSocket read loop exited for match %s.", userID, matchID)
		releaseMatchConn(s, m, conn, userID)
		middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, r.URL.Path, nil)
	}
}

// releaseMatchConn tears down one transport after its read loop exits. A
// replacement transport may have registered under the same key mid-teardown;
// presence only drops when the last transport is out.
func releaseMatchConn(s *Server, m *match.Match, conn *hub.Conn, userID uuid.UUID) {
	s.Registry.Unregister(conn)
	if !s.Registry.Connected(m.ID, userID) {
		m.MarkPlayerDisconnected(userID)
	}
}

// readMatchMessages continuously reads messages from a participant's
// WebSocket connection and routes them into the match. It exits on read
// error or context cancellation; the caller owns cleanup.
func readMatchMessages(ctx context.Context, c *websocket.Conn, s *Server, m *match.Match, userID uuid.UUID, logger *logrus.Logger) {
	for {
		msgType, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Infof("WebSocket closed normally for user %s in match %s.", userID, m.ID)
			} else if strings.Contains(err.Error(), "context canceled") {
				logger.Infof("WebSocket context canceled for user %s in match %s.", userID, m.ID)
			} else {
				logger.Warnf("Error reading from WebSocket for user %s in match %s: %v (Status: %d)", userID, m.ID, err, status)
			}
			return
		}

		if msgType != websocket.MessageText {
			logger.Warnf("Received non-text message type %d from user %s in match %s. Ignoring.", msgType, userID, m.ID)
			continue
		}

		var msg MatchMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warnf("Invalid JSON received from user %s in match %s: %v. Data: %s", userID, m.ID, err, string(data))
			sendWsError(ctx, c, "Invalid JSON format.")
			continue
		}

		logger.Debugf("Received action '%s' from user %s in match %s.", msg.Type, userID, m.ID)

		switch msg.Type {
		case "join":
			// Idempotent: re-announcing pushes a fresh snapshot.
			if err := m.HandleReconnect(userID); err != nil {
				sendWsError(ctx, c, err.Error())
			}

		case "edit":
			if msg.Edit == nil {
				sendWsError(ctx, c, "edit message requires an 'edit' operation")
				continue
			}
			// Rejections are answered inside ApplyEdit with an
			// edit_rejected event to the originator; the returned error is
			// only for participants the match does not know.
			if err := m.ApplyEdit(userID, msg.Edit); err != nil {
				logger.Debugf("Edit from user %s in match %s rejected: %v", userID, m.ID, err)
			}

		case "chat":
			if msg.Msg == "" {
				continue
			}
			if err := m.Chat(userID, msg.Msg); err != nil {
				sendWsError(ctx, c, err.Error())
			}

		case "kick":
			handleMatchKick(s, m, userID, msg.UserID, logger)

		case "leave":
			logger.Infof("User %s leaving match %s.", userID, m.ID)
			c.Close(websocket.StatusNormalClosure, "left the match")
			return

		case "ping":
			sendWsMessage(ctx, c, map[string]string{"type": "pong"})

		default:
			logger.Warnf("Unknown action type '%s' from user %s in match %s.", msg.Type, userID, m.ID)
			sendWsError(ctx, c, fmt.Sprintf("Unknown action type: %s", msg.Type))
		}
	}
}

// handleMatchKick removes a participant's transport on the lobby host's
// order. The rest of the group is told first; the target gets the terminal
// close code so their client will not auto-reconnect.
func handleMatchKick(s *Server, m *match.Match, senderID uuid.UUID, targetStr string, logger *logrus.Logger) {
	lob, ok := s.LobbyStore.GetLobby(m.LobbyID)
	if !ok {
		return
	}
	lob.Mu.Lock()
	isHost := lob.HostUserID == senderID
	lob.Mu.Unlock()
	if !isHost {
		logger.Warnf("User %s tried to kick in match %s without being host.", senderID, m.ID)
		return
	}

	target, err := uuid.Parse(targetStr)
	if err != nil || target == senderID {
		return
	}

	ev := match.Event{
		Type:   match.EventKick,
		User:   &match.EventUser{ID: target},
		Reason: "removed by host",
	}
	if data, err := json.Marshal(ev); err == nil {
		s.Registry.Broadcast(m.ID, data, target)
	}

	if s.Registry.Kick(m.ID, target, "removed by host") {
		logger.Infof("Host %s kicked user %s from match %s.", senderID, target, m.ID)
	}
	m.MarkPlayerDisconnected(target)
}

// sendWsMessage marshals a message and sends it directly on the socket,
// outside the hub pump. Only loop-local replies (pong, error) go this way;
// state events must keep their ordering and ride the pump.
func sendWsMessage(ctx context.Context, c *websocket.Conn, message interface{}) {
	if c == nil {
		log.Println("Error: Attempted to send WebSocket message on nil connection.")
		return
	}
	msgBytes, err := json.Marshal(message)
	if err != nil {
		log.Printf("Error marshaling WebSocket message: %v", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Write(writeCtx, websocket.MessageText, msgBytes); err != nil {
		status := websocket.CloseStatus(err)
		if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !strings.Contains(err.Error(), "context deadline exceeded") {
			log.Printf("Error writing WebSocket message: %v (Status: %d)", err, status)
		} else if strings.Contains(err.Error(), "context deadline exceeded") {
			log.Printf("Timeout writing WebSocket message: %v", err)
		}
	}
}

// sendWsError sends a structured error message to the client.
func sendWsError(ctx context.Context, c *websocket.Conn, errorMsg string) {
	sendWsMessage(ctx, c, map[string]interface{}{
		"type":    "error",
		"message": errorMsg,
	})
}
