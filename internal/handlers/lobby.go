// internal/handlers/lobby.go
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/lobby"
	"github.com/cutroom-app/cutroom/internal/match"
	"github.com/cutroom-app/cutroom/internal/models"
)

type createLobbyRequest struct {
	Name   string                 `json:"name"`
	Config map[string]interface{} `json:"config"`
}

// LobbiesHandler serves the lobby collection: POST creates, GET lists.
func LobbiesHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			createLobby(s, w, r)
		case http.MethodGet:
			listLobbies(s, w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// createLobby builds an in-memory lobby owned by the caller, who joins it
// immediately. Guests get an identity minted on the way in.
func createLobby(s *Server, w http.ResponseWriter, r *http.Request) {
	userID, err := EnsureEphemeralUser(w, r)
	if err != nil {
		respondError(w, errs.Transient(err, "could not establish identity"))
		return
	}

	var req createLobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		http.Error(w, "bad lobby request payload", http.StatusBadRequest)
		return
	}

	cfg := match.DefaultConfig()
	if len(req.Config) > 0 {
		if err := cfg.Update(req.Config); err != nil {
			respondError(w, err)
			return
		}
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Untitled Session"
	}

	lob := lobby.NewLobby(userID, name, cfg)
	lob.OnEmpty = func(lobbyID uuid.UUID) {
		s.LobbyStore.DeleteLobby(lobbyID)
	}
	if err := lob.Join(s.lookupUser(r, userID)); err != nil {
		respondError(w, err)
		return
	}
	s.LobbyStore.AddLobby(lob)

	respondJSON(w, http.StatusCreated, lob.Row())
}

// listLobbies returns lobbies, optionally filtered with ?status=. Asking
// for waiting lobbies reconciles first so the standing system lobbies are
// always present in the answer.
func listLobbies(s *Server, w http.ResponseWriter, r *http.Request) {
	if _, err := sessionUserID(r); err != nil {
		respondError(w, err)
		return
	}

	status := r.URL.Query().Get("status")
	if status != "" && !models.ValidLobbyStatus(status) {
		respondError(w, errs.Validation("unknown lobby status %q", status))
		return
	}

	if status == string(models.LobbyWaiting) {
		s.Reconcile(time.Now())
	}

	rows := make([]*models.Lobby, 0)
	for _, lob := range s.LobbyStore.GetLobbies() {
		row := lob.Row()
		if status != "" && string(row.Status) != status {
			continue
		}
		rows = append(rows, row)
	}
	respondJSON(w, http.StatusOK, rows)
}

// LobbyActionHandler serves /lobbies/{idOrCode} and its join/leave verbs.
func LobbyActionHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/lobbies/")
		parts := strings.Split(strings.Trim(rest, "/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			http.Error(w, "missing lobby id", http.StatusBadRequest)
			return
		}
		idOrCode := parts[0]

		lob, ok := s.LobbyStore.Resolve(idOrCode)
		if !ok {
			respondError(w, errs.NotFound("no lobby matches %q", idOrCode))
			return
		}

		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			respondJSON(w, http.StatusOK, lob.Row())
			return
		}

		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		switch parts[1] {
		case "join":
			joinLobby(s, w, r, lob)
		case "leave":
			leaveLobby(s, w, r, lob)
		default:
			http.Error(w, "unknown lobby action", http.StatusNotFound)
		}
	}
}

func joinLobby(s *Server, w http.ResponseWriter, r *http.Request, lob *lobby.Lobby) {
	userID, err := EnsureEphemeralUser(w, r)
	if err != nil {
		respondError(w, errs.Transient(err, "could not establish identity"))
		return
	}

	if err := lob.Join(s.lookupUser(r, userID)); err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"lobby":  lob.Row(),
		"yourId": userID.String(),
	})
}

type leaveLobbyRequest struct {
	UserID string `json:"userId"`
}

// leaveLobby removes a member. A session leaves for itself; a service
// credential may leave on any member's behalf.
func leaveLobby(s *Server, w http.ResponseWriter, r *http.Request, lob *lobby.Lobby) {
	var req leaveLobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		http.Error(w, "bad leave payload", http.StatusBadRequest)
		return
	}
	explicit := uuid.Nil
	if req.UserID != "" {
		parsed, err := uuid.Parse(req.UserID)
		if err != nil {
			respondError(w, errs.Validation("malformed userId"))
			return
		}
		explicit = parsed
	}

	actor, _, err := s.resolveActor(r, explicit)
	if err != nil {
		respondError(w, err)
		return
	}

	if err := lob.Leave(actor); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "left"})
}
