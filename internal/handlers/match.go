// internal/handlers/match.go
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/cutroom-app/cutroom/internal/database"
	"github.com/cutroom-app/cutroom/internal/errs"
)

type startMatchRequest struct {
	LobbyID string `json:"lobbyId"`
	Code    string `json:"code"`
}

// StartMatchHandler starts a match from a lobby. Only the lobby host or a
// service credential may start one.
func StartMatchHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req startMatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad start payload", http.StatusBadRequest)
			return
		}
		ref := req.LobbyID
		if ref == "" {
			ref = req.Code
		}
		if ref == "" {
			respondError(w, errs.Validation("lobbyId or code is required"))
			return
		}

		lob, ok := s.LobbyStore.Resolve(ref)
		if !ok {
			respondError(w, errs.NotFound("no lobby matches %q", ref))
			return
		}

		if !s.isServiceCall(r) {
			userID, err := sessionUserID(r)
			if err != nil {
				respondError(w, err)
				return
			}
			lob.Mu.Lock()
			isHost := lob.HostUserID == userID
			lob.Mu.Unlock()
			if !isHost {
				respondError(w, errs.Forbidden("only the host can start the match"))
				return
			}
		}

		m, err := s.CreateMatchFromLobby(r.Context(), lob)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, m.StatusProjection())
	}
}

// MatchActionHandler serves /matches/{id}, its status projection and the
// join/leave presence verbs.
func MatchActionHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/matches/")
		parts := strings.Split(strings.Trim(rest, "/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			http.Error(w, "missing match id", http.StatusBadRequest)
			return
		}
		matchID, err := uuid.Parse(parts[0])
		if err != nil {
			http.Error(w, "invalid match id", http.StatusBadRequest)
			return
		}

		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			getMatch(s, w, r, matchID)
			return
		}

		switch parts[1] {
		case "status":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			getMatchStatus(s, w, r, matchID)
		case "join":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			joinMatch(s, w, r, matchID)
		case "leave":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			leaveMatch(s, w, r, matchID)
		default:
			http.Error(w, "unknown match action", http.StatusNotFound)
		}
	}
}

// getMatch returns the full snapshot of a live match, falling back to the
// archived record once the match has been reaped from memory.
func getMatch(s *Server, w http.ResponseWriter, r *http.Request, matchID uuid.UUID) {
	if m, ok := s.MatchStore.GetMatch(matchID); ok {
		respondJSON(w, http.StatusOK, m.StatusProjection())
		return
	}
	if database.DB != nil {
		rec, err := database.GetMatch(r.Context(), matchID)
		if err == nil {
			respondJSON(w, http.StatusOK, rec)
			return
		}
	}
	respondError(w, errs.NotFound("match %s not found", matchID))
}

// matchStatusLite is the polling projection: no timeline, no roster.
type matchStatusLite struct {
	MatchID      uuid.UUID `json:"matchId"`
	Status       string    `json:"status"`
	RemainingSec float64   `json:"remainingSec"`

	QueuePosition *int   `json:"queuePosition,omitempty"`
	RenderURL     string `json:"renderUrl,omitempty"`
	RenderError   string `json:"renderError,omitempty"`
}

func getMatchStatus(s *Server, w http.ResponseWriter, r *http.Request, matchID uuid.UUID) {
	if m, ok := s.MatchStore.GetMatch(matchID); ok {
		snap := m.StatusProjection()
		respondJSON(w, http.StatusOK, matchStatusLite{
			MatchID:       snap.MatchID,
			Status:        string(snap.Status),
			RemainingSec:  snap.RemainingSec,
			QueuePosition: snap.QueuePosition,
			RenderURL:     snap.RenderURL,
			RenderError:   snap.RenderError,
		})
		return
	}
	if database.DB != nil {
		rec, err := database.GetMatch(r.Context(), matchID)
		if err == nil {
			respondJSON(w, http.StatusOK, matchStatusLite{
				MatchID:     rec.ID,
				Status:      string(rec.Status),
				RenderURL:   rec.RenderURL,
				RenderError: rec.RenderError,
			})
			return
		}
	}
	respondError(w, errs.NotFound("match %s not found", matchID))
}

type matchPresenceRequest struct {
	UserID string `json:"userId"`
}

// joinMatch marks a participant present. Reserved for the service
// credential; browsers join through the match WebSocket instead.
func joinMatch(s *Server, w http.ResponseWriter, r *http.Request, matchID uuid.UUID) {
	if !s.isServiceCall(r) {
		respondError(w, errs.Forbidden("match join requires a service credential"))
		return
	}

	var req matchPresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad join payload", http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		respondError(w, errs.Validation("malformed userId"))
		return
	}

	m, ok := s.MatchStore.GetMatch(matchID)
	if !ok {
		respondError(w, errs.NotFound("match %s not found", matchID))
		return
	}
	if err := m.HandleReconnect(userID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

// leaveMatch marks a participant disconnected. Their clips stay on the
// timeline.
func leaveMatch(s *Server, w http.ResponseWriter, r *http.Request, matchID uuid.UUID) {
	var req matchPresenceRequest
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

	m, ok := s.MatchStore.GetMatch(matchID)
	if !ok {
		respondError(w, errs.NotFound("match %s not found", matchID))
		return
	}
	m.MarkPlayerDisconnected(actor)
	respondJSON(w, http.StatusOK, map[string]string{"status": "left"})
}
