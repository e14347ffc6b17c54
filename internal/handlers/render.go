// internal/handlers/render.go
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/cutroom-app/cutroom/internal/database"
	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/models"
)

type renderRequest struct {
	MatchID  string           `json:"matchId"`
	Timeline *models.Timeline `json:"timeline"`
	MediaIDs []string         `json:"mediaIds"`
}

// renderJobView is what the API reports about a job. The timeline itself
// is not echoed back.
type renderJobView struct {
	JobID   uuid.UUID `json:"jobId"`
	MatchID uuid.UUID `json:"matchId,omitempty"`
	Status  string    `json:"status"`

	// Position is present only while the job is still queued; 0 means the
	// job is next in line.
	Position *int `json:"queuePosition,omitempty"`

	ResultURL string `json:"resultUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

func viewOfJob(job models.RenderJob, queuePos *int) renderJobView {
	return renderJobView{
		JobID:     job.ID,
		MatchID:   job.MatchID,
		Status:    string(job.Status),
		Position:  queuePos,
		ResultURL: job.ResultURL,
		Error:     job.Error,
	}
}

// RenderHandler admits a render job directly, outside the match flow.
func RenderHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.isServiceCall(r) {
			if _, err := sessionUserID(r); err != nil {
				respondError(w, err)
				return
			}
		}

		var req renderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad render payload", http.StatusBadRequest)
			return
		}

		matchID := uuid.Nil
		if req.MatchID != "" {
			parsed, err := uuid.Parse(req.MatchID)
			if err != nil {
				respondError(w, errs.Validation("malformed matchId"))
				return
			}
			matchID = parsed
		}

		job, err := s.Queue.Enqueue(matchID, req.Timeline, req.MediaIDs)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, viewOfJob(job, &job.Position))
	}
}

// RenderJobHandler reports one job's progress: live from the queue while
// the job is in memory, from the archive after.
func RenderJobHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		idStr := strings.Trim(strings.TrimPrefix(r.URL.Path, "/render/"), "/")
		jobID, err := uuid.Parse(idStr)
		if err != nil {
			http.Error(w, "invalid job id", http.StatusBadRequest)
			return
		}

		if job, ok := s.Queue.Job(jobID); ok {
			var pos *int
			if p, queued := s.Queue.QueuePosition(jobID); queued {
				pos = &p
			}
			respondJSON(w, http.StatusOK, viewOfJob(job, pos))
			return
		}

		if database.DB != nil {
			job, err := database.GetRenderJob(r.Context(), jobID)
			if err == nil {
				respondJSON(w, http.StatusOK, viewOfJob(*job, nil))
				return
			}
		}
		respondError(w, errs.NotFound("render job %s not found", jobID))
	}
}
