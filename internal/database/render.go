// internal/database/render.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/models"
)

// UpsertRenderJob persists a render job row. The in-memory queue is
// authoritative while the process lives; rows let GET /render/{id} answer
// for terminal jobs after a restart.
func UpsertRenderJob(ctx context.Context, job *models.RenderJob) error {
	timeline, err := json.Marshal(job.Timeline)
	if err != nil {
		return fmt.Errorf("failed to marshal job timeline: %w", err)
	}
	q := `
	INSERT INTO render_jobs (
		id, match_id, timeline, media_ids, status,
		result_url, error, created_at, started_at, finished_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO UPDATE SET
		status      = EXCLUDED.status,
		result_url  = EXCLUDED.result_url,
		error       = EXCLUDED.error,
		started_at  = EXCLUDED.started_at,
		finished_at = EXCLUDED.finished_at
	`
	err = pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var matchID interface{}
		if job.MatchID != uuid.Nil {
			matchID = job.MatchID
		}
		var startedAt, finishedAt interface{}
		if !job.StartedAt.IsZero() {
			startedAt = job.StartedAt
		}
		if !job.FinishedAt.IsZero() {
			finishedAt = job.FinishedAt
		}
		_, e := tx.Exec(ctx, q,
			job.ID, matchID, timeline, job.MediaIDs, job.Status,
			job.ResultURL, job.Error, job.CreatedAt, startedAt, finishedAt,
		)
		return e
	})
	if err != nil {
		return errs.Transient(err, "upsert render job %s", job.ID)
	}
	return nil
}

// GetRenderJob fetches a render job row by ID.
func GetRenderJob(ctx context.Context, jobID uuid.UUID) (*models.RenderJob, error) {
	var job models.RenderJob
	var matchID *uuid.UUID
	var timeline []byte
	var startedAt, finishedAt *time.Time
	q := `
	SELECT id, match_id, timeline, media_ids, status,
	       result_url, error, created_at, started_at, finished_at
	FROM render_jobs
	WHERE id = $1
	`
	err := DB.QueryRow(ctx, q, jobID).Scan(
		&job.ID, &matchID, &timeline, &job.MediaIDs, &job.Status,
		&job.ResultURL, &job.Error, &job.CreatedAt, &startedAt, &finishedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errs.NotFound("no render job %s", jobID)
	}
	if err != nil {
		return nil, errs.Transient(err, "query render job %s", jobID)
	}
	if len(timeline) > 0 {
		if err := json.Unmarshal(timeline, &job.Timeline); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job timeline: %w", err)
		}
	}
	if matchID != nil {
		job.MatchID = *matchID
	}
	if startedAt != nil {
		job.StartedAt = *startedAt
	}
	if finishedAt != nil {
		job.FinishedAt = *finishedAt
	}
	return &job, nil
}
