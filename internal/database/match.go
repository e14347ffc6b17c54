// internal/database/match.go
package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/models"
)

// UpsertMatch persists a match snapshot. The live match in memory is
// authoritative; rows here exist for listings, reconnect recovery and the
// stale-match reaper.
func UpsertMatch(ctx context.Context, rec *models.MatchRecord) error {
	q := `
	INSERT INTO matches (
		id, lobby_id, lobby_name, status, config, timeline,
		started_at, ends_at, finished_at,
		render_job_id, render_url, render_error
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO UPDATE SET
		status        = EXCLUDED.status,
		timeline      = EXCLUDED.timeline,
		finished_at   = EXCLUDED.finished_at,
		render_job_id = EXCLUDED.render_job_id,
		render_url    = EXCLUDED.render_url,
		render_error  = EXCLUDED.render_error
	`
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var finishedAt interface{}
		if !rec.FinishedAt.IsZero() {
			finishedAt = rec.FinishedAt
		}
		var jobID interface{}
		if rec.RenderJobID != uuid.Nil {
			jobID = rec.RenderJobID
		}
		_, err := tx.Exec(ctx, q,
			rec.ID, rec.LobbyID, rec.LobbyName, rec.Status, rec.Config, rec.Timeline,
			rec.StartedAt, rec.EndsAt, finishedAt,
			jobID, rec.RenderURL, rec.RenderError,
		)
		return err
	})
	if err != nil {
		return errs.Transient(err, "upsert match %s", rec.ID)
	}
	return nil
}

// GetMatch fetches a match snapshot row by ID.
func GetMatch(ctx context.Context, matchID uuid.UUID) (*models.MatchRecord, error) {
	var rec models.MatchRecord
	var finishedAt *time.Time
	var jobID *uuid.UUID
	q := `
	SELECT id, lobby_id, lobby_name, status, config, timeline,
	       started_at, ends_at, finished_at,
	       render_job_id, render_url, render_error
	FROM matches
	WHERE id = $1
	`
	err := DB.QueryRow(ctx, q, matchID).Scan(
		&rec.ID, &rec.LobbyID, &rec.LobbyName, &rec.Status, &rec.Config, &rec.Timeline,
		&rec.StartedAt, &rec.EndsAt, &finishedAt,
		&jobID, &rec.RenderURL, &rec.RenderError,
	)
	if err == pgx.ErrNoRows {
		return nil, errs.NotFound("no match %s", matchID)
	}
	if err != nil {
		return nil, errs.Transient(err, "query match %s", matchID)
	}
	if finishedAt != nil {
		rec.FinishedAt = *finishedAt
	}
	if jobID != nil {
		rec.RenderJobID = *jobID
	}
	return &rec, nil
}

// StoreRenderResult records the terminal render outcome on the match row.
func StoreRenderResult(ctx context.Context, matchID uuid.UUID, status models.MatchStatus, url, renderErr string) error {
	q := `
	UPDATE matches
	SET status=$1, render_url=$2, render_error=$3, finished_at=NOW()
	WHERE id=$4
	`
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q, status, url, renderErr, matchID)
		return e
	})
	if err != nil {
		return errs.Transient(err, "store render result for match %s", matchID)
	}
	return nil
}

// DeleteStaleMatches removes terminal matches finished before the retention
// cutoff. Returns how many rows were reaped.
func DeleteStaleMatches(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	var n int64
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM matches WHERE status IN ('completed','failed') AND finished_at IS NOT NULL AND finished_at < $1`,
			cutoff,
		)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, errs.Transient(err, "reap stale matches")
	}
	return n, nil
}
