package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/models"
)

// UpsertLobby persists the current lobby snapshot. Membership is stored as a
// jsonb array preserving join order; the config snapshot is stored verbatim.
func UpsertLobby(ctx context.Context, lobby *models.Lobby) error {
	q := `
	INSERT INTO lobbies (
		id, host_user_id, name, join_code, status, system,
		config, members, match_id, created_at, closed_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		host_user_id = EXCLUDED.host_user_id,
		status       = EXCLUDED.status,
		config       = EXCLUDED.config,
		members      = EXCLUDED.members,
		match_id     = EXCLUDED.match_id,
		closed_at    = EXCLUDED.closed_at
	`
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var matchID interface{}
		if lobby.MatchID != uuid.Nil {
			matchID = lobby.MatchID
		}
		var closedAt interface{}
		if !lobby.ClosedAt.IsZero() {
			closedAt = lobby.ClosedAt
		}
		_, err := tx.Exec(ctx, q,
			lobby.ID,
			lobby.HostUserID,
			lobby.Name,
			lobby.JoinCode,
			lobby.Status,
			lobby.System,
			lobby.Config,
			lobby.Members,
			matchID,
			lobby.CreatedAt,
			closedAt,
		)
		return err
	})
	if err != nil {
		return errs.Transient(err, "upsert lobby %s", lobby.ID)
	}
	return nil
}

// GetLobby fetches a lobby row by ID.
func GetLobby(ctx context.Context, lobbyID uuid.UUID) (*models.Lobby, error) {
	var l models.Lobby
	var matchID *uuid.UUID
	var closedAt *time.Time
	q := `
	SELECT id, host_user_id, name, join_code, status, system,
	       config, members, match_id, created_at, closed_at
	FROM lobbies
	WHERE id = $1
	`
	err := DB.QueryRow(ctx, q, lobbyID).Scan(
		&l.ID, &l.HostUserID, &l.Name, &l.JoinCode, &l.Status, &l.System,
		&l.Config, &l.Members, &matchID, &l.CreatedAt, &closedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errs.NotFound("no lobby %s", lobbyID)
	}
	if err != nil {
		return nil, errs.Transient(err, "query lobby %s", lobbyID)
	}
	if matchID != nil {
		l.MatchID = *matchID
	}
	if closedAt != nil {
		l.ClosedAt = *closedAt
	}
	return &l, nil
}

// GetAllLobbies returns all lobby rows, optionally filtered by status.
func GetAllLobbies(ctx context.Context, status models.LobbyStatus) ([]models.Lobby, error) {
	q := `
	SELECT id, host_user_id, name, join_code, status, system,
	       config, members, match_id, created_at, closed_at
	FROM lobbies
	`
	args := []interface{}{}
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	q += ` ORDER BY created_at`

	rows, err := DB.Query(ctx, q, args...)
	if err != nil {
		return nil, errs.Transient(err, "query lobbies")
	}
	defer rows.Close()

	var lobbies []models.Lobby
	for rows.Next() {
		var l models.Lobby
		var matchID *uuid.UUID
		var closedAt *time.Time
		err := rows.Scan(
			&l.ID, &l.HostUserID, &l.Name, &l.JoinCode, &l.Status, &l.System,
			&l.Config, &l.Members, &matchID, &l.CreatedAt, &closedAt,
		)
		if err != nil {
			return nil, errs.Transient(err, "scan lobby row")
		}
		if matchID != nil {
			l.MatchID = *matchID
		}
		if closedAt != nil {
			l.ClosedAt = *closedAt
		}
		lobbies = append(lobbies, l)
	}
	return lobbies, nil
}

// DeleteLobby removes a lobby row by ID.
func DeleteLobby(ctx context.Context, lobbyID uuid.UUID) error {
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM lobbies WHERE id=$1`, lobbyID)
		return err
	})
	if err != nil {
		return errs.Transient(err, "delete lobby %s", lobbyID)
	}
	return nil
}

// DeleteStaleClosedLobbies removes closed lobbies whose closed_at is older
// than the retention window. Returns how many rows were reaped.
func DeleteStaleClosedLobbies(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	var n int64
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM lobbies WHERE status='closed' AND closed_at IS NOT NULL AND closed_at < $1`,
			cutoff,
		)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, errs.Transient(err, "reap stale lobbies")
	}
	return n, nil
}
