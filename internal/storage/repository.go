package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sqlc-dev/pqtype"

	"github.com/partyhub/partyhub/internal/room"
)

// Repository implements room.Repo against Postgres. It is the only component
// that talks to the database; all of its callers treat failures as soft.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const upsertRoom = `
INSERT INTO rooms (code, host_user_id, host_token, expires_at, is_active, settings, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (code) DO UPDATE SET
    host_user_id = EXCLUDED.host_user_id,
    host_token   = EXCLUDED.host_token,
    expires_at   = EXCLUDED.expires_at,
    is_active    = EXCLUDED.is_active,
    settings     = EXCLUDED.settings,
    updated_at   = NOW()
`

func (r *Repository) SaveRoom(ctx context.Context, rec room.RoomRecord) error {
	var hostUserID sql.NullString
	if rec.HostUserID != "" {
		hostUserID = sql.NullString{String: rec.HostUserID, Valid: true}
	}
	var settings pqtype.NullRawMessage
	if len(rec.Settings) > 0 {
		settings = pqtype.NullRawMessage{RawMessage: rec.Settings, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, upsertRoom,
		rec.Code, hostUserID, rec.HostToken, rec.ExpiresAt, rec.IsActive, settings)
	if err != nil {
		return fmt.Errorf("failed to save room %s: %w", rec.Code, err)
	}
	return nil
}

const getRoom = `
SELECT code, host_user_id, host_token, expires_at, is_active, settings
FROM rooms WHERE code = $1
`

func (r *Repository) Room(ctx context.Context, code string) (room.RoomRecord, error) {
	var rec room.RoomRecord
	var hostUserID sql.NullString
	var settings pqtype.NullRawMessage

	err := r.db.QueryRowContext(ctx, getRoom, code).Scan(
		&rec.Code, &hostUserID, &rec.HostToken, &rec.ExpiresAt, &rec.IsActive, &settings)
	if errors.Is(err, sql.ErrNoRows) {
		return room.RoomRecord{}, room.ErrRoomNotFound
	}
	if err != nil {
		return room.RoomRecord{}, fmt.Errorf("failed to get room %s: %w", code, err)
	}
	rec.HostUserID = hostUserID.String
	if settings.Valid {
		rec.Settings = settings.RawMessage
	}
	return rec, nil
}

const deactivateRoom = `
UPDATE rooms SET is_active = FALSE, updated_at = NOW() WHERE code = $1
`

func (r *Repository) DeactivateRoom(ctx context.Context, code string) error {
	if _, err := r.db.ExecContext(ctx, deactivateRoom, code); err != nil {
		return fmt.Errorf("failed to deactivate room %s: %w", code, err)
	}
	return nil
}

const getHostToken = `
SELECT host_token FROM rooms WHERE code = $1 AND is_active
`

func (r *Repository) HostToken(ctx context.Context, code string) (string, error) {
	var token string
	err := r.db.QueryRowContext(ctx, getHostToken, code).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", room.ErrRoomNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get host token for %s: %w", code, err)
	}
	return token, nil
}

const updateHostToken = `
UPDATE rooms SET host_token = $2, updated_at = NOW() WHERE code = $1
`

func (r *Repository) UpdateHostToken(ctx context.Context, code, token string) error {
	if _, err := r.db.ExecContext(ctx, updateHostToken, code, token); err != nil {
		return fmt.Errorf("failed to update host token for %s: %w", code, err)
	}
	return nil
}

const upsertSessionScore = `
INSERT INTO session_scores (room_code, player_name, total_score, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (room_code, player_name) DO UPDATE SET
    total_score = EXCLUDED.total_score,
    updated_at  = NOW()
`

func (r *Repository) UpsertSessionScore(ctx context.Context, code, playerName string, total int) error {
	if _, err := r.db.ExecContext(ctx, upsertSessionScore, code, playerName, total); err != nil {
		return fmt.Errorf("failed to upsert session score for %s/%s: %w", code, playerName, err)
	}
	return nil
}

const getSessionScores = `
SELECT player_name, total_score FROM session_scores WHERE room_code = $1
`

func (r *Repository) SessionScores(ctx context.Context, code string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, getSessionScores, code)
	if err != nil {
		return nil, fmt.Errorf("failed to query session scores for %s: %w", code, err)
	}
	defer rows.Close()

	scores := make(map[string]int)
	for rows.Next() {
		var name string
		var total int
		if err := rows.Scan(&name, &total); err != nil {
			return nil, fmt.Errorf("failed to scan session score: %w", err)
		}
		scores[name] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session scores: %w", err)
	}
	return scores, nil
}

const upsertGameSettings = `
INSERT INTO game_settings (room_code, game_type, settings, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (room_code, game_type) DO UPDATE SET
    settings   = EXCLUDED.settings,
    updated_at = NOW()
`

func (r *Repository) SaveGameSettings(ctx context.Context, code, gameType string, settings []byte) error {
	var blob pqtype.NullRawMessage
	if len(settings) > 0 {
		blob = pqtype.NullRawMessage{RawMessage: settings, Valid: true}
	}
	if _, err := r.db.ExecContext(ctx, upsertGameSettings, code, gameType, blob); err != nil {
		return fmt.Errorf("failed to save game settings for %s/%s: %w", code, gameType, err)
	}
	return nil
}

const getGameSettings = `
SELECT settings FROM game_settings WHERE room_code = $1 AND game_type = $2
`

// GameSettings reads the persisted settings blob for a (room, game type) pair.
func (r *Repository) GameSettings(ctx context.Context, code, gameType string) ([]byte, error) {
	var blob pqtype.NullRawMessage
	err := r.db.QueryRowContext(ctx, getGameSettings, code, gameType).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game settings for %s/%s: %w", code, gameType, err)
	}
	if !blob.Valid {
		return nil, nil
	}
	return blob.RawMessage, nil
}

const sweepExpiredRooms = `
UPDATE rooms SET is_active = FALSE, updated_at = NOW()
WHERE is_active AND expires_at < NOW()
`

// SweepExpiredRooms deactivates rooms whose TTL has passed and returns how
// many were touched.
func (r *Repository) SweepExpiredRooms(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, sweepExpiredRooms)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired rooms: %w", err)
	}
	return res.RowsAffected()
}
