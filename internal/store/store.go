package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/andresmejia3/emoscope/internal/annotate"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store keeps session history in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS emotion_sessions (
			id UUID PRIMARY KEY,
			mode TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ,
			frames INT NOT NULL DEFAULT 0,
			faces INT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS emotion_detections (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES emotion_sessions(id) ON DELETE CASCADE,
			frame_index BIGINT NOT NULL,
			box INT[] NOT NULL,
			dominant TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			emotions JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS emotion_detections_session_idx ON emotion_detections (session_id, frame_index);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateSession registers a running session.
func (s *Store) CreateSession(ctx context.Context, id string, mode types.Mode, source string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO emotion_sessions (id, mode, source, state, started_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, id, mode.Slug(), source, types.Running.String())
	return err
}

// FinishSession marks a session stopped and stores its final counters.
func (s *Store) FinishSession(ctx context.Context, id string, frames, faces int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE emotion_sessions SET state = $2, ended_at = NOW(), frames = $3, faces = $4
		WHERE id = $1
	`, id, types.Stopped.String(), frames, faces)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// InsertDetections saves every face of one frame in a single round trip.
func (s *Store) InsertDetections(ctx context.Context, sessionID string, frameIndex uint64, dets []types.Detection) error {
	if len(dets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range dets {
		label, score, ok := annotate.Dominant(d.Emotions)
		if !ok {
			label = "unknown"
		}
		emotions, err := json.Marshal(d.Emotions)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO emotion_detections (session_id, frame_index, box, dominant, score, emotions)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		`, sessionID, int64(frameIndex), []int32{int32(d.Box.X), int32(d.Box.Y), int32(d.Box.W), int32(d.Box.H)}, label, score, string(emotions))
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]types.SessionInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, mode, source, state, started_at, ended_at, frames, faces
		FROM emotion_sessions
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SessionInfo
	for rows.Next() {
		var si types.SessionInfo
		if err := rows.Scan(&si.ID, &si.Mode, &si.Source, &si.State, &si.StartedAt, &si.EndedAt, &si.Frames, &si.Faces); err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

// EmotionCount is how often an emotion was dominant within a session.
type EmotionCount struct {
	Emotion  string
	Count    int
	AvgScore float64
}

// SessionTimeline summarizes the dominant emotions recorded for a session, most frequent first.
func (s *Store) SessionTimeline(ctx context.Context, id string) ([]EmotionCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dominant, COUNT(*), AVG(score)
		FROM emotion_detections
		WHERE session_id = $1
		GROUP BY dominant
		ORDER BY COUNT(*) DESC, dominant ASC
	`, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (EmotionCount, error) {
		var ec EmotionCount
		err := row.Scan(&ec.Emotion, &ec.Count, &ec.AvgScore)
		return ec, err
	})
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS emotion_detections CASCADE;
		DROP TABLE IF EXISTS emotion_sessions CASCADE;
	`)
	return err
}
