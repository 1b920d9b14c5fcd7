package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/maskwatch/internal/types"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when no scanned video matches a lookup.
var ErrNotFound = errors.New("video not found in store")

// Store keeps the event log of every scanned video in PostgreSQL.
type Store struct {
	conn *pgx.Conn
}

// Run describes one completed scan.
type Run struct {
	VideoID   string
	Path      string
	Reference string
	RunID     string
	FPS       float64
	Frames    int
}

// VideoSummary is one row of the videos listing.
type VideoSummary struct {
	ID         string
	Path       string
	Reference  string
	RunID      string
	ScannedAt  time.Time
	FaceEvents int
	MaskEvents int
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS video_metadata (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			reference TEXT NOT NULL,
			run_id TEXT NOT NULL,
			fps DOUBLE PRECISION NOT NULL,
			frames INT NOT NULL,
			scanned_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS timeline_events (
			id BIGSERIAL PRIMARY KEY,
			video_id TEXT NOT NULL REFERENCES video_metadata(id) ON DELETE CASCADE,
			seq INT NOT NULL,
			frame INT NOT NULL,
			elapsed_ns BIGINT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('face', 'mask'))
		);
		CREATE INDEX IF NOT EXISTS timeline_events_video_id_idx ON timeline_events (video_id, seq);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SaveRun registers the video and replaces its event log in one transaction,
// so a re-scan never leaves a mix of old and new events.
func (s *Store) SaveRun(ctx context.Context, run Run, events []types.TimelineEvent) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO video_metadata (id, path, reference, run_id, fps, frames, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			path = EXCLUDED.path,
			reference = EXCLUDED.reference,
			run_id = EXCLUDED.run_id,
			fps = EXCLUDED.fps,
			frames = EXCLUDED.frames,
			scanned_at = NOW()
	`, run.VideoID, run.Path, run.Reference, run.RunID, run.FPS, run.Frames)
	if err != nil {
		return fmt.Errorf("failed to register video: %w", err)
	}

	// Clean up old data to ensure idempotency
	if _, err := tx.Exec(ctx, "DELETE FROM timeline_events WHERE video_id = $1", run.VideoID); err != nil {
		return fmt.Errorf("failed to clear previous events: %w", err)
	}

	if len(events) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"timeline_events"},
			[]string{"video_id", "seq", "frame", "elapsed_ns", "kind"},
			pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
				e := events[i]
				return []any{run.VideoID, i, e.Frame, int64(e.Elapsed), e.Kind.String()}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to store events: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ListEvents returns the stored log of a video in recorded order.
func (s *Store) ListEvents(ctx context.Context, videoID string) ([]types.TimelineEvent, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT frame, elapsed_ns, kind FROM timeline_events WHERE video_id = $1 ORDER BY seq ASC", videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.TimelineEvent
	for rows.Next() {
		var (
			frame   int
			elapsed int64
			kind    string
		)
		if err := rows.Scan(&frame, &elapsed, &kind); err != nil {
			return nil, err
		}
		k, err := types.ParseEventKind(kind)
		if err != nil {
			return nil, err
		}
		events = append(events, types.TimelineEvent{Frame: frame, Elapsed: time.Duration(elapsed), Kind: k})
	}
	return events, rows.Err()
}

// ListVideos returns every scanned video, most recent first, with event counts.
func (s *Store) ListVideos(ctx context.Context) ([]VideoSummary, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT v.id, v.path, v.reference, v.run_id, v.scanned_at,
			COUNT(e.id) FILTER (WHERE e.kind = 'face'),
			COUNT(e.id) FILTER (WHERE e.kind = 'mask')
		FROM video_metadata v
		LEFT JOIN timeline_events e ON e.video_id = v.id
		GROUP BY v.id
		ORDER BY v.scanned_at DESC, v.id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var videos []VideoSummary
	for rows.Next() {
		var v VideoSummary
		if err := rows.Scan(&v.ID, &v.Path, &v.Reference, &v.RunID, &v.ScannedAt, &v.FaceEvents, &v.MaskEvents); err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

// ResolveVideo finds a scanned video by full ID, ID prefix or original path.
// The most recently scanned match wins.
func (s *Store) ResolveVideo(ctx context.Context, ref string) (VideoSummary, error) {
	var v VideoSummary
	err := s.conn.QueryRow(ctx, `
		SELECT id, path, reference, run_id, scanned_at
		FROM video_metadata
		WHERE id = $1 OR path = $1 OR (length($1) >= 6 AND id LIKE $1 || '%')
		ORDER BY (id = $1) DESC, scanned_at DESC
		LIMIT 1
	`, ref).Scan(&v.ID, &v.Path, &v.Reference, &v.RunID, &v.ScannedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return VideoSummary{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return VideoSummary{}, err
	}
	return v, nil
}

// Reset drops all application tables to clear the database state.
// The schema is recreated on the next connection.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS timeline_events CASCADE;
		DROP TABLE IF EXISTS video_metadata CASCADE;
	`)
	return err
}
