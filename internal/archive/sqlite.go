package archive

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ChuLiYu/stagecoach/pkg/types"
	_ "github.com/mattn/go-sqlite3"
)

// SQLite archives events in a local database file (or ":memory:").
type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Record(ctx context.Context, ev types.ProgressEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO progress_events
			(pipeline, job_id, seq, event_id, stage, status, message, percentage, emitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Pipeline, string(ev.JobID), int64(ev.Seq), ev.EventID, string(ev.Stage),
		ev.Status, ev.Message, ev.Percentage, ev.EmittedAt)
	if err != nil {
		return fmt.Errorf("insert progress event: %w", err)
	}
	return nil
}

func (s *SQLite) Events(ctx context.Context, pipeline string, id types.JobID) ([]types.ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pipeline, job_id, seq, event_id, stage, status, message, percentage, emitted_at
		FROM progress_events
		WHERE pipeline = ? AND job_id = ?
		ORDER BY seq`, pipeline, string(id))
	if err != nil {
		return nil, fmt.Errorf("query progress events: %w", err)
	}
	defer rows.Close()

	var out []types.ProgressEvent
	for rows.Next() {
		var (
			ev    types.ProgressEvent
			job   string
			stage string
			seq   int64
		)
		if err := rows.Scan(&ev.Pipeline, &job, &seq, &ev.EventID, &stage,
			&ev.Status, &ev.Message, &ev.Percentage, &ev.EmittedAt); err != nil {
			return nil, fmt.Errorf("scan progress event: %w", err)
		}
		ev.JobID = types.JobID(job)
		ev.Stage = types.StageName(stage)
		ev.Seq = uint64(seq)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }
