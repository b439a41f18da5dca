package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres archives events with a pgx connection pool.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres connects, pings and ensures the table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("archive: database DSN cannot be empty")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to create schema: %w", err)
	}
	return &Postgres{db: pool}, nil
}

func (p *Postgres) Record(ctx context.Context, ev types.ProgressEvent) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO progress_events
			(pipeline, job_id, seq, event_id, stage, status, message, percentage, emitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pipeline, job_id, seq) DO NOTHING`,
		ev.Pipeline, string(ev.JobID), int64(ev.Seq), ev.EventID, string(ev.Stage),
		ev.Status, ev.Message, ev.Percentage, ev.EmittedAt)
	if err != nil {
		return fmt.Errorf("insert progress event: %w", err)
	}
	return nil
}

func (p *Postgres) Events(ctx context.Context, pipeline string, id types.JobID) ([]types.ProgressEvent, error) {
	rows, err := p.db.Query(ctx, `
		SELECT pipeline, job_id, seq, event_id, stage, status, message, percentage, emitted_at
		FROM progress_events
		WHERE pipeline = $1 AND job_id = $2
		ORDER BY seq`, pipeline, string(id))
	if err != nil {
		return nil, fmt.Errorf("query progress events: %w", err)
	}
	defer rows.Close()

	var out []types.ProgressEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}

// scanEvent scans one row in the column order of the SELECT in Events.
func scanEvent(rows pgx.Rows) (types.ProgressEvent, error) {
	var (
		ev    types.ProgressEvent
		job   string
		stage string
		seq   int64
	)
	err := rows.Scan(&ev.Pipeline, &job, &seq, &ev.EventID, &stage,
		&ev.Status, &ev.Message, &ev.Percentage, &ev.EmittedAt)
	if err != nil {
		return ev, fmt.Errorf("scan progress event: %w", err)
	}
	ev.JobID = types.JobID(job)
	ev.Stage = types.StageName(stage)
	ev.Seq = uint64(seq)
	return ev, nil
}
