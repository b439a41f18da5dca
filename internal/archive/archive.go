// Package archive keeps a queryable copy of every accepted progress event.
// Archiving is best-effort: the WAL and snapshot remain the source of truth.
package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "archive")

var ErrUnknownDriver = errors.New("archive: unknown driver")

// Archive stores and lists progress events.
type Archive interface {
	Record(ctx context.Context, ev types.ProgressEvent) error
	// Events returns a job's events ordered by seq.
	Events(ctx context.Context, pipeline string, id types.JobID) ([]types.ProgressEvent, error)
	Close() error
}

// Open selects an implementation by driver name ("postgres" or "sqlite").
func Open(ctx context.Context, driver, dsn string) (Archive, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, dsn)
	case "sqlite":
		return NewSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// schema is shared by both drivers.
const schema = `
CREATE TABLE IF NOT EXISTS progress_events (
	pipeline   TEXT    NOT NULL,
	job_id     TEXT    NOT NULL,
	seq        BIGINT  NOT NULL,
	event_id   TEXT    NOT NULL,
	stage      TEXT    NOT NULL,
	status     TEXT    NOT NULL,
	message    TEXT    NOT NULL,
	percentage INTEGER NOT NULL,
	emitted_at BIGINT  NOT NULL,
	PRIMARY KEY (pipeline, job_id, seq)
)`

// ============================================================================
// Recorder: tracker listener feeding an Archive off the hot path
// ============================================================================

// Recorder queues accepted events and writes them from a background loop,
// so archive latency never holds a job's lock. Events are dropped with a
// warning when the queue is full.
type Recorder struct {
	archive Archive
	queue   chan types.ProgressEvent
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRecorder creates a recorder with the given queue depth.
func NewRecorder(a Archive, depth int) *Recorder {
	if depth <= 0 {
		depth = 1024
	}
	return &Recorder{
		archive: a,
		queue:   make(chan types.ProgressEvent, depth),
		stopCh:  make(chan struct{}),
	}
}

// OnProgress implements tracker.Listener.
func (r *Recorder) OnProgress(ev types.ProgressEvent, _ types.JobSnapshot) {
	select {
	case r.queue <- ev:
	default:
		log.WithFields(logrus.Fields{"job_id": ev.JobID, "seq": ev.Seq}).Warn("archive queue full, dropping event")
	}
}

// Start launches the write loop.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop drains queued events and waits for the loop to exit.
func (r *Recorder) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.queue:
			r.write(ev)
		case <-r.stopCh:
			for {
				select {
				case ev := <-r.queue:
					r.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(ev types.ProgressEvent) {
	if err := r.archive.Record(context.Background(), ev); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"pipeline": ev.Pipeline,
			"job_id":   ev.JobID,
			"seq":      ev.Seq,
		}).Warn("archive write failed")
	}
}
