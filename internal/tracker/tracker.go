// ============================================================================
// Stagecoach Tracker - job progress state machine
// ============================================================================
//
// Package: internal/tracker
// File: tracker.go
// Purpose: Owns every job's current stage, percentage and status for one
//          pipeline, and the ordered history of accepted progress events.
//
// Transition rules (checked in this order, before any mutation):
//   1. percentage in [0,100], stage declared by the pipeline   -> ErrValidation
//   2. absent job: only the initial stage creates it           -> ErrUnknownJob
//   3. exact re-report of the last accepted event               -> accepted, duplicate
//   4. job already terminal                                     -> ErrOutOfOrderStage
//   5. percentage below current                                 -> ErrOutOfOrderStage
//   6. stage not permitted by the pipeline's order policy       -> ErrOutOfOrderStage
//
// Accept path:
//   journal (write-ahead) -> mutate snapshot + append history -> listeners
//
// Concurrency:
//   - jobs map guarded by sync.RWMutex, held only for lookup/insert
//   - each job has its own mutex; an advance is linearizable per job
//   - different jobs never contend beyond the map lookup
//   - listeners run under the job's mutex so per-job notification order
//     matches history order; they must not call back into the same job
//
// ============================================================================

package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/google/uuid"
)

// Journal persists an accepted event before it is applied.
type Journal interface {
	AppendProgress(ev types.ProgressEvent) error
}

// Listener observes accepted events after they are applied.
type Listener interface {
	OnProgress(ev types.ProgressEvent, snap types.JobSnapshot)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev types.ProgressEvent, snap types.JobSnapshot)

func (f ListenerFunc) OnProgress(ev types.ProgressEvent, snap types.JobSnapshot) { f(ev, snap) }

// Request is one advance call.
type Request struct {
	JobID      types.JobID
	Stage      types.StageName
	Status     string
	Percentage int
	Message    string
}

// Result reports the outcome of an advance. On rejection Snapshot holds
// the job's last good state (zero value when the job does not exist).
type Result struct {
	Accepted  bool
	Duplicate bool
	Snapshot  types.JobSnapshot
	Event     *types.ProgressEvent
}

type entry struct {
	mu      sync.Mutex
	fresh   bool // reserved by a creating advance, not yet materialized
	snap    types.JobSnapshot
	history []types.ProgressEvent
}

// Tracker is the progress state machine for one pipeline.
type Tracker struct {
	pipeline  *pipeline.Pipeline
	mu        sync.RWMutex
	jobs      map[types.JobID]*entry
	journal   Journal
	listeners []Listener
	now       func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithJournal(j Journal) Option { return func(t *Tracker) { t.journal = j } }

func WithListener(l Listener) Option {
	return func(t *Tracker) { t.listeners = append(t.listeners, l) }
}

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// New creates a tracker for a validated pipeline.
func New(p *pipeline.Pipeline, opts ...Option) *Tracker {
	t := &Tracker{
		pipeline: p,
		jobs:     make(map[types.JobID]*entry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Pipeline returns the stage declaration this tracker enforces.
func (t *Tracker) Pipeline() *pipeline.Pipeline { return t.pipeline }

// Advance applies one progress report to a job.
func (t *Tracker) Advance(ctx context.Context, req Request) (Result, error) {
	return t.advance(ctx, req, false)
}

// Fail moves a non-terminal job to the pipeline's failure stage, keeping
// its current percentage.
func (t *Tracker) Fail(ctx context.Context, id types.JobID, status, message string) (Result, error) {
	if t.pipeline.FailureStage == "" {
		snap, _ := t.Snapshot(id)
		return Result{Snapshot: snap}, ErrNoFailureStage
	}
	if status == "" {
		status = "failed"
	}
	return t.advance(ctx, Request{
		JobID:   id,
		Stage:   t.pipeline.FailureStage,
		Status:  status,
		Message: message,
	}, true)
}

func (t *Tracker) advance(ctx context.Context, req Request, inheritPct bool) (Result, error) {
	if err := t.validate(req, inheritPct); err != nil {
		snap, _ := t.Snapshot(req.JobID)
		return Result{Snapshot: snap}, err
	}
	if err := ctx.Err(); err != nil {
		snap, _ := t.Snapshot(req.JobID)
		return Result{Snapshot: snap}, err
	}

	initial := req.Stage == t.pipeline.Initial().Name
	e := t.lookup(req.JobID, initial)
	if e == nil {
		return Result{}, &OutOfOrderError{JobID: req.JobID, Reason: ReasonUnknownJob, Attempted: req.Stage, AttemptedPct: req.Percentage}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fresh {
		// Another creator may have failed to journal; only the initial
		// stage may materialize the job.
		if !initial {
			return Result{}, &OutOfOrderError{JobID: req.JobID, Reason: ReasonUnknownJob, Attempted: req.Stage, AttemptedPct: req.Percentage}
		}
		return t.accept(e, req, nil)
	}

	cur := e.snap
	if inheritPct {
		req.Percentage = cur.Percentage
	}

	if last := e.last(); last != nil && last.Stage == req.Stage && last.Status == req.Status &&
		last.Percentage == req.Percentage && last.Message == req.Message {
		return Result{Accepted: true, Duplicate: true, Snapshot: cur}, nil
	}

	if reason, bad := t.check(cur, req); bad {
		return Result{Snapshot: cur}, &OutOfOrderError{
			JobID:        req.JobID,
			Reason:       reason,
			Current:      cur.Stage,
			CurrentPct:   cur.Percentage,
			Attempted:    req.Stage,
			AttemptedPct: req.Percentage,
		}
	}
	return t.accept(e, req, &cur)
}

func (t *Tracker) validate(req Request, inheritPct bool) error {
	if req.JobID == "" {
		return fmt.Errorf("%w: job id is required", ErrValidation)
	}
	if !inheritPct && (req.Percentage < 0 || req.Percentage > 100) {
		return fmt.Errorf("%w: got %d", ErrInvalidPercentage, req.Percentage)
	}
	if !t.pipeline.Has(req.Stage) {
		return fmt.Errorf("%w: %q in %s", ErrUnknownStage, req.Stage, t.pipeline.Name)
	}
	return nil
}

func (t *Tracker) check(cur types.JobSnapshot, req Request) (Reason, bool) {
	if cur.Terminal {
		return ReasonTerminal, true
	}
	if req.Percentage < cur.Percentage {
		return ReasonPercentageRegression, true
	}
	if !t.pipeline.Allows(cur.Stage, req.Stage) {
		from, _ := t.pipeline.Position(cur.Stage)
		to, _ := t.pipeline.Position(req.Stage)
		if to < from {
			return ReasonStageRegression, true
		}
		return ReasonStageSkip, true
	}
	return "", false
}

// accept journals and applies an event. Caller holds e.mu.
func (t *Tracker) accept(e *entry, req Request, cur *types.JobSnapshot) (Result, error) {
	now := t.now().UnixMilli()

	var prev types.JobSnapshot
	if cur != nil {
		prev = *cur
	}

	ev := types.ProgressEvent{
		JobID:      req.JobID,
		Stage:      req.Stage,
		Status:     req.Status,
		Message:    req.Message,
		Percentage: req.Percentage,
		EmittedAt:  now,
		Seq:        prev.LastSeq + 1,
		EventID:    uuid.NewString(),
		Pipeline:   t.pipeline.Name,
	}

	// Write-ahead: nothing changes unless the event is durable.
	if t.journal != nil {
		if err := t.journal.AppendProgress(ev); err != nil {
			return Result{Snapshot: prev}, fmt.Errorf("journal progress: %w", err)
		}
	}

	t.applyLocked(e, ev)
	snap := e.snap

	for _, l := range t.listeners {
		l.OnProgress(ev, snap)
	}
	return Result{Accepted: true, Snapshot: snap, Event: &ev}, nil
}

func (t *Tracker) applyLocked(e *entry, ev types.ProgressEvent) {
	if e.fresh {
		e.fresh = false
		e.snap = types.JobSnapshot{
			ID:        ev.JobID,
			Pipeline:  t.pipeline.Name,
			CreatedAt: ev.EmittedAt,
		}
	}
	e.snap.Stage = ev.Stage
	e.snap.Status = ev.Status
	e.snap.Message = ev.Message
	e.snap.Percentage = ev.Percentage
	e.snap.UpdatedAt = ev.EmittedAt
	e.snap.LastSeq = ev.Seq
	e.snap.Terminal = t.pipeline.IsTerminal(ev.Stage)
	e.snap.Failed = t.pipeline.IsFailure(ev.Stage)
	e.history = append(e.history, ev)
}

// lookup returns the job's entry, reserving a fresh one when create is set.
func (t *Tracker) lookup(id types.JobID, create bool) *entry {
	t.mu.RLock()
	e, ok := t.jobs[id]
	t.mu.RUnlock()
	if ok || !create {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.jobs[id]; ok {
		return e
	}
	e = &entry{fresh: true}
	t.jobs[id] = e
	return e
}

func (e *entry) last() *types.ProgressEvent {
	if len(e.history) == 0 {
		return nil
	}
	return &e.history[len(e.history)-1]
}

// ============================================================================
// Reads
// ============================================================================

// Reachable reports whether st could be the job's next accepted stage,
// using the same ordering rules as Advance without mutating the job. A
// percentage at the job's current value is assumed.
func (t *Tracker) Reachable(id types.JobID, st types.StageName) error {
	if !t.pipeline.Has(st) {
		return fmt.Errorf("%w: %q in %s", ErrUnknownStage, st, t.pipeline.Name)
	}
	cur, err := t.Snapshot(id)
	if err != nil {
		return err
	}
	if reason, bad := t.check(cur, Request{JobID: id, Stage: st, Percentage: cur.Percentage}); bad {
		return &OutOfOrderError{
			JobID:        id,
			Reason:       reason,
			Current:      cur.Stage,
			CurrentPct:   cur.Percentage,
			Attempted:    st,
			AttemptedPct: cur.Percentage,
		}
	}
	return nil
}

// Snapshot returns the job's current state or ErrNotFound.
func (t *Tracker) Snapshot(id types.JobID) (types.JobSnapshot, error) {
	t.mu.RLock()
	e, ok := t.jobs[id]
	t.mu.RUnlock()
	if !ok {
		return types.JobSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fresh {
		return types.JobSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.snap, nil
}

// History returns a copy of the job's accepted events in order.
func (t *Tracker) History(id types.JobID) ([]types.ProgressEvent, error) {
	t.mu.RLock()
	e, ok := t.jobs[id]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fresh {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := make([]types.ProgressEvent, len(e.history))
	copy(out, e.history)
	return out, nil
}

// Jobs returns snapshots of every job, ordered by id.
func (t *Tracker) Jobs() []types.JobSnapshot {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.jobs))
	for _, e := range t.jobs {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]types.JobSnapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.fresh {
			out = append(out, e.snap)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats counts active and terminal jobs.
func (t *Tracker) Stats() map[string]int {
	stats := map[string]int{"active": 0, "completed": 0, "failed": 0}
	for _, s := range t.Jobs() {
		switch {
		case s.Failed:
			stats["failed"]++
		case s.Terminal:
			stats["completed"]++
		default:
			stats["active"]++
		}
	}
	return stats
}

// ============================================================================
// Durability
// ============================================================================

// Export copies every materialized job for a snapshot.
func (t *Tracker) Export() map[types.JobID]*types.JobState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[types.JobID]*types.JobState, len(t.jobs))
	for id, e := range t.jobs {
		e.mu.Lock()
		if !e.fresh {
			history := make([]types.ProgressEvent, len(e.history))
			copy(history, e.history)
			out[id] = &types.JobState{Snapshot: e.snap, History: history}
		}
		e.mu.Unlock()
	}
	return out
}

// Restore replaces all state with the given jobs.
func (t *Tracker) Restore(jobs map[types.JobID]*types.JobState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.jobs = make(map[types.JobID]*entry, len(jobs))
	for id, st := range jobs {
		if st == nil {
			continue
		}
		history := make([]types.ProgressEvent, len(st.History))
		copy(history, st.History)
		t.jobs[id] = &entry{snap: st.Snapshot, history: history}
	}
}

// Apply folds a journalled event back into state during recovery. Events
// already reflected (seq at or below the job's last seq) are skipped, so
// replay is idempotent. No journal or listener is invoked.
func (t *Tracker) Apply(ev types.ProgressEvent) {
	e := t.lookup(ev.JobID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.fresh && ev.Seq <= e.snap.LastSeq {
		return
	}
	t.applyLocked(e, ev)
}
