// ============================================================================
// Stagecoach Orchestrator - reference sequencer
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Purpose: Walks a job through its pipeline's declared stages, invoking the
//          registered executor for each and submitting the outcome to the
//          coordinator. It holds no job state of its own.
//
// Per stage:
//   1. executor lookup: "<stage>/<branch>" for branch points (branch chosen
//      by the router), then "<stage>", then the default executor
//   2. execute; ErrPublishFailed and ErrTransport are retried with the same
//      input up to MaxAttempts, exponential backoff between attempts
//   3. event    -> coordinator.Advance
//      deferred -> poll until the job is at or past the stage, or terminal
//   4. any other error halts the run; the report keeps the last good snapshot
//
// Resume:
//   Stages at or before the job's current stage are skipped, so re-running
//   a job after a restart continues where it stopped.
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/bus"
	"github.com/ChuLiYu/stagecoach/internal/metrics"
	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/internal/router"
	"github.com/ChuLiYu/stagecoach/internal/stage"
	"github.com/ChuLiYu/stagecoach/internal/tracker"
	"github.com/ChuLiYu/stagecoach/internal/worker"
	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "orchestrator")

var (
	// ErrNoExecutor: nothing is registered for a stage and there is no default.
	ErrNoExecutor = errors.New("no executor registered for stage")
	// ErrTransport marks executor failures worth retrying with the same input.
	ErrTransport = errors.New("transport failure")
	// ErrDeferredTimeout: a deferred stage did not complete within DeferredWait.
	ErrDeferredTimeout = errors.New("deferred stage did not complete in time")
	// ErrJobFailed: the job reached its pipeline's failure stage.
	ErrJobFailed = errors.New("job failed")
)

// Coordinator is what the orchestrator drives.
type Coordinator interface {
	Pipeline(name string) (*pipeline.Pipeline, error)
	Advance(ctx context.Context, pipelineName string, req tracker.Request) (tracker.Result, error)
	Snapshot(pipelineName string, id types.JobID) (types.JobSnapshot, error)
	Route(event map[string]any) router.Decision
}

// Config tunes retries and waits.
type Config struct {
	Workers      int           // RunMany parallelism
	MaxAttempts  int           // executions per stage, including the first
	Backoff      time.Duration // wait before the second attempt; doubles after
	DeferredWait time.Duration // how long a deferred stage may take
	DeferredPoll time.Duration // snapshot poll interval while waiting
	StageTimeout time.Duration // per-execution deadline, 0 for none
}

func (c *Config) setDefaults() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.DeferredPoll <= 0 {
		c.DeferredPoll = 250 * time.Millisecond
	}
	if c.DeferredWait <= 0 {
		c.DeferredWait = 5 * time.Minute
	}
}

// StageReport records how one stage went.
type StageReport struct {
	Stage    types.StageName `json:"stage"`
	Branch   string          `json:"branch,omitempty"`
	Deferred bool            `json:"deferred,omitempty"`
	Skipped  bool            `json:"skipped,omitempty"`
	Attempts int             `json:"attempts"`
	Duration time.Duration   `json:"duration"`
}

// Report is the result of one run. Snapshot is the last state the
// coordinator accepted for the job.
type Report struct {
	JobID    types.JobID       `json:"id"`
	Pipeline string            `json:"pipeline"`
	Snapshot types.JobSnapshot `json:"snapshot"`
	Stages   []StageReport     `json:"stages"`
	Err      error             `json:"-"`
}

// Job is one unit of work for RunMany.
type Job struct {
	ID    types.JobID
	Input map[string]any
}

// Orchestrator sequences executors against a coordinator.
type Orchestrator struct {
	coord    Coordinator
	cfg      Config
	metrics  *metrics.Collector
	fallback stage.Executor

	mu        sync.RWMutex
	executors map[string]stage.Executor // "<pipeline>/<stage>[/<branch>]"
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithMetrics(m *metrics.Collector) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithDefault sets the executor used for stages with no registration.
func WithDefault(ex stage.Executor) Option { return func(o *Orchestrator) { o.fallback = ex } }

// New creates an orchestrator.
func New(coord Coordinator, cfg Config, opts ...Option) *Orchestrator {
	cfg.setDefaults()
	o := &Orchestrator{
		coord:     coord,
		cfg:       cfg,
		executors: make(map[string]stage.Executor),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register binds an executor to a pipeline stage. key is a stage name, or
// "<stage>/<branch>" for one branch of a branch point.
func (o *Orchestrator) Register(pipelineName, key string, ex stage.Executor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executors[pipelineName+"/"+key] = ex
}

func (o *Orchestrator) lookup(pipelineName string, st types.StageName, branch string) (stage.Executor, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if branch != "" {
		if ex, ok := o.executors[pipelineName+"/"+string(st)+"/"+branch]; ok {
			return ex, nil
		}
	}
	if ex, ok := o.executors[pipelineName+"/"+string(st)]; ok {
		return ex, nil
	}
	if o.fallback != nil {
		return o.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNoExecutor, pipelineName, st)
}

// Run drives one job through its pipeline. The returned error is also in
// Report.Err.
func (o *Orchestrator) Run(ctx context.Context, id types.JobID, pipelineName string, input map[string]any) (Report, error) {
	report := Report{JobID: id, Pipeline: pipelineName}
	halt := func(err error) (Report, error) {
		report.Err = err
		log.WithError(err).WithFields(logrus.Fields{
			"job_id":   id,
			"pipeline": pipelineName,
			"stage":    report.Snapshot.Stage,
		}).Warn("run halted")
		return report, err
	}

	p, err := o.coord.Pipeline(pipelineName)
	if err != nil {
		return halt(err)
	}

	// resume point
	from := 0
	if snap, err := o.coord.Snapshot(pipelineName, id); err == nil {
		report.Snapshot = snap
		if snap.Terminal {
			return o.finish(report)
		}
		if pos, ok := p.Position(snap.Stage); ok {
			from = pos + 1
		}
	} else if !errors.Is(err, tracker.ErrNotFound) {
		return halt(err)
	}

	for i, st := range p.Stages {
		if i < from {
			report.Stages = append(report.Stages, StageReport{Stage: st.Name, Skipped: true})
			continue
		}

		start := time.Now()
		sr, snap, err := o.runStage(ctx, p, id, st, input)
		sr.Duration = time.Since(start)
		report.Stages = append(report.Stages, sr)
		if o.metrics != nil {
			o.metrics.ObserveStage(p.Name, string(st.Name), sr.Duration)
		}
		if err != nil {
			return halt(err)
		}
		report.Snapshot = snap
		if snap.Terminal {
			break
		}
	}
	return o.finish(report)
}

func (o *Orchestrator) finish(report Report) (Report, error) {
	if report.Snapshot.Failed {
		report.Err = fmt.Errorf("%w: %s", ErrJobFailed, report.Snapshot.Message)
		return report, report.Err
	}
	log.WithFields(logrus.Fields{
		"job_id":     report.JobID,
		"pipeline":   report.Pipeline,
		"stage":      report.Snapshot.Stage,
		"percentage": report.Snapshot.Percentage,
	}).Info("run finished")
	return report, nil
}

func (o *Orchestrator) runStage(ctx context.Context, p *pipeline.Pipeline, id types.JobID, st pipeline.Stage, input map[string]any) (StageReport, types.JobSnapshot, error) {
	sr := StageReport{Stage: st.Name}
	in := stage.Input{JobID: id, Pipeline: p.Name, Stage: st, Data: input}

	if st.Branch {
		d := o.coord.Route(input)
		sr.Branch = d.Branch
		in.Data = d.Data
	}

	ex, err := o.lookup(p.Name, st.Name, sr.Branch)
	if err != nil {
		return sr, types.JobSnapshot{}, err
	}

	out, attempts, err := o.execute(ctx, ex, in)
	sr.Attempts = attempts
	if err != nil {
		return sr, types.JobSnapshot{}, err
	}

	if out.Deferred != nil {
		sr.Deferred = true
		snap, err := o.await(ctx, p, id, st.Name)
		return sr, snap, err
	}

	ev := out.Event
	res, err := o.coord.Advance(ctx, p.Name, tracker.Request{
		JobID:      id,
		Stage:      ev.Stage,
		Status:     ev.Status,
		Percentage: ev.Percentage,
		Message:    ev.Message,
	})
	return sr, res.Snapshot, err
}

// execute runs the executor, retrying publish and transport failures with
// the same input.
func (o *Orchestrator) execute(ctx context.Context, ex stage.Executor, in stage.Input) (stage.Outcome, int, error) {
	backoff := o.cfg.Backoff
	var lastErr error

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		out, err := o.executeOnce(ctx, ex, in)
		if err == nil {
			if verr := out.Validate(); verr != nil {
				return out, attempt, verr
			}
			return out, attempt, nil
		}
		lastErr = err
		if !retryable(err) {
			return out, attempt, err
		}
		if errors.Is(err, bus.ErrPublishFailed) && o.metrics != nil {
			o.metrics.RecordPublishFailure()
		}
		if attempt == o.cfg.MaxAttempts {
			break
		}

		log.WithError(err).WithFields(logrus.Fields{
			"job_id":  in.JobID,
			"stage":   in.Stage.Name,
			"attempt": attempt,
		}).Warn("stage failed, retrying")

		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return stage.Outcome{}, attempt, ctx.Err()
			}
			backoff *= 2
		}
	}
	return stage.Outcome{}, o.cfg.MaxAttempts, fmt.Errorf("after %d attempts: %w", o.cfg.MaxAttempts, lastErr)
}

func (o *Orchestrator) executeOnce(ctx context.Context, ex stage.Executor, in stage.Input) (stage.Outcome, error) {
	if o.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
	}
	return ex.Execute(ctx, in)
}

func retryable(err error) bool {
	return errors.Is(err, bus.ErrPublishFailed) || errors.Is(err, ErrTransport)
}

// await polls until the job is at or past the deferred stage, or terminal.
func (o *Orchestrator) await(ctx context.Context, p *pipeline.Pipeline, id types.JobID, st types.StageName) (types.JobSnapshot, error) {
	want, _ := p.Position(st)
	deadline := time.NewTimer(o.cfg.DeferredWait)
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.DeferredPoll)
	defer ticker.Stop()

	var last types.JobSnapshot
	for {
		snap, err := o.coord.Snapshot(p.Name, id)
		if err != nil && !errors.Is(err, tracker.ErrNotFound) {
			return last, err
		}
		if err == nil {
			last = snap
			if snap.Terminal {
				return snap, nil
			}
			if pos, ok := p.Position(snap.Stage); ok && pos >= want {
				return snap, nil
			}
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return last, fmt.Errorf("%w: %s after %s", ErrDeferredTimeout, st, o.cfg.DeferredWait)
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

// RunMany runs jobs in parallel on a worker pool, one task per job. Reports
// come back in input order.
func (o *Orchestrator) RunMany(ctx context.Context, pipelineName string, jobs []Job) []Report {
	reports := make([]Report, len(jobs))
	if len(jobs) == 0 {
		return reports
	}

	pool := worker.NewPool(len(jobs))
	if err := pool.Start(o.cfg.Workers); err != nil {
		for i, j := range jobs {
			reports[i] = Report{JobID: j.ID, Pipeline: pipelineName, Err: err}
		}
		return reports
	}

	submitted := 0
	for i, j := range jobs {
		i, j := i, j
		err := pool.Submit(worker.Task{
			ID: j.ID,
			Run: func(context.Context) error {
				rep, err := o.Run(ctx, j.ID, pipelineName, j.Input)
				reports[i] = rep
				return err
			},
		})
		if err != nil {
			reports[i] = Report{JobID: j.ID, Pipeline: pipelineName, Err: err}
			continue
		}
		submitted++
	}

	for n := 0; n < submitted; n++ {
		r, err := pool.ReceiveResult(context.Background())
		if err != nil {
			break
		}
		if !r.Success {
			log.WithError(r.Error).WithField("job_id", r.JobID).Debug("job run ended with error")
		}
	}
	pool.Stop()
	return reports
}
