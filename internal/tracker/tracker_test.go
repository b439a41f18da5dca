package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newETLTracker(opts ...Option) *Tracker {
	p, _ := pipeline.BuiltinSet().Get(pipeline.ETL)
	return New(p, opts...)
}

// newScenarioTracker mirrors the Init/Transform pipeline used in the
// monotonicity scenario.
func newScenarioTracker(t *testing.T) *Tracker {
	t.Helper()
	p := &pipeline.Pipeline{
		Name:   "scenario",
		Policy: pipeline.PolicyForward,
		Stages: []pipeline.Stage{
			{Name: "Init", Percentage: 25},
			{Name: "Transform", Percentage: 75},
			{Name: "Done", Percentage: 100},
		},
		FailureStage: "Failed",
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return New(p)
}

func req(id string, stage types.StageName, pct int) Request {
	return Request{JobID: types.JobID(id), Stage: stage, Status: string(stage), Percentage: pct}
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %v, got nil", want)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected error %v, got %v", want, err)
	}
}

func mustAdvance(t *testing.T, tr *Tracker, r Request) Result {
	t.Helper()
	res, err := tr.Advance(context.Background(), r)
	assertNoError(t, err)
	if !res.Accepted {
		t.Fatalf("advance %s/%s not accepted", r.JobID, r.Stage)
	}
	return res
}

type recordingJournal struct {
	mu     sync.Mutex
	events []types.ProgressEvent
	err    error
}

func (j *recordingJournal) AppendProgress(ev types.ProgressEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.events = append(j.events, ev)
	return nil
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestAdvanceCreatesAtInitialStage(t *testing.T) {
	tr := newETLTracker()
	res := mustAdvance(t, tr, req("job-1", "Initialize", 25))

	if res.Snapshot.Stage != "Initialize" || res.Snapshot.Percentage != 25 {
		t.Errorf("snapshot: got %s/%d", res.Snapshot.Stage, res.Snapshot.Percentage)
	}
	if res.Event == nil || res.Event.Seq != 1 || res.Event.EventID == "" {
		t.Errorf("event not stamped: %+v", res.Event)
	}
	if res.Snapshot.Pipeline != pipeline.ETL {
		t.Errorf("pipeline: got %s", res.Snapshot.Pipeline)
	}
}

func TestAdvanceRejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   []Request
		req     Request
		wantErr error
		reason  Reason
		wantPct int
	}{
		{
			name:    "unknown job at non-initial stage",
			req:     req("job-1", "Enhance", 50),
			wantErr: ErrUnknownJob,
			reason:  ReasonUnknownJob,
		},
		{
			name:    "percentage above range",
			req:     req("job-1", "Initialize", 101),
			wantErr: ErrInvalidPercentage,
		},
		{
			name:    "negative percentage",
			req:     req("job-1", "Initialize", -1),
			wantErr: ErrValidation,
		},
		{
			name:    "undeclared stage",
			req:     req("job-1", "Teleport", 10),
			wantErr: ErrUnknownStage,
		},
		{
			name:    "empty job id",
			req:     req("", "Initialize", 25),
			wantErr: ErrValidation,
		},
		{
			name:    "strict skip",
			setup:   []Request{req("job-1", "Initialize", 25)},
			req:     req("job-1", "Transform", 75),
			wantErr: ErrOutOfOrderStage,
			reason:  ReasonStageSkip,
			wantPct: 25,
		},
		{
			name:    "stage regression",
			setup:   []Request{req("job-1", "Initialize", 25), req("job-1", "Enhance", 50)},
			req:     req("job-1", "Initialize", 50),
			wantErr: ErrOutOfOrderStage,
			reason:  ReasonStageRegression,
			wantPct: 50,
		},
		{
			name:    "percentage regression",
			setup:   []Request{req("job-1", "Initialize", 25), req("job-1", "Enhance", 50)},
			req:     req("job-1", "Transform", 40),
			wantErr: ErrOutOfOrderStage,
			reason:  ReasonPercentageRegression,
			wantPct: 50,
		},
		{
			name: "after terminal",
			setup: []Request{
				req("job-1", "Initialize", 25), req("job-1", "Enhance", 50), req("job-1", "Transform", 75),
				req("job-1", "Load", 90), req("job-1", "Complete", 100),
			},
			req:     req("job-1", "Failed", 100),
			wantErr: ErrOutOfOrderStage,
			reason:  ReasonTerminal,
			wantPct: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newETLTracker()
			for _, r := range tt.setup {
				mustAdvance(t, tr, r)
			}

			res, err := tr.Advance(context.Background(), tt.req)
			assertError(t, err, tt.wantErr)
			if res.Accepted {
				t.Error("rejected advance reported as accepted")
			}
			if res.Snapshot.Percentage != tt.wantPct {
				t.Errorf("last good snapshot pct: got %d, want %d", res.Snapshot.Percentage, tt.wantPct)
			}

			if tt.reason != "" {
				var ooe *OutOfOrderError
				if !errors.As(err, &ooe) {
					t.Fatalf("expected *OutOfOrderError, got %T", err)
				}
				if ooe.Reason != tt.reason {
					t.Errorf("reason: got %s, want %s", ooe.Reason, tt.reason)
				}
			}
		})
	}
}

func TestUnknownJobIsAlsoOutOfOrder(t *testing.T) {
	tr := newETLTracker()
	_, err := tr.Advance(context.Background(), req("ghost", "Load", 90))
	assertError(t, err, ErrUnknownJob)
	assertError(t, err, ErrOutOfOrderStage)

	if _, err := tr.Snapshot("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown job must not be created, got %v", err)
	}
}

// Init 25 then Transform 10: rejected, snapshot still at 25.
func TestPercentageRegressionScenario(t *testing.T) {
	tr := newScenarioTracker(t)
	ctx := context.Background()

	_, err := tr.Advance(ctx, Request{JobID: "J2", Stage: "Init", Status: "started", Percentage: 25})
	assertNoError(t, err)

	res, err := tr.Advance(ctx, Request{JobID: "J2", Stage: "Transform", Status: "working", Percentage: 10})
	assertError(t, err, ErrOutOfOrderStage)
	if res.Snapshot.Percentage != 25 {
		t.Errorf("result snapshot: got %d, want 25", res.Snapshot.Percentage)
	}

	snap, err := tr.Snapshot("J2")
	assertNoError(t, err)
	if snap.Percentage != 25 || snap.Stage != "Init" {
		t.Errorf("stored snapshot: got %s/%d", snap.Stage, snap.Percentage)
	}

	history, _ := tr.History("J2")
	if len(history) != 1 {
		t.Errorf("history: got %d events, want 1", len(history))
	}
}

func TestForwardPolicyAllowsSkip(t *testing.T) {
	tr := newScenarioTracker(t)
	mustAdvance(t, tr, req("job-1", "Init", 25))
	res := mustAdvance(t, tr, req("job-1", "Done", 100))
	if !res.Snapshot.Terminal || res.Snapshot.Failed {
		t.Errorf("expected completed terminal snapshot, got %+v", res.Snapshot)
	}
}

func TestReReportSameStageHigherPercentage(t *testing.T) {
	tr := newETLTracker()
	mustAdvance(t, tr, req("job-1", "Initialize", 25))
	mustAdvance(t, tr, req("job-1", "Enhance", 40))
	res := mustAdvance(t, tr, req("job-1", "Enhance", 50))
	if res.Snapshot.Percentage != 50 || res.Event.Seq != 3 {
		t.Errorf("got pct=%d seq=%d", res.Snapshot.Percentage, res.Event.Seq)
	}
}

func TestDuplicateAdvanceIsIdempotent(t *testing.T) {
	journal := &recordingJournal{}
	tr := newETLTracker(WithJournal(journal))

	mustAdvance(t, tr, req("job-1", "Initialize", 25))
	res := mustAdvance(t, tr, req("job-1", "Initialize", 25))

	if !res.Duplicate || res.Event != nil {
		t.Errorf("expected duplicate without event, got %+v", res)
	}
	history, _ := tr.History("job-1")
	if len(history) != 1 || len(journal.events) != 1 {
		t.Errorf("duplicate appended: history=%d journal=%d", len(history), len(journal.events))
	}
}

func TestFail(t *testing.T) {
	tr := newETLTracker()
	ctx := context.Background()
	mustAdvance(t, tr, req("job-1", "Initialize", 25))
	mustAdvance(t, tr, req("job-1", "Enhance", 50))

	res, err := tr.Fail(ctx, "job-1", "", "enhancer crashed")
	assertNoError(t, err)
	if res.Snapshot.Stage != "Failed" || !res.Snapshot.Failed || res.Snapshot.Percentage != 50 {
		t.Errorf("unexpected failure snapshot: %+v", res.Snapshot)
	}
	if res.Snapshot.Status != "failed" {
		t.Errorf("status: got %s", res.Snapshot.Status)
	}

	_, err = tr.Advance(ctx, req("job-1", "Transform", 75))
	assertError(t, err, ErrOutOfOrderStage)

	_, err = tr.Fail(ctx, "ghost", "", "")
	assertError(t, err, ErrUnknownJob)
}

func TestFailWithoutFailureStage(t *testing.T) {
	p := &pipeline.Pipeline{Name: "bare", Stages: []pipeline.Stage{{Name: "only", Percentage: 100}}}
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
	_, err := New(p).Fail(context.Background(), "job-1", "", "")
	assertError(t, err, ErrNoFailureStage)
}

func TestJournalFailureLeavesStateUnchanged(t *testing.T) {
	journal := &recordingJournal{}
	tr := newETLTracker(WithJournal(journal))
	mustAdvance(t, tr, req("job-1", "Initialize", 25))

	journal.err = errors.New("disk full")
	res, err := tr.Advance(context.Background(), req("job-1", "Enhance", 50))
	if err == nil {
		t.Fatal("expected journal error")
	}
	if res.Snapshot.Percentage != 25 {
		t.Errorf("snapshot moved on journal failure: %d", res.Snapshot.Percentage)
	}

	// creation that fails to journal leaves no visible job
	_, err = tr.Advance(context.Background(), req("job-2", "Initialize", 25))
	if err == nil {
		t.Fatal("expected journal error")
	}
	if _, err := tr.Snapshot("job-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("job-2 should not exist, got %v", err)
	}

	journal.err = nil
	mustAdvance(t, tr, req("job-2", "Initialize", 25))
}

func TestListenerSeesAcceptedEventsInOrder(t *testing.T) {
	var seen []uint64
	tr := newETLTracker(WithListener(ListenerFunc(func(ev types.ProgressEvent, snap types.JobSnapshot) {
		if snap.LastSeq != ev.Seq {
			t.Errorf("listener snapshot lags event: %d vs %d", snap.LastSeq, ev.Seq)
		}
		seen = append(seen, ev.Seq)
	})))

	mustAdvance(t, tr, req("job-1", "Initialize", 25))
	mustAdvance(t, tr, req("job-1", "Initialize", 25)) // duplicate, not observed
	mustAdvance(t, tr, req("job-1", "Enhance", 50))
	_, _ = tr.Advance(context.Background(), req("job-1", "Initialize", 10))

	if fmt.Sprint(seen) != "[1 2]" {
		t.Errorf("listener saw %v", seen)
	}
}

func TestClockStampsEvents(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := newETLTracker(WithClock(func() time.Time { return at }))
	res := mustAdvance(t, tr, req("job-1", "Initialize", 25))
	if res.Event.EmittedAt != at.UnixMilli() || res.Snapshot.CreatedAt != at.UnixMilli() {
		t.Errorf("timestamps not from clock: %+v", res.Event)
	}
}

func TestCanceledContext(t *testing.T) {
	tr := newETLTracker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Advance(ctx, req("job-1", "Initialize", 25))
	assertError(t, err, context.Canceled)
}

func TestStatsAndJobs(t *testing.T) {
	tr := newScenarioTracker(t)
	ctx := context.Background()
	mustAdvance(t, tr, req("b", "Init", 25))
	mustAdvance(t, tr, req("a", "Init", 25))
	mustAdvance(t, tr, req("a", "Done", 100))
	mustAdvance(t, tr, req("c", "Init", 25))
	if _, err := tr.Fail(ctx, "c", "", "boom"); err != nil {
		t.Fatal(err)
	}

	jobs := tr.Jobs()
	if len(jobs) != 3 || jobs[0].ID != "a" || jobs[2].ID != "c" {
		t.Errorf("jobs not sorted: %+v", jobs)
	}

	stats := tr.Stats()
	want := map[string]int{"active": 1, "completed": 1, "failed": 1}
	for k, v := range want {
		if stats[k] != v {
			t.Errorf("stats[%s]: got %d, want %d", k, stats[k], v)
		}
	}
}

// ============================================================================
// Durability
// ============================================================================

func TestExportRestore(t *testing.T) {
	tr := newETLTracker()
	mustAdvance(t, tr, req("job-1", "Initialize", 25))
	mustAdvance(t, tr, req("job-1", "Enhance", 50))

	restored := newETLTracker()
	restored.Restore(tr.Export())

	snap, err := restored.Snapshot("job-1")
	assertNoError(t, err)
	if snap.Stage != "Enhance" || snap.LastSeq != 2 {
		t.Errorf("restored snapshot: %+v", snap)
	}

	// restored tracker continues the sequence
	res := mustAdvance(t, restored, req("job-1", "Transform", 75))
	if res.Event.Seq != 3 {
		t.Errorf("seq after restore: got %d, want 3", res.Event.Seq)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	journal := &recordingJournal{}
	tr := newETLTracker(WithJournal(journal))
	mustAdvance(t, tr, req("job-1", "Initialize", 25))
	mustAdvance(t, tr, req("job-1", "Enhance", 50))

	replayed := newETLTracker()
	for i := 0; i < 2; i++ {
		for _, ev := range journal.events {
			replayed.Apply(ev)
		}
	}

	history, err := replayed.History("job-1")
	assertNoError(t, err)
	if len(history) != 2 {
		t.Errorf("replay duplicated events: %d", len(history))
	}
	snap, _ := replayed.Snapshot("job-1")
	if snap.Percentage != 50 {
		t.Errorf("replayed pct: %d", snap.Percentage)
	}
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentAdvancesKeepMonotonicity(t *testing.T) {
	tr := newScenarioTracker(t)
	ctx := context.Background()
	mustAdvance(t, tr, req("job-1", "Init", 25))

	var wg sync.WaitGroup
	for pct := 25; pct <= 75; pct++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, _ = tr.Advance(ctx, Request{JobID: "job-1", Stage: "Transform", Status: "working", Percentage: p})
		}(pct)
	}
	wg.Wait()

	history, _ := tr.History("job-1")
	for i := 1; i < len(history); i++ {
		if history[i].Percentage < history[i-1].Percentage {
			t.Fatalf("regression at %d: %d -> %d", i, history[i-1].Percentage, history[i].Percentage)
		}
		if history[i].Seq != history[i-1].Seq+1 {
			t.Fatalf("seq gap at %d", i)
		}
	}
}

func TestConcurrentCreation(t *testing.T) {
	tr := newETLTracker()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i%10)
			_, _ = tr.Advance(ctx, req(id, "Initialize", 25))
		}(i)
	}
	wg.Wait()

	if n := len(tr.Jobs()); n != 10 {
		t.Errorf("jobs: got %d, want 10", n)
	}
	for _, s := range tr.Jobs() {
		if s.LastSeq != 1 {
			t.Errorf("%s created more than once: seq %d", s.ID, s.LastSeq)
		}
	}
}

func BenchmarkAdvanceParallel(b *testing.B) {
	tr := newETLTracker()
	ctx := context.Background()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = tr.Advance(ctx, req(fmt.Sprintf("job-%d", i), "Initialize", 25))
			i++
		}
	})
}
