package coordinator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/archive"
	"github.com/ChuLiYu/stagecoach/internal/bus"
	"github.com/ChuLiYu/stagecoach/internal/metrics"
	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/internal/storage/wal"
	"github.com/ChuLiYu/stagecoach/internal/tokens"
	"github.com/ChuLiYu/stagecoach/internal/tracker"
	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 測試輔助
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testConfig(dir string) Config {
	return Config{
		WALPath:         filepath.Join(dir, "stagecoach.wal"),
		WAL:             wal.DefaultOptions(),
		SnapshotPath:    filepath.Join(dir, "snapshot.json"),
		SnapshotBackups: 1,
		DefaultTTL:      5 * time.Second,
		Namespace:       "pipeline-test",
		Source:          "stagecoach",
	}
}

func createTestCoordinator(t *testing.T, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(cfg, pipeline.BuiltinSet(), opts...)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	return c
}

// crash 模擬崩潰：只關閉 WAL，不寫最後的快照
func crash(t *testing.T, c *Coordinator) {
	t.Helper()
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	close(c.stopCh)
	c.loopWg.Wait()
	require.NoError(t, c.wal.Close())
}

func advance(t *testing.T, c *Coordinator, p string, id types.JobID, stage types.StageName, pct int) tracker.Result {
	t.Helper()
	res, err := c.Advance(context.Background(), p, tracker.Request{JobID: id, Stage: stage, Status: string(stage), Percentage: pct})
	require.NoError(t, err)
	return res
}

// ============================================================================
// 恢復
// ============================================================================

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	c := createTestCoordinator(t, cfg)
	advance(t, c, pipeline.ETL, "J1", "Initialize", 25)
	advance(t, c, pipeline.ETL, "J1", "Enhance", 50)
	advance(t, c, pipeline.JobTracker, "J2", "Started", 0)
	crash(t, c)

	c2 := createTestCoordinator(t, cfg)
	defer c2.Stop()

	snap, err := c2.Snapshot(pipeline.ETL, "J1")
	require.NoError(t, err)
	assert.Equal(t, types.StageName("Enhance"), snap.Stage)
	assert.Equal(t, 50, snap.Percentage)
	assert.Equal(t, uint64(2), snap.LastSeq)

	history, err := c2.History(pipeline.ETL, "J1")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = c2.Snapshot(pipeline.JobTracker, "J2")
	assert.NoError(t, err)

	// the recovered job keeps enforcing order
	_, err = c2.Advance(context.Background(), pipeline.ETL, tracker.Request{JobID: "J1", Stage: "Initialize", Percentage: 25})
	assert.ErrorIs(t, err, tracker.ErrOutOfOrderStage)
}

func TestRecoveryFromSnapshotAndWAL(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	c := createTestCoordinator(t, cfg)
	advance(t, c, pipeline.ETL, "J1", "Initialize", 25)
	require.NoError(t, c.TakeSnapshot())

	segs, err := wal.Segments(cfg.WALPath)
	require.NoError(t, err)
	assert.Empty(t, segs, "segments folded into the snapshot are removed")

	advance(t, c, pipeline.ETL, "J1", "Enhance", 50)
	advance(t, c, pipeline.ETL, "J1", "Transform", 75)
	crash(t, c)

	c2 := createTestCoordinator(t, cfg)
	defer c2.Stop()

	snap, err := c2.Snapshot(pipeline.ETL, "J1")
	require.NoError(t, err)
	assert.Equal(t, types.StageName("Transform"), snap.Stage)
	history, err := c2.History(pipeline.ETL, "J1")
	require.NoError(t, err)
	assert.Len(t, history, 3)

	// new records continue after the recovered sequence
	assert.GreaterOrEqual(t, c2.Status().WALSeq, uint64(3))
}

func TestGracefulStopWritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	c := createTestCoordinator(t, cfg)
	advance(t, c, pipeline.JobTracker, "J1", "Started", 0)
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())

	c2 := createTestCoordinator(t, cfg)
	defer c2.Stop()
	snap, err := c2.Snapshot(pipeline.JobTracker, "J1")
	require.NoError(t, err)
	assert.Equal(t, types.StageName("Started"), snap.Stage)

	_, err = c2.Advance(context.Background(), pipeline.JobTracker, tracker.Request{JobID: "J1", Stage: "Started", Percentage: 0})
	require.NoError(t, err)
}

func TestSnapshotLoop(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.SnapshotInterval = 20 * time.Millisecond

	c := createTestCoordinator(t, cfg)
	defer c.Stop()
	advance(t, c, pipeline.ETL, "J1", "Initialize", 25)

	assert.Eventually(t, func() bool {
		return c.snapshot.Exists() && !c.Status().LastSnapshot.IsZero()
	}, 2*time.Second, 10*time.Millisecond)
}

// ============================================================================
// Callback tokens
// ============================================================================

func TestTokenScenario(t *testing.T) {
	clock := newFakeClock()
	c := createTestCoordinator(t, testConfig(t.TempDir()), WithClock(clock.Now))
	defer c.Stop()
	ctx := context.Background()

	advance(t, c, pipeline.MapAsync, "J1", "Submitted", 10)
	iss, err := c.IssueToken(ctx, tokens.IssueRequest{JobID: "J1", Pipeline: pipeline.MapAsync, Stage: "Processing", TTL: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "Processing", iss.Record.Work)

	clock.Advance(time.Second)
	res, err := c.Complete(ctx, iss.Token, map[string]any{"message": "mapped 3 items"})
	require.NoError(t, err)
	assert.Equal(t, types.StageName("Processing"), res.Snapshot.Stage)
	assert.Equal(t, 50, res.Snapshot.Percentage)
	assert.Equal(t, "processed", res.Snapshot.Status)
	assert.Equal(t, "mapped 3 items", res.Snapshot.Message)

	clock.Advance(time.Second)
	err = c.Redeem(ctx, iss.Token, map[string]any{"percentage": float64(60)})
	assert.ErrorIs(t, err, tokens.ErrAlreadyRedeemed)

	snap, err := c.Snapshot(pipeline.MapAsync, "J1")
	require.NoError(t, err)
	assert.Equal(t, 50, snap.Percentage, "second redeem changes nothing")
}

func TestRedeemAfterTTL(t *testing.T) {
	clock := newFakeClock()
	c := createTestCoordinator(t, testConfig(t.TempDir()), WithClock(clock.Now))
	defer c.Stop()
	ctx := context.Background()

	advance(t, c, pipeline.MapAsync, "J1", "Submitted", 10)
	iss, err := c.IssueToken(ctx, tokens.IssueRequest{JobID: "J1", Pipeline: pipeline.MapAsync, Stage: "Processing"})
	require.NoError(t, err)

	clock.Advance(6 * time.Second)
	assert.ErrorIs(t, c.Redeem(ctx, iss.Token, nil), tokens.ErrExpired)

	snap, err := c.Snapshot(pipeline.MapAsync, "J1")
	require.NoError(t, err)
	assert.Equal(t, types.StageName("Submitted"), snap.Stage)
	assert.False(t, snap.Failed)
}

func TestRedeemErrorOutputFailsJob(t *testing.T) {
	c := createTestCoordinator(t, testConfig(t.TempDir()))
	defer c.Stop()
	ctx := context.Background()

	advance(t, c, pipeline.MapAsync, "J1", "Submitted", 10)
	iss, err := c.IssueToken(ctx, tokens.IssueRequest{JobID: "J1", Pipeline: pipeline.MapAsync, Stage: "Processing", Work: "echo"})
	require.NoError(t, err)

	res, err := c.Complete(ctx, iss.Token, map[string]any{"ok": false, "error": "boom"})
	require.NoError(t, err)
	assert.True(t, res.Snapshot.Failed)
	assert.Equal(t, types.StageName("Failed"), res.Snapshot.Stage)
	assert.Equal(t, 10, res.Snapshot.Percentage)
	assert.Equal(t, "boom", res.Snapshot.Message)
}

func TestRejectedCallbackKeepsTokenPending(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	c := createTestCoordinator(t, cfg)
	ctx := context.Background()

	advance(t, c, pipeline.MapAsync, "J1", "Submitted", 10)
	iss, err := c.IssueToken(ctx, tokens.IssueRequest{JobID: "J1", Pipeline: pipeline.MapAsync, Stage: "Processing", Work: "echo"})
	require.NoError(t, err)

	// 5% would regress the job
	res, err := c.Complete(ctx, iss.Token, map[string]any{"percentage": float64(5)})
	require.ErrorIs(t, err, tracker.ErrOutOfOrderStage)
	assert.Equal(t, types.StageName("Submitted"), res.Snapshot.Stage)

	rec, err := c.Lookup(iss.Token)
	require.NoError(t, err)
	assert.Equal(t, types.TokenPending, rec.State)
	assert.Len(t, c.PendingTokens(), 1)

	// still pending after a restart
	crash(t, c)
	c2 := createTestCoordinator(t, cfg)
	defer c2.Stop()
	rec, err = c2.Lookup(iss.Token)
	require.NoError(t, err)
	assert.Equal(t, types.TokenPending, rec.State)

	res, err = c2.Complete(ctx, iss.Token, map[string]any{"message": "retried"})
	require.NoError(t, err)
	assert.Equal(t, types.StageName("Processing"), res.Snapshot.Stage)
	assert.Equal(t, "retried", res.Snapshot.Message)

	_, err = c2.Complete(ctx, iss.Token, nil)
	assert.ErrorIs(t, err, tokens.ErrAlreadyRedeemed)
}

func TestRejectedCallbackIsSweptWhenNeverRetried(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(t.TempDir())
	cfg.FailOnExpiry = true
	c := createTestCoordinator(t, cfg, WithClock(clock.Now))
	defer c.Stop()
	ctx := context.Background()

	advance(t, c, pipeline.MapAsync, "J1", "Submitted", 10)
	iss, err := c.IssueToken(ctx, tokens.IssueRequest{JobID: "J1", Pipeline: pipeline.MapAsync, Stage: "Processing"})
	require.NoError(t, err)
	_, err = c.Complete(ctx, iss.Token, map[string]any{"percentage": float64(5)})
	require.ErrorIs(t, err, tracker.ErrOutOfOrderStage)

	clock.Advance(6 * time.Second)
	c.sweep()

	assert.Empty(t, c.PendingTokens())
	snap, err := c.Snapshot(pipeline.MapAsync, "J1")
	require.NoError(t, err)
	assert.True(t, snap.Failed, "stalled job is surfaced by the sweep")
}

func TestIssueTokenRejectsUnreachableStage(t *testing.T) {
	c := createTestCoordinator(t, testConfig(t.TempDir()))
	defer c.Stop()
	ctx := context.Background()

	advance(t, c, pipeline.MapAsync, "J1", "Submitted", 10)
	advance(t, c, pipeline.MapAsync, "J2", "Submitted", 10)
	advance(t, c, pipeline.MapAsync, "J2", "Processing", 50)
	advance(t, c, pipeline.MapAsync, "J3", "Submitted", 10)
	advance(t, c, pipeline.MapAsync, "J3", "Processing", 50)
	advance(t, c, pipeline.MapAsync, "J3", "Done", 100)

	tests := []struct {
		name   string
		id     types.JobID
		stage  types.StageName
		reason tracker.Reason
	}{
		{"skips a stage", "J1", "Done", tracker.ReasonStageSkip},
		{"behind the job", "J2", "Submitted", tracker.ReasonStageRegression},
		{"terminal job", "J3", "Done", tracker.ReasonTerminal},
		{"next stage", "J1", "Processing", ""},
		{"failure stage", "J2", "Failed", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.IssueToken(ctx, tokens.IssueRequest{JobID: tt.id, Pipeline: pipeline.MapAsync, Stage: tt.stage})
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tracker.ErrOutOfOrderStage)
			var ooe *tracker.OutOfOrderError
			require.ErrorAs(t, err, &ooe)
			assert.Equal(t, tt.reason, ooe.Reason)
		})
	}
}

func TestIssueTokenValidation(t *testing.T) {
	c := createTestCoordinator(t, testConfig(t.TempDir()))
	defer c.Stop()
	ctx := context.Background()

	tests := []struct {
		name string
		req  tokens.IssueRequest
		want error
	}{
		{"unknown pipeline", tokens.IssueRequest{JobID: "J1", Pipeline: "nope", Stage: "Processing"}, pipeline.ErrUnknownPipeline},
		{"unknown stage", tokens.IssueRequest{JobID: "J1", Pipeline: pipeline.MapAsync, Stage: "Nope"}, tracker.ErrValidation},
		{"absent job", tokens.IssueRequest{JobID: "J9", Pipeline: pipeline.MapAsync, Stage: "Processing"}, tracker.ErrNotFound},
		{"negative ttl", tokens.IssueRequest{JobID: "J9", Pipeline: pipeline.MapAsync, Stage: "Submitted", TTL: -time.Second}, tokens.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.IssueToken(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSweepFailsJobOnExpiry(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(t.TempDir())
	cfg.FailOnExpiry = true
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)

	c := createTestCoordinator(t, cfg, WithClock(clock.Now), WithMetrics(m))
	defer c.Stop()
	ctx := context.Background()

	advance(t, c, pipeline.MapAsync, "J1", "Submitted", 10)
	_, err := c.IssueToken(ctx, tokens.IssueRequest{JobID: "J1", Pipeline: pipeline.MapAsync, Stage: "Processing"})
	require.NoError(t, err)

	c.sweep()
	assert.Len(t, c.PendingTokens(), 1, "not yet due")

	clock.Advance(6 * time.Second)
	c.sweep()
	c.sweep() // reported once

	assert.Empty(t, c.PendingTokens())
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP stagecoach_tokens_expired_total Callback tokens that expired unredeemed
# TYPE stagecoach_tokens_expired_total counter
stagecoach_tokens_expired_total 1
`), "stagecoach_tokens_expired_total"))

	snap, err := c.Snapshot(pipeline.MapAsync, "J1")
	require.NoError(t, err)
	assert.True(t, snap.Failed)
	assert.Equal(t, "expired", snap.Status)
}

func TestExpiredTokenSurvivesRestart(t *testing.T) {
	clock := newFakeClock()
	dir := t.TempDir()
	cfg := testConfig(dir)

	c := createTestCoordinator(t, cfg, WithClock(clock.Now))
	advance(t, c, pipeline.MapAsync, "J1", "Submitted", 10)
	iss, err := c.IssueToken(context.Background(), tokens.IssueRequest{JobID: "J1", Pipeline: pipeline.MapAsync, Stage: "Processing"})
	require.NoError(t, err)
	clock.Advance(6 * time.Second)
	c.sweep()
	crash(t, c)

	c2 := createTestCoordinator(t, cfg, WithClock(clock.Now))
	defer c2.Stop()
	rec, err := c2.Lookup(iss.Token)
	require.NoError(t, err)
	assert.Equal(t, types.TokenExpired, rec.State)
	assert.ErrorIs(t, c2.Redeem(context.Background(), iss.Token, nil), tokens.ErrExpired)
}

// ============================================================================
// Bus 與 archive
// ============================================================================

func TestPublishesAcceptedEvents(t *testing.T) {
	mem := bus.NewMemory("pipeline-test")
	c := createTestCoordinator(t, testConfig(t.TempDir()), WithPublisher(mem))
	defer c.Stop()

	advance(t, c, pipeline.ETL, "J1", "Initialize", 25)
	_, err := c.Fail(context.Background(), pipeline.ETL, "J1", "", "disk full")
	require.NoError(t, err)

	got := mem.Published()
	require.Len(t, got, 2)
	assert.Equal(t, "InitializationComplete", got[0].DetailType)
	assert.Equal(t, "pipeline-test", got[0].Bus)
	assert.Equal(t, "stagecoach", got[0].Source)
	assert.Equal(t, types.JobID("J1"), got[0].Detail.JobID)
	assert.NotEmpty(t, got[0].Detail.EventID)
	assert.Equal(t, "PipelineFailed", got[1].DetailType)
}

func TestConsumesBusEvents(t *testing.T) {
	mem := bus.NewMemory("pipeline-test")
	c := createTestCoordinator(t, testConfig(t.TempDir()), WithSubscriber(mem), WithPublisher(mem))
	defer c.Stop()
	ctx := context.Background()

	ev := types.ProgressEvent{JobID: "J1", Pipeline: pipeline.ETL, Stage: "Initialize", Status: "initialized", Percentage: 25}
	require.NoError(t, mem.Publish(ctx, bus.NewEnvelope("pipeline-test", "etl-stage", "InitializationComplete", ev)))

	snap, err := c.Snapshot(pipeline.ETL, "J1")
	require.NoError(t, err)
	assert.Equal(t, 25, snap.Percentage)

	// the coordinator's own notification was not consumed again
	history, err := c.History(pipeline.ETL, "J1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, mem.Published(), 2)
}

func TestEventsFromArchive(t *testing.T) {
	a, err := archive.NewSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	defer a.Close()

	dir := t.TempDir()
	c := createTestCoordinator(t, testConfig(dir), WithArchive(a))
	advance(t, c, pipeline.ETL, "J1", "Initialize", 25)
	advance(t, c, pipeline.ETL, "J1", "Enhance", 50)
	require.NoError(t, c.Stop()) // drains the recorder

	evs, err := a.Events(context.Background(), pipeline.ETL, "J1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, types.StageName("Enhance"), evs[1].Stage)

	evs, err = c.Events(context.Background(), pipeline.ETL, "J1")
	require.NoError(t, err)
	assert.Len(t, evs, 2)

	_, err = c.Events(context.Background(), "nope", "J1")
	assert.ErrorIs(t, err, pipeline.ErrUnknownPipeline)
}

// ============================================================================
// 其他
// ============================================================================

func TestAdvanceMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	c := createTestCoordinator(t, testConfig(t.TempDir()), WithMetrics(m))
	defer c.Stop()

	advance(t, c, pipeline.ETL, "J1", "Initialize", 25)
	advance(t, c, pipeline.ETL, "J1", "Initialize", 25)
	_, err := c.Advance(context.Background(), pipeline.ETL, tracker.Request{JobID: "J1", Stage: "Transform", Percentage: 10})
	require.ErrorIs(t, err, tracker.ErrOutOfOrderStage)

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP stagecoach_advances_total Progress advances by pipeline and outcome
# TYPE stagecoach_advances_total counter
stagecoach_advances_total{outcome="accepted",pipeline="etl"} 1
stagecoach_advances_total{outcome="duplicate",pipeline="etl"} 1
stagecoach_advances_total{outcome="percentage_regression",pipeline="etl"} 1
`), "stagecoach_advances_total"))
}

func TestRouteAndStatus(t *testing.T) {
	c := createTestCoordinator(t, testConfig(t.TempDir()))
	defer c.Stop()

	d := c.Route(map[string]any{"type": "alpha", "x": 1})
	assert.Equal(t, "default", d.Branch)

	advance(t, c, pipeline.ETL, "J1", "Initialize", 25)
	st := c.Status()
	assert.Equal(t, 1, st.Jobs[pipeline.ETL]["active"])
	assert.Equal(t, 1, st.Stages[pipeline.ETL]["Initialize"])
	assert.Equal(t, []string{pipeline.ETL, pipeline.JobTracker, pipeline.MapAsync, pipeline.Routing}, st.Pipelines)
	assert.Len(t, c.Pipelines(), 4)
}

func TestUnknownPipeline(t *testing.T) {
	c := createTestCoordinator(t, testConfig(t.TempDir()))
	defer c.Stop()

	_, err := c.Advance(context.Background(), "nope", tracker.Request{JobID: "J1"})
	assert.ErrorIs(t, err, pipeline.ErrUnknownPipeline)
	_, err = c.Snapshot("nope", "J1")
	assert.ErrorIs(t, err, pipeline.ErrUnknownPipeline)
}
