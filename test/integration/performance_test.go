// ============================================================================
// stagecoach Performance Test Suite
// ============================================================================
//
// TestPipelineThroughput:
//   run 200 ETL jobs through the orchestrator worker pool
//   - every job must reach Complete
//   - throughput is logged, with a loose floor for slow CI machines
//
// TestRecoveryPerformance:
//   - advance 500 jobs part way
//   - stop the node, with a mid-run snapshot already on disk
//   - restart, measure recovery time: target < 3 seconds
//   - every job's snapshot must match what was accepted before the crash
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/cli"
	"github.com/ChuLiYu/stagecoach/internal/orchestrator"
	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/internal/tracker"
	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("throughput test skipped in -short mode")
	}
	cfg := testConfig(t, t.TempDir())
	cfg.Storage.SyncOnAppend = false
	cfg.Orchestrator.Workers = 8

	app, err := cli.NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Close()

	totalJobs := 200
	jobs := make([]orchestrator.Job, totalJobs)
	for i := range jobs {
		jobs[i] = orchestrator.Job{ID: types.JobID(fmt.Sprintf("perf-job-%d", i))}
	}

	start := time.Now()
	reports := app.NewOrchestrator().RunMany(context.Background(), pipeline.ETL, jobs)
	elapsed := time.Since(start)

	completed := 0
	for _, r := range reports {
		if r.Err == nil && r.Snapshot.Stage == "Complete" {
			completed++
		}
	}
	throughput := float64(completed) / elapsed.Seconds()

	t.Logf("=== Performance Test Results ===")
	t.Logf("Total jobs: %d", totalJobs)
	t.Logf("Completed: %d", completed)
	t.Logf("Elapsed time: %v", elapsed)
	t.Logf("Throughput: %.2f jobs/second", throughput)
	t.Logf("================================")

	assert.Equal(t, totalJobs, completed)
	assert.Greater(t, throughput, 20.0)
}

func TestRecoveryPerformance(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	ctx := context.Background()

	// Phase 1: advance jobs to different stages
	app1, err := cli.NewApp(ctx, cfg)
	require.NoError(t, err)

	stages := []struct {
		name types.StageName
		pct  int
	}{{"Initialize", 25}, {"Enhance", 50}, {"Transform", 75}}

	totalJobs := 500
	want := make(map[types.JobID]types.StageName, totalJobs)
	for i := 0; i < totalJobs; i++ {
		id := types.JobID(fmt.Sprintf("load-job-%d", i))
		for _, st := range stages[:i%len(stages)+1] {
			_, err := app1.Coordinator.Advance(ctx, pipeline.ETL, tracker.Request{JobID: id, Stage: st.name, Percentage: st.pct})
			require.NoError(t, err)
			want[id] = st.name
		}
		// a snapshot half way, so recovery uses both snapshot and WAL tail
		if i == totalJobs/2 {
			require.NoError(t, app1.Coordinator.TakeSnapshot())
		}
	}

	// Phase 2: stop
	require.NoError(t, app1.Close())

	// Phase 3: recover
	start := time.Now()
	app2, err := cli.NewApp(ctx, cfg)
	require.NoError(t, err)
	defer app2.Close()
	elapsed := time.Since(start)

	t.Logf("Recovery time: %v (reported %v)", elapsed, app2.Coordinator.Status().RecoveryTime)
	assert.Less(t, elapsed, 3*time.Second)

	for id, stage := range want {
		snap, err := app2.Coordinator.Snapshot(pipeline.ETL, id)
		require.NoError(t, err, id)
		assert.Equal(t, stage, snap.Stage, id)
	}
}
