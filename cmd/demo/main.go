// Command demo shows crash recovery: `start` drives ETL jobs slowly and can
// be killed at any point; `recover` restarts from the WAL and snapshot and
// resumes every job after its last accepted stage.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/cli"
	"github.com/ChuLiYu/stagecoach/internal/config"
	"github.com/ChuLiYu/stagecoach/internal/coordinator"
	"github.com/ChuLiYu/stagecoach/internal/orchestrator"
	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/internal/stage"
	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/sirupsen/logrus"
)

const jobCount = 20

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load("")
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	cfg.ConfigureLogging()
	cfg.Bus.Driver = "memory"
	cfg.Dispatch.Enabled = false

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := cli.NewApp(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to start coordinator: %v", err)
	}
	st := app.Coordinator.Status()
	fmt.Printf("✓ Coordinator started (mode: %s, recovered in %s, wal seq %d)\n", mode, st.RecoveryTime, st.WALSeq)

	o := app.NewOrchestrator()
	// slow every stage down so there is time to interrupt
	o.Register(pipeline.ETL, "Transform", stage.ExecutorFunc(func(ctx context.Context, in stage.Input) (stage.Outcome, error) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
			return stage.Outcome{}, ctx.Err()
		}
		return stage.Static{}.Execute(ctx, in)
	}))

	switch mode {
	case "start":
		printCounts("Before", app.Coordinator.Status())
		fmt.Printf("\n⚡ Running %d ETL jobs. Press Ctrl+C (or kill -9) to interrupt.\n", jobCount)
	case "recover":
		printCounts("📊 Immediate Status After Recovery", st)
		fmt.Println("\n⏳ Resuming unfinished jobs...")
	default:
		logrus.Fatalf("unknown mode %q", mode)
	}

	jobs := make([]orchestrator.Job, jobCount)
	for i := range jobs {
		jobs[i] = orchestrator.Job{ID: types.JobID(fmt.Sprintf("crash-demo-%03d", i+1))}
	}
	reports := o.RunMany(ctx, pipeline.ETL, jobs)

	var resumed, done int
	for _, r := range reports {
		if r.Err == nil && r.Snapshot.Terminal {
			done++
		}
		if len(r.Stages) > 0 && r.Stages[0].Skipped {
			resumed++
		}
	}
	fmt.Printf("\n✓ %d/%d jobs complete, %d resumed mid-pipeline\n", done, len(reports), resumed)
	printCounts("📊 Final Status", app.Coordinator.Status())

	if err := app.Close(); err != nil {
		logrus.Fatalf("Shutdown failed: %v", err)
	}
	fmt.Println("✓ Coordinator stopped")
}

func printCounts(title string, st coordinator.Status) {
	c := st.Jobs[pipeline.ETL]
	fmt.Printf("\n%s:\n", title)
	fmt.Printf("  Active:    %d\n", c["active"])
	fmt.Printf("  Completed: %d\n", c["completed"])
	fmt.Printf("  Failed:    %d\n", c["failed"])
	for name, n := range st.Stages[pipeline.ETL] {
		fmt.Printf("    at %-10s %d\n", name, n)
	}
}
