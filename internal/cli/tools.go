package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ChuLiYu/stagecoach/internal/config"
	"github.com/ChuLiYu/stagecoach/internal/orchestrator"
	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/internal/storage/wal"
	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand(_ *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.yaml>...",
		Short: "Validate pipeline declaration files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateFiles(cmd, args)
		},
	}
}

func validateFiles(cmd *cobra.Command, paths []string) error {
	table := newTable(cmd.OutOrStdout(), "File", "Pipeline", "Policy", "Stages", "Failure Stage", "Result")
	var (
		all    = pipeline.Builtins()
		failed int
	)
	for _, path := range paths {
		ps, err := pipeline.Load(path)
		if err != nil {
			failed++
			table.Append([]string{path, "-", "-", "-", "-", color.RedString(err.Error())})
			continue
		}
		for _, p := range ps {
			names := make([]string, len(p.Stages))
			for i, st := range p.Stages {
				names[i] = string(st.Name)
			}
			table.Append([]string{path, p.Name, string(p.Policy), strings.Join(names, " > "), string(p.FailureStage), color.GreenString("ok")})
		}
		all = append(all, ps...)
	}
	table.Render()

	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, len(paths))
	}
	// names must not clash with each other or the built-ins
	if _, err := pipeline.NewSet(all...); err != nil {
		return err
	}
	return nil
}

// ============================================================================
// demo
// ============================================================================

func buildDemoCommand(g *globalFlags) *cobra.Command {
	var (
		jobs int
		dir  string
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run ETL and map-async jobs in-process through the orchestrator",
		Long: `Start an in-process coordinator with a memory bus and local deferred
dispatch, run jobs through every stage and print the results. State is kept
under --dir, so a second run recovers the first one's jobs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			if dir == "" {
				if dir, err = os.MkdirTemp("", "stagecoach-demo-"); err != nil {
					return err
				}
			}
			cfg.Storage.WALPath = filepath.Join(dir, "stagecoach.wal")
			cfg.Storage.SnapshotPath = filepath.Join(dir, "snapshot.json")
			cfg.Bus.Driver = "memory"
			cfg.Dispatch.Enabled = false
			cfg.Archive.Driver = ""

			if _, err := runDemo(cmd.Context(), cfg, cmd.OutOrStdout(), jobs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nstate kept in %s\n", dir)
			return nil
		},
	}
	cmd.Flags().IntVarP(&jobs, "jobs", "n", 3, "jobs per pipeline")
	cmd.Flags().StringVar(&dir, "dir", "", "data directory (default: a new temp dir)")
	return cmd
}

func runDemo(ctx context.Context, cfg *config.Config, w io.Writer, n int) ([]orchestrator.Report, error) {
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer app.Close()

	o := app.NewOrchestrator()
	var reports []orchestrator.Report
	for _, name := range []string{pipeline.ETL, pipeline.MapAsync} {
		jobs := make([]orchestrator.Job, n)
		for i := range jobs {
			jobs[i] = orchestrator.Job{
				ID:    types.JobID(fmt.Sprintf("%s-%03d", name, i+1)),
				Input: map[string]any{"message": fmt.Sprintf("demo item %d", i+1)},
			}
		}
		reports = append(reports, o.RunMany(ctx, name, jobs)...)
	}

	table := newTable(w, "Pipeline", "Job", "Stage", "%", "State", "Ran", "Skipped", "Error")
	for _, r := range reports {
		var ran, skipped int
		for _, sr := range r.Stages {
			if sr.Skipped {
				skipped++
			} else {
				ran++
			}
		}
		errText := "-"
		if r.Err != nil {
			errText = color.RedString(r.Err.Error())
		}
		table.Append([]string{
			r.Pipeline,
			string(r.JobID),
			string(r.Snapshot.Stage),
			strconv.Itoa(r.Snapshot.Percentage),
			state(r.Snapshot),
			strconv.Itoa(ran),
			strconv.Itoa(skipped),
			errText,
		})
	}
	table.Render()

	st := app.Coordinator.Status()
	fmt.Fprintf(w, "\nwal seq %d, recovered in %s, tokens %v\n", st.WALSeq, st.RecoveryTime, st.Tokens)
	return reports, nil
}

// ============================================================================
// wal
// ============================================================================

func buildWALCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect a write-ahead log offline",
	}

	// resolve falls back to storage.wal_path from config.
	resolve := func(cmd *cobra.Command, args []string) (string, error) {
		if len(args) == 1 {
			return args[0], nil
		}
		cfg, err := g.loadConfig(cmd)
		if err != nil {
			return "", err
		}
		return cfg.Storage.WALPath, nil
	}

	inspect := &cobra.Command{
		Use:   "inspect [path]",
		Short: "Show event counts, seq range and segments",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve(cmd, args)
			if err != nil {
				return err
			}
			return inspectWAL(cmd.OutOrStdout(), path)
		},
	}

	dump := &cobra.Command{
		Use:   "dump [path]",
		Short: "Print every record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve(cmd, args)
			if err != nil {
				return err
			}
			return wal.Dump(path, cmd.OutOrStdout())
		},
	}

	verify := &cobra.Command{
		Use:   "verify [path]",
		Short: "Check checksums, seq order and torn tails",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve(cmd, args)
			if err != nil {
				return err
			}
			if err := wal.Validate(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("ok"), path)
			return nil
		},
	}

	cmd.AddCommand(inspect, dump, verify)
	return cmd
}

func inspectWAL(w io.Writer, path string) error {
	stats, err := wal.GetStats(path)
	if err != nil {
		return fmt.Errorf("failed to read wal: %w", err)
	}
	segments, err := wal.Segments(path)
	if err != nil {
		return err
	}

	table := newTable(w, "Field", "Value")
	table.Append([]string{"Path", path})
	table.Append([]string{"Events", strconv.Itoa(stats.TotalEvents)})
	table.Append([]string{"Seq Range", fmt.Sprintf("%d..%d", stats.FirstSeq, stats.LastSeq)})
	table.Append([]string{"Time Range", formatMillis(stats.TimeRange[0]) + " .. " + formatMillis(stats.TimeRange[1])})
	for _, t := range []wal.EventType{wal.EventProgress, wal.EventTokenIssued, wal.EventTokenRedeemed, wal.EventTokenExpired} {
		table.Append([]string{"  " + string(t), strconv.Itoa(stats.EventTypes[t])})
	}
	table.Append([]string{"Archived Segments", strconv.Itoa(len(segments))})
	torn := color.GreenString("no")
	if stats.Torn {
		torn = color.YellowString("yes (tail will be truncated on open)")
	}
	table.Append([]string{"Torn Tail", torn})
	table.Render()

	last, err := wal.LastEvent(path)
	if errors.Is(err, wal.ErrEmptyWAL) {
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nlast: [seq:%d] %s %s\n", last.Seq, last.Type, last.Key)
	return nil
}
