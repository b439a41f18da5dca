package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/internal/server"
	"github.com/ChuLiYu/stagecoach/internal/tracker"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

// dial connects to the coordinator named by config or --coordinator.
func (g *globalFlags) dial(cmd *cobra.Command) (*server.Client, error) {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return server.Dial(cfg.Orchestrator.CoordinatorURL, nil, server.WithCredential(cfg.Auth.Token))
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func buildAdvanceCommand(g *globalFlags) *cobra.Command {
	var (
		req  server.AdvanceRequest
		pct  int
		fail bool
	)

	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Submit a progress event for a job",
		Example: `  stagecoach advance -p etl --id J1 --stage Initialize --percentage 25
  stagecoach advance -p etl --id J1 --fail --message "loader crashed"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.ID == "" {
				return errors.New("--id is required")
			}
			if fail {
				req.Fail = true
			} else {
				if req.Stage == "" {
					return errors.New("--stage is required unless --fail is set")
				}
				if !cmd.Flags().Changed("percentage") {
					return errors.New("--percentage is required unless --fail is set")
				}
				req.Percentage = &pct
			}

			client, err := g.dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := withTimeout(cmd)
			defer cancel()
			reply, err := client.Advance(ctx, req)
			if errors.Is(err, tracker.ErrOutOfOrderStage) {
				return fmt.Errorf("rejected: %w", err)
			}
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if reply.Duplicate {
				fmt.Fprintln(w, color.YellowString("duplicate: already recorded"))
			} else {
				fmt.Fprintln(w, color.GreenString("accepted"))
			}
			printSnapshots(w, reply.Snapshot)
			return nil
		},
	}

	cmd.Flags().StringVarP(&req.Pipeline, "pipeline", "p", pipeline.ETL, "pipeline name")
	cmd.Flags().StringVar(&req.ID, "id", "", "job id")
	cmd.Flags().StringVar(&req.Stage, "stage", "", "stage name")
	cmd.Flags().StringVar(&req.Status, "status", "", "status text")
	cmd.Flags().StringVarP(&req.Message, "message", "m", "", "message")
	cmd.Flags().IntVar(&pct, "percentage", 0, "percentage 0..100")
	cmd.Flags().BoolVar(&fail, "fail", false, "move the job to the failure stage")
	return cmd
}

func buildStatusCommand(g *globalFlags) *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "status <pipeline> <id>",
		Short: "Show a job's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := withTimeout(cmd)
			defer cancel()
			reply, err := client.GetJob(ctx, server.GetJobRequest{Pipeline: args[0], ID: args[1], History: history})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			printSnapshots(w, reply.Snapshot)
			if history {
				fmt.Fprintln(w)
				printEvents(w, reply.Events)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "include the event history")
	return cmd
}

func buildIssueCommand(g *globalFlags) *cobra.Command {
	var (
		req server.IssueTokenRequest
		ttl time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a callback token for a deferred stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.ID == "" || req.Stage == "" {
				return errors.New("--id and --stage are required")
			}
			req.TTLSeconds = int(ttl.Seconds())

			client, err := g.dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := withTimeout(cmd)
			defer cancel()
			reply, err := client.IssueToken(ctx, req)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			table := newTable(w, "Token", "Work ID", "Work", "Expires")
			table.Append([]string{reply.Token, reply.WorkID, reply.Work, formatMillis(reply.ExpiresAt)})
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.Pipeline, "pipeline", "p", pipeline.MapAsync, "pipeline name")
	cmd.Flags().StringVar(&req.ID, "id", "", "job id")
	cmd.Flags().StringVar(&req.Stage, "stage", "", "deferred stage")
	cmd.Flags().StringVar(&req.Work, "work", "", "processor name (defaults to the stage)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (0 uses tokens.default_ttl)")
	return cmd
}

func buildRedeemCommand(g *globalFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "redeem <token>",
		Short: "Complete a deferred stage with its callback token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if output != "" {
				if err := json.Unmarshal([]byte(output), &out); err != nil {
					return fmt.Errorf("--output must be a JSON object: %w", err)
				}
			}

			client, err := g.dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := withTimeout(cmd)
			defer cancel()
			reply, err := client.Complete(ctx, args[0], out)
			if err != nil {
				return err
			}
			printSnapshots(cmd.OutOrStdout(), reply.Snapshot)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", `work output as JSON, e.g. '{"message":"done"}'`)
	return cmd
}

func buildRouteCommand(g *globalFlags) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "route [event-json]",
		Short: "Resolve an event to its branch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			event, err := readEvent(args, file)
			if err != nil {
				return err
			}

			client, err := g.dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := withTimeout(cmd)
			defer cancel()
			reply, err := client.Route(ctx, event)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), reply)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the event from a JSON file")
	return cmd
}

func readEvent(args []string, file string) (map[string]any, error) {
	var data []byte
	switch {
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read event file: %w", err)
		}
		data = b
	case len(args) == 1:
		data = []byte(args[0])
	default:
		return nil, errors.New("an event is required (argument or --file)")
	}

	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	return event, nil
}
