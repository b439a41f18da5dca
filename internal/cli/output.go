package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

// state renders a job's lifecycle with color: failed red, complete green.
func state(s types.JobSnapshot) string {
	switch {
	case s.Failed:
		return color.RedString("failed")
	case s.Terminal:
		return color.GreenString("complete")
	default:
		return color.YellowString("active")
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}

func printSnapshots(w io.Writer, snaps ...types.JobSnapshot) {
	table := newTable(w, "Pipeline", "Job", "Stage", "Status", "%", "State", "Seq", "Updated")
	for _, s := range snaps {
		table.Append([]string{
			s.Pipeline,
			string(s.ID),
			string(s.Stage),
			s.Status,
			strconv.Itoa(s.Percentage),
			state(s),
			strconv.FormatUint(s.LastSeq, 10),
			formatMillis(s.UpdatedAt),
		})
	}
	table.Render()
}

func printEvents(w io.Writer, events []types.ProgressEvent) {
	table := newTable(w, "Seq", "Stage", "Status", "%", "Message", "Emitted")
	for _, ev := range events {
		table.Append([]string{
			strconv.FormatUint(ev.Seq, 10),
			string(ev.Stage),
			ev.Status,
			strconv.Itoa(ev.Percentage),
			ev.Message,
			formatMillis(ev.EmittedAt),
		})
	}
	table.Render()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
