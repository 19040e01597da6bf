package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	statusLimit      int
	statusAuditLimit int
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recent runs or the details of one run",
	Long: `Without arguments, lists recent runs recorded in .conductor/state.db.

With a run id (or a unique prefix from the list), shows the run's
progress, checkpoint history, subagent tasks, and recent audit records.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		repoPath, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		db, err := openStateDB(cfg, repoPath)
		if err != nil {
			return err
		}
		defer db.Close()

		if len(args) == 0 {
			return displayRuns(db, statusLimit)
		}
		return displayRun(cmd.Context(), db, args[0], statusAuditLimit)
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Number of runs to list")
	statusCmd.Flags().IntVar(&statusAuditLimit, "audit", 20, "Number of audit records to show for a run")
}

func displayRuns(db *state.DB, limit int) error {
	runs, err := db.ListRuns(nil, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	fmt.Println("Recent Runs:")
	for _, r := range runs {
		fmt.Printf("  %s  %-10s %-20s %d/%d nodes  %s tokens  %s ago\n",
			shortID(r.ID), colorRunStatus(r.Status), r.Workflow, r.NodesDone, r.NodesTotal,
			formatNumber(r.TokensUsed), formatDuration(time.Since(r.StartedAt)))
	}
	return nil
}

func displayRun(ctx context.Context, db *state.DB, idOrPrefix string, auditLimit int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	run, err := findRun(db, idOrPrefix)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s\n", run.ID)
	fmt.Printf("  Workflow: %s\n", run.Workflow)
	fmt.Printf("  Status:   %s\n", colorRunStatus(run.Status))
	fmt.Printf("  Nodes:    %d/%d done\n", run.NodesDone, run.NodesTotal)
	if run.TokenBudget > 0 {
		fmt.Printf("  Tokens:   %s of %s\n", formatNumber(run.TokensUsed), formatNumber(run.TokenBudget))
	} else {
		fmt.Printf("  Tokens:   %s (unlimited)\n", formatNumber(run.TokensUsed))
	}
	if !run.EndedAt.IsZero() {
		fmt.Printf("  Duration: %s\n", formatDuration(run.EndedAt.Sub(run.StartedAt)))
	} else {
		fmt.Printf("  Started:  %s ago\n", formatDuration(time.Since(run.StartedAt)))
	}
	if run.Error != "" {
		fmt.Printf("  Error:    %s\n", color.RedString(run.Error))
	}

	n, err := db.CountCheckpoints(ctx, run.ID)
	if err != nil {
		return err
	}
	fmt.Printf("  Checkpoints: %d\n", n)

	tasks, err := db.ListSubagentTasks(ctx, run.ID)
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		fmt.Println()
		fmt.Println("Subagents:")
		for _, t := range tasks {
			fmt.Printf("  %s  parent=%s depth=%d %s (%s tokens)\n",
				shortID(t.ID), t.ParentID, t.Depth, colorSubagentStatus(t.Status), formatNumber(t.Usage.Total()))
			if t.Error != "" {
				fmt.Printf("      %s\n", truncate(t.Error, 120))
			}
		}
	}

	records, err := db.ListAudit(ctx, run.ID, auditLimit)
	if err != nil {
		return err
	}
	if len(records) > 0 {
		fmt.Println()
		fmt.Println("Audit:")
		for _, rec := range records {
			subject := rec.Tool
			if subject == "" {
				subject = truncate(rec.Detail, 60)
			}
			fmt.Printf("  %s  %-12s %-11s %s\n", rec.At.Format("15:04:05"), rec.NodeID, rec.Event, subject)
		}
	}
	return nil
}

// findRun resolves a full run id, or a prefix matching exactly one of the
// recent runs.
func findRun(db *state.DB, idOrPrefix string) (*state.Run, error) {
	run, err := db.GetRun(idOrPrefix)
	if err != nil {
		return nil, err
	}
	if run != nil {
		return run, nil
	}

	runs, err := db.ListRuns(nil, 0)
	if err != nil {
		return nil, err
	}
	var match *state.Run
	for i := range runs {
		if idOrPrefix != "" && strings.HasPrefix(runs[i].ID, idOrPrefix) {
			if match != nil {
				return nil, fmt.Errorf("run prefix %q is ambiguous", idOrPrefix)
			}
			match = &runs[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("run %s not found", idOrPrefix)
	}
	return match, nil
}

func colorRunStatus(s state.RunStatus) string {
	switch s {
	case state.RunCompleted:
		return color.GreenString(string(s))
	case state.RunFailed:
		return color.RedString(string(s))
	case state.RunStopped:
		return color.YellowString(string(s))
	default:
		return color.CyanString(string(s))
	}
}

func colorSubagentStatus(s models.SubagentStatus) string {
	switch s {
	case models.SubagentCompleted:
		return color.GreenString(string(s))
	case models.SubagentFailed, models.SubagentTimeout:
		return color.RedString(string(s))
	case models.SubagentCancelled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}
