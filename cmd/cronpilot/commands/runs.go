package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cronpilot/cronpilot/errors"
	"github.com/cronpilot/cronpilot/history"
	"github.com/cronpilot/cronpilot/logger"
	"github.com/cronpilot/cronpilot/registry"
	"github.com/cronpilot/cronpilot/runlog"
)

// RunsCmd inspects run history.
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect run history",
	Long: `Inspect run history.

Examples:
  cronpilot runs ls backup
  cronpilot runs ls backup --limit 50
  cronpilot runs active
  cronpilot runs log backup
  cronpilot runs log backup --attempt 1a2b3c4d --tail 100`,
}

var runsLsCmd = &cobra.Command{
	Use:   "ls NAME",
	Short: "List recent runs of a job, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLs,
}

var runsActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "List all pending and running attempts",
	RunE:  runRunsActive,
}

var runsLogCmd = &cobra.Command{
	Use:   "log NAME",
	Short: "Print the captured output of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLog,
}

var (
	limitFlag   int
	attemptFlag string
	tailFlag    int
)

func init() {
	RunsCmd.AddCommand(runsLsCmd)
	RunsCmd.AddCommand(runsActiveCmd)
	RunsCmd.AddCommand(runsLogCmd)

	runsLsCmd.Flags().IntVar(&limitFlag, "limit", 20, "Maximum number of runs to show")
	runsLogCmd.Flags().StringVar(&attemptFlag, "attempt", "", "Attempt id prefix (default: latest run)")
	runsLogCmd.Flags().IntVar(&tailFlag, "tail", 0, "Show only the last N lines")
}

func runRunsLs(cmd *cobra.Command, args []string) error {
	conn, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer conn.Close()

	job, err := registry.NewStore(conn).GetByName(args[0])
	if err != nil {
		return err
	}

	records, err := history.NewStore(conn).ListByJob(job.ID, limitFlag)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No runs recorded for job %q\n", job.Name)
		return nil
	}

	fmt.Printf("%-10s %-18s %-20s %-12s %s\n", "ATTEMPT", "STATUS", "STARTED", "DURATION", "ERROR")
	for _, rec := range records {
		started := "-"
		if rec.StartedAt != nil {
			started = rec.StartedAt.Local().Format("2006-01-02 15:04:05")
		}
		duration := "-"
		if d := rec.Duration(); d > 0 {
			duration = d.Round(time.Millisecond).String()
		}
		fmt.Printf("%-10s %-18s %-20s %-12s %s\n",
			rec.AttemptID[:8], rec.Status, started, duration, rec.ErrorMessage)
	}
	return nil
}

func runRunsActive(cmd *cobra.Command, args []string) error {
	conn, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer conn.Close()

	jobs := registry.NewStore(conn)
	records, err := history.NewStore(conn).ListActive()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No active runs")
		return nil
	}

	fmt.Printf("%-20s %-10s %-10s %s\n", "JOB", "ATTEMPT", "STATUS", "STARTED")
	for _, rec := range records {
		name := rec.JobID
		if job, err := jobs.Get(rec.JobID); err == nil {
			name = job.Name
		}
		started := "-"
		if rec.StartedAt != nil {
			started = rec.StartedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-20s %-10s %-10s %s\n", name, rec.AttemptID[:8], rec.Status, started)
	}
	return nil
}

func runRunsLog(cmd *cobra.Command, args []string) error {
	conn, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer conn.Close()

	job, err := registry.NewStore(conn).GetByName(args[0])
	if err != nil {
		return err
	}

	runs := history.NewStore(conn)
	rec, err := resolveAttempt(runs, job.ID)
	if err != nil {
		return err
	}

	logs, err := runlog.NewFileLogger(filepath.Join(cfg.Tasks.Directory, "logs"), logger.Logger)
	if err != nil {
		return err
	}
	content, err := logs.Read(job.ID, rec.AttemptID, tailFlag)
	if err != nil {
		return err
	}
	fmt.Print(content)
	return nil
}

// resolveAttempt finds the run addressed by --attempt, or the latest run
// when the flag is unset. The flag matches on attempt id prefix so the
// short ids printed by "runs ls" work directly.
func resolveAttempt(runs *history.Store, jobID string) (*history.Record, error) {
	if attemptFlag == "" {
		rec, err := runs.Latest(jobID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, errors.Wrapf(history.ErrNotFound, "no runs recorded for job %s", jobID)
		}
		return rec, nil
	}
	records, err := runs.ListByJob(jobID, 200)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if len(rec.AttemptID) >= len(attemptFlag) && rec.AttemptID[:len(attemptFlag)] == attemptFlag {
			return rec, nil
		}
	}
	return nil, errors.Newf("no run with attempt id prefix %q", attemptFlag)
}
