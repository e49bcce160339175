package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cronpilot/cronpilot/cmd/cronpilot/commands"
	"github.com/cronpilot/cronpilot/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cronpilot",
	Short: "cronpilot - scheduled job execution engine",
	Long: `cronpilot - schedule, execute and track Python jobs.

Jobs are scripts bound to an interpreter and an optional dependency
manifest. A scheduling loop fires them hourly, daily, weekly or on a cron
expression; every execution is admitted through a per-job concurrency guard
and recorded in the run history.

Examples:
  cronpilot serve                          # Start the scheduler daemon
  cronpilot jobs add backup backup.py --daily 03:30
  cronpilot jobs ls                        # List registered jobs
  cronpilot jobs trigger backup            # Run a job now
  cronpilot runs ls backup                 # Show a job's run history
  cronpilot env discover                   # Discover environments and manifests
  cronpilot db stats                       # Show database statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.EnvCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
