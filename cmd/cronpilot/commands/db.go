package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cronpilot/cronpilot/history"
)

// DbCmd manages the cronpilot database.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the cronpilot database",
	Long: `Manage the cronpilot database.

Examples:
  cronpilot db migrate
  cronpilot db stats`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase runs migrations as part of opening.
	conn, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Database %s is up to date\n", cfg.Database.Path)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	conn, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Database: %s\n", cfg.Database.Path)
	if info, err := os.Stat(cfg.Database.Path); err == nil {
		fmt.Printf("Size:     %.2f MB\n", float64(info.Size())/(1024*1024))
	}
	fmt.Println()

	var jobCount, activeJobCount int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&jobCount); err != nil {
		return err
	}
	if err := conn.QueryRow(`SELECT COUNT(*) FROM jobs WHERE active = 1`).Scan(&activeJobCount); err != nil {
		return err
	}
	fmt.Printf("Jobs:     %d (%d active)\n", jobCount, activeJobCount)

	rows, err := conn.Query(`SELECT status, COUNT(*) FROM job_runs GROUP BY status ORDER BY status`)
	if err != nil {
		return err
	}
	defer rows.Close()

	fmt.Println("Runs by status:")
	total := 0
	for rows.Next() {
		var status history.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return err
		}
		total += count
		fmt.Printf("  %-20s %d\n", status, count)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	fmt.Printf("  %-20s %d\n", "total", total)
	return nil
}
