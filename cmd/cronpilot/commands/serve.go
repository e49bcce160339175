package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cronpilot/cronpilot/dispatch"
	"github.com/cronpilot/cronpilot/environment"
	"github.com/cronpilot/cronpilot/errors"
	"github.com/cronpilot/cronpilot/guard"
	"github.com/cronpilot/cronpilot/history"
	"github.com/cronpilot/cronpilot/logger"
	"github.com/cronpilot/cronpilot/notify"
	"github.com/cronpilot/cronpilot/registry"
	"github.com/cronpilot/cronpilot/runlog"
	"github.com/cronpilot/cronpilot/scheduler"
)

// ServeCmd starts the scheduler daemon.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler daemon",
	Long: `Start the scheduling loop and worker pool.

The daemon evaluates due jobs on every tick, admits them through the
concurrency guard, validates their environments and executes them on a
bounded worker pool. It runs until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	conn, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer conn.Close()

	log := logger.Logger

	tz, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return errors.Wrapf(err, "invalid scheduler timezone %q", cfg.Scheduler.Timezone)
	}

	jobs := registry.NewStore(conn)
	runs := history.NewStore(conn)
	g := guard.New(runs, log)

	resolver, err := environment.NewResolver(
		time.Duration(cfg.Tasks.InstallTimeoutSeconds)*time.Second, log)
	if err != nil {
		return err
	}
	defer resolver.Close()

	logs, err := runlog.NewFileLogger(filepath.Join(cfg.Tasks.Directory, "logs"), log)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(runs, logs, cfg.Tasks.Directory, log)

	engineCfg := scheduler.Config{
		TickInterval:       time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second,
		MaxWorkers:         cfg.Scheduler.MaxWorkers,
		DefaultTimeout:     time.Duration(cfg.Scheduler.DefaultTimeoutSeconds) * time.Second,
		MaxStartsPerMinute: cfg.Scheduler.MaxStartsPerMinute,
		Timezone:           tz,
		RetentionPeriod:    time.Duration(cfg.History.RetentionDays) * 24 * time.Hour,
	}

	engine := scheduler.New(jobs, runs, g, resolver, dispatcher,
		notify.NewLogNotifier(log), logs, engineCfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Infow("Shutdown signal received")
	engine.Stop()
	return nil
}
