package commands

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cronpilot/cronpilot/dispatch"
	"github.com/cronpilot/cronpilot/environment"
	"github.com/cronpilot/cronpilot/errors"
	"github.com/cronpilot/cronpilot/guard"
	"github.com/cronpilot/cronpilot/history"
	"github.com/cronpilot/cronpilot/logger"
	"github.com/cronpilot/cronpilot/registry"
	"github.com/cronpilot/cronpilot/runlog"
	"github.com/cronpilot/cronpilot/schedule"
)

// JobsCmd manages registered jobs.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage registered jobs",
	Long: `Manage registered jobs.

Examples:
  cronpilot jobs ls
  cronpilot jobs add backup backup.py --daily 03:30 --manifest tasks/backup/requirements.txt
  cronpilot jobs add report report.py --weekly mon:09:00
  cronpilot jobs add sync sync.py --cron "*/15 * * * *"
  cronpilot jobs trigger backup
  cronpilot jobs pause backup
  cronpilot jobs resume backup
  cronpilot jobs rm backup`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered jobs",
	RunE:  runJobsLs,
}

var jobsAddCmd = &cobra.Command{
	Use:   "add NAME ENTRY_POINT",
	Short: "Register a job (or update it by name)",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsAdd,
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm NAME",
	Short: "Delete a job and its run history",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRm,
}

var jobsTriggerCmd = &cobra.Command{
	Use:   "trigger NAME",
	Short: "Run a job immediately",
	Long: `Run a job immediately, through the same per-job concurrency guard as
scheduled fires. Rejected when the job already has an active run.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsTrigger,
}

var jobsDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find unregistered entry-point scripts in the tasks directory",
	Long: `Find unregistered entry-point scripts in the tasks directory.

Lists discovered scripts by default; with --register each one is added as a
manual job, bound to the virtual environment and manifest found alongside it.`,
	RunE: runJobsDiscover,
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause NAME",
	Short: "Deactivate a job (keeps it registered)",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setJobActive(args[0], false) },
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume NAME",
	Short: "Reactivate a paused job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setJobActive(args[0], true) },
}

var (
	hourlyFlag      string
	dailyFlag       string
	weeklyFlag      string
	cronFlag        string
	interpreterFlag string
	manifestFlag    string
	timeoutFlag     int
	configFlag      string
	registerFlag    bool
)

func init() {
	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsAddCmd)
	JobsCmd.AddCommand(jobsRmCmd)
	JobsCmd.AddCommand(jobsDiscoverCmd)
	JobsCmd.AddCommand(jobsTriggerCmd)
	JobsCmd.AddCommand(jobsPauseCmd)
	JobsCmd.AddCommand(jobsResumeCmd)

	jobsAddCmd.Flags().StringVar(&hourlyFlag, "hourly", "", "Fire hourly at the given minute (e.g. 15); empty minute anchors to now")
	jobsAddCmd.Flags().StringVar(&dailyFlag, "daily", "", "Fire daily at HH:MM")
	jobsAddCmd.Flags().StringVar(&weeklyFlag, "weekly", "", "Fire weekly at DAY:HH:MM (e.g. mon:09:00)")
	jobsAddCmd.Flags().StringVar(&cronFlag, "cron", "", "Fire on a five-field cron expression")
	jobsAddCmd.Flags().StringVar(&interpreterFlag, "interpreter", "", "Interpreter path (empty uses the host default)")
	jobsAddCmd.Flags().StringVar(&manifestFlag, "manifest", "", "Dependency manifest path")
	jobsAddCmd.Flags().IntVar(&timeoutFlag, "timeout", 0, "Execution timeout in seconds (0 uses the scheduler default)")
	jobsAddCmd.Flags().StringVar(&configFlag, "config", "", "Configuration mapping passed to the entry point, as JSON")

	jobsAddCmd.Flag("hourly").NoOptDefVal = "now"

	jobsDiscoverCmd.Flags().BoolVar(&registerFlag, "register", false, "Register discovered scripts as manual jobs")
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	conn, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer conn.Close()

	jobs, err := registry.NewStore(conn).List()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs registered")
		return nil
	}

	fmt.Printf("%-20s %-22s %-8s %-20s %s\n", "NAME", "SCHEDULE", "ACTIVE", "NEXT RUN", "ENTRY POINT")
	for _, job := range jobs {
		active := "yes"
		if !job.Active {
			active = "paused"
		}
		fmt.Printf("%-20s %-22s %-8s %-20s %s\n",
			job.Name, job.Schedule.String(), active, formatTime(job.NextRunAt), job.EntryPoint)
	}
	return nil
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	spec, err := scheduleFromFlags()
	if err != nil {
		return err
	}

	var jobConfig map[string]interface{}
	if configFlag != "" {
		if err := json.Unmarshal([]byte(configFlag), &jobConfig); err != nil {
			return errors.Wrap(err, "invalid --config JSON")
		}
	}

	conn, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer conn.Close()

	store := registry.NewStore(conn)

	job := &registry.Job{
		Name:       args[0],
		EntryPoint: args[1],
		Schedule:   spec,
		Env: registry.EnvironmentBinding{
			InterpreterPath: interpreterFlag,
			ManifestPath:    manifestFlag,
		},
		Config:         jobConfig,
		Active:         true,
		TimeoutSeconds: timeoutFlag,
	}

	// Registration is idempotent by id: adding an existing name updates it.
	if existing, err := store.GetByName(args[0]); err == nil {
		job.ID = existing.ID
	} else if !errors.Is(err, registry.ErrNotFound) {
		return err
	}

	if err := store.Upsert(job); err != nil {
		return err
	}

	fmt.Printf("Registered job %q (%s)\n", job.Name, job.Schedule.String())
	return nil
}

func runJobsRm(cmd *cobra.Command, args []string) error {
	conn, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer conn.Close()

	store := registry.NewStore(conn)
	job, err := store.GetByName(args[0])
	if err != nil {
		return err
	}

	if err := store.Delete(job.ID); err != nil {
		if errors.Is(err, registry.ErrConcurrencyConflict) {
			return errors.Newf("job %q has an active run; wait for it to finish or cancel it first", job.Name)
		}
		return err
	}

	fmt.Printf("Deleted job %q\n", job.Name)
	return nil
}

// runJobsDiscover scans the tasks directory for entry-point scripts that no
// registered job points at. With --register each new script becomes a manual
// job, bound to the environment and manifest found in the same task folder.
func runJobsDiscover(cmd *cobra.Command, args []string) error {
	conn, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer conn.Close()

	store := registry.NewStore(conn)
	jobs, err := store.List()
	if err != nil {
		return err
	}
	registered := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		registered[job.EntryPoint] = true
	}

	scripts, err := environment.DiscoverScripts(cfg.Tasks.Directory)
	if err != nil {
		return err
	}
	envs, err := environment.DiscoverEnvironments(cfg.Tasks.Directory)
	if err != nil {
		return err
	}
	manifests, err := environment.DiscoverManifests(cfg.Tasks.Directory)
	if err != nil {
		return err
	}

	interpreterFor := make(map[string]string, len(envs))
	for _, env := range envs {
		if _, ok := interpreterFor[env.TaskFolder]; !ok {
			interpreterFor[env.TaskFolder] = env.Interpreter
		}
	}
	manifestFor := make(map[string]string, len(manifests))
	for _, m := range manifests {
		if _, ok := manifestFor[m.TaskFolder]; !ok {
			manifestFor[m.TaskFolder] = m.Path
		}
	}

	found := 0
	for _, script := range scripts {
		if registered[script.EntryPoint] {
			continue
		}
		found++

		if !registerFlag {
			fmt.Printf("new: %-24s %s\n", script.Name, script.EntryPoint)
			continue
		}

		job := &registry.Job{
			Name:       script.Name,
			EntryPoint: script.EntryPoint,
			Schedule:   &schedule.Spec{Type: schedule.TypeManual},
			Env: registry.EnvironmentBinding{
				InterpreterPath: interpreterFor[script.TaskFolder],
				ManifestPath:    manifestFor[script.TaskFolder],
			},
			Active: true,
		}
		if err := store.Upsert(job); err != nil {
			return errors.Wrapf(err, "failed to register discovered script %s", script.EntryPoint)
		}
		fmt.Printf("registered: %-24s %s\n", job.Name, job.EntryPoint)
	}

	if found == 0 {
		fmt.Println("No unregistered scripts found")
	} else if !registerFlag {
		fmt.Printf("\n%d unregistered script(s); rerun with --register to add them as manual jobs\n", found)
	}
	return nil
}

// runJobsTrigger executes the job synchronously in this process, through
// the same admission path the daemon uses.
func runJobsTrigger(cmd *cobra.Command, args []string) error {
	conn, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer conn.Close()

	log := logger.Logger
	store := registry.NewStore(conn)
	runs := history.NewStore(conn)
	g := guard.New(runs, log)

	job, err := store.GetByName(args[0])
	if err != nil {
		return err
	}

	rec, err := g.TryAdmit(job.ID)
	if err != nil {
		if errors.Is(err, guard.ErrAlreadyRunning) {
			return errors.Newf("job %q already has an active run", job.Name)
		}
		return err
	}

	resolver, err := environment.NewResolver(
		time.Duration(cfg.Tasks.InstallTimeoutSeconds)*time.Second, log)
	if err != nil {
		return err
	}
	defer resolver.Close()

	env, err := resolver.Resolve(cmd.Context(), job.Env)
	if err != nil {
		rec.EnvironmentError(err)
		if updateErr := runs.Update(rec); updateErr != nil {
			log.Errorw("Failed to record environment error", "error", updateErr)
		}
		return errors.Wrapf(err, "environment resolution failed for job %q", job.Name)
	}

	logs, err := runlog.NewFileLogger(filepath.Join(cfg.Tasks.Directory, "logs"), log)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(runs, logs, cfg.Tasks.Directory, log)
	timeout := job.Timeout(time.Duration(cfg.Scheduler.DefaultTimeoutSeconds) * time.Second)

	fmt.Printf("Running job %q (attempt %s, timeout %s)\n", job.Name, rec.AttemptID[:8], timeout)
	dispatcher.Dispatch(cmd.Context(), job, env, rec, job.Config, timeout)

	fmt.Printf("Status:   %s\n", rec.Status)
	fmt.Printf("Duration: %s\n", rec.Duration().Round(time.Millisecond))
	if rec.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", rec.ErrorMessage)
	}
	fmt.Printf("Log:      %s\n", rec.LogRef)

	if rec.Status != history.StatusSuccess {
		return errors.Newf("job %q finished %s", job.Name, rec.Status)
	}
	return nil
}

func setJobActive(name string, active bool) error {
	conn, _, err := openDatabase()
	if err != nil {
		return err
	}
	defer conn.Close()

	store := registry.NewStore(conn)
	job, err := store.GetByName(name)
	if err != nil {
		return err
	}
	if err := store.SetActive(job.ID, active); err != nil {
		return err
	}

	if active {
		fmt.Printf("Resumed job %q\n", name)
	} else {
		fmt.Printf("Paused job %q\n", name)
	}
	return nil
}

// scheduleFromFlags builds the spec from the mutually exclusive schedule
// flags; no flag means a manual-only job.
func scheduleFromFlags() (*schedule.Spec, error) {
	set := 0
	for _, f := range []string{hourlyFlag, dailyFlag, weeklyFlag, cronFlag} {
		if f != "" {
			set++
		}
	}
	if set > 1 {
		return nil, errors.New("at most one of --hourly, --daily, --weekly, --cron may be set")
	}

	switch {
	case hourlyFlag != "":
		spec := &schedule.Spec{Type: schedule.TypeHourly}
		if hourlyFlag == "now" {
			spec.Minute = time.Now().Minute()
		} else {
			minute, err := strconv.Atoi(hourlyFlag)
			if err != nil {
				return nil, errors.Newf("invalid --hourly minute %q", hourlyFlag)
			}
			spec.Minute = minute
		}
		return spec, nil

	case dailyFlag != "":
		hour, minute, err := parseClock(dailyFlag)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid --daily value %q", dailyFlag)
		}
		return &schedule.Spec{Type: schedule.TypeDaily, Hour: hour, Minute: minute}, nil

	case weeklyFlag != "":
		parts := strings.SplitN(weeklyFlag, ":", 2)
		if len(parts) != 2 {
			return nil, errors.Newf("invalid --weekly value %q, expected DAY:HH:MM", weeklyFlag)
		}
		hour, minute, err := parseClock(parts[1])
		if err != nil {
			return nil, errors.Wrapf(err, "invalid --weekly value %q", weeklyFlag)
		}
		return &schedule.Spec{
			Type:      schedule.TypeWeekly,
			DayOfWeek: strings.ToLower(parts[0]),
			Hour:      hour,
			Minute:    minute,
		}, nil

	case cronFlag != "":
		return &schedule.Spec{Type: schedule.TypeCustom, CronExpression: cronFlag}, nil

	default:
		return &schedule.Spec{Type: schedule.TypeManual}, nil
	}
}

func parseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, errors.New("expected HH:MM")
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, errors.New("expected HH:MM")
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, errors.New("expected HH:MM")
	}
	return hour, minute, nil
}
