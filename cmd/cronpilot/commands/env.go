package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cronpilot/cronpilot/config"
	"github.com/cronpilot/cronpilot/environment"
	"github.com/cronpilot/cronpilot/errors"
	"github.com/cronpilot/cronpilot/logger"
	"github.com/cronpilot/cronpilot/registry"
)

// EnvCmd inspects and validates execution environments.
var EnvCmd = &cobra.Command{
	Use:   "env",
	Short: "Inspect and validate execution environments",
	Long: `Inspect and validate execution environments.

Examples:
  cronpilot env discover
  cronpilot env check backup`,
}

var envDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan the tasks directory for virtual environments and manifests",
	RunE:  runEnvDiscover,
}

var envCheckCmd = &cobra.Command{
	Use:   "check NAME",
	Short: "Validate a job's environment binding end to end",
	Long: `Validate a job's environment binding end to end: probe the bound
interpreter, parse the dependency manifest and install its requirements.
This is exactly what the scheduler does before dispatching a run.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnvCheck,
}

func init() {
	EnvCmd.AddCommand(envDiscoverCmd)
	EnvCmd.AddCommand(envCheckCmd)
}

func runEnvDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
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

	if len(envs) == 0 {
		fmt.Printf("No virtual environments found under %s\n", cfg.Tasks.Directory)
	} else {
		fmt.Printf("Virtual environments (%d):\n", len(envs))
		for _, env := range envs {
			folder := env.TaskFolder
			if folder == "" {
				folder = "-"
			}
			fmt.Printf("  %-24s task=%-16s %s\n", env.Name, folder, env.Interpreter)
		}
	}

	fmt.Println()
	if len(manifests) == 0 {
		fmt.Printf("No dependency manifests found under %s\n", cfg.Tasks.Directory)
	} else {
		fmt.Printf("Dependency manifests (%d):\n", len(manifests))
		for _, m := range manifests {
			folder := m.TaskFolder
			if folder == "" {
				folder = "-"
			}
			fmt.Printf("  %-24s task=%-16s %d bytes\n", m.Name, folder, m.Size)
		}
	}
	return nil
}

func runEnvCheck(cmd *cobra.Command, args []string) error {
	conn, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer conn.Close()

	job, err := registry.NewStore(conn).GetByName(args[0])
	if err != nil {
		return err
	}

	resolver, err := environment.NewResolver(
		time.Duration(cfg.Tasks.InstallTimeoutSeconds)*time.Second, logger.Logger)
	if err != nil {
		return err
	}
	defer resolver.Close()

	env, err := resolver.Resolve(cmd.Context(), job.Env)
	if err != nil {
		var installErr *environment.InstallError
		switch {
		case errors.Is(err, environment.ErrInterpreterNotFound):
			fmt.Printf("FAIL  interpreter: %v\n", err)
		case errors.Is(err, environment.ErrManifestParse):
			fmt.Printf("FAIL  manifest: %v\n", err)
		case errors.As(err, &installErr):
			fmt.Printf("FAIL  dependency install exited %d\n", installErr.ExitCode)
			if installErr.Stderr != "" {
				fmt.Println(installErr.Stderr)
			}
		default:
			fmt.Printf("FAIL  %v\n", err)
		}
		return errors.Newf("environment check failed for job %q", job.Name)
	}

	fmt.Printf("OK    interpreter: %s\n", env.Interpreter)
	if env.ManifestPath != "" {
		fmt.Printf("OK    manifest:    %s (%d requirements)\n", env.ManifestPath, len(env.Specifiers))
	} else {
		fmt.Println("OK    manifest:    none bound")
	}
	fmt.Printf("OK    validated:   %s\n", env.ValidatedAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}
