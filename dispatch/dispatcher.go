// Package dispatch executes admitted job attempts. Every dispatch spawns its
// own interpreter process inside the validated environment, so a fault in
// one job cannot corrupt another run or the scheduler itself.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/cronpilot/cronpilot/environment"
	"github.com/cronpilot/cronpilot/errors"
	"github.com/cronpilot/cronpilot/history"
	"github.com/cronpilot/cronpilot/registry"
	"github.com/cronpilot/cronpilot/runlog"
)

// Dispatcher runs job entry points and records terminal outcomes.
type Dispatcher struct {
	runs     *history.Store
	logs     runlog.Logger
	tasksDir string
	log      *zap.SugaredLogger
}

// New creates a dispatcher. Relative entry points resolve against tasksDir.
func New(runs *history.Store, logs runlog.Logger, tasksDir string, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		runs:     runs,
		logs:     logs,
		tasksDir: tasksDir,
		log:      log,
	}
}

// Dispatch executes the job inside its validated environment and drives the
// admitted record to a terminal state. The entry point receives the
// configuration mapping as JSON on stdin and reports its outcome as a JSON
// mapping on stdout; the last JSON line wins. A missing or non-"success"
// status field fails the run. The context deadline is the job's timeout: on
// expiry the process is killed and the record finishes TimedOut.
func (d *Dispatcher) Dispatch(ctx context.Context, job *registry.Job, env *environment.Validated,
	rec *history.Record, cfg map[string]interface{}, timeout time.Duration) *history.Record {

	rec.Start()
	if err := d.runs.Update(rec); err != nil {
		d.log.Errorw("Failed to mark run running",
			"job_id", rec.JobID, "attempt_id", rec.AttemptID, "error", err)
	}
	rec.LogRef = d.logs.Ref(rec.JobID, rec.AttemptID)

	result, runErr := d.execute(ctx, job, env, rec, cfg, timeout)
	d.finalize(rec, result, runErr, timeout)

	if err := d.runs.Update(rec); err != nil {
		d.log.Errorw("Failed to persist terminal run record",
			"job_id", rec.JobID, "attempt_id", rec.AttemptID, "error", err)
	}
	return rec
}

// runResult is what the entry point reported, separate from how the process
// exited.
type runResult struct {
	mapping map[string]interface{}
}

func (d *Dispatcher) execute(ctx context.Context, job *registry.Job, env *environment.Validated,
	rec *history.Record, cfg map[string]interface{}, timeout time.Duration) (*runResult, error) {

	args, err := shellquote.Split(job.EntryPoint)
	if err != nil || len(args) == 0 {
		return nil, errors.Newf("invalid entry point %q", job.EntryPoint)
	}
	if !filepath.IsAbs(args[0]) && d.tasksDir != "" {
		args[0] = filepath.Join(d.tasksDir, args[0])
	}

	stdin, err := json.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode job configuration")
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, env.Interpreter, args...)
	// Orphaned grandchildren can keep the output pipes open after the
	// interpreter dies; force-close them shortly after it exits so the
	// stream readers always unblock.
	cmd.WaitDelay = time.Second
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = append(os.Environ(),
		"CRONPILOT_JOB_ID="+rec.JobID,
		"CRONPILOT_ATTEMPT_ID="+rec.AttemptID,
	)
	if d.tasksDir != "" {
		cmd.Dir = d.tasksDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stderr pipe")
	}

	d.log.Infow("Dispatching job",
		"job_id", rec.JobID,
		"attempt_id", rec.AttemptID,
		"interpreter", env.Interpreter,
		"entry_point", job.EntryPoint,
		"timeout", timeout.String())

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to spawn %s", env.Interpreter)
	}

	var wg sync.WaitGroup
	var lastJSON map[string]interface{}

	wg.Add(2)
	go func() {
		defer wg.Done()
		lastJSON = d.streamStdout(rec, stdout)
	}()
	go func() {
		defer wg.Done()
		d.streamLines(rec, stderr)
	}()

	waitErr := cmd.Wait()
	wg.Wait()

	if closeErr := d.logs.Finish(rec.JobID, rec.AttemptID); closeErr != nil {
		d.log.Warnw("Failed to close run log",
			"job_id", rec.JobID, "attempt_id", rec.AttemptID, "error", closeErr)
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, context.DeadlineExceeded
	}
	if ctx.Err() == context.Canceled {
		return nil, context.Canceled
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &runResult{mapping: lastJSON},
				errors.Newf("entry point exited with code %d", exitErr.ExitCode())
		}
		return nil, errors.Wrap(waitErr, "entry point execution failed")
	}

	return &runResult{mapping: lastJSON}, nil
}

// streamStdout forwards stdout to the run log and remembers the last line
// that parses as a JSON mapping, which is the entry point's result.
func (d *Dispatcher) streamStdout(rec *history.Record, r io.Reader) map[string]interface{} {
	var last map[string]interface{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		d.writeChunk(rec, line)

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			continue
		}
		var mapping map[string]interface{}
		if err := json.Unmarshal(trimmed, &mapping); err == nil {
			last = mapping
		}
	}
	return last
}

func (d *Dispatcher) streamLines(rec *history.Record, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		d.writeChunk(rec, scanner.Bytes())
	}
}

func (d *Dispatcher) writeChunk(rec *history.Record, line []byte) {
	chunk := append(append([]byte{}, line...), '\n')
	if err := d.logs.Write(rec.JobID, rec.AttemptID, chunk); err != nil {
		d.log.Warnw("Failed to write run log chunk",
			"job_id", rec.JobID, "attempt_id", rec.AttemptID, "error", err)
	}
}

// finalize maps the execution outcome onto the record's terminal status.
func (d *Dispatcher) finalize(rec *history.Record, result *runResult, runErr error, timeout time.Duration) {
	switch {
	case runErr == context.DeadlineExceeded:
		rec.Timeout(timeout)

	case runErr == context.Canceled:
		rec.Fail("run cancelled", nil)

	case runErr != nil:
		var mapping map[string]interface{}
		if result != nil {
			mapping = result.mapping
		}
		rec.Fail(runErr.Error(), mapping)

	case result.mapping == nil:
		rec.Fail("entry point produced no result mapping", nil)

	default:
		status, _ := result.mapping["status"].(string)
		if status == "success" {
			rec.Succeed(result.mapping)
			break
		}
		message, _ := result.mapping["message"].(string)
		if message == "" {
			message = fmt.Sprintf("entry point reported status %q", status)
		}
		rec.Fail(message, result.mapping)
	}
}
