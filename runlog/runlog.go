// Package runlog captures the output streams of job executions. The
// dispatcher streams chunks through the Logger interface and stores only the
// returned reference in the run record; the bytes live here.
package runlog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cronpilot/cronpilot/errors"
)

// Logger receives captured output chunks for a run attempt.
type Logger interface {
	// Write appends a chunk of captured output for the attempt.
	Write(jobID, attemptID string, chunk []byte) error

	// Ref returns the stable reference stored in the run record for the
	// attempt's output.
	Ref(jobID, attemptID string) string

	// Finish releases any resources held for the attempt.
	Finish(jobID, attemptID string) error
}

// FileLogger writes one log file per attempt under a base directory.
type FileLogger struct {
	dir string
	log *zap.SugaredLogger

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFileLogger creates a file-backed run logger rooted at dir.
func NewFileLogger(dir string, log *zap.SugaredLogger) (*FileLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create run log directory %s", dir)
	}
	return &FileLogger{
		dir:   dir,
		log:   log,
		files: make(map[string]*os.File),
	}, nil
}

func (l *FileLogger) Write(jobID, attemptID string, chunk []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := jobID + "/" + attemptID
	f, ok := l.files[key]
	if !ok {
		var err error
		f, err = os.OpenFile(l.path(jobID, attemptID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrapf(err, "failed to open run log for %s", key)
		}
		l.files[key] = f
	}

	if _, err := f.Write(chunk); err != nil {
		return errors.Wrapf(err, "failed to write run log for %s", key)
	}
	return nil
}

func (l *FileLogger) Ref(jobID, attemptID string) string {
	return l.path(jobID, attemptID)
}

func (l *FileLogger) Finish(jobID, attemptID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := jobID + "/" + attemptID
	f, ok := l.files[key]
	if !ok {
		return nil
	}
	delete(l.files, key)
	return f.Close()
}

// Read returns the captured output for an attempt, the last maxLines lines
// when maxLines is positive.
func (l *FileLogger) Read(jobID, attemptID string, maxLines int) (string, error) {
	data, err := os.ReadFile(l.path(jobID, attemptID))
	if err != nil {
		return "", errors.Wrapf(err, "failed to read run log for %s/%s", jobID, attemptID)
	}
	if maxLines <= 0 {
		return string(data), nil
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// Prune deletes log files older than the retention cutoff and returns how
// many were removed.
func (l *FileLogger) Prune(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read run log directory %s", l.dir)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, entry.Name())); err != nil {
			l.log.Warnw("Failed to prune run log", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		l.log.Infow("Pruned expired run logs", "count", removed)
	}
	return removed, nil
}

func (l *FileLogger) path(jobID, attemptID string) string {
	return filepath.Join(l.dir, jobID+"_"+attemptID+".log")
}

// ZapLogger forwards captured output to the process logger. Used when no
// durable log storage is configured.
type ZapLogger struct {
	log *zap.SugaredLogger
}

// NewZapLogger creates a run logger that writes chunks to the process log.
func NewZapLogger(log *zap.SugaredLogger) *ZapLogger {
	return &ZapLogger{log: log}
}

func (l *ZapLogger) Write(jobID, attemptID string, chunk []byte) error {
	l.log.Infow("Job output",
		"job_id", jobID,
		"attempt_id", attemptID,
		"output", strings.TrimRight(string(chunk), "\n"))
	return nil
}

func (l *ZapLogger) Ref(jobID, attemptID string) string {
	return "log:" + jobID + "/" + attemptID
}

func (l *ZapLogger) Finish(jobID, attemptID string) error {
	return nil
}
