// Package notify informs external collaborators of terminal run outcomes.
// The engine calls OnTerminal exactly once per completed attempt; transport
// (email, webhooks) belongs to the implementations, not the engine.
package notify

import (
	"go.uber.org/zap"

	"github.com/cronpilot/cronpilot/history"
)

// Notifier receives each run attempt's terminal record.
type Notifier interface {
	OnTerminal(rec *history.Record)
}

// LogNotifier reports terminal outcomes through the process logger.
type LogNotifier struct {
	log *zap.SugaredLogger
}

// NewLogNotifier creates a notifier that logs terminal outcomes.
func NewLogNotifier(log *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) OnTerminal(rec *history.Record) {
	fields := []interface{}{
		"job_id", rec.JobID,
		"attempt_id", rec.AttemptID,
		"status", rec.Status,
		"duration", rec.Duration().String(),
	}
	switch rec.Status {
	case history.StatusSuccess:
		n.log.Infow("Run completed", fields...)
	default:
		n.log.Warnw("Run completed", append(fields, "error", rec.ErrorMessage)...)
	}
}

// Multi fans a terminal record out to several notifiers.
type Multi []Notifier

func (m Multi) OnTerminal(rec *history.Record) {
	for _, n := range m {
		n.OnTerminal(rec)
	}
}
