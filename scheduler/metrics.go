package scheduler

import (
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics is a point-in-time view of engine and host load.
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`
	WorkersTotal  int     `json:"workers_total"`
	QueueDepth    int     `json:"queue_depth"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Health reports whether the engine is making progress.
type Health struct {
	Degraded      bool      `json:"degraded"`
	LastTickAt    time.Time `json:"last_tick_at"`
	Ticks         int64     `json:"ticks"`
	WorkersActive int       `json:"workers_active"`
	QueueDepth    int       `json:"queue_depth"`
}

// Metrics returns current engine and host memory load.
func (e *Engine) Metrics() SystemMetrics {
	e.mu.Lock()
	m := SystemMetrics{
		WorkersActive: e.activeWorkers,
		WorkersTotal:  e.cfg.MaxWorkers,
	}
	queue := e.queue
	e.mu.Unlock()
	if queue != nil {
		m.QueueDepth = len(queue)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		const gb = 1024 * 1024 * 1024
		m.MemoryUsedGB = float64(v.Used) / gb
		m.MemoryTotalGB = float64(v.Total) / gb
		m.MemoryPercent = v.UsedPercent
	}
	return m
}

// Health returns the engine's progress indicators.
func (e *Engine) Health() Health {
	e.mu.Lock()
	h := Health{
		Degraded:      e.degraded,
		LastTickAt:    e.lastTickAt,
		Ticks:         e.ticks,
		WorkersActive: e.activeWorkers,
	}
	queue := e.queue
	e.mu.Unlock()
	if queue != nil {
		h.QueueDepth = len(queue)
	}
	return h
}

// logActivity logs worker load, but only when it changed since the last
// tick to keep the log quiet on an idle scheduler.
func (e *Engine) logActivity() {
	e.mu.Lock()
	active := e.activeWorkers + len(e.queue)
	changed := active != e.lastActiveSeen
	e.lastActiveSeen = active
	e.mu.Unlock()

	if !changed {
		return
	}

	m := e.Metrics()
	e.log.Infow("Scheduler activity",
		"workers_active", m.WorkersActive,
		"workers_total", m.WorkersTotal,
		"queue_depth", m.QueueDepth,
		"memory_used_gb", m.MemoryUsedGB,
		"memory_percent", m.MemoryPercent)
}
