package logx

import (
	"fmt"
	"sync"
	"time"
)

// PerformanceLogger tracks timing of driver requests (CSA, CAC trigger,
// survey dumps) and logs the slow or failing ones.
type PerformanceLogger struct {
	logger    *Logger
	slow      time.Duration
	metrics   map[string]*PerformanceMetric
	metricsMu sync.RWMutex
	now       func() time.Time
}

// PerformanceMetric is the accumulated timing of one named operation.
type PerformanceMetric struct {
	Name          string        `json:"name"`
	Count         int64         `json:"count"`
	ErrorCount    int64         `json:"error_count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastExecuted  time.Time     `json:"last_executed"`
}

// AvgDuration returns the mean duration of the operation.
func (m PerformanceMetric) AvgDuration() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.Count)
}

// SuccessRate returns the percentage of operations that did not fail.
func (m PerformanceMetric) SuccessRate() float64 {
	if m.Count == 0 {
		return 100
	}
	return float64(m.Count-m.ErrorCount) / float64(m.Count) * 100
}

// Operation is an in-flight timed operation.
type Operation struct {
	name  string
	start time.Time
	pl    *PerformanceLogger
}

// NewPerformanceLogger creates a tracker that logs operations slower than slow.
func NewPerformanceLogger(logger *Logger, slow time.Duration) *PerformanceLogger {
	if slow <= 0 {
		slow = 500 * time.Millisecond
	}
	return &PerformanceLogger{
		logger:  logger,
		slow:    slow,
		metrics: make(map[string]*PerformanceMetric),
		now:     time.Now,
	}
}

// StartOperation starts timing the named operation.
func (pl *PerformanceLogger) StartOperation(name string) *Operation {
	return &Operation{name: name, start: pl.now(), pl: pl}
}

// Complete records the outcome of the operation.
func (op *Operation) Complete(err error) {
	pl := op.pl
	end := pl.now()
	d := end.Sub(op.start)

	pl.metricsMu.Lock()
	m, ok := pl.metrics[op.name]
	if !ok {
		m = &PerformanceMetric{Name: op.name, MinDuration: d}
		pl.metrics[op.name] = m
	}
	m.Count++
	m.TotalDuration += d
	m.LastExecuted = end
	if d < m.MinDuration {
		m.MinDuration = d
	}
	if d > m.MaxDuration {
		m.MaxDuration = d
	}
	if err != nil {
		m.ErrorCount++
	}
	rate := m.SuccessRate()
	pl.metricsMu.Unlock()

	switch {
	case err != nil:
		pl.logger.Warn("Driver operation failed",
			"operation", op.name,
			"duration", d.String(),
			"error", err,
			"success_rate", fmt.Sprintf("%.1f%%", rate),
		)
	case d > pl.slow:
		pl.logger.Info("Slow driver operation",
			"operation", op.name,
			"duration", d.String(),
			"threshold", pl.slow.String(),
		)
	}
}

// GetMetric returns a copy of the named metric, or nil.
func (pl *PerformanceLogger) GetMetric(name string) *PerformanceMetric {
	pl.metricsMu.RLock()
	defer pl.metricsMu.RUnlock()

	m, ok := pl.metrics[name]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// LogMetrics writes a summary line per tracked operation.
func (pl *PerformanceLogger) LogMetrics() {
	pl.metricsMu.RLock()
	defer pl.metricsMu.RUnlock()

	for name, m := range pl.metrics {
		pl.logger.Info("Driver operation summary",
			"operation", name,
			"count", m.Count,
			"avg_duration", m.AvgDuration().String(),
			"max_duration", m.MaxDuration.String(),
			"errors", m.ErrorCount,
		)
	}
}
