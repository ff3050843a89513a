package session

import (
	"sync"
	"time"
)

// MetricsSummary aggregates the sessions ended by a controller.
type MetricsSummary struct {
	TotalSessions     int64   `json:"total_sessions"`
	VerifiedSessions  int64   `json:"verified_sessions"`
	ClientTimeouts    int64   `json:"client_timeouts"`
	SuccessRate       float64 `json:"success_rate"`
	AverageFrames     float64 `json:"average_frames"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}

type metrics struct {
	mu       sync.Mutex
	total    int64
	verified int64
	timeouts int64
	frames   int64
	duration time.Duration
}

func (m *metrics) record(outcome Outcome, message string, frames int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	if outcome == OutcomeSuccess {
		m.verified++
	}
	if message == MsgClientTimeout {
		m.timeouts++
	}
	m.frames += int64(frames)
	m.duration += d
}

func (m *metrics) summary() MetricsSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := MetricsSummary{
		TotalSessions:    m.total,
		VerifiedSessions: m.verified,
		ClientTimeouts:   m.timeouts,
	}
	if m.total > 0 {
		summary.SuccessRate = float64(m.verified) / float64(m.total)
		summary.AverageFrames = float64(m.frames) / float64(m.total)
		summary.AverageDurationMs = float64(m.duration.Milliseconds()) / float64(m.total)
	}
	return summary
}

// Metrics summarises every session ended so far.
func (c *Controller) Metrics() MetricsSummary {
	return c.metrics.summary()
}
