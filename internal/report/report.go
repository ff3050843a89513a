// Package report renders controller notices: the status lines and final
// results a user would otherwise read on the verification page.
package report

import (
	"time"

	"go.uber.org/zap"
)

// Kind tells which part of the page a notice belongs to.
type Kind string

const (
	KindUpload Kind = "upload"
	KindStatus Kind = "status"
	KindResult Kind = "result"
)

// Level is the severity a notice is shown with.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notice is one rendered message.
type Notice struct {
	SessionID string    `json:"session_id,omitempty"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Level     Level     `json:"level"`
	At        time.Time `json:"at"`
}

// Reporter receives notices from the controller loop. Implementations must
// not block.
type Reporter interface {
	Report(Notice)
}

// Func adapts a function to Reporter.
type Func func(Notice)

// Report calls f(n).
func (f Func) Report(n Notice) { f(n) }

// Fanout delivers each notice to every reporter in order.
type Fanout []Reporter

// Report passes n to each non-nil reporter.
func (f Fanout) Report(n Notice) {
	for _, r := range f {
		if r != nil {
			r.Report(n)
		}
	}
}

// LogReporter writes notices as structured log entries.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter returns a reporter logging through logger.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger.Named("notice")}
}

// Report logs n at Info, or at Warn for LevelError notices.
func (r *LogReporter) Report(n Notice) {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.String("level", string(n.Level)),
	}
	if n.SessionID != "" {
		fields = append(fields, zap.String("session_id", n.SessionID))
	}
	if n.Level == LevelError {
		r.logger.Warn(n.Message, fields...)
		return
	}
	r.logger.Info(n.Message, fields...)
}
