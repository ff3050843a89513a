package report

import (
	"fmt"
	"io"
	"sync"
)

// Writer prints notices as plain lines, for terminals.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
	// Before runs ahead of every write; the CLI uses it to clear its spinner.
	Before func()
}

// NewWriter returns a Writer printing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Report prints n as "15:04:05 [kind] message". Errors are prefixed with
// "! " and successes with "+ ".
func (r *Writer) Report(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Before != nil {
		r.Before()
	}
	prefix := ""
	switch n.Level {
	case LevelError:
		prefix = "! "
	case LevelSuccess:
		prefix = "+ "
	}
	fmt.Fprintf(r.w, "%s [%s] %s%s\n", n.At.Format("15:04:05"), n.Kind, prefix, n.Message)
}
