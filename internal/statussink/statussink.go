// Package statussink implements the optional write-only lifecycle stream
// master emits observation lines to. It is pure observation: nothing in
// master's control flow depends on whether a sink is configured or on it
// succeeding.
package statussink

import (
	"fmt"
	"io"
	"sync"
)

// Sink writes machine-readable lifecycle records to an underlying writer.
// A nil *Sink is valid and every method on it is a no-op, so callers never
// need to guard on "is a sink configured".
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

// New wraps w. A nil w produces a Sink whose writes are silently dropped.
func New(w io.Writer) *Sink {
	return &Sink{w: w}
}

// Listener emits a listener lifecycle line. status is one of
// "start", "ready", "stop".
func (s *Sink) Listener(pid int, status string) {
	s.write("listener", pid, status)
}

// Worker emits a worker lifecycle line. status is one of "start", "stop".
func (s *Sink) Worker(pid int, status string) {
	s.write("worker", pid, status)
}

func (s *Sink) write(kind string, pid int, status string) {
	if s == nil || s.w == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%s,%d,%s\n", kind, pid, status)
}
