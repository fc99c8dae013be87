// Package memory holds an in-memory audit log for tests and dev runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/doored/doored/internal/doored/audit"
)

type Recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func New() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(_ context.Context, ev audit.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of all recorded events. Test-only helper.
func (r *Recorder) Events() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Event, len(r.events))
	copy(out, r.events)
	return out
}
