// Package fanouttest provides a publisher that collects events instead of distributing them.
package fanouttest

import (
	"context"
	"sync"

	"github.com/jason-s-yu/bingo/internal/fanout"
)

// Recorder implements fanout.Publisher by remembering every event.
type Recorder struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (r *Recorder) Publish(_ context.Context, ev fanout.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []fanout.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fanout.Event(nil), r.events...)
}

// Count returns how many events of typ were published.
func (r *Recorder) Count(typ fanout.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// Last returns the most recent event of typ, or nil.
func (r *Recorder) Last(typ fanout.EventType) *fanout.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			ev := r.events[i]
			return &ev
		}
	}
	return nil
}

// Clear forgets every recorded event.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
