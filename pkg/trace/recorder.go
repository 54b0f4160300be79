// Package trace records the append-only event sequence of one execution
// instance and exposes it as a live, restartable stream. Events are appended
// in task completion order; the recorder never drops or duplicates an event
// for any subscriber, whether it attached before or after completion.
package trace

import (
	"context"
	"sync"

	"github.com/nnennaai/nai/pkg/domain"
)

// Recorder accumulates TraceEvents for the lifetime of one execution
// instance. Safe for concurrent append and subscription.
type Recorder struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []domain.TraceEvent
	closed bool
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	r := &Recorder{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Append adds one event to the sequence and wakes subscribers. Appending
// after Close is a programming error and is ignored rather than reordered.
func (r *Recorder) Append(ev domain.TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.events = append(r.events, ev)
	r.cond.Broadcast()
}

// Close marks the sequence finite. Subscribers drain the remaining events
// and their channels close.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
}

// Len returns the number of events recorded so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Snapshot returns a copy of the events recorded so far, in completion order.
func (r *Recorder) Snapshot() []domain.TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TraceEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Subscribe returns a channel that replays every event from the beginning of
// the sequence and then follows new events as they are appended. The channel
// closes when the recorder closes and the subscriber has seen every event,
// or when ctx is cancelled. A subscriber attaching after Close simply
// receives the full finite sequence.
func (r *Recorder) Subscribe(ctx context.Context) <-chan domain.TraceEvent {
	ch := make(chan domain.TraceEvent)

	// Wake the wait loop when the context ends; Cond has no native
	// cancellation.
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})

	go func() {
		defer close(ch)
		defer stop()

		next := 0
		for {
			r.mu.Lock()
			for next >= len(r.events) && !r.closed && ctx.Err() == nil {
				r.cond.Wait()
			}
			if ctx.Err() != nil || (r.closed && next >= len(r.events)) {
				r.mu.Unlock()
				return
			}
			ev := r.events[next]
			next++
			r.mu.Unlock()

			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}
