// Package orchestrator implements the Request Context, the
// provider-neutral Tool Loop, and the Request Orchestrator: the
// one-turn-at-a-time engine that ties the Tool-Server Manager, Terminal
// Subsystem, Retriever, and Event Bus together.
package orchestrator

import (
	"sync"
	"sync/atomic"
)

// RequestContext is the per-turn cancellation and lifecycle object: a
// monotonic id, a cancel flag, an ordered list of cancel callbacks, the
// forced-skills slice parsed from slash prefixes, and a done signal.
// Exactly one RequestContext is "current" at a time.
type RequestContext struct {
	ID           int64
	ForcedSkills []string

	mu        sync.Mutex
	cancelled atomic.Bool
	callbacks []func()
	doneCh    chan struct{}
	doneOnce  sync.Once
}

// NewRequestContext builds a fresh, non-cancelled context.
func NewRequestContext(id int64, forcedSkills []string) *RequestContext {
	return &RequestContext{
		ID:           id,
		ForcedSkills: forcedSkills,
		doneCh:       make(chan struct{}),
	}
}

// Cancel flips the cancel flag and runs every registered callback exactly
// once, in registration order. Every subsystem that later observes the
// flag must refuse or abort work.
func (r *RequestContext) Cancel() {
	if !r.cancelled.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	callbacks := r.callbacks
	r.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
}

// Cancelled reports whether Cancel has been called.
func (r *RequestContext) Cancelled() bool {
	return r.cancelled.Load()
}

// OnCancel registers a callback to run when Cancel is invoked. If the
// context is already cancelled, the callback runs immediately.
func (r *RequestContext) OnCancel(cb func()) {
	r.mu.Lock()
	if r.cancelled.Load() {
		r.mu.Unlock()
		cb()
		return
	}
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()
}

// MarkDone closes the done signal. Safe to call multiple times.
func (r *RequestContext) MarkDone() {
	r.doneOnce.Do(func() { close(r.doneCh) })
}

// Done returns the done signal channel.
func (r *RequestContext) Done() <-chan struct{} {
	return r.doneCh
}

// IsDone reports whether MarkDone has been called.
func (r *RequestContext) IsDone() bool {
	select {
	case <-r.doneCh:
		return true
	default:
		return false
	}
}
