// Package concurrency implements the dynamic in-flight admission cap
// described in §4.5: a mutex-guarded set of in-flight request ids and an
// integer cap recomputed from a user-supplied modifier on every admission
// check.
package concurrency

import (
	"sync"

	"github.com/easeworks/gpu-worker/internal/logging"
)

// Modifier computes the next admission cap given the previous one. A nil
// Modifier behaves as the identity function, matching the Python source's
// `lambda x: x` default.
type Modifier func(prevAllowed int) int

// Limiter owns the in-flight set and the allowed cap. It is consulted
// single-threaded by the worker loop (IsAvailable) but its in-flight set is
// also read by the heartbeat loop, so GetJobs and the mutation methods are
// all mutex-guarded, per the explicit invariant in §4.5 and §5.
type Limiter struct {
	mu       sync.Mutex
	modifier Modifier
	allowed  int
	jobs     map[string]struct{}
}

// New creates a Limiter with the given modifier. A nil modifier keeps the
// cap fixed at whatever IsAvailable last computed (starting at 1).
func New(modifier Modifier) *Limiter {
	if modifier == nil {
		modifier = func(prev int) int { return prev }
	}
	return &Limiter{
		modifier: modifier,
		allowed:  1,
		jobs:     make(map[string]struct{}),
	}
}

// IsAvailable recomputes the allowed cap by invoking the modifier and
// reports whether another task can be admitted. Any panic or non-positive
// result from the modifier collapses the cap to 1, per §4.5 and §5
// Backpressure — a malformed concurrency_modifier must never widen capacity
// unpredictably.
func (l *Limiter) IsAvailable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.allowed = l.safeModify(l.allowed)
	return len(l.jobs) < l.allowed
}

func (l *Limiter) safeModify(prev int) (next int) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("concurrency modifier panicked, falling back to 1")
			next = 1
		}
	}()
	n := l.modifier(prev)
	if n <= 0 {
		logging.Error("concurrency modifier returned a non-positive value, falling back to 1")
		return 1
	}
	return n
}

// AddJob admits requestID into the in-flight set.
func (l *Limiter) AddJob(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs[requestID] = struct{}{}
	logging.Debug("add job", logging.WithRequestID(requestID))
}

// RemoveJob removes requestID from the in-flight set. Removing an absent id
// is logged, not fatal, per §4.5.
func (l *Limiter) RemoveJob(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.jobs[requestID]; !ok {
		logging.Error("attempted to remove unknown job", logging.WithRequestID(requestID))
		return
	}
	delete(l.jobs, requestID)
	logging.Debug("remove job", logging.WithRequestID(requestID))
}

// GetJobs returns a snapshot of the current in-flight request ids, stable
// only for the duration of the call, per §4.5.
func (l *Limiter) GetJobs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	jobs := make([]string, 0, len(l.jobs))
	for id := range l.jobs {
		jobs = append(jobs, id)
	}
	return jobs
}

// Len reports the current in-flight count, used by the worker loop's
// health-termination rule (§4.9 step 3).
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}
