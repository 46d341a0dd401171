// Package cancel propagates cancellation requests to running jobs and
// coordinates the cleanup that follows a failed or cancelled run.
package cancel

import (
	"fmt"
	"sync"

	"github.com/codebypatrickleung/rehost/internal/job"
)

// Signal is the cancellation flag of one job. It is set at most once.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

func newSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Cancel sets the flag. It reports whether this call set it.
func (s *Signal) Cancel() bool {
	set := false
	s.once.Do(func() {
		close(s.ch)
		set = true
	})
	return set
}

// Done is closed once cancellation has been requested.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Requested reads the flag without blocking.
func (s *Signal) Requested() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Registry maps job ids to their cancellation signals.
type Registry struct {
	mu      sync.Mutex
	signals map[string]*Signal
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{signals: make(map[string]*Signal)}
}

// Signal returns the job's signal, creating it on first use.
func (r *Registry) Signal(jobID string) *Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[jobID]
	if !ok {
		s = newSignal()
		r.signals[jobID] = s
	}
	return s
}

// Acquire registers a fresh signal for a job about to run. It fails with
// job.ErrJobActive while another run of the same id holds its signal.
func (r *Registry) Acquire(jobID string) (*Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.signals[jobID]; ok {
		return nil, fmt.Errorf("%w: %s", job.ErrJobActive, jobID)
	}
	s := newSignal()
	r.signals[jobID] = s
	return s, nil
}

// Cancel requests cancellation of a job. It reports false when the job is
// unknown to this process.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	s, ok := r.signals[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Cancel()
	return true
}

// Requested reads a job's flag without blocking.
func (r *Registry) Requested(jobID string) bool {
	r.mu.Lock()
	s, ok := r.signals[jobID]
	r.mu.Unlock()
	return ok && s.Requested()
}

// Release forgets a finished job.
func (r *Registry) Release(jobID string) {
	r.mu.Lock()
	delete(r.signals, jobID)
	r.mu.Unlock()
}

// Active lists the ids of jobs with a registered signal.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.signals))
	for id := range r.signals {
		ids = append(ids, id)
	}
	return ids
}
