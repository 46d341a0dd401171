package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codebypatrickleung/rehost/internal/cancel"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
	"github.com/codebypatrickleung/rehost/internal/metrics"
)

// StatusSink durably records phase transitions for external observers.
type StatusSink interface {
	UpdateStatus(ctx context.Context, jobID string, phase job.Phase, message string) error
}

// Tracker moves a job forward through its pipeline. Every transition is
// persisted before the job aggregate reflects it.
type Tracker struct {
	job      *job.MigrationJob
	pipeline job.Pipeline
	sink     StatusSink
	signal   *cancel.Signal
	metrics  *metrics.Collector
	log      *logger.Logger

	mu        sync.Mutex
	since     time.Time
	committed bool
	onCommit  []func()
}

// NewTracker creates the tracker of one run. sink and signal may be nil.
func NewTracker(j *job.MigrationJob, pipeline job.Pipeline, sink StatusSink, signal *cancel.Signal, m *metrics.Collector, log *logger.Logger) *Tracker {
	return &Tracker{
		job:      j,
		pipeline: pipeline,
		sink:     sink,
		signal:   signal,
		metrics:  m,
		log:      log,
		since:    time.Now(),
	}
}

// OnCommit registers fn to run once the final instance is being created.
func (t *Tracker) OnCommit(fn func()) {
	t.mu.Lock()
	t.onCommit = append(t.onCommit, fn)
	t.mu.Unlock()
}

// Committed reports whether the run has passed CREATING_INSTANCE, after
// which cancellation requests are ignored.
func (t *Tracker) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// CheckCancellation returns job.ErrCancelled when a cancellation request is
// outstanding. It never blocks.
func (t *Tracker) CheckCancellation() error {
	if t.signal == nil || t.Committed() {
		return nil
	}
	if t.signal.Requested() {
		return job.ErrCancelled
	}
	return nil
}

// Advance checks for cancellation, then records phase. Re-recording the
// current phase is a no-op and moving backwards is an error.
func (t *Tracker) Advance(ctx context.Context, phase job.Phase) error {
	if err := t.CheckCancellation(); err != nil {
		return err
	}

	t.mu.Lock()
	current := t.job.Status()
	next := t.pipeline.Index(phase)
	if next < 0 {
		t.mu.Unlock()
		return fmt.Errorf("phase %s is not part of the %s pipeline", phase, t.job.Strategy)
	}
	if current != "" {
		prev := t.pipeline.Index(current)
		if prev == next {
			t.mu.Unlock()
			return nil
		}
		if prev > next || current.IsTerminal() {
			t.mu.Unlock()
			return fmt.Errorf("refusing phase regression from %s to %s", current, phase)
		}
	}
	t.mu.Unlock()

	if err := t.persist(ctx, phase, ""); err != nil {
		return err
	}

	t.mu.Lock()
	spent := time.Since(t.since)
	t.since = time.Now()
	var hooks []func()
	if phase == job.PhaseCreatingInstance && !t.committed {
		t.committed = true
		hooks = t.onCommit
	}
	t.mu.Unlock()

	t.job.SetStatus(phase)
	t.metrics.ObserveTransition(string(t.job.Strategy), string(current), string(phase), spent)
	t.log.Infof("Phase %s", phase)
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Finish records the terminal exit for a failed or cancelled run and
// returns it. A nil err leaves the status untouched.
func (t *Tracker) Finish(ctx context.Context, err error) job.Phase {
	if err == nil {
		return t.job.Status()
	}
	phase := job.PhaseFailed
	if job.IsCancelled(err) {
		phase = job.PhaseCancelled
	}
	previous := t.job.Status()
	if perr := t.persist(context.WithoutCancel(ctx), phase, err.Error()); perr != nil {
		t.log.Warningf("Failed to record %s: %v", phase, perr)
	}
	t.job.SetStatus(phase)
	t.mu.Lock()
	spent := time.Since(t.since)
	t.mu.Unlock()
	t.metrics.ObserveTransition(string(t.job.Strategy), string(previous), string(phase), spent)
	return phase
}

func (t *Tracker) persist(ctx context.Context, phase job.Phase, message string) error {
	if t.sink == nil {
		return nil
	}
	if err := t.sink.UpdateStatus(ctx, t.job.ID, phase, message); err != nil {
		return fmt.Errorf("failed to record phase %s: %w", phase, err)
	}
	return nil
}
