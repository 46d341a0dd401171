// Package upload moves captured volume images to object storage with one
// worker per volume.
package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
	"github.com/codebypatrickleung/rehost/internal/metrics"
)

// Uploader stores one volume and returns the pre-signed manifest URL.
type Uploader interface {
	UploadVolume(ctx context.Context, j *job.MigrationJob, v *job.Volume) (string, error)
}

// Manager starts upload batches.
type Manager struct {
	uploader     Uploader
	log          *logger.Logger
	metrics      *metrics.Collector
	pollInterval time.Duration
}

// NewManager creates an upload Manager polling worker status at pollInterval.
func NewManager(u Uploader, log *logger.Logger, m *metrics.Collector, pollInterval time.Duration) *Manager {
	return &Manager{uploader: u, log: log, metrics: m, pollInterval: pollInterval}
}

// Task is the per-volume upload state consulted by the orchestrator.
type Task struct {
	Volume *job.Volume

	mu   sync.Mutex
	done bool
	err  error
}

// Done reports whether the worker has finished, successfully or not.
func (t *Task) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Err returns the worker error, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Batch is one upload phase. Workers are independent: a failing worker does
// not stop its siblings.
type Batch struct {
	tasks        []*Task
	errs         chan error
	group        errgroup.Group
	pollInterval time.Duration
	log          *logger.Logger

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	finished chan struct{}
}

// Start launches one worker per volume of j.
func (m *Manager) Start(ctx context.Context, j *job.MigrationJob) *Batch {
	b := &Batch{
		errs:         make(chan error, len(j.Volumes)),
		pollInterval: m.pollInterval,
		log:          m.log,
		cancels:      make(map[string]context.CancelFunc, len(j.Volumes)),
		finished:     make(chan struct{}),
	}
	m.metrics.SetActiveUploads(len(j.Volumes))
	for _, v := range j.Volumes {
		task := &Task{Volume: v}
		b.tasks = append(b.tasks, task)
		wctx, cancel := context.WithCancel(ctx)
		b.cancels[v.Name] = cancel
		b.group.Go(func() error {
			defer cancel()
			return m.work(wctx, j, task, b.errs)
		})
	}
	go func() {
		_ = b.group.Wait()
		m.metrics.SetActiveUploads(0)
		close(b.finished)
	}()
	return b
}

func (m *Manager) work(ctx context.Context, j *job.MigrationJob, task *Task, errs chan<- error) error {
	v := task.Volume
	m.log.Infof("Uploading volume %s (%s)", v.Name, v.Path)
	url, err := m.uploader.UploadVolume(ctx, j, v)
	if err != nil {
		err = fmt.Errorf("upload of volume %s failed: %w", v.Name, err)
		m.metrics.IncUploadFailure()
		errs <- err
	} else {
		v.SetManifestURL(url)
		m.metrics.AddUploadedBytes(v.SizeBytes())
		m.log.Successf("✓ Volume %s uploaded", v.Name)
	}
	task.mu.Lock()
	task.err = err
	task.done = true
	task.mu.Unlock()
	return err
}

// Tasks returns the per-volume tasks.
func (b *Batch) Tasks() []*Task {
	return b.tasks
}

func (b *Batch) allDone() bool {
	for _, t := range b.tasks {
		if !t.Done() {
			return false
		}
	}
	return true
}

func (b *Batch) firstError() error {
	select {
	case err := <-b.errs:
		return err
	default:
		return nil
	}
}

// Wait polls worker status until every worker succeeded, one failed, or the
// job is cancelled. It returns the first observed worker error without
// waiting for the remaining workers.
func (b *Batch) Wait(ctx context.Context, cancel <-chan struct{}) error {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		if err := b.firstError(); err != nil {
			return err
		}
		if b.allDone() {
			// a worker publishes its error before marking itself done
			return b.firstError()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cancel:
			return job.ErrCancelled
		case <-ticker.C:
		}
	}
}

// Live reports whether any worker is still running.
func (b *Batch) Live() bool {
	select {
	case <-b.finished:
		return false
	default:
		return true
	}
}

// Interrupt cancels every live worker and waits up to timeout for them to exit.
func (b *Batch) Interrupt(timeout time.Duration) error {
	b.mu.Lock()
	for name, cancel := range b.cancels {
		b.log.Debugf("Interrupting upload of volume %s", name)
		cancel()
	}
	b.mu.Unlock()
	select {
	case <-b.finished:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("upload workers did not stop within %v", timeout)
	}
}
