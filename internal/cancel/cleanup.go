package cancel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
	"github.com/codebypatrickleung/rehost/internal/metrics"
)

// CaptureAborter terminates a raw-file capture still running on the source host.
type CaptureAborter interface {
	Abort(ctx context.Context, j *job.MigrationJob) error
}

// UploadBatch is the live upload phase, if any.
type UploadBatch interface {
	Live() bool
	Interrupt(timeout time.Duration) error
}

// ConversionCanceller is the provider surface cleanup needs.
type ConversionCanceller interface {
	CancelConversionTask(ctx context.Context, taskID string) error
	DeleteObjects(ctx context.Context, prefix string) error
}

// Options control what cleanup keeps. WorkDir is only removed when it lies
// strictly inside WorkRoot.
type Options struct {
	WorkRoot           string
	WorkDir            string
	KeepDirectory      bool
	KeepBucketContents bool
	InterruptTimeout   time.Duration
	Timeout            time.Duration
}

// Coordinator runs the cleanup of one job exactly once.
type Coordinator struct {
	job      *job.MigrationJob
	capture  CaptureAborter
	provider ConversionCanceller
	opts     Options
	log      *logger.Logger
	metrics  *metrics.Collector

	mu             sync.Mutex
	captureRunning bool
	uploads        UploadBatch
	cancelled      map[string]bool

	once sync.Once
	err  error
}

// NewCoordinator creates the cleanup coordinator of j.
func NewCoordinator(j *job.MigrationJob, capture CaptureAborter, provider ConversionCanceller, opts Options, log *logger.Logger, m *metrics.Collector) *Coordinator {
	if opts.InterruptTimeout == 0 {
		opts.InterruptTimeout = 30 * time.Second
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Coordinator{
		job:       j,
		capture:   capture,
		provider:  provider,
		opts:      opts,
		log:       log,
		metrics:   m,
		cancelled: make(map[string]bool),
	}
}

// SetCaptureRunning records whether raw-file creation is in progress.
func (c *Coordinator) SetCaptureRunning(running bool) {
	c.mu.Lock()
	c.captureRunning = running
	c.mu.Unlock()
}

// SetUploads records the live upload batch.
func (c *Coordinator) SetUploads(b UploadBatch) {
	c.mu.Lock()
	c.uploads = b
	c.mu.Unlock()
}

// CancelConversions issues a best-effort cancel for every known conversion
// task that was not cancelled already. Failures are logged and returned
// joined; callers must not let them replace the original error.
func (c *Coordinator) CancelConversions(ctx context.Context) error {
	var errs []error
	for _, v := range c.job.Volumes {
		id := v.TaskID()
		if id == "" {
			continue
		}
		c.mu.Lock()
		done := c.cancelled[id]
		c.cancelled[id] = true
		c.mu.Unlock()
		if done {
			continue
		}
		c.log.Infof("Cancelling conversion task %s of volume %s", id, v.Name)
		c.metrics.IncConversionCancel()
		if err := c.provider.CancelConversionTask(ctx, id); err != nil {
			c.log.Warningf("Failed to cancel conversion task %s: %v", id, err)
			errs = append(errs, fmt.Errorf("cancel conversion task %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Cleanup runs once per job. With a non-nil cause it aborts the remote
// capture, interrupts uploads and cancels conversion tasks; it always
// removes the local working directory and the job's bucket folder unless
// configured to keep them. Sub-errors are logged and returned joined.
func (c *Coordinator) Cleanup(ctx context.Context, cause error) error {
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
		defer cancel()
		c.err = c.run(ctx, cause)
		if c.err != nil {
			c.log.Warningf("Cleanup finished with errors: %v", c.err)
		}
	})
	return c.err
}

func (c *Coordinator) run(ctx context.Context, cause error) error {
	var errs []error
	if cause != nil {
		c.mu.Lock()
		capturing, uploads := c.captureRunning, c.uploads
		c.mu.Unlock()

		if capturing && c.capture != nil {
			c.log.Info("Terminating raw-file capture on the source host")
			if err := c.capture.Abort(ctx, c.job); err != nil {
				errs = append(errs, fmt.Errorf("abort capture: %w", err))
			} else {
				c.SetCaptureRunning(false)
			}
		}
		if uploads != nil && uploads.Live() {
			c.log.Info("Interrupting upload workers")
			if err := uploads.Interrupt(c.opts.InterruptTimeout); err != nil {
				errs = append(errs, fmt.Errorf("interrupt uploads: %w", err))
			}
		}
		if err := c.CancelConversions(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if c.opts.WorkDir != "" {
		if c.opts.KeepDirectory {
			c.log.Infof("Keeping working directory %s", c.opts.WorkDir)
		} else if !within(c.opts.WorkRoot, c.opts.WorkDir) {
			errs = append(errs, fmt.Errorf("refusing to remove %s: not inside work root %q", c.opts.WorkDir, c.opts.WorkRoot))
		} else if err := os.RemoveAll(c.opts.WorkDir); err != nil {
			errs = append(errs, fmt.Errorf("remove working directory: %w", err))
		} else {
			c.log.Debugf("Removed working directory %s", c.opts.WorkDir)
		}
	}
	if c.opts.KeepBucketContents {
		c.log.Infof("Keeping bucket folder %s", c.job.Folder())
	} else if !job.ValidID(c.job.ID) {
		errs = append(errs, fmt.Errorf("refusing to delete bucket folder of job id %q", c.job.ID))
	} else if c.provider != nil {
		if err := c.provider.DeleteObjects(ctx, c.job.Folder()+"/"); err != nil {
			errs = append(errs, fmt.Errorf("delete bucket folder: %w", err))
		}
	}
	return errors.Join(errs...)
}

func within(root, dir string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(dir))
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
