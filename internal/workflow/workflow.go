// Package workflow orchestrates rehost and replatform migrations.
package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/codebypatrickleung/rehost/internal/cancel"
	"github.com/codebypatrickleung/rehost/internal/capture"
	"github.com/codebypatrickleung/rehost/internal/cloud"
	"github.com/codebypatrickleung/rehost/internal/config"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
	"github.com/codebypatrickleung/rehost/internal/metrics"
	"github.com/codebypatrickleung/rehost/internal/poller"
	"github.com/codebypatrickleung/rehost/internal/status"
)

// Run is everything a handler needs to drive one job.
type Run struct {
	Job      *job.MigrationJob
	Config   *config.Config
	Provider cloud.Provider
	Capturer capture.Capturer
	Tracker  *Tracker
	Poller   *poller.Poller
	Cleanup  *cancel.Coordinator
	Signal   *cancel.Signal
	Metrics  *metrics.Collector
	Log      *logger.Logger

	// set by replatform validation
	image      *cloud.ImageInfo
	mapping    []job.BlockDevice
	suppressed []string
}

// Advance records the next phase of the run.
func (r *Run) Advance(ctx context.Context, phase job.Phase) error {
	return r.Tracker.Advance(ctx, phase)
}

// cancelContext returns a context that ends when the job is cancelled.
func (r *Run) cancelContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := context.WithCancel(ctx)
	go func() {
		select {
		case <-r.Signal.Done():
			stop()
		case <-ctx.Done():
		}
	}()
	return ctx, stop
}

// interrupted maps an error caused by a cancellation request to ErrCancelled.
func (r *Run) interrupted(err error) error {
	if err != nil && r.Signal.Requested() && !r.Tracker.Committed() && !job.IsCancelled(err) {
		return fmt.Errorf("%w: %v", job.ErrCancelled, err)
	}
	return err
}

// Manager orchestrates migrations by delegating each job to the handler of
// its strategy.
type Manager struct {
	config    *config.Config
	logger    *logger.Logger
	registry  *Registry
	store     status.Store
	cancels   *cancel.Registry
	metrics   *metrics.Collector
	providers ProviderFactory
	capturers CapturerFactory
	version   string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithStore persists transitions and watches the durable cancel flag.
func WithStore(s status.Store) Option { return func(m *Manager) { m.store = s } }

// WithCancelRegistry shares the in-process cancellation registry.
func WithCancelRegistry(r *cancel.Registry) Option { return func(m *Manager) { m.cancels = r } }

// WithMetrics records run metrics.
func WithMetrics(c *metrics.Collector) Option { return func(m *Manager) { m.metrics = c } }

// WithProviderFactory replaces the provider construction.
func WithProviderFactory(f ProviderFactory) Option { return func(m *Manager) { m.providers = f } }

// WithCapturerFactory replaces the capturer construction.
func WithCapturerFactory(f CapturerFactory) Option { return func(m *Manager) { m.capturers = f } }

// WithHandlers replaces the built-in handlers.
func WithHandlers(handlers ...Handler) Option {
	return func(m *Manager) {
		m.registry = NewRegistry()
		for _, h := range handlers {
			if err := m.registry.Register(h); err != nil {
				m.logger.Warningf("Skipping handler %s: %v", h.Name(), err)
			}
		}
	}
}

// NewManager creates a new workflow manager.
func NewManager(cfg *config.Config, log *logger.Logger, version string, opts ...Option) (*Manager, error) {
	m := &Manager{
		config:    cfg,
		logger:    log,
		cancels:   cancel.NewRegistry(),
		providers: NewProvider,
		capturers: NewCapturer,
		version:   version,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.registry == nil {
		m.registry = NewRegistry()
		if err := m.registry.Register(NewRehostHandler()); err != nil {
			return nil, fmt.Errorf("failed to register rehost handler: %w", err)
		}
		if err := m.registry.Register(NewReplatformHandler()); err != nil {
			return nil, fmt.Errorf("failed to register replatform handler: %w", err)
		}
	}

	for _, h := range m.registry.List() {
		if err := h.Initialize(cfg, log); err != nil {
			return nil, fmt.Errorf("failed to initialize workflow handler %s: %w", h.Name(), err)
		}
	}
	return m, nil
}

// Cancels returns the cancellation registry of running jobs.
func (m *Manager) Cancels() *cancel.Registry {
	return m.cancels
}

// Submit admits j and starts it in the background. Validation failures and
// a job id that is already running are reported synchronously.
func (m *Manager) Submit(ctx context.Context, j *job.MigrationJob) error {
	log := m.jobLogger(j)
	a, err := m.admit(ctx, j, log)
	if err != nil {
		return err
	}
	go func() {
		_ = m.execute(context.WithoutCancel(ctx), j, a, log)
	}()
	return nil
}

// Run executes the complete migration of j and returns once the job is
// terminal and cleanup has finished.
func (m *Manager) Run(ctx context.Context, j *job.MigrationJob) error {
	log := m.jobLogger(j)

	log.Info("=========================================")
	log.Infof("Rehost - Migration Orchestrator v%s", m.version)
	log.Info("=========================================")
	log.Infof("Job: %s", j.ID)
	log.Infof("Strategy: %s", j.Strategy)
	log.Infof("Provider: %s", j.Provider)
	log.Info("=========================================")

	a, err := m.admit(ctx, j, log)
	if err != nil {
		log.Errorf("Workflow failed: %v", err)
		return err
	}
	return m.execute(ctx, j, a, log)
}

func (m *Manager) jobLogger(j *job.MigrationJob) *logger.Logger {
	return m.logger.With("job_id", j.ID).WithSecrets(j.Credentials.Secrets()...)
}

// admission is a job that passed validation and owns its id.
type admission struct {
	handler  Handler
	pipeline job.Pipeline
	signal   *cancel.Signal
}

// admit validates j and claims its id in the cancellation registry and the
// status store. A second run of an id that is still active is refused with
// job.ErrJobActive. A job rejected by validation is recorded as FAILED.
func (m *Manager) admit(ctx context.Context, j *job.MigrationJob, log *logger.Logger) (*admission, error) {
	if err := j.Validate(); err != nil {
		m.reject(ctx, j, err, log)
		return nil, err
	}
	handler, err := m.registry.Get(j.Strategy)
	if err != nil {
		m.reject(ctx, j, err, log)
		return nil, err
	}
	pipeline, err := job.PipelineFor(j.Strategy)
	if err != nil {
		return nil, err
	}

	signal, err := m.cancels.Acquire(j.ID)
	if err != nil {
		return nil, err
	}
	if m.store != nil {
		if err := m.store.Register(ctx, j.ID, string(j.Strategy)); err != nil {
			m.cancels.Release(j.ID)
			return nil, fmt.Errorf("failed to register job: %w", err)
		}
	}
	return &admission{handler: handler, pipeline: pipeline, signal: signal}, nil
}

// reject records a job that never started as FAILED. Unsafe ids are not
// recorded and the store refuses ids held by a live run.
func (m *Manager) reject(ctx context.Context, j *job.MigrationJob, cause error, log *logger.Logger) {
	j.SetStatus(job.PhaseFailed)
	if m.store == nil || !job.ValidID(j.ID) {
		return
	}
	if err := m.store.Register(ctx, j.ID, string(j.Strategy)); err != nil {
		log.Warningf("Failed to record rejected job: %v", err)
		return
	}
	if err := m.store.UpdateStatus(ctx, j.ID, job.PhaseFailed, cause.Error()); err != nil {
		log.Warningf("Failed to record rejected job: %v", err)
	}
}

func (m *Manager) execute(ctx context.Context, j *job.MigrationJob, a *admission, log *logger.Logger) error {
	defer m.cancels.Release(j.ID)
	if m.store != nil {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go status.WatchCancellation(watchCtx, m.store, j.ID, m.cancels, m.config.CancelWatchInterval, log)
	}

	var sink StatusSink
	if m.store != nil {
		sink = m.store
	}
	tracker := NewTracker(j, a.pipeline, sink, a.signal, m.metrics, log)

	m.metrics.JobStarted()
	err := m.run(ctx, a.handler, j, tracker, a.signal, log)
	phase := tracker.Finish(ctx, err)
	m.metrics.JobFinished(string(j.Strategy), strings.ToLower(string(phase)))

	switch {
	case err == nil:
		log.Success("=========================================")
		log.Successf("Job %s completed successfully!", j.ID)
		log.Success("=========================================")
	case job.IsCancelled(err):
		log.Warningf("Job %s cancelled: %v", j.ID, err)
	default:
		log.Errorf("Workflow failed: %v", err)
	}
	return err
}

func (m *Manager) run(ctx context.Context, handler Handler, j *job.MigrationJob, tracker *Tracker, signal *cancel.Signal, log *logger.Logger) error {
	provider, err := m.providers(ctx, m.config, j, log)
	if err != nil {
		return fmt.Errorf("failed to initialize %s provider: %w", j.Provider, err)
	}
	capturer, err := m.capturers(ctx, m.config, j, log)
	if err != nil {
		return fmt.Errorf("failed to initialize %s capture: %w", j.Source.Type, err)
	}

	r := &Run{
		Job:      j,
		Config:   m.config,
		Provider: provider,
		Capturer: capturer,
		Tracker:  tracker,
		Signal:   signal,
		Metrics:  m.metrics,
		Log:      log,
	}
	r.Poller = poller.New(provider, poller.Config{
		ConversionInterval: m.config.ConversionPollInterval,
		StateInterval:      m.config.StatePollInterval,
		Heartbeat:          m.config.HeartbeatInterval,
	}, log, signal.Done(), func(ctx context.Context) error {
		return tracker.Advance(ctx, job.PhaseConverting)
	})
	tracker.OnCommit(r.Poller.IgnoreCancellation)
	r.Cleanup = cancel.NewCoordinator(j, capturer, provider, cancel.Options{
		WorkRoot:           m.config.WorkRoot,
		WorkDir:            j.WorkDir(m.config.WorkRoot),
		KeepDirectory:      m.config.KeepDirectory,
		KeepBucketContents: m.config.KeepBucketContents,
	}, log, m.metrics)

	if err := handler.Validate(ctx, r); err != nil {
		return err
	}

	log.Info("=========================================")
	log.Infof("Executing: %s", handler.Name())
	log.Info("=========================================")
	runErr := handler.Execute(ctx, r)
	if runErr != nil && job.DataMovementPhases[j.Status()] {
		// Orphaned conversions would complete after the job is abandoned.
		if cerr := r.Cleanup.CancelConversions(context.WithoutCancel(ctx)); cerr != nil {
			log.Warningf("Some conversion tasks could not be cancelled: %v", cerr)
		}
	}
	if cerr := r.Cleanup.Cleanup(ctx, runErr); cerr != nil && runErr == nil {
		log.Warningf("Cleanup after a successful run reported: %v", cerr)
	}
	return runErr
}

