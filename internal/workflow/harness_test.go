package workflow

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codebypatrickleung/rehost/internal/capture"
	"github.com/codebypatrickleung/rehost/internal/cloud"
	"github.com/codebypatrickleung/rehost/internal/cloud/cloudtest"
	"github.com/codebypatrickleung/rehost/internal/config"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
	"github.com/codebypatrickleung/rehost/internal/status"
)

const rehostJobYAML = `
id: e2e
strategy: rehost
provider: aws
source:
  type: ssh
  address: 192.0.2.10
  user: ec2-user
target:
  region: us-east-1
  security_group_ids: [sg-1, sg-2]
  instance_type: t3.medium
volumes:
  - name: root
    source_device: /dev/sda
    size_gib: 10
    root: true
  - name: data
    source_device: /dev/sdb
    size_gib: 5
tags:
  - key: team
    value: platform
`

const replatformJobYAML = `
id: rp
strategy: replatform
provider: aws
source:
  type: ssh
  address: 192.0.2.20
  user: root
target:
  region: us-east-1
  image_id: ami-catalog
  instance_type: t3.medium
  guest_user: admin
volumes:
  - name: root
    size_gib: 30
    root: true
`

func newJob(t *testing.T, yaml string) *job.MigrationJob {
	t.Helper()
	j, err := job.Parse([]byte(yaml))
	require.NoError(t, err)
	return j
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		BucketName:             "imports",
		WorkRoot:               t.TempDir(),
		PartSizeMB:             5,
		PresignTTL:             time.Hour,
		ConversionPollInterval: time.Millisecond,
		StatePollInterval:      time.Millisecond,
		UploadPollInterval:     time.Millisecond,
		HeartbeatInterval:      time.Hour,
		CancelWatchInterval:    5 * time.Millisecond,
	}
}

// fakeCapturer writes small raw files into the job directory.
type fakeCapturer struct {
	root string

	mu      sync.Mutex
	block   bool
	err     error
	volumes int
	files   int
	aborted int
}

func (c *fakeCapturer) CaptureVolumes(ctx context.Context, j *job.MigrationJob) error {
	c.mu.Lock()
	c.volumes++
	block, err := c.block, c.err
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	dir := j.WorkDir(c.root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, v := range j.Volumes {
		v.Path = filepath.Join(dir, v.Name+".raw")
		if err := os.WriteFile(v.Path, make([]byte, 1024), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeCapturer) CaptureFiles(ctx context.Context, j *job.MigrationJob) (string, error) {
	c.mu.Lock()
	c.files++
	c.mu.Unlock()
	if len(j.Files) == 0 {
		return "", nil
	}
	dir := j.WorkDir(c.root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	out := filepath.Join(dir, capture.ArchiveName)
	return out, os.WriteFile(out, []byte("archive"), 0o644)
}

func (c *fakeCapturer) Abort(ctx context.Context, j *job.MigrationJob) error {
	c.mu.Lock()
	c.aborted++
	c.mu.Unlock()
	return nil
}

func (c *fakeCapturer) Aborted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// hookStore calls onPhase after each persisted transition.
type hookStore struct {
	status.Store
	onPhase func(phase job.Phase)
}

func (s *hookStore) UpdateStatus(ctx context.Context, jobID string, phase job.Phase, message string) error {
	err := s.Store.UpdateStatus(ctx, jobID, phase, message)
	if s.onPhase != nil {
		s.onPhase(phase)
	}
	return err
}

type harness struct {
	cfg      *config.Config
	fake     *cloudtest.Fake
	capturer *fakeCapturer
	store    *hookStore
	manager  *Manager
}

func newHarness(t *testing.T, extra ...Option) *harness {
	t.Helper()
	cfg := testConfig(t)
	db, err := status.Open(context.Background(), config.DriverSQLite, filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		cfg:      cfg,
		fake:     cloudtest.NewFake(),
		capturer: &fakeCapturer{root: cfg.WorkRoot},
		store:    &hookStore{Store: db},
	}
	opts := []Option{
		WithStore(h.store),
		WithProviderFactory(func(ctx context.Context, cfg *config.Config, j *job.MigrationJob, log *logger.Logger) (cloud.Provider, error) {
			return h.fake, nil
		}),
		WithCapturerFactory(func(ctx context.Context, cfg *config.Config, j *job.MigrationJob, log *logger.Logger) (capture.Capturer, error) {
			return h.capturer, nil
		}),
	}
	h.manager, err = NewManager(cfg, quietLogger(), "test", append(opts, extra...)...)
	require.NoError(t, err)
	return h
}

// cancelAt requests cancellation of jobID once phase has been recorded.
func (h *harness) cancelAt(jobID string, phase job.Phase) {
	h.store.onPhase = func(p job.Phase) {
		if p == phase {
			h.manager.Cancels().Cancel(jobID)
		}
	}
}

func (h *harness) history(t *testing.T, jobID string) []job.Phase {
	t.Helper()
	transitions, err := h.store.History(context.Background(), jobID)
	require.NoError(t, err)
	phases := make([]job.Phase, len(transitions))
	for i, tr := range transitions {
		phases[i] = tr.Phase
	}
	return phases
}
