package cancel

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebypatrickleung/rehost/internal/cloud/cloudtest"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
)

type fakeCapture struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *fakeCapture) Abort(ctx context.Context, j *job.MigrationJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

type fakeBatch struct {
	live        bool
	interrupted int
}

func (b *fakeBatch) Live() bool { return b.live }

func (b *fakeBatch) Interrupt(timeout time.Duration) error {
	b.interrupted++
	b.live = false
	return nil
}

func testJob(t *testing.T) *job.MigrationJob {
	t.Helper()
	j, err := job.Parse([]byte(`
id: web-01
provider: aws
source:
  address: 10.0.0.5
volumes:
  - name: root
    size_gib: 10
    root: true
  - name: data
    size_gib: 5
`))
	require.NoError(t, err)
	return j
}

func newCoordinator(t *testing.T, j *job.MigrationJob, c CaptureAborter, f *cloudtest.Fake, opts Options) *Coordinator {
	t.Helper()
	return NewCoordinator(j, c, f, opts, logger.NewWithWriter(false, io.Discard), nil)
}

func TestCleanupAfterFailure(t *testing.T) {
	j := testJob(t)
	j.Volumes[0].SetTaskID("import-i-1")
	j.Volumes[1].SetTaskID("import-vol-2")

	root := t.TempDir()
	dir := j.WorkDir(root)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	f := cloudtest.NewFake()
	capture := &fakeCapture{}
	batch := &fakeBatch{live: true}
	c := newCoordinator(t, j, capture, f, Options{WorkRoot: root, WorkDir: dir})
	c.SetCaptureRunning(true)
	c.SetUploads(batch)

	err := c.Cleanup(context.Background(), errors.New("boom"))
	require.NoError(t, err)

	assert.Equal(t, 1, capture.calls)
	assert.Equal(t, 1, batch.interrupted)
	assert.ElementsMatch(t, []string{"import-i-1", "import-vol-2"}, f.Cancelled)
	assert.Equal(t, []string{"job-web-01/"}, f.Prefixes)
	assert.NoDirExists(t, dir)
}

func TestCleanupStaysInsideWorkRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "work")
	victim := filepath.Join(base, "victim")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(victim, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(victim, "precious.txt"), []byte("keep"), 0o600))

	j := testJob(t)
	j.ID = "x/../../victim"
	f := cloudtest.NewFake()
	c := newCoordinator(t, j, nil, f, Options{WorkRoot: root, WorkDir: filepath.Join(root, "job-x", "..", "..", "victim")})

	err := c.Cleanup(context.Background(), job.ErrCancelled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not inside work root")
	assert.FileExists(t, filepath.Join(victim, "precious.txt"))
	assert.Zero(t, f.Count("DeleteObjects"))
}

func TestCleanupRefusesWorkRootItself(t *testing.T) {
	root := t.TempDir()
	c := newCoordinator(t, testJob(t), nil, cloudtest.NewFake(), Options{WorkRoot: root, WorkDir: root})

	require.Error(t, c.Cleanup(context.Background(), nil))
	assert.DirExists(t, root)
}

func TestCleanupRunsOnce(t *testing.T) {
	j := testJob(t)
	j.Volumes[0].SetTaskID("import-i-1")
	f := cloudtest.NewFake()
	c := newCoordinator(t, j, nil, f, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Cleanup(context.Background(), job.ErrCancelled)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.Count("CancelConversionTask"))
	assert.Equal(t, 1, f.Count("DeleteObjects"))
}

func TestCleanupOnSuccessOnlyRemovesArtifacts(t *testing.T) {
	j := testJob(t)
	j.Volumes[0].SetTaskID("import-i-1")
	f := cloudtest.NewFake()
	capture := &fakeCapture{}
	batch := &fakeBatch{live: true}
	c := newCoordinator(t, j, capture, f, Options{})
	c.SetCaptureRunning(true)
	c.SetUploads(batch)

	require.NoError(t, c.Cleanup(context.Background(), nil))

	assert.Zero(t, capture.calls)
	assert.Zero(t, batch.interrupted)
	assert.Empty(t, f.Cancelled)
	assert.Equal(t, 1, f.Count("DeleteObjects"))
}

func TestCleanupKeepsArtifacts(t *testing.T) {
	j := testJob(t)
	dir := t.TempDir()
	f := cloudtest.NewFake()
	c := newCoordinator(t, j, nil, f, Options{WorkDir: dir, KeepDirectory: true, KeepBucketContents: true})

	require.NoError(t, c.Cleanup(context.Background(), job.ErrCancelled))
	assert.DirExists(t, dir)
	assert.Zero(t, f.Count("DeleteObjects"))
}

func TestCancelConversionsSkipsAlreadyCancelled(t *testing.T) {
	j := testJob(t)
	j.Volumes[0].SetTaskID("import-i-1")
	f := cloudtest.NewFake()
	c := newCoordinator(t, j, nil, f, Options{})

	require.NoError(t, c.CancelConversions(context.Background()))
	j.Volumes[1].SetTaskID("import-vol-2")
	require.NoError(t, c.Cleanup(context.Background(), job.ErrCancelled))

	assert.Equal(t, []string{"import-i-1", "import-vol-2"}, f.Cancelled)
}

func TestCleanupJoinsErrors(t *testing.T) {
	j := testJob(t)
	j.Volumes[0].SetTaskID("import-i-1")
	f := cloudtest.NewFake()
	f.CancelErr = errors.New("IncorrectState")
	f.DeleteErr = errors.New("AccessDenied")
	capture := &fakeCapture{err: errors.New("ssh: handshake failed")}
	c := newCoordinator(t, j, capture, f, Options{})
	c.SetCaptureRunning(true)

	err := c.Cleanup(context.Background(), errors.New("boom"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IncorrectState")
	assert.Contains(t, err.Error(), "AccessDenied")
	assert.Contains(t, err.Error(), "handshake failed")
	assert.ErrorIs(t, err, f.CancelErr)
}

func TestCleanupIgnoresCancelledContext(t *testing.T) {
	j := testJob(t)
	f := cloudtest.NewFake()
	c := newCoordinator(t, j, nil, f, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.Cleanup(ctx, job.ErrCancelled))
	assert.Equal(t, 1, f.Count("DeleteObjects"))
}
