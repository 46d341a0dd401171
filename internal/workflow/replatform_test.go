package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebypatrickleung/rehost/internal/cloud"
	"github.com/codebypatrickleung/rehost/internal/cloud/cloudtest"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
	"github.com/codebypatrickleung/rehost/internal/remote"
	"github.com/codebypatrickleung/rehost/internal/remote/remotetest"
)

// fakeDialer hands out one scripted executor and records dial attempts.
type fakeDialer struct {
	exec *remotetest.Executor
	err  error

	mu    sync.Mutex
	addrs [][]string
	login []remote.Config
}

func (d *fakeDialer) dial(ctx context.Context, addrs []string, cfg remote.Config, log *logger.Logger) (remote.Executor, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, addrs)
	d.login = append(d.login, cfg)
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.exec, nil
}

func catalogImage() *cloud.ImageInfo {
	return &cloud.ImageInfo{
		ID:             "ami-catalog",
		Name:           "debian-12",
		RootDeviceName: "/dev/sda",
		BlockDevices: []job.BlockDevice{
			{DeviceName: "/dev/sda", SizeGiB: 20, Root: true},
			{DeviceName: "/dev/sdb", SizeGiB: 10},
		},
	}
}

func newReplatformHarness(t *testing.T) (*harness, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{exec: remotetest.New("203.0.113.10:22")}
	h := newHarness(t, WithHandlers(NewRehostHandler(), NewReplatformHandler().WithDialer(d.dial)))
	h.fake.Image = catalogImage()
	return h, d
}

func TestReplatformMapping(t *testing.T) {
	h, d := newReplatformHarness(t)
	j := newJob(t, replatformJobYAML)

	require.NoError(t, h.manager.Run(context.Background(), j))

	assert.Equal(t, job.PhaseCompleted, j.Status())
	assert.Equal(t, []job.Phase(job.ReplatformPipeline), h.history(t, j.ID))

	h.fake.Snapshot(func(f *cloudtest.Fake) {
		require.Len(t, f.Launched, 1)
		assert.Equal(t, "ami-catalog", f.Launched[0].ImageID)
		assert.Equal(t, []job.BlockDevice{{DeviceName: "/dev/sda", SizeGiB: 30, Root: true}}, f.Launched[0].BlockDevices)
		assert.Equal(t, []string{"/dev/sdb"}, f.Launched[0].Suppressed)
		assert.Len(t, f.Images, 1)
	})
	assert.Equal(t, "/dev/sda", j.Volumes[0].DeviceName)
	assert.NotEmpty(t, j.Result.ImageID)
	assert.Len(t, j.Result.BlockDevices, 1)
	assert.Zero(t, h.fake.Count("UploadFile"))
	assert.Zero(t, h.capturer.files)

	require.Len(t, d.addrs, 1)
	assert.Equal(t, []string{"203.0.113.10", "10.0.0.10"}, d.addrs[0])
	assert.Equal(t, "admin", d.login[0].User)
	assert.Equal(t, 22, d.login[0].Port)
	assert.True(t, d.exec.Closed())
}

func TestReplatformCustomizesAndInstallsFiles(t *testing.T) {
	h, d := newReplatformHarness(t)
	j := newJob(t, replatformJobYAML)
	j.Files = []string{"/etc/nginx"}
	j.Guest = job.GuestProfile{OSFamily: "debian", Packages: []string{"nginx"}}
	j.Volumes = append(j.Volumes, &job.Volume{Name: "logs", SizeGiB: 10, MountPoint: "/var/log/app", Filesystem: "ext4"})

	require.NoError(t, h.manager.Run(context.Background(), j))

	// the unclaimed catalog device is dropped and never reused
	h.fake.Snapshot(func(f *cloudtest.Fake) {
		require.Len(t, f.Launched, 1)
		assert.Equal(t, []job.BlockDevice{
			{DeviceName: "/dev/sda", SizeGiB: 30, Root: true},
			{DeviceName: "/dev/sdc", SizeGiB: 10},
		}, f.Launched[0].BlockDevices)
		assert.Equal(t, []string{"/dev/sdb"}, f.Launched[0].Suppressed)
	})

	mount, ok := d.exec.File("/tmp/rehost-rp/mount.sh")
	require.True(t, ok)
	assert.Contains(t, mount, "/dev/sdc")
	assert.Contains(t, mount, "/var/log/app")

	customize, ok := d.exec.File("/tmp/rehost-rp/customize.sh")
	require.True(t, ok)
	assert.Contains(t, customize, "nginx")

	install, ok := d.exec.File("/tmp/rehost-rp/install-files.sh")
	require.True(t, ok)
	assert.Contains(t, install, "curl -fsSL")
	assert.True(t, d.exec.Ran("sudo -n sh /tmp/rehost-rp/install-files.sh"))
	assert.Equal(t, 1, h.fake.Count("UploadFile"))
	assert.Equal(t, 1, h.capturer.files)
}

func TestReplatformFallsBackToCopyingFiles(t *testing.T) {
	h, d := newReplatformHarness(t)
	d.exec.On(remotetest.Response{Match: "&& cat >"})
	d.exec.On(remotetest.Response{Match: "mkdir -p /tmp/rehost-rp", Err: errors.New("read-only file system")})
	j := newJob(t, replatformJobYAML)
	j.Files = []string{"/etc/nginx"}

	require.NoError(t, h.manager.Run(context.Background(), j))

	assert.True(t, d.exec.Ran("cat > /tmp/rehost-rp/files.tar.gz"))
	install, ok := d.exec.File("/tmp/rehost-rp/install-files.sh")
	require.True(t, ok)
	assert.NotContains(t, install, "curl")
}

func TestReplatformPrefersFloatingIP(t *testing.T) {
	h, d := newReplatformHarness(t)
	j := newJob(t, replatformJobYAML)
	j.EnableFloatingIP = true

	require.NoError(t, h.manager.Run(context.Background(), j))

	require.Len(t, d.addrs, 1)
	assert.Equal(t, []string{"198.51.100.7", "10.0.0.10"}, d.addrs[0])
}

func TestReplatformUnreachableInstance(t *testing.T) {
	h, d := newReplatformHarness(t)
	d.err = &job.ConnectivityError{Addresses: []string{"203.0.113.10", "10.0.0.10"}, Err: errors.New("i/o timeout")}
	j := newJob(t, replatformJobYAML)

	err := h.manager.Run(context.Background(), j)
	require.Error(t, err)
	var cerr *job.ConnectivityError
	assert.True(t, errors.As(err, &cerr))
	assert.Equal(t, job.PhaseFailed, j.Status())
	assert.Zero(t, h.fake.Count("CreateImage"))
}

func TestReplatformRejectsShrinkingRoot(t *testing.T) {
	h, _ := newReplatformHarness(t)
	j := newJob(t, replatformJobYAML)
	j.Volumes[0].SizeGiB = 10

	err := h.manager.Run(context.Background(), j)
	require.Error(t, err)
	assert.True(t, job.IsValidation(err))
	assert.Equal(t, []string{"Validate", "DescribeImage"}, h.fake.Calls())
	assert.Equal(t, job.PhaseFailed, j.Status())
}

func TestReplatformValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(j *job.MigrationJob)
		field  string
	}{
		{
			name: "files need an ssh source",
			mutate: func(j *job.MigrationJob) {
				j.Source.Type = job.SourceAzure
				j.Files = []string{"/etc/hosts"}
			},
			field: "files",
		},
		{
			name:   "unknown os family",
			mutate: func(j *job.MigrationJob) { j.Guest.OSFamily = "plan9" },
			field:  "guest.os_family",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newReplatformHarness(t)
			j := newJob(t, replatformJobYAML)
			tt.mutate(j)

			err := h.manager.Run(context.Background(), j)
			require.Error(t, err)
			var verr *job.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
			assert.Empty(t, h.fake.Calls())
		})
	}
}
