package workflow

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebypatrickleung/rehost/internal/cloud"
	"github.com/codebypatrickleung/rehost/internal/cloud/cloudtest"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/metrics"
)

func TestRehostEndToEnd(t *testing.T) {
	h := newHarness(t, WithMetrics(metrics.New()))
	j := newJob(t, rehostJobYAML)

	require.NoError(t, h.manager.Run(context.Background(), j))

	assert.Equal(t, job.PhaseCompleted, j.Status())
	assert.Equal(t, []job.Phase(job.RehostPipeline), h.history(t, j.ID))

	res := j.Result
	assert.Len(t, res.BlockDevices, 2)
	assert.Equal(t, "us-east-1a", res.AvailabilityZone)
	assert.False(t, res.LaunchTime.IsZero())
	assert.Len(t, res.SecurityGroupNames, 2)
	assert.Empty(t, res.FloatingIP)
	assert.NotEmpty(t, res.ImageID)
	assert.NotEmpty(t, res.InstanceID)
	assert.Equal(t, "i-placeholder", res.PlaceholderInstanceID)

	h.fake.Snapshot(func(f *cloudtest.Fake) {
		assert.Equal(t, "instance", f.Imported["root"])
		assert.Equal(t, "volume", f.Imported["data"])
		assert.Equal(t, []string{"vol-data@/dev/xvdb"}, f.Attached)
		assert.Equal(t, []string{"i-placeholder"}, f.Terminated)
		assert.Equal(t, []string{"vol-data"}, f.Deleted)
		assert.Equal(t, []string{"job-e2e/"}, f.Prefixes)
		assert.Equal(t, "platform", f.Tags[res.InstanceID]["team"])
		assert.Equal(t, "platform", f.Tags[res.ImageID]["team"])
		require.Len(t, f.Launched, 1)
		assert.Equal(t, res.ImageID, f.Launched[0].ImageID)
	})
	assert.Zero(t, h.fake.Count("AllocateFloatingIP"))
	assert.Zero(t, h.fake.Count("ModifyVolumes"))

	_, err := os.Stat(j.WorkDir(h.cfg.WorkRoot))
	assert.True(t, os.IsNotExist(err), "working directory should be removed")

	rec, err := h.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.PhaseCompleted, rec.Phase)
}

func TestRehostAppliesVolumeTypeAndFloatingIP(t *testing.T) {
	h := newHarness(t)
	j := newJob(t, rehostJobYAML)
	j.Target.VolumeType = "gp3"
	j.EnableFloatingIP = true

	require.NoError(t, h.manager.Run(context.Background(), j))

	assert.Equal(t, "198.51.100.7", j.Result.FloatingIP)
	h.fake.Snapshot(func(f *cloudtest.Fake) {
		assert.ElementsMatch(t, []string{"vol-root", "vol-data"}, f.Modified)
		assert.Equal(t, "198.51.100.7", f.FloatingIPs[j.Result.InstanceID])
	})
}

func TestRehostKeepsExplicitDeviceNames(t *testing.T) {
	h := newHarness(t)
	j := newJob(t, rehostJobYAML)
	j.Volumes[1].DeviceName = "/dev/sdf"

	require.NoError(t, h.manager.Run(context.Background(), j))

	h.fake.Snapshot(func(f *cloudtest.Fake) {
		assert.Equal(t, []string{"vol-data@/dev/sdf"}, f.Attached)
	})
}

func TestRehostRejectsDeviceNameOfRoot(t *testing.T) {
	h := newHarness(t)
	j := newJob(t, rehostJobYAML)
	j.Volumes[1].DeviceName = "/dev/xvda"

	err := h.manager.Run(context.Background(), j)
	require.Error(t, err)
	assert.True(t, job.IsValidation(err))
	assert.Equal(t, job.PhaseFailed, j.Status())
	assert.Zero(t, h.fake.Count("AttachVolumes"))
	assert.Zero(t, h.fake.Count("RunInstance"))
}

func TestRehostValidationFailureTouchesNothing(t *testing.T) {
	h := newHarness(t)
	h.fake.ValidateErr = job.Invalid("target.subnet_id", "subnet not found")
	j := newJob(t, rehostJobYAML)

	err := h.manager.Run(context.Background(), j)
	require.Error(t, err)
	assert.True(t, job.IsValidation(err))
	assert.Equal(t, job.PhaseFailed, j.Status())
	assert.Equal(t, []string{"Validate"}, h.fake.Calls())
	assert.Zero(t, h.capturer.volumes)
	assert.Equal(t, []job.Phase{job.PhaseFailed}, h.history(t, j.ID))
}

func TestRehostUploadFailureFailsPhase(t *testing.T) {
	h := newHarness(t)
	h.fake.UploadErr["data"] = errors.New("connection reset")
	j := newJob(t, rehostJobYAML)

	err := h.manager.Run(context.Background(), j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.False(t, job.IsCancelled(err))
	assert.Equal(t, job.PhaseFailed, j.Status())
	assert.Zero(t, h.fake.Count("ImportRootVolumeAsInstance"))
	assert.Zero(t, h.fake.Count("ImportVolume"))

	phases := h.history(t, j.ID)
	require.NotEmpty(t, phases)
	assert.Equal(t, job.PhaseUploadToS3, phases[len(phases)-2])
	assert.Equal(t, job.PhaseFailed, phases[len(phases)-1])
}

func TestRehostCancelBeforeAttach(t *testing.T) {
	h := newHarness(t)
	j := newJob(t, rehostJobYAML)
	h.cancelAt(j.ID, job.PhaseInitiateInstance)

	err := h.manager.Run(context.Background(), j)
	require.Error(t, err)
	assert.True(t, job.IsCancelled(err))
	assert.Equal(t, job.PhaseCancelled, j.Status())
	assert.Zero(t, h.fake.Count("AttachVolumes"))
	assert.Zero(t, h.fake.Count("CreateImage"))
	assert.Zero(t, h.fake.Count("RunInstance"))

	// both conversion tasks are cancelled exactly once
	h.fake.Snapshot(func(f *cloudtest.Fake) {
		assert.Len(t, f.Cancelled, 2)
		assert.Equal(t, []string{"job-e2e/"}, f.Prefixes)
	})

	phases := h.history(t, j.ID)
	assert.NotContains(t, phases, job.PhaseAttachingVolume)
	assert.Equal(t, job.PhaseCancelled, phases[len(phases)-1])
}

func TestRehostCancelAfterCreatingInstanceIsIgnored(t *testing.T) {
	h := newHarness(t)
	j := newJob(t, rehostJobYAML)
	h.cancelAt(j.ID, job.PhaseCreatingInstance)

	require.NoError(t, h.manager.Run(context.Background(), j))
	assert.Equal(t, job.PhaseCompleted, j.Status())
	assert.Equal(t, 1, h.fake.Count("RunInstance"))
	assert.Zero(t, h.fake.Count("CancelConversionTask"))
}

func TestRehostCancelDuringCapture(t *testing.T) {
	h := newHarness(t)
	h.capturer.block = true
	j := newJob(t, rehostJobYAML)
	h.cancelAt(j.ID, job.PhaseCreateRawFiles)

	err := h.manager.Run(context.Background(), j)
	require.Error(t, err)
	assert.True(t, job.IsCancelled(err))
	assert.Equal(t, job.PhaseCancelled, j.Status())
	assert.Equal(t, 1, h.capturer.Aborted())
	assert.Zero(t, h.fake.Count("UploadVolume"))
}

func TestRehostDurableCancelFlag(t *testing.T) {
	h := newHarness(t)
	h.capturer.block = true
	j := newJob(t, rehostJobYAML)
	h.store.onPhase = func(p job.Phase) {
		if p == job.PhaseCreateRawFiles {
			require.NoError(t, h.store.RequestCancel(context.Background(), j.ID))
		}
	}

	err := h.manager.Run(context.Background(), j)
	require.Error(t, err)
	assert.True(t, job.IsCancelled(err))

	rec, err := h.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.PhaseCancelled, rec.Phase)
	assert.True(t, rec.CancelRequested)
}

func TestRehostCleanupRunsOnce(t *testing.T) {
	h := newHarness(t)
	h.fake.DescribeErr = errors.New("throttled")
	h.fake.CancelErr = errors.New("task not cancellable")
	h.fake.DeleteErr = errors.New("access denied")
	j := newJob(t, rehostJobYAML)

	err := h.manager.Run(context.Background(), j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
	assert.NotContains(t, err.Error(), "access denied")
	assert.Equal(t, job.PhaseFailed, j.Status())

	assert.Equal(t, 2, h.fake.Count("CancelConversionTask"))
	assert.Equal(t, 1, h.fake.Count("DeleteObjects"))
}

func TestRehostProviderCancelledConversion(t *testing.T) {
	h := newHarness(t)
	h.fake.Conversions["import-vol-2"] = []cloud.ConversionStatus{{State: cloud.ConversionCancelled}}
	j := newJob(t, rehostJobYAML)

	err := h.manager.Run(context.Background(), j)
	require.Error(t, err)
	assert.True(t, job.IsCancelled(err))
	assert.Equal(t, job.PhaseCancelled, j.Status())
}
