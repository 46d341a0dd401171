package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/codebypatrickleung/rehost/internal/cloud"
	"github.com/codebypatrickleung/rehost/internal/common"
	"github.com/codebypatrickleung/rehost/internal/config"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
	"github.com/codebypatrickleung/rehost/internal/upload"
)

// RehostHandler lifts raw disk captures into fresh cloud volumes and an
// instance. The root volume is imported as a placeholder instance whose
// image, once data volumes are attached, boots the final instance.
type RehostHandler struct {
	config *config.Config
	logger *logger.Logger
}

func NewRehostHandler() *RehostHandler          { return &RehostHandler{} }
func (h *RehostHandler) Name() string           { return "Rehost Migration" }
func (h *RehostHandler) Strategy() job.Strategy { return job.StrategyRehost }

func (h *RehostHandler) Initialize(cfg *config.Config, log *logger.Logger) error {
	if cfg == nil {
		return fmt.Errorf("configuration is required")
	}
	h.config, h.logger = cfg, log
	return nil
}

// Validate runs the provider checks and rejects colliding device names.
func (h *RehostHandler) Validate(ctx context.Context, r *Run) error {
	seen := make(map[string]string)
	for _, v := range r.Job.DataVolumes() {
		if v.DeviceName == "" {
			continue
		}
		if other, ok := seen[v.DeviceName]; ok {
			return job.Invalid("volumes."+v.Name+".device_name", "device %s is also requested by volume %s", v.DeviceName, other)
		}
		seen[v.DeviceName] = v.Name
	}
	if err := r.Provider.Validate(ctx, r.Job); err != nil {
		return err
	}
	r.Log.Successf("✓ Job validated against %s", r.Provider.Name())
	return nil
}

func (h *RehostHandler) Execute(ctx context.Context, r *Run) error {
	steps := []struct {
		title  string
		errMsg string
		fn     func(context.Context, *Run) error
	}{
		{"Creating Raw Files", "raw file capture failed", h.captureVolumes},
		{"Uploading Volumes", "volume upload failed", h.uploadVolumes},
		{"Importing Volumes", "volume import failed", h.importVolumes},
		{"Attaching Data Volumes", "volume attachment failed", h.attachVolumes},
		{"Creating Image", "image creation failed", h.createImage},
		{"Terminating Placeholder Instance", "placeholder termination failed", h.terminatePlaceholder},
		{"Launching Instance", "instance launch failed", h.launchInstance},
	}
	for i, step := range steps {
		r.Log.Step(i+1, step.title)
		if err := step.fn(ctx, r); err != nil {
			return fmt.Errorf("%s: %w", step.errMsg, err)
		}
	}
	return r.Advance(ctx, job.PhaseCompleted)
}

func (h *RehostHandler) captureVolumes(ctx context.Context, r *Run) error {
	if err := r.Advance(ctx, job.PhaseCreateRawFiles); err != nil {
		return err
	}
	var need int64
	for _, v := range r.Job.Volumes {
		need += v.SizeBytes()
	}
	if available, err := common.GetAvailableDiskSpace(ctx, r.Config.WorkRoot, need); err != nil {
		r.Log.Warningf("Disk space check: %v", err)
	} else {
		r.Log.Successf("✓ Available disk space: %d GB", available/(1024*1024*1024))
	}

	cctx, stop := r.cancelContext(ctx)
	defer stop()
	r.Cleanup.SetCaptureRunning(true)
	if err := r.Capturer.CaptureVolumes(cctx, r.Job); err != nil {
		return r.interrupted(err)
	}
	r.Cleanup.SetCaptureRunning(false)
	for _, v := range r.Job.Volumes {
		r.Log.Successf("✓ Captured %s to %s", v.Name, v.Path)
	}
	return r.Advance(ctx, job.PhaseCreatedRawFiles)
}

func (h *RehostHandler) uploadVolumes(ctx context.Context, r *Run) error {
	if err := r.Advance(ctx, job.PhaseUploadToS3); err != nil {
		return err
	}
	if err := r.Provider.PrepareStorage(ctx, r.Job); err != nil {
		return err
	}
	batch := upload.NewManager(r.Provider, r.Log, r.Metrics, r.Config.UploadPollInterval).Start(ctx, r.Job)
	r.Cleanup.SetUploads(batch)
	if err := batch.Wait(ctx, r.Signal.Done()); err != nil {
		return err
	}
	r.Log.Successf("✓ Uploaded %d volume(s)", len(r.Job.Volumes))
	return nil
}

// importVolumes starts one conversion per volume and waits for all of them.
// Task ids are published on the volumes as soon as they exist so cleanup
// can cancel them.
func (h *RehostHandler) importVolumes(ctx context.Context, r *Run) error {
	if err := r.Advance(ctx, job.PhaseDownloadFromS3); err != nil {
		return err
	}
	var tasks []string
	for _, v := range r.Job.Volumes {
		var (
			id  string
			err error
		)
		if v.Root {
			id, err = r.Provider.ImportRootVolumeAsInstance(ctx, r.Job, v)
		} else {
			id, err = r.Provider.ImportVolume(ctx, r.Job, v)
		}
		if err != nil {
			return fmt.Errorf("failed to import volume %s: %w", v.Name, err)
		}
		v.SetTaskID(id)
		tasks = append(tasks, id)
		r.Log.Infof("Volume %s is converting as task %s", v.Name, id)
	}

	results, err := r.Poller.WaitForConversions(ctx, tasks)
	if err != nil {
		return err
	}
	for _, v := range r.Job.Volumes {
		st := results[v.TaskID()]
		if st == nil || st.VolumeID == "" {
			return fmt.Errorf("conversion task %s of volume %s reported no volume", v.TaskID(), v.Name)
		}
		v.SetVolumeID(st.VolumeID)
		if v.Root {
			if st.InstanceID == "" {
				return fmt.Errorf("conversion task %s reported no instance", v.TaskID())
			}
			r.Job.Result.PlaceholderInstanceID = st.InstanceID
		}
	}
	// Conversions that finish between two polls never report byte progress.
	return r.Advance(ctx, job.PhaseConverting)
}

func (h *RehostHandler) attachVolumes(ctx context.Context, r *Run) error {
	if err := r.Advance(ctx, job.PhaseInitiateInstance); err != nil {
		return err
	}
	placeholder := r.Job.Result.PlaceholderInstanceID
	if _, err := r.Poller.WaitForInstance(ctx, placeholder, cloud.StateStopped, cloud.StateRunning); err != nil {
		return err
	}
	details, err := r.Provider.GetInstanceDetails(ctx, placeholder)
	if err != nil {
		return fmt.Errorf("failed to describe placeholder instance: %w", err)
	}
	rootDevice := ""
	for _, bd := range details.BlockDevices {
		if bd.Root {
			rootDevice = bd.DeviceName
		}
	}
	if err := AssignDeviceNames(r.Job, rootDevice, details.BlockDevices); err != nil {
		return err
	}

	if err := r.Advance(ctx, job.PhaseAttachingVolume); err != nil {
		return err
	}
	data := r.Job.DataVolumes()
	if len(data) > 0 {
		if err := r.Provider.AttachVolumes(ctx, r.Job, placeholder); err != nil {
			return err
		}
		for _, v := range data {
			if err := r.Poller.WaitForVolume(ctx, v.VolumeID(), cloud.StateInUse); err != nil {
				return err
			}
			r.Log.Successf("✓ Attached %s as %s", v.VolumeID(), v.DeviceName)
		}
	}
	if err := r.Advance(ctx, job.PhaseAttachedVolume); err != nil {
		return err
	}
	if r.Job.Target.VolumeType != "" {
		if err := r.Provider.ModifyVolumes(ctx, r.Job); err != nil {
			return fmt.Errorf("failed to upgrade volume type: %w", err)
		}
		r.Log.Successf("✓ Volumes switched to %s", r.Job.Target.VolumeType)
	}
	return nil
}

func (h *RehostHandler) createImage(ctx context.Context, r *Run) error {
	if err := r.Advance(ctx, job.PhaseCreatingAMI); err != nil {
		return err
	}
	imageID, err := r.Provider.CreateImage(ctx, r.Job, r.Job.Result.PlaceholderInstanceID)
	if err != nil {
		return err
	}
	r.Job.Result.ImageID = imageID
	if err := r.Poller.WaitForImage(ctx, imageID); err != nil {
		return err
	}
	r.Log.Successf("✓ Image %s is available", imageID)
	return r.Advance(ctx, job.PhaseCreatedAMI)
}

// terminatePlaceholder removes the import instance. Its volumes live on as
// image snapshots, so leftover volumes are deleted best-effort.
func (h *RehostHandler) terminatePlaceholder(ctx context.Context, r *Run) error {
	if err := r.Advance(ctx, job.PhaseTerminatingInstance); err != nil {
		return err
	}
	placeholder := r.Job.Result.PlaceholderInstanceID
	if err := r.Provider.TerminateInstance(ctx, placeholder); err != nil {
		return err
	}
	if _, err := r.Poller.WaitForInstance(ctx, placeholder, cloud.StateTerminated); err != nil {
		return err
	}
	r.Log.Successf("✓ Placeholder instance %s terminated", placeholder)
	for _, v := range r.Job.DataVolumes() {
		if err := r.Provider.DeleteVolume(ctx, v.VolumeID()); err != nil {
			r.Log.Warningf("Failed to delete imported volume %s: %v", v.VolumeID(), err)
		}
	}
	return r.Advance(ctx, job.PhaseTerminatedInstance)
}

func (h *RehostHandler) launchInstance(ctx context.Context, r *Run) error {
	if err := r.Advance(ctx, job.PhaseCreatingInstance); err != nil {
		return err
	}
	instanceID, err := r.Provider.RunInstance(ctx, r.Job, cloud.LaunchSpec{ImageID: r.Job.Result.ImageID})
	if err != nil {
		return err
	}
	r.Job.Result.InstanceID = instanceID
	return finishInstance(ctx, r, instanceID)
}

// finishInstance waits for a launched instance, records what the provider
// assigned to it and applies tags and the floating IP.
func finishInstance(ctx context.Context, r *Run, instanceID string) error {
	if _, err := r.Poller.WaitForInstance(ctx, instanceID, cloud.StateRunning); err != nil {
		return err
	}
	if err := r.Poller.WaitForStatusChecks(ctx, instanceID); err != nil {
		return err
	}
	details, err := r.Provider.GetInstanceDetails(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to describe instance: %w", err)
	}
	res := &r.Job.Result
	res.BlockDevices = details.BlockDevices
	res.AvailabilityZone = details.AvailabilityZone
	res.LaunchTime = details.LaunchTime
	if res.LaunchTime.IsZero() {
		res.LaunchTime = time.Now().UTC()
	}
	res.SecurityGroupNames = details.SecurityGroupNames
	res.PublicIP = details.PublicIP
	res.PrivateIP = details.PrivateIP
	r.Log.Successf("✓ Instance %s is running in %s", instanceID, res.AvailabilityZone)

	for _, resource := range []string{instanceID, res.ImageID} {
		if resource == "" {
			continue
		}
		for _, tag := range r.Job.Tags {
			if err := r.Provider.CreateTag(ctx, resource, tag.Key, tag.Value); err != nil {
				return fmt.Errorf("failed to tag %s: %w", resource, err)
			}
		}
	}

	if r.Job.EnableFloatingIP {
		ip, err := r.Provider.AllocateFloatingIP(ctx, r.Job)
		if err != nil {
			return err
		}
		if err := r.Provider.AssociateFloatingIP(ctx, instanceID, ip); err != nil {
			return err
		}
		res.FloatingIP = ip
		r.Log.Successf("✓ Floating IP %s associated", ip)
	}
	return nil
}
