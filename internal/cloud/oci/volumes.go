package oci

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/core"

	"github.com/codebypatrickleung/rehost/internal/cloud"
	ccommon "github.com/codebypatrickleung/rehost/internal/common"
	"github.com/codebypatrickleung/rehost/internal/job"
)

// volumeTypeVPUs maps volume performance names to VPUs per GB.
var volumeTypeVPUs = map[string]int64{
	"lower":    0,
	"balanced": 10,
	"higher":   20,
	"ultra":    30,
}

const deviceDetectTimeout = 2 * time.Minute

// validateLocalCopy checks that data volumes can be copied through this host:
// it must be an OCI instance in the target availability domain.
func (p *Provider) validateLocalCopy(ctx context.Context, j *job.MigrationJob) error {
	if j.Target.Zone == "" {
		return job.Invalid("target.zone", "availability domain is required when importing data volumes")
	}
	local, err := p.GetLocalInstanceID(ctx)
	if err != nil {
		return job.Invalid("volumes", "data volumes are copied through a local attachment and need an OCI host: %v", err)
	}
	ad, err := p.GetLocalAvailabilityDomain(ctx, local)
	if err != nil {
		return job.Invalid("volumes", "%v", err)
	}
	if ad != j.Target.Zone {
		return job.Invalid("target.zone", "host runs in %s, data volumes must be created in %s", ad, j.Target.Zone)
	}
	return nil
}

// GetLocalInstanceID retrieves the OCID of the local OCI instance.
func (p *Provider) GetLocalInstanceID(ctx context.Context) (string, error) {
	output, err := ccommon.RunCommand(ctx, "oci-metadata", "--get", "/instance/id", "--value-only")
	if err != nil {
		return "", fmt.Errorf("failed to get instance ID from metadata service: %w", err)
	}
	instanceID := strings.TrimSpace(output)
	if instanceID == "" {
		return "", fmt.Errorf("empty instance ID returned from metadata service")
	}
	return instanceID, nil
}

// GetLocalAvailabilityDomain retrieves the availability domain of the local instance.
func (p *Provider) GetLocalAvailabilityDomain(ctx context.Context, instanceID string) (string, error) {
	client, err := p.compute()
	if err != nil {
		return "", err
	}
	resp, err := client.GetInstance(ctx, core.GetInstanceRequest{InstanceId: &instanceID})
	if err != nil {
		return "", fmt.Errorf("failed to get instance details: %w", err)
	}
	if resp.AvailabilityDomain == nil {
		return "", fmt.Errorf("instance has no availability domain")
	}
	return *resp.AvailabilityDomain, nil
}

// ImportVolume copies a data volume image into a new block volume through a
// temporary attachment on this host. The copy runs in the background and is
// reported through DescribeConversionTask.
func (p *Provider) ImportVolume(ctx context.Context, j *job.MigrationJob, v *job.Volume) (string, error) {
	local, err := p.GetLocalInstanceID(ctx)
	if err != nil {
		return "", err
	}
	ad, err := p.availabilityDomain(ctx, j)
	if err != nil {
		return "", err
	}

	taskID := fmt.Sprintf("volume-import-%s-%s", j.ID, ccommon.SanitizeName(v.Name))
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &importTask{job: j, state: cloud.ConversionActive, cancel: cancel}
	p.mu.Lock()
	p.imports[taskID] = t
	p.mu.Unlock()

	go func() {
		defer cancel()
		volumeID, err := p.copyVolume(taskCtx, j, v, local, ad)
		p.mu.Lock()
		defer p.mu.Unlock()
		t.volumeID = volumeID
		switch {
		case t.cancelled:
		case err != nil:
			t.state = cloud.ConversionFailed
			t.message = err.Error()
		default:
			t.state = cloud.ConversionCompleted
		}
	}()
	return taskID, nil
}

// copyVolume runs one local attach-and-dd cycle. Only one copy runs at a time
// so the new device can be told apart.
func (p *Provider) copyVolume(ctx context.Context, j *job.MigrationJob, v *job.Volume, localID, ad string) (string, error) {
	p.copyMu.Lock()
	defer p.copyMu.Unlock()

	before, err := ccommon.ListBlockDevices(ctx)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("rehost-%s-%s", j.ID, ccommon.SanitizeName(v.Name))
	volumeID, err := p.CreateBlockVolume(ctx, j.Target.CompartmentID, ad, name, v.SizeGiB)
	if err != nil {
		return "", err
	}
	attachmentID, err := p.AttachVolume(ctx, localID, volumeID, "")
	if err != nil {
		p.discardVolume(volumeID, "")
		return "", err
	}
	device, err := ccommon.DetectNewBlockDevice(ctx, before, deviceDetectTimeout)
	if err != nil {
		p.discardVolume(volumeID, attachmentID)
		return "", err
	}
	p.logger.Infof("Copying %s to %s", v.Path, device)
	if err := ccommon.CopyDataWithDD(ctx, v.Path, device); err != nil {
		p.discardVolume(volumeID, attachmentID)
		return "", err
	}
	if err := p.DetachVolume(context.WithoutCancel(ctx), attachmentID); err != nil {
		return volumeID, err
	}
	p.logger.Successf("Volume %s ready as %s", v.Name, volumeID)
	return volumeID, nil
}

func (p *Provider) discardVolume(volumeID, attachmentID string) {
	ctx := context.Background()
	if attachmentID != "" {
		if err := p.DetachVolume(ctx, attachmentID); err != nil {
			p.logger.Warningf("Failed to detach %s: %v", volumeID, err)
		}
	}
	if err := p.DeleteVolume(ctx, volumeID); err != nil {
		p.logger.Warningf("Failed to delete %s: %v", volumeID, err)
	}
}

// CreateBlockVolume creates a new block volume and waits until it is available.
func (p *Provider) CreateBlockVolume(ctx context.Context, compartmentID, availabilityDomain, displayName string, sizeInGBs int64) (string, error) {
	client, err := p.blockstorage()
	if err != nil {
		return "", err
	}
	resp, err := client.CreateVolume(ctx, core.CreateVolumeRequest{
		CreateVolumeDetails: core.CreateVolumeDetails{
			CompartmentId:      &compartmentID,
			AvailabilityDomain: &availabilityDomain,
			DisplayName:        &displayName,
			SizeInGBs:          &sizeInGBs,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create volume: %w", err)
	}
	volumeID := *resp.Id
	p.logger.Info("Waiting for volume to become available...")
	if err := p.WaitForVolumeState(ctx, volumeID, core.VolumeLifecycleStateAvailable); err != nil {
		return "", fmt.Errorf("volume did not become available: %w", err)
	}
	return volumeID, nil
}

// WaitForVolumeState waits for a volume to reach the specified state.
func (p *Provider) WaitForVolumeState(ctx context.Context, volumeID string, targetState core.VolumeLifecycleStateEnum) error {
	client, err := p.blockstorage()
	if err != nil {
		return err
	}
	return p.wait(ctx, "volume "+volumeID, func() (bool, error) {
		resp, err := client.GetVolume(ctx, core.GetVolumeRequest{VolumeId: &volumeID})
		if err != nil {
			return false, fmt.Errorf("failed to get volume state: %w", err)
		}
		if resp.LifecycleState == core.VolumeLifecycleStateFaulty {
			return false, fmt.Errorf("volume entered faulty state")
		}
		return resp.LifecycleState == targetState, nil
	})
}

// AttachVolume attaches a volume paravirtualized, optionally under a fixed
// device path, and waits for the attachment.
func (p *Provider) AttachVolume(ctx context.Context, instanceID, volumeID, device string) (string, error) {
	client, err := p.compute()
	if err != nil {
		return "", err
	}
	details := core.AttachParavirtualizedVolumeDetails{
		InstanceId: &instanceID,
		VolumeId:   &volumeID,
	}
	if device != "" {
		details.Device = common.String(device)
	}
	resp, err := client.AttachVolume(ctx, core.AttachVolumeRequest{AttachVolumeDetails: details})
	if err != nil {
		return "", fmt.Errorf("failed to attach volume: %w", err)
	}
	attachmentID := *resp.VolumeAttachment.GetId()
	p.logger.Info("Waiting for volume attachment to complete...")
	if err := p.WaitForVolumeAttachmentState(ctx, attachmentID, core.VolumeAttachmentLifecycleStateAttached); err != nil {
		return "", fmt.Errorf("volume attachment failed: %w", err)
	}
	return attachmentID, nil
}

// WaitForVolumeAttachmentState waits for a volume attachment to reach the specified state.
func (p *Provider) WaitForVolumeAttachmentState(ctx context.Context, attachmentID string, targetState core.VolumeAttachmentLifecycleStateEnum) error {
	client, err := p.compute()
	if err != nil {
		return err
	}
	return p.wait(ctx, "attachment "+attachmentID, func() (bool, error) {
		resp, err := client.GetVolumeAttachment(ctx, core.GetVolumeAttachmentRequest{VolumeAttachmentId: &attachmentID})
		if err != nil {
			return false, fmt.Errorf("failed to get volume attachment state: %w", err)
		}
		return resp.VolumeAttachment.GetLifecycleState() == targetState, nil
	})
}

// DetachVolume detaches a volume from an instance.
func (p *Provider) DetachVolume(ctx context.Context, attachmentID string) error {
	client, err := p.compute()
	if err != nil {
		return err
	}
	if _, err := client.DetachVolume(ctx, core.DetachVolumeRequest{VolumeAttachmentId: &attachmentID}); err != nil {
		return fmt.Errorf("failed to detach volume: %w", err)
	}
	p.logger.Info("Waiting for volume detachment to complete...")
	if err := p.WaitForVolumeAttachmentState(ctx, attachmentID, core.VolumeAttachmentLifecycleStateDetached); err != nil {
		return fmt.Errorf("volume detachment failed: %w", err)
	}
	return nil
}

// AttachVolumes attaches the converted data volumes to instanceID.
func (p *Provider) AttachVolumes(ctx context.Context, j *job.MigrationJob, instanceID string) error {
	for _, v := range j.DataVolumes() {
		if v.VolumeID() == "" {
			return fmt.Errorf("volume %s has not been converted", v.Name)
		}
		if _, err := p.AttachVolume(ctx, instanceID, v.VolumeID(), v.DeviceName); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) volumeAttachments(ctx context.Context, compartmentID string, instanceID, volumeID *string) ([]core.VolumeAttachment, error) {
	client, err := p.compute()
	if err != nil {
		return nil, err
	}
	resp, err := client.ListVolumeAttachments(ctx, core.ListVolumeAttachmentsRequest{
		CompartmentId: &compartmentID,
		InstanceId:    instanceID,
		VolumeId:      volumeID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list volume attachments: %w", err)
	}
	var out []core.VolumeAttachment
	for _, a := range resp.Items {
		if a.GetLifecycleState() == core.VolumeAttachmentLifecycleStateAttached {
			out = append(out, a)
		}
	}
	return out, nil
}

func volumeState(s core.VolumeLifecycleStateEnum) string {
	switch s {
	case core.VolumeLifecycleStateAvailable:
		return cloud.StateAvailable
	case core.VolumeLifecycleStateFaulty:
		return cloud.StateFailed
	case core.VolumeLifecycleStateTerminated, core.VolumeLifecycleStateTerminating:
		return cloud.StateTerminated
	}
	return cloud.StatePending
}

// GetVolumeState reports "in-use" for attached volumes, otherwise the volume lifecycle.
func (p *Provider) GetVolumeState(ctx context.Context, volumeID string) (string, error) {
	if isKind(volumeID, "bootvolume") {
		return cloud.StateInUse, nil
	}
	attached, err := p.volumeAttachments(ctx, p.compartmentID, nil, &volumeID)
	if err != nil {
		return "", err
	}
	if len(attached) > 0 {
		return cloud.StateInUse, nil
	}
	client, err := p.blockstorage()
	if err != nil {
		return "", err
	}
	resp, err := client.GetVolume(ctx, core.GetVolumeRequest{VolumeId: &volumeID})
	if err != nil {
		return "", fmt.Errorf("failed to get volume state: %w", err)
	}
	return volumeState(resp.LifecycleState), nil
}

// ModifyVolumes applies the requested performance level to every imported volume.
func (p *Provider) ModifyVolumes(ctx context.Context, j *job.MigrationJob) error {
	if j.Target.VolumeType == "" {
		return nil
	}
	vpus, ok := volumeTypeVPUs[j.Target.VolumeType]
	if !ok {
		return fmt.Errorf("unknown volume performance %q", j.Target.VolumeType)
	}
	client, err := p.blockstorage()
	if err != nil {
		return err
	}
	for _, v := range j.Volumes {
		id := v.VolumeID()
		switch {
		case id == "":
			continue
		case isKind(id, "bootvolume"):
			_, err = client.UpdateBootVolume(ctx, core.UpdateBootVolumeRequest{
				BootVolumeId:            &id,
				UpdateBootVolumeDetails: core.UpdateBootVolumeDetails{VpusPerGB: common.Int64(vpus)},
			})
		default:
			_, err = client.UpdateVolume(ctx, core.UpdateVolumeRequest{
				VolumeId:            &id,
				UpdateVolumeDetails: core.UpdateVolumeDetails{VpusPerGB: common.Int64(vpus)},
			})
		}
		if err != nil {
			return fmt.Errorf("failed to update volume %s: %w", id, err)
		}
	}
	return nil
}

// DeleteVolume deletes a block or boot volume.
func (p *Provider) DeleteVolume(ctx context.Context, volumeID string) error {
	client, err := p.blockstorage()
	if err != nil {
		return err
	}
	if isKind(volumeID, "bootvolume") {
		if _, err := client.DeleteBootVolume(ctx, core.DeleteBootVolumeRequest{BootVolumeId: &volumeID}); err != nil {
			return fmt.Errorf("failed to delete boot volume: %w", err)
		}
		return nil
	}
	if _, err := client.DeleteVolume(ctx, core.DeleteVolumeRequest{VolumeId: &volumeID}); err != nil {
		return fmt.Errorf("failed to delete volume: %w", err)
	}
	if err := p.WaitForVolumeState(ctx, volumeID, core.VolumeLifecycleStateTerminated); err != nil {
		p.logger.Warning(fmt.Sprintf("Could not verify volume deletion: %v", err))
	}
	return nil
}
