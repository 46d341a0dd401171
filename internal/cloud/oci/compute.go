package oci

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/core"

	"github.com/codebypatrickleung/rehost/internal/cloud"
	"github.com/codebypatrickleung/rehost/internal/job"
)

// importTask tracks one provider-side conversion. Image tasks finish once the
// placeholder instance runs; volume tasks finish when the local copy does.
type importTask struct {
	job        *job.MigrationJob
	imageID    string
	instanceID string
	volumeID   string
	state      string
	message    string
	cancelled  bool
	cancel     context.CancelFunc
}

// imageTaskState folds the image and placeholder states into a conversion state.
func imageTaskState(image core.ImageLifecycleStateEnum, launched bool, instance core.InstanceLifecycleStateEnum) string {
	switch image {
	case core.ImageLifecycleStateDeleted:
		return cloud.ConversionDeleted
	case core.ImageLifecycleStateDisabled:
		return cloud.ConversionFailed
	case core.ImageLifecycleStateAvailable:
	default:
		return cloud.ConversionActive
	}
	if !launched {
		return cloud.ConversionActive
	}
	switch instance {
	case core.InstanceLifecycleStateRunning, core.InstanceLifecycleStateStopped:
		return cloud.ConversionCompleted
	case core.InstanceLifecycleStateTerminating, core.InstanceLifecycleStateTerminated:
		return cloud.ConversionDeleted
	}
	return cloud.ConversionActive
}

// ImportRootVolumeAsInstance imports the uploaded QCOW2 as a custom image.
// The placeholder instance is launched from it once the import finishes.
func (p *Provider) ImportRootVolumeAsInstance(ctx context.Context, j *job.MigrationJob, v *job.Volume) (string, error) {
	ns, err := p.Namespace(ctx)
	if err != nil {
		return "", err
	}
	client, err := p.compute()
	if err != nil {
		return "", err
	}
	sourceURL := p.objectURL(ns, p.cfg.BucketName, imageObjectName(j, v))
	displayName := j.ImageName() + "-import"
	resp, err := client.CreateImage(ctx, core.CreateImageRequest{
		CreateImageDetails: core.CreateImageDetails{
			CompartmentId: &j.Target.CompartmentID,
			DisplayName:   &displayName,
			LaunchMode:    core.CreateImageDetailsLaunchModeParavirtualized,
			ImageSourceDetails: core.ImageSourceViaObjectStorageUriDetails{
				SourceUri:       &sourceURL,
				OperatingSystem: common.String("Linux"),
				SourceImageType: core.ImageSourceDetailsSourceImageTypeQcow2,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create image: %w", err)
	}
	imageID := *resp.Image.Id
	p.logger.Successf("Custom image import started: %s", imageID)

	p.mu.Lock()
	p.imports[imageID] = &importTask{job: j, imageID: imageID, state: cloud.ConversionActive}
	p.mu.Unlock()
	return imageID, nil
}

func (p *Provider) DescribeConversionTask(ctx context.Context, taskID string) (*cloud.ConversionStatus, error) {
	p.mu.Lock()
	t, ok := p.imports[taskID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("conversion task %s not found", taskID)
	}
	snapshot := *t
	p.mu.Unlock()

	if snapshot.imageID == "" || snapshot.cancelled || cloud.IsTerminalConversion(snapshot.state) {
		return &cloud.ConversionStatus{
			State:         snapshot.state,
			VolumeID:      snapshot.volumeID,
			InstanceID:    snapshot.instanceID,
			StatusMessage: snapshot.message,
		}, nil
	}

	client, err := p.compute()
	if err != nil {
		return nil, err
	}
	img, err := client.GetImage(ctx, core.GetImageRequest{ImageId: &snapshot.imageID})
	if err != nil {
		return nil, fmt.Errorf("failed to get image status: %w", err)
	}

	var instanceState core.InstanceLifecycleStateEnum
	launched := snapshot.instanceID != ""
	if img.LifecycleState == core.ImageLifecycleStateAvailable && !launched {
		id, err := p.launchPlaceholder(ctx, snapshot.job, snapshot.imageID)
		if err != nil {
			return nil, err
		}
		snapshot.instanceID = id
		launched = true
		p.mu.Lock()
		t.instanceID = id
		p.mu.Unlock()
	}
	if launched {
		inst, err := client.GetInstance(ctx, core.GetInstanceRequest{InstanceId: &snapshot.instanceID})
		if err != nil {
			return nil, fmt.Errorf("failed to get instance details: %w", err)
		}
		instanceState = inst.LifecycleState
	}

	st := &cloud.ConversionStatus{
		State:      imageTaskState(img.LifecycleState, launched, instanceState),
		InstanceID: snapshot.instanceID,
	}
	if img.SizeInMBs != nil {
		st.BytesConverted = *img.SizeInMBs << 20
	}
	if st.State == cloud.ConversionCompleted {
		bootID, err := p.bootVolumeID(ctx, snapshot.job, snapshot.instanceID)
		if err != nil {
			return nil, err
		}
		st.VolumeID = bootID
	}
	if st.State != cloud.ConversionActive {
		st.StatusMessage = fmt.Sprintf("image %s, instance %s", img.LifecycleState, instanceState)
	}
	p.mu.Lock()
	t.state, t.volumeID, t.message = st.State, st.VolumeID, st.StatusMessage
	p.mu.Unlock()
	return st, nil
}

func (p *Provider) launchPlaceholder(ctx context.Context, j *job.MigrationJob, imageID string) (string, error) {
	id, err := p.launch(ctx, j, imageID, 0, j.InstanceName()+"-placeholder", "")
	if err != nil {
		return "", err
	}
	p.logger.Infof("Launched placeholder instance %s from %s", id, imageID)
	return id, nil
}

func (p *Provider) bootVolumeID(ctx context.Context, j *job.MigrationJob, instanceID string) (string, error) {
	client, err := p.compute()
	if err != nil {
		return "", err
	}
	ad, err := p.availabilityDomain(ctx, j)
	if err != nil {
		return "", err
	}
	resp, err := client.ListBootVolumeAttachments(ctx, core.ListBootVolumeAttachmentsRequest{
		AvailabilityDomain: &ad,
		CompartmentId:      &j.Target.CompartmentID,
		InstanceId:         &instanceID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to list boot volume attachments: %w", err)
	}
	for _, a := range resp.Items {
		if a.BootVolumeId != nil {
			return *a.BootVolumeId, nil
		}
	}
	return "", fmt.Errorf("instance %s has no boot volume", instanceID)
}

// CancelConversionTask stops a local volume copy, or deletes the importing
// image and any placeholder launched from it.
func (p *Provider) CancelConversionTask(ctx context.Context, taskID string) error {
	p.mu.Lock()
	t, ok := p.imports[taskID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("conversion task %s not found", taskID)
	}
	t.cancelled = true
	t.state = cloud.ConversionCancelled
	imageID, instanceID, cancel := t.imageID, t.instanceID, t.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if instanceID != "" {
		if err := p.TerminateInstance(ctx, instanceID); err != nil {
			return err
		}
	}
	if imageID != "" {
		client, err := p.compute()
		if err != nil {
			return err
		}
		if _, err := client.DeleteImage(ctx, core.DeleteImageRequest{ImageId: &imageID}); err != nil {
			return fmt.Errorf("failed to delete image %s: %w", imageID, err)
		}
	}
	return nil
}

func (p *Provider) CreateImage(ctx context.Context, j *job.MigrationJob, instanceID string) (string, error) {
	client, err := p.compute()
	if err != nil {
		return "", err
	}
	name := j.ImageName()
	resp, err := client.CreateImage(ctx, core.CreateImageRequest{
		CreateImageDetails: core.CreateImageDetails{
			CompartmentId: &j.Target.CompartmentID,
			DisplayName:   &name,
			InstanceId:    &instanceID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create image: %w", err)
	}
	return *resp.Image.Id, nil
}

func imageState(s core.ImageLifecycleStateEnum) string {
	switch s {
	case core.ImageLifecycleStateAvailable:
		return cloud.StateAvailable
	case core.ImageLifecycleStateDeleted, core.ImageLifecycleStateDisabled:
		return cloud.StateFailed
	}
	return cloud.StatePending
}

func (p *Provider) GetImageState(ctx context.Context, imageID string) (string, error) {
	client, err := p.compute()
	if err != nil {
		return "", err
	}
	resp, err := client.GetImage(ctx, core.GetImageRequest{ImageId: &imageID})
	if err != nil {
		return "", fmt.Errorf("failed to get image status: %w", err)
	}
	return imageState(resp.LifecycleState), nil
}

func imageInfo(img core.Image) *cloud.ImageInfo {
	info := &cloud.ImageInfo{
		ID:             *img.Id,
		RootDeviceName: rootDeviceName,
	}
	if img.DisplayName != nil {
		info.Name = *img.DisplayName
	}
	var sizeGiB int64
	if img.SizeInMBs != nil {
		sizeGiB = (*img.SizeInMBs + 1023) / 1024
	}
	info.BlockDevices = []job.BlockDevice{{DeviceName: rootDeviceName, SizeGiB: sizeGiB, Root: true}}
	return info
}

// DescribeImage resolves an image OCID or an exact display name in the job compartment.
func (p *Provider) DescribeImage(ctx context.Context, imageRef string) (*cloud.ImageInfo, error) {
	client, err := p.compute()
	if err != nil {
		return nil, err
	}
	if isKind(imageRef, "image") {
		resp, err := client.GetImage(ctx, core.GetImageRequest{ImageId: &imageRef})
		if err != nil {
			if serviceErr, ok := common.IsServiceError(err); ok && serviceErr.GetHTTPStatusCode() == 404 {
				return nil, job.Invalid("target.image_id", "image %s not found", imageRef)
			}
			return nil, fmt.Errorf("failed to get image: %w", err)
		}
		return imageInfo(resp.Image), nil
	}
	resp, err := client.ListImages(ctx, core.ListImagesRequest{
		CompartmentId: &p.compartmentID,
		DisplayName:   &imageRef,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	switch len(resp.Items) {
	case 0:
		return nil, job.Invalid("target.image_id", "image %s not found", imageRef)
	case 1:
		return imageInfo(resp.Items[0]), nil
	}
	return nil, job.Invalid("target.image_id", "image name %s matches %d images", imageRef, len(resp.Items))
}

func (p *Provider) shape(j *job.MigrationJob) string {
	if j.Target.InstanceType != "" {
		return j.Target.InstanceType
	}
	return defaultShape
}

func (p *Provider) launch(ctx context.Context, j *job.MigrationJob, imageID string, bootGiB int64, name, userData string) (string, error) {
	client, err := p.compute()
	if err != nil {
		return "", err
	}
	ad, err := p.availabilityDomain(ctx, j)
	if err != nil {
		return "", err
	}
	source := core.InstanceSourceViaImageDetails{ImageId: &imageID}
	if bootGiB > 0 {
		source.BootVolumeSizeInGBs = common.Int64(bootGiB)
	}
	details := core.LaunchInstanceDetails{
		AvailabilityDomain: &ad,
		CompartmentId:      &j.Target.CompartmentID,
		Shape:              common.String(p.shape(j)),
		DisplayName:        &name,
		SourceDetails:      source,
		CreateVnicDetails: &core.CreateVnicDetails{
			SubnetId:       &j.Target.SubnetID,
			AssignPublicIp: common.Bool(!j.EnableFloatingIP),
			NsgIds:         j.Target.SecurityGroupIDs,
		},
		Metadata: map[string]string{},
	}
	if j.Target.OCPUs > 0 || j.Target.MemoryGB > 0 {
		details.ShapeConfig = &core.LaunchInstanceShapeConfigDetails{}
		if j.Target.OCPUs > 0 {
			details.ShapeConfig.Ocpus = common.Float32(j.Target.OCPUs)
		}
		if j.Target.MemoryGB > 0 {
			details.ShapeConfig.MemoryInGBs = common.Float32(j.Target.MemoryGB)
		}
	}
	if j.Target.SSHPublicKey != "" {
		details.Metadata["ssh_authorized_keys"] = j.Target.SSHPublicKey
	}
	if userData != "" {
		details.Metadata["user_data"] = base64.StdEncoding.EncodeToString([]byte(userData))
	}
	resp, err := client.LaunchInstance(ctx, core.LaunchInstanceRequest{LaunchInstanceDetails: details})
	if err != nil {
		return "", fmt.Errorf("failed to launch instance: %w", err)
	}
	return *resp.Instance.Id, nil
}

// RunInstance launches the final instance. Non-root block devices become new
// block volumes attached once the instance is running. OCI images carry only
// a boot volume, so there is nothing to suppress.
func (p *Provider) RunInstance(ctx context.Context, j *job.MigrationJob, spec cloud.LaunchSpec) (string, error) {
	var bootGiB int64
	var extra []job.BlockDevice
	for _, bd := range spec.BlockDevices {
		if bd.Root {
			bootGiB = bd.SizeGiB
			continue
		}
		extra = append(extra, bd)
	}
	id, err := p.launch(ctx, j, spec.ImageID, bootGiB, j.InstanceName(), spec.UserData)
	if err != nil {
		return "", err
	}
	if len(extra) == 0 {
		return id, nil
	}

	if err := p.waitForInstanceState(ctx, id, core.InstanceLifecycleStateRunning); err != nil {
		return id, err
	}
	ad, err := p.availabilityDomain(ctx, j)
	if err != nil {
		return id, err
	}
	for _, bd := range extra {
		name := fmt.Sprintf("%s-%s", j.InstanceName(), path.Base(bd.DeviceName))
		volumeID, err := p.CreateBlockVolume(ctx, j.Target.CompartmentID, ad, name, bd.SizeGiB)
		if err != nil {
			return id, err
		}
		if _, err := p.AttachVolume(ctx, id, volumeID, bd.DeviceName); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (p *Provider) TerminateInstance(ctx context.Context, instanceID string) error {
	client, err := p.compute()
	if err != nil {
		return err
	}
	_, err = client.TerminateInstance(ctx, core.TerminateInstanceRequest{
		InstanceId:         &instanceID,
		PreserveBootVolume: common.Bool(false),
	})
	if err != nil {
		return fmt.Errorf("failed to terminate instance %s: %w", instanceID, err)
	}
	return nil
}

func instanceState(s core.InstanceLifecycleStateEnum) string {
	switch s {
	case core.InstanceLifecycleStateRunning:
		return cloud.StateRunning
	case core.InstanceLifecycleStateStopped:
		return cloud.StateStopped
	case core.InstanceLifecycleStateTerminated:
		return cloud.StateTerminated
	case core.InstanceLifecycleStateTerminating:
		return "shutting-down"
	case core.InstanceLifecycleStateStopping:
		return "stopping"
	}
	return cloud.StatePending
}

func (p *Provider) GetInstanceState(ctx context.Context, instanceID string) (string, error) {
	client, err := p.compute()
	if err != nil {
		return "", err
	}
	resp, err := client.GetInstance(ctx, core.GetInstanceRequest{InstanceId: &instanceID})
	if err != nil {
		return "", fmt.Errorf("failed to get instance details: %w", err)
	}
	return instanceState(resp.LifecycleState), nil
}

func (p *Provider) waitForInstanceState(ctx context.Context, instanceID string, target core.InstanceLifecycleStateEnum) error {
	client, err := p.compute()
	if err != nil {
		return err
	}
	return p.wait(ctx, "instance "+instanceID, func() (bool, error) {
		resp, err := client.GetInstance(ctx, core.GetInstanceRequest{InstanceId: &instanceID})
		if err != nil {
			return false, fmt.Errorf("failed to get instance details: %w", err)
		}
		if resp.LifecycleState == core.InstanceLifecycleStateTerminated {
			return false, fmt.Errorf("instance %s terminated", instanceID)
		}
		return resp.LifecycleState == target, nil
	})
}

// IsStatusCheckPassed treats a running instance as healthy; OCI has no
// separate reachability checks.
func (p *Provider) IsStatusCheckPassed(ctx context.Context, instanceID string) (bool, error) {
	state, err := p.GetInstanceState(ctx, instanceID)
	if err != nil {
		return false, err
	}
	return state == cloud.StateRunning, nil
}

func (p *Provider) primaryVnic(ctx context.Context, compartmentID, instanceID string) (*core.Vnic, error) {
	client, err := p.compute()
	if err != nil {
		return nil, err
	}
	network, err := p.network()
	if err != nil {
		return nil, err
	}
	resp, err := client.ListVnicAttachments(ctx, core.ListVnicAttachmentsRequest{
		CompartmentId: &compartmentID,
		InstanceId:    &instanceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list VNIC attachments: %w", err)
	}
	for _, a := range resp.Items {
		if a.LifecycleState != core.VnicAttachmentLifecycleStateAttached || a.VnicId == nil {
			continue
		}
		vnic, err := network.GetVnic(ctx, core.GetVnicRequest{VnicId: a.VnicId})
		if err != nil {
			return nil, fmt.Errorf("failed to get VNIC: %w", err)
		}
		if vnic.IsPrimary != nil && *vnic.IsPrimary {
			return &vnic.Vnic, nil
		}
	}
	return nil, fmt.Errorf("instance %s has no primary VNIC", instanceID)
}

func (p *Provider) GetInstanceDetails(ctx context.Context, instanceID string) (*cloud.InstanceDetails, error) {
	client, err := p.compute()
	if err != nil {
		return nil, err
	}
	inst, err := client.GetInstance(ctx, core.GetInstanceRequest{InstanceId: &instanceID})
	if err != nil {
		return nil, fmt.Errorf("failed to get instance details: %w", err)
	}
	d := &cloud.InstanceDetails{}
	if inst.AvailabilityDomain != nil {
		d.AvailabilityZone = *inst.AvailabilityDomain
	}
	if inst.TimeCreated != nil {
		d.LaunchTime = inst.TimeCreated.Time
	}

	vnic, err := p.primaryVnic(ctx, *inst.CompartmentId, instanceID)
	if err != nil {
		return nil, err
	}
	if vnic.PublicIp != nil {
		d.PublicIP = *vnic.PublicIp
	}
	if vnic.PrivateIp != nil {
		d.PrivateIP = *vnic.PrivateIp
	}
	network, err := p.network()
	if err != nil {
		return nil, err
	}
	for _, nsg := range vnic.NsgIds {
		resp, err := network.GetNetworkSecurityGroup(ctx, core.GetNetworkSecurityGroupRequest{NetworkSecurityGroupId: &nsg})
		if err != nil {
			return nil, fmt.Errorf("failed to get network security group: %w", err)
		}
		d.SecurityGroupNames = append(d.SecurityGroupNames, *resp.DisplayName)
	}

	j := &job.MigrationJob{Target: job.TargetSpec{CompartmentID: *inst.CompartmentId, Zone: d.AvailabilityZone}}
	bootID, err := p.bootVolumeID(ctx, j, instanceID)
	if err != nil {
		return nil, err
	}
	d.BlockDevices = append(d.BlockDevices, job.BlockDevice{DeviceName: rootDeviceName, VolumeID: bootID, Root: true})
	attached, err := p.volumeAttachments(ctx, *inst.CompartmentId, &instanceID, nil)
	if err != nil {
		return nil, err
	}
	for _, a := range attached {
		bd := job.BlockDevice{VolumeID: *a.GetVolumeId()}
		if dev := a.GetDevice(); dev != nil {
			bd.DeviceName = *dev
		}
		d.BlockDevices = append(d.BlockDevices, bd)
	}
	return d, nil
}

// CreateTag merges key=value into the freeform tags of an instance or image.
func (p *Provider) CreateTag(ctx context.Context, resourceID, key, value string) error {
	client, err := p.compute()
	if err != nil {
		return err
	}
	switch {
	case isKind(resourceID, "instance"):
		inst, err := client.GetInstance(ctx, core.GetInstanceRequest{InstanceId: &resourceID})
		if err != nil {
			return fmt.Errorf("failed to get instance details: %w", err)
		}
		_, err = client.UpdateInstance(ctx, core.UpdateInstanceRequest{
			InstanceId:            &resourceID,
			UpdateInstanceDetails: core.UpdateInstanceDetails{FreeformTags: mergeTags(inst.FreeformTags, key, value)},
		})
		if err != nil {
			return fmt.Errorf("failed to tag %s: %w", resourceID, err)
		}
	case isKind(resourceID, "image"):
		img, err := client.GetImage(ctx, core.GetImageRequest{ImageId: &resourceID})
		if err != nil {
			return fmt.Errorf("failed to get image: %w", err)
		}
		_, err = client.UpdateImage(ctx, core.UpdateImageRequest{
			ImageId:            &resourceID,
			UpdateImageDetails: core.UpdateImageDetails{FreeformTags: mergeTags(img.FreeformTags, key, value)},
		})
		if err != nil {
			return fmt.Errorf("failed to tag %s: %w", resourceID, err)
		}
	default:
		return fmt.Errorf("cannot tag resource %s", resourceID)
	}
	return nil
}

func mergeTags(existing map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(existing)+1)
	for k, v := range existing {
		out[k] = v
	}
	out[key] = value
	return out
}

// AllocateFloatingIP reserves a public IP in the job compartment.
func (p *Provider) AllocateFloatingIP(ctx context.Context, j *job.MigrationJob) (string, error) {
	network, err := p.network()
	if err != nil {
		return "", err
	}
	name := j.InstanceName() + "-ip"
	resp, err := network.CreatePublicIp(ctx, core.CreatePublicIpRequest{
		CreatePublicIpDetails: core.CreatePublicIpDetails{
			CompartmentId: &j.Target.CompartmentID,
			Lifetime:      core.CreatePublicIpDetailsLifetimeReserved,
			DisplayName:   &name,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to reserve public IP: %w", err)
	}
	p.mu.Lock()
	p.publicIPIDs[*resp.IpAddress] = *resp.Id
	p.mu.Unlock()
	return *resp.IpAddress, nil
}

// AssociateFloatingIP binds a reserved IP to the primary private IP of the instance.
func (p *Provider) AssociateFloatingIP(ctx context.Context, instanceID, ip string) error {
	network, err := p.network()
	if err != nil {
		return err
	}
	p.mu.Lock()
	publicIPID := p.publicIPIDs[ip]
	p.mu.Unlock()
	if publicIPID == "" {
		resp, err := network.GetPublicIpByIpAddress(ctx, core.GetPublicIpByIpAddressRequest{
			GetPublicIpByIpAddressDetails: core.GetPublicIpByIpAddressDetails{IpAddress: &ip},
		})
		if err != nil {
			return fmt.Errorf("failed to look up public IP %s: %w", ip, err)
		}
		publicIPID = *resp.Id
	}

	vnic, err := p.primaryVnic(ctx, p.compartmentID, instanceID)
	if err != nil {
		return err
	}
	ips, err := network.ListPrivateIps(ctx, core.ListPrivateIpsRequest{VnicId: vnic.Id})
	if err != nil {
		return fmt.Errorf("failed to list private IPs: %w", err)
	}
	for _, pip := range ips.Items {
		if pip.IsPrimary == nil || !*pip.IsPrimary {
			continue
		}
		_, err := network.UpdatePublicIp(ctx, core.UpdatePublicIpRequest{
			PublicIpId:            &publicIPID,
			UpdatePublicIpDetails: core.UpdatePublicIpDetails{PrivateIpId: pip.Id},
		})
		if err != nil {
			return fmt.Errorf("failed to assign public IP %s: %w", ip, err)
		}
		return nil
	}
	return fmt.Errorf("instance %s has no primary private IP", instanceID)
}
