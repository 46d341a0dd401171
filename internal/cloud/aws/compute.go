package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/codebypatrickleung/rehost/internal/cloud"
	"github.com/codebypatrickleung/rehost/internal/job"
)

func diskImage(v *job.Volume, manifestURL string) (*types.DiskImageDetail, *types.VolumeDetail) {
	image := &types.DiskImageDetail{
		Format:            types.DiskImageFormatRaw,
		Bytes:             aws.Int64(v.SizeBytes()),
		ImportManifestUrl: aws.String(manifestURL),
	}
	return image, &types.VolumeDetail{Size: aws.Int64(v.SizeGiB)}
}

// ImportRootVolumeAsInstance starts an instance import. EC2 materializes the
// boot volume and a stopped placeholder instance from it.
func (p *Provider) ImportRootVolumeAsInstance(ctx context.Context, j *job.MigrationJob, v *job.Volume) (string, error) {
	url := v.ManifestURL()
	if url == "" {
		return "", fmt.Errorf("volume %s has no manifest URL", v.Name)
	}
	image, volume := diskImage(v, url)
	spec := &types.ImportInstanceLaunchSpecification{
		Architecture: types.ArchitectureValuesX8664,
		InstanceType: types.InstanceType(p.instanceType(j)),
		Placement:    &types.Placement{AvailabilityZone: aws.String(p.zone(j))},
		GroupIds:     j.Target.SecurityGroupIDs,
	}
	if j.Target.SubnetID != "" {
		spec.SubnetId = aws.String(j.Target.SubnetID)
	}
	out, err := p.ec2.ImportInstance(ctx, &ec2.ImportInstanceInput{
		Platform:            types.PlatformValues(linuxPlatform),
		Description:         aws.String(fmt.Sprintf("rehost %s root volume %s", j.ID, v.Name)),
		DiskImages:          []types.DiskImage{{Image: image, Volume: volume}},
		LaunchSpecification: spec,
	})
	if err != nil {
		return "", fmt.Errorf("failed to import instance: %w", err)
	}
	if out.ConversionTask == nil || out.ConversionTask.ConversionTaskId == nil {
		return "", fmt.Errorf("import instance returned no conversion task")
	}
	return aws.ToString(out.ConversionTask.ConversionTaskId), nil
}

// ImportVolume starts a plain volume import in the job's zone.
func (p *Provider) ImportVolume(ctx context.Context, j *job.MigrationJob, v *job.Volume) (string, error) {
	url := v.ManifestURL()
	if url == "" {
		return "", fmt.Errorf("volume %s has no manifest URL", v.Name)
	}
	image, volume := diskImage(v, url)
	out, err := p.ec2.ImportVolume(ctx, &ec2.ImportVolumeInput{
		AvailabilityZone: aws.String(p.zone(j)),
		Description:      aws.String(fmt.Sprintf("rehost %s volume %s", j.ID, v.Name)),
		Image:            image,
		Volume:           volume,
	})
	if err != nil {
		return "", fmt.Errorf("failed to import volume: %w", err)
	}
	if out.ConversionTask == nil || out.ConversionTask.ConversionTaskId == nil {
		return "", fmt.Errorf("import volume returned no conversion task")
	}
	return aws.ToString(out.ConversionTask.ConversionTaskId), nil
}

// conversionState folds EC2 task states into the normalized set. Unknown
// states count as failure.
func conversionState(s types.ConversionTaskState) string {
	switch s {
	case types.ConversionTaskStateActive:
		return cloud.ConversionActive
	case types.ConversionTaskStateCompleted:
		return cloud.ConversionCompleted
	case types.ConversionTaskStateCancelling:
		return cloud.ConversionCancelling
	case types.ConversionTaskStateCancelled:
		return cloud.ConversionCancelled
	case "deleted", "deleting":
		return cloud.ConversionDeleted
	}
	return cloud.ConversionFailed
}

func (p *Provider) DescribeConversionTask(ctx context.Context, taskID string) (*cloud.ConversionStatus, error) {
	out, err := p.ec2.DescribeConversionTasks(ctx, &ec2.DescribeConversionTasksInput{
		ConversionTaskIds: []string{taskID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe conversion task %s: %w", taskID, err)
	}
	if len(out.ConversionTasks) == 0 {
		return nil, fmt.Errorf("conversion task %s not found", taskID)
	}
	task := out.ConversionTasks[0]
	st := &cloud.ConversionStatus{
		State:         conversionState(task.State),
		StatusMessage: aws.ToString(task.StatusMessage),
	}
	if d := task.ImportInstance; d != nil {
		st.InstanceID = aws.ToString(d.InstanceId)
		for _, item := range d.Volumes {
			st.BytesConverted += aws.ToInt64(item.BytesConverted)
			if item.Volume != nil && st.VolumeID == "" {
				st.VolumeID = aws.ToString(item.Volume.Id)
			}
		}
	}
	if d := task.ImportVolume; d != nil {
		st.BytesConverted = aws.ToInt64(d.BytesConverted)
		if d.Volume != nil {
			st.VolumeID = aws.ToString(d.Volume.Id)
		}
	}
	return st, nil
}

func (p *Provider) CancelConversionTask(ctx context.Context, taskID string) error {
	_, err := p.ec2.CancelConversionTask(ctx, &ec2.CancelConversionTaskInput{
		ConversionTaskId: aws.String(taskID),
		ReasonMessage:    aws.String("migration cancelled"),
	})
	if err != nil {
		return fmt.Errorf("failed to cancel conversion task %s: %w", taskID, err)
	}
	return nil
}

// AttachVolumes attaches every converted data volume under its planned device name.
func (p *Provider) AttachVolumes(ctx context.Context, j *job.MigrationJob, instanceID string) error {
	for _, v := range j.DataVolumes() {
		if v.VolumeID() == "" {
			return fmt.Errorf("volume %s has not been converted", v.Name)
		}
		if v.DeviceName == "" {
			return fmt.Errorf("volume %s has no device name", v.Name)
		}
		_, err := p.ec2.AttachVolume(ctx, &ec2.AttachVolumeInput{
			Device:     aws.String(v.DeviceName),
			InstanceId: aws.String(instanceID),
			VolumeId:   aws.String(v.VolumeID()),
		})
		if err != nil {
			return fmt.Errorf("failed to attach volume %s: %w", v.VolumeID(), err)
		}
		p.log.Infof("Attaching %s to %s as %s", v.VolumeID(), instanceID, v.DeviceName)
	}
	return nil
}

func (p *Provider) GetVolumeState(ctx context.Context, volumeID string) (string, error) {
	out, err := p.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}})
	if err != nil {
		return "", fmt.Errorf("failed to describe volume %s: %w", volumeID, err)
	}
	if len(out.Volumes) == 0 {
		return "", fmt.Errorf("volume %s not found", volumeID)
	}
	return string(out.Volumes[0].State), nil
}

// ModifyVolumes upgrades imported volumes to the requested disk type.
// Imports always produce magnetic volumes.
func (p *Provider) ModifyVolumes(ctx context.Context, j *job.MigrationJob) error {
	if j.Target.VolumeType == "" {
		return nil
	}
	for _, v := range j.Volumes {
		if v.VolumeID() == "" {
			continue
		}
		_, err := p.ec2.ModifyVolume(ctx, &ec2.ModifyVolumeInput{
			VolumeId:   aws.String(v.VolumeID()),
			VolumeType: types.VolumeType(j.Target.VolumeType),
		})
		if err != nil {
			return fmt.Errorf("failed to modify volume %s: %w", v.VolumeID(), err)
		}
	}
	return nil
}

func (p *Provider) DeleteVolume(ctx context.Context, volumeID string) error {
	if _, err := p.ec2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)}); err != nil {
		return fmt.Errorf("failed to delete volume %s: %w", volumeID, err)
	}
	return nil
}

func (p *Provider) CreateImage(ctx context.Context, j *job.MigrationJob, instanceID string) (string, error) {
	out, err := p.ec2.CreateImage(ctx, &ec2.CreateImageInput{
		InstanceId:  aws.String(instanceID),
		Name:        aws.String(j.ImageName()),
		Description: aws.String("rehost " + j.ID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create image: %w", err)
	}
	return aws.ToString(out.ImageId), nil
}

func (p *Provider) GetImageState(ctx context.Context, imageID string) (string, error) {
	out, err := p.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}})
	if err != nil {
		return "", fmt.Errorf("failed to describe image %s: %w", imageID, err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("image %s not found", imageID)
	}
	return string(out.Images[0].State), nil
}

// DescribeImage resolves an AMI id or an exact image name.
func (p *Provider) DescribeImage(ctx context.Context, imageRef string) (*cloud.ImageInfo, error) {
	in := &ec2.DescribeImagesInput{}
	if strings.HasPrefix(imageRef, "ami-") {
		in.ImageIds = []string{imageRef}
	} else {
		in.Filters = []types.Filter{{Name: aws.String("name"), Values: []string{imageRef}}}
	}
	out, err := p.ec2.DescribeImages(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to describe image %s: %w", imageRef, err)
	}
	switch len(out.Images) {
	case 0:
		return nil, job.Invalid("target.image_id", "image %s not found", imageRef)
	case 1:
	default:
		return nil, job.Invalid("target.image_id", "image name %s matches %d images", imageRef, len(out.Images))
	}

	img := out.Images[0]
	info := &cloud.ImageInfo{
		ID:             aws.ToString(img.ImageId),
		Name:           aws.ToString(img.Name),
		RootDeviceName: aws.ToString(img.RootDeviceName),
	}
	for _, m := range img.BlockDeviceMappings {
		bd := job.BlockDevice{DeviceName: aws.ToString(m.DeviceName)}
		bd.Root = bd.DeviceName == info.RootDeviceName
		if m.Ebs != nil {
			bd.SnapshotID = aws.ToString(m.Ebs.SnapshotId)
			bd.SizeGiB = int64(aws.ToInt32(m.Ebs.VolumeSize))
			bd.VolumeType = string(m.Ebs.VolumeType)
		}
		info.BlockDevices = append(info.BlockDevices, bd)
	}
	return info, nil
}

// blockDeviceMappings builds the launch mapping. EC2 copies every image
// device the request leaves out, so suppressed names get a NoDevice entry.
func blockDeviceMappings(devices []job.BlockDevice, suppressed []string) []types.BlockDeviceMapping {
	out := make([]types.BlockDeviceMapping, 0, len(devices)+len(suppressed))
	for _, d := range devices {
		ebs := &types.EbsBlockDevice{DeleteOnTermination: aws.Bool(true)}
		if d.SizeGiB > 0 {
			ebs.VolumeSize = aws.Int32(int32(d.SizeGiB))
		}
		if d.SnapshotID != "" {
			ebs.SnapshotId = aws.String(d.SnapshotID)
		}
		if d.VolumeType != "" {
			ebs.VolumeType = types.VolumeType(d.VolumeType)
		}
		out = append(out, types.BlockDeviceMapping{DeviceName: aws.String(d.DeviceName), Ebs: ebs})
	}
	for _, name := range suppressed {
		out = append(out, types.BlockDeviceMapping{DeviceName: aws.String(name), NoDevice: aws.String("")})
	}
	return out
}

// RunInstance launches the final instance from spec.
func (p *Provider) RunInstance(ctx context.Context, j *job.MigrationJob, spec cloud.LaunchSpec) (string, error) {
	in := &ec2.RunInstancesInput{
		ImageId:          aws.String(spec.ImageID),
		InstanceType:     types.InstanceType(p.instanceType(j)),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: j.Target.SecurityGroupIDs,
		Placement:        &types.Placement{AvailabilityZone: aws.String(p.zone(j))},
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         []types.Tag{{Key: aws.String("Name"), Value: aws.String(j.InstanceName())}},
		}},
	}
	if j.Target.SubnetID != "" {
		in.SubnetId = aws.String(j.Target.SubnetID)
	}
	if j.Target.KeyName != "" {
		in.KeyName = aws.String(j.Target.KeyName)
	}
	if len(spec.BlockDevices) > 0 || len(spec.Suppressed) > 0 {
		in.BlockDeviceMappings = blockDeviceMappings(spec.BlockDevices, spec.Suppressed)
	}
	if spec.UserData != "" {
		in.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData)))
	}

	out, err := p.ec2.RunInstances(ctx, in)
	if err != nil {
		return "", fmt.Errorf("failed to launch instance: %w", err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("launch returned no instance")
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

func (p *Provider) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return fmt.Errorf("failed to terminate instance %s: %w", instanceID, err)
	}
	return nil
}

func (p *Provider) describeInstance(ctx context.Context, instanceID string) (*types.Instance, error) {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}
	for _, r := range out.Reservations {
		for i := range r.Instances {
			if aws.ToString(r.Instances[i].InstanceId) == instanceID {
				return &r.Instances[i], nil
			}
		}
	}
	return nil, fmt.Errorf("instance %s not found", instanceID)
}

func (p *Provider) GetInstanceState(ctx context.Context, instanceID string) (string, error) {
	inst, err := p.describeInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if inst.State == nil {
		return cloud.StatePending, nil
	}
	return string(inst.State.Name), nil
}

// IsStatusCheckPassed reports whether both the instance and system checks are ok.
func (p *Provider) IsStatusCheckPassed(ctx context.Context, instanceID string) (bool, error) {
	out, err := p.ec2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{instanceID},
		IncludeAllInstances: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("failed to describe instance status %s: %w", instanceID, err)
	}
	if len(out.InstanceStatuses) == 0 {
		return false, nil
	}
	st := out.InstanceStatuses[0]
	ok := func(s *types.InstanceStatusSummary) bool {
		return s != nil && s.Status == types.SummaryStatusOk
	}
	return ok(st.InstanceStatus) && ok(st.SystemStatus), nil
}

func (p *Provider) GetInstanceDetails(ctx context.Context, instanceID string) (*cloud.InstanceDetails, error) {
	inst, err := p.describeInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	d := &cloud.InstanceDetails{
		PublicIP:   aws.ToString(inst.PublicIpAddress),
		PrivateIP:  aws.ToString(inst.PrivateIpAddress),
		LaunchTime: aws.ToTime(inst.LaunchTime),
	}
	if inst.Placement != nil {
		d.AvailabilityZone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	root := aws.ToString(inst.RootDeviceName)
	for _, m := range inst.BlockDeviceMappings {
		bd := job.BlockDevice{DeviceName: aws.ToString(m.DeviceName)}
		bd.Root = bd.DeviceName == root
		if m.Ebs != nil {
			bd.VolumeID = aws.ToString(m.Ebs.VolumeId)
		}
		d.BlockDevices = append(d.BlockDevices, bd)
	}
	for _, g := range inst.SecurityGroups {
		d.SecurityGroupNames = append(d.SecurityGroupNames, aws.ToString(g.GroupName))
	}
	return d, nil
}

func (p *Provider) CreateTag(ctx context.Context, resourceID, key, value string) error {
	_, err := p.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{resourceID},
		Tags:      []types.Tag{{Key: aws.String(key), Value: aws.String(value)}},
	})
	if err != nil {
		return fmt.Errorf("failed to tag %s: %w", resourceID, err)
	}
	return nil
}

// AllocateFloatingIP allocates an Elastic IP in the VPC domain.
func (p *Provider) AllocateFloatingIP(ctx context.Context, j *job.MigrationJob) (string, error) {
	out, err := p.ec2.AllocateAddress(ctx, &ec2.AllocateAddressInput{Domain: types.DomainTypeVpc})
	if err != nil {
		return "", fmt.Errorf("failed to allocate elastic IP: %w", err)
	}
	ip := aws.ToString(out.PublicIp)
	p.mu.Lock()
	p.allocations[ip] = aws.ToString(out.AllocationId)
	p.mu.Unlock()
	return ip, nil
}

func (p *Provider) AssociateFloatingIP(ctx context.Context, instanceID, ip string) error {
	p.mu.Lock()
	allocationID := p.allocations[ip]
	p.mu.Unlock()
	if allocationID == "" {
		out, err := p.ec2.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{PublicIps: []string{ip}})
		if err != nil {
			return fmt.Errorf("failed to look up elastic IP %s: %w", ip, err)
		}
		if len(out.Addresses) == 0 {
			return fmt.Errorf("elastic IP %s not found", ip)
		}
		allocationID = aws.ToString(out.Addresses[0].AllocationId)
	}
	_, err := p.ec2.AssociateAddress(ctx, &ec2.AssociateAddressInput{
		AllocationId: aws.String(allocationID),
		InstanceId:   aws.String(instanceID),
	})
	if err != nil {
		return fmt.Errorf("failed to associate elastic IP %s: %w", ip, err)
	}
	return nil
}
