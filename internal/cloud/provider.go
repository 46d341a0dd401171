// Package cloud defines the narrow adapter surface the migration
// orchestrator drives. Each target cloud implements Provider in its own
// subpackage; the orchestrator never branches on provider identity.
package cloud

import (
	"context"
	"time"

	"github.com/codebypatrickleung/rehost/internal/job"
)

// Conversion task states reported by DescribeConversionTask.
const (
	ConversionActive     = "active"
	ConversionCompleted  = "completed"
	ConversionCancelling = "cancelling"
	ConversionCancelled  = "cancelled"
	ConversionDeleted    = "deleted"
	ConversionFailed     = "failed"
)

// Normalized resource states.
const (
	StatePending    = "pending"
	StateRunning    = "running"
	StateStopped    = "stopped"
	StateTerminated = "terminated"
	StateAvailable  = "available"
	StateInUse      = "in-use"
	StateFailed     = "failed"
)

// ConversionStatus is a snapshot of a provider-side import task.
type ConversionStatus struct {
	State          string
	VolumeID       string
	InstanceID     string
	BytesConverted int64
	StatusMessage  string
}

// ImageInfo describes a catalog or baked image.
type ImageInfo struct {
	ID             string
	Name           string
	RootDeviceName string
	BlockDevices   []job.BlockDevice
}

// InstanceDetails are the observable attributes of a launched instance.
type InstanceDetails struct {
	BlockDevices       []job.BlockDevice
	AvailabilityZone   string
	LaunchTime         time.Time
	SecurityGroupNames []string
	PublicIP           string
	PrivateIP          string
}

// LaunchSpec selects what RunInstance boots. Suppressed names image
// block devices the instance must not inherit.
type LaunchSpec struct {
	ImageID      string
	BlockDevices []job.BlockDevice
	Suppressed   []string
	UserData     string
}

// Provider abstracts the compute and object-storage operations of one cloud.
type Provider interface {
	Name() string

	// Validate rejects jobs the provider cannot serve. It must not mutate anything.
	Validate(ctx context.Context, j *job.MigrationJob) error

	PrepareStorage(ctx context.Context, j *job.MigrationJob) error
	// UploadVolume stores the volume image, writes its manifest and returns a
	// pre-signed retrieval URL for that manifest.
	UploadVolume(ctx context.Context, j *job.MigrationJob, v *job.Volume) (string, error)
	DeleteObjects(ctx context.Context, prefix string) error
	UploadFile(ctx context.Context, key, path string) (string, error)

	ImportRootVolumeAsInstance(ctx context.Context, j *job.MigrationJob, v *job.Volume) (string, error)
	ImportVolume(ctx context.Context, j *job.MigrationJob, v *job.Volume) (string, error)
	DescribeConversionTask(ctx context.Context, taskID string) (*ConversionStatus, error)
	CancelConversionTask(ctx context.Context, taskID string) error

	AttachVolumes(ctx context.Context, j *job.MigrationJob, instanceID string) error
	GetVolumeState(ctx context.Context, volumeID string) (string, error)
	ModifyVolumes(ctx context.Context, j *job.MigrationJob) error
	DeleteVolume(ctx context.Context, volumeID string) error

	CreateImage(ctx context.Context, j *job.MigrationJob, instanceID string) (string, error)
	GetImageState(ctx context.Context, imageID string) (string, error)
	DescribeImage(ctx context.Context, imageRef string) (*ImageInfo, error)

	RunInstance(ctx context.Context, j *job.MigrationJob, spec LaunchSpec) (string, error)
	TerminateInstance(ctx context.Context, instanceID string) error
	GetInstanceState(ctx context.Context, instanceID string) (string, error)
	IsStatusCheckPassed(ctx context.Context, instanceID string) (bool, error)
	GetInstanceDetails(ctx context.Context, instanceID string) (*InstanceDetails, error)

	CreateTag(ctx context.Context, resourceID, key, value string) error
	AllocateFloatingIP(ctx context.Context, j *job.MigrationJob) (string, error)
	AssociateFloatingIP(ctx context.Context, instanceID, ip string) error
}

// IsTerminalConversion reports whether a conversion state will not change again.
func IsTerminalConversion(state string) bool {
	switch state {
	case ConversionCompleted, ConversionCancelled, ConversionDeleted, ConversionFailed:
		return true
	}
	return false
}
