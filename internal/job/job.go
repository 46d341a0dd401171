// Package job defines the migration job aggregate and its YAML representation.
package job

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Strategy selects the pipeline a job runs through.
type Strategy string

const (
	StrategyRehost     Strategy = "rehost"
	StrategyReplatform Strategy = "replatform"
)

// Source host kinds.
const (
	SourceSSH   = "ssh"
	SourceAzure = "azure"
)

// MigrationJob is the unit of work owned by exactly one orchestration run.
type MigrationJob struct {
	ID               string       `yaml:"id"`
	Strategy         Strategy     `yaml:"strategy"`
	Provider         string       `yaml:"provider"`
	Credentials      Credentials  `yaml:"credentials"`
	Source           SourceHost   `yaml:"source"`
	Target           TargetSpec   `yaml:"target"`
	Volumes          []*Volume    `yaml:"volumes"`
	Tags             []Tag        `yaml:"tags"`
	EnableFloatingIP bool         `yaml:"enable_floating_ip"`
	Guest            GuestProfile `yaml:"guest"`
	// Files lists source paths archived and pushed to a replatformed instance.
	Files []string `yaml:"files"`

	Result Result `yaml:"-"`

	mu     sync.RWMutex
	status Phase
}

// SourceHost describes where raw disk images are captured from.
type SourceHost struct {
	Type           string `yaml:"type"`
	Address        string `yaml:"address"`
	PrivateAddress string `yaml:"private_address"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       Secret `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`
	WorkDir        string `yaml:"work_dir"`

	AzureSubscriptionID string `yaml:"azure_subscription_id"`
	AzureResourceGroup  string `yaml:"azure_resource_group"`
	AzureVMName         string `yaml:"azure_vm_name"`
}

// TargetSpec carries the provider parameters of the destination.
type TargetSpec struct {
	Region           string   `yaml:"region"`
	Zone             string   `yaml:"zone"`
	CompartmentID    string   `yaml:"compartment_id"`
	NetworkID        string   `yaml:"network_id"`
	SubnetID         string   `yaml:"subnet_id"`
	SecurityGroupIDs []string `yaml:"security_group_ids"`
	InstanceType     string   `yaml:"instance_type"`
	OCPUs            float32  `yaml:"ocpus"`
	MemoryGB         float32  `yaml:"memory_gb"`
	// ImageID is the catalog image used by replatform.
	ImageID      string `yaml:"image_id"`
	ImageName    string `yaml:"image_name"`
	InstanceName string `yaml:"instance_name"`
	KeyName      string `yaml:"key_name"`
	SSHPublicKey string `yaml:"ssh_public_key"`
	// VolumeType is applied to every imported volume after conversion.
	VolumeType string `yaml:"volume_type"`
	// GuestUser and GuestKeyPath are used to reach a replatformed instance.
	GuestUser    string `yaml:"guest_user"`
	GuestKeyPath string `yaml:"guest_key_path"`
}

// Tag is a resource tag applied to the final instance and image.
type Tag struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// BlockDevice is one entry of a block-device mapping.
type BlockDevice struct {
	DeviceName string
	VolumeID   string
	SnapshotID string
	SizeGiB    int64
	VolumeType string
	Root       bool
}

// Result holds provider-assigned identifiers filled in as phases complete.
type Result struct {
	PlaceholderInstanceID string
	InstanceID            string
	ImageID               string
	FloatingIP            string
	PublicIP              string
	PrivateIP             string
	AvailabilityZone      string
	LaunchTime            time.Time
	SecurityGroupNames    []string
	BlockDevices          []BlockDevice
	ArchivePath           string
}

// Load reads a job definition from a YAML file.
func Load(path string) (*MigrationJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML job definition and fills defaults.
func Parse(data []byte) (*MigrationJob, error) {
	var j MigrationJob
	if err := yaml.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to parse job: %w", err)
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Strategy == "" {
		j.Strategy = StrategyRehost
	}
	j.Provider = strings.ToLower(j.Provider)
	if j.Source.Type == "" {
		j.Source.Type = SourceSSH
	}
	if j.Source.Port == 0 {
		j.Source.Port = 22
	}
	if j.Source.WorkDir == "" {
		j.Source.WorkDir = "/tmp/rehost-" + j.ID
	}
	return &j, nil
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidID reports whether id is safe to use as a path and object-key segment.
func ValidID(id string) bool {
	return idPattern.MatchString(id) && !strings.Contains(id, "..")
}

// Validate checks the job definition for the configured strategy.
func (j *MigrationJob) Validate() error {
	if j.ID == "" {
		return Invalid("id", "job id is required")
	}
	if !ValidID(j.ID) {
		return Invalid("id", "job id %q may only contain letters, digits, '.', '_' and '-'", j.ID)
	}
	if _, err := PipelineFor(j.Strategy); err != nil {
		return Invalid("strategy", "%v", err)
	}
	if j.Provider == "" {
		return Invalid("provider", "target provider is required")
	}
	if j.Source.Type != SourceSSH && j.Source.Type != SourceAzure {
		return Invalid("source.type", "unsupported source type %q", j.Source.Type)
	}
	if j.Source.Type == SourceSSH && j.Source.Address == "" && j.Source.PrivateAddress == "" {
		return Invalid("source.address", "an address is required for ssh sources")
	}
	if len(j.Volumes) == 0 {
		return Invalid("volumes", "at least one volume is required")
	}
	names := make(map[string]bool, len(j.Volumes))
	roots := 0
	for i, v := range j.Volumes {
		if v.Name == "" {
			return Invalid(fmt.Sprintf("volumes[%d].name", i), "volume name is required")
		}
		if names[v.Name] {
			return Invalid(fmt.Sprintf("volumes[%d].name", i), "duplicate volume name %q", v.Name)
		}
		names[v.Name] = true
		if v.SizeGiB <= 0 {
			return Invalid(fmt.Sprintf("volumes[%d].size_gib", i), "size must be positive")
		}
		if v.Root {
			roots++
		}
	}
	switch j.Strategy {
	case StrategyRehost:
		if roots != 1 {
			return Invalid("volumes", "exactly one root volume is required, found %d", roots)
		}
	case StrategyReplatform:
		if roots > 1 {
			return Invalid("volumes", "at most one root volume may be requested, found %d", roots)
		}
		if j.Target.ImageID == "" {
			return Invalid("target.image_id", "a catalog image is required for replatform")
		}
	}
	return nil
}

// RootVolume returns the volume flagged as root, or nil.
func (j *MigrationJob) RootVolume() *Volume {
	for _, v := range j.Volumes {
		if v.Root {
			return v
		}
	}
	return nil
}

// DataVolumes returns every non-root volume in declaration order.
func (j *MigrationJob) DataVolumes() []*Volume {
	var out []*Volume
	for _, v := range j.Volumes {
		if !v.Root {
			out = append(out, v)
		}
	}
	return out
}

// Status returns the last recorded phase.
func (j *MigrationJob) Status() Phase {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// SetStatus records the current phase on the aggregate.
func (j *MigrationJob) SetStatus(p Phase) {
	j.mu.Lock()
	j.status = p
	j.mu.Unlock()
}

// WorkDir returns the job's local working directory under root.
func (j *MigrationJob) WorkDir(root string) string {
	return filepath.Join(root, j.Folder())
}

// Folder is the per-job namespace used for local and object-storage paths.
func (j *MigrationJob) Folder() string {
	return "job-" + j.ID
}

// ObjectKey returns the object-storage key of name inside the job folder.
func (j *MigrationJob) ObjectKey(name string) string {
	return j.Folder() + "/" + name
}

// ImageName returns the name for baked images.
func (j *MigrationJob) ImageName() string {
	if j.Target.ImageName != "" {
		return j.Target.ImageName
	}
	return "rehost-" + j.ID + "-image"
}

// InstanceName returns the display name of the final instance.
func (j *MigrationJob) InstanceName() string {
	if j.Target.InstanceName != "" {
		return j.Target.InstanceName
	}
	return "rehost-" + j.ID
}
