package job

import "sync"

// Volume is one disk unit to migrate. Identifiers written by upload and poll
// workers go through the accessors.
type Volume struct {
	Name string `yaml:"name"`
	// SourceDevice is the block device read on the source host.
	SourceDevice string `yaml:"source_device"`
	// Path is the local raw image file, set after capture.
	Path       string `yaml:"path"`
	SizeGiB    int64  `yaml:"size_gib"`
	Root       bool   `yaml:"root"`
	DeviceName string `yaml:"device_name"`
	MountPoint string `yaml:"mount_point"`
	Filesystem string `yaml:"filesystem"`

	mu          sync.RWMutex
	taskID      string
	volumeID    string
	manifestURL string
}

func (v *Volume) TaskID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.taskID
}

func (v *Volume) SetTaskID(id string) {
	v.mu.Lock()
	v.taskID = id
	v.mu.Unlock()
}

func (v *Volume) VolumeID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.volumeID
}

func (v *Volume) SetVolumeID(id string) {
	v.mu.Lock()
	v.volumeID = id
	v.mu.Unlock()
}

func (v *Volume) ManifestURL() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.manifestURL
}

func (v *Volume) SetManifestURL(u string) {
	v.mu.Lock()
	v.manifestURL = u
	v.mu.Unlock()
}

// SizeBytes returns the declared size in bytes.
func (v *Volume) SizeBytes() int64 {
	return v.SizeGiB << 30
}
