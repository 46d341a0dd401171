// Package cloudtest provides an in-memory cloud.Provider for tests.
package cloudtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/codebypatrickleung/rehost/internal/cloud"
	"github.com/codebypatrickleung/rehost/internal/job"
)

// Fake records every call and replays scripted conversion and state
// sequences. The zero value needs NewFake to initialise its maps.
type Fake struct {
	mu sync.Mutex

	// Conversions scripts the states returned for a task; the last entry repeats.
	Conversions map[string][]cloud.ConversionStatus
	// InstanceStates scripts GetInstanceState per instance; default "running".
	InstanceStates map[string][]string
	ImageStates    []string
	Image          *cloud.ImageInfo
	RootDevice     string

	UploadErr    map[string]error
	UploadDelay  time.Duration
	ImportErr    error
	CancelErr    error
	DeleteErr    error
	ValidateErr  error
	DescribeErr  error
	StatusChecks int

	// OnCall runs after a call is recorded, outside the lock.
	OnCall func(name string)

	calls     []string
	nextID    int
	uploads   map[string]int
	described map[string]int
	checked   map[string]int

	Uploaded    []string
	Imported    map[string]string
	Cancelled   []string
	Attached    []string
	Modified    []string
	Terminated  []string
	Deleted     []string
	Prefixes    []string
	Launched    []cloud.LaunchSpec
	Images      []string
	Tags        map[string]map[string]string
	FloatingIPs map[string]string
	jobs        map[string]*job.MigrationJob
}

// NewFake returns a Fake with default behaviour.
func NewFake() *Fake {
	return &Fake{
		Conversions:    map[string][]cloud.ConversionStatus{},
		InstanceStates: map[string][]string{},
		UploadErr:      map[string]error{},
		RootDevice:     "/dev/xvda",
		uploads:        map[string]int{},
		described:      map[string]int{},
		checked:        map[string]int{},
		Imported:       map[string]string{},
		Tags:           map[string]map[string]string{},
		FloatingIPs:    map[string]string{},
		jobs:           map[string]*job.MigrationJob{},
	}
}

func (f *Fake) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	hook := f.OnCall
	f.mu.Unlock()
	if hook != nil {
		hook(name)
	}
}

// Calls returns the recorded call names in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many times name was called.
func (f *Fake) Count(name string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

// Snapshot runs fn with the fake locked.
func (f *Fake) Snapshot(fn func(f *Fake)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *Fake) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Validate(ctx context.Context, j *job.MigrationJob) error {
	f.record("Validate")
	return f.ValidateErr
}

func (f *Fake) PrepareStorage(ctx context.Context, j *job.MigrationJob) error {
	f.record("PrepareStorage")
	return nil
}

func (f *Fake) UploadVolume(ctx context.Context, j *job.MigrationJob, v *job.Volume) (string, error) {
	f.record("UploadVolume")
	f.mu.Lock()
	delay := f.UploadDelay
	err := f.UploadErr[v.Name]
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[v.Name]++
	f.Uploaded = append(f.Uploaded, v.Name)
	return "https://storage.example/" + j.ObjectKey(v.Name+".manifest.xml") + "?signed", nil
}

func (f *Fake) DeleteObjects(ctx context.Context, prefix string) error {
	f.record("DeleteObjects")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Prefixes = append(f.Prefixes, prefix)
	return f.DeleteErr
}

func (f *Fake) UploadFile(ctx context.Context, key, path string) (string, error) {
	f.record("UploadFile")
	return "https://storage.example/" + key + "?signed", nil
}

func (f *Fake) ImportRootVolumeAsInstance(ctx context.Context, j *job.MigrationJob, v *job.Volume) (string, error) {
	f.record("ImportRootVolumeAsInstance")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ImportErr != nil {
		return "", f.ImportErr
	}
	task := f.id("import-i")
	f.Imported[v.Name] = "instance"
	if _, ok := f.Conversions[task]; !ok {
		f.Conversions[task] = []cloud.ConversionStatus{
			{State: cloud.ConversionActive},
			{State: cloud.ConversionActive, BytesConverted: 1 << 20},
			{State: cloud.ConversionCompleted, InstanceID: "i-placeholder", VolumeID: "vol-root"},
		}
	}
	f.InstanceStates["i-placeholder"] = []string{cloud.StateStopped}
	return task, nil
}

func (f *Fake) ImportVolume(ctx context.Context, j *job.MigrationJob, v *job.Volume) (string, error) {
	f.record("ImportVolume")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ImportErr != nil {
		return "", f.ImportErr
	}
	task := f.id("import-vol")
	f.Imported[v.Name] = "volume"
	if _, ok := f.Conversions[task]; !ok {
		f.Conversions[task] = []cloud.ConversionStatus{
			{State: cloud.ConversionActive, BytesConverted: 512},
			{State: cloud.ConversionCompleted, VolumeID: "vol-" + v.Name},
		}
	}
	return task, nil
}

func (f *Fake) DescribeConversionTask(ctx context.Context, taskID string) (*cloud.ConversionStatus, error) {
	f.record("DescribeConversionTask")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	seq, ok := f.Conversions[taskID]
	if !ok || len(seq) == 0 {
		return nil, fmt.Errorf("unknown task %s", taskID)
	}
	i := f.described[taskID]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	f.described[taskID]++
	st := seq[i]
	return &st, nil
}

func (f *Fake) CancelConversionTask(ctx context.Context, taskID string) error {
	f.record("CancelConversionTask")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled = append(f.Cancelled, taskID)
	return f.CancelErr
}

func (f *Fake) AttachVolumes(ctx context.Context, j *job.MigrationJob, instanceID string) error {
	f.record("AttachVolumes")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range j.DataVolumes() {
		f.Attached = append(f.Attached, v.VolumeID()+"@"+v.DeviceName)
	}
	return nil
}

func (f *Fake) GetVolumeState(ctx context.Context, volumeID string) (string, error) {
	f.record("GetVolumeState")
	return cloud.StateInUse, nil
}

func (f *Fake) ModifyVolumes(ctx context.Context, j *job.MigrationJob) error {
	f.record("ModifyVolumes")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range j.Volumes {
		f.Modified = append(f.Modified, v.VolumeID())
	}
	return nil
}

func (f *Fake) DeleteVolume(ctx context.Context, volumeID string) error {
	f.record("DeleteVolume")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, volumeID)
	return nil
}

func (f *Fake) CreateImage(ctx context.Context, j *job.MigrationJob, instanceID string) (string, error) {
	f.record("CreateImage")
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("ami")
	f.Images = append(f.Images, id)
	return id, nil
}

func (f *Fake) GetImageState(ctx context.Context, imageID string) (string, error) {
	f.record("GetImageState")
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ImageStates) == 0 {
		return cloud.StateAvailable, nil
	}
	st := f.ImageStates[0]
	if len(f.ImageStates) > 1 {
		f.ImageStates = f.ImageStates[1:]
	}
	return st, nil
}

func (f *Fake) DescribeImage(ctx context.Context, imageRef string) (*cloud.ImageInfo, error) {
	f.record("DescribeImage")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Image == nil {
		return nil, job.Invalid("target.image_id", "image %s not found", imageRef)
	}
	img := *f.Image
	img.BlockDevices = append([]job.BlockDevice(nil), f.Image.BlockDevices...)
	return &img, nil
}

func (f *Fake) RunInstance(ctx context.Context, j *job.MigrationJob, spec cloud.LaunchSpec) (string, error) {
	f.record("RunInstance")
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("i-final")
	f.Launched = append(f.Launched, spec)
	f.jobs[id] = j
	return id, nil
}

func (f *Fake) TerminateInstance(ctx context.Context, instanceID string) error {
	f.record("TerminateInstance")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Terminated = append(f.Terminated, instanceID)
	f.InstanceStates[instanceID] = []string{"shutting-down", cloud.StateTerminated}
	return nil
}

func (f *Fake) GetInstanceState(ctx context.Context, instanceID string) (string, error) {
	f.record("GetInstanceState")
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.InstanceStates[instanceID]
	if len(seq) == 0 {
		return cloud.StateRunning, nil
	}
	st := seq[0]
	if len(seq) > 1 {
		f.InstanceStates[instanceID] = seq[1:]
	}
	return st, nil
}

func (f *Fake) IsStatusCheckPassed(ctx context.Context, instanceID string) (bool, error) {
	f.record("IsStatusCheckPassed")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked[instanceID]++
	return f.checked[instanceID] > f.StatusChecks, nil
}

func (f *Fake) GetInstanceDetails(ctx context.Context, instanceID string) (*cloud.InstanceDetails, error) {
	f.record("GetInstanceDetails")
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &cloud.InstanceDetails{
		AvailabilityZone: "us-east-1a",
		LaunchTime:       time.Now().UTC(),
		PublicIP:         "203.0.113.10",
		PrivateIP:        "10.0.0.10",
	}
	j, final := f.jobs[instanceID]
	if !final {
		d.BlockDevices = []job.BlockDevice{{DeviceName: f.RootDevice, VolumeID: "vol-root", Root: true}}
		return d, nil
	}
	if j.Target.Zone != "" {
		d.AvailabilityZone = j.Target.Zone
	}
	for _, sg := range j.Target.SecurityGroupIDs {
		d.SecurityGroupNames = append(d.SecurityGroupNames, "name-"+sg)
	}
	spec := f.Launched[len(f.Launched)-1]
	if len(spec.BlockDevices) > 0 {
		d.BlockDevices = append(d.BlockDevices, spec.BlockDevices...)
		return d, nil
	}
	for _, v := range j.Volumes {
		name := v.DeviceName
		if v.Root {
			name = f.RootDevice
		}
		d.BlockDevices = append(d.BlockDevices, job.BlockDevice{DeviceName: name, VolumeID: "vol-final-" + v.Name, SizeGiB: v.SizeGiB, Root: v.Root})
	}
	return d, nil
}

func (f *Fake) CreateTag(ctx context.Context, resourceID, key, value string) error {
	f.record("CreateTag")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Tags[resourceID] == nil {
		f.Tags[resourceID] = map[string]string{}
	}
	f.Tags[resourceID][key] = value
	return nil
}

func (f *Fake) AllocateFloatingIP(ctx context.Context, j *job.MigrationJob) (string, error) {
	f.record("AllocateFloatingIP")
	return "198.51.100.7", nil
}

func (f *Fake) AssociateFloatingIP(ctx context.Context, instanceID, ip string) error {
	f.record("AssociateFloatingIP")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FloatingIPs[instanceID] = ip
	return nil
}

// HasPrefixCall reports whether any recorded call starts with prefix.
func (f *Fake) HasPrefixCall(prefix string) bool {
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

var _ cloud.Provider = (*Fake)(nil)
