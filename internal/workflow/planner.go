package workflow

import (
	"fmt"
	"strings"

	"github.com/codebypatrickleung/rehost/internal/cloud"
	"github.com/codebypatrickleung/rehost/internal/job"
)

// deviceNames hands out block-device names that do not collide with names
// already present in a mapping.
type deviceNames struct {
	prefix string
	taken  map[string]bool
}

// devicePrefix derives the naming scheme of added devices from the root
// device: partition digits and the drive letter are stripped, and NVMe
// names map to the /dev/sd scheme the providers accept at launch.
func devicePrefix(root string) string {
	if root == "" || strings.HasPrefix(root, "/dev/nvme") {
		return "/dev/sd"
	}
	p := strings.TrimRight(root, "0123456789")
	if n := len(p); n > 0 && p[n-1] >= 'a' && p[n-1] <= 'z' {
		p = p[:n-1]
	}
	return p
}

func newDeviceNames(root string, existing []job.BlockDevice) *deviceNames {
	d := &deviceNames{prefix: devicePrefix(root), taken: make(map[string]bool)}
	d.reserve(root)
	for _, bd := range existing {
		d.reserve(bd.DeviceName)
	}
	return d
}

// reserve marks name and its unpartitioned form as used.
func (d *deviceNames) reserve(name string) {
	if name == "" {
		return
	}
	d.taken[name] = true
	d.taken[strings.TrimRight(name, "0123456789")] = true
}

func (d *deviceNames) used(name string) bool {
	return d.taken[name] || d.taken[strings.TrimRight(name, "0123456789")]
}

// next tries letters from b upward and reserves the first free name.
func (d *deviceNames) next() (string, error) {
	for c := 'b'; c <= 'z'; c++ {
		name := d.prefix + string(c)
		if !d.used(name) {
			d.reserve(name)
			return name, nil
		}
	}
	return "", fmt.Errorf("no free device name left under %s", d.prefix)
}

// AssignDeviceNames gives every data volume without a device name one that
// is free in the existing mapping. Explicit names must not collide.
func AssignDeviceNames(j *job.MigrationJob, rootDevice string, existing []job.BlockDevice) error {
	names := newDeviceNames(rootDevice, existing)
	for _, v := range j.DataVolumes() {
		if v.DeviceName == "" {
			continue
		}
		if names.used(v.DeviceName) {
			return job.Invalid("volumes."+v.Name+".device_name", "device %s is already in use", v.DeviceName)
		}
		names.reserve(v.DeviceName)
	}
	for _, v := range j.DataVolumes() {
		if v.DeviceName != "" {
			continue
		}
		name, err := names.next()
		if err != nil {
			return job.Invalid("volumes."+v.Name+".device_name", "%v", err)
		}
		v.DeviceName = name
	}
	return nil
}

// PlanBlockDevices derives the launch mapping of a replatformed instance
// from the catalog image mapping. The root entry is kept and resized to the
// requested root volume. Other catalog entries survive only when a data
// volume claims their device name; unclaimed entries are dropped. Remaining
// data volumes are added under fresh names that no catalog entry used.
func PlanBlockDevices(image *cloud.ImageInfo, j *job.MigrationJob) ([]job.BlockDevice, error) {
	rootName := image.RootDeviceName
	var root *job.BlockDevice
	catalog := make(map[string]job.BlockDevice, len(image.BlockDevices))
	for i := range image.BlockDevices {
		bd := image.BlockDevices[i]
		if bd.Root || (rootName != "" && bd.DeviceName == rootName) {
			bd.Root = true
			root = &bd
			if rootName == "" {
				rootName = bd.DeviceName
			}
			continue
		}
		catalog[bd.DeviceName] = bd
	}
	if root == nil {
		return nil, job.Invalid("target.image_id", "image %s has no root device in its block-device mapping", image.ID)
	}

	plan := []job.BlockDevice{*root}
	if v := j.RootVolume(); v != nil {
		if v.SizeGiB < root.SizeGiB {
			return nil, job.Invalid("volumes."+v.Name+".size_gib", "root volume of %d GiB is smaller than the image root of %d GiB", v.SizeGiB, root.SizeGiB)
		}
		plan[0].SizeGiB = v.SizeGiB
		plan[0].VolumeType = j.Target.VolumeType
		v.DeviceName = rootName
	}

	names := newDeviceNames(rootName, image.BlockDevices)
	claimed := make(map[string]bool)
	var added []*job.Volume
	for _, v := range j.DataVolumes() {
		if v.DeviceName == "" {
			added = append(added, v)
			continue
		}
		if v.DeviceName == rootName || claimed[v.DeviceName] {
			return nil, job.Invalid("volumes."+v.Name+".device_name", "device %s is requested twice", v.DeviceName)
		}
		claimed[v.DeviceName] = true
		bd, ok := catalog[v.DeviceName]
		if !ok {
			// an explicit name outside the catalog is added as a new volume
			bd = job.BlockDevice{DeviceName: v.DeviceName}
		} else if v.SizeGiB < bd.SizeGiB {
			return nil, job.Invalid("volumes."+v.Name+".size_gib", "volume of %d GiB is smaller than catalog device %s of %d GiB", v.SizeGiB, bd.DeviceName, bd.SizeGiB)
		}
		bd.SizeGiB = v.SizeGiB
		bd.VolumeType = j.Target.VolumeType
		plan = append(plan, bd)
		names.reserve(v.DeviceName)
	}
	for _, v := range added {
		name, err := names.next()
		if err != nil {
			return nil, job.Invalid("volumes."+v.Name+".device_name", "%v", err)
		}
		v.DeviceName = name
		plan = append(plan, job.BlockDevice{DeviceName: name, SizeGiB: v.SizeGiB, VolumeType: j.Target.VolumeType})
	}
	return plan, nil
}

// DroppedCatalogDevices lists the image's non-root devices that plan leaves
// out, in image order. Providers that copy the image mapping onto a launch
// must suppress them explicitly.
func DroppedCatalogDevices(image *cloud.ImageInfo, plan []job.BlockDevice) []string {
	kept := make(map[string]bool, len(plan))
	for _, bd := range plan {
		kept[bd.DeviceName] = true
	}
	var dropped []string
	for _, bd := range image.BlockDevices {
		if bd.Root || bd.DeviceName == image.RootDeviceName || kept[bd.DeviceName] {
			continue
		}
		dropped = append(dropped, bd.DeviceName)
	}
	return dropped
}
