package capture

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/codebypatrickleung/rehost/internal/cloud/azure"
	"github.com/codebypatrickleung/rehost/internal/common"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
)

// DiskExporter is the part of azure.Source the capturer uses.
type DiskExporter interface {
	Describe(ctx context.Context, resourceGroup, vmName string) (*azure.VMInfo, error)
	ExportDisk(ctx context.Context, resourceGroup, diskName, destDir string) (string, error)
}

// ConvertFunc converts a disk image between formats.
type ConvertFunc func(ctx context.Context, src, srcFormat, dst, dstFormat string, removeSource bool) error

// AzureCapturer exports an Azure VM's managed disks and converts them to raw.
type AzureCapturer struct {
	source   DiskExporter
	convert  ConvertFunc
	workRoot string
	log      *logger.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewAzureCapturer creates a capturer writing under workRoot.
func NewAzureCapturer(source DiskExporter, workRoot string, log *logger.Logger) *AzureCapturer {
	return &AzureCapturer{
		source:   source,
		convert:  common.ConvertImage,
		workRoot: workRoot,
		log:      log,
		running:  make(map[string]context.CancelFunc),
	}
}

// WithConverter replaces the qemu-img conversion.
func (c *AzureCapturer) WithConverter(fn ConvertFunc) *AzureCapturer {
	c.convert = fn
	return c
}

// diskAssignments maps volumes to Azure disk names: explicit source devices
// win, the root volume defaults to the OS disk and data volumes take the
// VM's data disks in order.
func diskAssignments(j *job.MigrationJob, info *azure.VMInfo) (map[*job.Volume]string, error) {
	out := make(map[*job.Volume]string, len(j.Volumes))
	next := 0
	for i, v := range j.Volumes {
		switch {
		case v.SourceDevice != "":
			out[v] = v.SourceDevice
		case v.Root:
			out[v] = info.OSDisk
		case next < len(info.DataDisks):
			out[v] = info.DataDisks[next]
			next++
		default:
			return nil, job.Invalid(fmt.Sprintf("volumes[%d].source_device", i), "VM %s has no data disk left for volume %s", info.Name, v.Name)
		}
	}
	return out, nil
}

func (c *AzureCapturer) CaptureVolumes(ctx context.Context, j *job.MigrationJob) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.running[j.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, j.ID)
		c.mu.Unlock()
		cancel()
	}()

	rg, vm := j.Source.AzureResourceGroup, j.Source.AzureVMName
	info, err := c.source.Describe(ctx, rg, vm)
	if err != nil {
		return err
	}
	if !info.Stopped {
		c.log.Warningf("VM %s is running; stop it for a consistent capture", vm)
	}
	disks, err := diskAssignments(j, info)
	if err != nil {
		return err
	}
	dir, err := prepareDir(c.workRoot, j)
	if err != nil {
		return err
	}

	for _, v := range j.Volumes {
		vhd, err := c.source.ExportDisk(ctx, rg, disks[v], dir)
		if err != nil {
			return fmt.Errorf("capture of volume %s failed: %w", v.Name, err)
		}
		out := rawPath(dir, v)
		c.log.Infof("Converting %s to raw...", vhd)
		if err := c.convert(ctx, vhd, common.FormatVHD, out, common.FormatRaw, true); err != nil {
			return fmt.Errorf("capture of volume %s failed: %w", v.Name, err)
		}
		if _, err := os.Stat(out); err != nil {
			return fmt.Errorf("capture of volume %s failed: %w", v.Name, err)
		}
		v.Path = out
		c.log.Successf("✓ Captured volume %s from disk %s", v.Name, disks[v])
	}
	return nil
}

func (c *AzureCapturer) CaptureFiles(ctx context.Context, j *job.MigrationJob) (string, error) {
	if len(j.Files) == 0 {
		return "", nil
	}
	return "", job.Invalid("files", "file capture needs an ssh source")
}

// Abort cancels the running export of j.
func (c *AzureCapturer) Abort(ctx context.Context, j *job.MigrationJob) error {
	c.mu.Lock()
	cancel := c.running[j.ID]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
