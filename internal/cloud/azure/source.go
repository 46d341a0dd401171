// Package azure exports the managed disks of an Azure VM as local disk images.
package azure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/codebypatrickleung/rehost/internal/logger"
)

// sasDurationSeconds bounds how long a snapshot download URL stays valid.
const sasDurationSeconds int32 = 7200

// VMInfo is what the capture needs to know about a source VM.
type VMInfo struct {
	Name         string
	OSType       string
	OSDisk       string
	DataDisks    []string
	Stopped      bool
	CPUs         int32
	MemoryGB     int32
	Architecture string
}

// Source reads VMs and exports their disks from one subscription.
type Source struct {
	subscriptionID string
	credential     azcore.TokenCredential
	logger         *logger.Logger
}

// NewSource authenticates with the default Azure credential chain.
func NewSource(subscriptionID string, log *logger.Logger) (*Source, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	log.Debug("Created default Azure credential")
	return &Source{subscriptionID: subscriptionID, credential: cred, logger: log}, nil
}

func (s *Source) clients() (*armcompute.ClientFactory, error) {
	f, err := armcompute.NewClientFactory(s.subscriptionID, s.credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute client factory: %w", err)
	}
	return f, nil
}

// Describe collects disks, power state and size of a VM.
func (s *Source) Describe(ctx context.Context, resourceGroup, vmName string) (*VMInfo, error) {
	s.logger.Debugf("Describing VM %s in resource group %s", vmName, resourceGroup)
	f, err := s.clients()
	if err != nil {
		return nil, err
	}
	vmClient := f.NewVirtualMachinesClient()
	resp, err := vmClient.Get(ctx, resourceGroup, vmName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get VM %s: %w", vmName, err)
	}
	vm := resp.VirtualMachine
	if vm.Properties == nil || vm.Properties.StorageProfile == nil || vm.Properties.StorageProfile.OSDisk == nil {
		return nil, fmt.Errorf("VM %s has no storage profile", vmName)
	}

	info := &VMInfo{Name: vmName}
	osDisk := vm.Properties.StorageProfile.OSDisk
	if osDisk.Name == nil {
		return nil, fmt.Errorf("OS disk name of VM %s not found", vmName)
	}
	info.OSDisk = *osDisk.Name
	if osDisk.OSType != nil {
		info.OSType = string(*osDisk.OSType)
	}
	for _, d := range vm.Properties.StorageProfile.DataDisks {
		if d.Name != nil {
			info.DataDisks = append(info.DataDisks, *d.Name)
		}
	}

	view, err := vmClient.InstanceView(ctx, resourceGroup, vmName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance view of VM %s: %w", vmName, err)
	}
	for _, st := range view.Statuses {
		if st.Code == nil {
			continue
		}
		if *st.Code == "PowerState/deallocated" || *st.Code == "PowerState/stopped" {
			info.Stopped = true
		}
	}

	if vm.Properties.HardwareProfile != nil && vm.Properties.HardwareProfile.VMSize != nil && vm.Location != nil {
		size := string(*vm.Properties.HardwareProfile.VMSize)
		info.Architecture = architectureOf(size)
		pager := f.NewVirtualMachineSizesClient().NewListPager(*vm.Location, nil)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to list VM sizes: %w", err)
			}
			for _, sz := range page.Value {
				if sz.Name == nil || *sz.Name != size {
					continue
				}
				if sz.NumberOfCores != nil {
					info.CPUs = *sz.NumberOfCores
				}
				if sz.MemoryInMB != nil {
					info.MemoryGB = (*sz.MemoryInMB + 1023) / 1024
				}
			}
		}
	}
	return info, nil
}

// architectureOf infers the CPU architecture from a VM size SKU; Ampere
// sizes carry a "p" feature letter (e.g. Standard_D4ps_v5).
func architectureOf(size string) string {
	parts := strings.Split(strings.ToLower(size), "_")
	if len(parts) >= 2 {
		family := strings.TrimLeft(parts[1], "abcdefghijklmnopqrstuvwxyz")
		if strings.Contains(strings.TrimLeft(family, "0123456789"), "p") {
			return "arm64"
		}
	}
	return "x86_64"
}

// snapshotName builds a snapshot name within Azure's 80 character limit.
func snapshotName(diskName string, now time.Time) string {
	suffix := strconv.FormatInt(now.Unix(), 36)
	max := 80 - len("ss--") - len(suffix)
	if len(diskName) > max {
		diskName = diskName[:max]
	}
	return fmt.Sprintf("ss-%s-%s", diskName, suffix)
}

// ExportDisk snapshots a managed disk, downloads it as destDir/<disk>.vhd
// and removes the snapshot again.
func (s *Source) ExportDisk(ctx context.Context, resourceGroup, diskName, destDir string) (string, error) {
	snap := snapshotName(diskName, time.Now())
	vhdFile := filepath.Join(destDir, diskName+".vhd")

	s.logger.Infof("Creating snapshot: %s", snap)
	if err := s.createSnapshot(ctx, resourceGroup, snap, diskName); err != nil {
		return "", err
	}
	s.logger.Success("✓ Snapshot created")

	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if err := s.revokeAccess(cleanupCtx, resourceGroup, snap); err != nil {
			s.logger.Warningf("Failed to revoke access to snapshot: %v", err)
		}
		if err := s.deleteSnapshot(cleanupCtx, resourceGroup, snap); err != nil {
			s.logger.Warningf("Failed to delete snapshot %s, manual cleanup may be required", snap)
		} else {
			s.logger.Successf("✓ Snapshot deleted: %s", snap)
		}
	}()

	sasURL, err := s.grantAccess(ctx, resourceGroup, snap, sasDurationSeconds)
	if err != nil {
		return "", err
	}
	s.logger.Infof("Downloading disk %s (this may take a while)...", diskName)
	if err := download(ctx, sasURL, vhdFile); err != nil {
		return "", err
	}
	s.logger.Successf("✓ Disk downloaded: %s", vhdFile)
	return vhdFile, nil
}

func (s *Source) createSnapshot(ctx context.Context, resourceGroup, snap, diskName string) error {
	f, err := s.clients()
	if err != nil {
		return err
	}
	disk, err := f.NewDisksClient().Get(ctx, resourceGroup, diskName, nil)
	if err != nil {
		return fmt.Errorf("failed to get disk %s: %w", diskName, err)
	}
	createOption := armcompute.DiskCreateOptionCopy
	poller, err := f.NewSnapshotsClient().BeginCreateOrUpdate(ctx, resourceGroup, snap,
		armcompute.Snapshot{
			Location: disk.Location,
			Properties: &armcompute.SnapshotProperties{
				CreationData: &armcompute.CreationData{
					CreateOption:     &createOption,
					SourceResourceID: disk.ID,
				},
			},
		}, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot creation: %w", err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

func (s *Source) grantAccess(ctx context.Context, resourceGroup, snap string, seconds int32) (string, error) {
	f, err := s.clients()
	if err != nil {
		return "", err
	}
	access := armcompute.AccessLevelRead
	poller, err := f.NewSnapshotsClient().BeginGrantAccess(ctx, resourceGroup, snap,
		armcompute.GrantAccessData{Access: &access, DurationInSeconds: &seconds}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin grant access: %w", err)
	}
	result, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to grant access: %w", err)
	}
	if result.AccessSAS == nil || *result.AccessSAS == "" {
		return "", fmt.Errorf("no access SAS returned")
	}
	return *result.AccessSAS, nil
}

func download(ctx context.Context, sasURL, destFile string) error {
	client, err := blob.NewClientWithNoCredential(sasURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create blob client: %w", err)
	}
	out, err := os.Create(destFile)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()
	if _, err := client.DownloadFile(ctx, out, nil); err != nil {
		return fmt.Errorf("failed to download blob: %w", err)
	}
	return nil
}

func (s *Source) revokeAccess(ctx context.Context, resourceGroup, snap string) error {
	f, err := s.clients()
	if err != nil {
		return err
	}
	poller, err := f.NewSnapshotsClient().BeginRevokeAccess(ctx, resourceGroup, snap, nil)
	if err != nil {
		return fmt.Errorf("failed to begin revoke access: %w", err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("failed to revoke access: %w", err)
	}
	return nil
}

func (s *Source) deleteSnapshot(ctx context.Context, resourceGroup, snap string) error {
	f, err := s.clients()
	if err != nil {
		return err
	}
	poller, err := f.NewSnapshotsClient().BeginDelete(ctx, resourceGroup, snap, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot deletion: %w", err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
