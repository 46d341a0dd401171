package common

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Disk image formats understood by qemu-img.
const (
	FormatRaw   = "raw"
	FormatQCOW2 = "qcow2"
	FormatVHD   = "vpc"
)

// ConvertImage converts a disk image with qemu-img. The source is removed
// on success when removeSource is set.
func ConvertImage(ctx context.Context, src, srcFormat, dst, dstFormat string, removeSource bool) error {
	if err := CheckCommand("qemu-img"); err != nil {
		return err
	}
	output, err := RunCommand(ctx, "qemu-img", "convert", "-f", srcFormat, "-O", dstFormat, src, dst)
	if err != nil {
		return fmt.Errorf("qemu-img convert failed: %w\nOutput: %s", err, output)
	}
	if removeSource {
		if err := os.Remove(src); err != nil {
			return fmt.Errorf("failed to remove %s: %w", src, err)
		}
	}
	return nil
}

// CopyDataWithDD copies source onto a block device with dd.
func CopyDataWithDD(ctx context.Context, source, destination string) error {
	cmd := exec.CommandContext(ctx, "sudo", "dd",
		"if="+source,
		"of="+destination,
		"bs=4M",
		"conv=fsync,sparse",
		"status=none")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to copy data with dd: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ListBlockDevices returns block device names without the /dev/ prefix.
func ListBlockDevices(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "lsblk", "-dn", "-o", "NAME").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list block devices: %w", err)
	}
	return parseDeviceList(string(out)), nil
}

func parseDeviceList(out string) []string {
	var devices []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			devices = append(devices, line)
		}
	}
	return devices
}

// DetectNewBlockDevice waits for a device that is not in before to appear.
func DetectNewBlockDevice(ctx context.Context, before []string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		after, err := ListBlockDevices(ctx)
		if err != nil {
			return "", err
		}
		if added := SliceDifference(after, before); len(added) > 0 {
			return "/dev/" + added[0], nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no new block device detected within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
