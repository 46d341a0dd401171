// Package common provides filesystem and process helpers shared by the
// capture and provider packages.
package common

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CheckCommand checks if a command is available in the system PATH.
func CheckCommand(cmd string) error {
	if _, err := exec.LookPath(cmd); err != nil {
		return fmt.Errorf("command '%s' not found in PATH", cmd)
	}
	return nil
}

// RunCommand executes a command and returns its combined output. A failed
// command's error wraps the exit error; the output is returned either way.
func RunCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("command %s failed: %w", name, err)
	}
	return string(output), nil
}

// SanitizeName sanitizes a string for use in file, object and resource names.
func SanitizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0o755)
	}
	return nil
}

// GetAvailableDiskSpace returns the free bytes of the filesystem holding
// path. With minBytes > 0 it fails when less than that is available.
func GetAvailableDiskSpace(ctx context.Context, path string, minBytes int64) (int64, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("failed to get absolute path: %w", err)
	}
	out, err := RunCommand(ctx, "df", "-B1", "--output=avail", absPath)
	if err != nil {
		return 0, fmt.Errorf("failed to get disk space: %w", err)
	}
	available, err := parseDFAvail(out)
	if err != nil {
		return 0, err
	}
	if minBytes > 0 && available < minBytes {
		return available, fmt.Errorf("insufficient disk space in %s: %d bytes available, %d required", path, available, minBytes)
	}
	return available, nil
}

func parseDFAvail(out string) (int64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("unexpected df output format")
	}
	var available int64
	if _, err := fmt.Sscanf(strings.TrimSpace(lines[len(lines)-1]), "%d", &available); err != nil {
		return 0, fmt.Errorf("failed to parse available disk space: %w", err)
	}
	return available, nil
}

// SliceDifference returns elements in slice a that are not in slice b.
func SliceDifference(a, b []string) []string {
	mb := make(map[string]bool, len(b))
	for _, x := range b {
		mb[x] = true
	}
	var diff []string
	for _, x := range a {
		if !mb[x] {
			diff = append(diff, x)
		}
	}
	return diff
}
