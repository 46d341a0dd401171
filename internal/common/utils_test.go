package common

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Simple name", "web-01", "web-01"},
		{"With spaces", "web server", "web-server"},
		{"With uppercase", "Web-01", "web-01"},
		{"With special chars", "db@prod#1", "dbprod1"},
		{"With underscores", "data_vol_2", "data_vol_2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeName(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("Expected %s to be a directory", dir)
	}
	if err := EnsureDir(dir); err != nil {
		t.Errorf("EnsureDir on an existing dir failed: %v", err)
	}
}

func TestRunCommand(t *testing.T) {
	out, err := RunCommand(context.Background(), "sh", "-c", "echo hello")
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	if out != "hello\n" {
		t.Errorf("Expected output 'hello', got %q", out)
	}

	out, err = RunCommand(context.Background(), "sh", "-c", "echo broken >&2; exit 3")
	if err == nil {
		t.Fatal("Expected error for failing command")
	}
	if out != "broken\n" {
		t.Errorf("Expected output to be returned on failure, got %q", out)
	}
}

func TestCheckCommand(t *testing.T) {
	if err := CheckCommand("sh"); err != nil {
		t.Errorf("Expected sh to be found: %v", err)
	}
	if err := CheckCommand("definitely-not-a-command-xyz"); err == nil {
		t.Error("Expected error for missing command")
	}
}

func TestParseDFAvail(t *testing.T) {
	got, err := parseDFAvail("    Avail\n123456789\n")
	if err != nil {
		t.Fatalf("parseDFAvail failed: %v", err)
	}
	if got != 123456789 {
		t.Errorf("Expected 123456789, got %d", got)
	}
	if _, err := parseDFAvail("Avail"); err == nil {
		t.Error("Expected error for missing value line")
	}
}

func TestSliceDifference(t *testing.T) {
	got := SliceDifference([]string{"sda", "sdb", "sdc"}, []string{"sda", "sdc"})
	if !reflect.DeepEqual(got, []string{"sdb"}) {
		t.Errorf("Expected [sdb], got %v", got)
	}
	if got := SliceDifference([]string{"sda"}, []string{"sda"}); len(got) != 0 {
		t.Errorf("Expected no difference, got %v", got)
	}
}

func TestParseDeviceList(t *testing.T) {
	got := parseDeviceList("sda\n  sdb \n\nnvme0n1\n")
	if !reflect.DeepEqual(got, []string{"sda", "sdb", "nvme0n1"}) {
		t.Errorf("Unexpected devices %v", got)
	}
}
