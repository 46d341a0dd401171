package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
)

func TestCaptureScript(t *testing.T) {
	dir := t.TempDir()
	gen := NewGenerator(dir, logger.New(false))

	s, err := gen.Capture("/tmp/rehost-web 01", "")
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	for _, want := range []string{
		"workdir='/tmp/rehost-web 01'",
		`echo $$ > "$workdir/$name.pid"`,
		`exec dd if="$device" bs=4M status=none`,
	} {
		if !strings.Contains(s.Content, want) {
			t.Errorf("Expected capture script to contain %q, got:\n%s", want, s.Content)
		}
	}

	info, err := os.Stat(filepath.Join(dir, CaptureScript))
	if err != nil {
		t.Fatalf("Expected local copy of capture script: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("Expected mode 0755, got %v", info.Mode().Perm())
	}
}

func TestKillCaptureScript(t *testing.T) {
	gen := NewGenerator("", logger.New(false))
	s, err := gen.KillCapture("/tmp/rehost-1")
	if err != nil {
		t.Fatalf("KillCapture failed: %v", err)
	}
	if s.Path != "" {
		t.Errorf("Expected no local copy without an output dir, got %s", s.Path)
	}
	if !strings.Contains(s.Content, `for f in "$workdir"/*.pid; do`) {
		t.Errorf("Expected pid loop, got:\n%s", s.Content)
	}
	if !strings.Contains(s.Content, `kill -TERM "$pid"`) {
		t.Errorf("Expected kill command, got:\n%s", s.Content)
	}
}

func TestCustomizeScript(t *testing.T) {
	gen := NewGenerator("", logger.New(false))
	data := CustomizeData{
		GuestProfile: job.GuestProfile{
			Groups: []job.Group{{Name: "web", GID: 1500}},
			Users:  []job.User{{Name: "deploy", UID: 1501, Groups: []string{"web", "adm"}}},
			ProfileFiles: []job.ProfileFile{
				{Path: "/etc/profile.d/app.sh", Mode: "0644", Content: "export APP_ENV=prod"},
			},
			CronJobs: []job.CronJob{{User: "deploy", Schedule: "*/5 * * * *", Command: "/opt/app/sync"}},
			Packages: []string{"nginx", "curl"},
		},
		RefreshCommand: "apt-get update",
		InstallCommand: "DEBIAN_FRONTEND=noninteractive apt-get install -y",
	}

	s, err := gen.Customize(data)
	if err != nil {
		t.Fatalf("Customize failed: %v", err)
	}
	for _, want := range []string{
		"groupadd -g 1500 web",
		"useradd -m -u 1501 -s /bin/bash deploy",
		"usermod -a -G web,adm deploy",
		"cat > /etc/profile.d/app.sh <<'REHOST_EOF'",
		"export APP_ENV=prod",
		"chmod 0644 /etc/profile.d/app.sh",
		"crontab -u deploy -",
		"'*/5 * * * * /opt/app/sync'",
		"apt-get update",
		"apt-get install -y nginx curl",
	} {
		if !strings.Contains(s.Content, want) {
			t.Errorf("Expected customize script to contain %q, got:\n%s", want, s.Content)
		}
	}
}

func TestCustomizeRejectsFileWithoutPath(t *testing.T) {
	gen := NewGenerator("", logger.New(false))
	_, err := gen.Customize(CustomizeData{GuestProfile: job.GuestProfile{
		ProfileFiles: []job.ProfileFile{{Content: "x"}},
	}})
	if err == nil {
		t.Fatal("Expected error for profile file without path")
	}
}

func TestHeredocDelimiter(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{"plain", "REHOST_EOF"},
		{"line\nREHOST_EOF\n", "REHOST_EOF_"},
	}
	for _, tt := range tests {
		if got := heredocDelimiter(tt.content); got != tt.want {
			t.Errorf("heredocDelimiter(%q) = %q, want %q", tt.content, got, tt.want)
		}
	}
}

func TestMountScript(t *testing.T) {
	gen := NewGenerator("", logger.New(false))
	s, err := gen.Mount([]MountSpec{{Device: "/dev/sdb", MountPoint: "/data"}})
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	for _, want := range []string{
		"mkfs -t ext4 /dev/sdb",
		"mkdir -p /data",
		"/data ext4 defaults,nofail 0 2",
	} {
		if !strings.Contains(s.Content, want) {
			t.Errorf("Expected mount script to contain %q, got:\n%s", want, s.Content)
		}
	}

	if _, err := gen.Mount([]MountSpec{{Device: "/dev/sdc"}}); err == nil {
		t.Error("Expected error for a mount spec without mount point")
	}
}

func TestInstallFilesScript(t *testing.T) {
	gen := NewGenerator("", logger.New(false))
	s, err := gen.InstallFiles("/tmp/rehost-1/files.tar.gz")
	if err != nil {
		t.Fatalf("InstallFiles failed: %v", err)
	}
	if !strings.Contains(s.Content, "tar -xzpf /tmp/rehost-1/files.tar.gz -C /") {
		t.Errorf("Expected tar extraction, got:\n%s", s.Content)
	}
}

func TestFetchFilesScript(t *testing.T) {
	gen := NewGenerator("", logger.New(false))
	s, err := gen.FetchFiles("https://storage.example/job-1/files.tar.gz?sig=a&exp=1", "/tmp/rehost-1/files.tar.gz")
	if err != nil {
		t.Fatalf("FetchFiles failed: %v", err)
	}
	if !strings.Contains(s.Content, "curl -fsSL -o /tmp/rehost-1/files.tar.gz ") || !strings.Contains(s.Content, "storage.example") {
		t.Errorf("Expected download, got:\n%s", s.Content)
	}
	if !strings.Contains(s.Content, "tar -xzpf /tmp/rehost-1/files.tar.gz -C /") {
		t.Errorf("Expected tar extraction, got:\n%s", s.Content)
	}
}
