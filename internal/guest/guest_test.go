package guest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
	"github.com/codebypatrickleung/rehost/internal/remote/remotetest"
	"github.com/codebypatrickleung/rehost/internal/template"
)

// MockCustomizer is a mock customizer for testing.
type MockCustomizer struct {
	family string
	called bool
}

func (m *MockCustomizer) Name() string      { return "Mock " + m.family }
func (m *MockCustomizer) Family() string    { return m.family }
func (m *MockCustomizer) Aliases() []string { return []string{m.family + "-like"} }

func (m *MockCustomizer) Customize(ctx context.Context, s *Session, profile job.GuestProfile) error {
	m.called = true
	return nil
}

func newSession(exec *remotetest.Executor, sudo bool) *Session {
	log := logger.New(false)
	return &Session{
		Exec:      exec,
		Scripts:   template.NewGenerator("", log),
		RemoteDir: "/tmp/rehost-1",
		Sudo:      sudo,
		Log:       log,
	}
}

func TestCustomizerRegistry(t *testing.T) {
	t.Run("Register and Get", func(t *testing.T) {
		registry := NewCustomizerRegistry()
		mock := &MockCustomizer{family: "testos"}
		if err := registry.Register(mock); err != nil {
			t.Fatalf("Failed to register customizer: %v", err)
		}
		for _, name := range []string{"testos", "TestOS", "testos-like"} {
			c, err := registry.Get(name)
			if err != nil {
				t.Fatalf("Get(%q) failed: %v", name, err)
			}
			if c != mock {
				t.Errorf("Get(%q) returned a different customizer", name)
			}
		}
	})

	t.Run("Duplicate registration", func(t *testing.T) {
		registry := NewCustomizerRegistry()
		registry.Register(&MockCustomizer{family: "testos"})
		if err := registry.Register(&MockCustomizer{family: "testos"}); err == nil {
			t.Error("Expected error for duplicate registration")
		}
	})

	t.Run("Unknown family", func(t *testing.T) {
		registry := NewCustomizerRegistry()
		if _, err := registry.Get("plan9"); err == nil {
			t.Error("Expected error for unknown family")
		}
	})
}

func TestDefaultRegistry(t *testing.T) {
	tests := []struct {
		id     string
		family string
	}{
		{"ubuntu", "debian"},
		{"debian", "debian"},
		{"rocky", "rhel"},
		{"ol", "rhel"},
		{"sles", "suse"},
	}
	for _, tt := range tests {
		c, err := DefaultRegistry.Get(tt.id)
		if err != nil {
			t.Fatalf("Get(%q) failed: %v", tt.id, err)
		}
		if c.Family() != tt.family {
			t.Errorf("Get(%q) = %s, want %s", tt.id, c.Family(), tt.family)
		}
	}
	if got := strings.Join(DefaultRegistry.Families(), ","); got != "debian,rhel,suse" {
		t.Errorf("Families() = %s", got)
	}
}

func TestDetectFamilyAndResolve(t *testing.T) {
	exec := remotetest.New("10.0.0.10:22").On(remotetest.Response{
		Match:  "os-release",
		Output: "NAME=\"Pop!_OS\"\nID=pop\nID_LIKE=\"ubuntu debian\"\n",
	})

	ids, err := DetectFamily(context.Background(), exec)
	if err != nil {
		t.Fatalf("DetectFamily failed: %v", err)
	}
	if strings.Join(ids, " ") != "pop ubuntu debian" {
		t.Errorf("Unexpected ids: %v", ids)
	}

	c, err := Resolve(context.Background(), DefaultRegistry, exec, job.GuestProfile{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if c.Family() != "debian" {
		t.Errorf("Expected debian family, got %s", c.Family())
	}

	c, err = Resolve(context.Background(), DefaultRegistry, exec, job.GuestProfile{OSFamily: "suse"})
	if err != nil || c.Family() != "suse" {
		t.Errorf("Expected explicit family to win, got %v, %v", c, err)
	}
}

func TestPackageCustomizerRunsScript(t *testing.T) {
	exec := remotetest.New("10.0.0.10:22")
	s := newSession(exec, true)
	c, _ := DefaultRegistry.Get("rhel")

	profile := job.GuestProfile{
		Users:    []job.User{{Name: "deploy"}},
		Packages: []string{"httpd"},
	}
	if err := c.Customize(context.Background(), s, profile); err != nil {
		t.Fatalf("Customize failed: %v", err)
	}

	content, ok := exec.File("/tmp/rehost-1/customize.sh")
	if !ok {
		t.Fatal("Expected customize.sh to be uploaded")
	}
	if !strings.Contains(content, "yum install -y httpd") {
		t.Errorf("Expected yum install, got:\n%s", content)
	}
	if !exec.Ran("sudo -n sh /tmp/rehost-1/customize.sh") {
		t.Errorf("Expected script to run through sudo, commands: %v", exec.Commands())
	}
}

func TestPackageCustomizerSkipsEmptyProfile(t *testing.T) {
	exec := remotetest.New("10.0.0.10:22")
	c, _ := DefaultRegistry.Get("debian")
	if err := c.Customize(context.Background(), newSession(exec, false), job.GuestProfile{}); err != nil {
		t.Fatalf("Customize failed: %v", err)
	}
	if len(exec.Commands()) != 0 {
		t.Errorf("Expected no commands, got %v", exec.Commands())
	}
}

func TestRunScriptFailure(t *testing.T) {
	exec := remotetest.New("10.0.0.10:22").On(remotetest.Response{Match: "mount.sh", Err: errors.New("exit status 32")})
	err := MountVolumes(context.Background(), newSession(exec, false), []template.MountSpec{{Device: "/dev/sdb", MountPoint: "/data"}})
	if err == nil {
		t.Fatal("Expected mount failure")
	}
	if !strings.Contains(err.Error(), "mount.sh failed") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestMountVolumesNoop(t *testing.T) {
	exec := remotetest.New("10.0.0.10:22")
	if err := MountVolumes(context.Background(), newSession(exec, false), nil); err != nil {
		t.Fatalf("MountVolumes failed: %v", err)
	}
	if len(exec.Commands()) != 0 {
		t.Errorf("Expected no commands, got %v", exec.Commands())
	}
}

func TestInstallFiles(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "files.tar.gz")
	if err := os.WriteFile(archive, []byte("archive"), 0o644); err != nil {
		t.Fatal(err)
	}
	exec := remotetest.New("10.0.0.10:22")
	if err := InstallFiles(context.Background(), newSession(exec, false), archive); err != nil {
		t.Fatalf("InstallFiles failed: %v", err)
	}
	if !exec.Ran("cat > /tmp/rehost-1/files.tar.gz") {
		t.Errorf("Expected archive copy, commands: %v", exec.Commands())
	}
	if !exec.Ran("sh /tmp/rehost-1/install-files.sh") {
		t.Errorf("Expected install script run, commands: %v", exec.Commands())
	}
}

func TestFetchFiles(t *testing.T) {
	exec := remotetest.New("10.0.0.10:22")
	if err := FetchFiles(context.Background(), newSession(exec, true), "https://storage.example/job-1/files.tar.gz"); err != nil {
		t.Fatalf("FetchFiles failed: %v", err)
	}
	if !exec.Ran("sudo -n sh /tmp/rehost-1/install-files.sh") {
		t.Errorf("Expected install script run with sudo, commands: %v", exec.Commands())
	}
	script, ok := exec.File("/tmp/rehost-1/install-files.sh")
	if !ok || !strings.Contains(script, "curl -fsSL") {
		t.Errorf("Expected download in uploaded script, got %q", script)
	}
}
