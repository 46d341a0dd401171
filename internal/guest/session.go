package guest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
	"github.com/codebypatrickleung/rehost/internal/remote"
	"github.com/codebypatrickleung/rehost/internal/template"
)

// Session bundles what guest operations need on the target instance.
type Session struct {
	Exec      remote.Executor
	Scripts   *template.Generator
	RemoteDir string
	// Sudo runs scripts through "sudo -n" for non-root logins.
	Sudo bool
	Log  *logger.Logger
}

// RunScript uploads a rendered script into RemoteDir and runs it.
func (s *Session) RunScript(ctx context.Context, script *template.Script) error {
	target := path.Join(s.RemoteDir, script.Name)
	if err := s.Exec.Upload(ctx, []byte(script.Content), target, 0o755); err != nil {
		return err
	}
	cmd := "sh " + shellquote.Join(target)
	if s.Sudo {
		cmd = "sudo -n " + cmd
	}
	if _, err := s.Exec.Run(ctx, cmd); err != nil {
		return fmt.Errorf("%s failed: %w", script.Name, err)
	}
	return nil
}

// DetectFamily reads /etc/os-release and returns its ID followed by its
// ID_LIKE entries.
func DetectFamily(ctx context.Context, exec remote.Executor) ([]string, error) {
	out, err := exec.Run(ctx, "cat /etc/os-release")
	if err != nil {
		return nil, fmt.Errorf("failed to read os-release: %w", err)
	}
	var ids []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			ids = append([]string{value}, ids...)
		case "ID_LIKE":
			ids = append(ids, strings.Fields(value)...)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("os-release has no ID")
	}
	return ids, nil
}

// Resolve picks the customizer for a profile: the profile's os_family when
// set, otherwise the first detected os-release ID the registry knows.
func Resolve(ctx context.Context, reg *CustomizerRegistry, exec remote.Executor, profile job.GuestProfile) (Customizer, error) {
	if profile.OSFamily != "" {
		return reg.Get(profile.OSFamily)
	}
	ids, err := DetectFamily(ctx, exec)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if c, err := reg.Get(id); err == nil {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no customizer for detected OS %v", ids)
}

// InstallFiles copies a local file archive to the instance and unpacks it at /.
func InstallFiles(ctx context.Context, s *Session, archive string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open file archive: %w", err)
	}
	defer f.Close()

	target := path.Join(s.RemoteDir, path.Base(archive))
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s", shellquote.Join(s.RemoteDir), shellquote.Join(target))
	if err := s.Exec.Stream(ctx, cmd, f, nil); err != nil {
		return fmt.Errorf("failed to copy file archive: %w", err)
	}
	script, err := s.Scripts.InstallFiles(target)
	if err != nil {
		return err
	}
	if err := s.RunScript(ctx, script); err != nil {
		return err
	}
	s.Log.Successf("Installed files from %s", path.Base(archive))
	return nil
}

// FetchFiles has the instance download a staged file archive from url and
// unpack it at /.
func FetchFiles(ctx context.Context, s *Session, url string) error {
	if _, err := s.Exec.Run(ctx, "mkdir -p "+shellquote.Join(s.RemoteDir)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	script, err := s.Scripts.FetchFiles(url, path.Join(s.RemoteDir, "files.tar.gz"))
	if err != nil {
		return err
	}
	if err := s.RunScript(ctx, script); err != nil {
		return err
	}
	s.Log.Success("Installed files from object storage")
	return nil
}

// MountVolumes formats, mounts and registers in fstab the given volumes.
func MountVolumes(ctx context.Context, s *Session, specs []template.MountSpec) error {
	if len(specs) == 0 {
		return nil
	}
	script, err := s.Scripts.Mount(specs)
	if err != nil {
		return err
	}
	if err := s.RunScript(ctx, script); err != nil {
		return err
	}
	s.Log.Successf("Mounted %d volume(s)", len(specs))
	return nil
}
