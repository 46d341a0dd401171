package capture

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/errgroup"

	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
	"github.com/codebypatrickleung/rehost/internal/remote"
	"github.com/codebypatrickleung/rehost/internal/template"
)

// DialFunc opens an executor on the first reachable address.
type DialFunc func(ctx context.Context, addrs []string, cfg remote.Config) (remote.Executor, error)

// SSHCapturer streams dd output of each source device over SSH.
type SSHCapturer struct {
	dial      DialFunc
	workRoot  string
	blockSize string
	log       *logger.Logger
}

// NewSSHCapturer creates a capturer writing under workRoot.
func NewSSHCapturer(workRoot string, log *logger.Logger) *SSHCapturer {
	return &SSHCapturer{
		workRoot:  workRoot,
		blockSize: template.DefaultBlockSize,
		log:       log,
		dial: func(ctx context.Context, addrs []string, cfg remote.Config) (remote.Executor, error) {
			return remote.Dial(ctx, addrs, cfg, log)
		},
	}
}

// WithDialer replaces the SSH dialer.
func (c *SSHCapturer) WithDialer(d DialFunc) *SSHCapturer {
	c.dial = d
	return c
}

func (c *SSHCapturer) connect(ctx context.Context, j *job.MigrationJob) (remote.Executor, error) {
	return c.dial(ctx, []string{j.Source.Address, j.Source.PrivateAddress}, remote.ConfigForSource(j.Source))
}

func sudo(j *job.MigrationJob) string {
	if j.Source.User == "" || j.Source.User == "root" {
		return ""
	}
	return "sudo -n "
}

// CaptureVolumes captures all volumes concurrently over one connection.
func (c *SSHCapturer) CaptureVolumes(ctx context.Context, j *job.MigrationJob) error {
	for i, v := range j.Volumes {
		if v.SourceDevice == "" && v.Path == "" {
			return job.Invalid(fmt.Sprintf("volumes[%d].source_device", i), "a source device is required to capture volume %s", v.Name)
		}
	}
	dir, err := prepareDir(c.workRoot, j)
	if err != nil {
		return err
	}

	exec, err := c.connect(ctx, j)
	if err != nil {
		return err
	}
	defer exec.Close()

	gen := template.NewGenerator(filepath.Join(dir, "scripts"), c.log)
	script, err := gen.Capture(j.Source.WorkDir, c.blockSize)
	if err != nil {
		return err
	}
	remoteScript := path.Join(j.Source.WorkDir, template.CaptureScript)
	if err := exec.Upload(ctx, []byte(script.Content), remoteScript, 0o755); err != nil {
		return err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, v := range j.Volumes {
		v := v // per-iteration copy; go.mod targets go 1.21 (pre-1.22 loop semantics)
		if v.Path != "" {
			if _, err := os.Stat(v.Path); err == nil {
				c.log.Infof("Using existing raw file %s for volume %s", v.Path, v.Name)
				continue
			}
		}
		out := rawPath(dir, v)
		cmd := sudo(j) + "sh " + shellquote.Join(remoteScript, v.Name, v.SourceDevice)
		g.Go(func() error {
			c.log.Infof("Capturing %s:%s into %s", exec.Address(), v.SourceDevice, out)
			n, err := streamToFile(gctx, exec, cmd, out)
			if err != nil {
				return fmt.Errorf("capture of volume %s failed: %w", v.Name, err)
			}
			if n == 0 {
				return fmt.Errorf("capture of volume %s produced no data", v.Name)
			}
			mu.Lock()
			v.Path = out
			mu.Unlock()
			c.log.Successf("✓ Captured volume %s (%d bytes)", v.Name, n)
			return nil
		})
	}
	return g.Wait()
}

func streamToFile(ctx context.Context, exec remote.Executor, cmd, out string) (int64, error) {
	f, err := os.Create(out)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", out, err)
	}
	if err := exec.Stream(ctx, cmd, nil, f); err != nil {
		f.Close()
		return 0, err
	}
	info, err := f.Stat()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// CaptureFiles streams a tar.gz archive of the job's file list.
func (c *SSHCapturer) CaptureFiles(ctx context.Context, j *job.MigrationJob) (string, error) {
	if len(j.Files) == 0 {
		return "", nil
	}
	dir, err := prepareDir(c.workRoot, j)
	if err != nil {
		return "", err
	}
	exec, err := c.connect(ctx, j)
	if err != nil {
		return "", err
	}
	defer exec.Close()

	out := filepath.Join(dir, ArchiveName)
	cmd := sudo(j) + "tar -czf - -C / " + shellquote.Join(relative(j.Files)...)
	c.log.Infof("Archiving %d path(s) from %s", len(j.Files), exec.Address())
	if _, err := streamToFile(ctx, exec, cmd, out); err != nil {
		return "", fmt.Errorf("file capture failed: %w", err)
	}
	j.Result.ArchivePath = out
	return out, nil
}

// relative strips the leading slash so the archive unpacks at / on the target.
func relative(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		p = path.Clean("/" + p)
		out[i] = p[1:]
		if out[i] == "" {
			out[i] = "."
		}
	}
	return out
}

// Abort kills the dd processes whose pid files live in the remote working directory.
func (c *SSHCapturer) Abort(ctx context.Context, j *job.MigrationJob) error {
	exec, err := c.connect(ctx, j)
	if err != nil {
		return err
	}
	defer exec.Close()

	gen := template.NewGenerator("", c.log)
	script, err := gen.KillCapture(j.Source.WorkDir)
	if err != nil {
		return err
	}
	remoteScript := path.Join(j.Source.WorkDir, template.KillCaptureScript)
	if err := exec.Upload(ctx, []byte(script.Content), remoteScript, 0o755); err != nil {
		return err
	}
	if _, err := exec.Run(ctx, sudo(j)+"sh "+shellquote.Join(remoteScript)); err != nil {
		return fmt.Errorf("failed to stop capture: %w", err)
	}
	c.log.Info("Stopped remote capture processes")
	return nil
}
