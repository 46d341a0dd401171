// Package template renders the shell scripts run on source and target hosts.
package template

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/kballard/go-shellquote"

	"github.com/codebypatrickleung/rehost/internal/common"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
)

// Script names.
const (
	CaptureScript      = "capture.sh"
	KillCaptureScript  = "kill-capture.sh"
	CustomizeScript    = "customize.sh"
	MountScript        = "mount.sh"
	InstallFilesScript = "install-files.sh"
)

// DefaultBlockSize is the dd block size used for raw captures.
const DefaultBlockSize = "4M"

// Script is a rendered script and the local copy written for it.
type Script struct {
	Name    string
	Path    string
	Content string
}

// CustomizeData drives customize.sh.
type CustomizeData struct {
	job.GuestProfile
	// RefreshCommand updates the package index, e.g. "apt-get update".
	RefreshCommand string
	// InstallCommand is prefixed to the quoted package list.
	InstallCommand string
	// ShellFallback is the login shell used when a user names none.
	ShellFallback string
}

// MountSpec describes one attached volume to format and mount.
type MountSpec struct {
	Device     string
	MountPoint string
	Filesystem string
}

var funcs = template.FuncMap{
	"quote": func(s string) string { return shellquote.Join(s) },
	"join":  func(items []string, sep string) string { return strings.Join(items, sep) },
	"quoteAll": func(items []string) string {
		return shellquote.Join(items...)
	},
	"heredoc": heredocDelimiter,
}

var scripts = template.Must(template.New("scripts").Funcs(funcs).Parse(`
{{define "capture"}}#!/bin/sh
# Streams one raw device to stdout. Usage: capture.sh <volume> <device>
set -eu
workdir={{quote .WorkDir}}
name="$1"
device="$2"
mkdir -p "$workdir"
echo $$ > "$workdir/$name.pid"
exec dd if="$device" bs={{.BlockSize}} status=none
{{end}}

{{define "kill"}}#!/bin/sh
# Terminates captures started from the job's working directory.
workdir={{quote .WorkDir}}
for f in "$workdir"/*.pid; do
  [ -e "$f" ] || continue
  pid=$(cat "$f")
  kill -TERM "$pid" 2>/dev/null || true
  rm -f "$f"
done
exit 0
{{end}}

{{define "customize"}}#!/bin/sh
set -eu
{{range .Groups}}
if ! getent group {{quote .Name}} >/dev/null; then
  groupadd{{if .GID}} -g {{.GID}}{{end}} {{quote .Name}}
fi
{{- end}}
{{range .Users}}
if ! id -u {{quote .Name}} >/dev/null 2>&1; then
  useradd -m{{if .UID}} -u {{.UID}}{{end}}{{if .Home}} -d {{quote .Home}}{{end}} -s {{if .Shell}}{{quote .Shell}}{{else}}{{quote $.ShellFallback}}{{end}} {{quote .Name}}
fi
{{- if .Groups}}
usermod -a -G {{quote (join .Groups ",")}} {{quote .Name}}
{{- end}}
{{- end}}
{{range .ProfileFiles}}
mkdir -p "$(dirname {{quote .Path}})"
cat > {{quote .Path}} <<'{{heredoc .Content}}'
{{.Content}}
{{heredoc .Content}}
{{- if .Mode}}
chmod {{.Mode}} {{quote .Path}}
{{- end}}
{{- if .Owner}}
chown {{quote .Owner}} {{quote .Path}}
{{- end}}
{{- end}}
{{range .CronJobs}}
( crontab -l -u {{quote .User}} 2>/dev/null; echo {{quote (printf "%s %s" .Schedule .Command)}} ) | crontab -u {{quote .User}} -
{{- end}}
{{- if .Packages}}
{{if .RefreshCommand}}{{.RefreshCommand}}
{{end}}{{.InstallCommand}} {{quoteAll .Packages}}
{{- end}}
{{end}}

{{define "mount"}}#!/bin/sh
set -eu
{{range .}}
for i in $(seq 1 60); do [ -b {{quote .Device}} ] && break; sleep 2; done
if ! blkid {{quote .Device}} >/dev/null 2>&1; then
  mkfs -t {{quote .Filesystem}} {{quote .Device}}
fi
mkdir -p {{quote .MountPoint}}
uuid=$(blkid -s UUID -o value {{quote .Device}})
if ! grep -q "$uuid" /etc/fstab; then
  echo "UUID=$uuid {{.MountPoint}} {{.Filesystem}} defaults,nofail 0 2" >> /etc/fstab
fi
mountpoint -q {{quote .MountPoint}} || mount {{quote .MountPoint}}
{{- end}}
{{end}}

{{define "install"}}#!/bin/sh
set -eu
{{- if .URL}}
curl -fsSL -o {{quote .Archive}} {{quote .URL}}
{{- end}}
tar -xzpf {{quote .Archive}} -C /
rm -f {{quote .Archive}}
{{end}}
`))

// heredocDelimiter picks a delimiter that does not occur in content.
func heredocDelimiter(content string) string {
	d := "REHOST_EOF"
	for strings.Contains(content, d) {
		d += "_"
	}
	return d
}

// Generator renders scripts and keeps a local copy of each in outputDir.
type Generator struct {
	outputDir string
	logger    *logger.Logger
}

// NewGenerator creates a generator writing into outputDir.
func NewGenerator(outputDir string, log *logger.Logger) *Generator {
	return &Generator{outputDir: outputDir, logger: log}
}

// Capture renders the per-volume capture launcher for a remote working directory.
func (g *Generator) Capture(remoteDir, blockSize string) (*Script, error) {
	if blockSize == "" {
		blockSize = DefaultBlockSize
	}
	return g.render(CaptureScript, "capture", struct{ WorkDir, BlockSize string }{remoteDir, blockSize})
}

// KillCapture renders the script that terminates running captures.
func (g *Generator) KillCapture(remoteDir string) (*Script, error) {
	return g.render(KillCaptureScript, "kill", struct{ WorkDir string }{remoteDir})
}

// Customize renders the guest customization script.
func (g *Generator) Customize(data CustomizeData) (*Script, error) {
	if data.ShellFallback == "" {
		data.ShellFallback = "/bin/bash"
	}
	for _, f := range data.ProfileFiles {
		if f.Path == "" {
			return nil, fmt.Errorf("profile file without a path")
		}
	}
	return g.render(CustomizeScript, "customize", data)
}

// Mount renders the script formatting and mounting added volumes.
func (g *Generator) Mount(specs []MountSpec) (*Script, error) {
	out := make([]MountSpec, len(specs))
	for i, s := range specs {
		if s.Device == "" || s.MountPoint == "" {
			return nil, fmt.Errorf("mount spec %d needs a device and a mount point", i)
		}
		if s.Filesystem == "" {
			s.Filesystem = "ext4"
		}
		out[i] = s
	}
	return g.render(MountScript, "mount", out)
}

// InstallFiles renders the script unpacking a captured file archive.
func (g *Generator) InstallFiles(archive string) (*Script, error) {
	return g.render(InstallFilesScript, "install", struct{ Archive, URL string }{archive, ""})
}

// FetchFiles renders the script downloading a staged archive from url and
// unpacking it.
func (g *Generator) FetchFiles(url, archive string) (*Script, error) {
	return g.render(InstallFilesScript, "install", struct{ Archive, URL string }{archive, url})
}

func (g *Generator) render(name, tmpl string, data any) (*Script, error) {
	var buf bytes.Buffer
	if err := scripts.ExecuteTemplate(&buf, tmpl, data); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", name, err)
	}
	s := &Script{Name: name, Content: buf.String()}
	if g.outputDir == "" {
		return s, nil
	}
	if err := common.EnsureDir(g.outputDir); err != nil {
		return nil, fmt.Errorf("failed to create script directory: %w", err)
	}
	s.Path = filepath.Join(g.outputDir, name)
	if err := os.WriteFile(s.Path, buf.Bytes(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}
	g.logger.Debugf("Generated %s", s.Path)
	return s, nil
}
