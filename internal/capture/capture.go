// Package capture produces the raw disk files (and optional file archive)
// of a source host inside the job's local working directory.
package capture

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/codebypatrickleung/rehost/internal/common"
	"github.com/codebypatrickleung/rehost/internal/job"
)

// Capturer creates raw files for every volume of a job.
type Capturer interface {
	// CaptureVolumes writes <workdir>/<volume>.raw for each volume and
	// records the path on the volume.
	CaptureVolumes(ctx context.Context, j *job.MigrationJob) error
	// CaptureFiles archives the job's file list and returns the local
	// archive path, or "" when there is nothing to capture.
	CaptureFiles(ctx context.Context, j *job.MigrationJob) (string, error)
	// Abort stops an in-flight capture of j.
	Abort(ctx context.Context, j *job.MigrationJob) error
}

// ArchiveName is the file name of captured file archives.
const ArchiveName = "files.tar.gz"

func rawPath(dir string, v *job.Volume) string {
	return filepath.Join(dir, common.SanitizeName(v.Name)+".raw")
}

func prepareDir(root string, j *job.MigrationJob) (string, error) {
	dir := j.WorkDir(root)
	if err := common.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("failed to create working directory: %w", err)
	}
	return dir, nil
}
