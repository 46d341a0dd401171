package aws

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/codebypatrickleung/rehost/internal/common"
	"github.com/codebypatrickleung/rehost/internal/job"
)

// maxPresignTTL is the SigV4 ceiling for pre-signed URLs.
const maxPresignTTL = 7 * 24 * time.Hour

func (p *Provider) presignTTL() time.Duration {
	if p.cfg.PresignTTL <= 0 || p.cfg.PresignTTL > maxPresignTTL {
		return maxPresignTTL
	}
	return p.cfg.PresignTTL
}

// PrepareStorage creates the import bucket when it is missing.
func (p *Provider) PrepareStorage(ctx context.Context, j *job.MigrationJob) error {
	return p.store.EnsureBucket(ctx, p.cfg.BucketName, p.region)
}

// UploadVolume stores the raw image of v as byte-range part objects under the
// job folder, then writes and pre-signs its import manifest.
func (p *Provider) UploadVolume(ctx context.Context, j *job.MigrationJob, v *job.Volume) (string, error) {
	f, err := os.Open(v.Path)
	if err != nil {
		return "", fmt.Errorf("failed to open volume image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat volume image: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return "", fmt.Errorf("volume image %s is empty", v.Path)
	}

	bucket := p.cfg.BucketName
	ttl := p.presignTTL()
	name := common.SanitizeName(v.Name)
	ranges := splitParts(size, p.cfg.PartSizeBytes())
	parts := make([]manifestPart, 0, len(ranges))

	for i, r := range ranges {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		key := j.ObjectKey(fmt.Sprintf("%s.raw.part%d", name, i))
		if err := p.store.Put(ctx, bucket, key, io.NewSectionReader(f, r.Start, r.Len()), r.Len(), "application/octet-stream"); err != nil {
			return "", err
		}
		part := manifestPart{Index: i, ByteRange: r, Key: key}
		if part.HeadURL, err = p.store.Presign(ctx, http.MethodHead, bucket, key, ttl); err != nil {
			return "", err
		}
		if part.GetURL, err = p.store.Presign(ctx, http.MethodGet, bucket, key, ttl); err != nil {
			return "", err
		}
		if part.DeleteURL, err = p.store.Presign(ctx, http.MethodDelete, bucket, key, ttl); err != nil {
			return "", err
		}
		parts = append(parts, part)
		p.log.Debugf("Uploaded part %d/%d of %s", i+1, len(ranges), v.Name)
	}

	manifestKey := j.ObjectKey(name + ".manifest.xml")
	selfDestruct, err := p.store.Presign(ctx, http.MethodDelete, bucket, manifestKey, ttl)
	if err != nil {
		return "", err
	}
	body, err := newManifest(size, volumeSizeGiB(size, v.SizeGiB), selfDestruct, parts).Marshal()
	if err != nil {
		return "", err
	}
	if err := p.store.Put(ctx, bucket, manifestKey, bytes.NewReader(body), int64(len(body)), "text/xml"); err != nil {
		return "", err
	}
	return p.store.Presign(ctx, http.MethodGet, bucket, manifestKey, ttl)
}

// DeleteObjects removes every object under prefix.
func (p *Provider) DeleteObjects(ctx context.Context, prefix string) error {
	return p.store.RemovePrefix(ctx, p.cfg.BucketName, prefix)
}

// UploadFile stores a local file under key and returns a pre-signed GET URL.
func (p *Provider) UploadFile(ctx context.Context, key, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := p.store.Put(ctx, p.cfg.BucketName, key, f, info.Size(), "application/octet-stream"); err != nil {
		return "", err
	}
	return p.store.Presign(ctx, http.MethodGet, p.cfg.BucketName, key, p.presignTTL())
}
