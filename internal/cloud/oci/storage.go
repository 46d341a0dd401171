package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/objectstorage"
	"github.com/oracle/oci-go-sdk/v65/objectstorage/transfer"

	ccommon "github.com/codebypatrickleung/rehost/internal/common"
	"github.com/codebypatrickleung/rehost/internal/job"
)

// imageManifest is stored next to each uploaded image and tells the import
// step where the QCOW2 object lives.
type imageManifest struct {
	Object    string    `json:"object"`
	Format    string    `json:"format"`
	SizeBytes int64     `json:"size_bytes"`
	SourceURI string    `json:"source_uri"`
	Uploaded  time.Time `json:"uploaded"`
}

func imageObjectName(j *job.MigrationJob, v *job.Volume) string {
	return j.ObjectKey(ccommon.SanitizeName(v.Name) + ".qcow2")
}

func manifestObjectName(j *job.MigrationJob, v *job.Volume) string {
	return j.ObjectKey(ccommon.SanitizeName(v.Name) + ".manifest.json")
}

func (p *Provider) endpoint() string {
	return fmt.Sprintf("https://objectstorage.%s.oraclecloud.com", p.region)
}

// objectURL is the native object URI accepted by image import.
func (p *Provider) objectURL(namespace, bucket, object string) string {
	return fmt.Sprintf("%s/n/%s/b/%s/o/%s", p.endpoint(), namespace, bucket, url.PathEscape(object))
}

// Namespace retrieves the Object Storage namespace for the tenancy once.
func (p *Provider) Namespace(ctx context.Context) (string, error) {
	p.mu.Lock()
	ns := p.namespace
	p.mu.Unlock()
	if ns != "" {
		return ns, nil
	}
	client, err := p.objectStorage()
	if err != nil {
		return "", err
	}
	resp, err := client.GetNamespace(ctx, objectstorage.GetNamespaceRequest{})
	if err != nil {
		return "", fmt.Errorf("failed to get namespace: %w", err)
	}
	p.mu.Lock()
	p.namespace = *resp.Value
	p.mu.Unlock()
	return *resp.Value, nil
}

// PrepareStorage creates the migration bucket in the job compartment if needed.
func (p *Provider) PrepareStorage(ctx context.Context, j *job.MigrationJob) error {
	ns, err := p.Namespace(ctx)
	if err != nil {
		return err
	}
	client, err := p.objectStorage()
	if err != nil {
		return err
	}
	bucket := p.cfg.BucketName
	_, err = client.HeadBucket(ctx, objectstorage.HeadBucketRequest{NamespaceName: &ns, BucketName: &bucket})
	if err == nil {
		return nil
	}
	if serviceErr, ok := common.IsServiceError(err); !ok || serviceErr.GetHTTPStatusCode() != 404 {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	_, err = client.CreateBucket(ctx, objectstorage.CreateBucketRequest{
		NamespaceName: &ns,
		CreateBucketDetails: objectstorage.CreateBucketDetails{
			Name:          &bucket,
			CompartmentId: &j.Target.CompartmentID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	p.logger.Successf("Created bucket: %s", bucket)
	return nil
}

// UploadVolume converts the raw image to QCOW2, uploads it with the multipart
// transfer manager, stores a JSON manifest and returns its read PAR.
func (p *Provider) UploadVolume(ctx context.Context, j *job.MigrationJob, v *job.Volume) (string, error) {
	ns, err := p.Namespace(ctx)
	if err != nil {
		return "", err
	}
	client, err := p.objectStorage()
	if err != nil {
		return "", err
	}

	qcow2 := strings.TrimSuffix(v.Path, filepath.Ext(v.Path)) + ".qcow2"
	if err := ccommon.ConvertImage(ctx, v.Path, ccommon.FormatRaw, qcow2, ccommon.FormatQCOW2, false); err != nil {
		return "", err
	}
	defer os.Remove(qcow2)
	info, err := os.Stat(qcow2)
	if err != nil {
		return "", fmt.Errorf("failed to stat converted image: %w", err)
	}

	bucket := p.cfg.BucketName
	object := imageObjectName(j, v)
	partSize := p.cfg.PartSizeBytes()
	_, err = transfer.NewUploadManager().UploadFile(ctx, transfer.UploadFileRequest{
		UploadRequest: transfer.UploadRequest{
			NamespaceName:       &ns,
			BucketName:          &bucket,
			ObjectName:          &object,
			PartSize:            &partSize,
			ObjectStorageClient: &client,
		},
		FilePath: qcow2,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", object, err)
	}

	body, err := json.Marshal(imageManifest{
		Object:    object,
		Format:    "QCOW2",
		SizeBytes: info.Size(),
		SourceURI: p.objectURL(ns, bucket, object),
		Uploaded:  time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	manifest := manifestObjectName(j, v)
	if err := p.putObject(ctx, ns, manifest, bytes.NewReader(body), int64(len(body))); err != nil {
		return "", err
	}
	return p.createPAR(ctx, ns, manifest)
}

func (p *Provider) putObject(ctx context.Context, ns, object string, body io.Reader, size int64) error {
	client, err := p.objectStorage()
	if err != nil {
		return err
	}
	bucket := p.cfg.BucketName
	_, err = client.PutObject(ctx, objectstorage.PutObjectRequest{
		NamespaceName: &ns,
		BucketName:    &bucket,
		ObjectName:    &object,
		PutObjectBody: io.NopCloser(body),
		ContentLength: &size,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

// createPAR issues a read-only pre-authenticated request for one object.
func (p *Provider) createPAR(ctx context.Context, ns, object string) (string, error) {
	client, err := p.objectStorage()
	if err != nil {
		return "", err
	}
	bucket := p.cfg.BucketName
	name := "rehost-" + ccommon.SanitizeName(filepath.Base(object))
	resp, err := client.CreatePreauthenticatedRequest(ctx, objectstorage.CreatePreauthenticatedRequestRequest{
		NamespaceName: &ns,
		BucketName:    &bucket,
		CreatePreauthenticatedRequestDetails: objectstorage.CreatePreauthenticatedRequestDetails{
			Name:        &name,
			ObjectName:  &object,
			AccessType:  objectstorage.CreatePreauthenticatedRequestDetailsAccessTypeObjectread,
			TimeExpires: &common.SDKTime{Time: time.Now().Add(p.cfg.PresignTTL)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create pre-authenticated request: %w", err)
	}
	return p.endpoint() + *resp.AccessUri, nil
}

// DeleteObjects removes every object under prefix, page by page.
func (p *Provider) DeleteObjects(ctx context.Context, prefix string) error {
	ns, err := p.Namespace(ctx)
	if err != nil {
		return err
	}
	client, err := p.objectStorage()
	if err != nil {
		return err
	}
	bucket := p.cfg.BucketName
	var start *string
	for {
		resp, err := client.ListObjects(ctx, objectstorage.ListObjectsRequest{
			NamespaceName: &ns,
			BucketName:    &bucket,
			Prefix:        &prefix,
			Start:         start,
		})
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range resp.Objects {
			_, err := client.DeleteObject(ctx, objectstorage.DeleteObjectRequest{
				NamespaceName: &ns,
				BucketName:    &bucket,
				ObjectName:    obj.Name,
			})
			if err != nil {
				return fmt.Errorf("failed to delete object %s: %w", *obj.Name, err)
			}
		}
		if resp.NextStartWith == nil {
			return nil
		}
		start = resp.NextStartWith
	}
}

// UploadFile stores a local file under key and returns a read PAR for it.
func (p *Provider) UploadFile(ctx context.Context, key, path string) (string, error) {
	ns, err := p.Namespace(ctx)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to get file info: %w", err)
	}
	if err := p.putObject(ctx, ns, key, f, info.Size()); err != nil {
		return "", err
	}
	return p.createPAR(ctx, ns, key)
}
