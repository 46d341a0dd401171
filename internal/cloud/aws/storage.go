package aws

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultS3Endpoint = "s3.amazonaws.com"

// ObjectStore is the S3 surface the adapter needs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket, region string) error
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	Presign(ctx context.Context, method, bucket, key string, ttl time.Duration) (string, error)
	RemovePrefix(ctx context.Context, bucket, prefix string) error
}

// StoreConfig selects the S3 endpoint and credentials.
type StoreConfig struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

type minioStore struct {
	client *minio.Client
}

// NewObjectStore creates an S3 client with minio-go. Without static keys the
// usual AWS environment, shared-file and instance-role chain is used.
func NewObjectStore(cfg StoreConfig) (ObjectStore, error) {
	endpoint, secure, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	creds := miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
	if cfg.AccessKey == "" {
		creds = miniocreds.NewChainCredentials([]miniocreds.Provider{
			&miniocreds.EnvAWS{},
			&miniocreds.FileAWSCredentials{},
			&miniocreds.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
		})
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	return &minioStore{client: client}, nil
}

// cleanEndpoint reduces an endpoint URL to host:port and reports whether TLS
// is used. Bare hosts default to TLS.
func cleanEndpoint(endpoint string) (string, bool, error) {
	if endpoint == "" {
		return defaultS3Endpoint, true, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", false, fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, true, nil
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", false, fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsed.Path)
	}
	return parsed.Host, parsed.Scheme == "https", nil
}

func (s *minioStore) EnsureBucket(ctx context.Context, bucket, region string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *minioStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s *minioStore) Presign(ctx context.Context, method, bucket, key string, ttl time.Duration) (string, error) {
	var (
		u   *url.URL
		err error
	)
	switch method {
	case http.MethodGet:
		u, err = s.client.PresignedGetObject(ctx, bucket, key, ttl, nil)
	case http.MethodHead:
		u, err = s.client.PresignedHeadObject(ctx, bucket, key, ttl, nil)
	default:
		u, err = s.client.Presign(ctx, method, bucket, key, ttl, nil)
	}
	if err != nil {
		return "", fmt.Errorf("failed to presign %s %s: %w", method, key, err)
	}
	return u.String(), nil
}

func (s *minioStore) RemovePrefix(ctx context.Context, bucket, prefix string) error {
	objects := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	toRemove := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	go func() {
		defer close(toRemove)
		for obj := range objects {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			select {
			case toRemove <- obj:
			case <-ctx.Done():
				listErr <- ctx.Err()
				return
			}
		}
	}()

	var firstErr error
	for rerr := range s.client.RemoveObjects(ctx, bucket, toRemove, minio.RemoveObjectsOptions{}) {
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to remove %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	select {
	case err := <-listErr:
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to list %s: %w", prefix, err)
		}
	default:
	}
	return firstErr
}
