package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// BlobStore is the interface for pluggable blob storage backends, used to
// archive large step outputs/inputs that shouldn't live inline in run state.
type BlobStore interface {
	Put(ctx context.Context, data []byte, mime, filename string) (url string, err error)
	Get(ctx context.Context, url string) ([]byte, error)
}

// FilesystemBlobStore implements BlobStore using the local filesystem.
// This is the default and recommended blob store for local/dev/prod.
type FilesystemBlobStore struct {
	dir string
}

// NewFilesystemBlobStore creates a new FilesystemBlobStore with the given directory.
// The directory will be created if it does not exist.
func NewFilesystemBlobStore(dir string) (*FilesystemBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FilesystemBlobStore{dir: dir}, nil
}

// Put stores the blob as a file in the directory. Returns a file:// URL.
func (f *FilesystemBlobStore) Put(ctx context.Context, data []byte, mime, filename string) (string, error) {
	if filename == "" {
		filename = fmt.Sprintf("blob-%d", time.Now().UnixNano())
	}
	path := filepath.Join(f.dir, filename)
	// Write atomically
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", err
	}
	return "file://" + path, nil
}

// Get retrieves the blob from the file:// URL.
func (f *FilesystemBlobStore) Get(ctx context.Context, url string) ([]byte, error) {
	const prefix = "file://"
	if !strings.HasPrefix(url, prefix) {
		return nil, fmt.Errorf("invalid file URL: %s", url)
	}
	path := url[len(prefix):]
	return os.ReadFile(path)
}

// S3BlobStore implements BlobStore using AWS S3.
// This is NOT the default. Use only if configured explicitly.
type S3BlobStore struct {
	client *s3.Client
	bucket string
	region string
}

// NewS3BlobStore loads default AWS credentials/config for region and
// constructs a client bound to bucket.
func NewS3BlobStore(ctx context.Context, bucket, region string) (*S3BlobStore, error) {
	if bucket == "" || region == "" {
		return nil, fmt.Errorf("bucket and region must be non-empty")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg)
	return &S3BlobStore{client: client, bucket: bucket, region: region}, nil
}

func (s *S3BlobStore) Put(ctx context.Context, data []byte, mime, filename string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(filename),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mime),
		ACL:         types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, filename), nil
}

func (s *S3BlobStore) Get(ctx context.Context, url string) ([]byte, error) {
	// Expect url format: s3://bucket/key
	rest, hasScheme := strings.CutPrefix(url, "s3://")
	bucket, key, hasKey := strings.Cut(rest, "/")
	if !hasScheme || !hasKey || bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid s3 URL %q: expected s3://bucket/key", url)
	}
	if bucket != s.bucket {
		return nil, fmt.Errorf("requested bucket %s does not match configured bucket %s", bucket, s.bucket)
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// BlobConfig is a minimal struct for blob store configuration.
type BlobConfig struct {
	Driver    string
	Directory string
	Bucket    string
	Region    string
}

// NewDefaultBlobStore returns a BlobStore based on config, or FilesystemBlobStore in ./beemflow-files if config is nil or empty.
func NewDefaultBlobStore(ctx context.Context, cfg *BlobConfig) (BlobStore, error) {
	if cfg == nil || cfg.Driver == "" || cfg.Driver == "filesystem" {
		dir := "./beemflow-files"
		if cfg != nil && cfg.Directory != "" {
			dir = cfg.Directory
		}
		return NewFilesystemBlobStore(dir)
	}
	if cfg.Driver == "s3" {
		if cfg.Bucket == "" || cfg.Region == "" {
			return nil, fmt.Errorf("s3 driver requires bucket and region")
		}
		return NewS3BlobStore(ctx, cfg.Bucket, cfg.Region)
	}
	return nil, fmt.Errorf("unsupported blob driver: %s", cfg.Driver)
}
