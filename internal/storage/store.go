// Package storage provides object storage access for run inputs and
// published results on top of gocloud.dev/blob.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTransferFailed is returned when a download or upload exhausts its retries.
var ErrTransferFailed = errors.New("transfer failed")

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string    `json:"name"`
	Size    int64     `json:"size"`
	ETag    string    `json:"etag,omitempty"` // MD5 for S3/GCS, empty for local
	ModTime time.Time `json:"time_created"`
}

// Store abstracts reading inputs from and publishing artifacts to storage.
type Store interface {
	// List returns all objects under the given prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Head returns metadata about a stored object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Download copies an object to a local path, verifying its size.
	Download(ctx context.Context, obj ObjectInfo, localPath string, opts DownloadOptions) (*DownloadResult, error)

	// Upload copies a local file to key, verifying the stored size.
	Upload(ctx context.Context, localPath, key string, opts UploadOptions) (*UploadResult, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "local" | "gcs" | "s3" | "mem"

	// Local filesystem
	LocalDir string `yaml:"local_dir"`

	// GCS
	GCSBucket string `yaml:"gcs_bucket"`

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string `yaml:"s3_bucket"`
	S3Endpoint string `yaml:"s3_endpoint"` // custom endpoint for B2/MinIO/R2
	S3Region   string `yaml:"s3_region"`

	// Common
	Prefix string `yaml:"prefix"` // path prefix within bucket or local dir
}

// NewStore creates a storage backend based on configuration.
func NewStore(ctx context.Context, cfg StorageConfig) (*BlobStore, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return OpenLocal(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		return OpenGCS(ctx, cfg.GCSBucket, cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		return OpenS3(ctx, cfg.S3Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	case "mem":
		return OpenMem(cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
