package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob" // S3 driver
	"gocloud.dev/gcerrors"
)

// BlobStore implements Store over a gocloud.dev bucket.
type BlobStore struct {
	bucket  *blob.Bucket
	uriBase string
	backend string
	retry   RetryPolicy
}

// NewBlobStore wraps an opened bucket. uriBase is prepended to keys by URI.
func NewBlobStore(bucket *blob.Bucket, backend, uriBase string) *BlobStore {
	return &BlobStore{
		bucket:  bucket,
		uriBase: strings.TrimSuffix(uriBase, "/") + "/",
		backend: backend,
		retry:   DefaultRetryPolicy(),
	}
}

// OpenLocal opens a directory-backed bucket.
func OpenLocal(dir, prefix string) (*BlobStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve local dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", abs, err)
	}
	bucket, err := fileblob.OpenBucket(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open local bucket %s: %w", abs, err)
	}
	return NewBlobStore(withPrefix(bucket, prefix), "local", "file://"+filepath.ToSlash(filepath.Join(abs, prefix))), nil
}

// OpenGCS opens a Google Cloud Storage bucket.
func OpenGCS(ctx context.Context, bucketName, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, "gs://"+bucketName)
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	return NewBlobStore(withPrefix(bucket, prefix), "gcs", "gs://"+bucketName+"/"+prefix), nil
}

// OpenS3 opens an S3-compatible bucket.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func OpenS3(ctx context.Context, bucketName, prefix, endpoint, region string) (*BlobStore, error) {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", bucketName, err)
	}
	return NewBlobStore(withPrefix(bucket, prefix), "s3", "s3://"+bucketName+"/"+prefix), nil
}

// OpenMem opens an in-memory bucket, used for dry runs and tests.
func OpenMem(prefix string) *BlobStore {
	return NewBlobStore(withPrefix(memblob.OpenBucket(nil), prefix), "mem", "mem://"+prefix)
}

func withPrefix(b *blob.Bucket, prefix string) *blob.Bucket {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return b
	}
	return blob.PrefixedBucket(b, prefix+"/")
}

// SetRetryPolicy overrides the transfer retry policy.
func (s *BlobStore) SetRetryPolicy(p RetryPolicy) {
	s.retry = p
}

// Backend returns the backend name.
func (s *BlobStore) Backend() string { return s.backend }

// List returns all objects with the given prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		out = append(out, ObjectInfo{
			Key:     obj.Key,
			Size:    obj.Size,
			ETag:    hex.EncodeToString(obj.MD5),
			ModTime: obj.ModTime,
		})
	}
	return out, nil
}

// Head returns metadata about a stored object.
func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("object %s: %w", key, os.ErrNotExist)
		}
		return nil, fmt.Errorf("attributes for %s: %w", key, err)
	}
	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    hex.EncodeToString(attrs.MD5),
		ModTime: attrs.ModTime,
	}, nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return s.uriBase + key
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
