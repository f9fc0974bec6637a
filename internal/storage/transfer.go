package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"

	"github.com/withObsrvr/flood-impact-runner/internal/logging"
	"github.com/withObsrvr/flood-impact-runner/internal/metrics"
)

// RetryPolicy bounds transfer attempts. The wait after a failed attempt n
// is min(Step*n, Cap).
type RetryPolicy struct {
	Attempts int
	Step     time.Duration
	Cap      time.Duration
}

// DefaultRetryPolicy returns three attempts with 3s steps capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Step: 3 * time.Second, Cap: 10 * time.Second}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Step * time.Duration(attempt)
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d
}

func (p RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DownloadOptions controls a single download.
type DownloadOptions struct {
	// Resume skips the transfer when the local file already has the
	// expected size.
	Resume bool
}

// DownloadResult records the outcome of a download.
type DownloadResult struct {
	Key      string `json:"object_name"`
	Status   string `json:"status"` // "downloaded" | "skipped"
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Attempts int    `json:"attempts"`
}

// Download copies obj to localPath. A negative obj.Size disables size
// verification.
func (s *BlobStore) Download(ctx context.Context, obj ObjectInfo, localPath string, opts DownloadOptions) (*DownloadResult, error) {
	log := logging.Component("storage")

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", localPath, err)
	}

	if opts.Resume && obj.Size >= 0 {
		if info, err := os.Stat(localPath); err == nil && info.Size() == obj.Size {
			return &DownloadResult{Key: obj.Key, Status: "skipped", Path: localPath, Size: info.Size()}, nil
		}
	}

	var lastErr error
	n := s.retry.attempts()
	for attempt := 1; attempt <= n; attempt++ {
		size, err := s.downloadOnce(ctx, obj.Key, localPath)
		if err == nil && obj.Size >= 0 && size != obj.Size {
			err = fmt.Errorf("size mismatch for %s: expected %d, got %d", obj.Key, obj.Size, size)
		}
		if err == nil {
			s.observeBytes("download", size)
			return &DownloadResult{Key: obj.Key, Status: "downloaded", Path: localPath, Size: size, Attempts: attempt}, nil
		}

		lastErr = err
		os.Remove(localPath)
		s.observeRetry("download")
		log.Warn("download attempt failed",
			"key", obj.Key,
			"attempt", attempt,
			"max_attempts", n,
			"error", err,
		)
		if attempt < n {
			if err := sleepCtx(ctx, s.retry.Backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: download %s: %v", ErrTransferFailed, obj.Key, lastErr)
}

func (s *BlobStore) downloadOnce(ctx context.Context, key, localPath string) (int64, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return 0, fmt.Errorf("open reader for %s: %w", key, err)
	}
	defer r.Close()

	tmp := localPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("copy %s: %w", key, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rename %s: %w", tmp, err)
	}
	return n, nil
}

// UploadOptions controls a single upload.
type UploadOptions struct {
	// Compress stores the object zstd-compressed under key + ".zst".
	Compress bool
}

// UploadResult records the outcome of an upload. Checksum is the SHA256 of
// the stored bytes, after compression.
type UploadResult struct {
	File     string `json:"file"`
	Key      string `json:"object"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Attempts int    `json:"attempts"`
}

// Upload copies localPath to key and verifies the stored size.
func (s *BlobStore) Upload(ctx context.Context, localPath, key string, opts UploadOptions) (*UploadResult, error) {
	log := logging.Component("storage")
	if opts.Compress {
		key += ".zst"
	}

	var lastErr error
	n := s.retry.attempts()
	for attempt := 1; attempt <= n; attempt++ {
		size, sum, err := s.uploadOnce(ctx, localPath, key, opts.Compress)
		if err == nil {
			var head *ObjectInfo
			head, err = s.Head(ctx, key)
			if err == nil && head.Size != size {
				err = fmt.Errorf("size mismatch for %s: wrote %d, stored %d", key, size, head.Size)
			}
		}
		if err == nil {
			s.observeBytes("upload", size)
			return &UploadResult{File: localPath, Key: key, Size: size, Checksum: sum, Attempts: attempt}, nil
		}

		lastErr = err
		s.observeRetry("upload")
		log.Warn("upload attempt failed",
			"key", key,
			"attempt", attempt,
			"max_attempts", n,
			"error", err,
		)
		if attempt < n {
			if err := sleepCtx(ctx, s.retry.Backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: upload %s: %v", ErrTransferFailed, key, lastErr)
}

// uploadOnce streams localPath to key. A failed write cancels the writer's
// context before closing it, so no partial object is committed.
func (s *BlobStore) uploadOnce(ctx context.Context, localPath, key string, compress bool) (int64, string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wopts := &blob.WriterOptions{}
	if compress {
		wopts.ContentEncoding = "zstd"
	}
	w, err := s.bucket.NewWriter(wctx, key, wopts)
	if err != nil {
		return 0, "", fmt.Errorf("create writer for %s: %w", key, err)
	}
	abort := func(err error) (int64, string, error) {
		cancel()
		w.Close()
		return 0, "", err
	}

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(w, h)}
	if compress {
		enc, err := zstd.NewWriter(cw)
		if err != nil {
			return abort(fmt.Errorf("create zstd encoder: %w", err))
		}
		if _, err := io.Copy(enc, f); err != nil {
			enc.Close()
			return abort(fmt.Errorf("write data to %s: %w", key, err))
		}
		if err := enc.Close(); err != nil {
			return abort(fmt.Errorf("flush zstd stream for %s: %w", key, err))
		}
	} else if _, err := io.Copy(cw, f); err != nil {
		return abort(fmt.Errorf("write data to %s: %w", key, err))
	}

	if err := w.Close(); err != nil {
		return 0, "", fmt.Errorf("close writer for %s: %w", key, err)
	}
	return cw.n, "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (s *BlobStore) observeRetry(op string) {
	if m := metrics.Get(); m != nil {
		m.IncTransferRetries(metrics.Labels{Backend: s.backend, Operation: op})
	}
}

func (s *BlobStore) observeBytes(op string, n int64) {
	if m := metrics.Get(); m != nil {
		m.AddTransferBytes(metrics.Labels{Backend: s.backend, Operation: op}, float64(n))
	}
}
