package stitcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	adst "go.airbusds-geo.com/gcp/storage"
	"go.airbusds-geo.com/log"
	"google.golang.org/api/iterator"
)

// ObjectStore is the interface to remote object storage. Keys are
// /-delimited strings forming a virtual directory hierarchy; "directories"
// are prefixes with no dedicated existence marker.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, localPath, key string) error
}

type gcsStore struct {
	bucket string
	cl     *storage.Client
	ads    *adst.Client
}

// NewGCSStore returns an ObjectStore backed by a GCS bucket.
func NewGCSStore(ctx context.Context, cl *storage.Client, bucket string) (ObjectStore, error) {
	ads, err := adst.New(ctx, adst.WithStorageClient(cl))
	if err != nil {
		return nil, fmt.Errorf("ads storage.new: %w", err)
	}
	return &gcsStore{bucket: bucket, cl: cl, ads: ads}, nil
}

func (s *gcsStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.cl.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", s.bucket, prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (s *gcsStore) Download(ctx context.Context, key, localPath string) error {
	r, err := s.cl.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("read gs://%s/%s: %w", s.bucket, key, err)
	}
	defer r.Close() //nolint:errcheck
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", localPath, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()            //nolint:errcheck
		os.Remove(localPath) //nolint:errcheck
		return fmt.Errorf("download gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", localPath, err)
	}
	return nil
}

func (s *gcsStore) Upload(ctx context.Context, localPath, key string) error {
	dst := fmt.Sprintf("gs://%s/%s", s.bucket, key)
	if err := s.ads.UploadFromFile(ctx, dst, localPath); err != nil {
		return fmt.Errorf("upload %s: %w", dst, err)
	}
	return nil
}

// UploadOutcome is the typed result of a retried upload, so batch-level
// success metrics stay computable instead of being buried in log lines.
type UploadOutcome struct {
	Key      string
	Attempts int
	Err      error
}

func (o UploadOutcome) Success() bool { return o.Err == nil }

const uploadAttempts = 3

var uploadRetryDelay = 2 * time.Second

// UploadWithRetry uploads localPath under key, retrying transient failures
// with a fixed delay. After exhausting the attempts the outcome carries an
// error wrapping ErrRetryExhausted; it never aborts the caller.
func UploadWithRetry(ctx context.Context, store ObjectStore, localPath, key string) UploadOutcome {
	lg := log.Logger(ctx).Sugar()
	var lastErr error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return UploadOutcome{Key: key, Attempts: attempt - 1, Err: err}
		}
		lastErr = store.Upload(ctx, localPath, key)
		if lastErr == nil {
			return UploadOutcome{Key: key, Attempts: attempt}
		}
		lg.Warnf("upload %s attempt %d/%d: %v", key, attempt, uploadAttempts, lastErr)
		if attempt < uploadAttempts {
			select {
			case <-time.After(uploadRetryDelay):
			case <-ctx.Done():
				return UploadOutcome{Key: key, Attempts: attempt, Err: ctx.Err()}
			}
		}
	}
	return UploadOutcome{
		Key:      key,
		Attempts: uploadAttempts,
		Err:      fmt.Errorf("upload %s: %w: %v", key, ErrRetryExhausted, lastErr),
	}
}
