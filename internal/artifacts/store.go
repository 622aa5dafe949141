package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"voxshift/internal/config"
)

// ErrNotFound is returned when a key has no stored object.
var ErrNotFound = errors.New("artifact not found")

// Store persists binary artifacts under opaque keys and issues expiring
// retrieval links for them.
type Store interface {
	// Upload copies a local file to key.
	Upload(ctx context.Context, path, key string) error
	// Put streams size bytes from r to key. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// SignedURL returns a link that grants read access to key until ttl elapses.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// InterimKey is where the extracted source audio for a job is stored.
func InterimKey(jobID, ext string) string {
	return fmt.Sprintf("interim/%s.%s", jobID, ext)
}

// ResultKey is where the converted audio for a job is stored.
func ResultKey(jobID, ext string) string {
	return fmt.Sprintf("results/%s.%s", jobID, ext)
}

// New builds the backend selected by cfg.Backend. publicBaseURL is only
// used by the local backend, whose links point back at this server.
func New(ctx context.Context, cfg config.StorageConfig, publicBaseURL string) (Store, error) {
	switch cfg.Backend {
	case config.BackendMinio:
		return NewMinioStore(cfg.Minio, cfg.Bucket)
	case config.BackendS3:
		return NewS3Store(cfg.S3, cfg.Bucket), nil
	case config.BackendGCS:
		return NewGCSStore(ctx, cfg.GCS, cfg.Bucket)
	case config.BackendLocal:
		return NewLocalStore(cfg.Local.Root, publicBaseURL, []byte(cfg.Local.SigningKey))
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}
