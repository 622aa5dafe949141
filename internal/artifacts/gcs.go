package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"voxshift/internal/config"
)

// GCSStore keeps artifacts in a Google Cloud Storage bucket. Signed links
// need service-account credentials, which the client picks up from the
// credentials file.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

func NewGCSStore(ctx context.Context, cfg config.GCSConfig, bucket string) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCSStore{client: client, bucket: client.Bucket(bucket)}, nil
}

func (s *GCSStore) Upload(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s for upload: %w", path, err)
	}
	defer f.Close()
	return s.Put(ctx, key, f, -1, contentTypeFor(key))
}

func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	wc := s.bucket.Object(key).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := io.Copy(wc, r); err != nil {
		wc.Close()
		return fmt.Errorf("io.Copy to gcs %s: %w", key, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("Writer.Close for gcs %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.bucket.SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("gcs sign %s: %w", key, err)
	}
	return u, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("gcs delete %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
