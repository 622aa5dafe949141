package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultMaxFetchBytes caps a single copied result.
const DefaultMaxFetchBytes int64 = 512 << 20

var ErrTooLarge = errors.New("remote artifact exceeds size limit")

// Fetcher downloads remote result files so they can be stored under our own keys.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: timeout}, maxBytes: DefaultMaxFetchBytes}
}

// CopyFromURL streams the body at src into store under key. Only http and
// https sources are fetched, and bodies over the size limit are refused.
func (f *Fetcher) CopyFromURL(ctx context.Context, store Store, src, key string) error {
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("refusing to fetch %q: not an http(s) URL", src)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", src, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", src, resp.Status)
	}
	if resp.ContentLength > f.maxBytes {
		return fmt.Errorf("fetch %s: %w (%d bytes)", src, ErrTooLarge, resp.ContentLength)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeFor(key)
	}
	body := &cappedReader{r: resp.Body, left: f.maxBytes}
	if err := store.Put(ctx, key, body, resp.ContentLength, contentType); err != nil {
		return err
	}
	log.WithFields(log.Fields{"key": key, "bytes": f.maxBytes - body.left}).Debug("Copied remote artifact")
	return nil
}

// cappedReader fails once more than left bytes have been read, so a
// truncated body is never stored as if it were complete.
type cappedReader struct {
	r    io.Reader
	left int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.left < 0 {
		return 0, ErrTooLarge
	}
	if int64(len(p)) > c.left+1 {
		p = p[:c.left+1]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		return n, ErrTooLarge
	}
	return n, err
}
