package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// DownloadPrefix is the route under which the local backend serves files.
const DownloadPrefix = "/downloads/"

var (
	ErrInvalidToken = errors.New("invalid download token")
	ErrInvalidKey   = errors.New("invalid artifact key")
)

// LocalStore keeps artifacts on disk. Its links point at this server's
// download route and carry an HS256 token scoped to one key.
type LocalStore struct {
	root    string
	baseURL string
	secret  []byte
	signer  jose.Signer
}

func NewLocalStore(root, publicBaseURL string, secret []byte) (*LocalStore, error) {
	if len(secret) < 32 {
		return nil, errors.New("local storage signing key must be at least 32 bytes")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root %s: %w", root, err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return &LocalStore{
		root:    root,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		secret:  secret,
		signer:  signer,
	}, nil
}

// path maps key to a file under root, rejecting keys that escape it.
func (s *LocalStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *LocalStore) Upload(ctx context.Context, src, key string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s for upload: %w", src, err)
	}
	defer f.Close()
	return s.Put(ctx, key, f, -1, contentTypeFor(key))
}

func (s *LocalStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	dst, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

type downloadClaims struct {
	jwt.Claims
	Key string `json:"key"`
}

func (s *LocalStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := s.path(key); err != nil {
		return "", err
	}
	now := time.Now()
	claims := downloadClaims{
		Claims: jwt.Claims{
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
		Key: key,
	}
	token, err := jwt.Signed(s.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to create download token: %w", err)
	}
	return s.baseURL + DownloadPrefix + key + "?token=" + url.QueryEscape(token), nil
}

// Verify checks that token grants access to key at this moment.
func (s *LocalStore) Verify(key, token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims downloadClaims
	if err := tok.Claims(s.secret, &claims); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Time: time.Now()}, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Key != key {
		return fmt.Errorf("%w: token is for a different key", ErrInvalidToken)
	}
	return nil
}

// Open returns the stored file for key.
func (s *LocalStore) Open(key string) (*os.File, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
