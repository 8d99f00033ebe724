package blob

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/minio/highwayhash"
)

// hashKey seeds the content-addressing digest. It is fixed: the digest is a
// stable address, not an authenticator.
var hashKey = make([]byte, 32)

// Store is a filesystem-backed blob store with pre-signed, single-verb URLs.
// Callers outside the trust boundary receive URLs only, never credentials.
type Store struct {
	root       string
	signingKey []byte
	baseURL    string
	defaultTTL time.Duration
}

// Config holds blob store configuration.
type Config struct {
	Root       string
	SigningKey []byte
	BaseURL    string
	DefaultTTL time.Duration
}

// NewStore creates a blob store rooted at cfg.Root.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("blob store needs a signing key")
	}
	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		root:       cfg.Root,
		signingKey: cfg.SigningKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		defaultTTL: ttl,
	}, nil
}

func (s *Store) pathFor(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	// The raw key is inspected before cleaning; path.Clean would silently
	// swallow leading ".." segments.
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid blob key %q", key)
		}
	}
	clean := path.Clean("/" + key)
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes a blob under key, replacing any previous content.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// PutContentAddressed writes data under prefix/<digest>/name and returns the
// key. Writing the same bytes twice lands on the same key.
func (s *Store) PutContentAddressed(ctx context.Context, prefix, name string, data []byte) (string, error) {
	digest := highwayhash.Sum(data, hashKey)
	key := path.Join(prefix, hex.EncodeToString(digest[:16]), name)
	if err := s.Put(ctx, key, strings.NewReader(string(data))); err != nil {
		return "", err
	}
	return key, nil
}

// Open returns a reader over the blob at key.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

// Exists reports whether a blob is present under key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes the blob at key. Missing blobs are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

type urlClaims struct {
	Key  string `json:"key"`
	Verb string `json:"verb"`
	jwt.RegisteredClaims
}

// SignedURL returns a pre-signed URL scoped to a single blob and a single
// HTTP verb. A ttl of zero uses the store default; a negative ttl mints an
// already-expired URL.
func (s *Store) SignedURL(key, verb string, ttl time.Duration) (string, error) {
	if verb != "GET" && verb != "PUT" {
		return "", fmt.Errorf("unsupported verb %q", verb)
	}
	if _, err := s.pathFor(key); err != nil {
		return "", err
	}
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	claims := urlClaims{
		Key:  key,
		Verb: verb,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/blobs/%s?token=%s", s.baseURL, key, url.QueryEscape(token)), nil
}

// verifyToken checks a pre-signed token against the requested key and verb.
func (s *Store) verifyToken(token, key, verb string) error {
	var claims urlClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadSignature, err)
	}
	if !parsed.Valid {
		return ErrBadSignature
	}
	if claims.Key != key {
		return fmt.Errorf("%w: token is scoped to another blob", ErrBadSignature)
	}
	if claims.Verb != verb {
		return fmt.Errorf("%w: token is scoped to %s", ErrBadSignature, claims.Verb)
	}
	return nil
}
