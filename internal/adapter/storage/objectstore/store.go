// Package objectstore publishes artifacts to an S3-compatible bucket and
// downloads s3:// source assets.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/port"
)

// Scheme prefixes source references this package downloads.
const Scheme = "s3://"

var ErrInvalidRef = errors.New("invalid s3 reference")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// Prefix is prepended to every artifact key, e.g. "vod/".
	Prefix string
}

type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("s3 endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}

	return &Store{client: client, bucket: cfg.Bucket, prefix: normalizePrefix(cfg.Prefix)}, nil
}

// EnsureBucket creates the artifact bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *Store) ObjectKey(key string) string {
	return s.prefix + key
}

// Put returns once the object store confirmed the upload.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts port.PutOptions) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid artifact key %q", key)
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.ObjectKey(key), body, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
		UserMetadata: opts.Metadata,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Fetch downloads s3://bucket/key into scratchDir. Missing objects are input
// errors; anything else may be retried.
func (s *Store) Fetch(ctx context.Context, ref, scratchDir string) (string, error) {
	bucket, object, err := ParseRef(ref)
	if err != nil {
		return "", domain.InputError(domain.JobStateProbing, err)
	}

	localPath := filepath.Join(scratchDir, "source"+path.Ext(object))
	if err := s.client.FGetObject(ctx, bucket, object, localPath, minio.GetObjectOptions{}); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if isMissing(err) {
			return "", domain.InputError(domain.JobStateProbing, fmt.Errorf("source %s: %w", ref, err))
		}
		return "", domain.StorageError(domain.JobStateProbing, fmt.Errorf("download %s: %w", ref, err))
	}
	return localPath, nil
}

// ParseRef splits s3://bucket/key.
func ParseRef(ref string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(ref, Scheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %q lacks %s", ErrInvalidRef, ref, Scheme)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" || strings.HasSuffix(object, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return bucket, object, nil
}

func isMissing(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

var (
	_ port.ArtifactStore = (*Store)(nil)
	_ port.SourceFetcher = (*Store)(nil)
)
