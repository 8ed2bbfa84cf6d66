// Package objectstore stores task archives and artifacts in S3-compatible
// object storage.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Scheme prefixes every object reference returned by Put*
const Scheme = "s3://"

// DefaultBucket is used when Options.Bucket is blank
const DefaultBucket = "rzapply-artifacts"

// ErrNotReference is returned by ParseRef for values that are not s3:// refs
var ErrNotReference = errors.New("not an object reference")

// Options configures the client
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store wraps a minio client bound to one bucket
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to the endpoint and makes sure the bucket exists
func New(ctx context.Context, opts Options) (*Store, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("object storage endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		bucket = DefaultBucket
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Bucket returns the bucket name
func (s *Store) Bucket() string {
	return s.bucket
}

// PutFile uploads a local file and returns its s3:// reference
func (s *Store) PutFile(ctx context.Context, key, localPath string) (string, error) {
	_, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return Ref(s.bucket, key), nil
}

// PutBytes uploads an in-memory object and returns its s3:// reference
func (s *Store) PutBytes(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType(key),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return Ref(s.bucket, key), nil
}

// PresignGet returns a time-limited download URL for an object in any bucket
func (s *Store) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (*url.URL, error) {
	if bucket == "" {
		bucket = s.bucket
	}
	if expiry <= 0 {
		expiry = time.Hour
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return nil, fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return u, nil
}

// Ref formats an object reference
func Ref(bucket, key string) string {
	return Scheme + bucket + "/" + strings.TrimPrefix(key, "/")
}

// ParseRef splits an s3://bucket/key reference
func ParseRef(ref string) (bucket, key string, err error) {
	if !strings.HasPrefix(ref, Scheme) {
		return "", "", ErrNotReference
	}
	rest := strings.TrimPrefix(ref, Scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed object reference %q", ref)
	}
	return bucket, key, nil
}

// ObjectKey joins key segments, dropping empty and unsafe parts
func ObjectKey(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/")
		if p == "" || p == "." || p == ".." {
			continue
		}
		clean = append(clean, p)
	}
	return path.Clean(strings.Join(clean, "/"))
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
