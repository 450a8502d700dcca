// Package objectstore uploads export artifacts to S3-compatible storage and
// hands out short-lived download links.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"formcraft/api/internal/util"
)

const LinkTTL = 15 * time.Minute

var ErrNotConfigured = errors.New("object storage not configured")

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

type Store struct {
	client *minio.Client
	bucket string
}

// New returns ErrNotConfigured when no endpoint is set; callers then stream
// exports inline.
func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, ErrNotConfigured
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("object storage bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Store{client: client, bucket: opts.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put uploads data under key.
func (s *Store) Put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// PresignedURL returns a GET link for key valid for LinkTTL. filename sets
// the download name.
func (s *Store) PresignedURL(ctx context.Context, key, filename string) (string, error) {
	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, LinkTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Upload stores an export and returns its download link.
func (s *Store) Upload(ctx context.Context, userID, filename, contentType string, data []byte) (string, error) {
	key := ExportKey(userID, filename)
	if err := s.Put(ctx, key, contentType, data); err != nil {
		return "", err
	}
	return s.PresignedURL(ctx, key, filename)
}

// ExportKey places exports under a per-user prefix with a random component so
// repeated exports never overwrite each other.
func ExportKey(userID, filename string) string {
	return path.Join("exports", userID, util.RandomHex(8)+"-"+path.Base(filename))
}
