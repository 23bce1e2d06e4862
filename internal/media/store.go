// Package media stores shared images and videos in an S3-compatible
// object store.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"banter/api/internal/util"
)

var (
	ErrNotConfigured = errors.New("media storage is not configured")
	ErrNotFound      = errors.New("media object not found")
)

// Info describes a stored object for the download path.
type Info struct {
	ContentType string
	Size        int64
}

type Store struct {
	client *minio.Client
	bucket string
}

// New connects to the object store. Returns (nil, nil) when no access key
// is configured: media sharing is then disabled and uploads are rejected
// with a clear error instead of a nil-pointer crash.
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	if strings.TrimSpace(accessKey) == "" {
		return nil, nil
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect media store: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket on first boot.
func (s *Store) EnsureBucket(ctx context.Context) error {
	if s == nil {
		return ErrNotConfigured
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check media bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create media bucket: %w", err)
	}
	return nil
}

// AllowedContentType restricts uploads to the two media kinds the chat
// renders.
func AllowedContentType(contentType string) bool {
	return strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/")
}

// Upload stores one object and returns its id.
func (s *Store) Upload(ctx context.Context, contentType string, size int64, body io.Reader) (string, error) {
	if s == nil {
		return "", ErrNotConfigured
	}
	if !AllowedContentType(contentType) {
		return "", fmt.Errorf("unsupported content type %q", contentType)
	}

	id := util.NewID("med")
	_, err := s.client.PutObject(ctx, s.bucket, id, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("store media object: %w", err)
	}
	return id, nil
}

// Download streams one object back. The caller must close the reader.
func (s *Store) Download(ctx context.Context, id string) (io.ReadCloser, Info, error) {
	if s == nil {
		return nil, Info{}, ErrNotConfigured
	}
	object, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, Info{}, fmt.Errorf("open media object: %w", err)
	}
	stat, err := object.Stat()
	if err != nil {
		_ = object.Close()
		// GetObject is lazy; a missing key only surfaces here.
		if isNoSuchKey(err) {
			return nil, Info{}, ErrNotFound
		}
		return nil, Info{}, fmt.Errorf("stat media object: %w", err)
	}
	return object, Info{ContentType: stat.ContentType, Size: stat.Size}, nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
