// Package blobstore fetches model artifact bytes from object storage.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrBlobFailure wraps any failure to retrieve or probe an artifact: network
// error, missing object, or a read that fails partway through.
var ErrBlobFailure = errors.New("blobstore: artifact retrieval failed")

// Store fetches and probes model artifacts keyed by their storage path.
type Store interface {
	Get(ctx context.Context, artifactKey string) ([]byte, error)
	Exists(ctx context.Context, artifactKey string) (bool, error)
}

// Config describes how to reach the artifact bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// MinioStore is the production Store backed by a MinIO/S3 client.
type MinioStore struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New constructs a MinioStore against cfg.Endpoint. It does not probe the
// bucket at construction time; callers that need a fail-fast startup check
// should call EnsureBucket explicitly.
func New(cfg Config, logger *slog.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: construct client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// EnsureBucket creates the configured bucket if it does not already exist.
// Intended to be called once at startup.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("%w: bucket_exists: %v", ErrBlobFailure, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("%w: make_bucket: %v", ErrBlobFailure, err)
	}
	s.logger.Info("blobstore: created bucket", "bucket", s.bucket)
	return nil
}

// Get downloads and fully reads the artifact at artifactKey.
func (s *MinioStore) Get(ctx context.Context, artifactKey string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, artifactKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobFailure, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobFailure, err)
	}
	return buf.Bytes(), nil
}

// Exists reports whether artifactKey is present in the bucket.
func (s *MinioStore) Exists(ctx context.Context, artifactKey string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, artifactKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	errResp := minio.ToErrorResponse(err)
	if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrBlobFailure, err)
}
