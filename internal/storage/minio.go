package storage

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Shahir-47/grab-pic/internal/config"
)

// MinIOStore holds album photo bytes, keyed by the storage path the
// upload flow assigned.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOStore(cfg config.MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinIOStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// FetchToFile downloads an object to a local scratch path.
func (s *MinIOStore) FetchToFile(ctx context.Context, key, destPath string) error {
	if err := s.client.FGetObject(ctx, s.bucket, key, destPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("fetch object %s: %w", key, err)
	}
	return nil
}

// Ping checks MinIO connectivity and that the photo bucket exists.
// BucketExists reports a missing bucket as (false, nil), so the boolean
// has to be checked separately.
func (s *MinIOStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}
