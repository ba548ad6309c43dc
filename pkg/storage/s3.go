package storage

import (
	"context"
	"fmt"
	"os"
	"strings"

	"botfleet/pkg/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultBucket = "botfleet-backups"

// S3Store stores backups in an S3-compatible bucket
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store connects to the bucket, creating it when missing
func NewS3Store(ctx context.Context, cfg config.StorageConfig) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("storage endpoint is required for the s3 backend")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultBucket
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}

	return &S3Store{client: client, bucket: bucket}, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, info.Err)
		}
		if strings.HasSuffix(info.Key, "/") {
			continue
		}
		objects = append(objects, Object{Path: info.Key, Size: info.Size, Date: info.LastModified})
	}
	return objects, nil
}

func (s *S3Store) Upload(ctx context.Context, localPath, key string) (int64, error) {
	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{ContentType: "application/gzip"})
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return info.Size, nil
}

func (s *S3Store) Download(ctx context.Context, key, localPath string) (int64, error) {
	if err := s.client.FGetObject(ctx, s.bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		return 0, fmt.Errorf("failed to download %s: %w", key, err)
	}
	st, err := os.Stat(localPath)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (s *S3Store) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) RemoveMany(ctx context.Context, keys []string) error {
	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objectsCh <- minio.ObjectInfo{Key: key}
	}
	close(objectsCh)

	var failed []string
	for removeErr := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		failed = append(failed, fmt.Sprintf("%s: %v", removeErr.ObjectName, removeErr.Err))
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to remove %d objects: %s", len(failed), strings.Join(failed, "; "))
	}
	return nil
}
