// Package pkgstore fetches problem packages from object storage and
// materializes them as local directories of test files. The judging core
// only ever sees resolved local paths.
package pkgstore

import (
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	appErr "gavel/pkg/errors"
)

// ObjectStorage is the minimal object store contract the package store
// needs. Small on purpose so tests can use an in-memory implementation.
type ObjectStorage interface {
	// GetObject opens a reader for an object. Caller closes it.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// MinIOConfig holds object storage settings.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`

	PackBucket   string `yaml:"packBucket"`
	SourceBucket string `yaml:"sourceBucket"`

	Timeout time.Duration `yaml:"timeout"`
}

// MinIOStorage implements ObjectStorage on the MinIO S3 client.
type MinIOStorage struct {
	client *minio.Client
}

// NewMinIOStorage connects to a MinIO/S3 endpoint.
func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	if cfg.Endpoint == "" {
		return nil, appErr.ValidationError("minio.endpoint", "required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, appErr.ValidationError("minio.credentials", "required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.PackageError, "create minio client failed")
	}
	return &MinIOStorage{client: client}, nil
}

// GetObject opens a streaming reader for one object.
func (s *MinIOStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.PackageError, "get object failed")
	}
	return obj, nil
}
