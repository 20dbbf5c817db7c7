package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config contains the information required to talk to an object store.
type Config struct {
	Provider  string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Client represents the storage capabilities the archive service expects.
// Multipart parts are numbered contiguously from 1 in upload order, and
// CompleteMultipart receives their etags in that same order.
type Client interface {
	EnsureBucket(ctx context.Context) error
	StartMultipart(ctx context.Context, key, contentType string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, number int, r io.Reader, size int64) (etag string, err error)
	CompleteMultipart(ctx context.Context, key, uploadID string, etags []string) (objectETag string, err error)
	AbortMultipart(ctx context.Context, key, uploadID string) error
	PresignedGet(ctx context.Context, key, downloadName string, expiry time.Duration) (string, error)
	Close() error
}

// New creates an object store client based on the given configuration.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "minio", "s3":
		return newMinioStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported object store provider: %s", cfg.Provider)
	}
}

type minioStore struct {
	core   *minio.Core
	bucket string
	region string
}

func newMinioStore(cfg Config) (Client, error) {
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	return &minioStore{core: core, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func (m *minioStore) EnsureBucket(ctx context.Context) error {
	exists, err := m.core.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.core.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	return nil
}

func (m *minioStore) StartMultipart(ctx context.Context, key, contentType string) (string, error) {
	uploadID, err := m.core.NewMultipartUpload(ctx, m.bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("open multipart session: %w", err)
	}
	return uploadID, nil
}

func (m *minioStore) UploadPart(ctx context.Context, key, uploadID string, number int, r io.Reader, size int64) (string, error) {
	part, err := m.core.PutObjectPart(ctx, m.bucket, key, uploadID, number, r, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", fmt.Errorf("put part %d: %w", number, err)
	}
	return part.ETag, nil
}

func (m *minioStore) CompleteMultipart(ctx context.Context, key, uploadID string, etags []string) (string, error) {
	parts := make([]minio.CompletePart, len(etags))
	for i, etag := range etags {
		parts[i] = minio.CompletePart{PartNumber: i + 1, ETag: etag}
	}

	info, err := m.core.CompleteMultipartUpload(ctx, m.bucket, key, uploadID, parts, minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("complete multipart session: %w", err)
	}
	return info.ETag, nil
}

func (m *minioStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return m.core.AbortMultipartUpload(ctx, m.bucket, key, uploadID)
}

func (m *minioStore) PresignedGet(ctx context.Context, key, downloadName string, expiry time.Duration) (string, error) {
	params := url.Values{}
	if downloadName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	}

	u, err := m.core.PresignedGetObject(ctx, m.bucket, key, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u.String(), nil
}

func (m *minioStore) Close() error {
	return nil
}
