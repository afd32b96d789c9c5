package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/truststaff/apiserver/config"
)

// Minio stores documents in an S3 compatible bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

func NewMinio(cfg config.MinioConfig) (*Minio, error) {
	switch {
	case strings.TrimSpace(cfg.Endpoint) == "":
		return nil, errors.New("minio endpoint is required")
	case strings.TrimSpace(cfg.AccessKey) == "", strings.TrimSpace(cfg.SecretKey) == "":
		return nil, errors.New("minio access key and secret key are required")
	case strings.TrimSpace(cfg.Bucket) == "":
		return nil, errors.New("minio bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

func (m *Minio) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		// Another instance may have created it first.
		if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	return nil
}

// Put uploads one document. A negative size streams the body in parts.
func (m *Minio) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:        contentType,
		ContentDisposition: "attachment",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get stats the key before streaming since GetObject defers the not-found
// error until the first read.
func (m *Minio) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if _, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isMinioNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return obj, nil
}

func (m *Minio) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil && !isMinioNotFound(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (m *Minio) Bucket() string {
	return m.bucket
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
