package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/truststaff/apiserver/config"
	"google.golang.org/api/option"
)

// GCS stores documents in a Google Cloud Storage bucket.
type GCS struct {
	client    *storage.Client
	bucket    *storage.BucketHandle
	name      string
	projectID string
}

func NewGCS(ctx context.Context, cfg config.GCSConfig) (*GCS, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{
		client:    client,
		bucket:    client.Bucket(cfg.Bucket),
		name:      cfg.Bucket,
		projectID: cfg.ProjectID,
	}, nil
}

// EnsureBucket creates the bucket when missing. Creating requires a project id.
func (g *GCS) EnsureBucket(ctx context.Context) error {
	_, err := g.bucket.Attrs(ctx)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, storage.ErrBucketNotExist):
		return fmt.Errorf("check bucket %s: %w", g.name, err)
	case strings.TrimSpace(g.projectID) == "":
		return fmt.Errorf("bucket %s does not exist and no gcs project id is set", g.name)
	}
	err = g.bucket.Create(ctx, g.projectID, &storage.BucketAttrs{
		UniformBucketLevelAccess: storage.UniformBucketLevelAccess{Enabled: true},
	})
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", g.name, err)
	}
	return nil
}

// Put writes the object only if it does not exist yet; document keys are
// never reused.
func (g *GCS) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	w := g.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	w.ContentDisposition = "attachment"
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (g *GCS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := g.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return rc, nil
}

// Delete treats a missing object as already deleted.
func (g *GCS) Delete(ctx context.Context, key string) error {
	err := g.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (g *GCS) Bucket() string {
	return g.name
}

func (g *GCS) Close() error {
	return g.client.Close()
}
