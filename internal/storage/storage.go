package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// ErrObjectNotFound is returned by backends when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
}

var documentContentTypes = map[string]string{
	"pdf":  "application/pdf",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
}

// DocumentExtensions lists the accepted onboarding document extensions.
func DocumentExtensions() []string {
	return []string{"pdf", "png", "jpg", "jpeg"}
}

// ContentType returns the media type stored for a document extension, or
// false if the extension is not accepted.
func ContentType(ext string) (string, bool) {
	ct, ok := documentContentTypes[strings.ToLower(ext)]
	return ct, ok
}

// Documents stores onboarding identity documents under per-user keys.
type Documents struct {
	backend ObjectStorage
}

// NewDocuments constructs a Documents store for the provided backend.
func NewDocuments(backend ObjectStorage) *Documents {
	return &Documents{backend: backend}
}

// EnsureBucket ensures the configured bucket exists.
func (d *Documents) EnsureBucket(ctx context.Context) error {
	return d.backend.EnsureBucket(ctx)
}

// Put uploads a document for userID and returns its object key.
func (d *Documents) Put(ctx context.Context, userID int, ext string, r io.Reader, size int64) (string, error) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	contentType, ok := ContentType(ext)
	if !ok {
		return "", fmt.Errorf("unsupported document extension %q", ext)
	}
	key := DocumentKey(userID, uuid.NewString(), ext)
	if err := d.backend.Put(ctx, key, r, size, contentType); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// Open returns the document stored under key together with its media type.
func (d *Documents) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	rc, err := d.backend.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	contentType := "application/octet-stream"
	if idx := strings.LastIndex(key, "."); idx >= 0 {
		if ct, ok := ContentType(key[idx+1:]); ok {
			contentType = ct
		}
	}
	return rc, contentType, nil
}

// Delete removes a stored document.
func (d *Documents) Delete(ctx context.Context, key string) error {
	return d.backend.Delete(ctx, key)
}

// Bucket returns the configured bucket name.
func (d *Documents) Bucket() string {
	return d.backend.Bucket()
}

// DocumentKey builds the object key for a user's identity document.
func DocumentKey(userID int, id, ext string) string {
	return fmt.Sprintf("passport_%d_%s.%s", userID, id, ext)
}
