package storage

import (
	"context"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDocumentsPutUsesPerUserKey(t *testing.T) {
	backend := NewMemory("docs")
	docs := NewDocuments(backend)

	key, err := docs.Put(context.Background(), 42, ".PDF", strings.NewReader("%PDF-1.7"), 8)
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^passport_42_[0-9a-f-]{36}\.pdf$`), key)
	require.Equal(t, []string{key}, backend.Keys())

	rc, contentType, err := docs.Open(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.7", string(body))
	require.Equal(t, "application/pdf", contentType)
}

func TestDocumentsRejectsUnknownExtension(t *testing.T) {
	docs := NewDocuments(NewMemory("docs"))

	_, err := docs.Put(context.Background(), 1, "exe", strings.NewReader("MZ"), 2)
	require.Error(t, err)
}

func TestDocumentsDelete(t *testing.T) {
	backend := NewMemory("docs")
	docs := NewDocuments(backend)

	key, err := docs.Put(context.Background(), 7, "png", strings.NewReader("png"), 3)
	require.NoError(t, err)
	require.NoError(t, docs.Delete(context.Background(), key))

	_, _, err = docs.Open(context.Background(), key)
	require.ErrorIs(t, err, ErrObjectNotFound)
}

func TestContentType(t *testing.T) {
	for _, ext := range DocumentExtensions() {
		_, ok := ContentType(ext)
		require.True(t, ok, ext)
	}
	ct, ok := ContentType("JPG")
	require.True(t, ok)
	require.Equal(t, "image/jpeg", ct)

	_, ok = ContentType("gif")
	require.False(t, ok)
}
