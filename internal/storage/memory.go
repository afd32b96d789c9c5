package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Memory is an ObjectStorage held in process memory. It serves local
// development and tests.
type Memory struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func NewMemory(bucket string) *Memory {
	return &Memory{bucket: bucket, objects: make(map[string][]byte)}
}

func (m *Memory) EnsureBucket(context.Context) error {
	return nil
}

func (m *Memory) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) Bucket() string {
	return m.bucket
}

// Keys returns the stored object keys.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	return keys
}
