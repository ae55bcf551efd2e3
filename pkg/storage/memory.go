package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a process-local BlobStore for development and tests.
// References it returns have the form "mem://<path>".
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
}

type memoryBlob struct {
	data     []byte
	metadata map[string]string
}

var _ BlobStore = (*MemoryStore)(nil)

const memoryScheme = "mem://"

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memoryBlob)}
}

func memoryPath(reference string) (string, error) {
	p := strings.TrimPrefix(strings.TrimSpace(reference), memoryScheme)
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", fmt.Errorf("blob path is empty")
	}
	return p, nil
}

// Upload stores a copy of data.
func (m *MemoryStore) Upload(_ context.Context, blobPath string, data []byte, metadata map[string]string) (string, error) {
	p, err := memoryPath(blobPath)
	if err != nil {
		return "", err
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	m.mu.Lock()
	m.blobs[p] = memoryBlob{data: append([]byte(nil), data...), metadata: md}
	m.mu.Unlock()
	return memoryScheme + p, nil
}

// Download returns a copy of the stored data.
func (m *MemoryStore) Download(_ context.Context, reference string) ([]byte, error) {
	p, err := memoryPath(reference)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	b, ok := m.blobs[p]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, p)
	}
	return append([]byte(nil), b.data...), nil
}

// Delete removes the blob at reference.
func (m *MemoryStore) Delete(_ context.Context, reference string) error {
	p, err := memoryPath(reference)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[p]; !ok {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, p)
	}
	delete(m.blobs, p)
	return nil
}

// Metadata returns the metadata stored with the blob at reference.
func (m *MemoryStore) Metadata(reference string) (map[string]string, bool) {
	p, err := memoryPath(reference)
	if err != nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[p]
	return b.metadata, ok
}

// Paths lists stored paths in order.
func (m *MemoryStore) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.blobs))
	for p := range m.blobs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
