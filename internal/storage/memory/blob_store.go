// Package memory keeps mirrored artifacts and job history in process memory.
package memory

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// BlobStore keeps artifact bytes in a map and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutFile reads localPath and stores its content under path.
func (s *BlobStore) PutFile(_ context.Context, path string, localPath string) (string, error) {
	byteData, err := os.ReadFile(localPath) // #nosec G304 -- artifact paths are produced by the exporter
	if err != nil {
		return "", fmt.Errorf("failed to read artifact: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = byteData
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns a copy of the stored bytes.
func (s *BlobStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[path]
	return append([]byte(nil), b...), ok
}
