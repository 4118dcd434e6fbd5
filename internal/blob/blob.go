// Package blob stores uploaded documents and rendered page images keyed by job id.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("blob not found")

// Store is the content area shared by the gateway and workers.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// SourceKey addresses the raw upload of a job.
func SourceKey(jobID string) string {
	return jobID + "/source"
}

// PageKey addresses the rendered image of one page (zero-based).
func PageKey(jobID string, pageIndex int) string {
	return jobID + "/pages/" + strconv.Itoa(pageIndex)
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("blob key is required")
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("invalid blob key %q", key)
		}
	}
	return nil
}

// MemoryStore keeps blobs in process memory. Used by tests and single-process runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Delete removes a blob. Missing keys are ignored.
func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
}

// Len reports how many blobs are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
