// Package memory provides an in-memory BlobStore, useful for tests and for
// environments without durable local storage. Contents do not survive a
// process restart.
package memory

import (
	"context"
	"sync"

	walletsync "github.com/c0deZ3R0/wallet-sync-kit"
)

// Store is a goroutine-safe in-memory blob store.
type Store struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ walletsync.BlobStore = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, walletsync.ErrBlobNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make([]byte, len(value))
	copy(data, value)
	s.blobs[key] = data
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *Store) Close() error { return nil }
