package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/internal/ports"
)

// Storage is a map-backed ports.LocalStorage.
type Storage struct {
	mu       sync.RWMutex
	data     map[string][]byte
	writeErr error
	closed   bool
}

// NewStorage creates an empty storage.
func NewStorage() *Storage {
	return &Storage{data: make(map[string][]byte)}
}

// FailWrites makes Set and Delete return err until called with nil.
func (s *Storage) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// Get returns a copy of the value stored at key.
func (s *Storage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value.
func (s *Storage) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrClosed
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *Storage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrClosed
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	delete(s.data, key)
	return nil
}

// List returns entries under prefix ordered by key.
func (s *Storage) List(_ context.Context, prefix string) ([]ports.KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.ErrClosed
	}
	out := make([]ports.KV, 0)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ports.KV{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close marks the storage closed.
func (s *Storage) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var _ ports.LocalStorage = (*Storage)(nil)
