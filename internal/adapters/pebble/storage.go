// Package pebble implements ports.LocalStorage on a Pebble database.
package pebble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/internal/ports"
)

// Storage is a Pebble-backed ports.LocalStorage. Writes are synced.
type Storage struct {
	mu sync.RWMutex
	db *pebble.DB
}

// Open opens or creates the database in dir.
func Open(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) handle() (*pebble.DB, error) {
	if s.db == nil {
		return nil, domain.ErrClosed
	}
	return s.db, nil
}

// Get returns a copy of the value at key.
func (s *Storage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	v, closer, err := db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// Set writes value at key.
func (s *Storage) Set(_ context.Context, key string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Set([]byte(key), value, pebble.Sync)
}

// Delete removes key. Missing keys are not an error.
func (s *Storage) Delete(_ context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Delete([]byte(key), pebble.Sync)
}

// List returns entries under prefix in key order.
func (s *Storage) List(_ context.Context, prefix string) ([]ports.KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	opts := &pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upperBound([]byte(prefix))}
	it, err := db.NewIter(opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	out := make([]ports.KV, 0, 16)
	for it.First(); it.Valid(); it.Next() {
		out = append(out, ports.KV{
			Key:   string(it.Key()),
			Value: append([]byte(nil), it.Value()...),
		})
	}
	return out, it.Error()
}

// Close closes the database. Later calls fail with ErrClosed.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// upperBound returns the smallest key greater than every key with prefix,
// or nil when no such key exists.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

var _ ports.LocalStorage = (*Storage)(nil)
