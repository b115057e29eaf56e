package ports

import "context"

// KV is a single stored entry.
type KV struct {
	Key   string
	Value []byte
}

// LocalStorage is durable key-value storage private to one client.
// Get returns domain.ErrNotFound for missing keys.
type LocalStorage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// List returns every entry whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]KV, error)

	Close() error
}
