package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/internal/ports"
)

// Hub is an in-process ports.Broadcaster. Delivery is synchronous and
// includes the publisher's own subscriptions.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]func([]byte)
	nextID uint64
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]func([]byte))}
}

// Publish delivers a copy of data to every subscriber of channel.
func (h *Hub) Publish(_ context.Context, channel string, data []byte) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return domain.ErrClosed
	}
	ids := make([]uint64, 0, len(h.subs[channel]))
	for id := range h.subs[channel] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.subs[channel][id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(append([]byte(nil), data...))
	}
	return nil
}

// Subscribe registers fn on channel.
func (h *Hub) Subscribe(channel string, fn func([]byte)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, domain.ErrClosed
	}
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[uint64]func([]byte))
	}
	id := h.nextID
	h.nextID++
	h.subs[channel][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[channel], id)
			h.mu.Unlock()
		})
	}, nil
}

// Close drops every subscription; later calls fail with ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.subs = make(map[string]map[uint64]func([]byte))
	h.mu.Unlock()
	return nil
}

var _ ports.Broadcaster = (*Hub)(nil)
