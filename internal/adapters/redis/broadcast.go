package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/bft-labs/chatsync/internal/ports"
)

// Broadcaster is a ports.Broadcaster over Redis pub/sub. Publishers
// receive their own messages.
type Broadcaster struct {
	client *redis.Client
	keys   keys
	logger ports.Logger
}

// NewBroadcaster creates a broadcaster using prefix for channel names.
func NewBroadcaster(client *redis.Client, prefix string, logger ports.Logger) *Broadcaster {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Broadcaster{client: client, keys: keys{prefix: prefix}, logger: logger}
}

// Publish implements ports.Broadcaster.
func (b *Broadcaster) Publish(ctx context.Context, channel string, data []byte) error {
	return b.client.Publish(ctx, b.keys.broadcast(channel), data).Err()
}

// Subscribe implements ports.Broadcaster. Messages are delivered in
// order on a dedicated goroutine.
func (b *Broadcaster) Subscribe(channel string, fn func([]byte)) (func(), error) {
	ctx := context.Background()
	pubsub := b.client.Subscribe(ctx, b.keys.broadcast(channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			fn([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				b.logger.Debug("close broadcast subscription", ports.Err(err))
			}
			<-done
		})
	}, nil
}

var _ ports.Broadcaster = (*Broadcaster)(nil)
