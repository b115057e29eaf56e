// Package redis implements the shared-state ports on Redis.
//
// RealtimeStore keeps records in hashes and emulates server-side
// disconnect hooks with per-connection leases: every connection refreshes
// an expiring liveness key, and any live connection applies the hooks of
// connections whose lease has lapsed. A connection that finds itself
// reaped on renewal reports it through OnSessionLost. Broadcaster maps
// channels onto Redis pub/sub.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Defaults for Config.
const (
	DefaultPrefix   = "chatsync"
	DefaultLeaseTTL = 15 * time.Second
)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key and channel. The store needs a
	// standalone Redis (or a primary with replicas): its reaping script
	// touches keys it does not declare, which Redis Cluster rejects.
	Prefix string
	// LeaseTTL is how long a silent connection is considered alive.
	LeaseTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
}

// NewClient creates a client and verifies connectivity.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

type keys struct {
	prefix string
}

func (k keys) data(parent string) string    { return k.prefix + ":data:" + parent }
func (k keys) changes(parent string) string { return k.prefix + ":changes:" + parent }
func (k keys) hooks(conn string) string     { return k.prefix + ":hooks:" + conn }
func (k keys) alive(conn string) string     { return k.prefix + ":alive:" + conn }
func (k keys) conns() string                { return k.prefix + ":conns" }
func (k keys) broadcast(ch string) string   { return k.prefix + ":bc:" + ch }
