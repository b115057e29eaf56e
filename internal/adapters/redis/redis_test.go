package redis

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/chatsync/pkg/log"
)

// newTestClient connects to CHATSYNC_TEST_REDIS_ADDR and returns a config
// whose prefix is unique to the test.
func newTestClient(t *testing.T) (*redis.Client, Config) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis test in short mode")
	}
	addr := os.Getenv("CHATSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHATSYNC_TEST_REDIS_ADDR not set")
	}
	cfg := Config{Addr: addr, Prefix: "chatsync-test-" + uuid.NewString()[:8], LeaseTTL: 3 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := NewClient(ctx, cfg)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		if keys, err := client.Keys(ctx, cfg.Prefix+":*").Result(); err == nil && len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return client, cfg
}

func TestRealtimeStore_WriteAndSubscribe(t *testing.T) {
	client, cfg := newTestClient(t)
	ctx := context.Background()

	store, err := NewRealtimeStore(ctx, client, cfg, log.NewNoopLogger())
	require.NoError(t, err)
	defer store.Close()

	var mu sync.Mutex
	var last map[string][]byte
	unsubscribe, err := store.Subscribe(ctx, "presence", func(m map[string][]byte) {
		mu.Lock()
		last = m
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, store.Write(ctx, "presence/u1", []byte(`{"state":"online"}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(last["u1"]) == `{"state":"online"}`
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRealtimeStore_CloseAppliesHooks(t *testing.T) {
	client, cfg := newTestClient(t)
	ctx := context.Background()

	owner, err := NewRealtimeStore(ctx, client, cfg, log.NewNoopLogger())
	require.NoError(t, err)

	require.NoError(t, owner.Write(ctx, "presence/u1", []byte("online")))
	_, err = owner.OnDisconnect(ctx, "presence/u1", []byte("offline"))
	require.NoError(t, err)
	require.NoError(t, owner.Close())

	got, err := client.HGet(ctx, cfg.Prefix+":data:presence", "u1").Result()
	require.NoError(t, err)
	assert.Equal(t, "offline", got)
}

func TestRealtimeStore_CanceledHookNotApplied(t *testing.T) {
	client, cfg := newTestClient(t)
	ctx := context.Background()

	owner, err := NewRealtimeStore(ctx, client, cfg, log.NewNoopLogger())
	require.NoError(t, err)

	require.NoError(t, owner.Write(ctx, "presence/u1", []byte("online")))
	hook, err := owner.OnDisconnect(ctx, "presence/u1", []byte("offline"))
	require.NoError(t, err)
	require.NoError(t, hook.Cancel(ctx))
	require.NoError(t, owner.Close())

	got, err := client.HGet(ctx, cfg.Prefix+":data:presence", "u1").Result()
	require.NoError(t, err)
	assert.Equal(t, "online", got)
}

func TestRealtimeStore_ExpiredLeaseReapedByPeer(t *testing.T) {
	client, cfg := newTestClient(t)
	ctx := context.Background()

	// A connection that vanished without closing: registered, with a hook,
	// but no liveness key.
	rec, err := json.Marshal(hookRecord{Parent: "presence", Child: "ghost", Value: "offline"})
	require.NoError(t, err)
	require.NoError(t, client.SAdd(ctx, cfg.Prefix+":conns", "ghost-conn").Err())
	require.NoError(t, client.HSet(ctx, cfg.Prefix+":hooks:ghost-conn", "h1", rec).Err())

	peer, err := NewRealtimeStore(ctx, client, cfg, log.NewNoopLogger())
	require.NoError(t, err)
	defer peer.Close()

	n, err := peer.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := client.HGet(ctx, cfg.Prefix+":data:presence", "ghost").Result()
	require.NoError(t, err)
	assert.Equal(t, "offline", got)
}

func TestRealtimeStore_ReportsSessionLostAfterReap(t *testing.T) {
	client, cfg := newTestClient(t)
	ctx := context.Background()

	// A long lease keeps the owner's own keepalive out of the way.
	ownerCfg := cfg
	ownerCfg.LeaseTTL = time.Minute
	owner, err := NewRealtimeStore(ctx, client, ownerCfg, log.NewNoopLogger())
	require.NoError(t, err)
	defer owner.Close()

	var mu sync.Mutex
	lost := 0
	unsubscribe := owner.OnSessionLost(func() {
		mu.Lock()
		lost++
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, owner.Write(ctx, "presence/u1", []byte("online")))
	_, err = owner.OnDisconnect(ctx, "presence/u1", []byte("offline"))
	require.NoError(t, err)

	// Renewals keep the session: nothing is reported.
	require.NoError(t, owner.renew(ctx))
	mu.Lock()
	assert.Zero(t, lost)
	mu.Unlock()

	// The lease lapses and a peer reaps the connection.
	peer, err := NewRealtimeStore(ctx, client, cfg, log.NewNoopLogger())
	require.NoError(t, err)
	defer peer.Close()
	require.NoError(t, client.Del(ctx, cfg.Prefix+":alive:"+owner.ConnID()).Err())
	n, err := peer.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := client.HGet(ctx, cfg.Prefix+":data:presence", "u1").Result()
	require.NoError(t, err)
	assert.Equal(t, "offline", got)

	require.NoError(t, owner.renew(ctx))
	require.NoError(t, owner.renew(ctx))
	mu.Lock()
	assert.Equal(t, 1, lost)
	mu.Unlock()
}

func TestRealtimeStore_ClosedRejectsWrites(t *testing.T) {
	client, cfg := newTestClient(t)
	ctx := context.Background()

	store, err := NewRealtimeStore(ctx, client, cfg, log.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	assert.Error(t, store.Write(ctx, "presence/u1", []byte("x")))
}

func TestBroadcaster_DeliversInOrder(t *testing.T) {
	client, cfg := newTestClient(t)
	ctx := context.Background()
	b := NewBroadcaster(client, cfg.Prefix, log.NewNoopLogger())

	var mu sync.Mutex
	var got []string
	unsubscribe, err := b.Subscribe("tabs", func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish(ctx, "tabs", []byte(m)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, got)
}
