package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/internal/ports"
)

// reapScript applies and removes the hooks of every registered connection
// whose liveness key has expired. KEYS[1] is the connection set, ARGV[1]
// the key prefix. Returns the number of connections reaped.
//
// The script derives the alive, hooks and data keys from the prefix
// instead of declaring them, so it runs on a single node or a replicated
// primary only, not on Redis Cluster.
var reapScript = redis.NewScript(`
local conns = redis.call('SMEMBERS', KEYS[1])
local reaped = 0
for _, c in ipairs(conns) do
	if redis.call('EXISTS', ARGV[1] .. ':alive:' .. c) == 0 then
		local hooksKey = ARGV[1] .. ':hooks:' .. c
		for _, raw in ipairs(redis.call('HVALS', hooksKey)) do
			local h = cjson.decode(raw)
			redis.call('HSET', ARGV[1] .. ':data:' .. h.parent, h.child, h.value)
			redis.call('PUBLISH', ARGV[1] .. ':changes:' .. h.parent, h.child)
		end
		redis.call('DEL', hooksKey)
		redis.call('SREM', KEYS[1], c)
		reaped = reaped + 1
	end
end
return reaped
`)

type hookRecord struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
	Value  string `json:"value"`
}

// RealtimeStore is a ports.RealtimeStore backed by Redis.
type RealtimeStore struct {
	client   *redis.Client
	keys     keys
	connID   string
	leaseTTL time.Duration
	logger   ports.Logger

	mu         sync.Mutex
	closed     bool
	registered bool
	lost       map[uint64]func()
	nextLostID uint64
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewRealtimeStore registers a new connection and starts its keepalive.
func NewRealtimeStore(ctx context.Context, client *redis.Client, cfg Config, logger ports.Logger) (*RealtimeStore, error) {
	cfg.setDefaults()
	s := &RealtimeStore{
		client:   client,
		keys:     keys{prefix: cfg.Prefix},
		connID:   uuid.NewString(),
		leaseTTL: cfg.LeaseTTL,
		logger:   logger,
		lost:     make(map[uint64]func()),
	}

	if err := s.renew(ctx); err != nil {
		return nil, fmt.Errorf("register connection: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.keepalive(runCtx)

	logger.Info("realtime store connected", ports.String("conn", s.connID), ports.Duration("lease", s.leaseTTL))
	return s, nil
}

// ConnID returns this connection's id.
func (s *RealtimeStore) ConnID() string { return s.connID }

// renew refreshes the lease. Re-entering the connection set after the
// first registration means a peer reaped this connection: its hooks were
// applied and are gone, so session-lost listeners run.
func (s *RealtimeStore) renew(ctx context.Context) error {
	var added *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, s.keys.conns(), s.connID)
		pipe.Set(ctx, s.keys.alive(s.connID), time.Now().Unix(), s.leaseTTL)
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	reaped := s.registered && added.Val() == 1
	s.registered = true
	var listeners []func()
	if reaped {
		listeners = make([]func(), 0, len(s.lost))
		for id := uint64(0); id < s.nextLostID; id++ {
			if fn, ok := s.lost[id]; ok {
				listeners = append(listeners, fn)
			}
		}
	}
	s.mu.Unlock()

	if reaped {
		s.logger.Warn("connection was reaped, disconnect hooks are gone", ports.String("conn", s.connID))
		for _, fn := range listeners {
			fn()
		}
	}
	return nil
}

// OnSessionLost implements ports.SessionWatcher.
func (s *RealtimeStore) OnSessionLost(fn func()) func() {
	s.mu.Lock()
	id := s.nextLostID
	s.nextLostID++
	s.lost[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.lost, id)
			s.mu.Unlock()
		})
	}
}

func (s *RealtimeStore) keepalive(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.renew(ctx); err != nil {
				s.logger.Warn("lease renewal failed", ports.String("conn", s.connID), ports.Err(err))
				continue
			}
			if _, err := s.Reap(ctx); err != nil {
				s.logger.Warn("reaping expired connections failed", ports.Err(err))
			}
		}
	}
}

// Reap applies the hooks of expired connections. It returns how many
// connections were reaped.
func (s *RealtimeStore) Reap(ctx context.Context) (int, error) {
	n, err := reapScript.Run(ctx, s.client, []string{s.keys.conns()}, s.keys.prefix).Int()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("reaped expired connections", ports.Int("count", n))
	}
	return n, nil
}

func (s *RealtimeStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrClosed
	}
	return nil
}

// Write implements ports.RealtimeStore.
func (s *RealtimeStore) Write(ctx context.Context, path string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	parent, child, err := domain.SplitPath(path)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keys.data(parent), child, value)
		pipe.Publish(ctx, s.keys.changes(parent), child)
		return nil
	})
	return err
}

// OnDisconnect implements ports.RealtimeStore.
func (s *RealtimeStore) OnDisconnect(ctx context.Context, path string, fallback []byte) (ports.DisconnectHook, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	parent, child, err := domain.SplitPath(path)
	if err != nil {
		return nil, err
	}
	rec, err := json.Marshal(hookRecord{Parent: parent, Child: child, Value: string(fallback)})
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	if err := s.client.HSet(ctx, s.keys.hooks(s.connID), id, rec).Err(); err != nil {
		return nil, err
	}
	return &hook{store: s, id: id}, nil
}

type hook struct {
	store *RealtimeStore
	id    string
}

func (h *hook) Cancel(ctx context.Context) error {
	return h.store.client.HDel(ctx, h.store.keys.hooks(h.store.connID), h.id).Err()
}

// Subscribe implements ports.RealtimeStore.
func (s *RealtimeStore) Subscribe(ctx context.Context, parent string, fn func(map[string][]byte)) (func(), error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	pubsub := s.client.Subscribe(ctx, s.keys.changes(parent))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", parent, err)
	}

	snapshot := func(ctx context.Context) {
		raw, err := s.client.HGetAll(ctx, s.keys.data(parent)).Result()
		if err != nil {
			s.logger.Warn("read realtime snapshot", ports.String("parent", parent), ports.Err(err))
			return
		}
		out := make(map[string][]byte, len(raw))
		for k, v := range raw {
			out[k] = []byte(v)
		}
		fn(out)
	}
	snapshot(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range pubsub.Channel() {
			snapshot(context.Background())
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

// Close ends the connection the way a lost client would: its hooks are
// applied immediately and the keepalive stops.
func (s *RealtimeStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Del(ctx, s.keys.alive(s.connID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	_, err := s.Reap(ctx)
	return err
}

var (
	_ ports.RealtimeStore  = (*RealtimeStore)(nil)
	_ ports.SessionWatcher = (*RealtimeStore)(nil)
)
