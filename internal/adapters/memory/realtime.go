package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/internal/ports"
)

// RealtimeServer is an in-process shared store. Each client talks to it
// through its own RealtimeConn, which owns that client's disconnect hooks.
type RealtimeServer struct {
	mu     sync.Mutex
	data   map[string]map[string][]byte // parent -> child -> value
	subs   map[string]map[uint64]func(map[string][]byte)
	nextID uint64
}

// NewRealtimeServer creates an empty server.
func NewRealtimeServer() *RealtimeServer {
	return &RealtimeServer{
		data: make(map[string]map[string][]byte),
		subs: make(map[string]map[uint64]func(map[string][]byte)),
	}
}

// Connect opens a client connection.
func (s *RealtimeServer) Connect(clientID string) *RealtimeConn {
	return &RealtimeConn{
		server:   s,
		clientID: clientID,
		hooks:    make(map[uint64]*hook),
	}
}

// Read returns the value at path, if any.
func (s *RealtimeServer) Read(path string) ([]byte, bool) {
	parent, child, err := domain.SplitPath(path)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[parent][child]
	return append([]byte(nil), v...), ok
}

func (s *RealtimeServer) write(path string, value []byte) error {
	parent, child, err := domain.SplitPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.data[parent] == nil {
		s.data[parent] = make(map[string][]byte)
	}
	s.data[parent][child] = append([]byte(nil), value...)
	children, fns := s.childrenLocked(parent), s.subsLocked(parent)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(children)
	}
	return nil
}

func (s *RealtimeServer) subscribe(parent string, fn func(map[string][]byte)) func() {
	s.mu.Lock()
	if s.subs[parent] == nil {
		s.subs[parent] = make(map[uint64]func(map[string][]byte))
	}
	id := s.nextID
	s.nextID++
	s.subs[parent][id] = fn
	children := s.childrenLocked(parent)
	s.mu.Unlock()

	fn(children)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[parent], id)
			s.mu.Unlock()
		})
	}
}

func (s *RealtimeServer) childrenLocked(parent string) map[string][]byte {
	out := make(map[string][]byte, len(s.data[parent]))
	for k, v := range s.data[parent] {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func (s *RealtimeServer) subsLocked(parent string) []func(map[string][]byte) {
	ids := make([]uint64, 0, len(s.subs[parent]))
	for id := range s.subs[parent] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(map[string][]byte), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subs[parent][id])
	}
	return out
}

type hook struct {
	path     string
	fallback []byte
}

// RealtimeConn is one client's connection to a RealtimeServer.
type RealtimeConn struct {
	server   *RealtimeServer
	clientID string

	mu         sync.Mutex
	hooks      map[uint64]*hook
	nextID     uint64
	failErr    error
	lost       map[uint64]func()
	nextLostID uint64
}

// ClientID returns the id passed to Connect.
func (c *RealtimeConn) ClientID() string { return c.clientID }

// FailWith makes every operation on this connection return err until
// called with nil. It models a client that cannot reach the server.
func (c *RealtimeConn) FailWith(err error) {
	c.mu.Lock()
	c.failErr = err
	c.mu.Unlock()
}

// Drop simulates the server losing this connection: every registered hook
// is applied and discarded. The connection stays usable afterwards, like a
// client that reconnects.
func (c *RealtimeConn) Drop() {
	c.applyHooks()
}

// Expire applies and discards the hooks like Drop, as a server does when
// it reaps a connection whose client never noticed, and then reports the
// loss to OnSessionLost listeners.
func (c *RealtimeConn) Expire() {
	c.applyHooks()

	c.mu.Lock()
	ids := make([]uint64, 0, len(c.lost))
	for id := range c.lost {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]func(), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.lost[id])
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// OnSessionLost implements ports.SessionWatcher. Only Expire reports.
func (c *RealtimeConn) OnSessionLost(fn func()) func() {
	c.mu.Lock()
	if c.lost == nil {
		c.lost = make(map[uint64]func())
	}
	id := c.nextLostID
	c.nextLostID++
	c.lost[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.lost, id)
			c.mu.Unlock()
		})
	}
}

func (c *RealtimeConn) applyHooks() {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.hooks))
	for id := range c.hooks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hooks := make([]*hook, 0, len(ids))
	for _, id := range ids {
		hooks = append(hooks, c.hooks[id])
	}
	c.hooks = make(map[uint64]*hook)
	c.mu.Unlock()

	for _, h := range hooks {
		_ = c.server.write(h.path, h.fallback)
	}
}

// PendingHooks returns the number of registered, uncanceled hooks.
func (c *RealtimeConn) PendingHooks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hooks)
}

func (c *RealtimeConn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failErr
}

// Write implements ports.RealtimeStore.
func (c *RealtimeConn) Write(_ context.Context, path string, value []byte) error {
	if err := c.err(); err != nil {
		return err
	}
	return c.server.write(path, value)
}

// OnDisconnect implements ports.RealtimeStore.
func (c *RealtimeConn) OnDisconnect(_ context.Context, path string, fallback []byte) (ports.DisconnectHook, error) {
	if _, _, err := domain.SplitPath(path); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return nil, c.failErr
	}
	id := c.nextID
	c.nextID++
	c.hooks[id] = &hook{path: path, fallback: append([]byte(nil), fallback...)}
	return &connHook{conn: c, id: id}, nil
}

// Subscribe implements ports.RealtimeStore.
func (c *RealtimeConn) Subscribe(_ context.Context, parent string, fn func(map[string][]byte)) (func(), error) {
	if err := c.err(); err != nil {
		return nil, err
	}
	return c.server.subscribe(parent, fn), nil
}

type connHook struct {
	conn *RealtimeConn
	id   uint64
}

func (h *connHook) Cancel(context.Context) error {
	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()
	delete(h.conn.hooks, h.id)
	return nil
}

var (
	_ ports.RealtimeStore  = (*RealtimeConn)(nil)
	_ ports.SessionWatcher = (*RealtimeConn)(nil)
)
