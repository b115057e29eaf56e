package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/internal/ports"
)

// PresenceConnState is the local view of this client's presence assertion.
type PresenceConnState string

const (
	PresenceDisconnected PresenceConnState = "disconnected"
	PresenceConnecting   PresenceConnState = "connecting"
	PresenceOnline       PresenceConnState = "online"
)

// PresenceConfig holds presence tunables.
type PresenceConfig struct {
	// Root is the parent path of presence records.
	Root string
	// WriteTimeout bounds background re-assertions.
	WriteTimeout time.Duration
}

func (c *PresenceConfig) setDefaults() {
	if c.Root == "" {
		c.Root = "presence"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// PresenceEventEmitter receives presence activity, typically for metrics.
type PresenceEventEmitter interface {
	OnPresenceWrite(state domain.PresenceStatus, err error)
	OnPresenceMap(m domain.PresenceMap)
}

// PresenceManager advertises one user's online status in a RealtimeStore.
//
// GoOnline registers an offline fallback with the store before writing the
// online record, so an abrupt disconnect still ends in "offline". When the
// ConnectionManager reports offline→online while a user is wanted online,
// the assertion is repeated. Operations are applied strictly in call order.
type PresenceManager struct {
	opMu sync.Mutex

	mu         sync.Mutex
	state      PresenceConnState
	userID     string
	wantOnline bool
	hook       ports.DisconnectHook
	wasOnline  bool
	closed     bool
	subs       map[uint64]func()
	nextSubID  uint64
	connUnsub  func()
	lostUnsub  func()
	bg         sync.WaitGroup

	cfg     PresenceConfig
	store   ports.RealtimeStore
	now     func() time.Time
	logger  ports.Logger
	emitter PresenceEventEmitter
}

// NewPresenceManager creates a manager and starts listening to conn.
func NewPresenceManager(store ports.RealtimeStore, conn *ConnectionManager, cfg PresenceConfig, logger ports.Logger, emitter PresenceEventEmitter) *PresenceManager {
	cfg.setDefaults()
	if emitter == nil {
		emitter = nopPresenceEmitter{}
	}
	m := &PresenceManager{
		state:   PresenceDisconnected,
		subs:    make(map[uint64]func()),
		cfg:     cfg,
		store:   store,
		now:     time.Now,
		logger:  logger,
		emitter: emitter,
	}
	if conn != nil {
		m.wasOnline = conn.State().IsOnline
		m.connUnsub = conn.Subscribe(m.onConnection)
	}
	if w, ok := store.(ports.SessionWatcher); ok {
		m.lostUnsub = w.OnSessionLost(m.onSessionLost)
	}
	return m
}

// State returns the local presence state.
func (m *PresenceManager) State() PresenceConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the user of the latest GoOnline call.
func (m *PresenceManager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *PresenceManager) path(userID string) string {
	return m.cfg.Root + "/" + userID
}

func (m *PresenceManager) record(state domain.PresenceStatus) []byte {
	data, _ := json.Marshal(domain.PresenceState{State: state, LastChanged: m.now()})
	return data
}

func (m *PresenceManager) setState(s PresenceConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// GoOnline marks userID online. Remote failures are logged and leave the
// manager disconnected; the next connection recovery retries.
func (m *PresenceManager) GoOnline(ctx context.Context, userID string) error {
	if userID == "" {
		return domain.ErrInvalidUser
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrNotRunning
	}
	prevUser := m.userID
	m.mu.Unlock()

	if prevUser != "" && prevUser != userID {
		m.goOfflineLocked(ctx)
	}
	m.goOnlineLocked(ctx, userID)
	return nil
}

// goOnlineLocked requires opMu.
func (m *PresenceManager) goOnlineLocked(ctx context.Context, userID string) {
	m.mu.Lock()
	m.userID = userID
	m.wantOnline = true
	m.state = PresenceConnecting
	m.mu.Unlock()

	path := m.path(userID)
	hook, err := m.store.OnDisconnect(ctx, path, m.record(domain.PresenceOffline))
	if err != nil {
		m.logger.Warn("register presence fallback failed", ports.String("user", userID), ports.Err(err))
		m.emitter.OnPresenceWrite(domain.PresenceOnline, err)
		m.setState(PresenceDisconnected)
		return
	}

	if err := m.store.Write(ctx, path, m.record(domain.PresenceOnline)); err != nil {
		m.logger.Warn("write online presence failed", ports.String("user", userID), ports.Err(err))
		m.emitter.OnPresenceWrite(domain.PresenceOnline, err)
		if cerr := hook.Cancel(ctx); cerr != nil {
			m.logger.Debug("cancel presence fallback", ports.Err(cerr))
		}
		m.setState(PresenceDisconnected)
		return
	}
	m.emitter.OnPresenceWrite(domain.PresenceOnline, nil)

	m.mu.Lock()
	old := m.hook
	m.hook = hook
	m.state = PresenceOnline
	m.mu.Unlock()

	if old != nil {
		if err := old.Cancel(ctx); err != nil {
			m.logger.Debug("cancel previous presence fallback", ports.Err(err))
		}
	}
	m.logger.Info("presence online", ports.String("user", userID))
}

// GoOffline marks the current user offline and withdraws the fallback.
func (m *PresenceManager) GoOffline(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.goOfflineLocked(ctx)
}

// goOfflineLocked requires opMu.
func (m *PresenceManager) goOfflineLocked(ctx context.Context) {
	m.mu.Lock()
	userID := m.userID
	hook := m.hook
	m.wantOnline = false
	m.hook = nil
	m.mu.Unlock()

	if userID != "" {
		err := m.store.Write(ctx, m.path(userID), m.record(domain.PresenceOffline))
		m.emitter.OnPresenceWrite(domain.PresenceOffline, err)
		if err != nil {
			m.logger.Warn("write offline presence failed", ports.String("user", userID), ports.Err(err))
		} else {
			m.logger.Info("presence offline", ports.String("user", userID))
		}
	}
	if hook != nil {
		if err := hook.Cancel(ctx); err != nil {
			m.logger.Debug("cancel presence fallback", ports.Err(err))
		}
	}
	m.setState(PresenceDisconnected)
}

// SubscribeToPresence delivers the presence of every user, once now and on
// every change. Malformed records are skipped.
func (m *PresenceManager) SubscribeToPresence(ctx context.Context, fn func(domain.PresenceMap)) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrNotRunning
	}
	m.mu.Unlock()

	unsubscribe, err := m.store.Subscribe(ctx, m.cfg.Root, func(children map[string][]byte) {
		out := make(domain.PresenceMap, len(children))
		for user, raw := range children {
			var ps domain.PresenceState
			if err := json.Unmarshal(raw, &ps); err != nil || ps.State == "" {
				m.logger.Debug("skipping malformed presence record", ports.String("user", user))
				continue
			}
			out[user] = ps
		}
		m.emitter.OnPresenceMap(out)
		fn(out)
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = unsubscribe
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			unsubscribe()
		})
	}, nil
}

// Disconnect withdraws the current user's presence, including after a
// connection loss that left the online record and its fallback in place,
// and releases every subscription. It is idempotent.
func (m *PresenceManager) Disconnect(ctx context.Context) {
	m.opMu.Lock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.opMu.Unlock()
		return
	}
	asserted := m.hook != nil || m.wantOnline
	m.mu.Unlock()

	if asserted {
		m.goOfflineLocked(ctx)
	}

	m.mu.Lock()
	m.closed = true
	m.wantOnline = false
	subs := orderedValues(m.subs)
	m.subs = make(map[uint64]func())
	connUnsub, lostUnsub := m.connUnsub, m.lostUnsub
	m.connUnsub, m.lostUnsub = nil, nil
	m.mu.Unlock()
	m.opMu.Unlock()

	if connUnsub != nil {
		connUnsub()
	}
	if lostUnsub != nil {
		lostUnsub()
	}
	for _, unsubscribe := range subs {
		unsubscribe()
	}
	m.bg.Wait()
}

func (m *PresenceManager) onConnection(s domain.ConnectionState) {
	m.mu.Lock()
	recovered := s.IsOnline && !m.wasOnline
	m.wasOnline = s.IsOnline
	if !s.IsOnline && m.state == PresenceOnline {
		m.state = PresenceDisconnected
	}
	if !recovered || !m.wantOnline || m.closed {
		m.mu.Unlock()
		return
	}
	m.bg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.bg.Done()
		m.reassert()
	}()
}

// onSessionLost handles the store discarding our fallback while the
// connection stayed up: the record now reads offline and no connection
// transition will follow, so presence is re-asserted here.
func (m *PresenceManager) onSessionLost() {
	m.mu.Lock()
	if m.closed || !m.wantOnline {
		m.mu.Unlock()
		return
	}
	m.hook = nil
	m.state = PresenceDisconnected
	m.bg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.bg.Done()
		m.reassert()
	}()
}

func (m *PresenceManager) reassert() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	userID, want, closed := m.userID, m.wantOnline, m.closed
	m.mu.Unlock()
	if closed || !want || userID == "" {
		return
	}
	m.logger.Info("re-asserting presence", ports.String("user", userID))
	m.goOnlineLocked(ctx, userID)
}

type nopPresenceEmitter struct{}

func (nopPresenceEmitter) OnPresenceWrite(domain.PresenceStatus, error) {}
func (nopPresenceEmitter) OnPresenceMap(domain.PresenceMap)             {}
