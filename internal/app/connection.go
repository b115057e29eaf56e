package app

import (
	"sync"
	"time"

	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/internal/ports"
)

// SlowPolicy decides when an online link counts as slow.
type SlowPolicy struct {
	// SlowEffectiveTypes are effective types that are always slow.
	SlowEffectiveTypes []string
	// SlowDownlinkMbps marks the link slow when the reported downlink is
	// positive and below it. Zero disables the check.
	SlowDownlinkMbps float64
}

// DefaultSlowPolicy returns the policy used when none is configured.
func DefaultSlowPolicy() SlowPolicy {
	return SlowPolicy{
		SlowEffectiveTypes: []string{"slow-2g", "2g"},
		SlowDownlinkMbps:   0.5,
	}
}

func (p SlowPolicy) isSlow(q ports.NetworkQuality) bool {
	for _, t := range p.SlowEffectiveTypes {
		if q.EffectiveType != "" && q.EffectiveType == t {
			return true
		}
	}
	return p.SlowDownlinkMbps > 0 && q.DownlinkMbps > 0 && q.DownlinkMbps < p.SlowDownlinkMbps
}

// ConnectionManager tracks online/offline status and link quality.
//
// It is purely event-driven: state changes only when one of the Handle*
// methods is called, and each call notifies every subscriber at most once,
// synchronously, before returning. Calls that leave the state unchanged
// notify nobody. Listeners must not call Handle* re-entrantly.
type ConnectionManager struct {
	// emitMu serializes signal handling so listeners observe transitions
	// in the order they were applied.
	emitMu sync.Mutex

	mu        sync.Mutex
	network   ports.NetworkInfo
	policy    SlowPolicy
	state     domain.ConnectionState
	listeners map[uint64]func(domain.ConnectionState)
	nextID    uint64

	now    func() time.Time
	logger ports.Logger
}

// NewConnectionManager creates a manager that starts optimistically online.
// A nil or unsupported network reports booleans only.
func NewConnectionManager(network ports.NetworkInfo, policy SlowPolicy, logger ports.Logger) *ConnectionManager {
	if network != nil && !network.Supported() {
		logger.Debug("network information unavailable, reporting online/offline only")
		network = nil
	}
	m := &ConnectionManager{
		network:   network,
		policy:    policy,
		listeners: make(map[uint64]func(domain.ConnectionState)),
		now:       time.Now,
		logger:    logger,
	}
	now := m.now()
	m.state = m.derive(domain.ConnectionState{IsOnline: true, LastOnlineAt: &now})
	return m
}

// State returns the current snapshot.
func (m *ConnectionManager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for every state change and returns a function
// that removes it.
func (m *ConnectionManager) Subscribe(fn func(domain.ConnectionState)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// HandleOnline applies an "online" signal.
func (m *ConnectionManager) HandleOnline() {
	m.apply("online", func(s domain.ConnectionState) domain.ConnectionState {
		if !s.IsOnline {
			now := m.now()
			s.IsOnline = true
			s.LastOnlineAt = &now
			s.ReconnectAttempts = 0
		}
		return s
	})
}

// HandleOffline applies an "offline" signal. LastOnlineAt keeps the last
// online timestamp.
func (m *ConnectionManager) HandleOffline() {
	m.apply("offline", func(s domain.ConnectionState) domain.ConnectionState {
		s.IsOnline = false
		return s
	})
}

// HandleNetworkChange re-reads link quality.
func (m *ConnectionManager) HandleNetworkChange() {
	m.apply("network-change", func(s domain.ConnectionState) domain.ConnectionState {
		return s
	})
}

// HandleReconnectAttempt records one reconnection attempt while offline.
// It is ignored while online.
func (m *ConnectionManager) HandleReconnectAttempt() {
	m.apply("reconnect-attempt", func(s domain.ConnectionState) domain.ConnectionState {
		if !s.IsOnline {
			s.ReconnectAttempts++
		}
		return s
	})
}

// SetSlowPolicy replaces the slow-link policy and re-derives the state.
func (m *ConnectionManager) SetSlowPolicy(p SlowPolicy) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
	m.applyLocked("policy", func(s domain.ConnectionState) domain.ConnectionState { return s })
}

// NetworkSupported reports whether link quality is available.
func (m *ConnectionManager) NetworkSupported() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.network != nil
}

func (m *ConnectionManager) apply(signal string, mutate func(domain.ConnectionState) domain.ConnectionState) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.applyLocked(signal, mutate)
}

// applyLocked requires emitMu.
func (m *ConnectionManager) applyLocked(signal string, mutate func(domain.ConnectionState) domain.ConnectionState) {
	m.mu.Lock()
	prev := m.state
	next := m.derive(mutate(prev))
	if next.Equal(prev) {
		m.mu.Unlock()
		return
	}
	m.state = next
	listeners := orderedValues(m.listeners)
	m.mu.Unlock()

	if prev.Status != next.Status {
		m.logger.Info("connection status changed",
			ports.String("signal", signal),
			ports.String("from", string(prev.Status)),
			ports.String("to", string(next.Status)),
			ports.Int("reconnect_attempts", next.ReconnectAttempts),
		)
	}

	for _, fn := range listeners {
		fn(next)
	}
}

// derive fills quality and status fields from IsOnline and the network.
// It requires mu.
func (m *ConnectionManager) derive(s domain.ConnectionState) domain.ConnectionState {
	s.EffectiveType = ""
	s.DownlinkMbps = nil
	s.RTT = nil
	slow := false

	if m.network != nil {
		q := m.network.Quality()
		s.EffectiveType = q.EffectiveType
		if q.DownlinkMbps > 0 {
			d := q.DownlinkMbps
			s.DownlinkMbps = &d
		}
		if q.RTT > 0 {
			r := q.RTT
			s.RTT = &r
		}
		slow = m.policy.isSlow(q)
	}

	switch {
	case !s.IsOnline:
		s.Status = domain.StatusOffline
		s.IsSlow = false
	case slow:
		s.Status = domain.StatusSlow
		s.IsSlow = true
	default:
		s.Status = domain.StatusOnline
		s.IsSlow = false
	}
	return s
}
