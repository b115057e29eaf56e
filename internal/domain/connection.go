package domain

import "time"

// ConnectionStatus is the coarse connection classification.
type ConnectionStatus string

const (
	StatusOnline  ConnectionStatus = "online"
	StatusOffline ConnectionStatus = "offline"
	StatusSlow    ConnectionStatus = "slow"
)

// ConnectionState is a snapshot of what the client knows about its network.
//
// IsOnline is always Status != StatusOffline. ReconnectAttempts resets to 0
// whenever the client transitions from offline to online.
type ConnectionState struct {
	Status            ConnectionStatus `json:"status"`
	IsOnline          bool             `json:"isOnline"`
	IsSlow            bool             `json:"isSlow"`
	LastOnlineAt      *time.Time       `json:"lastOnlineAt,omitempty"`
	ReconnectAttempts int              `json:"reconnectAttempts"`

	// Network quality. Empty/nil when the runtime cannot report it.
	EffectiveType string         `json:"effectiveType,omitempty"`
	DownlinkMbps  *float64       `json:"downlink,omitempty"`
	RTT           *time.Duration `json:"rtt,omitempty"`
}

// Equal reports whether two snapshots carry the same observable values.
func (s ConnectionState) Equal(o ConnectionState) bool {
	if s.Status != o.Status || s.IsOnline != o.IsOnline || s.IsSlow != o.IsSlow ||
		s.ReconnectAttempts != o.ReconnectAttempts || s.EffectiveType != o.EffectiveType {
		return false
	}
	if !equalPtr(s.LastOnlineAt, o.LastOnlineAt, func(a, b time.Time) bool { return a.Equal(b) }) {
		return false
	}
	if !equalPtr(s.DownlinkMbps, o.DownlinkMbps, func(a, b float64) bool { return a == b }) {
		return false
	}
	return equalPtr(s.RTT, o.RTT, func(a, b time.Duration) bool { return a == b })
}

func equalPtr[T any](a, b *T, eq func(T, T) bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return eq(*a, *b)
}
