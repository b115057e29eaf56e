package ports

import (
	"context"
	"time"
)

// NetworkQuality is what the runtime reports about the active link.
// Zero values mean "not reported".
type NetworkQuality struct {
	EffectiveType string
	DownlinkMbps  float64
	RTT           time.Duration
}

// NetworkInfo is an optional capability. Implementations that cannot
// measure anything return false from Supported.
type NetworkInfo interface {
	Supported() bool
	Quality() NetworkQuality
}

// ConnectivitySink receives connectivity signals. ConnectionManager
// implements it.
type ConnectivitySink interface {
	HandleOnline()
	HandleOffline()
	HandleNetworkChange()
	HandleReconnectAttempt()
}

// ConnectivitySource produces connectivity signals until ctx is done.
type ConnectivitySource interface {
	Run(ctx context.Context, sink ConnectivitySink) error
}
