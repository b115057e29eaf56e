package chatsync

import (
	"github.com/bft-labs/chatsync/internal/app"
	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/internal/metrics"
	"github.com/bft-labs/chatsync/internal/ports"
)

// Ports that callers may implement.
type (
	Logger             = ports.Logger
	LogField           = ports.Field
	HTTPClient         = ports.HTTPClient
	LocalStorage       = ports.LocalStorage
	RealtimeStore      = ports.RealtimeStore
	DisconnectHook     = ports.DisconnectHook
	Broadcaster        = ports.Broadcaster
	MessageWriter      = ports.MessageWriter
	NetworkInfo        = ports.NetworkInfo
	NetworkQuality     = ports.NetworkQuality
	ConnectivitySource = ports.ConnectivitySource
	ConnectivitySink   = ports.ConnectivitySink
)

// Domain values.
type (
	ConnectionState       = domain.ConnectionState
	ConnectionStatus      = domain.ConnectionStatus
	OutgoingMessage       = domain.OutgoingMessage
	MessagePayload        = domain.MessagePayload
	Attachment            = domain.Attachment
	QueuedMessage         = domain.QueuedMessage
	DeadLetter            = domain.DeadLetter
	TabSyncEvent          = domain.TabSyncEvent
	TabEventType          = domain.TabEventType
	MessageDeletedPayload = domain.MessageDeletedPayload
	PresenceState         = domain.PresenceState
	PresenceMap           = domain.PresenceMap
	FlushResult           = app.FlushResult
)

// Tab event types.
const (
	TabEventNewMessage     = domain.TabEventNewMessage
	TabEventMessageDeleted = domain.TabEventMessageDeleted
	TabEventMessageEdited  = domain.TabEventMessageEdited
)

// Metrics collects Prometheus metrics for a client.
type Metrics = metrics.Collector

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics { return metrics.NewCollector() }

// Errors returned by the client.
var (
	ErrAlreadyRunning  = domain.ErrAlreadyRunning
	ErrNotRunning      = domain.ErrNotRunning
	ErrShutdownTimeout = domain.ErrShutdownTimeout
	ErrInvalidConfig   = domain.ErrInvalidConfig
	ErrInvalidMessage  = domain.ErrInvalidMessage
	ErrPermanent       = domain.ErrPermanent
	ErrClosed          = domain.ErrClosed
)

// State is the lifecycle state of a Client.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	return app.State(s).String()
}

func convertState(s app.State) State {
	switch s {
	case app.StateStopped:
		return StateStopped
	case app.StateStarting:
		return StateStarting
	case app.StateRunning:
		return StateRunning
	case app.StateStopping:
		return StateStopping
	case app.StateCrashed:
		return StateCrashed
	default:
		return StateStopped
	}
}
