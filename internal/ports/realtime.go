package ports

import "context"

// DisconnectHook is a server-side write registered to run if the
// connection that registered it is lost.
type DisconnectHook interface {
	// Cancel withdraws the hook. Canceling twice is a no-op.
	Cancel(ctx context.Context) error
}

// RealtimeStore is a shared store addressed by slash-separated paths
// ("presence/<userId>"). Values are opaque bytes.
type RealtimeStore interface {
	// Write sets path to value and notifies subscribers of the parent path.
	Write(ctx context.Context, path string, value []byte) error

	// OnDisconnect registers fallback to be written to path by the store
	// itself when this client's connection is lost.
	OnDisconnect(ctx context.Context, path string, fallback []byte) (DisconnectHook, error)

	// Subscribe delivers the full set of children under parent, once
	// immediately and again after every change. The returned function
	// unsubscribes.
	Subscribe(ctx context.Context, parent string, fn func(children map[string][]byte)) (func(), error)
}

// SessionWatcher is an optional RealtimeStore capability. Stores that can
// tell when the server applied and discarded this client's disconnect
// hooks while the client kept working (an expired lease, for instance)
// report it through OnSessionLost.
type SessionWatcher interface {
	// OnSessionLost registers fn to run after the server discarded this
	// connection's hooks. The returned function unregisters it.
	OnSessionLost(fn func()) (unsubscribe func())
}
