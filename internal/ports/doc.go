// Package ports defines the interfaces (ports) that connect the application
// layer to infrastructure adapters.
//
// # Port Interfaces
//
//   - [LocalStorage]: durable key-value storage owned by this client
//   - [RealtimeStore]: shared ephemeral store with server-side disconnect hooks
//   - [Broadcaster]: fire-and-forget channel between sibling sessions
//   - [MessageWriter]: remote persistence for outgoing messages
//   - [NetworkInfo]: optional network quality reporting
//   - [ConnectivitySource], [ConnectivitySink]: online/offline signal delivery
//   - [Logger]: structured logging abstraction
//   - [HTTPClient]: HTTP request abstraction for dependency injection
//
// The application layer (internal/app) depends only on these interfaces.
// Infrastructure adapters (internal/adapters) implement them with pebble,
// redis, net/http and in-memory backends.
package ports
