// Package chatsync provides an embeddable client-side sync core for chat
// applications.
//
// A [Client] wires four components around one user session:
//
//   - a connection manager that tracks online, offline and slow links
//   - an offline message queue that persists outgoing messages locally and
//     delivers them in order once the link is back
//   - a tab sync service that tells sibling sessions about local changes
//   - a presence manager that advertises the user as online and falls back
//     to offline when the session disappears
//
// # Basic Usage
//
//	client, err := chatsync.New(chatsync.Config{
//	    UserID:     "u1",
//	    ServiceURL: "https://chat.example.com",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop()
//
//	localID, err := client.Send(ctx, "general", "hello", nil)
//
// # Dependency Injection
//
// Every external system is a port. Options replace the defaults:
//
//	client, err := chatsync.New(cfg,
//	    chatsync.WithLocalStorage(store),
//	    chatsync.WithRealtimeStore(presenceStore),
//	    chatsync.WithBroadcaster(bus),
//	    chatsync.WithConnectivitySource(probe),
//	)
//
// Optional capabilities degrade at construction: without a broadcaster tab
// sync is a no-op, and without network information the connection manager
// reports online and offline only.
//
// # Lifecycle
//
// A client is single-use. It moves through [StateStopped], [StateStarting],
// [StateRunning] and [StateStopping]; a failed start or a shutdown timeout
// ends in [StateCrashed].
package chatsync
