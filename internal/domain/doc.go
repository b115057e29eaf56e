// Package domain contains the core entities and value objects for chatsync.
//
// This package is the innermost layer. It has no dependencies on storage,
// transport or logging and holds only the data shapes shared by the
// synchronization components.
//
// # Entities
//
//   - [ConnectionState]: observed network status of this client
//   - [OutgoingMessage], [QueuedMessage]: messages awaiting remote persistence
//   - [DeadLetter]: a message the queue gave up on
//   - [PresenceState]: one user's online/offline record
//   - [TabSyncEvent]: an envelope exchanged between sibling sessions
package domain
