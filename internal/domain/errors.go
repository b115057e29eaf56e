package domain

import "errors"

// Domain errors represent error conditions in the chatsync domain.
// These errors are returned by the public API and can be checked with errors.Is.
var (
	// ErrAlreadyRunning is returned when Start() is called on a running client.
	ErrAlreadyRunning = errors.New("chatsync: already running")

	// ErrNotRunning is returned when Stop() is called on a stopped client.
	ErrNotRunning = errors.New("chatsync: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("chatsync: shutdown timeout")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("chatsync: invalid configuration")

	// ErrInvalidMessage is returned when a message lacks a room or local id.
	ErrInvalidMessage = errors.New("chatsync: invalid message")

	// ErrInvalidUser is returned when a presence operation gets an empty user id.
	ErrInvalidUser = errors.New("chatsync: invalid user")

	// ErrInvalidPath is returned by realtime stores for malformed record paths.
	ErrInvalidPath = errors.New("chatsync: invalid path")

	// ErrPermanent marks a delivery failure that retrying cannot fix.
	// Writers wrap it; the queue dead-letters such messages immediately.
	ErrPermanent = errors.New("chatsync: permanent failure")

	// ErrUnsupported is returned when an optional runtime capability is absent.
	ErrUnsupported = errors.New("chatsync: unsupported")

	// ErrNotFound is returned by local storage for missing keys.
	ErrNotFound = errors.New("chatsync: not found")

	// ErrClosed is returned when an adapter is used after Close.
	ErrClosed = errors.New("chatsync: closed")
)
