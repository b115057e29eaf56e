package ports

import "context"

// Broadcaster is a best-effort channel shared by sibling sessions of the
// same user. Publishers receive their own messages back on some
// implementations; callers filter by origin.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, data []byte) error

	// Subscribe registers fn for messages on channel and returns a function
	// that removes it.
	Subscribe(channel string, fn func(data []byte)) (func(), error)
}
