package ports

import (
	"context"

	"github.com/bft-labs/chatsync/internal/domain"
)

// MessageWriter persists messages in the remote document store.
// Failures that retrying cannot fix wrap domain.ErrPermanent.
type MessageWriter interface {
	Write(ctx context.Context, msg domain.QueuedMessage) error
	Delete(ctx context.Context, roomID, messageID string) error
}
