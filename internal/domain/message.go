package domain

import (
	"strings"
	"time"
)

// Attachment is a file reference carried by a message payload.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// MessagePayload is the user-visible content of a chat message.
// The queue never inspects it.
type MessagePayload struct {
	AuthorID    string       `json:"authorId"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// OutgoingMessage is a message the user composed that has not been
// confirmed by the remote store yet.
type OutgoingMessage struct {
	RoomID  string         `json:"roomId"`
	LocalID string         `json:"localId"`
	Payload MessagePayload `json:"payload"`
}

// Validate checks that the message can be addressed.
func (m OutgoingMessage) Validate() error {
	if strings.TrimSpace(m.RoomID) == "" || strings.TrimSpace(m.LocalID) == "" {
		return ErrInvalidMessage
	}
	return nil
}

// QueuedMessage is an OutgoingMessage plus delivery bookkeeping.
type QueuedMessage struct {
	OutgoingMessage
	RetryCount int       `json:"retryCount"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// DeadLetter records a message that was removed from the queue without
// being delivered.
type DeadLetter struct {
	Message  QueuedMessage `json:"message"`
	Reason   string        `json:"reason"`
	FailedAt time.Time     `json:"failedAt"`
}
