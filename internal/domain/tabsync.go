package domain

import (
	"encoding/json"
	"time"
)

// TabEventType names the kind of change a sibling session announces.
// The set is open; these are the types the client itself emits.
type TabEventType string

const (
	TabEventNewMessage     TabEventType = "NEW_MESSAGE"
	TabEventMessageDeleted TabEventType = "MESSAGE_DELETED"
	TabEventMessageEdited  TabEventType = "MESSAGE_EDITED"
)

// TabSyncEvent is the envelope exchanged over the broadcast channel.
type TabSyncEvent struct {
	Type        TabEventType    `json:"type"`
	RoomID      string          `json:"roomId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OriginTabID string          `json:"originTabId"`
	Timestamp   time.Time       `json:"timestamp"`
}

// MessageDeletedPayload is the payload of a MESSAGE_DELETED event.
type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}
