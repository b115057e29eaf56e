package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/internal/ports"
)

// DefaultTabChannel is the broadcast channel used for tab events.
const DefaultTabChannel = "chatsync:tabs"

// TabEventEmitter receives tab sync traffic, typically for metrics.
type TabEventEmitter interface {
	OnTabEvent(direction string, eventType domain.TabEventType)
}

// TabSyncService announces local changes to sibling sessions and
// dispatches theirs to local handlers.
//
// Events whose OriginTabID equals this session's id are dropped on
// receipt. When no broadcaster is available every method is a no-op.
type TabSyncService struct {
	tabID   string
	channel string
	b       ports.Broadcaster
	close   func()
	now     func() time.Time
	logger  ports.Logger
	emitter TabEventEmitter

	mu       sync.Mutex
	handlers map[domain.TabEventType]map[uint64]func(domain.TabSyncEvent)
	nextID   uint64
}

// NewTabSyncService opens channel on b. A nil broadcaster, or one that
// refuses the subscription, yields a service that does nothing.
func NewTabSyncService(tabID string, b ports.Broadcaster, channel string, logger ports.Logger, emitter TabEventEmitter) *TabSyncService {
	if channel == "" {
		channel = DefaultTabChannel
	}
	if emitter == nil {
		emitter = nopTabEmitter{}
	}
	s := &TabSyncService{
		tabID:    tabID,
		channel:  channel,
		now:      time.Now,
		logger:   logger,
		emitter:  emitter,
		handlers: make(map[domain.TabEventType]map[uint64]func(domain.TabSyncEvent)),
	}
	if b == nil {
		logger.Debug("tab sync disabled: no broadcaster")
		return s
	}
	unsubscribe, err := b.Subscribe(channel, s.receive)
	if err != nil {
		logger.Warn("tab sync disabled: cannot open channel", ports.String("channel", channel), ports.Err(err))
		return s
	}
	s.b = b
	s.close = unsubscribe
	return s
}

// TabID returns this session's id.
func (s *TabSyncService) TabID() string { return s.tabID }

// Enabled reports whether a broadcast channel is open.
func (s *TabSyncService) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b != nil
}

// BroadcastNewMessage announces a message persisted by this session.
func (s *TabSyncService) BroadcastNewMessage(ctx context.Context, roomID string, message any) {
	s.Broadcast(ctx, domain.TabEventNewMessage, roomID, message)
}

// BroadcastMessageDeleted announces a deletion.
func (s *TabSyncService) BroadcastMessageDeleted(ctx context.Context, roomID, messageID string) {
	s.Broadcast(ctx, domain.TabEventMessageDeleted, roomID, domain.MessageDeletedPayload{MessageID: messageID})
}

// BroadcastMessageEdited announces an edit.
func (s *TabSyncService) BroadcastMessageEdited(ctx context.Context, roomID string, message any) {
	s.Broadcast(ctx, domain.TabEventMessageEdited, roomID, message)
}

// Broadcast sends an event of any type. Delivery is best effort; failures
// are logged.
func (s *TabSyncService) Broadcast(ctx context.Context, eventType domain.TabEventType, roomID string, payload any) {
	s.mu.Lock()
	b := s.b
	s.mu.Unlock()
	if b == nil {
		return
	}

	data, err := s.encode(eventType, roomID, payload)
	if err != nil {
		s.logger.Error("encode tab event", ports.String("type", string(eventType)), ports.Err(err))
		return
	}
	if err := b.Publish(ctx, s.channel, data); err != nil {
		s.logger.Warn("publish tab event", ports.String("type", string(eventType)), ports.Err(err))
		return
	}
	s.emitter.OnTabEvent("out", eventType)
}

func (s *TabSyncService) encode(eventType domain.TabEventType, roomID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return json.Marshal(domain.TabSyncEvent{
		Type:        eventType,
		RoomID:      roomID,
		Payload:     raw,
		OriginTabID: s.tabID,
		Timestamp:   s.now(),
	})
}

// Subscribe registers handler for events of eventType from other sessions
// and returns a function that removes it.
func (s *TabSyncService) Subscribe(eventType domain.TabEventType, handler func(domain.TabSyncEvent)) func() {
	s.mu.Lock()
	if s.handlers[eventType] == nil {
		s.handlers[eventType] = make(map[uint64]func(domain.TabSyncEvent))
	}
	id := s.nextID
	s.nextID++
	s.handlers[eventType][id] = handler
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers[eventType], id)
			s.mu.Unlock()
		})
	}
}

func (s *TabSyncService) receive(data []byte) {
	var ev domain.TabSyncEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
		s.logger.Debug("dropping malformed tab event", ports.Int("bytes", len(data)))
		return
	}
	if ev.OriginTabID == s.tabID {
		return
	}

	s.mu.Lock()
	handlers := orderedValues(s.handlers[ev.Type])
	s.mu.Unlock()

	s.emitter.OnTabEvent("in", ev.Type)
	for _, h := range handlers {
		h(ev)
	}
}

// Close releases the channel. Later broadcasts are dropped.
func (s *TabSyncService) Close() {
	s.mu.Lock()
	closeFn := s.close
	s.close = nil
	s.b = nil
	s.mu.Unlock()

	if closeFn != nil {
		closeFn()
	}
}

type nopTabEmitter struct{}

func (nopTabEmitter) OnTabEvent(string, domain.TabEventType) {}
