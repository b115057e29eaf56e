package chatsync

import (
	"time"

	"github.com/bft-labs/chatsync/internal/app"
	"github.com/bft-labs/chatsync/internal/domain"
)

// StateChangeEvent describes a lifecycle transition.
type StateChangeEvent struct {
	Previous State
	Current  State
	Reason   string
}

// EventHandler receives client notifications. Calls are synchronous from
// the goroutine that caused them; implementations should return quickly.
type EventHandler interface {
	OnStateChange(event StateChangeEvent)
	OnConnectionChange(state ConnectionState)
	OnQueueChange(queue []QueuedMessage)
	OnDelivered(msg QueuedMessage)
	OnDeadLetter(dl DeadLetter)
	OnTabEvent(event TabSyncEvent)
	OnPresence(m PresenceMap)
}

// BaseEventHandler implements EventHandler with no-ops. Embed it to
// override only the events you need.
type BaseEventHandler struct{}

func (BaseEventHandler) OnStateChange(StateChangeEvent)      {}
func (BaseEventHandler) OnConnectionChange(ConnectionState) {}
func (BaseEventHandler) OnQueueChange([]QueuedMessage)      {}
func (BaseEventHandler) OnDelivered(QueuedMessage)          {}
func (BaseEventHandler) OnDeadLetter(DeadLetter)            {}
func (BaseEventHandler) OnTabEvent(TabSyncEvent)            {}
func (BaseEventHandler) OnPresence(PresenceMap)             {}

// eventEmitterWrapper fans internal emitter calls out to metrics and the
// user's handler. Either may be nil.
type eventEmitterWrapper struct {
	handler EventHandler
	metrics *Metrics
}

func (e *eventEmitterWrapper) OnStateChange(previous, current app.State, reason string) {
	if e.metrics != nil {
		e.metrics.OnStateChange(previous, current, reason)
	}
	if e.handler != nil {
		e.handler.OnStateChange(StateChangeEvent{
			Previous: convertState(previous),
			Current:  convertState(current),
			Reason:   reason,
		})
	}
}

func (e *eventEmitterWrapper) OnQueueLength(n int) {
	if e.metrics != nil {
		e.metrics.OnQueueLength(n)
	}
}

func (e *eventEmitterWrapper) OnDelivered(msg domain.QueuedMessage, took time.Duration) {
	if e.metrics != nil {
		e.metrics.OnDelivered(msg, took)
	}
}

func (e *eventEmitterWrapper) OnDeliveryFailed(msg domain.QueuedMessage, err error, retryable bool) {
	if e.metrics != nil {
		e.metrics.OnDeliveryFailed(msg, err, retryable)
	}
}

func (e *eventEmitterWrapper) OnDeadLetter(dl domain.DeadLetter) {
	if e.metrics != nil {
		e.metrics.OnDeadLetter(dl)
	}
}

func (e *eventEmitterWrapper) OnTabEvent(direction string, eventType domain.TabEventType) {
	if e.metrics != nil {
		e.metrics.OnTabEvent(direction, eventType)
	}
}

func (e *eventEmitterWrapper) OnPresenceWrite(state domain.PresenceStatus, err error) {
	if e.metrics != nil {
		e.metrics.OnPresenceWrite(state, err)
	}
}

func (e *eventEmitterWrapper) OnPresenceMap(m domain.PresenceMap) {
	if e.metrics != nil {
		e.metrics.OnPresenceMap(m)
	}
}

var (
	_ app.EventEmitter         = (*eventEmitterWrapper)(nil)
	_ app.QueueEventEmitter    = (*eventEmitterWrapper)(nil)
	_ app.TabEventEmitter      = (*eventEmitterWrapper)(nil)
	_ app.PresenceEventEmitter = (*eventEmitterWrapper)(nil)
)
