package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/internal/ports"
)

// Queue defaults.
const (
	DefaultMaxAttempts   = 5
	DefaultFlushInterval = 30 * time.Second
	DefaultMaxBackoff    = 5 * time.Minute
	DefaultQueuePrefix   = "queue/"
)

// QueueConfig holds the tunables of the offline queue.
type QueueConfig struct {
	// MaxAttempts is the number of delivery attempts before a message is
	// dead-lettered.
	MaxAttempts int
	// FlushInterval is the backstop flush period used by Run.
	FlushInterval time.Duration
	// MaxBackoff caps the backstop period after failing passes.
	MaxBackoff time.Duration
	// KeyPrefix namespaces queue entries in local storage.
	KeyPrefix string
}

func (c *QueueConfig) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultQueuePrefix
	}
}

// QueueEventEmitter receives queue activity, typically for metrics.
type QueueEventEmitter interface {
	OnQueueLength(n int)
	OnDelivered(msg domain.QueuedMessage, took time.Duration)
	OnDeliveryFailed(msg domain.QueuedMessage, err error, retryable bool)
	OnDeadLetter(dl domain.DeadLetter)
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	// Skipped is true when another pass was already running.
	Skipped      bool
	Attempted    int
	Delivered    int
	Failed       int
	DeadLettered int
}

type queueEntry struct {
	msg domain.QueuedMessage
	seq uint64
	// rev changes whenever the entry is replaced by Add.
	rev uint64
}

// OfflineMessageQueue holds messages until the remote store confirms them.
//
// Entries are persisted to local storage on every change and survive
// restarts through Load. Flush delivers per room in enqueue order; a
// failure stops that room for the rest of the pass. Messages that fail
// MaxAttempts times, or fail permanently, leave the queue through the
// dead-letter listeners.
type OfflineMessageQueue struct {
	emitMu sync.Mutex

	mu          sync.Mutex
	entries     map[string]*queueEntry
	nextSeq     uint64
	nextRev     uint64
	flushing    bool
	maxAttempts int

	subs      map[uint64]func([]domain.QueuedMessage)
	dead      map[uint64]func(domain.DeadLetter)
	delivered map[uint64]func(domain.QueuedMessage)
	nextSubID uint64

	cfg     QueueConfig
	storage ports.LocalStorage
	writer  ports.MessageWriter
	online  func() bool
	trigger chan struct{}
	now     func() time.Time
	logger  ports.Logger
	emitter QueueEventEmitter
}

// NewOfflineMessageQueue creates an empty queue. Call Load to restore
// persisted entries.
func NewOfflineMessageQueue(storage ports.LocalStorage, writer ports.MessageWriter, cfg QueueConfig, logger ports.Logger, emitter QueueEventEmitter) *OfflineMessageQueue {
	cfg.setDefaults()
	if emitter == nil {
		emitter = nopQueueEmitter{}
	}
	return &OfflineMessageQueue{
		entries:     make(map[string]*queueEntry),
		maxAttempts: cfg.MaxAttempts,
		subs:        make(map[uint64]func([]domain.QueuedMessage)),
		dead:        make(map[uint64]func(domain.DeadLetter)),
		delivered:   make(map[uint64]func(domain.QueuedMessage)),
		cfg:         cfg,
		storage:     storage,
		writer:      writer,
		online:      func() bool { return true },
		trigger:     make(chan struct{}, 1),
		now:         time.Now,
		logger:      logger,
		emitter:     emitter,
	}
}

// SetOnlineCheck sets the predicate Run consults before each backstop pass.
func (q *OfflineMessageQueue) SetOnlineCheck(fn func() bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if fn == nil {
		fn = func() bool { return true }
	}
	q.online = fn
}

// SetMaxAttempts changes the attempt ceiling for future failures.
func (q *OfflineMessageQueue) SetMaxAttempts(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.maxAttempts = n
	q.mu.Unlock()
}

// Load restores persisted entries. Malformed entries are skipped.
// Entries already added in memory win over persisted ones.
func (q *OfflineMessageQueue) Load(ctx context.Context) (int, error) {
	kvs, err := q.storage.List(ctx, q.cfg.KeyPrefix)
	if err != nil {
		return 0, err
	}

	loaded := make([]domain.QueuedMessage, 0, len(kvs))
	for _, kv := range kvs {
		var msg domain.QueuedMessage
		if err := json.Unmarshal(kv.Value, &msg); err != nil {
			q.logger.Warn("skipping malformed queue entry", ports.String("key", kv.Key), ports.Err(err))
			continue
		}
		if id, ok := localIDFromKey(q.cfg.KeyPrefix, kv.Key); !ok || id != msg.LocalID || msg.Validate() != nil {
			q.logger.Warn("skipping invalid queue entry", ports.String("key", kv.Key))
			continue
		}
		loaded = append(loaded, msg)
	}
	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].EnqueuedAt.Before(loaded[j].EnqueuedAt)
	})

	q.emitMu.Lock()
	defer q.emitMu.Unlock()

	q.mu.Lock()
	n := 0
	for _, msg := range loaded {
		if _, ok := q.entries[msg.LocalID]; ok {
			continue
		}
		q.entries[msg.LocalID] = &queueEntry{msg: msg, seq: q.nextSeq, rev: q.nextRev}
		q.nextSeq++
		q.nextRev++
		n++
	}
	snapshot, subs := q.snapshotLocked(), q.queueSubsLocked()
	q.mu.Unlock()

	q.logger.Info("offline queue loaded", ports.Int("entries", n), ports.Int("skipped", len(kvs)-len(loaded)))
	if n > 0 {
		q.notify(snapshot, subs)
	}
	return n, nil
}

// Add enqueues msg. A message with a LocalID already in the queue replaces
// it in place: same position, retry count reset. Storage failures are
// logged, not returned.
func (q *OfflineMessageQueue) Add(ctx context.Context, msg domain.OutgoingMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	q.emitMu.Lock()
	defer q.emitMu.Unlock()

	q.mu.Lock()
	e, replaced := q.entries[msg.LocalID]
	if replaced {
		e.msg.OutgoingMessage = msg
		e.msg.RetryCount = 0
	} else {
		e = &queueEntry{
			msg: domain.QueuedMessage{OutgoingMessage: msg, EnqueuedAt: q.now()},
			seq: q.nextSeq,
		}
		q.nextSeq++
		q.entries[msg.LocalID] = e
	}
	e.rev = q.nextRev
	q.nextRev++
	q.persistLocked(ctx, e.msg)
	snapshot, subs := q.snapshotLocked(), q.queueSubsLocked()
	q.mu.Unlock()

	q.logger.Debug("message queued",
		ports.String("room", msg.RoomID),
		ports.String("local_id", msg.LocalID),
		ports.Bool("replaced", replaced),
	)
	q.notify(snapshot, subs)
	return nil
}

// Queue returns the pending messages ordered by EnqueuedAt.
func (q *OfflineMessageQueue) Queue() []domain.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Len returns the number of pending messages.
func (q *OfflineMessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Subscribe registers fn for every content change and returns a function
// that removes it. fn runs synchronously and must not modify the queue.
func (q *OfflineMessageQueue) Subscribe(fn func([]domain.QueuedMessage)) func() {
	return q.register(func(id uint64) { q.subs[id] = fn }, func(id uint64) { delete(q.subs, id) })
}

// OnPermanentFailure registers fn for dead-lettered messages.
func (q *OfflineMessageQueue) OnPermanentFailure(fn func(domain.DeadLetter)) func() {
	return q.register(func(id uint64) { q.dead[id] = fn }, func(id uint64) { delete(q.dead, id) })
}

// OnDelivered registers fn for messages the writer accepted.
func (q *OfflineMessageQueue) OnDelivered(fn func(domain.QueuedMessage)) func() {
	return q.register(func(id uint64) { q.delivered[id] = fn }, func(id uint64) { delete(q.delivered, id) })
}

func (q *OfflineMessageQueue) register(add, remove func(id uint64)) func() {
	q.mu.Lock()
	id := q.nextSubID
	q.nextSubID++
	add(id)
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			remove(id)
			q.mu.Unlock()
		})
	}
}

// Trigger asks a running Run loop to flush now. It never blocks.
func (q *OfflineMessageQueue) Trigger() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Flush attempts delivery of the messages queued when the pass starts.
// Concurrent calls return immediately with Skipped set.
func (q *OfflineMessageQueue) Flush(ctx context.Context) FlushResult {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return FlushResult{Skipped: true}
	}
	q.flushing = true
	batch := q.sortedEntriesLocked()
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	var res FlushResult
	blocked := make(map[string]bool)
	for _, e := range batch {
		if ctx.Err() != nil {
			break
		}
		if blocked[e.msg.RoomID] {
			continue
		}

		res.Attempted++
		start := time.Now()
		err := q.writer.Write(ctx, e.msg)
		if err == nil {
			res.Delivered++
			q.complete(ctx, e, time.Since(start))
			continue
		}
		if ctx.Err() != nil {
			// Shutdown, not a delivery failure.
			res.Attempted--
			break
		}

		blocked[e.msg.RoomID] = true
		res.Failed++
		if q.fail(ctx, e, err) {
			res.DeadLettered++
		}
	}

	if res.Attempted > 0 {
		q.logger.Info("offline queue flushed",
			ports.Int("attempted", res.Attempted),
			ports.Int("delivered", res.Delivered),
			ports.Int("failed", res.Failed),
			ports.Int("dead_lettered", res.DeadLettered),
		)
	}
	return res
}

// complete removes a delivered entry unless it was replaced meanwhile.
func (q *OfflineMessageQueue) complete(ctx context.Context, sent queueEntry, took time.Duration) {
	q.emitMu.Lock()
	q.mu.Lock()
	changed := false
	if cur, ok := q.entries[sent.msg.LocalID]; ok && cur.rev == sent.rev {
		delete(q.entries, sent.msg.LocalID)
		q.deleteLocked(ctx, sent.msg.LocalID)
		changed = true
	}
	snapshot, subs := q.snapshotLocked(), q.queueSubsLocked()
	delivered := q.deliveredSubsLocked()
	q.mu.Unlock()

	q.emitter.OnDelivered(sent.msg, took)
	if changed {
		q.notify(snapshot, subs)
	}
	q.emitMu.Unlock()

	for _, fn := range delivered {
		fn(sent.msg)
	}
}

// fail records a failed attempt. It reports whether the message was
// dead-lettered.
func (q *OfflineMessageQueue) fail(ctx context.Context, sent queueEntry, cause error) bool {
	permanent := errors.Is(cause, domain.ErrPermanent)

	q.emitMu.Lock()
	q.mu.Lock()
	cur, ok := q.entries[sent.msg.LocalID]
	if !ok || cur.rev != sent.rev {
		q.mu.Unlock()
		q.emitMu.Unlock()
		q.emitter.OnDeliveryFailed(sent.msg, cause, !permanent)
		return false
	}

	cur.msg.RetryCount++
	var dl *domain.DeadLetter
	if permanent || cur.msg.RetryCount >= q.maxAttempts {
		delete(q.entries, cur.msg.LocalID)
		q.deleteLocked(ctx, cur.msg.LocalID)
		dl = &domain.DeadLetter{Message: cur.msg, Reason: cause.Error(), FailedAt: q.now()}
	} else {
		q.persistLocked(ctx, cur.msg)
	}
	msg := cur.msg
	snapshot, subs := q.snapshotLocked(), q.queueSubsLocked()
	dead := q.deadSubsLocked()
	q.mu.Unlock()

	q.emitter.OnDeliveryFailed(msg, cause, !permanent)
	q.logger.Warn("message delivery failed",
		ports.String("room", msg.RoomID),
		ports.String("local_id", msg.LocalID),
		ports.Int("retry_count", msg.RetryCount),
		ports.Bool("permanent", permanent),
		ports.Err(cause),
	)
	q.notify(snapshot, subs)
	q.emitMu.Unlock()

	if dl == nil {
		return false
	}
	q.logger.Error("message dead-lettered",
		ports.String("room", msg.RoomID),
		ports.String("local_id", msg.LocalID),
		ports.String("reason", dl.Reason),
	)
	q.emitter.OnDeadLetter(*dl)
	for _, fn := range dead {
		fn(*dl)
	}
	return true
}

// Run flushes on Trigger and on a backstop timer until ctx is done.
// After a pass with failures the backstop period backs off up to MaxBackoff.
func (q *OfflineMessageQueue) Run(ctx context.Context) error {
	b := newBackoff(q.cfg.FlushInterval, q.cfg.MaxBackoff)
	timer := time.NewTimer(q.cfg.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		q.mu.Lock()
		online := q.online
		q.mu.Unlock()

		next := q.cfg.FlushInterval
		if online() {
			res := q.Flush(ctx)
			if res.Failed > 0 {
				next = b.Next()
			} else if !res.Skipped {
				b.Reset()
			}
		}
		timer.Reset(next)
	}
}

func (q *OfflineMessageQueue) persistLocked(ctx context.Context, msg domain.QueuedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		q.logger.Error("encode queue entry", ports.String("local_id", msg.LocalID), ports.Err(err))
		return
	}
	if err := q.storage.Set(ctx, q.cfg.KeyPrefix+msg.LocalID, data); err != nil {
		q.logger.Error("persist queue entry", ports.String("local_id", msg.LocalID), ports.Err(err))
	}
}

func (q *OfflineMessageQueue) deleteLocked(ctx context.Context, localID string) {
	if err := q.storage.Delete(ctx, q.cfg.KeyPrefix+localID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		q.logger.Error("delete queue entry", ports.String("local_id", localID), ports.Err(err))
	}
}

func (q *OfflineMessageQueue) sortedEntriesLocked() []queueEntry {
	out := make([]queueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.msg.EnqueuedAt.Equal(b.msg.EnqueuedAt) {
			return a.msg.EnqueuedAt.Before(b.msg.EnqueuedAt)
		}
		return a.seq < b.seq
	})
	return out
}

func (q *OfflineMessageQueue) snapshotLocked() []domain.QueuedMessage {
	entries := q.sortedEntriesLocked()
	out := make([]domain.QueuedMessage, len(entries))
	for i, e := range entries {
		out[i] = cloneQueued(e.msg)
	}
	return out
}

func (q *OfflineMessageQueue) queueSubsLocked() []func([]domain.QueuedMessage) {
	return orderedValues(q.subs)
}

func (q *OfflineMessageQueue) deadSubsLocked() []func(domain.DeadLetter) {
	return orderedValues(q.dead)
}

func (q *OfflineMessageQueue) deliveredSubsLocked() []func(domain.QueuedMessage) {
	return orderedValues(q.delivered)
}

func (q *OfflineMessageQueue) notify(snapshot []domain.QueuedMessage, subs []func([]domain.QueuedMessage)) {
	q.emitter.OnQueueLength(len(snapshot))
	for _, fn := range subs {
		fn(snapshot)
	}
}

func cloneQueued(m domain.QueuedMessage) domain.QueuedMessage {
	if m.Payload.Attachments != nil {
		m.Payload.Attachments = append([]domain.Attachment(nil), m.Payload.Attachments...)
	}
	return m
}

func localIDFromKey(prefix, key string) (string, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return strings.TrimPrefix(key, prefix), true
}

// orderedValues returns map values ordered by key.
func orderedValues[T any](m map[uint64]T) []T {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

type nopQueueEmitter struct{}

func (nopQueueEmitter) OnQueueLength(int)                                  {}
func (nopQueueEmitter) OnDelivered(domain.QueuedMessage, time.Duration)    {}
func (nopQueueEmitter) OnDeliveryFailed(domain.QueuedMessage, error, bool) {}
func (nopQueueEmitter) OnDeadLetter(domain.DeadLetter)                     {}
