package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/chatsync/internal/adapters/memory"
	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/pkg/log"
)

// fakeWriter records writes and fails according to failFn.
type fakeWriter struct {
	mu      sync.Mutex
	writes  []domain.QueuedMessage
	deletes []string
	failFn  func(msg domain.QueuedMessage, attempt int) error
	block   chan struct{}
}

func (w *fakeWriter) Write(ctx context.Context, msg domain.QueuedMessage) error {
	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	attempt := 1
	for _, prev := range w.writes {
		if prev.LocalID == msg.LocalID {
			attempt++
		}
	}
	w.writes = append(w.writes, msg)
	fail := w.failFn
	w.mu.Unlock()

	if fail != nil {
		return fail(msg, attempt)
	}
	return nil
}

func (w *fakeWriter) Delete(_ context.Context, roomID, messageID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deletes = append(w.deletes, roomID+"/"+messageID)
	return nil
}

func (w *fakeWriter) writtenIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, len(w.writes))
	for i, m := range w.writes {
		ids[i] = m.LocalID
	}
	return ids
}

func (w *fakeWriter) attempts(localID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, m := range w.writes {
		if m.LocalID == localID {
			n++
		}
	}
	return n
}

var errTransient = errors.New("network unreachable")

// steppingClock returns strictly increasing timestamps.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestQueue(storage *memory.Storage, writer *fakeWriter) *OfflineMessageQueue {
	q := NewOfflineMessageQueue(storage, writer, QueueConfig{}, log.NewNoopLogger(), nil)
	q.now = steppingClock()
	return q
}

func msg(room, localID, text string) domain.OutgoingMessage {
	return domain.OutgoingMessage{
		RoomID:  room,
		LocalID: localID,
		Payload: domain.MessagePayload{AuthorID: "u1", Text: text},
	}
}

func localIDs(msgs []domain.QueuedMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.LocalID
	}
	return out
}

func TestQueue_AddValidates(t *testing.T) {
	q := newTestQueue(memory.NewStorage(), &fakeWriter{})

	assert.ErrorIs(t, q.Add(context.Background(), msg("", "l1", "x")), domain.ErrInvalidMessage)
	assert.ErrorIs(t, q.Add(context.Background(), msg("r1", "", "x")), domain.ErrInvalidMessage)
	assert.Zero(t, q.Len())
}

func TestQueue_AddPersistsAndNotifies(t *testing.T) {
	ctx := context.Background()
	storage := memory.NewStorage()
	q := newTestQueue(storage, &fakeWriter{})

	var snapshots [][]domain.QueuedMessage
	q.Subscribe(func(s []domain.QueuedMessage) { snapshots = append(snapshots, s) })

	require.NoError(t, q.Add(ctx, msg("r1", "l1", "hello")))

	require.Len(t, snapshots, 1)
	require.Len(t, snapshots[0], 1)
	assert.Zero(t, snapshots[0][0].RetryCount)
	assert.False(t, snapshots[0][0].EnqueuedAt.IsZero())

	raw, err := storage.Get(ctx, "queue/l1")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"text":"hello"`)
}

func TestQueue_OrderPreservedPerRoom(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{}
	q := newTestQueue(memory.NewStorage(), writer)

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Add(ctx, msg("r1", fmt.Sprintf("m%d", i), "x")))
	}

	res := q.Flush(ctx)
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, []string{"m1", "m2", "m3"}, writer.writtenIDs())
	assert.Zero(t, q.Len())
}

func TestQueue_FailureBlocksRoomButNotOthers(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{failFn: func(m domain.QueuedMessage, attempt int) error {
		if m.LocalID == "a1" && attempt == 1 {
			return errTransient
		}
		return nil
	}}
	q := newTestQueue(memory.NewStorage(), writer)

	require.NoError(t, q.Add(ctx, msg("roomA", "a1", "x")))
	require.NoError(t, q.Add(ctx, msg("roomB", "b1", "x")))
	require.NoError(t, q.Add(ctx, msg("roomA", "a2", "x")))

	res := q.Flush(ctx)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"a1", "b1"}, writer.writtenIDs(), "a2 must not overtake a1")

	pending := q.Queue()
	assert.Equal(t, []string{"a1", "a2"}, localIDs(pending))
	assert.Equal(t, 1, pending[0].RetryCount)

	res = q.Flush(ctx)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, []string{"a1", "b1", "a1", "a2"}, writer.writtenIDs())
}

func TestQueue_IdempotentAdd(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{failFn: func(domain.QueuedMessage, int) error { return errTransient }}
	q := newTestQueue(memory.NewStorage(), writer)

	require.NoError(t, q.Add(ctx, msg("r1", "l1", "first")))
	require.NoError(t, q.Add(ctx, msg("r1", "l2", "other")))
	q.Flush(ctx)
	require.Equal(t, 1, q.Queue()[0].RetryCount)
	enqueuedAt := q.Queue()[0].EnqueuedAt

	require.NoError(t, q.Add(ctx, msg("r1", "l1", "second")))

	pending := q.Queue()
	require.Len(t, pending, 2)
	assert.Equal(t, []string{"l1", "l2"}, localIDs(pending), "replacement keeps position")
	assert.Equal(t, "second", pending[0].Payload.Text)
	assert.Zero(t, pending[0].RetryCount)
	assert.Equal(t, enqueuedAt, pending[0].EnqueuedAt)
}

func TestQueue_ReplacedMessageDeliversLatestPayload(t *testing.T) {
	ctx := context.Background()
	storage := memory.NewStorage()
	writer := &fakeWriter{}
	q := newTestQueue(storage, writer)

	require.NoError(t, q.Add(ctx, msg("r1", "x", "first")))
	require.NoError(t, q.Add(ctx, msg("r1", "x", "second")))

	res := q.Flush(ctx)
	assert.Equal(t, 1, res.Delivered)

	writer.mu.Lock()
	written := append([]domain.QueuedMessage(nil), writer.writes...)
	writer.mu.Unlock()
	require.Len(t, written, 1)
	assert.Equal(t, "x", written[0].LocalID)
	assert.Equal(t, "second", written[0].Payload.Text)
	assert.Zero(t, q.Len())

	kvs, err := storage.List(ctx, "queue/")
	require.NoError(t, err)
	assert.Empty(t, kvs)
}

func TestQueue_RetryCeiling(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{failFn: func(domain.QueuedMessage, int) error { return errTransient }}
	q := newTestQueue(memory.NewStorage(), writer)

	var dead []domain.DeadLetter
	q.OnPermanentFailure(func(dl domain.DeadLetter) { dead = append(dead, dl) })

	require.NoError(t, q.Add(ctx, msg("r1", "l1", "x")))
	for i := 0; i < DefaultMaxAttempts+3; i++ {
		q.Flush(ctx)
	}

	assert.Equal(t, DefaultMaxAttempts, writer.attempts("l1"))
	require.Len(t, dead, 1)
	assert.Equal(t, "l1", dead[0].Message.LocalID)
	assert.Equal(t, DefaultMaxAttempts, dead[0].Message.RetryCount)
	assert.Contains(t, dead[0].Reason, "network unreachable")
	assert.Zero(t, q.Len())
}

func TestQueue_PermanentErrorDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{failFn: func(domain.QueuedMessage, int) error {
		return fmt.Errorf("status 403: %w", domain.ErrPermanent)
	}}
	storage := memory.NewStorage()
	q := newTestQueue(storage, writer)

	var dead []domain.DeadLetter
	q.OnPermanentFailure(func(dl domain.DeadLetter) { dead = append(dead, dl) })

	require.NoError(t, q.Add(ctx, msg("r1", "l1", "x")))
	res := q.Flush(ctx)

	assert.Equal(t, 1, res.DeadLettered)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, writer.attempts("l1"))
	_, err := storage.Get(ctx, "queue/l1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueue_ConcurrentFlushSkipped(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{block: make(chan struct{})}
	q := newTestQueue(memory.NewStorage(), writer)
	require.NoError(t, q.Add(ctx, msg("r1", "l1", "x")))

	done := make(chan FlushResult)
	go func() { done <- q.Flush(ctx) }()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.flushing
	}, time.Second, time.Millisecond)

	second := q.Flush(ctx)
	assert.True(t, second.Skipped)

	close(writer.block)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Delivered)
	assert.Equal(t, 1, writer.attempts("l1"))
}

func TestQueue_ReplacedDuringFlushIsKept(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{block: make(chan struct{})}
	q := newTestQueue(memory.NewStorage(), writer)
	require.NoError(t, q.Add(ctx, msg("r1", "l1", "v1")))

	done := make(chan FlushResult)
	go func() { done <- q.Flush(ctx) }()
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.flushing
	}, time.Second, time.Millisecond)

	require.NoError(t, q.Add(ctx, msg("r1", "l1", "v2")))
	close(writer.block)
	<-done

	pending := q.Queue()
	require.Len(t, pending, 1)
	assert.Equal(t, "v2", pending[0].Payload.Text)
}

func TestQueue_CancelDoesNotCountAsAttempt(t *testing.T) {
	writer := &fakeWriter{block: make(chan struct{})}
	q := newTestQueue(memory.NewStorage(), writer)
	require.NoError(t, q.Add(context.Background(), msg("r1", "l1", "x")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := q.Flush(ctx)

	assert.Zero(t, res.Failed)
	assert.Zero(t, q.Queue()[0].RetryCount)
}

func TestQueue_LoadRestoresAndSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	storage := memory.NewStorage()

	first := newTestQueue(storage, &fakeWriter{})
	require.NoError(t, first.Add(ctx, msg("r1", "l1", "a")))
	require.NoError(t, first.Add(ctx, msg("r1", "l2", "b")))
	require.NoError(t, storage.Set(ctx, "queue/broken", []byte("{not json")))
	require.NoError(t, storage.Set(ctx, "queue/mismatch", []byte(`{"roomId":"r1","localId":"other"}`)))

	second := newTestQueue(storage, &fakeWriter{})
	n, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"l1", "l2"}, localIDs(second.Queue()))
}

func TestQueue_StorageFailureIsNotReturned(t *testing.T) {
	ctx := context.Background()
	storage := memory.NewStorage()
	storage.FailWrites(errors.New("quota exceeded"))
	q := newTestQueue(storage, &fakeWriter{})

	require.NoError(t, q.Add(ctx, msg("r1", "l1", "x")))
	assert.Equal(t, 1, q.Len())
}

func TestQueue_OnDeliveredAndUnsubscribe(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(memory.NewStorage(), &fakeWriter{})

	var delivered []string
	unsubscribe := q.OnDelivered(func(m domain.QueuedMessage) { delivered = append(delivered, m.LocalID) })

	require.NoError(t, q.Add(ctx, msg("r1", "l1", "x")))
	q.Flush(ctx)
	unsubscribe()
	require.NoError(t, q.Add(ctx, msg("r1", "l2", "x")))
	q.Flush(ctx)

	assert.Equal(t, []string{"l1"}, delivered)
}

func TestQueue_RunFlushesOnTrigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := &fakeWriter{}
	q := NewOfflineMessageQueue(memory.NewStorage(), writer, QueueConfig{FlushInterval: time.Hour}, log.NewNoopLogger(), nil)
	require.NoError(t, q.Add(ctx, msg("r1", "l1", "x")))

	done := make(chan error)
	go func() { done <- q.Run(ctx) }()

	q.Trigger()
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestQueue_RunSkipsWhileOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := &fakeWriter{}
	q := NewOfflineMessageQueue(memory.NewStorage(), writer, QueueConfig{FlushInterval: 5 * time.Millisecond}, log.NewNoopLogger(), nil)
	var online sync.Map
	online.Store("v", false)
	q.SetOnlineCheck(func() bool { v, _ := online.Load("v"); return v.(bool) })
	require.NoError(t, q.Add(ctx, msg("r1", "l1", "x")))

	go func() { _ = q.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, writer.attempts("l1"))

	online.Store("v", true)
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
}
