package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/chatsync/internal/adapters/memory"
	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/internal/ports"
	"github.com/bft-labs/chatsync/pkg/log"
)

// orderingStore wraps a RealtimeStore and records the call sequence.
type orderingStore struct {
	ports.RealtimeStore
	mu    sync.Mutex
	calls []string
}

func (s *orderingStore) Write(ctx context.Context, path string, value []byte) error {
	var ps domain.PresenceState
	_ = json.Unmarshal(value, &ps)
	s.mu.Lock()
	s.calls = append(s.calls, "write:"+string(ps.State))
	s.mu.Unlock()
	return s.RealtimeStore.Write(ctx, path, value)
}

func (s *orderingStore) OnDisconnect(ctx context.Context, path string, fallback []byte) (ports.DisconnectHook, error) {
	s.mu.Lock()
	s.calls = append(s.calls, "hook")
	s.mu.Unlock()
	return s.RealtimeStore.OnDisconnect(ctx, path, fallback)
}

func readPresence(t *testing.T, srv *memory.RealtimeServer, userID string) domain.PresenceStatus {
	t.Helper()
	raw, ok := srv.Read("presence/" + userID)
	if !ok {
		return ""
	}
	var ps domain.PresenceState
	require.NoError(t, json.Unmarshal(raw, &ps))
	return ps.State
}

func newTestPresence(store ports.RealtimeStore, conn *ConnectionManager) *PresenceManager {
	return NewPresenceManager(store, conn, PresenceConfig{}, log.NewNoopLogger(), nil)
}

func TestPresence_GoOnlineRegistersFallbackFirst(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewRealtimeServer()
	store := &orderingStore{RealtimeStore: srv.Connect("c1")}
	pm := newTestPresence(store, newTestConnection(nil))

	require.NoError(t, pm.GoOnline(ctx, "u1"))

	assert.Equal(t, []string{"hook", "write:online"}, store.calls)
	assert.Equal(t, PresenceOnline, pm.State())
	assert.Equal(t, domain.PresenceOnline, readPresence(t, srv, "u1"))
}

func TestPresence_GoOnlineRejectsEmptyUser(t *testing.T) {
	pm := newTestPresence(memory.NewRealtimeServer().Connect("c1"), nil)
	assert.ErrorIs(t, pm.GoOnline(context.Background(), ""), domain.ErrInvalidUser)
}

func TestPresence_GoOfflineWritesAndCancelsHook(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewRealtimeServer()
	conn := srv.Connect("c1")
	pm := newTestPresence(conn, nil)

	require.NoError(t, pm.GoOnline(ctx, "u1"))
	require.Equal(t, 1, conn.PendingHooks())

	pm.GoOffline(ctx)

	assert.Equal(t, PresenceDisconnected, pm.State())
	assert.Equal(t, domain.PresenceOffline, readPresence(t, srv, "u1"))
	assert.Zero(t, conn.PendingHooks())
}

func TestPresence_RepeatedGoOnlineKeepsOneHook(t *testing.T) {
	ctx := context.Background()
	conn := memory.NewRealtimeServer().Connect("c1")
	pm := newTestPresence(conn, nil)

	require.NoError(t, pm.GoOnline(ctx, "u1"))
	require.NoError(t, pm.GoOnline(ctx, "u1"))

	assert.Equal(t, 1, conn.PendingHooks())
}

func TestPresence_SwitchingUserTakesPreviousOffline(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewRealtimeServer()
	pm := newTestPresence(srv.Connect("c1"), nil)

	require.NoError(t, pm.GoOnline(ctx, "u1"))
	require.NoError(t, pm.GoOnline(ctx, "u2"))

	assert.Equal(t, domain.PresenceOffline, readPresence(t, srv, "u1"))
	assert.Equal(t, domain.PresenceOnline, readPresence(t, srv, "u2"))
	assert.Equal(t, "u2", pm.UserID())
}

func TestPresence_RemoteFailureIsLoggedNotReturned(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewRealtimeServer()
	conn := srv.Connect("c1")
	conn.FailWith(errors.New("permission denied"))
	pm := newTestPresence(conn, nil)

	require.NoError(t, pm.GoOnline(ctx, "u1"))
	assert.Equal(t, PresenceDisconnected, pm.State())
	assert.Empty(t, readPresence(t, srv, "u1"))
}

func TestPresence_SelfHealsAfterAbruptDisconnect(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewRealtimeServer()
	conn := srv.Connect("c1")
	cm := newTestConnection(nil)
	pm := newTestPresence(conn, cm)
	defer pm.Disconnect(ctx)

	require.NoError(t, pm.GoOnline(ctx, "u1"))

	// The server loses the connection and the browser goes offline.
	conn.Drop()
	cm.HandleOffline()
	assert.Equal(t, domain.PresenceOffline, readPresence(t, srv, "u1"))
	assert.Equal(t, PresenceDisconnected, pm.State())

	cm.HandleOnline()

	require.Eventually(t, func() bool {
		return readPresence(t, srv, "u1") == domain.PresenceOnline && pm.State() == PresenceOnline
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, conn.PendingHooks())
}

func TestPresence_NoReassertAfterGoOffline(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewRealtimeServer()
	cm := newTestConnection(nil)
	pm := newTestPresence(srv.Connect("c1"), cm)

	require.NoError(t, pm.GoOnline(ctx, "u1"))
	pm.GoOffline(ctx)

	cm.HandleOffline()
	cm.HandleOnline()
	pm.Disconnect(ctx) // waits for any background work

	assert.Equal(t, domain.PresenceOffline, readPresence(t, srv, "u1"))
}

func TestPresence_SubscribeToPresence(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewRealtimeServer()
	other := srv.Connect("c2")
	pm := newTestPresence(srv.Connect("c1"), nil)

	var mu sync.Mutex
	var maps []domain.PresenceMap
	unsubscribe, err := pm.SubscribeToPresence(ctx, func(m domain.PresenceMap) {
		mu.Lock()
		maps = append(maps, m)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, other.Write(ctx, "presence/garbage", []byte("nope")))
	require.NoError(t, pm.GoOnline(ctx, "u1"))
	unsubscribe()
	pm.GoOffline(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, maps, 3)
	assert.Empty(t, maps[0])
	assert.Empty(t, maps[1], "malformed records are skipped")
	assert.Equal(t, domain.PresenceOnline, maps[2]["u1"].State)
	assert.Equal(t, 1, maps[2].OnlineCount())
}

func TestPresence_DisconnectIdempotent(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewRealtimeServer()
	conn := srv.Connect("c1")
	cm := newTestConnection(nil)
	pm := newTestPresence(conn, cm)

	calls := 0
	_, err := pm.SubscribeToPresence(ctx, func(domain.PresenceMap) { calls++ })
	require.NoError(t, err)
	require.NoError(t, pm.GoOnline(ctx, "u1"))
	callsBefore := calls

	pm.Disconnect(ctx)
	pm.Disconnect(ctx)

	assert.Equal(t, domain.PresenceOffline, readPresence(t, srv, "u1"))
	assert.Zero(t, conn.PendingHooks())
	assert.Equal(t, callsBefore+1, calls, "subscribers see the offline write, then nothing")

	assert.ErrorIs(t, pm.GoOnline(ctx, "u1"), domain.ErrNotRunning)
	cm.HandleOffline()
	cm.HandleOnline()
	assert.Equal(t, domain.PresenceOffline, readPresence(t, srv, "u1"))
}

func TestPresence_DisconnectAfterConnectionLossWithdrawsRecord(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewRealtimeServer()
	conn := srv.Connect("c1")
	cm := newTestConnection(nil)
	pm := newTestPresence(conn, cm)

	require.NoError(t, pm.GoOnline(ctx, "u1"))
	cm.HandleOffline()
	require.Equal(t, PresenceDisconnected, pm.State())
	require.Equal(t, 1, conn.PendingHooks())

	pm.Disconnect(ctx)

	assert.Equal(t, domain.PresenceOffline, readPresence(t, srv, "u1"))
	assert.Zero(t, conn.PendingHooks())
	assert.Equal(t, PresenceDisconnected, pm.State())
}

func TestPresence_DisconnectAfterGoOfflineWritesNothing(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewRealtimeServer()
	store := &orderingStore{RealtimeStore: srv.Connect("c1")}
	pm := newTestPresence(store, nil)

	require.NoError(t, pm.GoOnline(ctx, "u1"))
	pm.GoOffline(ctx)
	pm.Disconnect(ctx)

	assert.Equal(t, []string{"hook", "write:online", "write:offline"}, store.calls)
}

func TestPresence_ReassertsWhenStoreReportsSessionLost(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewRealtimeServer()
	conn := srv.Connect("c1")
	cm := newTestConnection(nil)
	pm := newTestPresence(conn, cm)
	defer pm.Disconnect(ctx)

	require.NoError(t, pm.GoOnline(ctx, "u1"))

	// The server reaps the connection while the client stays online.
	conn.Expire()

	require.Eventually(t, func() bool {
		return readPresence(t, srv, "u1") == domain.PresenceOnline &&
			pm.State() == PresenceOnline &&
			conn.PendingHooks() == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, cm.State().IsOnline)
}

func TestPresence_SessionLostAfterGoOfflineStaysOffline(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewRealtimeServer()
	conn := srv.Connect("c1")
	pm := newTestPresence(conn, nil)

	require.NoError(t, pm.GoOnline(ctx, "u1"))
	pm.GoOffline(ctx)
	conn.Expire()
	pm.Disconnect(ctx) // waits for any background work

	assert.Equal(t, domain.PresenceOffline, readPresence(t, srv, "u1"))
	assert.Zero(t, conn.PendingHooks())
}
