package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/chatsync/internal/app"
	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/pkg/log"
)

func TestCollector_RecordsEvents(t *testing.T) {
	c := NewCollector()

	c.OnQueueLength(3)
	c.OnDelivered(domain.QueuedMessage{}, 20*time.Millisecond)
	c.OnDeliveryFailed(domain.QueuedMessage{}, errors.New("x"), true)
	c.OnDeliveryFailed(domain.QueuedMessage{}, errors.New("x"), false)
	c.OnDeadLetter(domain.DeadLetter{})
	c.OnTabEvent("out", domain.TabEventNewMessage)
	c.OnPresenceWrite(domain.PresenceOnline, nil)
	c.OnPresenceWrite(domain.PresenceOffline, errors.New("denied"))
	c.OnPresenceMap(domain.PresenceMap{
		"u1": {State: domain.PresenceOnline},
		"u2": {State: domain.PresenceOffline},
	})
	c.OnConnection(domain.ConnectionState{IsOnline: true, IsSlow: true, ReconnectAttempts: 2})
	c.OnStateChange(app.StateStarting, app.StateRunning, "")

	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueLength))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.delivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveryFailures.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveryFailures.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deadLettered))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tabEvents.WithLabelValues("out", "NEW_MESSAGE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.presenceWrites.WithLabelValues("online", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.presenceWrites.WithLabelValues("offline", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.presenceOnline))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connOnline))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connSlow))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.reconnectAttempts))
	assert.Equal(t, float64(app.StateRunning), testutil.ToFloat64(c.lifecycleState))
}

func TestHandler_Routes(t *testing.T) {
	c := NewCollector()
	c.OnQueueLength(7)
	h := NewHandler(c, func() any { return map[string]int{"queueLength": 7} })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatsync_queue_length 7")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 7, status["queueLength"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_StartShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewCollector(), nil, log.NewNoopLogger())
	addr, err := s.Start()
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	require.NoError(t, s.Shutdown(context.Background()))
}
