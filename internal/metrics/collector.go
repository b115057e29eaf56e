// Package metrics exposes client activity as Prometheus metrics and
// serves them, together with a status document, over HTTP.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bft-labs/chatsync/internal/app"
	"github.com/bft-labs/chatsync/internal/domain"
)

const namespace = "chatsync"

// Collector implements the app event emitters on a private registry.
type Collector struct {
	registry *prometheus.Registry

	queueLength      prometheus.Gauge
	delivered        prometheus.Counter
	deliveryLatency  prometheus.Histogram
	deliveryFailures *prometheus.CounterVec
	deadLettered     prometheus.Counter

	connOnline        prometheus.Gauge
	connSlow          prometheus.Gauge
	reconnectAttempts prometheus.Gauge

	tabEvents      *prometheus.CounterVec
	presenceWrites *prometheus.CounterVec
	presenceOnline prometheus.Gauge

	lifecycleState prometheus.Gauge
}

// NewCollector creates a collector with Go runtime and process metrics
// registered alongside the client metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Messages waiting in the offline queue.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Queued messages confirmed by the remote store.",
		}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_delivery_seconds",
			Help:      "Duration of successful remote writes.",
			Buckets:   prometheus.DefBuckets,
		}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_delivery_failures_total",
			Help:      "Failed delivery attempts.",
		}, []string{"retryable"}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dead_lettered_total",
			Help:      "Messages dropped from the queue without delivery.",
		}),
		connOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_online",
			Help:      "1 when the client believes it is online.",
		}),
		connSlow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_slow",
			Help:      "1 when the link is online but slow.",
		}),
		reconnectAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_reconnect_attempts",
			Help:      "Reconnect attempts since the link was last online.",
		}),
		tabEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tab_events_total",
			Help:      "Tab sync events sent and received.",
		}, []string{"direction", "type"}),
		presenceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_writes_total",
			Help:      "Presence records written.",
		}, []string{"state", "result"}),
		presenceOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_online_users",
			Help:      "Users currently reported online.",
		}),
		lifecycleState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_state",
			Help:      "Client lifecycle state (0 stopped, 1 starting, 2 running, 3 stopping, 4 crashed).",
		}),
	}

	c.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		c.queueLength,
		c.delivered,
		c.deliveryLatency,
		c.deliveryFailures,
		c.deadLettered,
		c.connOnline,
		c.connSlow,
		c.reconnectAttempts,
		c.tabEvents,
		c.presenceWrites,
		c.presenceOnline,
		c.lifecycleState,
	)
	return c
}

// Registry returns the registry holding every metric.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) OnQueueLength(n int) { c.queueLength.Set(float64(n)) }

func (c *Collector) OnDelivered(_ domain.QueuedMessage, took time.Duration) {
	c.delivered.Inc()
	c.deliveryLatency.Observe(took.Seconds())
}

func (c *Collector) OnDeliveryFailed(_ domain.QueuedMessage, _ error, retryable bool) {
	c.deliveryFailures.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

func (c *Collector) OnDeadLetter(domain.DeadLetter) { c.deadLettered.Inc() }

func (c *Collector) OnTabEvent(direction string, eventType domain.TabEventType) {
	c.tabEvents.WithLabelValues(direction, string(eventType)).Inc()
}

func (c *Collector) OnPresenceWrite(state domain.PresenceStatus, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.presenceWrites.WithLabelValues(string(state), result).Inc()
}

func (c *Collector) OnPresenceMap(m domain.PresenceMap) {
	c.presenceOnline.Set(float64(m.OnlineCount()))
}

// OnConnection records a connection state snapshot.
func (c *Collector) OnConnection(s domain.ConnectionState) {
	c.connOnline.Set(boolGauge(s.IsOnline))
	c.connSlow.Set(boolGauge(s.IsSlow))
	c.reconnectAttempts.Set(float64(s.ReconnectAttempts))
}

func (c *Collector) OnStateChange(_, current app.State, _ string) {
	c.lifecycleState.Set(float64(current))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var (
	_ app.QueueEventEmitter    = (*Collector)(nil)
	_ app.TabEventEmitter      = (*Collector)(nil)
	_ app.PresenceEventEmitter = (*Collector)(nil)
	_ app.EventEmitter         = (*Collector)(nil)
)
