package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	httpAdapter "github.com/bft-labs/chatsync/internal/adapters/http"
	"github.com/bft-labs/chatsync/internal/adapters/memory"
	"github.com/bft-labs/chatsync/internal/app"
	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/internal/ports"
	"github.com/bft-labs/chatsync/pkg/log"
)

// presenceTimeout bounds the presence writes made by Start and Stop.
const presenceTimeout = 10 * time.Second

// Client is one user session: connection tracking, the offline queue, tab
// sync and presence, wired together.
type Client struct {
	config    Config
	opts      options
	lifecycle *app.Lifecycle
	logger    ports.Logger
	emitter   *eventEmitterWrapper

	conn     *app.ConnectionManager
	queue    *app.OfflineMessageQueue
	tabs     *app.TabSyncService
	presence *app.PresenceManager
	writer   ports.MessageWriter
	storage  ports.LocalStorage
	// ownedStorage is closed by Stop because New created it.
	ownedStorage bool

	mu     sync.Mutex
	used   bool
	unsubs []func()

	policyMu sync.Mutex
	policy   Policy
}

// New creates a client in StateStopped. Call Start to go online.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.SetDefaults()

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	if o.writer == nil && cfg.ServiceURL == "" {
		return nil, fmt.Errorf("%w: service URL is required without a message writer", domain.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	if cfg.TabID == "" {
		cfg.TabID = uuid.NewString()
	}

	emitter := &eventEmitterWrapper{handler: o.eventHandler, metrics: o.metrics}

	c := &Client{
		config:    cfg,
		opts:      o,
		lifecycle: app.NewLifecycle(logger, emitter),
		logger:    logger,
		emitter:   emitter,
		policy:    cfg.Policy,
	}

	c.storage = o.storage
	if c.storage == nil {
		logger.Warn("no local storage configured, queued messages will not survive a restart")
		c.storage = memory.NewStorage()
		c.ownedStorage = true
	}

	c.writer = o.writer
	if c.writer == nil {
		httpClient := o.httpClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
		}
		c.writer = httpAdapter.NewMessageWriter(httpClient, httpAdapter.WriterConfig{
			ServiceURL: cfg.ServiceURL,
			AuthKey:    cfg.AuthKey,
		}, logger)
	}

	network := o.network
	if network == nil {
		if n, ok := o.source.(ports.NetworkInfo); ok {
			network = n
		}
	}
	c.conn = app.NewConnectionManager(network, cfg.Policy.slowPolicy(), logger)

	c.queue = app.NewOfflineMessageQueue(c.storage, c.writer, app.QueueConfig{
		MaxAttempts:   cfg.Policy.MaxAttempts,
		FlushInterval: cfg.FlushInterval,
		MaxBackoff:    cfg.MaxBackoff,
	}, logger, emitter)
	c.queue.SetOnlineCheck(func() bool { return c.conn.State().IsOnline })

	c.tabs = app.NewTabSyncService(cfg.TabID, o.broadcaster, cfg.TabChannel, logger, emitter)

	realtime := o.realtime
	if realtime == nil {
		logger.Debug("no realtime store configured, presence is process-local")
		realtime = memory.NewRealtimeServer().Connect(cfg.TabID)
	}
	c.presence = app.NewPresenceManager(realtime, c.conn, app.PresenceConfig{
		Root: cfg.PresenceRoot,
	}, logger, emitter)

	return c, nil
}

// Start loads the persisted queue, wires the components together and goes
// online. It returns once the background workers are running.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.used {
		if c.lifecycle.CanStop() {
			return domain.ErrAlreadyRunning
		}
		return domain.ErrClosed
	}
	if err := c.lifecycle.TransitionTo(app.StateStarting, "Start() called"); err != nil {
		return err
	}
	c.used = true

	runCtx, cancel := context.WithCancel(context.Background())
	c.lifecycle.SetCancel(cancel)

	n, err := c.queue.Load(ctx)
	if err != nil {
		c.logger.Error("load offline queue failed", ports.Err(err))
		c.abortStart(cancel, "queue load failed")
		return err
	}
	c.logger.Info("offline queue loaded", ports.Int("messages", n))

	c.wire()

	c.lifecycle.Go("flusher", func() {
		if err := c.queue.Run(runCtx); err != nil {
			c.logger.Error("flusher stopped", ports.Err(err))
		}
	})
	if c.opts.source != nil {
		c.lifecycle.Go("connectivity", func() {
			if err := c.opts.source.Run(runCtx, c.conn); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("connectivity source stopped", ports.Err(err))
			}
		})
	}

	if c.config.UserID != "" {
		pctx, pcancel := context.WithTimeout(ctx, presenceTimeout)
		err := c.presence.GoOnline(pctx, c.config.UserID)
		pcancel()
		if err != nil {
			c.logger.Error("presence start failed", ports.Err(err))
			c.abortStart(cancel, "presence start failed")
			return err
		}
	}

	pluginCfg := PluginConfig{
		UserID: c.config.UserID,
		TabID:  c.config.TabID,
		Logger: c.logger,
		Client: c,
	}
	for i, p := range c.opts.plugins {
		if err := p.Initialize(runCtx, pluginCfg); err != nil {
			c.logger.Error("plugin initialization failed",
				ports.String("plugin", p.Name()),
				ports.Err(err))
			c.shutdownPlugins(c.opts.plugins[:i])
			c.abortStart(cancel, "plugin init failed: "+p.Name())
			return err
		}
		c.logger.Info("plugin initialized", ports.String("plugin", p.Name()))
	}

	if c.conn.State().IsOnline && c.queue.Len() > 0 {
		c.queue.Trigger()
	}
	return c.lifecycle.TransitionTo(app.StateRunning, "components started")
}

// wire subscribes the components to each other. Requires mu.
func (c *Client) wire() {
	h := c.opts.eventHandler
	m := c.opts.metrics

	wasOnline := c.conn.State().IsOnline
	var onlineMu sync.Mutex
	c.unsubs = append(c.unsubs, c.conn.Subscribe(func(s domain.ConnectionState) {
		onlineMu.Lock()
		recovered := s.IsOnline && !wasOnline
		wasOnline = s.IsOnline
		onlineMu.Unlock()

		if recovered {
			c.queue.Trigger()
		}
		if m != nil {
			m.OnConnection(s)
		}
		if h != nil {
			h.OnConnectionChange(s)
		}
	}))
	if m != nil {
		m.OnConnection(c.conn.State())
		m.OnQueueLength(c.queue.Len())
	}

	c.unsubs = append(c.unsubs, c.queue.OnDelivered(func(msg domain.QueuedMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		c.tabs.BroadcastNewMessage(ctx, msg.RoomID, msg.OutgoingMessage)
		if h != nil {
			h.OnDelivered(msg)
		}
	}))

	c.unsubs = append(c.unsubs, c.queue.OnPermanentFailure(func(dl domain.DeadLetter) {
		c.logger.Warn("message dead-lettered",
			ports.String("room", dl.Message.RoomID),
			ports.String("local_id", dl.Message.LocalID),
			ports.String("reason", dl.Reason))
		if h != nil {
			h.OnDeadLetter(dl)
		}
	}))

	if h == nil {
		return
	}
	c.unsubs = append(c.unsubs, c.queue.Subscribe(h.OnQueueChange))
	for _, t := range []domain.TabEventType{domain.TabEventNewMessage, domain.TabEventMessageDeleted, domain.TabEventMessageEdited} {
		c.unsubs = append(c.unsubs, c.tabs.Subscribe(t, h.OnTabEvent))
	}
}

func (c *Client) abortStart(cancel context.CancelFunc, reason string) {
	cancel()
	c.unwire()
	_ = c.lifecycle.WaitWithTimeout(app.ShutdownTimeout)
	ctx, pcancel := context.WithTimeout(context.Background(), presenceTimeout)
	c.presence.Disconnect(ctx)
	pcancel()
	c.tabs.Close()
	c.closeStorage()
	_ = c.lifecycle.TransitionTo(app.StateCrashed, reason)
}

func (c *Client) unwire() {
	for _, u := range c.unsubs {
		u()
	}
	c.unsubs = nil
}

// Stop takes the user offline, closes tab sync, stops the workers and
// shuts plugins down. Returns ErrShutdownTimeout if workers do not exit in
// time.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.lifecycle.CanStop() {
		c.mu.Unlock()
		return domain.ErrNotRunning
	}
	if err := c.lifecycle.TransitionTo(app.StateStopping, "Stop() called"); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.shutdownPlugins(c.opts.plugins)

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	c.presence.Disconnect(ctx)
	cancel()
	c.tabs.Close()

	c.lifecycle.Cancel()
	err := c.lifecycle.WaitWithTimeout(app.ShutdownTimeout)

	c.mu.Lock()
	c.unwire()
	c.mu.Unlock()

	c.closeStorage()

	if err != nil {
		_ = c.lifecycle.TransitionTo(app.StateCrashed, "shutdown timeout")
	} else {
		_ = c.lifecycle.TransitionTo(app.StateStopped, "graceful shutdown")
	}
	return err
}

func (c *Client) closeStorage() {
	if !c.ownedStorage {
		return
	}
	if err := c.storage.Close(); err != nil {
		c.logger.Warn("close local storage", ports.Err(err))
	}
}

func (c *Client) shutdownPlugins(plugins []Plugin) {
	ctx := context.Background()
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		if err := p.Shutdown(ctx); err != nil {
			c.logger.Error("plugin shutdown failed",
				ports.String("plugin", p.Name()),
				ports.Err(err))
		} else {
			c.logger.Info("plugin shutdown complete", ports.String("plugin", p.Name()))
		}
	}
}

// Send queues a message for roomID and returns its local id. Delivery is
// attempted right away when online and retried from the queue otherwise.
func (c *Client) Send(ctx context.Context, roomID, text string, attachments []Attachment) (string, error) {
	localID := ksuid.New().String()
	msg := domain.OutgoingMessage{
		RoomID:  roomID,
		LocalID: localID,
		Payload: domain.MessagePayload{
			AuthorID:    c.config.UserID,
			Text:        text,
			Attachments: attachments,
		},
	}
	if err := c.Enqueue(ctx, msg); err != nil {
		return "", err
	}
	return localID, nil
}

// Enqueue queues a caller-built message. Re-enqueueing a local id replaces
// the pending copy.
func (c *Client) Enqueue(ctx context.Context, msg OutgoingMessage) error {
	if err := c.queue.Add(ctx, msg); err != nil {
		return err
	}
	if c.lifecycle.State() == app.StateRunning && c.conn.State().IsOnline {
		c.queue.Trigger()
	}
	return nil
}

// DeleteMessage removes a delivered message remotely and tells sibling
// sessions.
func (c *Client) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	if roomID == "" || messageID == "" {
		return domain.ErrInvalidMessage
	}
	if err := c.writer.Delete(ctx, roomID, messageID); err != nil {
		return err
	}
	c.tabs.BroadcastMessageDeleted(ctx, roomID, messageID)
	return nil
}

// AnnounceEdit tells sibling sessions that a message changed.
func (c *Client) AnnounceEdit(ctx context.Context, roomID string, message any) {
	c.tabs.BroadcastMessageEdited(ctx, roomID, message)
}

// UpdatePolicy applies new tunables to the running components.
func (c *Client) UpdatePolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.policyMu.Lock()
	c.policy = p
	c.policyMu.Unlock()

	c.queue.SetMaxAttempts(p.MaxAttempts)
	c.conn.SetSlowPolicy(p.slowPolicy())
	c.logger.Info("policy updated",
		ports.Int("max_attempts", p.MaxAttempts),
		ports.Strings("slow_effective_types", p.SlowEffectiveTypes),
		ports.Float64("slow_downlink_mbps", p.SlowDownlinkMbps))
	return nil
}

// Policy returns the active tunables.
func (c *Client) Policy() Policy {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()
	return c.policy
}

// Flush runs one delivery pass now.
func (c *Client) Flush(ctx context.Context) FlushResult {
	return c.queue.Flush(ctx)
}

// Connection returns the connection manager. Hosts without a
// ConnectivitySource drive it through its Handle methods.
func (c *Client) Connection() *app.ConnectionManager { return c.conn }

// Queue returns the offline message queue.
func (c *Client) Queue() *app.OfflineMessageQueue { return c.queue }

// TabSync returns the tab sync service.
func (c *Client) TabSync() *app.TabSyncService { return c.tabs }

// Presence returns the presence manager.
func (c *Client) Presence() *app.PresenceManager { return c.presence }

// State returns the current lifecycle state.
func (c *Client) State() State {
	return convertState(c.lifecycle.State())
}

// Status is a point-in-time summary of a client.
type Status struct {
	State          string          `json:"state"`
	UserID         string          `json:"userId"`
	TabID          string          `json:"tabId"`
	Connection     ConnectionState `json:"connection"`
	QueueLength    int             `json:"queueLength"`
	Presence       string          `json:"presence"`
	TabSyncEnabled bool            `json:"tabSyncEnabled"`
}

// Status returns a snapshot of every component.
func (c *Client) Status() Status {
	return Status{
		State:          c.State().String(),
		UserID:         c.config.UserID,
		TabID:          c.config.TabID,
		Connection:     c.conn.State(),
		QueueLength:    c.queue.Len(),
		Presence:       string(c.presence.State()),
		TabSyncEnabled: c.tabs.Enabled(),
	}
}
