package chatsync

// Option configures optional behavior of a Client.
type Option func(*options)

type options struct {
	httpClient   HTTPClient
	logger       Logger
	storage      LocalStorage
	realtime     RealtimeStore
	broadcaster  Broadcaster
	writer       MessageWriter
	network      NetworkInfo
	source       ConnectivitySource
	eventHandler EventHandler
	metrics      *Metrics
	plugins      []Plugin
}

// WithHTTPClient sets the HTTP client of the default message writer.
func WithHTTPClient(client HTTPClient) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithLogger sets a custom logger for structured logging.
// If not provided, a no-op logger is used (no output).
func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLocalStorage sets where the offline queue persists messages.
// Without it the queue lives in memory and is lost on exit.
func WithLocalStorage(s LocalStorage) Option {
	return func(o *options) {
		o.storage = s
	}
}

// WithRealtimeStore sets the store presence is written to. Without it
// presence is kept in a process-local store.
func WithRealtimeStore(s RealtimeStore) Option {
	return func(o *options) {
		o.realtime = s
	}
}

// WithBroadcaster sets the channel shared with sibling sessions. Without
// it tab sync is disabled.
func WithBroadcaster(b Broadcaster) Option {
	return func(o *options) {
		o.broadcaster = b
	}
}

// WithMessageWriter replaces the HTTP message writer.
func WithMessageWriter(w MessageWriter) Option {
	return func(o *options) {
		o.writer = w
	}
}

// WithNetworkInfo sets the source of link quality.
func WithNetworkInfo(n NetworkInfo) Option {
	return func(o *options) {
		o.network = n
	}
}

// WithConnectivitySource sets what drives online and offline signals while
// the client runs. A source that also implements NetworkInfo is used for
// link quality unless WithNetworkInfo is given.
func WithConnectivitySource(s ConnectivitySource) Option {
	return func(o *options) {
		o.source = s
	}
}

// WithEventHandler sets a handler for client events.
func WithEventHandler(handler EventHandler) Option {
	return func(o *options) {
		o.eventHandler = handler
	}
}

// WithMetrics records client activity in m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithPlugin registers a plugin to be initialized when the client starts.
func WithPlugin(plugin Plugin) Option {
	return func(o *options) {
		o.plugins = append(o.plugins, plugin)
	}
}
