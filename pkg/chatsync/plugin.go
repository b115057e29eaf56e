package chatsync

import "context"

// Plugin extends a Client with optional behavior. Plugins are initialized
// in registration order at the end of Start and shut down in reverse order
// by Stop.
type Plugin interface {
	Name() string
	Initialize(ctx context.Context, cfg PluginConfig) error
	Shutdown(ctx context.Context) error
}

// PluginConfig is handed to plugins on Initialize.
type PluginConfig struct {
	UserID string
	TabID  string
	Logger Logger
	// Client is the running client. Plugins may call its exported
	// methods, including UpdatePolicy.
	Client *Client
}
