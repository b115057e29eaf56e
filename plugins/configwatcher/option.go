package configwatcher

import "github.com/bft-labs/chatsync/pkg/chatsync"

// WithConfigWatcher returns a chatsync Option that reloads the policy when
// the config file changes.
//
// Usage:
//
//	client, err := chatsync.New(cfg,
//	    configwatcher.WithConfigWatcher(configwatcher.Config{
//	        Path:          "/etc/chatsync/config.toml",
//	        DebounceDelay: 100 * time.Millisecond,
//	    }),
//	)
func WithConfigWatcher(cfg Config) chatsync.Option {
	return chatsync.WithPlugin(New(cfg))
}

// WithDefaultConfigWatcher watches ~/.chatsync/config.toml.
func WithDefaultConfigWatcher() chatsync.Option {
	return WithConfigWatcher(DefaultConfig())
}
