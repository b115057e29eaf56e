package cliconfig

import (
	"io"

	"github.com/bft-labs/chatsync/pkg/chatsync"
	"github.com/bft-labs/chatsync/pkg/log"
)

// Policy returns the runtime-adjustable tunables.
func (c Config) Policy() chatsync.Policy {
	return chatsync.Policy{
		MaxAttempts:        c.MaxAttempts,
		SlowEffectiveTypes: append([]string(nil), c.SlowEffectiveTypes...),
		SlowDownlinkMbps:   c.SlowDownlinkMbps,
	}
}

// ClientConfig converts the CLI configuration into a client configuration.
func (c Config) ClientConfig() chatsync.Config {
	return chatsync.Config{
		UserID:        c.UserID,
		TabID:         c.TabID,
		ServiceURL:    c.ServiceURL,
		AuthKey:       c.AuthKey,
		HTTPTimeout:   c.HTTPTimeout,
		Policy:        c.Policy(),
		FlushInterval: c.FlushInterval,
		MaxBackoff:    c.MaxBackoff,
	}
}

// Logger returns a console logger writing to w at the configured level.
func (c Config) Logger(w io.Writer) *log.ZerologAdapter {
	return log.NewZerologAdapter(w, c.LogLevel)
}
