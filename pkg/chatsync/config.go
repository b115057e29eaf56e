package chatsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/bft-labs/chatsync/internal/app"
	"github.com/bft-labs/chatsync/internal/domain"
)

// Policy holds the tunables that can change while a client runs.
type Policy struct {
	// MaxAttempts is the number of delivery attempts before a queued
	// message is dead-lettered.
	MaxAttempts int
	// SlowEffectiveTypes are link types that always count as slow.
	SlowEffectiveTypes []string
	// SlowDownlinkMbps marks a link slow below this downlink. Zero
	// disables the check.
	SlowDownlinkMbps float64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	slow := app.DefaultSlowPolicy()
	return Policy{
		MaxAttempts:        app.DefaultMaxAttempts,
		SlowEffectiveTypes: slow.SlowEffectiveTypes,
		SlowDownlinkMbps:   slow.SlowDownlinkMbps,
	}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", domain.ErrInvalidConfig)
	}
	if p.SlowDownlinkMbps < 0 {
		return fmt.Errorf("%w: slow downlink must not be negative", domain.ErrInvalidConfig)
	}
	return nil
}

func (p Policy) slowPolicy() app.SlowPolicy {
	return app.SlowPolicy{
		SlowEffectiveTypes: append([]string(nil), p.SlowEffectiveTypes...),
		SlowDownlinkMbps:   p.SlowDownlinkMbps,
	}
}

// Config configures a Client.
type Config struct {
	// UserID is announced online on Start and stamped on sent messages.
	// Empty skips presence.
	UserID string

	// TabID identifies this session among its siblings. Generated when
	// empty.
	TabID string

	// ServiceURL and AuthKey address the message service used by the
	// default HTTP writer. ServiceURL is required unless a writer is
	// injected with WithMessageWriter.
	ServiceURL  string
	AuthKey     string
	HTTPTimeout time.Duration

	Policy Policy

	// FlushInterval is the backstop period between queue flushes.
	FlushInterval time.Duration
	// MaxBackoff caps the backstop period after failing flushes.
	MaxBackoff time.Duration

	// TabChannel is the broadcast channel shared by sibling sessions.
	TabChannel string
	// PresenceRoot is the parent path of presence records.
	PresenceRoot string
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.Policy.MaxAttempts == 0 && c.Policy.SlowEffectiveTypes == nil && c.Policy.SlowDownlinkMbps == 0 {
		c.Policy = DefaultPolicy()
	}
	if c.Policy.MaxAttempts == 0 {
		c.Policy.MaxAttempts = app.DefaultMaxAttempts
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = app.DefaultFlushInterval
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = app.DefaultMaxBackoff
	}
	if c.TabChannel == "" {
		c.TabChannel = app.DefaultTabChannel
	}
	if c.PresenceRoot == "" {
		c.PresenceRoot = "presence"
	}
	c.ServiceURL = strings.TrimRight(c.ServiceURL, "/")
}

// Validate checks the configuration. Call SetDefaults first.
func (c *Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.MaxBackoff < c.FlushInterval {
		return fmt.Errorf("%w: max backoff below flush interval", domain.ErrInvalidConfig)
	}
	if strings.Contains(c.PresenceRoot, "/") {
		return fmt.Errorf("%w: presence root must be a single path segment", domain.ErrInvalidConfig)
	}
	return nil
}
