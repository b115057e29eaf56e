package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultServiceURL is the default endpoint of the message service.
const DefaultServiceURL = "http://localhost:8080"

// Storage backends accepted by --storage.
const (
	StoragePebble = "pebble"
	StorageFile   = "file"
	StorageMemory = "memory"
)

// Config holds CLI configuration for chatsync.
type Config struct {
	UserID string
	RoomID string
	TabID  string

	ServiceURL  string
	AuthKey     string
	HTTPTimeout time.Duration

	Storage string
	DataDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	FlushInterval      time.Duration
	MaxBackoff         time.Duration
	MaxAttempts        int
	SlowEffectiveTypes []string
	SlowDownlinkMbps   float64

	MetricsAddr string
	LogLevel    string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ServiceURL:         DefaultServiceURL,
		AuthKey:            os.Getenv("CHATSYNC_AUTH_KEY"),
		HTTPTimeout:        15 * time.Second,
		Storage:            StoragePebble,
		DataDir:            "", // Derived from the home directory during Validate
		RedisPrefix:        "chatsync",
		ProbeInterval:      5 * time.Second,
		ProbeTimeout:       3 * time.Second,
		FlushInterval:      30 * time.Second,
		MaxBackoff:         5 * time.Minute,
		MaxAttempts:        5,
		SlowEffectiveTypes: []string{"slow-2g", "2g"},
		SlowDownlinkMbps:   0.5,
		LogLevel:           "info",
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user is required")
	}
	if c.RoomID == "" {
		return fmt.Errorf("room is required")
	}

	switch c.Storage {
	case StoragePebble, StorageFile:
		if c.DataDir == "" {
			h, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("data-dir is required: %w", err)
			}
			c.DataDir = filepath.Join(h, ".chatsync", "data")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage %q (want pebble, file or memory)", c.Storage)
	}

	if c.ServiceURL == "" {
		c.ServiceURL = DefaultServiceURL
	}
	c.ServiceURL = strings.TrimRight(c.ServiceURL, "/")

	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if c.MaxBackoff < c.FlushInterval {
		return fmt.Errorf("max backoff must not be below flush interval")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.SlowDownlinkMbps < 0 {
		return fmt.Errorf("slow downlink must not be negative")
	}
	if c.ProbeURL != "" && c.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	return nil
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setStrings sets a list if not empty and flag not changed.
func (s *configSetter) setStrings(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = append([]string(nil), value...)
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setFloat sets a float64 value if positive and flag not changed.
func (s *configSetter) setFloat(flag string, value float64, dst *float64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setFloatFromString parses a string to float64 and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setFloatFromString(flag, value string, dst *float64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if f <= 0 {
		return nil
	}
	*dst = f
	return nil
}

// setStringsFromString splits a comma-separated list.
func (s *configSetter) setStringsFromString(flag, value string, dst *[]string) {
	if value == "" || s.changed[flag] {
		return
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	s.setStrings(flag, out, dst)
}
