package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	UserID             string   `toml:"user"`
	RoomID             string   `toml:"room"`
	TabID              string   `toml:"tab_id"`
	ServiceURL         string   `toml:"service_url"`
	AuthKey            string   `toml:"auth_key"`
	HTTPTimeout        string   `toml:"http_timeout"`
	Storage            string   `toml:"storage"`
	DataDir            string   `toml:"data_dir"`
	RedisAddr          string   `toml:"redis_addr"`
	RedisPassword      string   `toml:"redis_password"`
	RedisDB            int      `toml:"redis_db"`
	RedisPrefix        string   `toml:"redis_prefix"`
	ProbeURL           string   `toml:"probe_url"`
	ProbeInterval      string   `toml:"probe_interval"`
	ProbeTimeout       string   `toml:"probe_timeout"`
	FlushInterval      string   `toml:"flush_interval"`
	MaxBackoff         string   `toml:"max_backoff"`
	MaxAttempts        int      `toml:"max_attempts"`
	SlowEffectiveTypes []string `toml:"slow_effective_types"`
	SlowDownlinkMbps   float64  `toml:"slow_downlink_mbps"`
	MetricsAddr        string   `toml:"metrics_addr"`
	LogLevel           string   `toml:"log_level"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.chatsync/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".chatsync", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("user", fc.UserID, &cfg.UserID)
	s.setString("room", fc.RoomID, &cfg.RoomID)
	s.setString("tab-id", fc.TabID, &cfg.TabID)
	s.setString("service-url", fc.ServiceURL, &cfg.ServiceURL)
	s.setString("auth-key", fc.AuthKey, &cfg.AuthKey)
	s.setString("storage", fc.Storage, &cfg.Storage)
	s.setString("data-dir", fc.DataDir, &cfg.DataDir)
	s.setString("redis-addr", fc.RedisAddr, &cfg.RedisAddr)
	s.setString("redis-password", fc.RedisPassword, &cfg.RedisPassword)
	s.setString("redis-prefix", fc.RedisPrefix, &cfg.RedisPrefix)
	s.setString("probe-url", fc.ProbeURL, &cfg.ProbeURL)
	s.setString("metrics-addr", fc.MetricsAddr, &cfg.MetricsAddr)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	if err := s.setDuration("timeout", fc.HTTPTimeout, &cfg.HTTPTimeout); err != nil {
		return err
	}
	if err := s.setDuration("probe-interval", fc.ProbeInterval, &cfg.ProbeInterval); err != nil {
		return err
	}
	if err := s.setDuration("probe-timeout", fc.ProbeTimeout, &cfg.ProbeTimeout); err != nil {
		return err
	}
	if err := s.setDuration("flush-interval", fc.FlushInterval, &cfg.FlushInterval); err != nil {
		return err
	}
	if err := s.setDuration("max-backoff", fc.MaxBackoff, &cfg.MaxBackoff); err != nil {
		return err
	}

	s.setInt("redis-db", fc.RedisDB, &cfg.RedisDB)
	s.setInt("max-attempts", fc.MaxAttempts, &cfg.MaxAttempts)
	s.setFloat("slow-downlink", fc.SlowDownlinkMbps, &cfg.SlowDownlinkMbps)
	s.setStrings("slow-types", fc.SlowEffectiveTypes, &cfg.SlowEffectiveTypes)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
