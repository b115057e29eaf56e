package cliconfig

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set are left alone, so real environment variables win
// over the file. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" || !FileExists(path) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnvConfig applies configuration from environment variables (CHATSYNC_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("user", os.Getenv("CHATSYNC_USER"), &cfg.UserID)
	s.setString("room", os.Getenv("CHATSYNC_ROOM"), &cfg.RoomID)
	s.setString("tab-id", os.Getenv("CHATSYNC_TAB_ID"), &cfg.TabID)
	s.setString("service-url", os.Getenv("CHATSYNC_SERVICE_URL"), &cfg.ServiceURL)
	s.setString("auth-key", os.Getenv("CHATSYNC_AUTH_KEY"), &cfg.AuthKey)
	s.setString("storage", os.Getenv("CHATSYNC_STORAGE"), &cfg.Storage)
	s.setString("data-dir", os.Getenv("CHATSYNC_DATA_DIR"), &cfg.DataDir)
	s.setString("redis-addr", os.Getenv("CHATSYNC_REDIS_ADDR"), &cfg.RedisAddr)
	s.setString("redis-password", os.Getenv("CHATSYNC_REDIS_PASSWORD"), &cfg.RedisPassword)
	s.setString("redis-prefix", os.Getenv("CHATSYNC_REDIS_PREFIX"), &cfg.RedisPrefix)
	s.setString("probe-url", os.Getenv("CHATSYNC_PROBE_URL"), &cfg.ProbeURL)
	s.setString("metrics-addr", os.Getenv("CHATSYNC_METRICS_ADDR"), &cfg.MetricsAddr)
	s.setString("log-level", os.Getenv("CHATSYNC_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setDuration("timeout", os.Getenv("CHATSYNC_HTTP_TIMEOUT"), &cfg.HTTPTimeout); err != nil {
		return err
	}
	if err := s.setDuration("probe-interval", os.Getenv("CHATSYNC_PROBE_INTERVAL"), &cfg.ProbeInterval); err != nil {
		return err
	}
	if err := s.setDuration("probe-timeout", os.Getenv("CHATSYNC_PROBE_TIMEOUT"), &cfg.ProbeTimeout); err != nil {
		return err
	}
	if err := s.setDuration("flush-interval", os.Getenv("CHATSYNC_FLUSH_INTERVAL"), &cfg.FlushInterval); err != nil {
		return err
	}
	if err := s.setDuration("max-backoff", os.Getenv("CHATSYNC_MAX_BACKOFF"), &cfg.MaxBackoff); err != nil {
		return err
	}

	if err := s.setIntFromString("redis-db", os.Getenv("CHATSYNC_REDIS_DB"), &cfg.RedisDB); err != nil {
		return err
	}
	if err := s.setIntFromString("max-attempts", os.Getenv("CHATSYNC_MAX_ATTEMPTS"), &cfg.MaxAttempts); err != nil {
		return err
	}
	if err := s.setFloatFromString("slow-downlink", os.Getenv("CHATSYNC_SLOW_DOWNLINK_MBPS"), &cfg.SlowDownlinkMbps); err != nil {
		return err
	}
	s.setStringsFromString("slow-types", os.Getenv("CHATSYNC_SLOW_EFFECTIVE_TYPES"), &cfg.SlowEffectiveTypes)

	return nil
}
