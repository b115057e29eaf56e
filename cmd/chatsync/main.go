package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/chatsync/internal/adapters/fs"
	httpAdapter "github.com/bft-labs/chatsync/internal/adapters/http"
	"github.com/bft-labs/chatsync/internal/adapters/pebble"
	redisAdapter "github.com/bft-labs/chatsync/internal/adapters/redis"
	"github.com/bft-labs/chatsync/internal/cliconfig"
	"github.com/bft-labs/chatsync/internal/metrics"
	"github.com/bft-labs/chatsync/pkg/chatsync"
	"github.com/bft-labs/chatsync/pkg/log"
	"github.com/bft-labs/chatsync/plugins/configwatcher"
)

const helpDescription = `
Run one chat sync session from the terminal.

Messages typed at the prompt go through the offline queue, so they survive
disconnects and restarts. Presence is kept in the realtime store and sibling
sessions sharing the same Redis see each other's deliveries.

Commands at the prompt:
  <text>          send a message to the room
  /delete <id>    delete a message and tell sibling sessions
  /queue          list undelivered messages
  /presence       toggle the room presence feed
  /state          print client status
  /online         force the connection online
  /offline        force the connection offline
  /flush          attempt delivery now
  /quit           stop the session
`

var exampleUsage = strings.TrimSpace(`
  chatsync --user alice --room general
  chatsync --user alice --room general --redis-addr localhost:6379 --metrics-addr :9090
  chatsync --config $HOME/.chatsync/config.toml --storage memory
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string

	bootLog := log.NewZerologAdapter(os.Stderr, "info")

	root := &cobra.Command{
		Use:     "chatsync",
		Short:   "Offline-tolerant chat session with presence and multi-session sync",
		Long:    strings.TrimSpace(helpDescription),
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = cliconfig.DefaultConfigPath()
			}

			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if err := cliconfig.LoadDotEnv(".env"); err != nil {
				return fmt.Errorf("load .env: %w", err)
			}

			if cfgFile != "" && cliconfig.FileExists(cfgFile) {
				fc, err := cliconfig.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}

			// Environment overrides the file; flags override both.
			if err := cliconfig.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg, cfgFile, changed)
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.chatsync/config.toml)")
	root.Flags().StringVar(&cfg.UserID, "user", cfg.UserID, "user id to go online as")
	root.Flags().StringVar(&cfg.RoomID, "room", cfg.RoomID, "room that typed messages are sent to")
	root.Flags().StringVar(&cfg.TabID, "tab-id", cfg.TabID, "session id (random when empty)")

	root.Flags().StringVar(&cfg.ServiceURL, "service-url", cfg.ServiceURL, "base URL of the message service")
	root.Flags().StringVar(&cfg.AuthKey, "auth-key", cfg.AuthKey, "API key for the message service")
	root.Flags().DurationVar(&cfg.HTTPTimeout, "timeout", cfg.HTTPTimeout, "HTTP timeout")

	root.Flags().StringVar(&cfg.Storage, "storage", cfg.Storage, "queue storage: pebble, file or memory")
	root.Flags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for queue storage (default: $HOME/.chatsync/data)")

	root.Flags().StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for presence and session sync (in-process when empty)")
	root.Flags().StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	root.Flags().IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	root.Flags().StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "Redis key prefix")

	root.Flags().StringVar(&cfg.ProbeURL, "probe-url", cfg.ProbeURL, "URL probed to detect connectivity (disabled when empty)")
	root.Flags().DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "connectivity probe interval")
	root.Flags().DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "connectivity probe timeout")

	root.Flags().DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "backstop interval between queue flushes")
	root.Flags().DurationVar(&cfg.MaxBackoff, "max-backoff", cfg.MaxBackoff, "maximum delay between failed flushes")
	root.Flags().IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "delivery attempts before a message is dead-lettered")
	root.Flags().StringSliceVar(&cfg.SlowEffectiveTypes, "slow-types", cfg.SlowEffectiveTypes, "effective connection types treated as slow")
	root.Flags().Float64Var(&cfg.SlowDownlinkMbps, "slow-downlink", cfg.SlowDownlinkMbps, "downlink in Mbps below which the link is slow")

	root.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address for /metrics and /status (disabled when empty)")
	root.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")

	if err := root.Execute(); err != nil {
		bootLog.Error("chatsync", log.Err(err))
		os.Exit(1)
	}
}

func run(cfg cliconfig.Config, cfgFile string, changed map[string]bool) error {
	logger := cfg.Logger(os.Stderr)

	logCfg := cfg
	if len(logCfg.AuthKey) > 0 {
		logCfg.AuthKey = "*****"
	}
	if len(logCfg.RedisPassword) > 0 {
		logCfg.RedisPassword = "*****"
	}
	logger.Info("configuration", log.Any("config", logCfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := newPrinter(os.Stdout)
	collector := chatsync.NewMetrics()
	opts := []chatsync.Option{
		chatsync.WithLogger(logger),
		chatsync.WithMetrics(collector),
		chatsync.WithEventHandler(&terminalHandler{out: out, roomID: cfg.RoomID}),
	}
	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		opts = append(opts, configwatcher.WithConfigWatcher(configwatcher.Config{
			Path:          cfgFile,
			DebounceDelay: configwatcher.DefaultConfig().DebounceDelay,
			Changed:       changed,
		}))
	}

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", log.Err(err))
			}
		}
	}()

	switch cfg.Storage {
	case cliconfig.StoragePebble:
		store, err := pebble.Open(filepath.Join(cfg.DataDir, "queue"))
		if err != nil {
			return fmt.Errorf("open queue storage: %w", err)
		}
		closers = append(closers, store.Close)
		opts = append(opts, chatsync.WithLocalStorage(store))
	case cliconfig.StorageFile:
		opts = append(opts, chatsync.WithLocalStorage(fs.NewStorage(filepath.Join(cfg.DataDir, "queue"))))
	}

	if cfg.RedisAddr != "" {
		rcfg := redisAdapter.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}
		rdb, err := redisAdapter.NewClient(ctx, rcfg)
		if err != nil {
			return err
		}
		closers = append(closers, rdb.Close)
		store, err := redisAdapter.NewRealtimeStore(ctx, rdb, rcfg, logger)
		if err != nil {
			return err
		}
		closers = append(closers, store.Close)
		opts = append(opts,
			chatsync.WithRealtimeStore(store),
			chatsync.WithBroadcaster(redisAdapter.NewBroadcaster(rdb, cfg.RedisPrefix, logger)),
		)
	}

	if cfg.ProbeURL != "" {
		opts = append(opts, chatsync.WithConnectivitySource(httpAdapter.NewProbe(nil, httpAdapter.ProbeConfig{
			URL:      cfg.ProbeURL,
			Interval: cfg.ProbeInterval,
			Timeout:  cfg.ProbeTimeout,
		}, logger)))
	}

	client, err := chatsync.New(cfg.ClientConfig(), opts...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, collector, func() any { return client.Status() }, logger)
		addr, err := srv.Start()
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		logger.Info("metrics server listening", log.String("addr", addr))
		closers = append(closers, func() error {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	sess := newSession(client, cfg.RoomID, out)
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		sess.Run(ctx, os.Stdin)
	}()

	select {
	case <-sigCh:
		logger.Info("received signal, stopping...")
	case <-doneCh:
	}
	sess.Close()

	if err := client.Stop(); err != nil {
		return fmt.Errorf("stop client: %w", err)
	}
	return nil
}
