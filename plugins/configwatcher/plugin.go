// Package configwatcher reloads runtime tunables when the chatsync config
// file changes.
package configwatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/chatsync/internal/cliconfig"
	"github.com/bft-labs/chatsync/pkg/chatsync"
	"github.com/bft-labs/chatsync/pkg/log"
)

// PolicyTarget receives reloaded policies. *chatsync.Client implements it.
type PolicyTarget interface {
	Policy() chatsync.Policy
	UpdatePolicy(chatsync.Policy) error
}

// Plugin watches a TOML config file and pushes the policy fields it holds
// into the running client.
type Plugin struct {
	mu sync.Mutex

	path          string
	debounceDelay time.Duration
	changed       map[string]bool

	target   PolicyTarget
	logger   chatsync.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	debounce *time.Timer
}

// Config holds configuration options for the config watcher plugin.
type Config struct {
	// Path is the config file to watch.
	Path string

	// DebounceDelay is the delay to wait after a file change before reloading.
	// Default: 100 milliseconds
	DebounceDelay time.Duration

	// Changed lists flags set on the command line. Their file values are
	// ignored on reload, as they are at startup.
	Changed map[string]bool
}

// DefaultConfig returns a Config watching the default config path.
func DefaultConfig() Config {
	return Config{
		Path:          cliconfig.DefaultConfigPath(),
		DebounceDelay: 100 * time.Millisecond,
	}
}

// New creates a new config watcher plugin with the given configuration.
func New(cfg Config) *Plugin {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 100 * time.Millisecond
	}
	return &Plugin{
		path:          cfg.Path,
		debounceDelay: cfg.DebounceDelay,
		changed:       cfg.Changed,
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "configwatcher"
}

// Initialize starts watching the config file.
func (p *Plugin) Initialize(ctx context.Context, cfg chatsync.PluginConfig) error {
	if cfg.Client == nil {
		return fmt.Errorf("configwatcher: no client")
	}
	return p.start(ctx, cfg.Client, cfg.Logger)
}

func (p *Plugin) start(ctx context.Context, target PolicyTarget, logger chatsync.Logger) error {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	p.mu.Lock()
	p.target = target
	p.logger = logger
	p.mu.Unlock()

	if p.path == "" {
		logger.Warn("config watcher disabled: no config path")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors often replace the file instead of
	// writing it in place.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(p.path), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.watchLoop(watchCtx, watcher)

	logger.Info("config watcher started", log.String("path", p.path))
	return nil
}

// Shutdown stops the config watcher.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.mu.Unlock()
	return nil
}

func (p *Plugin) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()
	defer watcher.Close()

	name := filepath.Base(p.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			p.debounceReload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("config watcher error", log.Err(err))
		}
	}
}

func (p *Plugin) debounceReload(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.debounce = time.AfterFunc(p.debounceDelay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := p.reload(); err != nil {
			p.logger.Warn("config reload failed", log.String("path", p.path), log.Err(err))
		}
	})
}

// reload reads the file and applies its policy if it differs from the
// active one.
func (p *Plugin) reload() error {
	fc, err := cliconfig.LoadFileConfig(p.path)
	if err != nil {
		return err
	}

	current := p.target.Policy()
	cfg := cliconfig.Config{
		MaxAttempts:        current.MaxAttempts,
		SlowEffectiveTypes: current.SlowEffectiveTypes,
		SlowDownlinkMbps:   current.SlowDownlinkMbps,
	}
	if err := cliconfig.ApplyFileConfig(&cfg, fc, p.changed); err != nil {
		return err
	}

	next := cfg.Policy()
	if reflect.DeepEqual(next, current) {
		p.logger.Debug("config changed, policy unchanged")
		return nil
	}
	if err := p.target.UpdatePolicy(next); err != nil {
		return err
	}
	p.logger.Info("config reloaded", log.String("path", p.path))
	return nil
}
