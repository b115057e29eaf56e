package configwatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/chatsync/pkg/chatsync"
	"github.com/bft-labs/chatsync/pkg/log"
)

type fakeTarget struct {
	mu      sync.Mutex
	policy  chatsync.Policy
	updates int
}

func (f *fakeTarget) Policy() chatsync.Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policy
}

func (f *fakeTarget) UpdatePolicy(p chatsync.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = p
	f.updates++
	return nil
}

func (f *fakeTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestPlugin_ReloadsPolicyOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, "max_attempts = 5\n")

	target := &fakeTarget{policy: chatsync.DefaultPolicy()}
	p := New(Config{Path: path, DebounceDelay: 10 * time.Millisecond})
	require.NoError(t, p.start(context.Background(), target, log.NewNoopLogger()))
	defer p.Shutdown(context.Background())

	writeConfig(t, path, "max_attempts = 2\nslow_effective_types = [\"3g\"]\nslow_downlink_mbps = 1.5\n")

	require.Eventually(t, func() bool {
		return target.Policy().MaxAttempts == 2
	}, 2*time.Second, 10*time.Millisecond)
	got := target.Policy()
	assert.Equal(t, []string{"3g"}, got.SlowEffectiveTypes)
	assert.Equal(t, 1.5, got.SlowDownlinkMbps)
}

func TestPlugin_IgnoresOtherFilesAndUnchangedPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeConfig(t, path, "max_attempts = 5\n")

	target := &fakeTarget{policy: chatsync.DefaultPolicy()}
	p := New(Config{Path: path, DebounceDelay: 10 * time.Millisecond})
	require.NoError(t, p.start(context.Background(), target, log.NewNoopLogger()))
	defer p.Shutdown(context.Background())

	writeConfig(t, filepath.Join(dir, "other.toml"), "max_attempts = 1\n")
	writeConfig(t, path, "max_attempts = 5\n") // same as the default
	time.Sleep(150 * time.Millisecond)

	assert.Zero(t, target.count())
}

func TestPlugin_ChangedFlagsWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, "")

	target := &fakeTarget{policy: chatsync.DefaultPolicy()}
	p := New(Config{Path: path, Changed: map[string]bool{"max-attempts": true}})
	p.target = target
	p.logger = log.NewNoopLogger()

	writeConfig(t, path, "max_attempts = 9\nslow_downlink_mbps = 2.0\n")
	require.NoError(t, p.reload())

	got := target.Policy()
	assert.Equal(t, chatsync.DefaultPolicy().MaxAttempts, got.MaxAttempts)
	assert.Equal(t, 2.0, got.SlowDownlinkMbps)
}

func TestPlugin_ReloadErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	target := &fakeTarget{policy: chatsync.DefaultPolicy()}
	p := New(Config{Path: path})
	p.target = target
	p.logger = log.NewNoopLogger()

	assert.True(t, errors.Is(p.reload(), os.ErrNotExist))

	writeConfig(t, path, "not toml at all")
	assert.Error(t, p.reload())

	writeConfig(t, path, "flush_interval = \"soon\"\n")
	assert.Error(t, p.reload())
	assert.Zero(t, target.count())
}

func TestPlugin_DisabledWithoutPath(t *testing.T) {
	p := New(Config{})
	require.NoError(t, p.start(context.Background(), &fakeTarget{}, nil))
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, "configwatcher", p.Name())
}

func TestPlugin_WithClient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, "")

	client, err := chatsync.New(chatsync.Config{ServiceURL: "http://localhost"},
		WithConfigWatcher(Config{Path: path, DebounceDelay: 10 * time.Millisecond}),
	)
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	writeConfig(t, path, "max_attempts = 3\n")

	require.Eventually(t, func() bool {
		return client.Policy().MaxAttempts == 3
	}, 2*time.Second, 10*time.Millisecond)
}
