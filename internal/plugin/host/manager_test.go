// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumina-assist/lumina/internal/plugin"
	"github.com/lumina-assist/lumina/internal/plugin/registry"
	"github.com/lumina-assist/lumina/internal/plugin/sandbox"
	"github.com/lumina-assist/lumina/internal/plugin/updater"
)

// weatherPackage writes a complete lua plugin package and returns its
// directory.
func weatherPackage(t *testing.T, version string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "weather-"+version)
	require.NoError(t, os.MkdirAll(dir, 0o750))

	manifest := `
id: weather
name: Weather
version: ` + version + `
host-version: ">=1.0.0 <2.0.0"
type: lua
entry: main.lua
intents:
  - id: weather.today
    name: Today
    handler: handle_today
    parameters:
      - name: city
        type: string
        required: true
`
	module := `
function handle_today(params, ctx)
  return { city = params.city, version = "` + version + `" }
end
function on_enable(params, ctx)
  -- nothing to warm up
end
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFileName), []byte(manifest), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(module), 0o640))
	return dir
}

func testConfig(t *testing.T) Config {
	t.Helper()
	root := t.TempDir()
	return Config{
		HostVersion:  "1.0.0",
		InstallRoot:  filepath.Join(root, "plugins"),
		RegistryPath: filepath.Join(root, "state", "registry.json"),
		BackupRoot:   filepath.Join(root, "state", "backups"),
		RateLimit: RateLimiterConfig{
			BurstCapacity: 1000,
			SustainedRate: 1000,
		},
	}
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func TestNew(t *testing.T) {
	t.Run("rejects an invalid host version", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.HostVersion = "latest"
		_, err := New(cfg)
		assert.Error(t, err)
	})
}

func TestInstall(t *testing.T) {
	t.Run("installs a valid package", func(t *testing.T) {
		m := newTestManager(t, testConfig(t))

		entry, err := m.Install(context.Background(), weatherPackage(t, "1.0.0"))
		require.NoError(t, err)
		assert.Equal(t, registry.StatusInstalled, entry.Status)
		assert.Equal(t, "1.0.0", entry.Metadata.Version)

		// The package was copied under the install root.
		_, err = os.Stat(filepath.Join(entry.InstallPath, "main.lua"))
		assert.NoError(t, err)
	})

	t.Run("rejects a second install of the same plugin", func(t *testing.T) {
		m := newTestManager(t, testConfig(t))
		_, err := m.Install(context.Background(), weatherPackage(t, "1.0.0"))
		require.NoError(t, err)

		_, err = m.Install(context.Background(), weatherPackage(t, "1.1.0"))
		require.Error(t, err)
		assert.Equal(t, registry.CodeAlreadyRegistered, sandbox.ErrorCode(err))
	})

	t.Run("rejects an incompatible package", func(t *testing.T) {
		m := newTestManager(t, testConfig(t))

		dir := filepath.Join(t.TempDir(), "pkg")
		require.NoError(t, os.MkdirAll(dir, 0o750))
		manifest := `
id: futureplugin
name: Future
version: 1.0.0
host-version: ">=9.0.0"
type: lua
entry: main.lua
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFileName), []byte(manifest), 0o640))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte("-- stub\n"), 0o640))

		_, err := m.Install(context.Background(), dir)
		require.Error(t, err)
		assert.Equal(t, CodeIncompatible, sandbox.ErrorCode(err))
		assert.Nil(t, m.Get("futureplugin"))
	})

	t.Run("rejects a broken package", func(t *testing.T) {
		m := newTestManager(t, testConfig(t))
		_, err := m.Install(context.Background(), t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "manifest")
	})
}

func TestEnableDisable(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	_, err := m.Install(context.Background(), weatherPackage(t, "1.0.0"))
	require.NoError(t, err)

	t.Run("enable loads and indexes intents", func(t *testing.T) {
		require.NoError(t, m.Enable(context.Background(), "weather"))
		assert.Equal(t, registry.StatusEnabled, m.Get("weather").Status)
		assert.Equal(t, map[string]string{"weather.today": "weather"}, m.Intents())

		// Enabling again is a no-op.
		assert.NoError(t, m.Enable(context.Background(), "weather"))
	})

	t.Run("disable unloads and drops intents", func(t *testing.T) {
		require.NoError(t, m.Disable(context.Background(), "weather"))
		assert.Equal(t, registry.StatusDisabled, m.Get("weather").Status)
		assert.Empty(t, m.Intents())

		// Disabling again is a no-op.
		assert.NoError(t, m.Disable(context.Background(), "weather"))
	})

	t.Run("unknown plugins fail", func(t *testing.T) {
		err := m.Enable(context.Background(), "ghost")
		require.Error(t, err)
		assert.Equal(t, registry.CodeNotRegistered, sandbox.ErrorCode(err))

		err = m.Disable(context.Background(), "ghost")
		require.Error(t, err)
		assert.Equal(t, registry.CodeNotRegistered, sandbox.ErrorCode(err))
	})
}

func TestHandleIntent(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	_, err := m.Install(context.Background(), weatherPackage(t, "1.0.0"))
	require.NoError(t, err)
	require.NoError(t, m.Enable(context.Background(), "weather"))

	t.Run("dispatches to the owning plugin", func(t *testing.T) {
		result, err := m.HandleIntent(context.Background(), "weather.today",
			map[string]any{"city": "Oslo"}, "session-1")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"city": "Oslo", "version": "1.0.0"}, result)
	})

	t.Run("unknown intents fail", func(t *testing.T) {
		_, err := m.HandleIntent(context.Background(), "weather.nope", nil, "session-1")
		require.Error(t, err)
		assert.Equal(t, CodeIntentNotFound, sandbox.ErrorCode(err))
	})

	t.Run("parameters are validated against the declared schema", func(t *testing.T) {
		_, err := m.HandleIntent(context.Background(), "weather.today",
			map[string]any{"city": 7}, "session-1")
		require.Error(t, err)
		assert.Equal(t, CodeInvalidParameters, sandbox.ErrorCode(err))

		_, err = m.HandleIntent(context.Background(), "weather.today",
			map[string]any{}, "session-1")
		require.Error(t, err)
		assert.Equal(t, CodeInvalidParameters, sandbox.ErrorCode(err))
	})

	t.Run("disabled plugins do not dispatch", func(t *testing.T) {
		require.NoError(t, m.Disable(context.Background(), "weather"))
		defer func() { require.NoError(t, m.Enable(context.Background(), "weather")) }()

		_, err := m.HandleIntent(context.Background(), "weather.today",
			map[string]any{"city": "Oslo"}, "session-1")
		require.Error(t, err)
		assert.Equal(t, CodeIntentNotFound, sandbox.ErrorCode(err))
	})
}

func TestHandleIntentRateLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit = RateLimiterConfig{BurstCapacity: 1, SustainedRate: 0.1}
	m := newTestManager(t, cfg)

	_, err := m.Install(context.Background(), weatherPackage(t, "1.0.0"))
	require.NoError(t, err)
	require.NoError(t, m.Enable(context.Background(), "weather"))

	_, err = m.HandleIntent(context.Background(), "weather.today",
		map[string]any{"city": "Oslo"}, "chatty")
	require.NoError(t, err)

	_, err = m.HandleIntent(context.Background(), "weather.today",
		map[string]any{"city": "Oslo"}, "chatty")
	require.Error(t, err)
	assert.Equal(t, CodeRateLimited, sandbox.ErrorCode(err))

	// Other callers are unaffected.
	_, err = m.HandleIntent(context.Background(), "weather.today",
		map[string]any{"city": "Oslo"}, "quiet")
	assert.NoError(t, err)
}

func TestUninstall(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	entry, err := m.Install(context.Background(), weatherPackage(t, "1.0.0"))
	require.NoError(t, err)
	require.NoError(t, m.Enable(context.Background(), "weather"))

	require.NoError(t, m.Uninstall(context.Background(), "weather"))

	assert.Nil(t, m.Get("weather"))
	assert.Empty(t, m.Intents())
	_, err = os.Stat(entry.InstallPath)
	assert.True(t, os.IsNotExist(err))

	err = m.Uninstall(context.Background(), "weather")
	require.Error(t, err)
	assert.Equal(t, registry.CodeNotRegistered, sandbox.ErrorCode(err))
}

func TestSync(t *testing.T) {
	t.Run("registers packages dropped under the install root", func(t *testing.T) {
		cfg := testConfig(t)
		m := newTestManager(t, cfg)

		// Simulate an operator copying a package in by hand.
		src := weatherPackage(t, "1.0.0")
		dst := filepath.Join(cfg.InstallRoot, "weather")
		require.NoError(t, os.MkdirAll(dst, 0o750))
		for _, name := range []string{plugin.ManifestFileName, "main.lua"} {
			data, err := os.ReadFile(filepath.Join(src, name))
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(filepath.Join(dst, name), data, 0o640))
		}

		require.NoError(t, m.Sync(context.Background()))
		entry := m.Get("weather")
		require.NotNil(t, entry)
		assert.Equal(t, registry.StatusInstalled, entry.Status)
	})

	t.Run("restores enabled plugins across restarts", func(t *testing.T) {
		cfg := testConfig(t)

		first, err := New(cfg)
		require.NoError(t, err)
		_, err = first.Install(context.Background(), weatherPackage(t, "1.0.0"))
		require.NoError(t, err)
		require.NoError(t, first.Enable(context.Background(), "weather"))
		first.Close(context.Background())

		second := newTestManager(t, cfg)
		require.NoError(t, second.Sync(context.Background()))

		result, err := second.HandleIntent(context.Background(), "weather.today",
			map[string]any{"city": "Oslo"}, "session-1")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"city": "Oslo", "version": "1.0.0"}, result)
	})
}

func TestUpdateHotSwap(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	_, err := m.Install(context.Background(), weatherPackage(t, "1.0.0"))
	require.NoError(t, err)
	require.NoError(t, m.Enable(context.Background(), "weather"))

	task, err := m.Update("weather", weatherPackage(t, "1.1.0"), false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, snap := range m.UpdateTasks() {
			if snap.ID == task.ID && snap.Status == updater.StatusCompleted {
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond, "update never completed")

	// Same intent, new code, still enabled.
	assert.Equal(t, registry.StatusEnabled, m.Get("weather").Status)
	assert.Equal(t, "1.1.0", m.Get("weather").Metadata.Version)

	result, err := m.HandleIntent(context.Background(), "weather.today",
		map[string]any{"city": "Oslo"}, "session-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Oslo", "version": "1.1.0"}, result)
}

func TestCheck(t *testing.T) {
	m := newTestManager(t, testConfig(t))

	meta, result, err := m.Check(weatherPackage(t, "1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, "weather", meta.ID)
	assert.True(t, result.Compatible)
	assert.Equal(t, 100, result.Score)
}

func TestStats(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	_, err := m.Install(context.Background(), weatherPackage(t, "1.0.0"))
	require.NoError(t, err)
	require.NoError(t, m.Enable(context.Background(), "weather"))

	s := m.Stats()
	assert.Equal(t, 1, s.Installed)
	assert.Equal(t, 1, s.Enabled)
	assert.Equal(t, 1, s.LiveSandboxes)
	assert.Equal(t, 1, s.Intents)
}

func TestSandboxKillMarksErrored(t *testing.T) {
	cfg := testConfig(t)
	cfg.MonitorInterval = 5 * time.Millisecond
	m := newTestManager(t, cfg)

	_, err := m.Install(context.Background(), weatherPackage(t, "1.0.0"))
	require.NoError(t, err)
	require.NoError(t, m.Enable(context.Background(), "weather"))

	events := m.Events().Subscribe(plugin.EventError)
	defer m.Events().Unsubscribe(events)

	// Inject a breach by recording usage directly through the kill path.
	m.onSandboxKill("weather", sandbox.DimMemory, sandbox.Usage{MemoryMB: 512})

	entry := m.Get("weather")
	require.NotNil(t, entry)
	assert.Equal(t, registry.StatusError, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "memory")
	assert.Empty(t, m.Intents())

	// Explicit re-enable recovers the plugin.
	require.NoError(t, m.Enable(context.Background(), "weather"))
	assert.Equal(t, registry.StatusEnabled, m.Get("weather").Status)
}
