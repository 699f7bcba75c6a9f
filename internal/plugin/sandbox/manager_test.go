// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lumina-assist/lumina/internal/plugin"
	"github.com/lumina-assist/lumina/internal/plugin/permission"
)

func testMeta(id string) *plugin.Metadata {
	return &plugin.Metadata{
		ID:      id,
		Name:    id,
		Version: "1.0.0",
		Runtime: plugin.RuntimeLua,
		Entry:   "main.lua",
	}
}

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	m := NewManager(permission.NewEnforcer(), plugin.NewBroadcaster(), opts...)
	t.Cleanup(m.Close)
	return m
}

func writeModule(t *testing.T, code string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.lua")
	require.NoError(t, os.WriteFile(path, []byte(code), 0o640))
	return path
}

func TestManagerCreate(t *testing.T) {
	t.Run("creates a live sandbox", func(t *testing.T) {
		m := newTestManager(t)
		sb, err := m.Create(context.Background(), "weather", t.TempDir(), DefaultLimits(), nil)
		require.NoError(t, err)

		assert.Equal(t, "weather", sb.PluginID())
		assert.False(t, sb.Destroyed())
		assert.Equal(t, 1, m.Live())
		assert.Same(t, sb, m.Get("weather"))
	})

	t.Run("rejects a second sandbox for the same plugin", func(t *testing.T) {
		m := newTestManager(t)
		_, err := m.Create(context.Background(), "weather", t.TempDir(), DefaultLimits(), nil)
		require.NoError(t, err)

		_, err = m.Create(context.Background(), "weather", t.TempDir(), DefaultLimits(), nil)
		require.Error(t, err)
		assert.Equal(t, CodeSandboxExists, ErrorCode(err))
	})

	t.Run("rejects invalid permission sets", func(t *testing.T) {
		m := newTestManager(t)
		_, err := m.Create(context.Background(), "weather", t.TempDir(), DefaultLimits(),
			[]plugin.Permission{{Type: plugin.PermissionNetwork, Resource: "", Access: "read"}})
		require.Error(t, err)
		assert.Equal(t, 0, m.Live())
	})
}

func TestManagerDestroy(t *testing.T) {
	t.Run("destroys a live sandbox", func(t *testing.T) {
		m := newTestManager(t)
		sb, err := m.Create(context.Background(), "weather", t.TempDir(), DefaultLimits(), nil)
		require.NoError(t, err)

		require.NoError(t, m.Destroy("weather"))
		assert.True(t, sb.Destroyed())
		assert.Nil(t, m.Get("weather"))
		assert.Equal(t, 0, m.Live())
	})

	t.Run("fails for unknown plugins", func(t *testing.T) {
		m := newTestManager(t)
		err := m.Destroy("ghost")
		require.Error(t, err)
		assert.Equal(t, CodeSandboxNotFound, ErrorCode(err))
	})

	t.Run("calls into a destroyed sandbox fail", func(t *testing.T) {
		m := newTestManager(t)
		sb, err := m.Create(context.Background(), "weather", t.TempDir(), DefaultLimits(), nil)
		require.NoError(t, err)
		require.NoError(t, m.Destroy("weather"))

		err = m.Execute(context.Background(), sb, "x = 1")
		require.Error(t, err)
		assert.Equal(t, CodeSandboxNotFound, ErrorCode(err))
	})
}

func TestLoadModule(t *testing.T) {
	m := newTestManager(t)
	sb, err := m.Create(context.Background(), "weather", t.TempDir(), DefaultLimits(), nil)
	require.NoError(t, err)

	t.Run("loads and caches a module", func(t *testing.T) {
		path := writeModule(t, `
counter = (counter or 0) + 1
function handle_today(params, ctx)
  return { city = params.city, caller = ctx.caller_id }
end
`)
		require.NoError(t, m.LoadModule(context.Background(), sb, path))
		require.NoError(t, m.LoadModule(context.Background(), sb, path))

		// The second load hit the cache: the chunk ran exactly once.
		result, err := m.CallFunction(context.Background(), sb,
			"handle_today", testMeta("weather"),
			map[string]any{"city": "Oslo"}, "session-1")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"city": "Oslo", "caller": "session-1"}, result)

		assert.True(t, m.HasFunction(sb, "handle_today"))
		assert.False(t, m.HasFunction(sb, "handle_tomorrow"))
	})

	t.Run("fails on a missing file", func(t *testing.T) {
		err := m.LoadModule(context.Background(), sb, filepath.Join(t.TempDir(), "absent.lua"))
		require.Error(t, err)
		assert.Equal(t, CodeLoadError, ErrorCode(err))
	})

	t.Run("fails on a syntax error", func(t *testing.T) {
		path := writeModule(t, `function broken(`)
		err := m.LoadModule(context.Background(), sb, path)
		require.Error(t, err)
		assert.Equal(t, CodeLoadError, ErrorCode(err))
	})
}

func TestCallFunction(t *testing.T) {
	m := newTestManager(t)
	sb, err := m.Create(context.Background(), "weather", t.TempDir(), DefaultLimits(), nil)
	require.NoError(t, err)

	path := writeModule(t, `
function list_days()
  return { "mon", "tue", "wed" }
end
function blow_up()
  error("boom")
end
`)
	require.NoError(t, m.LoadModule(context.Background(), sb, path))

	t.Run("array results convert to slices", func(t *testing.T) {
		result, err := m.CallFunction(context.Background(), sb,
			"list_days", testMeta("weather"), nil, "host")
		require.NoError(t, err)
		assert.Equal(t, []any{"mon", "tue", "wed"}, result)
	})

	t.Run("undefined handler is a typed error", func(t *testing.T) {
		_, err := m.CallFunction(context.Background(), sb,
			"no_such_handler", testMeta("weather"), nil, "host")
		require.Error(t, err)
		assert.Equal(t, CodeHandlerNotDefined, ErrorCode(err))
	})

	t.Run("handler errors surface as execution errors", func(t *testing.T) {
		_, err := m.CallFunction(context.Background(), sb,
			"blow_up", testMeta("weather"), nil, "host")
		require.Error(t, err)
		assert.Equal(t, CodeExecutionError, ErrorCode(err))
	})
}

func TestExecutionTimeout(t *testing.T) {
	m := newTestManager(t)
	limits := DefaultLimits()
	limits.MaxExecutionTime = 50 * time.Millisecond

	sb, err := m.Create(context.Background(), "spinner", t.TempDir(), limits, nil)
	require.NoError(t, err)

	err = m.Execute(context.Background(), sb, `while true do end`)
	require.Error(t, err)
	assert.Equal(t, CodeExecutionTimeout, ErrorCode(err))

	// The sandbox survives a timed-out call.
	assert.False(t, sb.Destroyed())
	require.NoError(t, m.Execute(context.Background(), sb, `x = 1`))
}

// stubSampler feeds the monitor a fixed observation.
type stubSampler struct {
	mu    sync.Mutex
	usage Usage
}

func (s *stubSampler) Sample(time.Duration) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, nil
}

func (s *stubSampler) set(u Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = u
}

// usageLog collects recorder observations.
type usageLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *usageLog) RecordUsage(pluginID string, _ Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, pluginID)
}

func (l *usageLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func TestMonitorRecordsUsage(t *testing.T) {
	defer goleak.VerifyNone(t)

	sampler := &stubSampler{}
	log := &usageLog{}

	m := NewManager(permission.NewEnforcer(), plugin.NewBroadcaster(),
		WithMonitorInterval(5*time.Millisecond),
		WithUsageRecorder(log),
		WithSamplerFactory(func(*Sandbox) Sampler { return sampler }))
	defer m.Close()

	_, err := m.Create(context.Background(), "weather", t.TempDir(), DefaultLimits(), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return log.count() >= 2 },
		time.Second, 5*time.Millisecond)
}

func TestMonitorKillsOnBreach(t *testing.T) {
	defer goleak.VerifyNone(t)

	sampler := &stubSampler{}

	var killMu sync.Mutex
	var killedDim Dimension
	events := plugin.NewBroadcaster()
	enforcer := permission.NewEnforcer()

	m := NewManager(enforcer, events,
		WithMonitorInterval(5*time.Millisecond),
		WithSamplerFactory(func(*Sandbox) Sampler { return sampler }),
		WithKillCallback(func(_ string, dim Dimension, _ Usage) {
			killMu.Lock()
			killedDim = dim
			killMu.Unlock()
		}))
	defer m.Close()

	ch := events.Subscribe(plugin.EventResourceLimitExceeded)
	defer events.Unsubscribe(ch)

	limits := DefaultLimits()
	limits.MaxMemoryMB = 10
	_, err := m.Create(context.Background(), "hog", t.TempDir(), limits, nil)
	require.NoError(t, err)

	sampler.set(Usage{MemoryMB: 64})

	select {
	case event := <-ch:
		assert.Equal(t, "hog", event.PluginID)
		assert.Equal(t, string(DimMemory), event.Detail["dimension"])
	case <-time.After(2 * time.Second):
		t.Fatal("breach event never arrived")
	}

	assert.Eventually(t, func() bool { return m.Get("hog") == nil },
		time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		killMu.Lock()
		defer killMu.Unlock()
		return killedDim == DimMemory
	}, time.Second, 5*time.Millisecond)
}
