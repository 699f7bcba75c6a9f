// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/lumina-assist/lumina/internal/plugin"
)

// Sandbox is one plugin's isolated execution context. All calls into
// the Lua state are serialized on the sandbox's mutex: the state is
// confined to one call at a time, and all data crossing the boundary is
// copied between Go and Lua values.
type Sandbox struct {
	pluginID   string
	limits     ResourceLimits
	installDir string

	mu      sync.Mutex
	state   *lua.LState
	modules map[string]struct{} // loaded module paths

	destroyed atomic.Bool

	// usage accounting, read by the monitor's sampler
	busyNanos    atomic.Int64
	networkBytes atomic.Int64
	errorCount   atomic.Int64
	lastLatency  atomic.Int64 // nanoseconds

	monitor *Monitor
}

// PluginID returns the owning plugin id.
func (s *Sandbox) PluginID() string { return s.pluginID }

// Limits returns the immutable resource ceiling.
func (s *Sandbox) Limits() ResourceLimits { return s.limits }

// Destroyed reports whether the sandbox has been terminated.
func (s *Sandbox) Destroyed() bool { return s.destroyed.Load() }

// addNetworkBytes records plugin network traffic for the monitor.
func (s *Sandbox) addNetworkBytes(n int64) {
	s.networkBytes.Add(n)
}

// callDeadline derives the absolute deadline every sandbox call races
// against from MaxExecutionTime.
func (s *Sandbox) callDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.limits.MaxExecutionTime <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.limits.MaxExecutionTime)
}

// run executes fn inside the sandbox under the execution-time limit,
// tracking busy time and latency for the resource monitor. The Lua
// state aborts when the deadline passes; the caller sees a typed
// timeout error and the sandbox stays usable unless the monitor
// separately decides to kill it.
func (s *Sandbox) run(ctx context.Context, op string, fn func(L *lua.LState) error) error {
	if s.destroyed.Load() {
		return oops.In("sandbox").Code(CodeSandboxNotFound).
			With("plugin", s.pluginID).With("operation", op).
			New("sandbox has been destroyed")
	}

	callCtx, cancel := s.callDeadline(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	s.state.SetContext(callCtx)
	err := fn(s.state)
	elapsed := time.Since(start)

	s.busyNanos.Add(elapsed.Nanoseconds())
	s.lastLatency.Store(elapsed.Nanoseconds())

	if err != nil {
		s.errorCount.Add(1)
		if callCtx.Err() == context.DeadlineExceeded {
			return oops.In("sandbox").Code(CodeExecutionTimeout).
				With("plugin", s.pluginID).With("operation", op).
				With("limit", s.limits.MaxExecutionTime.String()).
				New("execution exceeded time limit")
		}
		return oops.In("sandbox").Code(CodeExecutionError).
			With("plugin", s.pluginID).With("operation", op).
			Wrap(err)
	}
	return nil
}

// usage snapshots the counters the monitor samples. interval is the
// time since the previous sample, used to turn counters into rates.
func (s *Sandbox) usageSince(prevBusy, prevNet int64, interval time.Duration) (Usage, int64, int64) {
	busy := s.busyNanos.Load()
	net := s.networkBytes.Load()

	u := Usage{
		ObservedAt:  time.Now(),
		ErrorCount:  s.errorCount.Load(),
		LastLatency: time.Duration(s.lastLatency.Load()),
	}
	if interval > 0 {
		u.CPUPercent = float64(busy-prevBusy) / float64(interval.Nanoseconds()) * 100
		u.NetworkKBps = float64(net-prevNet) / interval.Seconds() / 1024
	}
	return u, busy, net
}

// toLua converts a copied Go value into a Lua value.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	default:
		return lua.LString(oops.Errorf("unsupported value %T", v).Error())
	}
}

// fromLua converts a Lua value back into a plain Go value.
func fromLua(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		// Array part first; fall back to a map when keyed fields exist.
		maxN := val.MaxN()
		if maxN > 0 {
			arr := make([]any, 0, maxN)
			for i := 1; i <= maxN; i++ {
				arr = append(arr, fromLua(val.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			m[k.String()] = fromLua(item)
		})
		return m
	default:
		return v.String()
	}
}

// paramsTable builds the Lua argument table for an intent call.
func paramsTable(L *lua.LState, params map[string]any) *lua.LTable {
	t := L.NewTable()
	for k, v := range params {
		t.RawSetString(k, toLua(L, v))
	}
	return t
}

// contextTable builds the call context passed to handlers and hooks.
func contextTable(L *lua.LState, meta *plugin.Metadata, callerID string) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "plugin_id", lua.LString(meta.ID))
	L.SetField(t, "plugin_version", lua.LString(meta.Version))
	L.SetField(t, "caller_id", lua.LString(callerID))
	return t
}
