// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumina-assist/lumina/internal/plugin"
	"github.com/lumina-assist/lumina/internal/plugin/permission"
)

var tracer = otel.Tracer("lumina/sandbox")

// Error codes for programmatic checks via oops.
const (
	CodeSandboxExists       = "SANDBOX_EXISTS"
	CodeSandboxNotFound     = "SANDBOX_NOT_FOUND"
	CodeLoadTimeout         = "LOAD_TIMEOUT"
	CodeLoadError           = "LOAD_ERROR"
	CodeExecutionTimeout    = "EXECUTION_TIMEOUT"
	CodeExecutionError      = "EXECUTION_ERROR"
	CodeResourceLimitBreach = "RESOURCE_LIMIT_EXCEEDED"
	CodeHandlerNotDefined   = "HANDLER_NOT_DEFINED"
)

// ErrorCode extracts the oops error code from err, or "".
func ErrorCode(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, ok := oopsErr.Code().(string); ok {
			return code
		}
	}
	return ""
}

// DefaultMonitorInterval is the resource monitor's polling interval.
const DefaultMonitorInterval = 2 * time.Second

// UsageRecorder receives periodic resource observations per plugin.
// The registry implements it to keep performance metrics current.
type UsageRecorder interface {
	RecordUsage(pluginID string, usage Usage)
}

// Manager creates and destroys plugin sandboxes and provides the
// call-in boundary for executing plugin code.
type Manager struct {
	factory         *StateFactory
	enforcer        *permission.Enforcer
	hostFuncs       *HostFunctions
	events          *plugin.Broadcaster
	recorder        UsageRecorder
	monitorInterval time.Duration
	samplerFor      func(sb *Sandbox) Sampler

	mu        sync.Mutex
	sandboxes map[string]*Sandbox

	// onKill is invoked after the monitor hard-kills a sandbox, so the
	// composition layer can mark the registry entry as errored.
	onKill func(pluginID string, dim Dimension, usage Usage)
}

// ManagerOption configures the sandbox Manager.
type ManagerOption func(*Manager)

// WithMonitorInterval overrides the resource monitor polling interval.
func WithMonitorInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.monitorInterval = d
		}
	}
}

// WithUsageRecorder wires periodic usage observations into rec.
func WithUsageRecorder(rec UsageRecorder) ManagerOption {
	return func(m *Manager) { m.recorder = rec }
}

// WithKillCallback registers fn to run after a monitor-initiated kill.
func WithKillCallback(fn func(pluginID string, dim Dimension, usage Usage)) ManagerOption {
	return func(m *Manager) { m.onKill = fn }
}

// WithSamplerFactory overrides how usage samplers are built, so tests
// can drive the monitor with synthetic observations.
func WithSamplerFactory(fn func(sb *Sandbox) Sampler) ManagerOption {
	return func(m *Manager) { m.samplerFor = fn }
}

// NewManager creates a sandbox manager. Panics if enforcer or events is
// nil; both are required for a sandbox to be meaningfully constrained
// and observable.
func NewManager(enforcer *permission.Enforcer, events *plugin.Broadcaster, opts ...ManagerOption) *Manager {
	if enforcer == nil {
		panic("sandbox.NewManager: enforcer cannot be nil")
	}
	if events == nil {
		panic("sandbox.NewManager: events cannot be nil")
	}
	m := &Manager{
		factory:         NewStateFactory(),
		enforcer:        enforcer,
		hostFuncs:       NewHostFunctions(enforcer),
		events:          events,
		monitorInterval: DefaultMonitorInterval,
		sandboxes:       make(map[string]*Sandbox),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.hostFuncs.SetNetworkObserver(m.observeNetworkBytes)
	return m
}

// Create spins up an isolated execution context for pluginID with the
// given limits and grants the permissions in perms. Fails with
// SANDBOX_EXISTS if a sandbox for that id is live.
func (m *Manager) Create(ctx context.Context, pluginID string, installDir string, limits ResourceLimits, perms []plugin.Permission) (*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, live := m.sandboxes[pluginID]; live {
		return nil, oops.In("sandbox").Code(CodeSandboxExists).
			With("plugin", pluginID).
			New("a sandbox for this plugin is already live")
	}

	if err := m.enforcer.Grant(pluginID, perms); err != nil {
		return nil, oops.In("sandbox").With("plugin", pluginID).
			Hint("invalid permission set").Wrap(err)
	}

	L, err := m.factory.NewState(ctx)
	if err != nil {
		m.enforcer.Revoke(pluginID)
		return nil, oops.In("sandbox").Code(CodeLoadError).
			With("plugin", pluginID).Wrap(err)
	}
	m.hostFuncs.Register(L, pluginID)

	sb := &Sandbox{
		pluginID:   pluginID,
		limits:     limits,
		installDir: installDir,
		state:      L,
		modules:    make(map[string]struct{}),
	}

	var sampler Sampler
	if m.samplerFor != nil {
		sampler = m.samplerFor(sb)
	} else {
		sampler = newLuaSampler(sb)
	}
	sb.monitor = newMonitor(pluginID, limits, m.monitorInterval, sampler, m.handleBreach, m.recorder)
	sb.monitor.start()

	m.sandboxes[pluginID] = sb

	slog.Info("sandbox created",
		"plugin", pluginID,
		"max_memory_mb", limits.MaxMemoryMB,
		"max_execution_time", limits.MaxExecutionTime)
	return sb, nil
}

// Destroy terminates the sandbox for pluginID and releases its
// resources. Fails with SANDBOX_NOT_FOUND for unknown ids.
func (m *Manager) Destroy(pluginID string) error {
	m.mu.Lock()
	sb, ok := m.sandboxes[pluginID]
	if ok {
		delete(m.sandboxes, pluginID)
	}
	m.mu.Unlock()

	if !ok {
		return oops.In("sandbox").Code(CodeSandboxNotFound).
			With("plugin", pluginID).
			New("no live sandbox for plugin")
	}

	m.teardown(sb)
	slog.Info("sandbox destroyed", "plugin", pluginID)
	return nil
}

// teardown stops the monitor, closes the state, and revokes grants.
func (m *Manager) teardown(sb *Sandbox) {
	sb.destroyed.Store(true)
	sb.monitor.stop()

	sb.mu.Lock()
	sb.state.Close()
	sb.mu.Unlock()

	m.enforcer.Revoke(sb.pluginID)
}

// Get returns the live sandbox for pluginID, or nil.
func (m *Manager) Get(pluginID string) *Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sandboxes[pluginID]
}

// Live returns the number of live sandboxes.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sandboxes)
}

// LoadModule reads and evaluates the module at path inside the sandbox.
// Loads are cached by cleaned path: repeated loads are O(1) after the
// first. Evaluation races the execution-time limit and fails with
// LOAD_TIMEOUT on expiry, LOAD_ERROR otherwise.
func (m *Manager) LoadModule(ctx context.Context, sb *Sandbox, path string) error {
	path = filepath.Clean(path)

	sb.mu.Lock()
	_, cached := sb.modules[path]
	sb.mu.Unlock()
	if cached {
		return nil
	}

	code, err := os.ReadFile(path) //nolint:gosec // path comes from a validated plugin package
	if err != nil {
		return oops.In("sandbox").Code(CodeLoadError).
			With("plugin", sb.pluginID).With("path", path).
			Hint("failed to read module").Wrap(err)
	}

	err = sb.run(ctx, "load_module", func(L *lua.LState) error {
		return L.DoString(string(code))
	})
	if err != nil {
		if ErrorCode(err) == CodeExecutionTimeout {
			return oops.In("sandbox").Code(CodeLoadTimeout).
				With("plugin", sb.pluginID).With("path", path).
				New("module evaluation exceeded time limit")
		}
		return oops.In("sandbox").Code(CodeLoadError).
			With("plugin", sb.pluginID).With("path", path).Wrap(err)
	}

	sb.mu.Lock()
	sb.modules[path] = struct{}{}
	sb.mu.Unlock()
	return nil
}

// Execute runs a chunk of code inside the sandbox under the execution
// deadline. Used for lifecycle hooks and diagnostics.
func (m *Manager) Execute(ctx context.Context, sb *Sandbox, code string) error {
	ctx, span := tracer.Start(ctx, "sandbox.Execute",
		attributeSpan(sb.pluginID))
	defer span.End()

	return sb.run(ctx, "execute", func(L *lua.LState) error {
		return L.DoString(code)
	})
}

// CallFunction invokes a global function defined by the plugin's module
// with the given intent parameters and call context, returning the
// copied result. Fails with HANDLER_NOT_DEFINED when the function does
// not exist.
func (m *Manager) CallFunction(ctx context.Context, sb *Sandbox, fn string, meta *plugin.Metadata, params map[string]any, callerID string) (any, error) {
	ctx, span := tracer.Start(ctx, "sandbox.CallFunction",
		attributeSpan(sb.pluginID))
	defer span.End()

	var result any
	err := sb.run(ctx, "call:"+fn, func(L *lua.LState) error {
		target := L.GetGlobal(fn)
		if target.Type() == lua.LTNil {
			return oops.Code(CodeHandlerNotDefined).
				Errorf("function %q is not defined", fn)
		}

		if err := L.CallByParam(lua.P{
			Fn:      target,
			NRet:    1,
			Protect: true,
		}, paramsTable(L, params), contextTable(L, meta, callerID)); err != nil {
			return err
		}

		ret := L.Get(-1)
		L.Pop(1)
		result = fromLua(ret)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HasFunction reports whether the plugin module defines fn.
func (m *Manager) HasFunction(sb *Sandbox, fn string) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.destroyed.Load() {
		return false
	}
	return sb.state.GetGlobal(fn).Type() != lua.LTNil
}

// observeNetworkBytes routes host-function traffic accounting to the
// owning sandbox.
func (m *Manager) observeNetworkBytes(pluginID string, n int64) {
	if sb := m.Get(pluginID); sb != nil {
		sb.addNetworkBytes(n)
	}
}

// handleBreach is the monitor's kill path: terminate unconditionally,
// emit resourceLimitExceeded, then let the composition layer react. A
// runaway plugin must never degrade the host or co-located plugins.
func (m *Manager) handleBreach(pluginID string, dim Dimension, usage Usage) {
	if err := m.Destroy(pluginID); err != nil {
		// Already destroyed by a racing call; the breach event still stands.
		slog.Warn("sandbox already gone during breach kill",
			"plugin", pluginID, "error", err)
	}

	m.events.Emit(plugin.NewEvent(plugin.EventResourceLimitExceeded, pluginID, map[string]string{
		"dimension": string(dim),
		"memory_mb": formatFloat(usage.MemoryMB),
		"cpu_pct":   formatFloat(usage.CPUPercent),
	}))

	if m.onKill != nil {
		m.onKill(pluginID, dim, usage)
	}
}

// Close destroys all live sandboxes.
func (m *Manager) Close() {
	m.mu.Lock()
	sandboxes := make([]*Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		sandboxes = append(sandboxes, sb)
	}
	m.sandboxes = make(map[string]*Sandbox)
	m.mu.Unlock()

	for _, sb := range sandboxes {
		m.teardown(sb)
	}
}

func attributeSpan(pluginID string) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("plugin.id", pluginID))
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%.2f", f)
}
