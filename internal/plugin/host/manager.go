// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

// Package host composes the plugin subsystem: registry, sandboxes,
// loader, compatibility checker, and updater behind one Manager that
// the CLI and the voice pipeline talk to.
package host

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumina-assist/lumina/internal/fsutil"
	"github.com/lumina-assist/lumina/internal/plugin"
	"github.com/lumina-assist/lumina/internal/plugin/compat"
	"github.com/lumina-assist/lumina/internal/plugin/goplugin"
	"github.com/lumina-assist/lumina/internal/plugin/loader"
	"github.com/lumina-assist/lumina/internal/plugin/permission"
	"github.com/lumina-assist/lumina/internal/plugin/registry"
	"github.com/lumina-assist/lumina/internal/plugin/sandbox"
	"github.com/lumina-assist/lumina/internal/plugin/updater"
)

var tracer = otel.Tracer("lumina/host")

// Error codes for programmatic checks via oops.
const (
	CodeIntentNotFound    = "INTENT_NOT_FOUND"
	CodeInvalidParameters = "INVALID_PARAMETERS"
	CodeRateLimited       = "RATE_LIMITED"
	CodeIncompatible      = "PLUGIN_INCOMPATIBLE"
	CodeNotEnabled        = "PLUGIN_NOT_ENABLED"
	CodeHandlerError      = "HANDLER_ERROR"
)

// Config configures the Manager.
type Config struct {
	// HostVersion is the plugin API version manifests constrain against.
	HostVersion string
	// InstallRoot is where plugin packages are installed, one directory
	// per plugin id.
	InstallRoot string
	// RegistryPath is the registry JSON file.
	RegistryPath string
	// BackupRoot is where the updater keeps version backups.
	BackupRoot string
	// RateLimit tunes per-caller dispatch limiting.
	RateLimit RateLimiterConfig
	// MonitorInterval overrides the resource monitor tick; zero keeps
	// the sandbox default.
	MonitorInterval time.Duration
	// Registerer receives the manager's metrics; nil disables them.
	Registerer prometheus.Registerer
}

// Manager is the plugin subsystem's public surface.
type Manager struct {
	cfg      Config
	checker  *compat.Checker
	events   *plugin.Broadcaster
	enforcer *permission.Enforcer

	registry  *registry.Registry
	sandboxes *sandbox.Manager
	binaries  *goplugin.Host
	loader    *loader.Loader
	updates   *updater.Updater
	limiter   *RateLimiter
	metrics   *Metrics

	// intentMu guards the dispatch index, rebuilt on every enable or
	// disable from the set of loaded instances.
	intentMu sync.RWMutex
	intents  map[string]string
	schemas  map[string]*jschema.Schema

	// watchMu guards per-process samplers for binary plugins.
	watchMu  sync.Mutex
	watchers map[string]chan struct{}
	watchWG  sync.WaitGroup

	eventCh chan plugin.Event
	eventWG sync.WaitGroup
}

// New wires up the plugin subsystem. The returned manager is running:
// its updater worker and event loop are live, but no plugins are loaded
// until Sync or Enable.
func New(cfg Config) (*Manager, error) {
	checker, err := compat.NewChecker(cfg.HostVersion)
	if err != nil {
		return nil, oops.In("host").Hint("invalid host version").Wrap(err)
	}
	if err := os.MkdirAll(cfg.InstallRoot, 0o750); err != nil {
		return nil, oops.In("host").With("path", cfg.InstallRoot).
			Hint("failed to create install root").Wrap(err)
	}

	m := &Manager{
		cfg:      cfg,
		checker:  checker,
		events:   plugin.NewBroadcaster(),
		enforcer: permission.NewEnforcer(),
		intents:  make(map[string]string),
		schemas:  make(map[string]*jschema.Schema),
		watchers: make(map[string]chan struct{}),
	}

	m.registry, err = registry.Open(cfg.RegistryPath, m.events)
	if err != nil {
		return nil, err
	}

	sandboxOpts := []sandbox.ManagerOption{
		sandbox.WithUsageRecorder(m.registry),
		sandbox.WithKillCallback(m.onSandboxKill),
	}
	if cfg.MonitorInterval > 0 {
		sandboxOpts = append(sandboxOpts, sandbox.WithMonitorInterval(cfg.MonitorInterval))
	}
	m.sandboxes = sandbox.NewManager(m.enforcer, m.events, sandboxOpts...)

	m.binaries = goplugin.NewHost(m.enforcer,
		goplugin.WithStartCallback(m.watchProcess))

	m.loader = loader.New(m.sandboxes, []string{cfg.InstallRoot},
		loader.WithBinaryHost(m.binaries))

	m.updates = updater.New(m, m.events, cfg.BackupRoot)
	m.limiter = NewRateLimiter(cfg.RateLimit)
	if cfg.Registerer != nil {
		m.metrics = NewMetrics(cfg.Registerer)
	}

	m.eventCh = m.events.Subscribe(
		plugin.EventUpdateCompleted,
		plugin.EventUpdateFailed,
		plugin.EventUpdateRolledBack,
	)
	m.eventWG.Add(1)
	go m.eventLoop()

	return m, nil
}

// eventLoop folds update outcomes into metrics.
func (m *Manager) eventLoop() {
	defer m.eventWG.Done()
	for event := range m.eventCh {
		switch event.Type {
		case plugin.EventUpdateCompleted:
			m.metrics.observeUpdate(event.PluginID, "completed")
		case plugin.EventUpdateFailed:
			m.metrics.observeUpdate(event.PluginID, "failed")
		case plugin.EventUpdateRolledBack:
			m.metrics.observeUpdate(event.PluginID, "rolled_back")
		}
	}
}

// Sync reconciles disk and registry at startup: packages found under
// the install root but absent from the registry are registered, and
// every plugin the registry says is enabled is brought back up. A
// plugin that fails to come up is marked errored, never fatal.
func (m *Manager) Sync(ctx context.Context) error {
	discovered, err := m.loader.Discover(ctx)
	if err != nil {
		return err
	}

	for _, d := range discovered {
		if m.registry.Get(d.Metadata.ID) != nil {
			continue
		}
		verdict := m.checker.Check(d.Metadata, m.installedSet(""))
		if !verdict.Compatible {
			slog.Warn("skipping incompatible plugin found on disk",
				"plugin", d.Metadata.ID, "issues", len(verdict.Issues))
			continue
		}
		if err := m.registry.Register(d.Metadata, d.Dir); err != nil {
			slog.Warn("failed to register discovered plugin",
				"plugin", d.Metadata.ID, "error", err)
		}
	}

	for _, entry := range m.registry.List() {
		if entry.Status != registry.StatusEnabled {
			continue
		}
		if err := m.bringUp(ctx, entry); err != nil {
			slog.Error("plugin failed to restore at startup",
				"plugin", entry.Metadata.ID, "error", err)
			if serr := m.registry.SetStatus(entry.Metadata.ID, registry.StatusError, err.Error()); serr != nil {
				slog.Warn("failed to mark plugin errored",
					"plugin", entry.Metadata.ID, "error", serr)
			}
		}
	}
	return nil
}

// Install validates the package at packageDir, checks compatibility
// against the installed set, copies it under the install root, and
// registers it (status installed, not enabled). The on_install hook
// runs in a transient instance.
func (m *Manager) Install(ctx context.Context, packageDir string) (*registry.Entry, error) {
	ctx, span := tracer.Start(ctx, "host.Install")
	defer span.End()

	meta, err := readPackage(packageDir)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("plugin.id", meta.ID))

	if m.registry.Get(meta.ID) != nil {
		return nil, oops.In("host").Code(registry.CodeAlreadyRegistered).
			With("plugin", meta.ID).
			New("plugin is already installed")
	}

	verdict := m.checker.Check(meta, m.installedSet(""))
	if !verdict.Compatible {
		return nil, oops.In("host").Code(CodeIncompatible).
			With("plugin", meta.ID).
			With("issues", issueSummaries(verdict.Issues)).
			With("score", verdict.Score).
			New("plugin is incompatible with this host")
	}
	for _, warn := range verdict.Warnings {
		slog.Warn("install compatibility warning",
			"plugin", meta.ID, "type", string(warn.Type), "detail", warn.Message)
	}

	installDir := filepath.Join(m.cfg.InstallRoot, meta.ID)
	if err := fsutil.CopyTree(packageDir, installDir); err != nil {
		return nil, oops.In("host").With("plugin", meta.ID).
			Hint("failed to copy package into install root").Wrap(err)
	}

	if err := m.registry.Register(meta, installDir); err != nil {
		_ = os.RemoveAll(installDir) //nolint:errcheck // undo partial install
		return nil, err
	}

	m.runTransientHook(ctx, meta.ID, installDir, plugin.HookInstall)

	slog.Info("plugin installed",
		"plugin", meta.ID, "version", meta.Version)
	return m.registry.Get(meta.ID), nil
}

// Enable loads the plugin and transitions it to enabled. Enabling an
// already-enabled plugin is a no-op.
func (m *Manager) Enable(ctx context.Context, pluginID string) error {
	ctx, span := tracer.Start(ctx, "host.Enable",
		trace.WithAttributes(attribute.String("plugin.id", pluginID)))
	defer span.End()

	entry := m.registry.Get(pluginID)
	if entry == nil {
		return oops.In("host").Code(registry.CodeNotRegistered).
			With("plugin", pluginID).
			New("plugin is not installed")
	}
	if entry.Status == registry.StatusEnabled && m.loader.Get(pluginID) != nil {
		return nil
	}

	if err := m.bringUp(ctx, entry); err != nil {
		if serr := m.registry.SetStatus(pluginID, registry.StatusError, err.Error()); serr != nil {
			slog.Warn("failed to mark plugin errored",
				"plugin", pluginID, "error", serr)
		}
		return err
	}
	return m.registry.SetStatus(pluginID, registry.StatusEnabled, "")
}

// bringUp loads the instance and runs on_enable, unloading again if
// the hook fails.
func (m *Manager) bringUp(ctx context.Context, entry *registry.Entry) error {
	loaded, err := m.loader.Load(ctx, entry.InstallPath)
	if err != nil {
		return err
	}
	if err := loaded.Instance.Lifecycle(ctx, plugin.HookEnable); err != nil {
		_ = m.loader.Unload(ctx, entry.Metadata.ID) //nolint:errcheck // rollback of the load above
		return oops.In("host").With("plugin", entry.Metadata.ID).
			Hint("on_enable hook failed").Wrap(err)
	}
	m.rebuildIntents()
	m.metrics.setLoaded(len(m.loader.List()))
	return nil
}

// Disable runs on_disable, unloads the plugin, and transitions it to
// disabled. Disabling a plugin that is not enabled is a no-op.
func (m *Manager) Disable(ctx context.Context, pluginID string) error {
	ctx, span := tracer.Start(ctx, "host.Disable",
		trace.WithAttributes(attribute.String("plugin.id", pluginID)))
	defer span.End()

	entry := m.registry.Get(pluginID)
	if entry == nil {
		return oops.In("host").Code(registry.CodeNotRegistered).
			With("plugin", pluginID).
			New("plugin is not installed")
	}
	if entry.Status == registry.StatusDisabled {
		return nil
	}

	if loaded := m.loader.Get(pluginID); loaded != nil {
		if err := loaded.Instance.Lifecycle(ctx, plugin.HookDisable); err != nil {
			slog.Warn("on_disable hook failed",
				"plugin", pluginID, "error", err)
		}
		if err := m.loader.Unload(ctx, pluginID); err != nil {
			slog.Warn("unload during disable failed",
				"plugin", pluginID, "error", err)
		}
	}
	m.stopWatcher(pluginID)
	m.rebuildIntents()
	m.metrics.setLoaded(len(m.loader.List()))

	return m.registry.SetStatus(pluginID, registry.StatusDisabled, "")
}

// Uninstall removes a plugin entirely: disables it if needed, runs
// on_uninstall, unregisters it, and deletes its files.
func (m *Manager) Uninstall(ctx context.Context, pluginID string) error {
	ctx, span := tracer.Start(ctx, "host.Uninstall",
		trace.WithAttributes(attribute.String("plugin.id", pluginID)))
	defer span.End()

	entry := m.registry.Get(pluginID)
	if entry == nil {
		return oops.In("host").Code(registry.CodeNotRegistered).
			With("plugin", pluginID).
			New("plugin is not installed")
	}

	if entry.Status == registry.StatusEnabled {
		if err := m.Disable(ctx, pluginID); err != nil {
			return err
		}
	}

	m.runTransientHook(ctx, pluginID, entry.InstallPath, plugin.HookUninstall)

	if err := m.registry.Unregister(pluginID); err != nil {
		return err
	}
	if err := os.RemoveAll(entry.InstallPath); err != nil {
		slog.Warn("failed to remove plugin files",
			"plugin", pluginID, "path", entry.InstallPath, "error", err)
	}

	slog.Info("plugin uninstalled", "plugin", pluginID)
	return nil
}

// runTransientHook loads the plugin just long enough to run one hook.
// Hook failures are logged, not returned: install and uninstall must
// not be blocked by misbehaving hook code.
func (m *Manager) runTransientHook(ctx context.Context, pluginID, dir string, hook plugin.Hook) {
	if m.loader.Get(pluginID) != nil {
		// Already loaded; run in place.
		if err := m.loader.Get(pluginID).Instance.Lifecycle(ctx, hook); err != nil {
			slog.Warn("lifecycle hook failed",
				"plugin", pluginID, "hook", string(hook), "error", err)
		}
		return
	}

	loaded, err := m.loader.Load(ctx, dir)
	if err != nil {
		slog.Warn("could not load plugin for lifecycle hook",
			"plugin", pluginID, "hook", string(hook), "error", err)
		return
	}
	if err := loaded.Instance.Lifecycle(ctx, hook); err != nil {
		slog.Warn("lifecycle hook failed",
			"plugin", pluginID, "hook", string(hook), "error", err)
	}
	if err := m.loader.Unload(ctx, pluginID); err != nil {
		slog.Warn("unload after lifecycle hook failed",
			"plugin", pluginID, "error", err)
	}
}

// HandleIntent dispatches one intent call: rate limit, resolve the
// owning plugin, validate parameters against the declared schema, and
// call into the instance.
func (m *Manager) HandleIntent(ctx context.Context, intentID string, params map[string]any, callerID string) (any, error) {
	ctx, span := tracer.Start(ctx, "host.HandleIntent",
		trace.WithAttributes(
			attribute.String("intent.id", intentID),
			attribute.String("caller.id", callerID),
		))
	defer span.End()

	if allowed, cooldownMs := m.limiter.Allow(callerID); !allowed {
		m.metrics.observeDispatch("", intentID, "rate_limited", 0)
		return nil, oops.In("host").Code(CodeRateLimited).
			With("caller", callerID).
			With("cooldown_ms", cooldownMs).
			New("caller is rate limited")
	}

	m.intentMu.RLock()
	pluginID, ok := m.intents[intentID]
	schema := m.schemas[intentID]
	m.intentMu.RUnlock()
	if !ok {
		m.metrics.observeDispatch("", intentID, "not_found", 0)
		return nil, oops.In("host").Code(CodeIntentNotFound).
			With("intent", intentID).
			New("no enabled plugin handles this intent")
	}
	span.SetAttributes(attribute.String("plugin.id", pluginID))

	if schema != nil {
		if err := schema.Validate(normalizeParams(params)); err != nil {
			m.metrics.observeDispatch(pluginID, intentID, "invalid_params", 0)
			return nil, oops.In("host").Code(CodeInvalidParameters).
				With("intent", intentID).
				Hint(plugin.FormatSchemaError(err)).
				Wrap(err)
		}
	}

	loaded := m.loader.Get(pluginID)
	if loaded == nil {
		m.metrics.observeDispatch(pluginID, intentID, "not_loaded", 0)
		return nil, oops.In("host").Code(CodeNotEnabled).
			With("plugin", pluginID).
			New("plugin is not loaded")
	}

	start := time.Now()
	result, err := loaded.Instance.Handle(ctx, intentID, params, callerID)
	elapsed := time.Since(start)
	if err != nil {
		m.metrics.observeDispatch(pluginID, intentID, "error", elapsed)
		if sandbox.ErrorCode(err) != "" {
			return nil, err
		}
		return nil, oops.In("host").Code(CodeHandlerError).
			With("plugin", pluginID).With("intent", intentID).
			Wrap(err)
	}

	m.metrics.observeDispatch(pluginID, intentID, "ok", elapsed)
	return result, nil
}

// Intents returns the dispatchable intents of all enabled plugins.
func (m *Manager) Intents() map[string]string {
	m.intentMu.RLock()
	defer m.intentMu.RUnlock()
	out := make(map[string]string, len(m.intents))
	for intentID, pluginID := range m.intents {
		out[intentID] = pluginID
	}
	return out
}

// rebuildIntents recomputes the dispatch index from loaded instances.
// Compatibility checking rejects intent id conflicts at install time,
// so a duplicate here means a stale index entry loses to the latest
// enable; log it anyway.
func (m *Manager) rebuildIntents() {
	intents := make(map[string]string)
	schemas := make(map[string]*jschema.Schema)

	for _, loaded := range m.loader.List() {
		for i := range loaded.Metadata.Intents {
			intent := &loaded.Metadata.Intents[i]
			if prev, dup := intents[intent.ID]; dup {
				slog.Warn("intent id registered by two loaded plugins",
					"intent", intent.ID, "kept", loaded.Metadata.ID, "displaced", prev)
			}
			intents[intent.ID] = loaded.Metadata.ID

			if len(intent.Parameters) > 0 {
				sch, err := plugin.CompileParameterSchema(intent)
				if err != nil {
					slog.Warn("parameter schema failed to compile; dispatch unvalidated",
						"plugin", loaded.Metadata.ID, "intent", intent.ID, "error", err)
					continue
				}
				schemas[intent.ID] = sch
			}
		}
	}

	m.intentMu.Lock()
	m.intents = intents
	m.schemas = schemas
	m.intentMu.Unlock()
}

// Check runs the compatibility verdict for a package on disk without
// installing it.
func (m *Manager) Check(packageDir string) (*plugin.Metadata, compat.Result, error) {
	meta, err := readPackage(packageDir)
	if err != nil {
		return nil, compat.Result{}, err
	}
	return meta, m.checker.Check(meta, m.installedSet("")), nil
}

// Update queues a hot-swap to the package at packageDir.
func (m *Manager) Update(pluginID, packageDir string, force bool) (*updater.Task, error) {
	return m.updates.Enqueue(pluginID, packageDir, force)
}

// UpdateTasks returns all known update tasks, newest first.
func (m *Manager) UpdateTasks() []*updater.Task {
	return m.updates.Tasks()
}

// CheckForUpdates scans installed manifests for newer on-disk versions.
func (m *Manager) CheckForUpdates(pluginID string) ([]registry.UpdateCandidate, error) {
	return m.registry.CheckForUpdates(pluginID)
}

// Search queries the registry with the search DSL.
func (m *Manager) Search(query string) ([]*registry.Entry, error) {
	return m.registry.Search(query)
}

// Get returns the registry entry for pluginID, or nil.
func (m *Manager) Get(pluginID string) *registry.Entry {
	return m.registry.Get(pluginID)
}

// List returns all registry entries.
func (m *Manager) List() []*registry.Entry {
	return m.registry.List()
}

// Events exposes the lifecycle event broadcaster.
func (m *Manager) Events() *plugin.Broadcaster {
	return m.events
}

// Stats is a point-in-time summary of the subsystem.
type Stats struct {
	Installed      int `json:"installed"`
	Enabled        int `json:"enabled"`
	Disabled       int `json:"disabled"`
	Errored        int `json:"errored"`
	LiveSandboxes  int `json:"liveSandboxes"`
	TrackedCallers int `json:"trackedCallers"`
	Intents        int `json:"intents"`
}

// Stats summarizes the subsystem's current state.
func (m *Manager) Stats() Stats {
	s := Stats{
		LiveSandboxes:  m.sandboxes.Live(),
		TrackedCallers: m.limiter.CallerCount(),
	}
	for _, entry := range m.registry.List() {
		s.Installed++
		switch entry.Status {
		case registry.StatusEnabled:
			s.Enabled++
		case registry.StatusDisabled:
			s.Disabled++
		case registry.StatusError:
			s.Errored++
		case registry.StatusInstalled:
		}
	}
	m.intentMu.RLock()
	s.Intents = len(m.intents)
	m.intentMu.RUnlock()
	return s
}

// Installed implements updater.HostControl.
func (m *Manager) Installed(pluginID string) (*plugin.Metadata, string, bool, error) {
	entry := m.registry.Get(pluginID)
	if entry == nil {
		return nil, "", false, oops.In("host").Code(registry.CodeNotRegistered).
			With("plugin", pluginID).
			New("plugin is not installed")
	}
	return entry.Metadata, entry.InstallPath, entry.Status == registry.StatusEnabled, nil
}

// CheckUpdate implements updater.HostControl.
func (m *Manager) CheckUpdate(current, next *plugin.Metadata) compat.UpdateResult {
	return m.checker.CheckUpdate(current, next, m.installedSet(current.ID))
}

// Refresh implements updater.HostControl: record swapped metadata.
func (m *Manager) Refresh(_ context.Context, pluginID string, meta *plugin.Metadata) error {
	return m.registry.Update(pluginID, meta)
}

// Dependents implements updater.HostControl: installed plugins that
// declare a dependency on pluginID.
func (m *Manager) Dependents(pluginID string) []string {
	var out []string
	for _, entry := range m.registry.List() {
		if _, ok := entry.Metadata.Dependencies[pluginID]; ok {
			out = append(out, entry.Metadata.ID)
		}
	}
	return out
}

// installedSet snapshots the registry as the checker's input, omitting
// excludeID (the plugin being updated compares against everyone else).
func (m *Manager) installedSet(excludeID string) []compat.Installed {
	entries := m.registry.List()
	out := make([]compat.Installed, 0, len(entries))
	for _, entry := range entries {
		if entry.Metadata.ID == excludeID {
			continue
		}
		out = append(out, compat.Installed{
			Metadata: entry.Metadata,
			Enabled:  entry.Status == registry.StatusEnabled,
		})
	}
	return out
}

// onSandboxKill marks a monitor-killed plugin errored and drops its
// loader state.
func (m *Manager) onSandboxKill(pluginID string, dim sandbox.Dimension, usage sandbox.Usage) {
	m.metrics.observeKill(pluginID, string(dim))

	if err := m.loader.Unload(context.Background(), pluginID); err != nil {
		slog.Debug("loader state already gone after kill",
			"plugin", pluginID, "error", err)
	}
	m.rebuildIntents()
	m.metrics.setLoaded(len(m.loader.List()))

	msg := "killed for exceeding " + string(dim) + " limit"
	if err := m.registry.SetStatus(pluginID, registry.StatusError, msg); err != nil {
		slog.Warn("failed to mark killed plugin errored",
			"plugin", pluginID, "error", err)
	}
	slog.Error("plugin killed for resource limit breach",
		"plugin", pluginID, "dimension", string(dim),
		"memory_mb", usage.MemoryMB, "cpu_pct", usage.CPUPercent)
}

// watchProcess samples a binary plugin's subprocess into the registry's
// performance metrics, mirroring what the sandbox monitor does for Lua
// plugins.
func (m *Manager) watchProcess(pluginID string, pid int32) {
	sampler, err := sandbox.NewProcessSampler(pid)
	if err != nil {
		slog.Warn("cannot sample plugin process",
			"plugin", pluginID, "pid", pid, "error", err)
		return
	}

	interval := m.cfg.MonitorInterval
	if interval <= 0 {
		interval = sandbox.DefaultMonitorInterval
	}

	stop := make(chan struct{})
	m.watchMu.Lock()
	if prev, ok := m.watchers[pluginID]; ok {
		close(prev)
	}
	m.watchers[pluginID] = stop
	m.watchMu.Unlock()

	m.watchWG.Add(1)
	go func() {
		defer m.watchWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				usage, err := sampler.Sample(interval)
				if err != nil {
					// Process exited; the watcher stops with it.
					return
				}
				m.registry.RecordUsage(pluginID, usage)
			}
		}
	}()
}

func (m *Manager) stopWatcher(pluginID string) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if stop, ok := m.watchers[pluginID]; ok {
		close(stop)
		delete(m.watchers, pluginID)
	}
}

// readPackage validates the package contract at dir and returns its
// metadata.
func readPackage(dir string) (*plugin.Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, plugin.ManifestFileName)) //nolint:gosec // operator-supplied package path
	if err != nil {
		return nil, oops.In("host").With("dir", dir).
			Hint("package has no readable manifest").Wrap(err)
	}
	if err := plugin.ValidateSchema(data); err != nil {
		return nil, oops.In("host").With("dir", dir).Wrap(err)
	}
	meta, err := plugin.ParseManifest(data)
	if err != nil {
		return nil, oops.In("host").With("dir", dir).Wrap(err)
	}
	if _, err := os.Stat(filepath.Join(dir, meta.Entry)); err != nil {
		return nil, oops.In("host").With("plugin", meta.ID).
			Hint("package is missing its entry module").Wrap(err)
	}
	return meta, nil
}

// normalizeParams converts params to pure JSON value shapes so the
// schema validator behaves the same however the caller built the map.
func normalizeParams(params map[string]any) any {
	if params == nil {
		return map[string]any{}
	}
	return plugin.NormalizeJSON(params)
}

func issueSummaries(issues []compat.Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = string(issue.Type) + ": " + issue.Message
	}
	return out
}

// Close shuts the subsystem down: updater first so no swap is mid-
// flight, then instances, then background loops.
func (m *Manager) Close(ctx context.Context) {
	m.updates.Close()
	m.loader.Close(ctx)
	m.sandboxes.Close()
	if err := m.binaries.Close(ctx); err != nil {
		slog.Warn("binary host close failed", "error", err)
	}

	m.watchMu.Lock()
	for id, stop := range m.watchers {
		close(stop)
		delete(m.watchers, id)
	}
	m.watchMu.Unlock()
	m.watchWG.Wait()

	m.limiter.Close()
	m.events.Unsubscribe(m.eventCh)
	m.eventWG.Wait()
}
