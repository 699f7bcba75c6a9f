// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

// Package loader bridges on-disk plugin packages and live sandbox
// instances. It owns the map of currently-loaded plugin instances.
package loader

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/lumina-assist/lumina/internal/plugin"
	"github.com/lumina-assist/lumina/internal/plugin/goplugin"
	"github.com/lumina-assist/lumina/internal/plugin/sandbox"
)

// Error codes for programmatic checks via oops.
const (
	CodeAlreadyLoaded = "PLUGIN_ALREADY_LOADED"
	CodeNotLoaded     = "PLUGIN_NOT_LOADED"
	CodeInvalidPlugin = "PLUGIN_INVALID"
)

// Discovered is a valid plugin package found on disk.
type Discovered struct {
	Metadata *plugin.Metadata
	Dir      string
}

// Loaded is a live plugin instance and where it came from.
type Loaded struct {
	Metadata *plugin.Metadata
	Dir      string
	Instance plugin.Instance
	LoadedAt time.Time
}

// Loader loads plugin packages into sandboxes. Limits applied at load
// time come from the configured defaults; a per-plugin override hook
// can be added via WithLimits.
type Loader struct {
	dirs      []string
	sandboxes *sandbox.Manager
	binaries  *goplugin.Host
	limitsFor func(meta *plugin.Metadata) sandbox.ResourceLimits

	mu     sync.RWMutex
	loaded map[string]*Loaded
}

// Option configures the Loader.
type Option func(*Loader)

// WithBinaryHost enables binary plugin loading through h.
func WithBinaryHost(h *goplugin.Host) Option {
	return func(l *Loader) { l.binaries = h }
}

// WithLimits sets the resource-limit policy applied per plugin.
func WithLimits(fn func(meta *plugin.Metadata) sandbox.ResourceLimits) Option {
	return func(l *Loader) { l.limitsFor = fn }
}

// New creates a loader scanning the given directories. Panics if
// sandboxes is nil.
func New(sandboxes *sandbox.Manager, dirs []string, opts ...Option) *Loader {
	if sandboxes == nil {
		panic("loader.New: sandbox manager cannot be nil")
	}
	l := &Loader{
		dirs:      dirs,
		sandboxes: sandboxes,
		limitsFor: func(*plugin.Metadata) sandbox.ResourceLimits { return sandbox.DefaultLimits() },
		loaded:    make(map[string]*Loaded),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Discover scans the configured directories for valid plugin packages:
// a readable, valid manifest plus an existing entry module. Packages
// failing validation are logged and skipped, never aborting the scan.
func (l *Loader) Discover(_ context.Context) ([]*Discovered, error) {
	var found []*Discovered
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, oops.In("loader").With("dir", dir).
				Hint("failed to read plugins directory").Wrap(err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			pluginDir := filepath.Join(dir, entry.Name())
			meta, err := l.validatePackage(pluginDir)
			if err != nil {
				slog.Warn("skipping invalid plugin package",
					"dir", entry.Name(), "error", err)
				continue
			}
			found = append(found, &Discovered{Metadata: meta, Dir: pluginDir})
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Metadata.ID < found[j].Metadata.ID
	})
	return found, nil
}

// validatePackage checks the package contract: manifest passes schema
// and semantic validation, entry module exists.
func (l *Loader) validatePackage(dir string) (*plugin.Metadata, error) {
	manifestPath := filepath.Join(dir, plugin.ManifestFileName)
	data, err := os.ReadFile(manifestPath) //nolint:gosec // path constructed from ReadDir entries
	if err != nil {
		return nil, oops.In("loader").Code(CodeInvalidPlugin).
			With("path", manifestPath).Hint("manifest unreadable").Wrap(err)
	}

	if err := plugin.ValidateSchema(data); err != nil {
		return nil, oops.In("loader").Code(CodeInvalidPlugin).
			With("path", manifestPath).Wrap(err)
	}
	meta, err := plugin.ParseManifest(data)
	if err != nil {
		return nil, oops.In("loader").Code(CodeInvalidPlugin).
			With("path", manifestPath).Wrap(err)
	}

	entryPath := filepath.Join(dir, meta.Entry)
	if _, err := os.Stat(entryPath); err != nil {
		return nil, oops.In("loader").Code(CodeInvalidPlugin).
			With("plugin", meta.ID).With("entry", entryPath).
			Hint("entry module missing").Wrap(err)
	}
	return meta, nil
}

// Load validates the package at dir, creates a sandbox, and loads the
// entry module inside it. Fails with PLUGIN_ALREADY_LOADED if the id is
// already active.
func (l *Loader) Load(ctx context.Context, dir string) (*Loaded, error) {
	meta, err := l.validatePackage(dir)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if _, active := l.loaded[meta.ID]; active {
		l.mu.Unlock()
		return nil, oops.In("loader").Code(CodeAlreadyLoaded).
			With("plugin", meta.ID).
			New("plugin is already loaded")
	}
	// Reserve the slot so concurrent loads of the same id fail fast.
	l.loaded[meta.ID] = nil
	l.mu.Unlock()

	instance, err := l.instantiate(ctx, meta, dir)
	if err != nil {
		l.mu.Lock()
		delete(l.loaded, meta.ID)
		l.mu.Unlock()
		return nil, err
	}

	loaded := &Loaded{
		Metadata: meta,
		Dir:      dir,
		Instance: instance,
		LoadedAt: time.Now(),
	}
	l.mu.Lock()
	l.loaded[meta.ID] = loaded
	l.mu.Unlock()

	slog.Info("plugin loaded",
		"plugin", meta.ID,
		"version", meta.Version,
		"runtime", string(meta.Runtime))
	return loaded, nil
}

// instantiate builds the runtime-appropriate instance.
func (l *Loader) instantiate(ctx context.Context, meta *plugin.Metadata, dir string) (plugin.Instance, error) {
	switch meta.Runtime {
	case plugin.RuntimeLua:
		sb, err := l.sandboxes.Create(ctx, meta.ID, dir, l.limitsFor(meta), meta.Permissions)
		if err != nil {
			return nil, err
		}
		if err := l.sandboxes.LoadModule(ctx, sb, filepath.Join(dir, meta.Entry)); err != nil {
			_ = l.sandboxes.Destroy(meta.ID) //nolint:errcheck // cleanup of the sandbox we just created
			return nil, err
		}
		return newLuaInstance(l.sandboxes, sb, meta), nil

	case plugin.RuntimeBinary:
		if l.binaries == nil {
			return nil, oops.In("loader").Code(CodeInvalidPlugin).
				With("plugin", meta.ID).
				New("binary plugins are not enabled on this host")
		}
		return l.binaries.Load(ctx, meta, dir)

	default:
		return nil, oops.In("loader").Code(CodeInvalidPlugin).
			With("plugin", meta.ID).
			Errorf("unknown runtime %q", meta.Runtime)
	}
}

// Unload destroys the plugin's execution context and removes the
// instance. Fails with PLUGIN_NOT_LOADED if absent.
func (l *Loader) Unload(ctx context.Context, pluginID string) error {
	l.mu.Lock()
	loaded, active := l.loaded[pluginID]
	if active {
		delete(l.loaded, pluginID)
	}
	l.mu.Unlock()

	if !active || loaded == nil {
		return oops.In("loader").Code(CodeNotLoaded).
			With("plugin", pluginID).
			New("plugin is not loaded")
	}

	switch loaded.Metadata.Runtime {
	case plugin.RuntimeLua:
		if err := l.sandboxes.Destroy(pluginID); err != nil {
			// The monitor may have killed it already; unload still
			// succeeds from the caller's perspective.
			slog.Warn("sandbox already destroyed during unload",
				"plugin", pluginID, "error", err)
		}
	case plugin.RuntimeBinary:
		if err := l.binaries.Unload(ctx, pluginID); err != nil {
			slog.Warn("binary host unload failed",
				"plugin", pluginID, "error", err)
		}
	}

	slog.Info("plugin unloaded", "plugin", pluginID)
	return nil
}

// Reload unloads then loads again from the same directory, used after
// file-level changes.
func (l *Loader) Reload(ctx context.Context, pluginID string) (*Loaded, error) {
	l.mu.RLock()
	loaded, active := l.loaded[pluginID]
	l.mu.RUnlock()
	if !active || loaded == nil {
		return nil, oops.In("loader").Code(CodeNotLoaded).
			With("plugin", pluginID).
			New("plugin is not loaded")
	}

	dir := loaded.Dir
	if err := l.Unload(ctx, pluginID); err != nil {
		return nil, err
	}
	return l.Load(ctx, dir)
}

// Get returns the loaded instance for pluginID, or nil.
func (l *Loader) Get(pluginID string) *Loaded {
	l.mu.RLock()
	defer l.mu.RUnlock()
	loaded := l.loaded[pluginID]
	if loaded == nil {
		return nil
	}
	return loaded
}

// List returns all loaded instances sorted by plugin id.
func (l *Loader) List() []*Loaded {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Loaded, 0, len(l.loaded))
	for _, loaded := range l.loaded {
		if loaded != nil {
			out = append(out, loaded)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.ID < out[j].Metadata.ID
	})
	return out
}

// Close unloads everything.
func (l *Loader) Close(ctx context.Context) {
	for _, loaded := range l.List() {
		if err := l.Unload(ctx, loaded.Metadata.ID); err != nil {
			slog.Warn("unload during close failed",
				"plugin", loaded.Metadata.ID, "error", err)
		}
	}
}
