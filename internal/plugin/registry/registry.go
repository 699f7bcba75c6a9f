// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

// Package registry is the durable store of plugin metadata, install
// location, lifecycle status, and performance metrics. It is the single
// source of truth other components read and mutate, and the only
// component permitted to persist state.
package registry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	"github.com/lumina-assist/lumina/internal/plugin"
	"github.com/lumina-assist/lumina/internal/plugin/sandbox"
)

// Status is a plugin's lifecycle state.
type Status string

// Lifecycle statuses. Transitions follow
// installed -> {enabled <-> disabled} -> removed, with error reachable
// from any state and recoverable only by explicit re-enable.
const (
	StatusInstalled Status = "installed"
	StatusEnabled   Status = "enabled"
	StatusDisabled  Status = "disabled"
	StatusError     Status = "error"
)

// Error codes for programmatic checks via oops.
const (
	CodeAlreadyRegistered = "PLUGIN_ALREADY_REGISTERED"
	CodeNotRegistered     = "PLUGIN_NOT_REGISTERED"
	CodeInvalidTransition = "INVALID_TRANSITION"
)

// Metrics is the rolling observed usage for one plugin. Written only by
// the resource monitor; read for diagnostics and eviction decisions.
type Metrics struct {
	MemoryMB    float64       `json:"memoryMB"`
	CPUPercent  float64       `json:"cpuPercent"`
	NetworkKBps float64       `json:"networkKBps"`
	StorageMB   float64       `json:"storageMB"`
	LastLatency time.Duration `json:"lastLatency"`
	ErrorCount  int64         `json:"errorCount"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Entry wraps registered metadata with runtime state. Owned exclusively
// by the Registry; Get and List return deep copies.
type Entry struct {
	Metadata     *plugin.Metadata `json:"metadata"`
	Status       Status           `json:"status"`
	InstallPath  string           `json:"installPath"`
	LastLoaded   *time.Time       `json:"lastLoaded,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	Metrics      Metrics          `json:"performanceMetrics"`
}

func (e *Entry) clone() *Entry {
	out := *e
	out.Metadata = e.Metadata.Clone()
	if e.LastLoaded != nil {
		t := *e.LastLoaded
		out.LastLoaded = &t
	}
	return &out
}

// fileFormatVersion is bumped when the persisted document layout changes.
const fileFormatVersion = 1

// document is the persisted registry file layout.
type document struct {
	Version     int               `json:"version"`
	LastUpdated time.Time         `json:"lastUpdated"`
	Plugins     map[string]*Entry `json:"plugins"`
}

// Registry is safe for concurrent use. All writes are serialized and
// each mutation rewrites the registry file atomically.
type Registry struct {
	path   string
	events *plugin.Broadcaster

	mu      sync.RWMutex
	entries map[string]*Entry
}

// Open loads the registry from path, creating parent directories as
// needed. A missing or corrupt file degrades to an empty registry
// rather than failing startup.
func Open(path string, events *plugin.Broadcaster) (*Registry, error) {
	if events == nil {
		events = plugin.NewBroadcaster()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, oops.In("registry").With("path", path).
			Hint("failed to create registry directory").Wrap(err)
	}

	r := &Registry{
		path:    path,
		events:  events,
		entries: make(map[string]*Entry),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is host configuration
	switch {
	case os.IsNotExist(err):
		// First run.
	case err != nil:
		slog.Warn("registry file unreadable, starting empty",
			"path", path, "error", err)
	default:
		var doc document
		if jsonErr := json.Unmarshal(data, &doc); jsonErr != nil {
			slog.Warn("registry file corrupt, starting empty",
				"path", path, "error", jsonErr)
		} else if doc.Plugins != nil {
			r.entries = doc.Plugins
		}
	}

	return r, nil
}

// Register adds a new plugin. Fails with PLUGIN_ALREADY_REGISTERED when
// the id exists. Emits pluginInstalled.
func (r *Registry) Register(meta *plugin.Metadata, installPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[meta.ID]; exists {
		return oops.In("registry").Code(CodeAlreadyRegistered).
			With("plugin", meta.ID).
			New("plugin is already registered")
	}

	r.entries[meta.ID] = &Entry{
		Metadata:    meta.Clone(),
		Status:      StatusInstalled,
		InstallPath: installPath,
	}
	if err := r.persistLocked(); err != nil {
		delete(r.entries, meta.ID)
		return err
	}

	r.events.Emit(plugin.NewEvent(plugin.EventInstalled, meta.ID, map[string]string{
		"version": meta.Version,
	}))
	return nil
}

// Unregister removes a plugin entirely. Fails with
// PLUGIN_NOT_REGISTERED for unknown ids. Emits pluginUninstalled.
func (r *Registry) Unregister(pluginID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[pluginID]
	if !exists {
		return oops.In("registry").Code(CodeNotRegistered).
			With("plugin", pluginID).
			New("plugin is not registered")
	}

	delete(r.entries, pluginID)
	if err := r.persistLocked(); err != nil {
		r.entries[pluginID] = entry
		return err
	}

	r.events.Emit(plugin.NewEvent(plugin.EventUninstalled, pluginID, map[string]string{
		"version": entry.Metadata.Version,
	}))
	return nil
}

// Update replaces a plugin's metadata in place, preserving status and
// metrics. Used by the updater after a successful swap. Emits
// pluginInstalled carrying the previous version for audit.
func (r *Registry) Update(pluginID string, newMeta *plugin.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[pluginID]
	if !exists {
		return oops.In("registry").Code(CodeNotRegistered).
			With("plugin", pluginID).
			New("plugin is not registered")
	}

	prev := entry.Metadata
	entry.Metadata = newMeta.Clone()
	if err := r.persistLocked(); err != nil {
		entry.Metadata = prev
		return err
	}

	r.events.Emit(plugin.NewEvent(plugin.EventInstalled, pluginID, map[string]string{
		"version":          newMeta.Version,
		"previous_version": prev.Version,
	}))
	return nil
}

// legalTransitions maps each status to the statuses reachable from it.
// error is additionally reachable from every state.
var legalTransitions = map[Status][]Status{
	StatusInstalled: {StatusEnabled, StatusDisabled},
	StatusEnabled:   {StatusDisabled},
	StatusDisabled:  {StatusEnabled},
	StatusError:     {StatusEnabled},
}

func transitionLegal(from, to Status) bool {
	if to == StatusError {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SetStatus transitions a plugin's status, validating the transition is
// legal, and persists. Emits pluginEnabled/Disabled/Error accordingly.
func (r *Registry) SetStatus(pluginID string, status Status, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[pluginID]
	if !exists {
		return oops.In("registry").Code(CodeNotRegistered).
			With("plugin", pluginID).
			New("plugin is not registered")
	}

	if !transitionLegal(entry.Status, status) {
		return oops.In("registry").Code(CodeInvalidTransition).
			With("plugin", pluginID).
			With("from", string(entry.Status)).
			With("to", string(status)).
			New("illegal status transition")
	}

	prevStatus, prevMsg := entry.Status, entry.ErrorMessage
	entry.Status = status
	entry.ErrorMessage = ""
	if status == StatusError {
		entry.ErrorMessage = errorMessage
	}
	if status == StatusEnabled {
		now := time.Now()
		entry.LastLoaded = &now
	}

	if err := r.persistLocked(); err != nil {
		entry.Status, entry.ErrorMessage = prevStatus, prevMsg
		return err
	}

	switch status {
	case StatusEnabled:
		r.events.Emit(plugin.NewEvent(plugin.EventEnabled, pluginID, nil))
	case StatusDisabled:
		r.events.Emit(plugin.NewEvent(plugin.EventDisabled, pluginID, nil))
	case StatusError:
		r.events.Emit(plugin.NewEvent(plugin.EventError, pluginID, map[string]string{
			"message": errorMessage,
		}))
	case StatusInstalled:
		// Unreachable: installed is never a transition target.
	}
	return nil
}

// Get returns a copy of the entry for pluginID, or nil.
func (r *Registry) Get(pluginID string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[pluginID]
	if !exists {
		return nil
	}
	return entry.clone()
}

// List returns copies of all entries, sorted by plugin id so callers
// building on the snapshot (the compatibility checker in particular)
// see the same order for the same registry state.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.ID < out[j].Metadata.ID
	})
	return out
}

// RecordUsage implements sandbox.UsageRecorder: the resource monitor
// writes observed usage into the entry's performance metrics. Unknown
// ids are ignored; the sandbox may outlive an uninstall by one tick.
func (r *Registry) RecordUsage(pluginID string, usage sandbox.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[pluginID]
	if !exists {
		return
	}
	entry.Metrics = Metrics{
		MemoryMB:    usage.MemoryMB,
		CPUPercent:  usage.CPUPercent,
		NetworkKBps: usage.NetworkKBps,
		StorageMB:   usage.StorageMB,
		LastLatency: usage.LastLatency,
		ErrorCount:  usage.ErrorCount,
		UpdatedAt:   usage.ObservedAt,
	}
	// Metrics are advisory; skip the fsync-per-sample cost and let the
	// next lifecycle mutation persist them.
}

// UpdateCandidate describes a newer version found on disk.
type UpdateCandidate struct {
	PluginID  string
	Current   string
	Available string
	Path      string
}

// CheckForUpdates re-reads on-disk manifests for one plugin (or all
// when pluginID is empty) and returns candidates whose manifest version
// is newer than the registered one.
func (r *Registry) CheckForUpdates(pluginID string) ([]UpdateCandidate, error) {
	r.mu.RLock()
	targets := make([]*Entry, 0, len(r.entries))
	if pluginID != "" {
		entry, exists := r.entries[pluginID]
		if !exists {
			r.mu.RUnlock()
			return nil, oops.In("registry").Code(CodeNotRegistered).
				With("plugin", pluginID).
				New("plugin is not registered")
		}
		targets = append(targets, entry.clone())
	} else {
		for _, entry := range r.entries {
			targets = append(targets, entry.clone())
		}
	}
	r.mu.RUnlock()

	var candidates []UpdateCandidate
	for _, entry := range targets {
		manifestPath := filepath.Join(entry.InstallPath, plugin.ManifestFileName)
		data, err := os.ReadFile(manifestPath) //nolint:gosec // install path recorded at registration
		if err != nil {
			slog.Warn("skipping update check, manifest unreadable",
				"plugin", entry.Metadata.ID, "error", err)
			continue
		}
		onDisk, err := plugin.ParseManifest(data)
		if err != nil {
			slog.Warn("skipping update check, manifest invalid",
				"plugin", entry.Metadata.ID, "error", err)
			continue
		}

		current, err := semver.StrictNewVersion(entry.Metadata.Version)
		if err != nil {
			continue
		}
		if onDisk.SemVer().GreaterThan(current) {
			candidates = append(candidates, UpdateCandidate{
				PluginID:  entry.Metadata.ID,
				Current:   entry.Metadata.Version,
				Available: onDisk.Version,
				Path:      entry.InstallPath,
			})
		}
	}
	return candidates, nil
}

// persistLocked serializes the registry to its file. Caller holds the
// write lock. The write is crash-consistent: a temp file in the same
// directory is renamed over the target.
func (r *Registry) persistLocked() error {
	doc := document{
		Version:     fileFormatVersion,
		LastUpdated: time.Now(),
		Plugins:     r.entries,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return oops.In("registry").Hint("failed to serialize registry").Wrap(err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return oops.In("registry").With("path", r.path).
			Hint("failed to create temp file").Wrap(err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()         //nolint:errcheck,gosec // cleanup path
		os.Remove(tmpName)  //nolint:errcheck,gosec // cleanup path
		return oops.In("registry").With("path", r.path).
			Hint("failed to write temp file").Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck,gosec // cleanup path
		return oops.In("registry").With("path", r.path).
			Hint("failed to close temp file").Wrap(err)
	}

	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName) //nolint:errcheck,gosec // cleanup path
		return oops.In("registry").With("path", r.path).
			Hint("failed to replace registry file").Wrap(err)
	}
	return nil
}
