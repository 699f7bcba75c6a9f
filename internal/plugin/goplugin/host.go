// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

// Package goplugin runs binary plugins as supervised subprocesses via
// HashiCorp's go-plugin, speaking the net/rpc protocol defined in
// pkg/sdk. Process isolation gives binary plugins the hard resource
// and fault boundary that Lua plugins get from their sandbox.
package goplugin

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"

	"github.com/lumina-assist/lumina/internal/plugin"
	"github.com/lumina-assist/lumina/internal/plugin/permission"
	"github.com/lumina-assist/lumina/pkg/sdk"
)

// Error codes for programmatic checks via oops.
const (
	CodeHostClosed    = "HOST_CLOSED"
	CodeNotLoaded     = "PLUGIN_NOT_LOADED"
	CodeAlreadyLoaded = "PLUGIN_ALREADY_LOADED"
	CodeConnectFailed = "PLUGIN_CONNECT_FAILED"
)

// DefaultCallTimeout bounds a single intent or lifecycle call into a
// plugin process.
const DefaultCallTimeout = 5 * time.Second

// PluginClient wraps the go-plugin client for testability.
type PluginClient interface {
	// Dispense connects and returns the plugin's Service.
	Dispense() (sdk.Service, error)
	// Pid returns the plugin process id, or 0 before connection.
	Pid() int32
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	NewClient(execPath string) PluginClient
}

// DefaultClientFactory launches real plugin subprocesses.
type DefaultClientFactory struct{}

// NewClient implements ClientFactory.
func (f *DefaultClientFactory) NewClient(execPath string) PluginClient {
	return &hashiClient{
		client: hashiplug.NewClient(&hashiplug.ClientConfig{
			HandshakeConfig:  sdk.Handshake,
			Plugins:          sdk.PluginMap,
			Cmd:              exec.Command(execPath), // #nosec G204 -- execPath comes from a validated plugin package
			AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolNetRPC},
		}),
	}
}

// hashiClient adapts *hashiplug.Client to PluginClient.
type hashiClient struct {
	client *hashiplug.Client
}

func (c *hashiClient) Dispense() (sdk.Service, error) {
	proto, err := c.client.Client()
	if err != nil {
		return nil, err
	}
	raw, err := proto.Dispense(sdk.ServiceName)
	if err != nil {
		return nil, err
	}
	svc, ok := raw.(sdk.Service)
	if !ok {
		return nil, oops.Code(CodeConnectFailed).
			New("dispensed object does not implement the plugin service")
	}
	return svc, nil
}

func (c *hashiClient) Pid() int32 {
	if cfg := c.client.ReattachConfig(); cfg != nil {
		return int32(cfg.Pid)
	}
	return 0
}

func (c *hashiClient) Kill() { c.client.Kill() }

// Host supervises binary plugin processes.
type Host struct {
	enforcer    *permission.Enforcer
	factory     ClientFactory
	callTimeout time.Duration

	mu      sync.RWMutex
	loaded  map[string]*process
	closed  bool
	onStart func(pluginID string, pid int32)
}

// process is one running plugin subprocess.
type process struct {
	meta    *plugin.Metadata
	client  PluginClient
	service sdk.Service
}

// HostOption configures the Host.
type HostOption func(*Host)

// WithClientFactory overrides subprocess creation, used in tests.
func WithClientFactory(f ClientFactory) HostOption {
	return func(h *Host) { h.factory = f }
}

// WithCallTimeout overrides the per-call deadline.
func WithCallTimeout(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.callTimeout = d
		}
	}
}

// WithStartCallback registers fn to run after a plugin process starts,
// receiving its pid. The composition layer uses it to attach a
// per-process resource sampler.
func WithStartCallback(fn func(pluginID string, pid int32)) HostOption {
	return func(h *Host) { h.onStart = fn }
}

// NewHost creates a binary plugin host. Panics if enforcer is nil.
func NewHost(enforcer *permission.Enforcer, opts ...HostOption) *Host {
	if enforcer == nil {
		panic("goplugin.NewHost: enforcer cannot be nil")
	}
	h := &Host{
		enforcer:    enforcer,
		factory:     &DefaultClientFactory{},
		callTimeout: DefaultCallTimeout,
		loaded:      make(map[string]*process),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Load launches the plugin's executable, connects over the handshake
// protocol, and returns a live instance.
func (h *Host) Load(_ context.Context, meta *plugin.Metadata, dir string) (plugin.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, oops.In("goplugin").Code(CodeHostClosed).New("host is closed")
	}
	if _, ok := h.loaded[meta.ID]; ok {
		return nil, oops.In("goplugin").Code(CodeAlreadyLoaded).
			With("plugin", meta.ID).New("plugin is already loaded")
	}

	execPath := filepath.Join(dir, meta.Entry)
	if _, err := os.Stat(execPath); err != nil {
		return nil, oops.In("goplugin").With("plugin", meta.ID).
			With("path", execPath).Hint("plugin executable missing").Wrap(err)
	}

	client := h.factory.NewClient(execPath)
	service, err := client.Dispense()
	if err != nil {
		client.Kill()
		return nil, oops.In("goplugin").Code(CodeConnectFailed).
			With("plugin", meta.ID).
			Hint("plugin process failed the handshake").Wrap(err)
	}

	if err := h.enforcer.Grant(meta.ID, meta.Permissions); err != nil {
		client.Kill()
		return nil, oops.In("goplugin").With("plugin", meta.ID).
			Hint("invalid permission set").Wrap(err)
	}

	proc := &process{meta: meta, client: client, service: service}
	h.loaded[meta.ID] = proc

	if h.onStart != nil {
		if pid := client.Pid(); pid > 0 {
			h.onStart(meta.ID, pid)
		}
	}

	slog.Info("binary plugin started",
		"plugin", meta.ID, "version", meta.Version, "pid", client.Pid())
	return newBinaryInstance(h, proc), nil
}

// Unload kills the plugin process and revokes its grants.
func (h *Host) Unload(_ context.Context, pluginID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return oops.In("goplugin").Code(CodeHostClosed).New("host is closed")
	}
	proc, ok := h.loaded[pluginID]
	if !ok {
		return oops.In("goplugin").Code(CodeNotLoaded).
			With("plugin", pluginID).New("plugin is not loaded")
	}

	proc.client.Kill()
	h.enforcer.Revoke(pluginID)
	delete(h.loaded, pluginID)

	slog.Info("binary plugin stopped", "plugin", pluginID)
	return nil
}

// Pid returns the process id for a loaded plugin, or 0.
func (h *Host) Pid(pluginID string) int32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if proc, ok := h.loaded[pluginID]; ok {
		return proc.client.Pid()
	}
	return 0
}

// Loaded returns ids of all running plugins.
func (h *Host) Loaded() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.loaded))
	for id := range h.loaded {
		ids = append(ids, id)
	}
	return ids
}

// service fetches the live service for pluginID, failing once the
// process is gone.
func (h *Host) service(pluginID string) (sdk.Service, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, oops.In("goplugin").Code(CodeHostClosed).New("host is closed")
	}
	proc, ok := h.loaded[pluginID]
	if !ok {
		return nil, oops.In("goplugin").Code(CodeNotLoaded).
			With("plugin", pluginID).New("plugin is not loaded")
	}
	return proc.service, nil
}

// Close kills every plugin process and marks the host closed.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, proc := range h.loaded {
		proc.client.Kill()
		h.enforcer.Revoke(id)
	}
	clear(h.loaded)
	h.closed = true
	return nil
}
