// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

// Package sdk is the contract between the Lumina host and binary
// plugins. Plugin authors implement Service and call Serve from main;
// the host side lives in internal/plugin/goplugin and shares this
// package so the handshake and wire types cannot drift.
package sdk

import (
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"
)

// ProtocolVersion is bumped on incompatible wire changes. Host and
// plugin must agree exactly.
const ProtocolVersion = 1

// ServiceName is the dispense key for the plugin service.
const ServiceName = "lumina"

// Handshake is the shared go-plugin handshake. The cookie is not a
// security measure; it only keeps users from launching a plugin binary
// by hand and wondering why it hangs.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  ProtocolVersion,
	MagicCookieKey:   "LUMINA_PLUGIN",
	MagicCookieValue: "c0a31f4b7de44fb1",
}

// IntentRequest is one intent dispatch. Params is a JSON object;
// encoding it once here keeps the net/rpc layer free of gob type
// registration for arbitrary parameter values.
type IntentRequest struct {
	IntentID string
	CallerID string
	Params   []byte
}

// IntentResponse carries the handler's JSON-encoded result.
type IntentResponse struct {
	Result []byte
}

// LifecycleRequest invokes one lifecycle hook (on_install, on_enable,
// on_disable, on_uninstall).
type LifecycleRequest struct {
	Hook string
}

// Service is what a binary plugin implements. Both calls run under a
// host-imposed deadline; a hook the plugin does not care about should
// return nil.
type Service interface {
	HandleIntent(req IntentRequest) (IntentResponse, error)
	Lifecycle(req LifecycleRequest) error
}

// ServicePlugin adapts Service to go-plugin's net/rpc transport.
type ServicePlugin struct {
	// Impl is set on the plugin side; the host leaves it nil.
	Impl Service
}

// Server implements goplugin.Plugin.
func (p *ServicePlugin) Server(*goplugin.MuxBroker) (any, error) {
	return &rpcServer{impl: p.Impl}, nil
}

// Client implements goplugin.Plugin.
func (p *ServicePlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &rpcClient{client: c}, nil
}

// PluginMap is the shared dispense map.
var PluginMap = map[string]goplugin.Plugin{
	ServiceName: &ServicePlugin{},
}

// Serve starts the plugin side. Call from main after constructing the
// Service; it blocks until the host kills the process.
func Serve(impl Service) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			ServiceName: &ServicePlugin{Impl: impl},
		},
	})
}
