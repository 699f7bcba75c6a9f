// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package plugin

import "context"

// Hook names a lifecycle hook a plugin may implement. All hooks are
// optional; an instance that does not define one is skipped silently.
type Hook string

// Lifecycle hooks invoked around install/enable/disable/uninstall.
const (
	HookInstall   Hook = "on_install"
	HookEnable    Hook = "on_enable"
	HookDisable   Hook = "on_disable"
	HookUninstall Hook = "on_uninstall"
)

// Instance is a live, loaded plugin. Implementations bridge to the
// sandbox (Lua) or subprocess (binary) actually running the code.
type Instance interface {
	// Metadata returns the plugin's declared metadata.
	Metadata() *Metadata

	// Intents returns the intents the plugin declares.
	Intents() []Intent

	// Handle dispatches one intent call into the plugin. Parameters and
	// results cross the sandbox boundary as copied data.
	Handle(ctx context.Context, intentID string, params map[string]any, callerID string) (any, error)

	// Lifecycle invokes a lifecycle hook if the plugin defines it.
	Lifecycle(ctx context.Context, hook Hook) error
}
