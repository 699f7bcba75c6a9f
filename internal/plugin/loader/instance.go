// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package loader

import (
	"context"

	"github.com/samber/oops"

	"github.com/lumina-assist/lumina/internal/plugin"
	"github.com/lumina-assist/lumina/internal/plugin/sandbox"
)

// luaInstance adapts a live Lua sandbox to the Instance interface.
type luaInstance struct {
	sandboxes *sandbox.Manager
	sb        *sandbox.Sandbox
	meta      *plugin.Metadata
}

func newLuaInstance(sandboxes *sandbox.Manager, sb *sandbox.Sandbox, meta *plugin.Metadata) *luaInstance {
	return &luaInstance{sandboxes: sandboxes, sb: sb, meta: meta}
}

// Metadata implements plugin.Instance.
func (i *luaInstance) Metadata() *plugin.Metadata { return i.meta }

// Intents implements plugin.Instance.
func (i *luaInstance) Intents() []plugin.Intent { return i.meta.Intents }

// Handle implements plugin.Instance. The intent's declared handler
// function is called inside the sandbox under the execution deadline.
func (i *luaInstance) Handle(ctx context.Context, intentID string, params map[string]any, callerID string) (any, error) {
	intent := i.meta.Intent(intentID)
	if intent == nil {
		return nil, oops.In("loader").
			With("plugin", i.meta.ID).With("intent", intentID).
			New("plugin does not declare this intent")
	}
	return i.sandboxes.CallFunction(ctx, i.sb, intent.Handler, i.meta, params, callerID)
}

// Lifecycle implements plugin.Instance. Hooks are optional; undefined
// ones are skipped.
func (i *luaInstance) Lifecycle(ctx context.Context, hook plugin.Hook) error {
	fn := string(hook)
	if !i.sandboxes.HasFunction(i.sb, fn) {
		return nil
	}
	_, err := i.sandboxes.CallFunction(ctx, i.sb, fn, i.meta, nil, "host")
	return err
}
