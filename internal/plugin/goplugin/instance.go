// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package goplugin

import (
	"context"
	"encoding/json"

	"github.com/samber/oops"

	"github.com/lumina-assist/lumina/internal/plugin"
	"github.com/lumina-assist/lumina/pkg/sdk"
)

// binaryInstance adapts a plugin subprocess to the Instance interface.
// Calls re-resolve the service through the host so an unloaded plugin
// fails with PLUGIN_NOT_LOADED instead of hitting a dead connection.
type binaryInstance struct {
	host *Host
	meta *plugin.Metadata
}

func newBinaryInstance(host *Host, proc *process) *binaryInstance {
	return &binaryInstance{host: host, meta: proc.meta}
}

// Metadata implements plugin.Instance.
func (i *binaryInstance) Metadata() *plugin.Metadata { return i.meta }

// Intents implements plugin.Instance.
func (i *binaryInstance) Intents() []plugin.Intent { return i.meta.Intents }

// Handle implements plugin.Instance. Parameters cross the process
// boundary as JSON; net/rpc itself has no notion of deadlines, so the
// call runs on a goroutine raced against the context.
func (i *binaryInstance) Handle(ctx context.Context, intentID string, params map[string]any, callerID string) (any, error) {
	service, err := i.host.service(i.meta.ID)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, oops.In("goplugin").With("plugin", i.meta.ID).
			Hint("parameters are not JSON-encodable").Wrap(err)
	}

	ctx, cancel := context.WithTimeout(ctx, i.host.callTimeout)
	defer cancel()

	type outcome struct {
		resp sdk.IntentResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := service.HandleIntent(sdk.IntentRequest{
			IntentID: intentID,
			CallerID: callerID,
			Params:   encoded,
		})
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, oops.In("goplugin").With("plugin", i.meta.ID).
			With("intent", intentID).
			Hint("plugin call exceeded deadline").Wrap(ctx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, oops.In("goplugin").With("plugin", i.meta.ID).
				With("intent", intentID).Wrap(out.err)
		}
		if len(out.resp.Result) == 0 {
			return nil, nil
		}
		var result any
		if err := json.Unmarshal(out.resp.Result, &result); err != nil {
			return nil, oops.In("goplugin").With("plugin", i.meta.ID).
				Hint("plugin returned malformed result").Wrap(err)
		}
		return result, nil
	}
}

// Lifecycle implements plugin.Instance.
func (i *binaryInstance) Lifecycle(ctx context.Context, hook plugin.Hook) error {
	service, err := i.host.service(i.meta.ID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, i.host.callTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- service.Lifecycle(sdk.LifecycleRequest{Hook: string(hook)})
	}()

	select {
	case <-ctx.Done():
		return oops.In("goplugin").With("plugin", i.meta.ID).
			With("hook", string(hook)).
			Hint("lifecycle hook exceeded deadline").Wrap(ctx.Err())
	case err := <-done:
		if err != nil {
			return oops.In("goplugin").With("plugin", i.meta.ID).
				With("hook", string(hook)).Wrap(err)
		}
		return nil
	}
}
