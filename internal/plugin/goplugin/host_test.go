// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package goplugin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumina-assist/lumina/internal/plugin"
	"github.com/lumina-assist/lumina/internal/plugin/permission"
	"github.com/lumina-assist/lumina/internal/plugin/sandbox"
	"github.com/lumina-assist/lumina/pkg/sdk"
)

// fakeService is an in-process sdk.Service standing in for a plugin
// subprocess.
type fakeService struct {
	handle    func(sdk.IntentRequest) (sdk.IntentResponse, error)
	lifecycle func(sdk.LifecycleRequest) error
}

func (s *fakeService) HandleIntent(req sdk.IntentRequest) (sdk.IntentResponse, error) {
	if s.handle == nil {
		return sdk.IntentResponse{}, nil
	}
	return s.handle(req)
}

func (s *fakeService) Lifecycle(req sdk.LifecycleRequest) error {
	if s.lifecycle == nil {
		return nil
	}
	return s.lifecycle(req)
}

// fakeClient is a PluginClient that never spawns a process.
type fakeClient struct {
	service     sdk.Service
	dispenseErr error
	pid         int32
	killed      atomic.Bool
}

func (c *fakeClient) Dispense() (sdk.Service, error) {
	if c.dispenseErr != nil {
		return nil, c.dispenseErr
	}
	return c.service, nil
}

func (c *fakeClient) Pid() int32 { return c.pid }
func (c *fakeClient) Kill()      { c.killed.Store(true) }

type fakeFactory struct {
	client *fakeClient
}

func (f *fakeFactory) NewClient(string) PluginClient { return f.client }

func binaryMeta(id string) *plugin.Metadata {
	return &plugin.Metadata{
		ID:          id,
		Name:        id,
		Version:     "1.0.0",
		HostVersion: ">=1.0.0",
		Runtime:     plugin.RuntimeBinary,
		Entry:       id + "-plugin",
		Intents:     []plugin.Intent{{ID: id + ".run", Name: "Run"}},
	}
}

// writeExecutable drops a placeholder entry binary so Load's stat check
// passes.
func writeExecutable(t *testing.T, meta *plugin.Metadata) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, meta.Entry), []byte("#!/bin/sh\n"), 0o750))
	return dir
}

func newTestHost(t *testing.T, client *fakeClient, opts ...HostOption) *Host {
	t.Helper()
	opts = append([]HostOption{WithClientFactory(&fakeFactory{client: client})}, opts...)
	h := NewHost(permission.NewEnforcer(), opts...)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestHostLoad(t *testing.T) {
	t.Run("loads and reports the process", func(t *testing.T) {
		client := &fakeClient{service: &fakeService{}, pid: 4242}

		var startedID string
		var startedPid int32
		h := newTestHost(t, client, WithStartCallback(func(id string, pid int32) {
			startedID, startedPid = id, pid
		}))

		meta := binaryMeta("transcriber")
		inst, err := h.Load(context.Background(), meta, writeExecutable(t, meta))
		require.NoError(t, err)

		assert.Equal(t, meta, inst.Metadata())
		assert.Equal(t, meta.Intents, inst.Intents())
		assert.Equal(t, int32(4242), h.Pid("transcriber"))
		assert.Equal(t, []string{"transcriber"}, h.Loaded())
		assert.Equal(t, "transcriber", startedID)
		assert.Equal(t, int32(4242), startedPid)
	})

	t.Run("missing executable fails", func(t *testing.T) {
		h := newTestHost(t, &fakeClient{service: &fakeService{}})
		_, err := h.Load(context.Background(), binaryMeta("transcriber"), t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "executable missing")
	})

	t.Run("handshake failure kills the client", func(t *testing.T) {
		client := &fakeClient{dispenseErr: errors.New("cookie mismatch")}
		h := newTestHost(t, client)

		meta := binaryMeta("transcriber")
		_, err := h.Load(context.Background(), meta, writeExecutable(t, meta))
		require.Error(t, err)
		assert.Equal(t, CodeConnectFailed, sandbox.ErrorCode(err))
		assert.True(t, client.killed.Load())
	})

	t.Run("double load fails", func(t *testing.T) {
		client := &fakeClient{service: &fakeService{}, pid: 1}
		h := newTestHost(t, client)

		meta := binaryMeta("transcriber")
		dir := writeExecutable(t, meta)
		_, err := h.Load(context.Background(), meta, dir)
		require.NoError(t, err)

		_, err = h.Load(context.Background(), meta, dir)
		require.Error(t, err)
		assert.Equal(t, CodeAlreadyLoaded, sandbox.ErrorCode(err))
	})
}

func TestHostUnload(t *testing.T) {
	client := &fakeClient{service: &fakeService{}, pid: 1}
	h := newTestHost(t, client)

	meta := binaryMeta("transcriber")
	inst, err := h.Load(context.Background(), meta, writeExecutable(t, meta))
	require.NoError(t, err)

	require.NoError(t, h.Unload(context.Background(), "transcriber"))
	assert.True(t, client.killed.Load())
	assert.Empty(t, h.Loaded())

	err = h.Unload(context.Background(), "transcriber")
	require.Error(t, err)
	assert.Equal(t, CodeNotLoaded, sandbox.ErrorCode(err))

	// Calls through a stale instance fail cleanly.
	_, err = inst.Handle(context.Background(), "transcriber.run", nil, "host")
	require.Error(t, err)
	assert.Equal(t, CodeNotLoaded, sandbox.ErrorCode(err))
}

func TestBinaryInstanceHandle(t *testing.T) {
	t.Run("round trips parameters and result as JSON", func(t *testing.T) {
		var gotReq sdk.IntentRequest
		client := &fakeClient{pid: 1, service: &fakeService{
			handle: func(req sdk.IntentRequest) (sdk.IntentResponse, error) {
				gotReq = req
				return sdk.IntentResponse{Result: []byte(`{"text":"hello"}`)}, nil
			},
		}}
		h := newTestHost(t, client)

		meta := binaryMeta("transcriber")
		inst, err := h.Load(context.Background(), meta, writeExecutable(t, meta))
		require.NoError(t, err)

		result, err := inst.Handle(context.Background(), "transcriber.run",
			map[string]any{"lang": "en"}, "session-1")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"text": "hello"}, result)

		assert.Equal(t, "transcriber.run", gotReq.IntentID)
		assert.Equal(t, "session-1", gotReq.CallerID)
		var params map[string]any
		require.NoError(t, json.Unmarshal(gotReq.Params, &params))
		assert.Equal(t, map[string]any{"lang": "en"}, params)
	})

	t.Run("empty result is nil", func(t *testing.T) {
		client := &fakeClient{pid: 1, service: &fakeService{}}
		h := newTestHost(t, client)

		meta := binaryMeta("transcriber")
		inst, err := h.Load(context.Background(), meta, writeExecutable(t, meta))
		require.NoError(t, err)

		result, err := inst.Handle(context.Background(), "transcriber.run", nil, "host")
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("service errors are wrapped", func(t *testing.T) {
		client := &fakeClient{pid: 1, service: &fakeService{
			handle: func(sdk.IntentRequest) (sdk.IntentResponse, error) {
				return sdk.IntentResponse{}, errors.New("plugin panicked")
			},
		}}
		h := newTestHost(t, client)

		meta := binaryMeta("transcriber")
		inst, err := h.Load(context.Background(), meta, writeExecutable(t, meta))
		require.NoError(t, err)

		_, err = inst.Handle(context.Background(), "transcriber.run", nil, "host")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "plugin panicked")
	})

	t.Run("slow calls hit the deadline", func(t *testing.T) {
		client := &fakeClient{pid: 1, service: &fakeService{
			handle: func(sdk.IntentRequest) (sdk.IntentResponse, error) {
				time.Sleep(time.Second)
				return sdk.IntentResponse{}, nil
			},
		}}
		h := newTestHost(t, client, WithCallTimeout(20*time.Millisecond))

		meta := binaryMeta("transcriber")
		inst, err := h.Load(context.Background(), meta, writeExecutable(t, meta))
		require.NoError(t, err)

		_, err = inst.Handle(context.Background(), "transcriber.run", nil, "host")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestBinaryInstanceLifecycle(t *testing.T) {
	var gotHook string
	client := &fakeClient{pid: 1, service: &fakeService{
		lifecycle: func(req sdk.LifecycleRequest) error {
			gotHook = req.Hook
			return nil
		},
	}}
	h := newTestHost(t, client)

	meta := binaryMeta("transcriber")
	inst, err := h.Load(context.Background(), meta, writeExecutable(t, meta))
	require.NoError(t, err)

	require.NoError(t, inst.Lifecycle(context.Background(), plugin.HookEnable))
	assert.Equal(t, string(plugin.HookEnable), gotHook)
}

func TestHostClose(t *testing.T) {
	client := &fakeClient{pid: 1, service: &fakeService{}}
	h := NewHost(permission.NewEnforcer(), WithClientFactory(&fakeFactory{client: client}))

	meta := binaryMeta("transcriber")
	_, err := h.Load(context.Background(), meta, writeExecutable(t, meta))
	require.NoError(t, err)

	require.NoError(t, h.Close(context.Background()))
	assert.True(t, client.killed.Load())

	_, err = h.Load(context.Background(), meta, writeExecutable(t, meta))
	require.Error(t, err)
	assert.Equal(t, CodeHostClosed, sandbox.ErrorCode(err))

	err = h.Unload(context.Background(), "transcriber")
	require.Error(t, err)
	assert.Equal(t, CodeHostClosed, sandbox.ErrorCode(err))
}
