// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package sandbox

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/lumina-assist/lumina/internal/plugin"
	"github.com/lumina-assist/lumina/internal/plugin/permission"
)

// maxFetchBytes caps the response body a plugin may pull in one fetch.
const maxFetchBytes = 1 << 20 // 1 MiB

// HostFunctions binds the lumina.* API into sandboxed states. Only
// capabilities covered by the plugin's granted permissions are usable:
// http_fetch is always present but denies hosts the plugin was not
// granted, so a plugin can distinguish "denied" from "not supported".
type HostFunctions struct {
	enforcer *permission.Enforcer
	client   *http.Client

	// onNetworkBytes is called with bytes transferred so the sandbox's
	// monitor sees plugin network usage. May be nil.
	onNetworkBytes func(pluginID string, n int64)
}

// NewHostFunctions creates the host function set. Panics if enforcer is
// nil: binding host functions without permission checks is never valid.
func NewHostFunctions(enforcer *permission.Enforcer) *HostFunctions {
	if enforcer == nil {
		panic("sandbox.NewHostFunctions: enforcer cannot be nil")
	}
	return &HostFunctions{
		enforcer: enforcer,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// SetNetworkObserver registers a callback receiving per-plugin network
// byte counts.
func (hf *HostFunctions) SetNetworkObserver(fn func(pluginID string, n int64)) {
	hf.onNetworkBytes = fn
}

// Register installs the lumina table into L for the given plugin.
func (hf *HostFunctions) Register(L *lua.LState, pluginID string) {
	t := L.NewTable()
	L.SetField(t, "log", L.NewFunction(hf.luaLog(pluginID)))
	L.SetField(t, "now_ms", L.NewFunction(luaNowMS))
	L.SetField(t, "http_fetch", L.NewFunction(hf.luaHTTPFetch(pluginID)))
	L.SetGlobal("lumina", t)
}

// luaLog implements lumina.log(level, message).
func (hf *HostFunctions) luaLog(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		msg := L.CheckString(2)

		attrs := []any{"plugin", pluginID}
		switch level {
		case "debug":
			slog.Debug(msg, attrs...)
		case "warn":
			slog.Warn(msg, attrs...)
		case "error":
			slog.Error(msg, attrs...)
		default:
			slog.Info(msg, attrs...)
		}
		return 0
	}
}

// luaNowMS implements lumina.now_ms().
func luaNowMS(L *lua.LState) int {
	L.Push(lua.LNumber(time.Now().UnixMilli()))
	return 1
}

// luaHTTPFetch implements lumina.http_fetch(url) -> body, err.
// The target host must be covered by a granted network permission with
// read access; anything else returns nil plus an error message.
func (hf *HostFunctions) luaHTTPFetch(pluginID string) lua.LGFunction {
	return func(L *lua.LState) int {
		rawURL := L.CheckString(1)

		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return pushFetchError(L, fmt.Sprintf("invalid url %q", rawURL))
		}

		if !hf.enforcer.Check(pluginID, plugin.PermissionNetwork, u.Hostname(), "read") {
			return pushFetchError(L, fmt.Sprintf("network access to %s denied", u.Hostname()))
		}

		ctx := L.Context()
		req, err := http.NewRequest(http.MethodGet, rawURL, nil)
		if err != nil {
			return pushFetchError(L, err.Error())
		}
		if ctx != nil {
			req = req.WithContext(ctx)
		}

		resp, err := hf.client.Do(req)
		if err != nil {
			return pushFetchError(L, err.Error())
		}
		defer resp.Body.Close() //nolint:errcheck // read-only body

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			return pushFetchError(L, err.Error())
		}

		if hf.onNetworkBytes != nil {
			hf.onNetworkBytes(pluginID, int64(len(body)))
		}

		L.Push(lua.LString(body))
		L.Push(lua.LNil)
		return 2
	}
}

func pushFetchError(L *lua.LState, msg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(msg))
	return 2
}
