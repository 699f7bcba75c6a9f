// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumina-assist/lumina/internal/plugin"
	"github.com/lumina-assist/lumina/internal/plugin/permission"
	"github.com/lumina-assist/lumina/internal/plugin/sandbox"
)

const weatherModule = `
function handle_today(params, ctx)
  return { city = params.city, caller = ctx.caller_id }
end
function on_enable(params, ctx)
  enabled = true
end
`

// writePackage lays out a valid lua plugin package under root/<id>.
func writePackage(t *testing.T, root, id, version string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o750))

	manifest := `
id: ` + id + `
name: ` + id + `
version: ` + version + `
host-version: ">=1.0.0"
type: lua
entry: main.lua
intents:
  - id: ` + id + `.today
    name: Today
    handler: handle_today
    parameters:
      - name: city
        type: string
        required: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFileName), []byte(manifest), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(weatherModule), 0o640))
	return dir
}

func newTestLoader(t *testing.T, dirs ...string) *Loader {
	t.Helper()
	sandboxes := sandbox.NewManager(permission.NewEnforcer(), plugin.NewBroadcaster())
	t.Cleanup(sandboxes.Close)
	return New(sandboxes, dirs)
}

func TestDiscover(t *testing.T) {
	t.Run("finds valid packages sorted by id", func(t *testing.T) {
		root := t.TempDir()
		writePackage(t, root, "weather", "1.0.0")
		writePackage(t, root, "alarm", "2.0.0")

		l := newTestLoader(t, root)
		found, err := l.Discover(context.Background())
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Equal(t, "alarm", found[0].Metadata.ID)
		assert.Equal(t, "weather", found[1].Metadata.ID)
		assert.Equal(t, filepath.Join(root, "weather"), found[1].Dir)
	})

	t.Run("skips packages with broken manifests", func(t *testing.T) {
		root := t.TempDir()
		writePackage(t, root, "weather", "1.0.0")

		badDir := filepath.Join(root, "broken")
		require.NoError(t, os.MkdirAll(badDir, 0o750))
		require.NoError(t, os.WriteFile(filepath.Join(badDir, plugin.ManifestFileName),
			[]byte("id: [nope"), 0o640))

		l := newTestLoader(t, root)
		found, err := l.Discover(context.Background())
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "weather", found[0].Metadata.ID)
	})

	t.Run("skips packages missing their entry module", func(t *testing.T) {
		root := t.TempDir()
		dir := writePackage(t, root, "weather", "1.0.0")
		require.NoError(t, os.Remove(filepath.Join(dir, "main.lua")))

		l := newTestLoader(t, root)
		found, err := l.Discover(context.Background())
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("missing plugin directories are not an error", func(t *testing.T) {
		l := newTestLoader(t, filepath.Join(t.TempDir(), "absent"))
		found, err := l.Discover(context.Background())
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("loose files are ignored", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o640))

		l := newTestLoader(t, root)
		found, err := l.Discover(context.Background())
		require.NoError(t, err)
		assert.Empty(t, found)
	})
}

func TestLoad(t *testing.T) {
	t.Run("loads a lua package and dispatches intents", func(t *testing.T) {
		root := t.TempDir()
		dir := writePackage(t, root, "weather", "1.0.0")

		l := newTestLoader(t, root)
		loaded, err := l.Load(context.Background(), dir)
		require.NoError(t, err)
		assert.Equal(t, "weather", loaded.Metadata.ID)
		assert.False(t, loaded.LoadedAt.IsZero())

		result, err := loaded.Instance.Handle(context.Background(),
			"weather.today", map[string]any{"city": "Oslo"}, "session-1")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"city": "Oslo", "caller": "session-1"}, result)
	})

	t.Run("undeclared intents are rejected", func(t *testing.T) {
		root := t.TempDir()
		dir := writePackage(t, root, "weather", "1.0.0")

		l := newTestLoader(t, root)
		loaded, err := l.Load(context.Background(), dir)
		require.NoError(t, err)

		_, err = loaded.Instance.Handle(context.Background(), "weather.nope", nil, "host")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not declare")
	})

	t.Run("lifecycle hooks run when defined and skip when not", func(t *testing.T) {
		root := t.TempDir()
		dir := writePackage(t, root, "weather", "1.0.0")

		l := newTestLoader(t, root)
		loaded, err := l.Load(context.Background(), dir)
		require.NoError(t, err)

		assert.NoError(t, loaded.Instance.Lifecycle(context.Background(), plugin.HookEnable))
		assert.NoError(t, loaded.Instance.Lifecycle(context.Background(), plugin.HookDisable))
	})

	t.Run("double load fails", func(t *testing.T) {
		root := t.TempDir()
		dir := writePackage(t, root, "weather", "1.0.0")

		l := newTestLoader(t, root)
		_, err := l.Load(context.Background(), dir)
		require.NoError(t, err)

		_, err = l.Load(context.Background(), dir)
		require.Error(t, err)
		assert.Equal(t, CodeAlreadyLoaded, sandbox.ErrorCode(err))
	})

	t.Run("invalid package fails", func(t *testing.T) {
		l := newTestLoader(t)
		_, err := l.Load(context.Background(), t.TempDir())
		require.Error(t, err)
		assert.Equal(t, CodeInvalidPlugin, sandbox.ErrorCode(err))
	})

	t.Run("binary packages fail without a binary host", func(t *testing.T) {
		root := t.TempDir()
		dir := filepath.Join(root, "native")
		require.NoError(t, os.MkdirAll(dir, 0o750))
		manifest := `
id: native
name: native
version: 1.0.0
host-version: ">=1.0.0"
type: binary
entry: native-plugin
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFileName), []byte(manifest), 0o640))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "native-plugin"), []byte("#!/bin/sh\n"), 0o750))

		l := newTestLoader(t, root)
		_, err := l.Load(context.Background(), dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not enabled")
	})
}

func TestUnload(t *testing.T) {
	root := t.TempDir()
	dir := writePackage(t, root, "weather", "1.0.0")

	l := newTestLoader(t, root)
	_, err := l.Load(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, l.Unload(context.Background(), "weather"))
	assert.Nil(t, l.Get("weather"))

	err = l.Unload(context.Background(), "weather")
	require.Error(t, err)
	assert.Equal(t, CodeNotLoaded, sandbox.ErrorCode(err))

	// The slot is free again.
	_, err = l.Load(context.Background(), dir)
	assert.NoError(t, err)
}

func TestReload(t *testing.T) {
	root := t.TempDir()
	dir := writePackage(t, root, "weather", "1.0.0")

	l := newTestLoader(t, root)
	first, err := l.Load(context.Background(), dir)
	require.NoError(t, err)

	// Bump the on-disk version between loads.
	writePackage(t, root, "weather", "1.1.0")

	reloaded, err := l.Reload(context.Background(), "weather")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", reloaded.Metadata.Version)
	assert.NotSame(t, first.Instance, reloaded.Instance)

	_, err = l.Reload(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, CodeNotLoaded, sandbox.ErrorCode(err))
}

func TestListAndClose(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "weather", "1.0.0")
	writePackage(t, root, "alarm", "1.0.0")

	l := newTestLoader(t, root)
	found, err := l.Discover(context.Background())
	require.NoError(t, err)
	for _, d := range found {
		_, err := l.Load(context.Background(), d.Dir)
		require.NoError(t, err)
	}

	list := l.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alarm", list[0].Metadata.ID)
	assert.Equal(t, "weather", list[1].Metadata.ID)

	l.Close(context.Background())
	assert.Empty(t, l.List())
}
