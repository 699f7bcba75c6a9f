// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunHostStopsOnContextCancel(t *testing.T) {
	root := t.TempDir()
	cfg := &hostConfig{
		PluginsDir:   filepath.Join(root, "plugins"),
		RegistryPath: filepath.Join(root, "registry.json"),
		BackupsDir:   filepath.Join(root, "backups"),
		MetricsAddr:  "127.0.0.1:0",
		LogFormat:    "text",
		LogLevel:     "error",
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runHost(ctx, cfg) }()

	// Give startup (sync, readiness flip, metrics server) a moment,
	// then stop the host and expect a clean return.
	time.Sleep(250 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("host did not shut down after context cancellation")
	}
}
