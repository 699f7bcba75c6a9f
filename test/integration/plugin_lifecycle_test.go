// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/lumina-assist/lumina/internal/plugin/host"
	"github.com/lumina-assist/lumina/internal/plugin/registry"
	"github.com/lumina-assist/lumina/internal/plugin/sandbox"
)

// hostAPIVersion mirrors the version the lumina binary advertises.
const hostAPIVersion = "1.0.0"

const weatherModule = `
function handle_today(params)
    return { city = params.city, speech = "sunny in " .. params.city }
end

function on_enable()
end
`

// hostDirs is one throwaway host state layout.
type hostDirs struct {
	install  string
	registry string
	backups  string
}

func newHostDirs() hostDirs {
	root := GinkgoT().TempDir()
	return hostDirs{
		install:  filepath.Join(root, "plugins"),
		registry: filepath.Join(root, "registry.json"),
		backups:  filepath.Join(root, "backups"),
	}
}

func (d hostDirs) newManager() *host.Manager {
	m, err := host.New(host.Config{
		HostVersion:  hostAPIVersion,
		InstallRoot:  d.install,
		RegistryPath: d.registry,
		BackupRoot:   d.backups,
	})
	Expect(err).NotTo(HaveOccurred())
	return m
}

// writeLuaPackage lays out a plugin package under a temp dir.
func writeLuaPackage(manifest, module string) string {
	dir := GinkgoT().TempDir()
	Expect(os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(manifest), 0o640)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "main.lua"), []byte(module), 0o640)).To(Succeed())
	return dir
}

func weatherManifest(version string) string {
	return fmt.Sprintf(`
id: weather
name: Weather
version: %s
host-version: ">=1.0.0 <2.0.0"
type: lua
entry: main.lua
intents:
  - id: weather.today
    name: Today's weather
    handler: handle_today
    parameters:
      - name: city
        type: string
        required: true
`, version)
}

var _ = Describe("Plugin lifecycle", func() {
	var (
		ctx  context.Context
		dirs hostDirs
		m    *host.Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		dirs = newHostDirs()
		m = dirs.newManager()
		DeferCleanup(func() { m.Close(context.Background()) })
	})

	It("installs, enables, dispatches, and uninstalls a plugin", func() {
		pkg := writeLuaPackage(weatherManifest("1.0.0"), weatherModule)

		By("installing the package")
		entry, err := m.Install(ctx, pkg)
		Expect(err).NotTo(HaveOccurred())
		Expect(entry.Status).To(Equal(registry.StatusInstalled))
		Expect(entry.InstallPath).To(BeADirectory())

		By("enabling it")
		Expect(m.Enable(ctx, "weather")).To(Succeed())
		Expect(m.Intents()).To(HaveKeyWithValue("weather.today", "weather"))

		By("dispatching an intent")
		result, err := m.HandleIntent(ctx, "weather.today", map[string]any{"city": "Lisbon"}, "session-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(HaveKeyWithValue("speech", "sunny in Lisbon"))

		By("rejecting parameters that fail validation")
		_, err = m.HandleIntent(ctx, "weather.today", map[string]any{"city": 7}, "session-1")
		Expect(err).To(HaveOccurred())

		By("disabling it")
		Expect(m.Disable(ctx, "weather")).To(Succeed())
		_, err = m.HandleIntent(ctx, "weather.today", map[string]any{"city": "Lisbon"}, "session-1")
		Expect(err).To(HaveOccurred())

		By("uninstalling it")
		Expect(m.Uninstall(ctx, "weather")).To(Succeed())
		Expect(m.Get("weather")).To(BeNil())
		Expect(entry.InstallPath).NotTo(BeAnExistingFile())
	})

	It("finds installed plugins through search", func() {
		pkg := writeLuaPackage(weatherManifest("1.0.0"), weatherModule)
		_, err := m.Install(ctx, pkg)
		Expect(err).NotTo(HaveOccurred())

		entries, err := m.Search("weather")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))

		entries, err = m.Search("status:enabled")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())
	})

	It("restores enabled plugins across a host restart", func() {
		pkg := writeLuaPackage(weatherManifest("1.0.0"), weatherModule)
		_, err := m.Install(ctx, pkg)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Enable(ctx, "weather")).To(Succeed())
		m.Close(ctx)

		restarted := dirs.newManager()
		DeferCleanup(func() { restarted.Close(context.Background()) })
		Expect(restarted.Sync(ctx)).To(Succeed())

		result, err := restarted.HandleIntent(ctx, "weather.today", map[string]any{"city": "Oslo"}, "session-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(HaveKeyWithValue("city", "Oslo"))
	})
})

var _ = Describe("Compatibility gating", func() {
	var (
		ctx context.Context
		m   *host.Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		m = newHostDirs().newManager()
		DeferCleanup(func() { m.Close(context.Background()) })
	})

	It("refuses a plugin built for a different host version", func() {
		manifest := `
id: future
name: Future
version: 1.0.0
host-version: ">=9.0.0"
type: lua
entry: main.lua
intents:
  - id: future.go
    name: Go
    handler: handle_go
`
		pkg := writeLuaPackage(manifest, "function handle_go(params) return {} end")

		_, err := m.Install(ctx, pkg)
		Expect(err).To(HaveOccurred())
		Expect(sandbox.ErrorCode(err)).To(Equal(host.CodeIncompatible))
		Expect(m.Get("future")).To(BeNil())
	})

	It("refuses a plugin whose dependency is not installed", func() {
		manifest := `
id: needy
name: Needy
version: 1.0.0
host-version: ">=1.0.0"
type: lua
entry: main.lua
dependencies:
  geocoder: "^1.0.0"
intents:
  - id: needy.run
    name: Run
    handler: handle_run
`
		pkg := writeLuaPackage(manifest, "function handle_run(params) return {} end")

		_, err := m.Install(ctx, pkg)
		Expect(err).To(HaveOccurred())
		Expect(sandbox.ErrorCode(err)).To(Equal(host.CodeIncompatible))
	})

	It("refuses a plugin that claims an intent another plugin owns", func() {
		first := writeLuaPackage(weatherManifest("1.0.0"), weatherModule)
		_, err := m.Install(ctx, first)
		Expect(err).NotTo(HaveOccurred())

		manifest := `
id: squatter
name: Squatter
version: 1.0.0
host-version: ">=1.0.0"
type: lua
entry: main.lua
intents:
  - id: weather.today
    name: Also today's weather
    handler: handle_today
`
		pkg := writeLuaPackage(manifest, "function handle_today(params) return {} end")

		_, err = m.Install(ctx, pkg)
		Expect(err).To(HaveOccurred())
		Expect(sandbox.ErrorCode(err)).To(Equal(host.CodeIncompatible))
	})
})
