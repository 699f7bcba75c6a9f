// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

//go:build integration

package integration

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/lumina-assist/lumina/internal/plugin/host"
	"github.com/lumina-assist/lumina/internal/plugin/sandbox"
	"github.com/lumina-assist/lumina/internal/plugin/updater"
)

const weatherModuleV2 = `
function handle_today(params)
    return { city = params.city, speech = "cloudy in " .. params.city, revision = 2 }
end
`

// breakingManifest drops weather.today entirely.
const breakingManifest = `
id: weather
name: Weather
version: 2.0.0
host-version: ">=1.0.0 <2.0.0"
type: lua
entry: main.lua
intents:
  - id: weather.tomorrow
    name: Tomorrow's weather
    handler: handle_tomorrow
`

// waitForTask polls until the task leaves the queue.
func waitForTask(m *host.Manager, taskID ulid.ULID) *updater.Task {
	var done *updater.Task
	Eventually(func() bool {
		for _, t := range m.UpdateTasks() {
			if t.ID == taskID && (t.Status == updater.StatusCompleted || t.Status == updater.StatusFailed) {
				done = t
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond).Should(BeTrue())
	return done
}

var _ = Describe("Hot-swap updates", func() {
	var (
		ctx context.Context
		m   *host.Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		m = newHostDirs().newManager()
		DeferCleanup(func() { m.Close(context.Background()) })

		pkg := writeLuaPackage(weatherManifest("1.0.0"), weatherModule)
		_, err := m.Install(ctx, pkg)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Enable(ctx, "weather")).To(Succeed())
	})

	It("swaps in a new version without dropping the intent", func() {
		next := writeLuaPackage(weatherManifest("1.1.0"), weatherModuleV2)

		task, err := m.Update("weather", next, false)
		Expect(err).NotTo(HaveOccurred())

		finished := waitForTask(m, task.ID)
		Expect(finished.Status).To(Equal(updater.StatusCompleted))

		entry := m.Get("weather")
		Expect(entry.Metadata.Version).To(Equal("1.1.0"))

		result, err := m.HandleIntent(ctx, "weather.today", map[string]any{"city": "Berlin"}, "session-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(HaveKeyWithValue("revision", float64(2)))
	})

	It("rejects a downgrade unless forced", func() {
		older := writeLuaPackage(weatherManifest("0.9.0"), weatherModule)

		_, err := m.Update("weather", older, false)
		Expect(err).To(HaveOccurred())

		task, err := m.Update("weather", older, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(waitForTask(m, task.ID).Status).To(Equal(updater.StatusCompleted))
		Expect(m.Get("weather").Metadata.Version).To(Equal("0.9.0"))
	})

	It("blocks a breaking update and keeps the old version running", func() {
		next := writeLuaPackage(breakingManifest, "function handle_tomorrow(params) return {} end")

		_, err := m.Update("weather", next, false)
		Expect(err).To(HaveOccurred())
		Expect(sandbox.ErrorCode(err)).To(Equal(updater.CodeBreakingChange))
		Expect(m.UpdateTasks()).To(BeEmpty())

		// The running plugin is untouched.
		Expect(m.Get("weather").Metadata.Version).To(Equal("1.0.0"))
		result, err := m.HandleIntent(ctx, "weather.today", map[string]any{"city": "Berlin"}, "session-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(HaveKeyWithValue("speech", "sunny in Berlin"))
	})

	It("applies a breaking update when forced", func() {
		next := writeLuaPackage(breakingManifest, "function handle_tomorrow(params) return { ok = true } end")

		task, err := m.Update("weather", next, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(waitForTask(m, task.ID).Status).To(Equal(updater.StatusCompleted))

		Expect(m.Get("weather").Metadata.Version).To(Equal("2.0.0"))
		Expect(m.Intents()).To(HaveKey("weather.tomorrow"))
		Expect(m.Intents()).NotTo(HaveKey("weather.today"))
	})

	It("reports newer on-disk packages through CheckForUpdates", func() {
		candidates, err := m.CheckForUpdates("")
		Expect(err).NotTo(HaveOccurred())
		Expect(candidates).To(BeEmpty())
	})
})
