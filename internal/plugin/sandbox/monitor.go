// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package sandbox

import (
	"log/slog"
	"sync"
	"time"
)

// Sampler produces one resource usage observation. Implementations are
// called from the monitor goroutine only.
type Sampler interface {
	Sample(interval time.Duration) (Usage, error)
}

// Monitor watches one sandbox's resource usage on a fixed polling
// interval, independent of call activity. On a limit breach it invokes
// the kill callback exactly once; this is a hard kill, not a warning.
type Monitor struct {
	pluginID string
	limits   ResourceLimits
	interval time.Duration
	sampler  Sampler
	onBreach func(pluginID string, dim Dimension, usage Usage)
	recorder UsageRecorder

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newMonitor(pluginID string, limits ResourceLimits, interval time.Duration, sampler Sampler, onBreach func(string, Dimension, Usage), recorder UsageRecorder) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{
		pluginID: pluginID,
		limits:   limits,
		interval: interval,
		sampler:  sampler,
		onBreach: onBreach,
		recorder: recorder,
		stopCh:   make(chan struct{}),
	}
}

// start launches the polling goroutine.
func (mon *Monitor) start() {
	mon.wg.Add(1)
	go mon.loop()
}

// stop halts polling and waits for the goroutine to exit. Safe to call
// more than once.
func (mon *Monitor) stop() {
	mon.stopOnce.Do(func() {
		close(mon.stopCh)
	})
	mon.wg.Wait()
}

// loop is the monitor's background loop. Sampling failures are logged
// and contained here; no synchronous caller is waiting on this path.
func (mon *Monitor) loop() {
	defer mon.wg.Done()

	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	for {
		select {
		case <-mon.stopCh:
			return
		case <-ticker.C:
			usage, err := mon.sampler.Sample(mon.interval)
			if err != nil {
				slog.Warn("resource sample failed",
					"plugin", mon.pluginID, "error", err)
				continue
			}

			if mon.recorder != nil {
				mon.recorder.RecordUsage(mon.pluginID, usage)
			}

			if dim, breached := usage.Exceeds(mon.limits); breached {
				slog.Error("resource limit exceeded, killing sandbox",
					"plugin", mon.pluginID,
					"dimension", string(dim),
					"memory_mb", usage.MemoryMB,
					"cpu_pct", usage.CPUPercent,
					"network_kbps", usage.NetworkKBps,
					"storage_mb", usage.StorageMB)
				// Kill from a separate goroutine: the breach callback
				// destroys the sandbox, which stops this monitor and
				// waits for this goroutine.
				go mon.onBreach(mon.pluginID, dim, usage)
				return
			}
		}
	}
}
