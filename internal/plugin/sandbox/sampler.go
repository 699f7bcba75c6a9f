// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package sandbox

import (
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// luaSampler observes an in-process Lua sandbox. CPU and network come
// from the sandbox's own counters; memory is the host process RSS
// growth since the sandbox was created (coarse, but a runaway allocator
// crosses it fast); storage is the plugin's install directory size.
type luaSampler struct {
	sb          *Sandbox
	proc        *process.Process
	baselineRSS uint64

	prevBusy int64
	prevNet  int64
}

func newLuaSampler(sb *Sandbox) *luaSampler {
	s := &luaSampler{sb: sb}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
		if mem, err := proc.MemoryInfo(); err == nil {
			s.baselineRSS = mem.RSS
		}
	}
	return s
}

// Sample implements Sampler.
func (s *luaSampler) Sample(interval time.Duration) (Usage, error) {
	usage, busy, net := s.sb.usageSince(s.prevBusy, s.prevNet, interval)
	s.prevBusy = busy
	s.prevNet = net

	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil && mem.RSS > s.baselineRSS {
			usage.MemoryMB = float64(mem.RSS-s.baselineRSS) / (1 << 20)
		}
	}

	if s.sb.installDir != "" {
		usage.StorageMB = dirSizeMB(s.sb.installDir)
	}

	return usage, nil
}

// ProcessSampler observes a plugin running as its own OS process
// (binary runtime). Memory and CPU are exact per-process figures.
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler creates a sampler for the given pid.
func NewProcessSampler(pid int32) (*ProcessSampler, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{proc: proc}, nil
}

// Sample implements Sampler.
func (s *ProcessSampler) Sample(_ time.Duration) (Usage, error) {
	usage := Usage{ObservedAt: time.Now()}

	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return usage, err
	}
	usage.MemoryMB = float64(mem.RSS) / (1 << 20)

	if cpu, err := s.proc.Percent(0); err == nil {
		usage.CPUPercent = cpu
	}

	return usage, nil
}

// dirSizeMB walks dir and totals regular file sizes. Walk errors are
// skipped; a partially unreadable tree still yields a useful figure.
func dirSizeMB(dir string) float64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error { //nolint:errcheck // best effort
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return float64(total) / (1 << 20)
}
