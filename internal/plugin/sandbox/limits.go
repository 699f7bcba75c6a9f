// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

// Package sandbox gives each plugin an isolated execution context with
// enforced resource ceilings. The in-process runtime is a sandboxed Lua
// state; a background monitor per sandbox hard-kills on limit breach.
package sandbox

import "time"

// ResourceLimits is the per-plugin ceiling, fixed at sandbox creation.
// Changing a limit requires destroying and recreating the sandbox.
type ResourceLimits struct {
	MaxMemoryMB      float64       `yaml:"max-memory-mb" json:"maxMemoryMB"`
	MaxCPUPercent    float64       `yaml:"max-cpu-percent" json:"maxCPUPercent"`
	MaxNetworkKBps   float64       `yaml:"max-network-kbps" json:"maxNetworkKBps"`
	MaxStorageMB     float64       `yaml:"max-storage-mb" json:"maxStorageMB"`
	MaxExecutionTime time.Duration `yaml:"max-execution-time" json:"maxExecutionTime"`
}

// DefaultLimits returns the ceiling applied when a plugin's metadata
// does not override it.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryMB:      128,
		MaxCPUPercent:    50,
		MaxNetworkKBps:   512,
		MaxStorageMB:     64,
		MaxExecutionTime: 5 * time.Second,
	}
}

// Usage is one observation of a sandbox's resource consumption.
type Usage struct {
	MemoryMB     float64
	CPUPercent   float64
	NetworkKBps  float64
	StorageMB    float64
	ObservedAt   time.Time
	ErrorCount   int64
	LastLatency  time.Duration
}

// Dimension names a resource limit axis, used in breach events.
type Dimension string

// Resource dimensions a monitor can report a breach on.
const (
	DimMemory  Dimension = "memory"
	DimCPU     Dimension = "cpu"
	DimNetwork Dimension = "network"
	DimStorage Dimension = "storage"
)

// Exceeds reports the first limit dimension u breaches, if any.
// Zero-valued limits are treated as "no ceiling" for that dimension.
func (u Usage) Exceeds(limits ResourceLimits) (Dimension, bool) {
	if limits.MaxMemoryMB > 0 && u.MemoryMB > limits.MaxMemoryMB {
		return DimMemory, true
	}
	if limits.MaxCPUPercent > 0 && u.CPUPercent > limits.MaxCPUPercent {
		return DimCPU, true
	}
	if limits.MaxNetworkKBps > 0 && u.NetworkKBps > limits.MaxNetworkKBps {
		return DimNetwork, true
	}
	if limits.MaxStorageMB > 0 && u.StorageMB > limits.MaxStorageMB {
		return DimStorage, true
	}
	return "", false
}
