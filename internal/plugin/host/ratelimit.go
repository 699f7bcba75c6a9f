// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package host

import (
	"sync"
	"time"
)

// Rate limiting defaults. Intent dispatch is interactive; the burst
// covers a user rattling off several commands while the sustained rate
// stops a caller from monopolizing the host.
const (
	DefaultBurstCapacity = 10
	DefaultSustainedRate = 2.0

	MinBurstCapacity = 1
	MinSustainedRate = 0.1

	DefaultCleanupInterval = 5 * time.Minute
	DefaultCallerMaxAge    = time.Hour
)

// RateLimiterConfig configures the dispatch rate limiter.
type RateLimiterConfig struct {
	// BurstCapacity is the number of calls allowed in a burst.
	// Defaults to DefaultBurstCapacity if zero or negative.
	BurstCapacity int

	// SustainedRate is calls per second once the burst is spent.
	// Defaults to DefaultSustainedRate if zero or negative.
	SustainedRate float64

	// CleanupInterval is how often stale caller buckets are dropped.
	CleanupInterval time.Duration

	// CallerMaxAge is how long an idle caller's bucket is kept.
	CallerMaxAge time.Duration
}

// callerBucket is one caller's token bucket.
type callerBucket struct {
	tokens    float64
	lastCheck time.Time
}

// RateLimiter applies a per-caller token bucket to intent dispatch.
// Safe for concurrent use. A background goroutine prunes idle callers;
// call Close to stop it.
type RateLimiter struct {
	mu            sync.Mutex
	callers       map[string]*callerBucket
	burstCapacity int
	sustainedRate float64
	callerMaxAge  time.Duration

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRateLimiter creates a rate limiter and starts its cleanup
// goroutine.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	burstCapacity := cfg.BurstCapacity
	if burstCapacity <= 0 {
		burstCapacity = DefaultBurstCapacity
	}
	if burstCapacity < MinBurstCapacity {
		burstCapacity = MinBurstCapacity
	}

	sustainedRate := cfg.SustainedRate
	if sustainedRate <= 0 {
		sustainedRate = DefaultSustainedRate
	}
	if sustainedRate < MinSustainedRate {
		sustainedRate = MinSustainedRate
	}

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	callerMaxAge := cfg.CallerMaxAge
	if callerMaxAge <= 0 {
		callerMaxAge = DefaultCallerMaxAge
	}

	rl := &RateLimiter{
		callers:       make(map[string]*callerBucket),
		burstCapacity: burstCapacity,
		sustainedRate: sustainedRate,
		callerMaxAge:  callerMaxAge,
		stopChan:      make(chan struct{}),
	}

	rl.wg.Add(1)
	go rl.cleanupLoop(cleanupInterval)
	return rl
}

// Allow consumes one token for callerID if available. Returns
// (allowed, cooldownMs); cooldownMs is how long until the next token
// when the call is rejected.
func (rl *RateLimiter) Allow(callerID string) (allowed bool, cooldownMs int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	bucket, exists := rl.callers[callerID]
	if !exists {
		bucket = &callerBucket{
			tokens:    float64(rl.burstCapacity),
			lastCheck: now,
		}
		rl.callers[callerID] = bucket
	}

	elapsed := now.Sub(bucket.lastCheck).Seconds()
	bucket.tokens += elapsed * rl.sustainedRate
	if bucket.tokens > float64(rl.burstCapacity) {
		bucket.tokens = float64(rl.burstCapacity)
	}
	bucket.lastCheck = now

	if bucket.tokens >= 1.0 {
		bucket.tokens -= 1.0
		return true, 0
	}

	deficit := 1.0 - bucket.tokens
	return false, int64(deficit / rl.sustainedRate * 1000)
}

// CallerCount returns the number of tracked callers.
func (rl *RateLimiter) CallerCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.callers)
}

// Cleanup drops callers idle longer than maxAge.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	threshold := time.Now().Add(-maxAge)
	for callerID, bucket := range rl.callers {
		if bucket.lastCheck.Before(threshold) {
			delete(rl.callers, callerID)
		}
	}
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	defer rl.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopChan:
			return
		case <-ticker.C:
			rl.Cleanup(rl.callerMaxAge)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() {
		close(rl.stopChan)
	})
	rl.wg.Wait()
}
