// Package ratelimit is the per-process admission guard consulted before any
// mutation. Counters are in memory and best-effort across instances.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sets the token bucket sizes.
type Config struct {
	SourceRate  float64
	SourceBurst int
	ActionRate  float64
	ActionBurst int
	// IdleTTL is how long an unused bucket is kept before Sweep drops it.
	IdleTTL time.Duration
}

// DefaultConfig matches 5 rps / burst 10 per source and 2 rps / burst 5 per action.
func DefaultConfig() Config {
	return Config{
		SourceRate:  5,
		SourceBurst: 10,
		ActionRate:  2,
		ActionBurst: 5,
		IdleTTL:     10 * time.Minute,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Guard admits or rejects requests by source and optional action key.
type Guard struct {
	cfg     Config
	mu      sync.Mutex
	sources map[string]*bucket
	actions map[string]*bucket
	now     func() time.Time
}

// NewGuard returns a Guard; zero fields in cfg fall back to DefaultConfig.
func NewGuard(cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.SourceRate <= 0 {
		cfg.SourceRate = def.SourceRate
	}
	if cfg.SourceBurst <= 0 {
		cfg.SourceBurst = def.SourceBurst
	}
	if cfg.ActionRate <= 0 {
		cfg.ActionRate = def.ActionRate
	}
	if cfg.ActionBurst <= 0 {
		cfg.ActionBurst = def.ActionBurst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return &Guard{
		cfg:     cfg,
		sources: make(map[string]*bucket),
		actions: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow takes one token from the source bucket and, when action is set, one
// from the action bucket. Both must have capacity.
func (g *Guard) Allow(source, action string) bool {
	if g == nil {
		return true
	}
	if source == "" {
		source = "unknown"
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	okSource := g.take(g.sources, source, rate.Limit(g.cfg.SourceRate), g.cfg.SourceBurst, now)
	okAction := true
	if action != "" {
		okAction = g.take(g.actions, action, rate.Limit(g.cfg.ActionRate), g.cfg.ActionBurst, now)
	}
	return okSource && okAction
}

func (g *Guard) take(buckets map[string]*bucket, key string, limit rate.Limit, burst int, now time.Time) bool {
	b, ok := buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(limit, burst)}
		buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Sweep drops buckets idle for longer than IdleTTL and returns how many were removed.
func (g *Guard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-g.cfg.IdleTTL)
	removed := 0
	for _, buckets := range []map[string]*bucket{g.sources, g.actions} {
		for key, b := range buckets {
			if b.lastSeen.Before(cutoff) {
				delete(buckets, key)
				removed++
			}
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (g *Guard) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}
