package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedGuard(cfg Config) (*Guard, *time.Time) {
	now := time.Date(2026, time.May, 1, 12, 0, 0, 0, time.UTC)
	g := NewGuard(cfg)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestAllowSourceBurstThenRefill(t *testing.T) {
	g, now := fixedGuard(Config{SourceRate: 5, SourceBurst: 10})

	for i := 0; i < 10; i++ {
		assert.True(t, g.Allow("10.0.0.1", ""), "request %d within burst", i)
	}
	assert.False(t, g.Allow("10.0.0.1", ""), "burst exhausted")
	assert.True(t, g.Allow("10.0.0.2", ""), "other sources are independent")

	*now = now.Add(300 * time.Millisecond)
	assert.True(t, g.Allow("10.0.0.1", ""), "1.5 tokens refilled after 300ms at 5 rps")
	assert.False(t, g.Allow("10.0.0.1", ""))
}

func TestAllowActionKeyIsShared(t *testing.T) {
	g, _ := fixedGuard(Config{SourceBurst: 100, ActionRate: 2, ActionBurst: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, g.Allow("client-"+string(rune('a'+i)), "note"))
	}
	assert.False(t, g.Allow("client-z", "note"), "action bucket exhausted across sources")
	assert.True(t, g.Allow("client-z", ""), "requests without action only use the source bucket")
}

func TestNilGuardAllows(t *testing.T) {
	var g *Guard
	assert.True(t, g.Allow("anyone", "note"))
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	g, now := fixedGuard(Config{IdleTTL: time.Minute})
	g.Allow("a", "note")
	*now = now.Add(30 * time.Second)
	g.Allow("b", "")

	*now = now.Add(45 * time.Second)
	assert.Equal(t, 2, g.Sweep(), "source a and action note are idle")
	assert.Len(t, g.sources, 1)
	assert.Empty(t, g.actions)
}
