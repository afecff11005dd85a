package limits

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/odin-realtime/internal/monitoring"
	"github.com/adred-codev/odin-realtime/internal/types"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestConnectionRateLimiterPerIP(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst: 2,
		IPRate:  0.001,
		Logger:  zerolog.Nop(),
	})
	defer crl.Stop()

	assert.True(t, crl.Allow("10.0.0.1"))
	assert.True(t, crl.Allow("10.0.0.1"))
	assert.False(t, crl.Allow("10.0.0.1"), "third attempt exceeds the per-IP burst")
	assert.True(t, crl.Allow("10.0.0.2"), "other addresses keep their own budget")
	assert.Equal(t, 2, crl.TrackedIPs())
}

func TestConnectionRateLimiterGlobal(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     10,
		GlobalBurst: 3,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	for i, ip := range []string{"a", "b", "c"} {
		require.True(t, crl.Allow(ip), "attempt %d", i)
	}
	assert.False(t, crl.Allow("d"))
	assert.Equal(t, 3, crl.TrackedIPs(), "globally rejected attempts are not tracked per IP")
}

func TestConnectionRateLimiterCleanup(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPTTL:           time.Minute,
		CleanupInterval: time.Hour,
		Logger:          zerolog.Nop(),
		Now:             clock.Now,
	})
	defer crl.Stop()

	crl.Allow("old")
	clock.Advance(45 * time.Second)
	crl.Allow("fresh")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, crl.Cleanup())
	assert.Equal(t, 1, crl.TrackedIPs())
}

func TestConnectionRateLimiterStopIsIdempotent(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{Logger: zerolog.Nop()})
	crl.Stop()
	crl.Stop()
}

func TestMessageLimiterDefaults(t *testing.T) {
	l := NewMessageLimiter(MessageLimiterConfig{})
	assert.Equal(t, 100, l.Burst())
	assert.InDelta(t, 10, float64(l.Limit()), 0.001)
}

type staticSource struct {
	m monitoring.SystemMetrics
}

func (s staticSource) Metrics() monitoring.SystemMetrics { return s.m }

func TestResourceGuard(t *testing.T) {
	cfg := GuardConfig{MemoryLimit: 100 << 20, CPURejectThreshold: 75, MaxGoroutines: 1000}

	tests := []struct {
		name       string
		metrics    monitoring.SystemMetrics
		wantAccept bool
		wantReason string
	}{
		{"healthy", monitoring.SystemMetrics{CPUPercent: 20, MemoryBytes: 10 << 20, Goroutines: 50}, true, ""},
		{"cpu", monitoring.SystemMetrics{CPUPercent: 90}, false, types.RejectReasonCPU},
		{"memory", monitoring.SystemMetrics{MemoryBytes: 200 << 20}, false, types.RejectReasonMemory},
		{"goroutines", monitoring.SystemMetrics{Goroutines: 5000}, false, types.RejectReasonCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rg := NewResourceGuard(cfg, staticSource{m: tt.metrics}, zerolog.Nop())
			accept, reason := rg.CanAccept()
			assert.Equal(t, tt.wantAccept, accept)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestResourceGuardZeroDisablesChecks(t *testing.T) {
	rg := NewResourceGuard(GuardConfig{}, staticSource{m: monitoring.SystemMetrics{
		CPUPercent: 100, MemoryBytes: 1 << 40, Goroutines: 1 << 20,
	}}, zerolog.Nop())

	accept, _ := rg.CanAccept()
	assert.True(t, accept)
	assert.Contains(t, rg.Stats(), "cpu_percent")
}
