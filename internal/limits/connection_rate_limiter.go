package limits

import (
	"sync"
	"time"

	"github.com/adred-codev/odin-realtime/internal/monitoring"
	"github.com/adred-codev/odin-realtime/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter limits connection attempts before the upgrade.
//
// Two levels, both token buckets from golang.org/x/time/rate:
//   - Global: protects the process from distributed floods
//   - Per-IP: keeps one address from monopolising the global budget
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter
	globalBurst   int
	globalRate    float64

	logger zerolog.Logger
	now    func() time.Time

	stopOnce    sync.Once
	stopCleanup chan struct{}
	done        chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for connection rate limiting
type ConnectionRateLimiterConfig struct {
	IPBurst int           // Max burst connections per IP (default: 20)
	IPRate  float64       // Sustained connections/sec per IP (default: 5)
	IPTTL   time.Duration // Forget idle IPs after this duration (default: 5 minutes)

	GlobalBurst int     // Max burst connections system-wide (default: 400)
	GlobalRate  float64 // Sustained connections/sec system-wide (default: 200)

	CleanupInterval time.Duration // default: 1 minute

	Logger zerolog.Logger
	Now    func() time.Time
}

// NewConnectionRateLimiter creates the limiter and starts its cleanup loop.
// Call Stop during shutdown.
//
// Example:
//
//	limiter := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
//	    IPBurst:     20,
//	    IPRate:      5,
//	    GlobalBurst: 400,
//	    GlobalRate:  200,
//	    Logger:      logger,
//	})
//	defer limiter.Stop()
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 20
	}
	if config.IPRate == 0 {
		config.IPRate = 5
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 400
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 200
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	crl := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		globalBurst:   config.GlobalBurst,
		globalRate:    config.GlobalRate,
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		now:           config.Now,
		stopCleanup:   make(chan struct{}),
		done:          make(chan struct{}),
	}

	go crl.cleanupLoop(config.CleanupInterval)

	crl.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("ConnectionRateLimiter initialized")

	return crl
}

// Allow reports whether a connection from ip may proceed. The global bucket
// is checked first so a rejected flood never grows the per-IP map.
func (crl *ConnectionRateLimiter) Allow(ip string) bool {
	if !crl.globalLimiter.Allow() {
		crl.logger.Debug().
			Str("ip", ip).
			Float64("global_rate", crl.globalRate).
			Msg("Connection rejected: global rate limit exceeded")
		monitoring.RecordRejection(types.RejectReasonRateLimited)
		return false
	}

	if !crl.ipLimiter(ip).Allow() {
		crl.logger.Debug().
			Str("ip", ip).
			Float64("ip_rate", crl.ipRate).
			Msg("Connection rejected: per-IP rate limit exceeded")
		monitoring.RecordRejection(types.RejectReasonRateLimited)
		return false
	}

	return true
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := crl.now()
	if entry, ok := crl.ipLimiters[ip]; ok {
		entry.lastAccess = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: now}
	return limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop(interval time.Duration) {
	defer close(crl.done)
	defer monitoring.RecoverPanic(crl.logger, "connectionRateLimiterCleanup", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			crl.Cleanup()
		case <-crl.stopCleanup:
			return
		}
	}
}

// Cleanup drops limiters for IPs idle longer than the TTL and returns how many were removed.
func (crl *ConnectionRateLimiter) Cleanup() int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := crl.now()
	removed := 0
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}

	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
	return removed
}

// Stop ends the cleanup loop. Safe to call more than once.
func (crl *ConnectionRateLimiter) Stop() {
	crl.stopOnce.Do(func() {
		close(crl.stopCleanup)
	})
	<-crl.done
}

func (crl *ConnectionRateLimiter) TrackedIPs() int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	return len(crl.ipLimiters)
}
