package limits

import (
	"github.com/adred-codev/odin-realtime/internal/monitoring"
	"github.com/adred-codev/odin-realtime/internal/types"
	"github.com/rs/zerolog"
)

// MetricsSource provides the latest resource measurement.
// *monitoring.SystemMonitor satisfies it.
type MetricsSource interface {
	Metrics() monitoring.SystemMetrics
}

// GuardConfig holds the emergency brake thresholds. A zero value disables
// the corresponding check.
type GuardConfig struct {
	MemoryLimit        int64   // Reject new connections above this RSS (bytes)
	CPURejectThreshold float64 // Reject new connections above this CPU %
	MaxGoroutines      int     // Reject new connections above this goroutine count
}

// ResourceGuard decides whether the process can afford another connection.
//
// It only reads cached measurements from its MetricsSource, so the check is
// cheap enough to run on every upgrade request and every registration.
// Connection-count limits are enforced by the registry itself.
type ResourceGuard struct {
	config GuardConfig
	source MetricsSource
	logger zerolog.Logger
}

func NewResourceGuard(config GuardConfig, source MetricsSource, logger zerolog.Logger) *ResourceGuard {
	rg := &ResourceGuard{
		config: config,
		source: source,
		logger: logger.With().Str("component", "resource_guard").Logger(),
	}

	rg.logger.Info().
		Int64("memory_limit", config.MemoryLimit).
		Float64("cpu_reject_threshold", config.CPURejectThreshold).
		Int("max_goroutines", config.MaxGoroutines).
		Msg("ResourceGuard initialized")

	return rg
}

// CanAccept checks the CPU, memory and goroutine brakes in that order.
//
// Returns:
//   - accept: true if a connection should be accepted
//   - reason: rejection reason (one of the types.RejectReason* values)
func (rg *ResourceGuard) CanAccept() (accept bool, reason string) {
	m := rg.source.Metrics()

	if rg.config.CPURejectThreshold > 0 && m.CPUPercent > rg.config.CPURejectThreshold {
		rg.logger.Debug().
			Float64("current_cpu", m.CPUPercent).
			Float64("threshold", rg.config.CPURejectThreshold).
			Msg("Connection rejected: CPU overload")
		return false, types.RejectReasonCPU
	}

	if rg.config.MemoryLimit > 0 && m.MemoryBytes > rg.config.MemoryLimit {
		rg.logger.Debug().
			Int64("current_memory_mb", m.MemoryBytes/(1024*1024)).
			Int64("limit_mb", rg.config.MemoryLimit/(1024*1024)).
			Msg("Connection rejected: memory limit exceeded")
		return false, types.RejectReasonMemory
	}

	if rg.config.MaxGoroutines > 0 && m.Goroutines > rg.config.MaxGoroutines {
		rg.logger.Debug().
			Int("current_goroutines", m.Goroutines).
			Int("max_goroutines", rg.config.MaxGoroutines).
			Msg("Connection rejected: goroutine limit exceeded")
		return false, types.RejectReasonCapacity
	}

	return true, ""
}

// Stats returns the thresholds and the latest measurement for the health endpoint.
func (rg *ResourceGuard) Stats() map[string]any {
	m := rg.source.Metrics()
	return map[string]any{
		"cpu_percent":          m.CPUPercent,
		"cpu_reject_threshold": rg.config.CPURejectThreshold,
		"memory_bytes":         m.MemoryBytes,
		"memory_limit_bytes":   rg.config.MemoryLimit,
		"goroutines":           m.Goroutines,
		"goroutines_limit":     rg.config.MaxGoroutines,
		"sampled_at":           m.Timestamp,
	}
}
