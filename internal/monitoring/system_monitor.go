package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cpu_usage_percent",
		Help: "Host CPU usage percentage",
	})

	memoryRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_memory_rss_bytes",
		Help: "Resident set size of the server process",
	})

	memoryHostPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_memory_host_used_percent",
		Help: "Host memory used percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_goroutines_active",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(cpuUsagePercent, memoryRSSBytes, memoryHostPercent, goroutinesActive)
}

// SystemMetrics holds one resource measurement.
type SystemMetrics struct {
	CPUPercent        float64   // Host CPU usage since the previous sample
	MemoryBytes       int64     // Process RSS (falls back to Go heap alloc)
	HostMemoryPercent float64   // Host memory used
	Goroutines        int       // Current goroutine count
	Timestamp         time.Time // When these metrics were captured
}

// SystemMonitor samples CPU and memory on an interval so admission checks
// read a cached value instead of measuring on the hot path.
type SystemMonitor struct {
	logger zerolog.Logger
	proc   *process.Process

	mu      sync.RWMutex
	metrics SystemMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	sm := &SystemMonitor{
		logger:  logger.With().Str("component", "system_monitor").Logger(),
		metrics: SystemMetrics{Timestamp: time.Now()},
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		LogError(sm.logger, err, "Process stats unavailable, using Go heap for memory", nil)
	} else {
		sm.proc = proc
	}

	return sm
}

// Start begins periodic sampling. Stop must be called to release the goroutine.
func (sm *SystemMonitor) Start(ctx context.Context, interval time.Duration) {
	ctx, sm.cancel = context.WithCancel(ctx)

	sm.Sample()

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "systemMonitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.logger.Info().Dur("interval", interval).Msg("SystemMonitor started")

		for {
			select {
			case <-ticker.C:
				sm.Sample()
			case <-ctx.Done():
				sm.logger.Info().Msg("SystemMonitor stopped")
				return
			}
		}
	}()
}

func (sm *SystemMonitor) Stop() {
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.wg.Wait()
}

// Sample takes a single measurement and publishes it.
func (sm *SystemMonitor) Sample() SystemMetrics {
	m := SystemMetrics{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	// Interval 0 compares against the previous call, so it never blocks.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	} else if err != nil {
		sm.logger.Debug().Err(err).Msg("Failed to read CPU usage")
	}

	if sm.proc != nil {
		if info, err := sm.proc.MemoryInfo(); err == nil {
			m.MemoryBytes = int64(info.RSS)
		}
	}
	if m.MemoryBytes == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		m.MemoryBytes = int64(ms.Alloc)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		m.HostMemoryPercent = vm.UsedPercent
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	cpuUsagePercent.Set(m.CPUPercent)
	memoryRSSBytes.Set(float64(m.MemoryBytes))
	memoryHostPercent.Set(m.HostMemoryPercent)
	goroutinesActive.Set(float64(m.Goroutines))

	return m
}

// Metrics returns the most recent sample.
func (sm *SystemMonitor) Metrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}
