package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adred-codev/odin-realtime/internal/monitoring"
	"github.com/adred-codev/odin-realtime/internal/protocol"
	"github.com/adred-codev/odin-realtime/internal/types"
	"github.com/rs/zerolog"
)

// HeartbeatMonitor is a single periodic task covering every handle.
//
// On each tick a handle silent for longer than multiplier*interval is
// unregistered; every other handle gets a best-effort ping and its outbound
// queue flushed.
type HeartbeatMonitor struct {
	registry   *Registry
	interval   time.Duration
	multiplier int
	now        func() time.Time
	logger     zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newHeartbeatMonitor(r *Registry, interval time.Duration, multiplier int, now func() time.Time, logger zerolog.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		registry:   r,
		interval:   interval,
		multiplier: multiplier,
		now:        now,
		logger:     logger.With().Str("component", "heartbeat").Logger(),
	}
}

// StaleAfter is the silence after which a handle is evicted.
func (m *HeartbeatMonitor) StaleAfter() time.Duration {
	return time.Duration(m.multiplier) * m.interval
}

// Start runs Tick every interval until ctx is cancelled or Stop is called.
// Calling Start on a running monitor is a no-op.
func (m *HeartbeatMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx, m.done)
}

func (m *HeartbeatMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer monitoring.RecoverPanic(m.logger, "heartbeatMonitor", nil)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Tick(m.now())
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the periodic task and waits for it to exit.
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick performs one sweep as of now and returns the number of evicted handles.
func (m *HeartbeatMonitor) Tick(now time.Time) int {
	started := time.Now()
	staleAfter := m.StaleAfter()

	var ping []byte
	if frame, err := protocol.Encode(protocol.Ping(now)); err == nil {
		ping = frame
	}

	evicted := 0
	for _, h := range m.registry.snapshot() {
		if silence := now.Sub(h.LastLivenessAt()); silence > staleAfter {
			m.logger.Info().
				Str("connection_id", string(h.ID())).
				Dur("silence", silence).
				Msg("Heartbeat timeout")
			if m.registry.Unregister(h.ID(), types.DisconnectReasonHeartbeatTimeout) {
				evicted++
			}
			continue
		}

		if ping != nil {
			if err := h.SendDirect(ping); err != nil && !errors.Is(err, ErrWouldBlock) {
				m.logger.Debug().Err(err).Str("connection_id", string(h.ID())).Msg("Heartbeat ping failed")
			}
		}
		if _, err := h.Flush(); err != nil {
			m.logger.Debug().Err(err).Str("connection_id", string(h.ID())).Msg("Flush failed")
		}
	}

	monitoring.RecordHeartbeatTick(evicted, time.Since(started))
	return evicted
}
