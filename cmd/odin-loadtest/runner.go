package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/odin-realtime/internal/client"
	"github.com/adred-codev/odin-realtime/internal/protocol"
)

// Subscription modes
const (
	modeAll    = "all"    // every client subscribes to every topic
	modeSingle = "single" // round-robin, one topic per client
	modeRandom = "random" // TopicsPerClient random topics per client
)

type loadConfig struct {
	URL             string
	HealthURL       string
	Connections     int
	RampRate        float64
	Duration        time.Duration
	ReportInterval  time.Duration
	Topics          []string
	Mode            string
	TopicsPerClient int
}

func (c loadConfig) validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.Connections < 1 {
		return fmt.Errorf("connections must be > 0, got %d", c.Connections)
	}
	if c.RampRate <= 0 {
		return fmt.Errorf("ramp-rate must be > 0, got %.1f", c.RampRate)
	}
	if c.ReportInterval <= 0 {
		return fmt.Errorf("report-interval must be > 0, got %s", c.ReportInterval)
	}
	switch c.Mode {
	case modeAll, modeSingle:
	case modeRandom:
		if c.TopicsPerClient < 1 {
			return fmt.Errorf("topics-per-client must be > 0, got %d", c.TopicsPerClient)
		}
	default:
		return fmt.Errorf("subscription-mode must be one of: all, single, random (got: %s)", c.Mode)
	}
	return nil
}

// topicsFor picks the topics of client number idx.
func topicsFor(mode string, topics []string, perClient, idx int, rnd *rand.Rand) []string {
	if len(topics) == 0 {
		return nil
	}
	switch mode {
	case modeSingle:
		return []string{topics[idx%len(topics)]}
	case modeRandom:
		if perClient >= len(topics) {
			return append([]string(nil), topics...)
		}
		picked := make([]string, 0, perClient)
		for _, i := range rnd.Perm(len(topics))[:perClient] {
			picked = append(picked, topics[i])
		}
		return picked
	default:
		return append([]string(nil), topics...)
	}
}

type summary struct {
	Created      int64
	Failed       int64
	Messages     int64
	ServerErrors int64
	MessageRate  float64
}

type runner struct {
	cfg    loadConfig
	logger zerolog.Logger
	http   *http.Client
	rnd    *rand.Rand

	active       atomic.Int64
	created      atomic.Int64
	failed       atomic.Int64
	messages     atomic.Int64
	serverErrors atomic.Int64

	mu      sync.Mutex
	clients []*client.Client
	phase   string
	started time.Time
}

func newRunner(cfg loadConfig, logger zerolog.Logger) *runner {
	return &runner{
		cfg:    cfg,
		logger: logger,
		http:   &http.Client{Timeout: 5 * time.Second},
		rnd:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		phase:  "ramping",
	}
}

// run ramps up, holds for cfg.Duration, then closes every client.
func (r *runner) run(ctx context.Context) summary {
	r.started = time.Now()
	r.logger.Info().
		Str("url", r.cfg.URL).
		Int("connections", r.cfg.Connections).
		Float64("ramp_rate", r.cfg.RampRate).
		Dur("duration", r.cfg.Duration).
		Strs("topics", r.cfg.Topics).
		Str("mode", r.cfg.Mode).
		Msg("Starting load test")

	if r.cfg.HealthURL != "" {
		if _, err := r.fetchHealth(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Initial health check failed")
		}
	}

	reportCtx, stopReports := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.reportLoop(reportCtx)
	}()

	r.ramp(ctx)

	r.setPhase("sustaining")
	select {
	case <-time.After(r.cfg.Duration):
	case <-ctx.Done():
	}

	r.setPhase("completed")
	stopReports()
	wg.Wait()
	r.report(ctx)
	r.closeAll()

	elapsed := time.Since(r.started).Seconds()
	messages := r.messages.Load()
	return summary{
		Created:      r.created.Load(),
		Failed:       r.failed.Load(),
		Messages:     messages,
		ServerErrors: r.serverErrors.Load(),
		MessageRate:  float64(messages) / max(elapsed, 1),
	}
}

func (r *runner) ramp(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Limit(r.cfg.RampRate), 1)
	for i := range r.cfg.Connections {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		r.open(ctx, i)
	}
	r.logger.Info().Int64("created", r.created.Load()).Msg("Ramp-up complete")
}

func (r *runner) open(ctx context.Context, idx int) {
	c := client.New(client.Config{
		Endpoint: r.cfg.URL,
		Logger:   zerolog.Nop(),
	})

	var connected atomic.Bool
	c.OnData(func(protocol.Envelope) { r.messages.Add(1) })
	c.OnError(func(error) { r.serverErrors.Add(1) })
	c.OnStateChange(func(s client.State) {
		if s == client.StateConnected {
			if connected.CompareAndSwap(false, true) {
				r.active.Add(1)
			}
			return
		}
		if connected.CompareAndSwap(true, false) {
			r.active.Add(-1)
		}
	})
	c.OnTerminal(func(error) { r.failed.Add(1) })

	r.mu.Lock()
	topics := topicsFor(r.cfg.Mode, r.cfg.Topics, r.cfg.TopicsPerClient, idx, r.rnd)
	r.mu.Unlock()
	for _, t := range topics {
		_ = c.Subscribe(t)
	}

	r.created.Add(1)
	if err := c.Connect(ctx); err != nil {
		r.failed.Add(1)
		r.logger.Warn().Err(err).Int("client", idx).Msg("Connect refused")
		return
	}

	r.mu.Lock()
	r.clients = append(r.clients, c)
	r.mu.Unlock()
}

func (r *runner) closeAll() {
	r.mu.Lock()
	clients := r.clients
	r.clients = nil
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Close()
		}()
	}
	wg.Wait()
}

func (r *runner) setPhase(p string) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *runner) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.report(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *runner) report(ctx context.Context) {
	r.mu.Lock()
	phase := r.phase
	r.mu.Unlock()

	created := r.created.Load()
	failed := r.failed.Load()
	successRate := 100.0
	if created > 0 {
		successRate = float64(created-failed) / float64(created) * 100
	}

	event := r.logger.Info().
		Str("phase", phase).
		Dur("elapsed", time.Since(r.started).Round(time.Second)).
		Int64("active", r.active.Load()).
		Int("target", r.cfg.Connections).
		Int64("created", created).
		Int64("failed", failed).
		Float64("success_rate", successRate).
		Int64("messages", r.messages.Load()).
		Int64("server_errors", r.serverErrors.Load())

	if r.cfg.HealthURL != "" {
		if h, err := r.fetchHealth(context.WithoutCancel(ctx)); err == nil {
			event = event.
				Str("server_status", h.Status).
				Int("server_connections", h.Registry.Connections).
				Int64("server_dropped", h.Registry.DroppedMessages)
		}
	}
	event.Msg("Load test report")
}

type healthResponse struct {
	Status   string `json:"status"`
	Registry struct {
		Connections     int   `json:"connections"`
		Topics          int   `json:"topics"`
		DroppedMessages int64 `json:"dropped_messages"`
	} `json:"registry"`
}

func (r *runner) fetchHealth(ctx context.Context) (*healthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.HealthURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()

	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &h, nil
}
