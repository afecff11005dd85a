package main

import (
	"context"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/odin-realtime/internal/registry"
	"github.com/adred-codev/odin-realtime/internal/transport"
)

func TestTopicsFor(t *testing.T) {
	topics := []string{"a", "b", "c"}
	rnd := rand.New(rand.NewPCG(1, 2))

	assert.Equal(t, topics, topicsFor(modeAll, topics, 0, 7, rnd))
	assert.Equal(t, []string{"a"}, topicsFor(modeSingle, topics, 0, 0, rnd))
	assert.Equal(t, []string{"b"}, topicsFor(modeSingle, topics, 0, 4, rnd))
	assert.Nil(t, topicsFor(modeAll, nil, 0, 0, rnd))

	picked := topicsFor(modeRandom, topics, 2, 0, rnd)
	require.Len(t, picked, 2)
	assert.NotEqual(t, picked[0], picked[1])
	assert.Subset(t, topics, picked)

	assert.ElementsMatch(t, topics, topicsFor(modeRandom, topics, 5, 0, rnd))
}

func TestLoadConfigValidate(t *testing.T) {
	valid := loadConfig{URL: "ws://h/ws", Connections: 1, RampRate: 1, ReportInterval: time.Second, Mode: modeAll}
	require.NoError(t, valid.validate())

	bad := valid
	bad.Mode = "some"
	assert.ErrorContains(t, bad.validate(), "subscription-mode")

	bad = valid
	bad.Mode = modeRandom
	assert.ErrorContains(t, bad.validate(), "topics-per-client")

	bad = valid
	bad.Connections = 0
	assert.ErrorContains(t, bad.validate(), "connections")
}

func TestRunAgainstServer(t *testing.T) {
	reg := registry.New(registry.Config{Logger: zerolog.Nop()})
	srv := transport.NewServer(transport.Config{Logger: zerolog.Nop()}, reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.BeginShutdown()
		_ = reg.Shutdown(ctx)
		_ = srv.Shutdown(ctx)
		ts.Close()
	})

	r := newRunner(loadConfig{
		URL:            "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		HealthURL:      ts.URL + "/health",
		Connections:    3,
		RampRate:       100,
		Duration:       500 * time.Millisecond,
		ReportInterval: 100 * time.Millisecond,
		Topics:         []string{"BTC.trade"},
		Mode:           modeAll,
	}, zerolog.Nop())

	// Publish while the runner holds its connections.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _ = reg.Broadcast("BTC.trade", map[string]any{"price": 1})
			case <-ctx.Done():
				return
			}
		}
	}()

	s := r.run(context.Background())
	cancel()

	assert.Equal(t, int64(3), s.Created)
	assert.Zero(t, s.Failed)
	assert.Positive(t, s.Messages)
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFetchHealth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","registry":{"connections":4,"topics":2,"dropped_messages":9}}`))
	}))
	defer ts.Close()

	r := newRunner(loadConfig{HealthURL: ts.URL}, zerolog.Nop())
	h, err := r.fetchHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 4, h.Registry.Connections)
	assert.Equal(t, int64(9), h.Registry.DroppedMessages)
}
