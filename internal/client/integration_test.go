package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adred-codev/odin-realtime/internal/protocol"
	"github.com/adred-codev/odin-realtime/internal/registry"
	"github.com/adred-codev/odin-realtime/internal/transport"
	"github.com/adred-codev/odin-realtime/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRealtimeServer(t *testing.T) (*registry.Registry, string) {
	t.Helper()

	reg := registry.New(registry.Config{Logger: zerolog.Nop()})
	srv := transport.NewServer(transport.Config{Logger: zerolog.Nop()}, reg)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.BeginShutdown()
		require.NoError(t, reg.Shutdown(ctx))
		require.NoError(t, srv.Shutdown(ctx))
		ts.Close()
	})

	return reg, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestClientAgainstServer(t *testing.T) {
	reg, endpoint := startRealtimeServer(t)

	c := New(Config{
		Endpoint:     endpoint,
		BaseDelay:    10 * time.Millisecond,
		PingInterval: 20 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	defer c.Close()

	received := make(chan protocol.Envelope, 4)
	c.OnData(func(env protocol.Envelope) { received <- env })

	require.NoError(t, c.Subscribe("ETH.trade"))
	require.NoError(t, c.Connect(context.Background()))

	waitFor(t, func() bool { return len(reg.Subscribers("ETH.trade")) == 1 })

	n, err := reg.Broadcast("ETH.trade", map[string]any{"price": 3100})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case env := <-received:
		assert.Equal(t, "ETH.trade", env.Topic)
		assert.JSONEq(t, `{"price":3100}`, string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not received")
	}

	// The client pings on its own; the server keeps its liveness fresh.
	id := reg.Subscribers("ETH.trade")[0]
	h, ok := reg.Get(id)
	require.True(t, ok)
	before := h.LastLivenessAt()
	waitFor(t, func() bool { return h.LastLivenessAt().After(before) })

	// Server drops the connection; the client reconnects and replays.
	require.True(t, reg.Unregister(id, types.DisconnectReasonHeartbeatTimeout))
	waitFor(t, func() bool {
		subs := reg.Subscribers("ETH.trade")
		return len(subs) == 1 && subs[0] != id
	})
	assert.Equal(t, StateConnected, c.State())
}

func TestClientGivesUpOnDeadServer(t *testing.T) {
	ts := httptest.NewServer(nil)
	endpoint := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ts.Close()

	terminal := make(chan error, 1)
	c := New(Config{
		Endpoint:    endpoint,
		BaseDelay:   time.Millisecond,
		MaxAttempts: 3,
		Logger:      zerolog.Nop(),
	})
	defer c.Close()
	c.OnTerminal(func(err error) { terminal <- err })

	require.NoError(t, c.Connect(context.Background()))

	select {
	case err := <-terminal:
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.Equal(t, StateFailed, c.State())
	case <-time.After(5 * time.Second):
		t.Fatal("client never gave up")
	}
}
