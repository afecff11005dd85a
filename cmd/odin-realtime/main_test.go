package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/adred-codev/odin-realtime/internal/config"
	"github.com/adred-codev/odin-realtime/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingAdmission struct {
	accept bool
	calls  atomic.Int64
}

func (a *countingAdmission) CanAccept() (bool, string) {
	a.calls.Add(1)
	if !a.accept {
		return false, types.RejectReasonMemory
	}
	return true, ""
}

func (a *countingAdmission) Stats() map[string]any {
	return map[string]any{"calls": a.calls.Load()}
}

func startStack(t *testing.T, guard *countingAdmission) (string, func() int) {
	t.Helper()

	reg, srv := newStack(&config.Config{}, zerolog.Nop(), guard, nil)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.BeginShutdown()
		require.NoError(t, reg.Shutdown(ctx))
		require.NoError(t, srv.Shutdown(ctx))
		ts.Close()
	})

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", reg.Len
}

func TestGuardCheckedOncePerAcceptedSocket(t *testing.T) {
	guard := &countingAdmission{accept: true}
	url, active := startStack(t, guard)

	for i := 0; i < 3; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
	}

	require.Eventually(t, func() bool { return active() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, guard.calls.Load())
}

func TestGuardRejectsBeforeUpgrade(t *testing.T) {
	guard := &countingAdmission{}
	url, active := startStack(t, guard)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.EqualValues(t, 1, guard.calls.Load())
	assert.Zero(t, active())
}
