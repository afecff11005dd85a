package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/odin-realtime/internal/types"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(types.LogLevelDebug))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(types.LogLevelWarn))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{
		Level:  types.LogLevelInfo,
		Format: types.LogFormatJSON,
		Output: &buf,
	})

	logger.Debug().Msg("hidden")
	logger.Info().Str("component", "test").Msg("visible")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "odin-realtime", entry["service"])
	assert.Equal(t, "test", entry["component"])
	assert.Contains(t, entry, "time")
	assert.Contains(t, entry, "caller")
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	LogError(logger, errors.New("boom"), "Broadcast failed", map[string]any{"topic": "prices"})

	assert.Contains(t, buf.String(), `"error":"boom"`)
	assert.Contains(t, buf.String(), `"topic":"prices"`)
}

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverPanic(logger, "worker", map[string]any{"connection_id": "c1"})
		panic("kaboom")
	}()
	wg.Wait()

	assert.Contains(t, buf.String(), "Goroutine panic recovered")
	assert.Contains(t, buf.String(), `"goroutine":"worker"`)
	assert.Contains(t, buf.String(), `"connection_id":"c1"`)
}

func TestSystemMonitorSamples(t *testing.T) {
	sm := NewSystemMonitor(zerolog.Nop())
	sm.Start(context.Background(), time.Hour)
	defer sm.Stop()

	m := sm.Metrics()
	assert.Positive(t, m.Goroutines)
	assert.Positive(t, m.MemoryBytes)
	assert.False(t, m.Timestamp.IsZero())
}
