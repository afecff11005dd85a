// Command odin-subscribe connects to an odin-realtime server, subscribes to
// the given topics and logs every data envelope it receives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/adred-codev/odin-realtime/internal/client"
	"github.com/adred-codev/odin-realtime/internal/config"
	"github.com/adred-codev/odin-realtime/internal/monitoring"
	"github.com/adred-codev/odin-realtime/internal/protocol"
	"github.com/adred-codev/odin-realtime/internal/types"
)

func main() {
	var (
		endpoint = flag.String("url", "ws://localhost:3002/ws", "server WebSocket endpoint")
		topics   = flag.String("topics", "", "comma-separated topics to subscribe to")
		debug    = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: types.LogLevelInfo, Format: types.LogFormatJSON})
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = types.LogLevelDebug
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "odin-subscribe",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		Endpoint:    *endpoint,
		DenyList:    cfg.EndpointDenyList,
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Logger:      logger,
	})

	c.OnData(func(env protocol.Envelope) {
		payload := []byte(env.Payload)
		if len(payload) == 0 {
			payload = []byte("null")
		}
		logger.Info().
			Str("topic", env.Topic).
			RawJSON("payload", payload).
			Time("sent_at", env.Time()).
			Msg("Data")
	})
	c.OnError(func(err error) {
		logger.Warn().Err(err).Msg("Server reported an error")
	})
	c.OnStateChange(func(s client.State) {
		logger.Info().Str("state", s.String()).Msg("Connection state changed")
	})

	failed := make(chan error, 1)
	c.OnTerminal(func(err error) { failed <- err })

	for _, topic := range strings.Split(*topics, ",") {
		if topic = strings.TrimSpace(topic); topic != "" {
			if err := c.Subscribe(topic); err != nil {
				logger.Fatal().Err(err).Str("topic", topic).Msg("Invalid topic")
			}
		}
	}
	if len(c.DesiredTopics()) == 0 {
		logger.Warn().Msg("No topics given, only liveness traffic will be exchanged")
	}

	if err := c.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect")
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info().Msg("Interrupted, disconnecting")
	case err := <-failed:
		monitoring.LogError(logger, err, "Giving up on server", map[string]any{"endpoint": *endpoint})
		exitCode = 1
	}

	_ = c.Close()
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
