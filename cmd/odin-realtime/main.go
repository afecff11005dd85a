// Command odin-realtime serves topic subscriptions over WebSocket and fans
// out data published through the registry and the optional producer bridges.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/odin-realtime/internal/bridge"
	"github.com/adred-codev/odin-realtime/internal/config"
	"github.com/adred-codev/odin-realtime/internal/limits"
	"github.com/adred-codev/odin-realtime/internal/monitoring"
	"github.com/adred-codev/odin-realtime/internal/registry"
	"github.com/adred-codev/odin-realtime/internal/transport"
	"github.com/adred-codev/odin-realtime/internal/types"
)

const shutdownTimeout = 30 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
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
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("GOMAXPROCS set via automaxprocs")
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sysMonitor := monitoring.NewSystemMonitor(logger)
	sysMonitor.Start(ctx, cfg.MetricsInterval)
	defer sysMonitor.Stop()

	guard := limits.NewResourceGuard(limits.GuardConfig{
		MemoryLimit:        cfg.MemoryLimit,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MaxGoroutines:      cfg.MaxGoroutines,
	}, sysMonitor, logger)

	connLimiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst:     cfg.ConnRateIPBurst,
		IPRate:      cfg.ConnRateIP,
		GlobalBurst: cfg.ConnRateGlobalBurst,
		GlobalRate:  cfg.ConnRateGlobal,
		Logger:      logger,
	})
	defer connLimiter.Stop()

	reg, srv := newStack(cfg, logger, guard, connLimiter)
	reg.Start(ctx)
	if err := srv.Start(); err != nil {
		return err
	}

	var natsBridge *bridge.NATSBridge
	if cfg.NATSEnabled() {
		natsBridge = bridge.NewNATSBridge(bridge.NATSConfig{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			Logger:        logger,
		}, reg)
		if err := natsBridge.Start(); err != nil {
			monitoring.LogError(logger, err, "NATS bridge disabled", map[string]any{"url": cfg.NATSURL})
			natsBridge = nil
		}
	}

	var kafkaBridge *bridge.KafkaBridge
	if cfg.KafkaEnabled() {
		kb, err := bridge.NewKafkaBridge(bridge.KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			ConsumerGroup: cfg.KafkaConsumerGroup,
			Topics:        cfg.KafkaTopics,
			Rate:          cfg.KafkaMaxRate,
			Logger:        logger,
		}, reg)
		if err != nil {
			monitoring.LogError(logger, err, "Kafka bridge disabled", nil)
		} else {
			kb.Start(ctx)
			kafkaBridge = kb
		}
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Producers first so nothing is broadcast into a closing registry.
	if natsBridge != nil {
		if err := natsBridge.Stop(); err != nil {
			monitoring.LogError(logger, err, "NATS bridge stop failed", nil)
		}
	}
	if kafkaBridge != nil {
		kafkaBridge.Stop()
	}

	srv.BeginShutdown()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		monitoring.LogError(logger, err, "Registry shutdown incomplete", nil)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info().Msg("Server stopped")
	return nil
}

// newStack builds the registry and the transport in front of it. The guard
// is checked once per socket, before the upgrade.
func newStack(cfg *config.Config, logger zerolog.Logger, guard transport.Admission, connLimiter *limits.ConnectionRateLimiter) (*registry.Registry, *transport.Server) {
	reg := registry.New(registry.Config{
		MaxConnections:        cfg.MaxConnections,
		OutboundQueueCapacity: cfg.OutboundQueueCapacity,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		StaleMultiplier:       cfg.StaleMultiplier,
		MaxSendStalls:         cfg.MaxSendStalls,
		Logger:                logger,
	})

	srv := transport.NewServer(transport.Config{
		Addr:           cfg.Addr,
		SendBufferSize: cfg.SendBufferSize,
		MaxMessageSize: cfg.MaxMessageSize,
		MessageLimit: limits.MessageLimiterConfig{
			Rate:  cfg.ClientMsgRate,
			Burst: cfg.ClientMsgBurst,
		},
		Logger: logger,
	}, reg,
		transport.WithConnectionRateLimiter(connLimiter),
		transport.WithAdmission(guard),
	)
	return reg, srv
}
