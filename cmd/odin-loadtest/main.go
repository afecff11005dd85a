// Command odin-loadtest ramps up many subscribing clients against an
// odin-realtime server, holds them for a while and reports throughput.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adred-codev/odin-realtime/internal/monitoring"
	"github.com/adred-codev/odin-realtime/internal/types"
)

func main() {
	cfg := loadConfig{}
	var topics string
	var pretty bool

	flag.StringVar(&cfg.URL, "url", "ws://localhost:3002/ws", "WebSocket server URL")
	flag.StringVar(&cfg.HealthURL, "health", "http://localhost:3002/health", "Health check URL (empty disables)")
	flag.IntVar(&cfg.Connections, "connections", 1000, "Target number of connections")
	flag.Float64Var(&cfg.RampRate, "ramp-rate", 100, "Connections per second during ramp-up")
	flag.DurationVar(&cfg.Duration, "duration", 5*time.Minute, "How long to hold the connections after ramp-up")
	flag.DurationVar(&cfg.ReportInterval, "report-interval", 10*time.Second, "Report interval")
	flag.StringVar(&topics, "topics", "BTC.trade,ETH.trade,SOL.trade", "Comma-separated topics")
	flag.StringVar(&cfg.Mode, "subscription-mode", modeAll, "Subscription mode: all, single, random")
	flag.IntVar(&cfg.TopicsPerClient, "topics-per-client", 2, "Topics per client in random mode")
	flag.BoolVar(&pretty, "pretty", true, "Human-readable log output")
	flag.Parse()

	for _, t := range strings.Split(topics, ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.Topics = append(cfg.Topics, t)
		}
	}

	format := types.LogFormatJSON
	if pretty {
		format = types.LogFormatPretty
	}
	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   types.LogLevelInfo,
		Format:  format,
		Service: "odin-loadtest",
	})

	if err := cfg.validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid load test configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary := newRunner(cfg, logger).run(ctx)
	logger.Info().
		Int64("created", summary.Created).
		Int64("failed", summary.Failed).
		Int64("messages", summary.Messages).
		Int64("server_errors", summary.ServerErrors).
		Float64("msg_per_sec", summary.MessageRate).
		Msg("Load test completed")

	if summary.Created > 0 && summary.Failed == summary.Created {
		os.Exit(1)
	}
}
