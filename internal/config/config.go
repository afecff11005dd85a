// Package config loads server and client settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/adred-codev/odin-realtime/internal/types"
)

// Config holds all configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	envSeparator: Separator for list values
type Config struct {
	// Server basics
	Addr        string `env:"WS_ADDR" envDefault:":3002"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Registry
	MaxConnections        int           `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	HeartbeatInterval     time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"30s"`
	StaleMultiplier       int           `env:"WS_STALE_MULTIPLIER" envDefault:"2"`
	OutboundQueueCapacity int           `env:"WS_OUTBOUND_QUEUE_CAPACITY" envDefault:"100"`
	MaxSendStalls         int           `env:"WS_MAX_SEND_STALLS" envDefault:"0"`

	// Transport
	SendBufferSize int     `env:"WS_SEND_BUFFER_SIZE" envDefault:"256"`
	MaxMessageSize int64   `env:"WS_MAX_MESSAGE_SIZE" envDefault:"65536"`
	ClientMsgRate  float64 `env:"WS_CLIENT_MSG_RATE" envDefault:"10"`
	ClientMsgBurst int     `env:"WS_CLIENT_MSG_BURST" envDefault:"100"`

	// Connection rate limiting
	ConnRateIP          float64 `env:"WS_CONN_RATE_IP" envDefault:"5"`
	ConnRateIPBurst     int     `env:"WS_CONN_RATE_IP_BURST" envDefault:"20"`
	ConnRateGlobal      float64 `env:"WS_CONN_RATE_GLOBAL" envDefault:"200"`
	ConnRateGlobalBurst int     `env:"WS_CONN_RATE_GLOBAL_BURST" envDefault:"400"`

	// Emergency brakes (0 disables)
	MemoryLimit        int64   `env:"WS_MEMORY_LIMIT" envDefault:"536870912"` // 512MB
	CPURejectThreshold float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"0"`
	MaxGoroutines      int     `env:"WS_MAX_GOROUTINES" envDefault:"0"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Producer bridges, disabled when unset
	NATSURL            string   `env:"NATS_URL"`
	NATSSubjectPrefix  string   `env:"NATS_SUBJECT_PREFIX" envDefault:"odin."`
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"odin-realtime"`
	KafkaTopics        []string `env:"KAFKA_TOPICS" envSeparator:","`
	KafkaMaxRate       float64  `env:"KAFKA_MAX_RATE" envDefault:"0"`

	// Logging
	LogLevel  types.LogLevel  `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat types.LogFormat `env:"LOG_FORMAT" envDefault:"json"`

	// Reconnecting client
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	EndpointDenyList     []string      `env:"ENDPOINT_DENY_LIST" envSeparator:"," envDefault:"localhost:0,example.com,placeholder,disabled"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, nothing is logged.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("WS_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.StaleMultiplier < 1 {
		return fmt.Errorf("WS_STALE_MULTIPLIER must be >= 1, got %d", c.StaleMultiplier)
	}
	if c.OutboundQueueCapacity < 1 {
		return fmt.Errorf("WS_OUTBOUND_QUEUE_CAPACITY must be > 0, got %d", c.OutboundQueueCapacity)
	}
	if c.MaxSendStalls < 0 {
		return fmt.Errorf("WS_MAX_SEND_STALLS must be >= 0, got %d", c.MaxSendStalls)
	}
	if c.SendBufferSize < 1 {
		return fmt.Errorf("WS_SEND_BUFFER_SIZE must be > 0, got %d", c.SendBufferSize)
	}
	if c.MaxMessageSize < 1 {
		return fmt.Errorf("WS_MAX_MESSAGE_SIZE must be > 0, got %d", c.MaxMessageSize)
	}
	if c.ClientMsgRate <= 0 || c.ClientMsgBurst < 1 {
		return fmt.Errorf("WS_CLIENT_MSG_RATE and WS_CLIENT_MSG_BURST must be > 0, got %.1f/%d",
			c.ClientMsgRate, c.ClientMsgBurst)
	}
	if c.ConnRateIP <= 0 || c.ConnRateIPBurst < 1 {
		return fmt.Errorf("WS_CONN_RATE_IP and WS_CONN_RATE_IP_BURST must be > 0, got %.1f/%d",
			c.ConnRateIP, c.ConnRateIPBurst)
	}
	if c.ConnRateGlobal <= 0 || c.ConnRateGlobalBurst < 1 {
		return fmt.Errorf("WS_CONN_RATE_GLOBAL and WS_CONN_RATE_GLOBAL_BURST must be > 0, got %.1f/%d",
			c.ConnRateGlobal, c.ConnRateGlobalBurst)
	}
	if c.MemoryLimit < 0 {
		return fmt.Errorf("WS_MEMORY_LIMIT must be >= 0, got %d", c.MemoryLimit)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.MaxGoroutines < 0 {
		return fmt.Errorf("WS_MAX_GOROUTINES must be >= 0, got %d", c.MaxGoroutines)
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("METRICS_INTERVAL must be > 0, got %s", c.MetricsInterval)
	}
	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("RECONNECT_BASE_DELAY must be > 0, got %s", c.ReconnectBaseDelay)
	}
	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0, got %d", c.ReconnectMaxAttempts)
	}

	// Logical checks
	if len(c.KafkaBrokers) > 0 && len(c.KafkaTopics) == 0 {
		return fmt.Errorf("KAFKA_TOPICS is required when KAFKA_BROKERS is set")
	}
	if c.KafkaMaxRate < 0 {
		return fmt.Errorf("KAFKA_MAX_RATE must be >= 0, got %.1f", c.KafkaMaxRate)
	}
	if c.NATSURL != "" && c.NATSSubjectPrefix == "" {
		return fmt.Errorf("NATS_SUBJECT_PREFIX is required when NATS_URL is set")
	}

	// Enum checks
	switch c.LogLevel {
	case types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError:
	default:
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	switch c.LogFormat {
	case types.LogFormatJSON, types.LogFormatPretty:
	default:
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// NATSEnabled reports whether the NATS bridge should run.
func (c *Config) NATSEnabled() bool { return c.NATSURL != "" }

// KafkaEnabled reports whether the Kafka bridge should run.
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Int("stale_multiplier", c.StaleMultiplier).
		Int("outbound_queue_capacity", c.OutboundQueueCapacity).
		Int("max_send_stalls", c.MaxSendStalls).
		Int("send_buffer_size", c.SendBufferSize).
		Float64("client_msg_rate", c.ClientMsgRate).
		Int("client_msg_burst", c.ClientMsgBurst).
		Float64("conn_rate_ip", c.ConnRateIP).
		Float64("conn_rate_global", c.ConnRateGlobal).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Bool("nats_enabled", c.NATSEnabled()).
		Bool("kafka_enabled", c.KafkaEnabled()).
		Strs("kafka_topics", c.KafkaTopics).
		Str("log_level", string(c.LogLevel)).
		Str("log_format", string(c.LogFormat)).
		Msg("Server configuration loaded")
}
