package bridge

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const sourceNATS = "nats"

var ErrNotStarted = errors.New("bridge not started")

type NATSConfig struct {
	URL           string
	SubjectPrefix string // default "odin."
	Name          string
	MaxReconnects int           // default -1 (forever)
	ReconnectWait time.Duration // default 2s
	PingInterval  time.Duration // default 20s
	Logger        zerolog.Logger
}

func (c *NATSConfig) applyDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "odin."
	}
	if c.Name == "" {
		c.Name = "odin-realtime"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
}

// NATSBridge subscribes to "<prefix>>" and broadcasts every message on the
// topic named by the rest of the subject.
type NATSBridge struct {
	config      NATSConfig
	broadcaster Broadcaster
	logger      zerolog.Logger

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription
}

func NewNATSBridge(config NATSConfig, b Broadcaster) *NATSBridge {
	config.applyDefaults()
	return &NATSBridge{
		config:      config,
		broadcaster: b,
		logger:      config.Logger.With().Str("component", "nats_bridge").Logger(),
	}
}

// Subject returns the wildcard subject the bridge listens on.
func (nb *NATSBridge) Subject() string {
	return nb.config.SubjectPrefix + ">"
}

func (nb *NATSBridge) Start() error {
	opts := []nats.Option{
		nats.Name(nb.config.Name),
		nats.MaxReconnects(nb.config.MaxReconnects),
		nats.ReconnectWait(nb.config.ReconnectWait),
		nats.PingInterval(nb.config.PingInterval),
		nats.ConnectHandler(func(c *nats.Conn) {
			nb.logger.Info().Str("url", c.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				nb.logger.Warn().Err(err).Msg("Disconnected from NATS")
				return
			}
			nb.logger.Info().Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			nb.logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			nb.logger.Error().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(nb.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	sub, err := conn.Subscribe(nb.Subject(), nb.handleMessage)
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to %s: %w", nb.Subject(), err)
	}

	nb.mu.Lock()
	nb.conn = conn
	nb.sub = sub
	nb.mu.Unlock()

	nb.logger.Info().Str("subject", nb.Subject()).Msg("NATS bridge started")
	return nil
}

// Stop drains the subscription and closes the connection.
func (nb *NATSBridge) Stop() error {
	nb.mu.Lock()
	conn := nb.conn
	nb.conn, nb.sub = nil, nil
	nb.mu.Unlock()

	if conn == nil {
		return ErrNotStarted
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	nb.logger.Info().Msg("NATS bridge stopped")
	return nil
}

func (nb *NATSBridge) handleMessage(msg *nats.Msg) {
	forward(nb.broadcaster, nb.logger, sourceNATS, nb.topicFor(msg.Subject), msg.Data)
}

func (nb *NATSBridge) topicFor(subject string) string {
	topic, ok := strings.CutPrefix(subject, nb.config.SubjectPrefix)
	if !ok {
		return ""
	}
	return topic
}
