// Package bridge feeds messages from external producers (NATS, Kafka) into
// the registry's topic broadcast.
package bridge

import (
	"github.com/rs/zerolog"

	"github.com/adred-codev/odin-realtime/internal/monitoring"
)

// Broadcaster is satisfied by *registry.Registry.
type Broadcaster interface {
	Broadcast(topic string, payload any) (int, error)
}

// Bridge results recorded in ws_bridge_messages_total.
const (
	ResultDelivered     = "delivered"
	ResultNoSubscribers = "no_subscribers"
	ResultInvalid       = "invalid"
	ResultDropped       = "dropped"
	ResultError         = "error"
)

// forward hands one producer message to the broadcaster and returns the
// result label it recorded.
func forward(b Broadcaster, logger zerolog.Logger, source, topic string, value []byte) string {
	result := ResultDelivered
	switch {
	case topic == "":
		result = ResultInvalid
		logger.Warn().Str("source", source).Msg("Producer message without topic")
	default:
		n, err := b.Broadcast(topic, value)
		switch {
		case err != nil:
			result = ResultError
			monitoring.RecordError("bridge", "warning")
			logger.Error().Err(err).Str("source", source).Str("topic", topic).Msg("Broadcast failed")
		case n == 0:
			result = ResultNoSubscribers
		default:
			logger.Debug().Str("source", source).Str("topic", topic).Int("recipients", n).Msg("Forwarded producer message")
		}
	}
	monitoring.RecordBridgeMessage(source, result)
	return result
}
