package limits

import "golang.org/x/time/rate"

// MessageLimiterConfig is the inbound budget of a single connection.
type MessageLimiterConfig struct {
	Rate  float64 // Sustained messages/sec (default: 10)
	Burst int     // Burst allowance (default: 100)
}

// NewMessageLimiter returns a fresh token bucket for one connection.
// Every connection gets its own limiter so a noisy peer only throttles itself.
func NewMessageLimiter(config MessageLimiterConfig) *rate.Limiter {
	if config.Rate == 0 {
		config.Rate = 10
	}
	if config.Burst == 0 {
		config.Burst = 100
	}
	return rate.NewLimiter(rate.Limit(config.Rate), config.Burst)
}
