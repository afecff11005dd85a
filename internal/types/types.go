package types

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Disconnect reasons reported to observers, logs and metrics.
const (
	DisconnectReasonReadError        = "read_error"        // Peer stopped reading or the socket failed
	DisconnectReasonWriteError       = "write_error"       // Write to the socket failed
	DisconnectReasonHeartbeatTimeout = "heartbeat_timeout" // No ping/pong within the stale window
	DisconnectReasonSlowClient       = "slow_client"       // Too many consecutive stalled sends
	DisconnectReasonServerShutdown   = "server_shutdown"   // Graceful shutdown
	DisconnectReasonClientInitiated  = "client_initiated"  // Normal close from the peer
)

// Connection rejection reasons (pre-upgrade and Register).
const (
	RejectReasonShutdown    = "shutting_down"
	RejectReasonRateLimited = "rate_limited"
	RejectReasonCapacity    = "capacity"
	RejectReasonMemory      = "memory"
	RejectReasonCPU         = "cpu"
)
