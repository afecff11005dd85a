package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the realtime server and client.
// These metrics can be scraped by Prometheus and visualized in Grafana.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of connections registered",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of registered connections",
	})

	connectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_max",
		Help: "Maximum allowed connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_connections_rejected_total",
		Help: "Connection attempts rejected before or at registration",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ws_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of frames written to connections",
	})

	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Total number of envelopes received by kind",
	}, []string{"kind"})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_sent_total",
		Help: "Total number of bytes written to connections",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_received_total",
		Help: "Total number of bytes read from connections",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_rate_limited_messages_total",
		Help: "Inbound messages dropped by the per-connection rate limiter",
	})

	// Fan-out metrics
	broadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_broadcasts_total",
		Help: "Total number of topic broadcasts",
	})

	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_deliveries_total",
		Help: "Per-connection delivery outcomes (sent, queued)",
	}, []string{"result"})

	queueDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_outbound_queue_dropped_total",
		Help: "Messages discarded because an outbound queue was full",
	})

	topicsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_topics_active",
		Help: "Topics with at least one subscriber",
	})

	// Heartbeat metrics
	heartbeatEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_heartbeat_evictions_total",
		Help: "Connections unregistered for missing heartbeats",
	})

	heartbeatTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_heartbeat_tick_duration_seconds",
		Help:    "Time spent in a single heartbeat sweep",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	// Producer bridges
	bridgeMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_bridge_messages_total",
		Help: "Messages consumed from producer bridges",
	}, []string{"source", "result"})

	// Reconnecting client
	clientDials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_client_dials_total",
		Help: "Dial attempts made by the reconnecting client",
	}, []string{"result"})

	// Errors
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_errors_total",
		Help: "Errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsMax,
		connectionsRejected,
		disconnectsTotal,
		connectionDuration,
		messagesSent,
		messagesReceived,
		bytesSent,
		bytesReceived,
		rateLimitedMessages,
		broadcastsTotal,
		deliveriesTotal,
		queueDropped,
		topicsActive,
		heartbeatEvictions,
		heartbeatTickDuration,
		bridgeMessages,
		clientDials,
		errorsTotal,
	)
}

func RecordConnect(active int64) {
	connectionsTotal.Inc()
	connectionsActive.Set(float64(active))
}

func RecordDisconnect(reason string, active int64, duration time.Duration) {
	disconnectsTotal.WithLabelValues(reason).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
	connectionsActive.Set(float64(active))
}

func RecordRejection(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

func SetMaxConnections(n int) {
	connectionsMax.Set(float64(n))
}

func RecordReceived(kind string) {
	messagesReceived.WithLabelValues(kind).Inc()
}

func RecordBytesReceived(size int) {
	bytesReceived.Add(float64(size))
}

func RecordSent(size int) {
	messagesSent.Inc()
	bytesSent.Add(float64(size))
}

func IncrementRateLimitedMessages() {
	rateLimitedMessages.Inc()
}

func RecordBroadcast() {
	broadcastsTotal.Inc()
}

// RecordDelivery counts a per-connection delivery outcome ("sent" or "queued").
func RecordDelivery(result string) {
	deliveriesTotal.WithLabelValues(result).Inc()
}

func RecordQueueDrop() {
	queueDropped.Inc()
}

func SetTopicsActive(n int) {
	topicsActive.Set(float64(n))
}

func RecordHeartbeatTick(evicted int, took time.Duration) {
	heartbeatEvictions.Add(float64(evicted))
	heartbeatTickDuration.Observe(took.Seconds())
}

func RecordBridgeMessage(source, result string) {
	bridgeMessages.WithLabelValues(source, result).Inc()
}

func RecordClientDial(result string) {
	clientDials.WithLabelValues(result).Inc()
}

// RecordError tracks an error by type ("transport", "protocol", "bridge", "panic")
// and severity ("warning", "critical").
func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}

// HandleMetrics serves the Prometheus metrics endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
