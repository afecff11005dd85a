// Package registry tracks live connections, their topic subscriptions and
// their liveness, and fans topic data out to subscribers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/odin-realtime/internal/monitoring"
	"github.com/adred-codev/odin-realtime/internal/protocol"
	"github.com/adred-codev/odin-realtime/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrResourceExhausted is returned by Register when no more connections can
// be accepted. Callers must surface it; the connection was not registered.
var ErrResourceExhausted = errors.New("resource exhausted")

// Admission is consulted before every registration. Leave it nil when the
// transport already checks the guard before upgrading.
// *limits.ResourceGuard satisfies it.
type Admission interface {
	CanAccept() (accept bool, reason string)
}

// Config holds registry configuration
type Config struct {
	MaxConnections        int           // Hard connection limit (0 = unlimited)
	OutboundQueueCapacity int           // Per-connection queue bound (default: 100)
	HeartbeatInterval     time.Duration // Heartbeat sweep interval (default: 30s)
	StaleMultiplier       int           // Evict after StaleMultiplier*HeartbeatInterval of silence (default: 2)
	MaxSendStalls         int           // Unregister after this many consecutive stalled sends (0 = never)
	Shards                int           // Subscription table shards (default: 16)

	Admission Admission // Optional resource guard
	Logger    zerolog.Logger
	Now       func() time.Time // Clock, defaults to time.Now
}

func (c *Config) applyDefaults() {
	if c.OutboundQueueCapacity <= 0 {
		c.OutboundQueueCapacity = 100
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StaleMultiplier <= 0 {
		c.StaleMultiplier = 2
	}
	if c.Shards <= 0 {
		c.Shards = defaultShards
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections      int   `json:"connections"`
	Topics           int   `json:"topics"`
	QueuedMessages   int   `json:"queued_messages"`
	TotalConnections int64 `json:"total_connections"`
	TotalBroadcasts  int64 `json:"total_broadcasts"`
	DroppedMessages  int64 `json:"dropped_messages"`
	Rejected         int64 `json:"rejected_connections"`
}

// Registry owns every Handle and the SubscriptionTable.
//
// Construct one with New; there is no package-level instance.
type Registry struct {
	config Config
	logger zerolog.Logger

	mu      sync.RWMutex
	handles map[ConnectionID]*Handle
	active  atomic.Int64

	table   *SubscriptionTable
	monitor *HeartbeatMonitor

	// observers is a copy-on-write []observerEntry, read lock-free on every event.
	observers  atomic.Value
	observerMu sync.Mutex
	observerID int

	totalConnections atomic.Int64
	totalBroadcasts  atomic.Int64
	dropped          atomic.Int64
	rejected         atomic.Int64
}

type observerEntry struct {
	id       int
	observer Observer
}

func New(config Config) *Registry {
	config.applyDefaults()

	r := &Registry{
		config:  config,
		logger:  config.Logger.With().Str("component", "registry").Logger(),
		handles: make(map[ConnectionID]*Handle),
		table:   NewSubscriptionTable(config.Shards),
	}
	r.observers.Store([]observerEntry{})
	r.monitor = newHeartbeatMonitor(r, config.HeartbeatInterval, config.StaleMultiplier, config.Now, r.logger)

	if config.MaxConnections > 0 {
		monitoring.SetMaxConnections(config.MaxConnections)
	}

	return r
}

// Start launches the heartbeat monitor. It stops when ctx is cancelled or
// Shutdown is called.
func (r *Registry) Start(ctx context.Context) {
	r.monitor.Start(ctx)
	r.logger.Info().
		Dur("heartbeat_interval", r.config.HeartbeatInterval).
		Int("stale_multiplier", r.config.StaleMultiplier).
		Int("max_connections", r.config.MaxConnections).
		Int("outbound_queue_capacity", r.config.OutboundQueueCapacity).
		Msg("Registry started")
}

// Shutdown stops the heartbeat monitor and unregisters every connection.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.monitor.Stop()

	handles := r.snapshot()
	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("registry shutdown: %w", err)
		}
		r.Unregister(h.ID(), types.DisconnectReasonServerShutdown)
	}

	r.logger.Info().Int("closed", len(handles)).Msg("Registry shut down")
	return nil
}

// Monitor exposes the heartbeat monitor so callers can drive sweeps directly.
func (r *Registry) Monitor() *HeartbeatMonitor { return r.monitor }

// Register creates a Handle for transport and emits connect.
//
// It fails with ErrResourceExhausted when the connection limit is reached or
// the admission check rejects; the transport is left untouched in that case.
func (r *Registry) Register(transport Transport) (*Handle, error) {
	if r.config.Admission != nil {
		if ok, reason := r.config.Admission.CanAccept(); !ok {
			return nil, r.reject(reason)
		}
	}

	active := r.active.Add(1)
	if r.config.MaxConnections > 0 && active > int64(r.config.MaxConnections) {
		r.active.Add(-1)
		return nil, r.reject(types.RejectReasonCapacity)
	}

	id := ConnectionID(uuid.NewString())
	h := newHandle(id, transport, r.config.OutboundQueueCapacity, r.config.Now())

	r.table.AddConnection(id)
	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()

	r.totalConnections.Add(1)
	monitoring.RecordConnect(active)

	r.logger.Debug().
		Str("connection_id", string(id)).
		Int64("active", active).
		Msg("Connection registered")

	r.emit(func(o Observer) { o.OnConnect(id) })
	return h, nil
}

func (r *Registry) reject(reason string) error {
	r.rejected.Add(1)
	monitoring.RecordRejection(reason)
	r.logger.Warn().Str("reason", reason).Msg("Connection rejected")
	return fmt.Errorf("%w: %s", ErrResourceExhausted, reason)
}

// Unregister removes id: its subscriptions in both directions, its handle and
// its transport, then emits disconnect. It reports whether id was registered;
// repeated calls are no-ops.
func (r *Registry) Unregister(id ConnectionID, reason string) bool {
	r.mu.Lock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	active := r.active.Add(-1)
	topics := r.table.RemoveConnection(id)

	if err := h.Close(); err != nil {
		r.logger.Debug().Err(err).Str("connection_id", string(id)).Msg("Transport close failed")
	}

	monitoring.RecordDisconnect(reason, active, r.config.Now().Sub(h.RegisteredAt()))
	monitoring.SetTopicsActive(r.table.TopicCount())

	r.logger.Debug().
		Str("connection_id", string(id)).
		Str("reason", reason).
		Strs("topics", topics).
		Int64("active", active).
		Msg("Connection unregistered")

	r.emit(func(o Observer) { o.OnDisconnect(id, reason) })
	return true
}

// Get returns the handle for id.
func (r *Registry) Get(id ConnectionID) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// AtCapacity reports whether Register would currently fail on the connection limit.
func (r *Registry) AtCapacity() bool {
	return r.config.MaxConnections > 0 && r.active.Load() >= int64(r.config.MaxConnections)
}

// Len is the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

func (r *Registry) snapshot() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}

// Topics returns the sorted topics id is subscribed to.
func (r *Registry) Topics(id ConnectionID) []string { return r.table.Topics(id) }

// Subscribers returns the connections subscribed to topic.
func (r *Registry) Subscribers(topic string) []ConnectionID { return r.table.Subscribers(topic) }

// HandleFrame decodes one inbound frame from id and dispatches it. Frames
// that do not decode are answered with an error envelope.
func (r *Registry) HandleFrame(id ConnectionID, frame []byte) error {
	monitoring.RecordBytesReceived(len(frame))

	env, err := protocol.Decode(frame)
	if err != nil {
		h, ok := r.Get(id)
		if !ok {
			return ErrUnknownConnection
		}
		r.logger.Debug().Err(err).Str("connection_id", string(id)).Msg("Undecodable frame")
		r.replyError(h, protocol.CodeMalformed, err.Error(), "")
		return nil
	}

	return r.Dispatch(id, env)
}

// Dispatch routes env from id by kind:
//
//   - subscribe/unsubscribe: idempotent table mutation
//   - ping: liveness update and an immediate pong
//   - pong: liveness update
//   - data: re-emitted to observers
//   - error: surfaced to observers as an error event
//
// Anything else is answered with an error envelope; the connection stays open.
func (r *Registry) Dispatch(id ConnectionID, env protocol.Envelope) error {
	h, ok := r.Get(id)
	if !ok {
		return ErrUnknownConnection
	}

	monitoring.RecordReceived(string(env.Kind))

	if err := env.Validate(); err != nil {
		r.logger.Debug().
			Err(err).
			Str("connection_id", string(id)).
			Str("kind", string(env.Kind)).
			Msg("Invalid envelope")
		r.replyError(h, protocol.ErrorCode(err), err.Error(), env.Topic)
		return nil
	}

	now := r.config.Now()

	switch env.Kind {
	case protocol.KindSubscribe:
		added, err := r.table.Subscribe(id, env.Topic)
		if err != nil {
			return err
		}
		if added {
			monitoring.SetTopicsActive(r.table.TopicCount())
			r.logger.Debug().Str("connection_id", string(id)).Str("topic", env.Topic).Msg("Subscribed")
		}

	case protocol.KindUnsubscribe:
		removed, err := r.table.Unsubscribe(id, env.Topic)
		if err != nil {
			return err
		}
		if removed {
			monitoring.SetTopicsActive(r.table.TopicCount())
			r.logger.Debug().Str("connection_id", string(id)).Str("topic", env.Topic).Msg("Unsubscribed")
		}

	case protocol.KindPing:
		h.Touch(now)
		r.sendDirect(h, protocol.Pong(now))

	case protocol.KindPong:
		h.Touch(now)

	case protocol.KindData:
		r.emit(func(o Observer) { o.OnMessage(id, env) })

	case protocol.KindError:
		peerErr := &PeerError{Topic: env.Topic}
		if p, err := env.DecodeError(); err == nil {
			peerErr.Code, peerErr.Message = p.Code, p.Message
		} else {
			peerErr.Message = string(env.Payload)
		}
		r.emit(func(o Observer) { o.OnError(id, peerErr) })
	}

	return nil
}

// Broadcast delivers payload as a data envelope to every connection
// subscribed to topic and returns the number of connections attempted.
// The envelope is encoded once for all of them.
func (r *Registry) Broadcast(topic string, payload any) (int, error) {
	env, err := protocol.New(protocol.KindData, topic, payload, r.config.Now())
	if err != nil {
		return 0, err
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		monitoring.RecordError("protocol", "warning")
		return 0, err
	}

	r.totalBroadcasts.Add(1)
	monitoring.RecordBroadcast()

	attempted := 0
	for _, id := range r.table.Subscribers(topic) {
		h, ok := r.Get(id)
		if !ok {
			continue
		}
		attempted++
		r.deliver(h, frame)
	}

	return attempted, nil
}

func (r *Registry) deliver(h *Handle, frame []byte) {
	result, dropped, err := h.Deliver(frame)
	if err != nil {
		// The read pump unregisters closed transports; nothing to do here.
		r.logger.Debug().Err(err).Str("connection_id", string(h.ID())).Msg("Delivery failed")
		return
	}

	monitoring.RecordDelivery(result.String())
	if dropped {
		r.dropped.Add(1)
		monitoring.RecordQueueDrop()
		r.logger.Debug().Str("connection_id", string(h.ID())).Msg("Outbound queue full, dropped oldest")
	}

	if result == DeliveryQueued && r.config.MaxSendStalls > 0 && h.StalledSends() >= r.config.MaxSendStalls {
		r.logger.Warn().
			Str("connection_id", string(h.ID())).
			Int("stalled_sends", h.StalledSends()).
			Msg("Disconnecting slow connection")
		r.Unregister(h.ID(), types.DisconnectReasonSlowClient)
	}
}

func (r *Registry) sendDirect(h *Handle, env protocol.Envelope) {
	frame, err := protocol.Encode(env)
	if err != nil {
		return
	}
	if err := h.SendDirect(frame); err != nil {
		r.logger.Debug().
			Err(err).
			Str("connection_id", string(h.ID())).
			Str("kind", string(env.Kind)).
			Msg("Direct send skipped")
	}
}

func (r *Registry) replyError(h *Handle, code, message, topic string) {
	frame, err := protocol.Encode(protocol.Error(code, message, topic, r.config.Now()))
	if err != nil {
		return
	}
	r.deliver(h, frame)
}

// Observe registers o for every subsequent event. The returned func removes it.
func (r *Registry) Observe(o Observer) (remove func()) {
	r.observerMu.Lock()
	defer r.observerMu.Unlock()

	r.observerID++
	id := r.observerID
	current := r.observers.Load().([]observerEntry)
	next := make([]observerEntry, len(current), len(current)+1)
	copy(next, current)
	r.observers.Store(append(next, observerEntry{id: id, observer: o}))

	return func() {
		r.observerMu.Lock()
		defer r.observerMu.Unlock()

		current := r.observers.Load().([]observerEntry)
		next := make([]observerEntry, 0, len(current))
		for _, e := range current {
			if e.id != id {
				next = append(next, e)
			}
		}
		r.observers.Store(next)
	}
}

// OnMessage registers fn for data envelopes only.
func (r *Registry) OnMessage(fn func(id ConnectionID, env protocol.Envelope)) (remove func()) {
	return r.Observe(ObserverFuncs{Message: fn})
}

func (r *Registry) emit(fn func(Observer)) {
	for _, e := range r.observers.Load().([]observerEntry) {
		r.notify(e.observer, fn)
	}
}

func (r *Registry) notify(o Observer, fn func(Observer)) {
	defer monitoring.RecoverPanic(r.logger, "observer", nil)
	fn(o)
}

// Stats returns counters and gauges for the health endpoint.
func (r *Registry) Stats() Stats {
	queued := 0
	handles := r.snapshot()
	for _, h := range handles {
		queued += h.Queued()
	}

	return Stats{
		Connections:      len(handles),
		Topics:           r.table.TopicCount(),
		QueuedMessages:   queued,
		TotalConnections: r.totalConnections.Load(),
		TotalBroadcasts:  r.totalBroadcasts.Load(),
		DroppedMessages:  r.dropped.Load(),
		Rejected:         r.rejected.Load(),
	}
}
