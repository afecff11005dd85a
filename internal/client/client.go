// Package client implements a reconnecting realtime client: linear backoff,
// subscription replay after every reconnect and a deny list of endpoints
// that must never be dialled.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/odin-realtime/internal/monitoring"
	"github.com/adred-codev/odin-realtime/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrEndpointDenied   = errors.New("endpoint denied")
	ErrNotConnected     = errors.New("not connected")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// State of the client connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Timer is a scheduled retry.
type Timer interface {
	Stop() bool
}

// Config holds client configuration
type Config struct {
	Endpoint     string
	DenyList     []string      // nil uses DefaultDenyList
	BaseDelay    time.Duration // Retry n waits n*BaseDelay (default: 1s)
	MaxAttempts  int           // Consecutive failures before giving up (default: 5)
	PingInterval time.Duration // Application ping period (default: 30s, negative disables)
	DialTimeout  time.Duration // Per-dial timeout (default: 10s)

	Dialer Dialer // nil uses GorillaDialer
	Logger zerolog.Logger
	Now    func() time.Time

	// AfterFunc schedules retries, defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

func (c *Config) applyDefaults() {
	if c.DenyList == nil {
		c.DenyList = DefaultDenyList
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = GorillaDialer{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.AfterFunc == nil {
		c.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
}

// Client keeps one connection to Endpoint alive and replays DesiredTopics
// every time it (re)connects.
type Client struct {
	config Config
	logger zerolog.Logger

	mu      sync.Mutex
	state   State
	desired map[string]struct{}
	attempt int
	lastErr error
	termErr error
	conn    Conn
	ctx     context.Context
	cancel  context.CancelFunc // stops the ping loop of the current connection
	retry   Timer

	// gen is bumped by Connect and Disconnect; callbacks from an older
	// generation are ignored.
	gen uint64

	writeMu sync.Mutex
	wg      sync.WaitGroup

	onData     func(protocol.Envelope)
	onError    func(error)
	onState    func(State)
	onTerminal func(error)
}

func New(config Config) *Client {
	config.applyDefaults()
	return &Client{
		config:  config,
		logger:  config.Logger.With().Str("component", "client").Str("endpoint", config.Endpoint).Logger(),
		desired: make(map[string]struct{}),
	}
}

// OnData sets the handler for data envelopes. Handlers run on the read
// goroutine and must not block; set them before Connect.
func (c *Client) OnData(fn func(protocol.Envelope)) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

// OnError receives error envelopes sent by the server.
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnTerminal is called once when the client gives up, with an error
// wrapping ErrRetriesExhausted and the last dial or connection error.
func (c *Client) OnTerminal(fn func(error)) {
	c.mu.Lock()
	c.onTerminal = fn
	c.mu.Unlock()
}

// Connect starts connecting in the background. A deny-listed endpoint
// fails immediately with ErrEndpointDenied and nothing is dialled.
// Calling Connect while connecting or connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if IsDenied(c.config.Endpoint, c.config.DenyList) {
		c.logger.Warn().Msg("Refusing to connect to deny-listed endpoint")
		return fmt.Errorf("%w: %q", ErrEndpointDenied, c.config.Endpoint)
	}

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.ctx = ctx
	c.attempt = 0
	c.lastErr = nil
	c.termErr = nil
	c.wg.Add(1)
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	notify()
	go c.dial(gen)
	return nil
}

func (c *Client) dial(gen uint64) {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "clientDial", nil)

	c.mu.Lock()
	parent := c.ctx
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, c.config.DialTimeout)
	conn, err := c.config.Dialer.Dial(ctx, c.config.Endpoint)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		monitoring.RecordClientDial("failure")
		c.logger.Debug().Err(err).Int("attempt", c.attempt+1).Msg("Dial failed")
		notify := c.failLocked(gen, err)
		c.mu.Unlock()
		notify()
		return
	}

	monitoring.RecordClientDial("success")
	c.conn = conn
	c.attempt = 0
	c.lastErr = nil
	c.mu.Unlock()

	// The state stays Connecting during the replay, so Subscribe and
	// Unsubscribe only touch the desired set until reconciled below.
	c.writeMu.Lock()
	c.mu.Lock()
	replayed := c.desiredLocked()
	c.mu.Unlock()

	for _, topic := range replayed {
		if err := c.writeLocked(conn, protocol.Subscribe(topic, c.config.Now())); err != nil {
			c.writeMu.Unlock()
			c.logger.Debug().Err(err).Str("topic", topic).Msg("Subscription replay failed")
			c.connectionLost(gen, conn, err)
			return
		}
	}

	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		c.writeMu.Unlock()
		conn.Close()
		return
	}
	topics := c.desiredLocked()
	connCtx, connCancel := context.WithCancel(parent)
	c.cancel = connCancel
	c.wg.Add(2)
	notify := c.setStateLocked(StateConnected)
	c.mu.Unlock()

	// Anything changed during the replay is sent before other writers get writeMu.
	var reconcileErr error
	for _, env := range reconcile(replayed, topics, c.config.Now()) {
		if reconcileErr = c.writeLocked(conn, env); reconcileErr != nil {
			c.logger.Debug().Err(reconcileErr).Str("topic", env.Topic).Msg("Subscription reconcile failed")
			break
		}
	}
	c.writeMu.Unlock()

	c.logger.Info().Strs("topics", topics).Msg("Connected")
	notify()

	go c.readLoop(gen, conn)
	go c.pingLoop(connCtx, gen, conn)
	if reconcileErr != nil {
		c.connectionLost(gen, conn, reconcileErr)
	}
}

// reconcile returns the frames that move the server from the replayed
// topics to the desired ones. Both slices are sorted.
func reconcile(replayed, desired []string, now time.Time) []protocol.Envelope {
	var frames []protocol.Envelope
	i, j := 0, 0
	for i < len(replayed) || j < len(desired) {
		switch {
		case j == len(desired) || (i < len(replayed) && replayed[i] < desired[j]):
			frames = append(frames, protocol.Unsubscribe(replayed[i], now))
			i++
		case i == len(replayed) || desired[j] < replayed[i]:
			frames = append(frames, protocol.Subscribe(desired[j], now))
			j++
		default:
			i++
			j++
		}
	}
	return frames
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "clientReadLoop", nil)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(gen, conn, err)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Ignoring undecodable frame")
			continue
		}

		switch env.Kind {
		case protocol.KindData:
			if fn := c.dataHandler(); fn != nil {
				fn(env)
			}
		case protocol.KindPing:
			if err := c.write(conn, protocol.Pong(c.config.Now())); err != nil {
				c.connectionLost(gen, conn, err)
				return
			}
		case protocol.KindError:
			var serverErr error = fmt.Errorf("server error: %s", env.Payload)
			if p, err := env.DecodeError(); err == nil {
				serverErr = &ServerError{Code: p.Code, Message: p.Message, Topic: env.Topic}
			}
			if fn := c.errorHandler(); fn != nil {
				fn(serverErr)
			}
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, gen uint64, conn Conn) {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "clientPingLoop", nil)

	if c.config.PingInterval < 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.write(conn, protocol.Ping(c.config.Now())); err != nil {
				c.connectionLost(gen, conn, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// connectionLost tears down conn once, whichever loop notices first.
func (c *Client) connectionLost(gen uint64, conn Conn, err error) {
	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.logger.Info().Err(err).Msg("Connection lost")
	notify := c.failLocked(gen, err)
	c.mu.Unlock()

	conn.Close()
	notify()
}

// failLocked records err and either schedules the next attempt after
// attempt*BaseDelay or moves to the terminal state.
func (c *Client) failLocked(gen uint64, err error) func() {
	c.lastErr = err
	c.attempt++

	if c.attempt >= c.config.MaxAttempts {
		c.termErr = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.attempt, err)
		c.logger.Error().Err(c.termErr).Msg("Giving up")
		notify := c.setStateLocked(StateFailed)
		onTerminal, termErr := c.onTerminal, c.termErr
		return func() {
			notify()
			if onTerminal != nil {
				onTerminal(termErr)
			}
		}
	}

	delay := time.Duration(c.attempt) * c.config.BaseDelay
	c.logger.Info().Int("attempt", c.attempt).Dur("delay", delay).Msg("Scheduling reconnect")
	c.retry = c.config.AfterFunc(delay, func() { c.retryDial(gen) })
	return c.setStateLocked(StateDisconnected)
}

func (c *Client) retryDial(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.wg.Add(1)
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	notify()
	c.dial(gen)
}

// Disconnect closes the connection and cancels any scheduled retry. The
// desired topics are kept for the next Connect. It does not wait for the
// background goroutines; use Close for that.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.attempt = 0
	notify := func() {}
	if c.state != StateDisconnected {
		notify = c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	notify()
}

// Close disconnects and waits for every background goroutine to exit.
// Do not call it from a handler.
func (c *Client) Close() error {
	c.Disconnect()
	c.wg.Wait()
	return nil
}

// Subscribe adds topic to the desired set and sends it now when connected.
func (c *Client) Subscribe(topic string) error {
	if topic == "" {
		return protocol.ErrMissingTopic
	}

	c.mu.Lock()
	c.desired[topic] = struct{}{}
	conn := c.connectedConnLocked()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(conn, protocol.Subscribe(topic, c.config.Now()))
}

// Unsubscribe removes topic from the desired set and sends it now when connected.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return protocol.ErrMissingTopic
	}

	c.mu.Lock()
	delete(c.desired, topic)
	conn := c.connectedConnLocked()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(conn, protocol.Unsubscribe(topic, c.config.Now()))
}

// Send writes env. It never queues: without a connection it fails with ErrNotConnected.
func (c *Client) Send(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.connectedConnLocked()
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if env.Timestamp == 0 {
		env.Timestamp = c.config.Now().UnixMilli()
	}
	return c.write(conn, env)
}

func (c *Client) write(conn Conn, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// writeLocked is write for callers already holding writeMu.
func (c *Client) writeLocked(conn Conn, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt is the number of consecutive failures since the last successful connect.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// LastError is the most recent dial or connection error.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Err is the terminal error once the client has given up, nil otherwise.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

// DesiredTopics returns the sorted desired set.
func (c *Client) DesiredTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desiredLocked()
}

func (c *Client) desiredLocked() []string {
	topics := make([]string, 0, len(c.desired))
	for topic := range c.desired {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (c *Client) connectedConnLocked() Conn {
	if c.state != StateConnected {
		return nil
	}
	return c.conn
}

// setStateLocked changes state and returns the notification to run once
// the lock is released.
func (c *Client) setStateLocked(s State) func() {
	c.state = s
	fn := c.onState
	if fn == nil {
		return func() {}
	}
	return func() { fn(s) }
}

func (c *Client) dataHandler() func(protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onData
}

func (c *Client) errorHandler() func(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onError
}

// ServerError is an error envelope received from the server.
type ServerError struct {
	Code    string
	Message string
	Topic   string
}

func (e *ServerError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("server error %s on %s: %s", e.Code, e.Topic, e.Message)
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}
