package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionID identifies a registered connection. It is fixed at registration.
type ConnectionID string

var (
	// ErrWouldBlock is returned by Transport.TrySend when the frame cannot be
	// accepted right now. The caller queues the frame instead.
	ErrWouldBlock = errors.New("transport would block")
	// ErrTransportClosed is returned once the transport has been closed.
	ErrTransportClosed = errors.New("transport closed")
)

// Transport is the duplex channel behind a Handle.
//
// TrySend must never block: it either accepts the frame, or returns
// ErrWouldBlock (temporarily unsendable) or ErrTransportClosed.
type Transport interface {
	TrySend(frame []byte) error
	Close() error
}

// Delivery is the outcome of Handle.Deliver.
type Delivery int

const (
	DeliverySent Delivery = iota
	DeliveryQueued
)

func (d Delivery) String() string {
	if d == DeliveryQueued {
		return "queued"
	}
	return "sent"
}

// Handle is the server-side record of one live connection. It exclusively
// owns its Transport; only the registry closes it.
type Handle struct {
	id           ConnectionID
	transport    Transport
	registeredAt time.Time

	lastLiveness atomic.Int64 // unix nanos

	// sendMu orders every write to the transport with the queue, keeping
	// per-connection delivery FIFO.
	sendMu  sync.Mutex
	queue   *OutboundQueue[[]byte]
	stalled int

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newHandle(id ConnectionID, transport Transport, queueCapacity int, now time.Time) *Handle {
	h := &Handle{
		id:           id,
		transport:    transport,
		registeredAt: now,
		queue:        NewOutboundQueue[[]byte](queueCapacity),
	}
	h.lastLiveness.Store(now.UnixNano())
	return h
}

func (h *Handle) ID() ConnectionID { return h.id }

func (h *Handle) RegisteredAt() time.Time { return h.registeredAt }

// LastLivenessAt is the time of the last ping or pong seen from the peer.
func (h *Handle) LastLivenessAt() time.Time {
	return time.Unix(0, h.lastLiveness.Load())
}

// Touch records liveness at now. Older timestamps never move it backwards.
func (h *Handle) Touch(now time.Time) {
	n := now.UnixNano()
	for {
		cur := h.lastLiveness.Load()
		if n <= cur || h.lastLiveness.CompareAndSwap(cur, n) {
			return
		}
	}
}

// StalledSends is the number of consecutive would-block sends since the
// last successful one.
func (h *Handle) StalledSends() int {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return h.stalled
}

// Queued is the number of frames waiting in the outbound queue.
func (h *Handle) Queued() int {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return h.queue.Len()
}

func (h *Handle) Closed() bool { return h.closed.Load() }

// Deliver sends frame now if the transport accepts it and nothing is queued
// ahead of it; otherwise the frame is queued. dropped reports that the queue
// was full and its oldest frame was discarded.
func (h *Handle) Deliver(frame []byte) (result Delivery, dropped bool, err error) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	if h.closed.Load() {
		return DeliveryQueued, false, ErrTransportClosed
	}

	if h.queue.Len() > 0 {
		if _, err := h.flushLocked(); err != nil {
			return DeliveryQueued, false, err
		}
	}

	if h.queue.Len() == 0 {
		switch err := h.transport.TrySend(frame); {
		case err == nil:
			h.stalled = 0
			return DeliverySent, false, nil
		case errors.Is(err, ErrWouldBlock):
			h.stalled++
		default:
			return DeliveryQueued, false, err
		}
	}

	return DeliveryQueued, h.queue.Push(frame), nil
}

// SendDirect writes frame without going through the queue. Used for
// heartbeat traffic, which is worthless once delayed.
func (h *Handle) SendDirect(frame []byte) error {
	if h.closed.Load() {
		return ErrTransportClosed
	}
	return h.transport.TrySend(frame)
}

// Flush drains the outbound queue until it is empty or the transport would
// block, and returns the number of frames sent.
func (h *Handle) Flush() (int, error) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	if h.closed.Load() {
		return 0, ErrTransportClosed
	}
	return h.flushLocked()
}

func (h *Handle) flushLocked() (int, error) {
	sent := 0
	for {
		frame, ok := h.queue.Peek()
		if !ok {
			return sent, nil
		}
		err := h.transport.TrySend(frame)
		if errors.Is(err, ErrWouldBlock) {
			h.stalled++
			return sent, nil
		}
		if err != nil {
			return sent, err
		}
		h.queue.Pop()
		h.stalled = 0
		sent++
	}
}

// Close closes the transport and discards queued frames. Idempotent.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)

		h.sendMu.Lock()
		h.queue.Clear()
		h.sendMu.Unlock()

		h.closeErr = h.transport.Close()
	})
	return h.closeErr
}
