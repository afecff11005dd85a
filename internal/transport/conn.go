package transport

import (
	"net"
	"sync"
	"time"

	"github.com/adred-codev/odin-realtime/internal/registry"
	"golang.org/x/time/rate"
)

// wsConn is the registry.Transport of one upgraded WebSocket connection.
//
// Frames handed to TrySend go through a buffered channel drained by the
// write pump. When the channel is full TrySend reports ErrWouldBlock and the
// registry queues the frame on the handle instead.
type wsConn struct {
	conn      net.Conn
	clientIP  string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// writeMu serialises the write pump with control frame replies from the read pump.
	writeMu sync.Mutex

	handle      *registry.Handle
	limiter     *rate.Limiter
	connectedAt time.Time
}

func newWSConn(conn net.Conn, clientIP string, bufferSize int, limiter *rate.Limiter) *wsConn {
	return &wsConn{
		conn:        conn,
		clientIP:    clientIP,
		send:        make(chan []byte, bufferSize),
		done:        make(chan struct{}),
		limiter:     limiter,
		connectedAt: time.Now(),
	}
}

func (c *wsConn) TrySend(frame []byte) error {
	select {
	case <-c.done:
		return registry.ErrTransportClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return registry.ErrTransportClosed
	default:
		return registry.ErrWouldBlock
	}
}

// Close signals the write pump to send a close frame and drop the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *wsConn) id() string {
	if c.handle == nil {
		return ""
	}
	return string(c.handle.ID())
}

// lockedWriter lets the read pump answer control frames without interleaving
// bytes with the write pump.
type lockedWriter struct {
	c *wsConn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
