package transport

import (
	"bufio"
	"errors"
	"io"
	"time"

	"github.com/adred-codev/odin-realtime/internal/monitoring"
	"github.com/adred-codev/odin-realtime/internal/protocol"
	"github.com/adred-codev/odin-realtime/internal/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var errMessageTooBig = errors.New("message too big")

// readPump reads frames until the connection fails, then unregisters it.
func (s *Server) readPump(c *wsConn) {
	defer s.wg.Done()
	// Registered before the cleanup defer so it also catches panics raised there.
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"connection_id": c.id(),
	})

	reason := types.DisconnectReasonReadError
	defer func() {
		s.registry.Unregister(c.handle.ID(), reason)
	}()

	controlHandler := wsutil.ControlFrameHandler(lockedWriter{c: c}, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: controlHandler,
	}

	for {
		s.extendReadDeadline(c)

		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}

		if hdr.OpCode.IsControl() {
			if hdr.OpCode == ws.OpPong {
				c.handle.Touch(time.Now())
			}
			if err := controlHandler(hdr, rd); err != nil {
				var closed wsutil.ClosedError
				if errors.As(err, &closed) {
					reason = types.DisconnectReasonClientInitiated
				}
				return
			}
			continue
		}

		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		data, err := s.readMessage(rd)
		if err != nil {
			if errors.Is(err, errMessageTooBig) {
				body := ws.NewCloseFrameBody(ws.StatusMessageTooBig, "message too big")
				_ = wsutil.WriteServerMessage(lockedWriter{c: c}, ws.OpClose, body)
			}
			return
		}

		if !c.limiter.Allow() {
			s.rejectRateLimited(c)
			continue
		}

		if err := s.registry.HandleFrame(c.handle.ID(), data); err != nil {
			return
		}
	}
}

func (s *Server) readMessage(rd *wsutil.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(rd, s.config.MaxMessageSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.config.MaxMessageSize {
		return nil, errMessageTooBig
	}
	return data, nil
}

func (s *Server) extendReadDeadline(c *wsConn) {
	if s.config.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
}

// rejectRateLimited drops the message but keeps the connection: a burst may be
// temporary, and the error tells the peer why its messages vanish.
func (s *Server) rejectRateLimited(c *wsConn) {
	s.logger.Warn().
		Str("connection_id", c.id()).
		Str("client_ip", c.clientIP).
		Msg("Client rate limited")
	monitoring.IncrementRateLimitedMessages()

	env := protocol.Error(protocol.CodeRateLimited, "Too many messages, please slow down", "", time.Now())
	if frame, err := protocol.Encode(env); err == nil {
		_ = c.handle.SendDirect(frame)
	}
}

// writePump batches frames from the send channel onto the socket. After the
// channel drains it asks the handle to flush its outbound queue.
func (s *Server) writePump(c *wsConn) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"connection_id": c.id(),
	})

	writer := bufio.NewWriter(c.conn)
	defer func() {
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := s.writeBatch(c, writer, frame); err != nil {
				s.logger.Debug().Err(err).Str("connection_id", c.id()).Msg("Failed to write message")
				monitoring.RecordError("transport", "warning")
				s.registry.Unregister(c.handle.ID(), types.DisconnectReasonWriteError)
				return
			}

			if len(c.send) == 0 {
				if _, err := c.handle.Flush(); err != nil && !c.handle.Closed() {
					s.logger.Debug().Err(err).Str("connection_id", c.id()).Msg("Queue flush failed")
				}
			}

		case <-c.done:
			status := ws.StatusNormalClosure
			if s.shuttingDown.Load() {
				status = ws.StatusGoingAway
			}
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
			_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(status, ""))
			c.writeMu.Unlock()
			return
		}
	}
}

func (s *Server) writeBatch(c *wsConn, writer *bufio.Writer, first []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))

	if err := wsutil.WriteServerMessage(writer, ws.OpText, first); err != nil {
		return err
	}
	monitoring.RecordSent(len(first))

	n := len(c.send)
	for i := 0; i < n; i++ {
		frame := <-c.send
		if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
			return err
		}
		monitoring.RecordSent(len(frame))
	}

	return writer.Flush()
}
