package registry

import (
	"fmt"

	"github.com/adred-codev/odin-realtime/internal/protocol"
)

// Observer receives registry lifecycle events. The set of events is fixed:
// connect, disconnect, message and error.
//
// Callbacks run synchronously on the goroutine that caused the event
// (usually a connection's read pump) and must not block.
type Observer interface {
	OnConnect(id ConnectionID)
	OnDisconnect(id ConnectionID, reason string)
	OnMessage(id ConnectionID, env protocol.Envelope)
	OnError(id ConnectionID, err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Connect    func(id ConnectionID)
	Disconnect func(id ConnectionID, reason string)
	Message    func(id ConnectionID, env protocol.Envelope)
	Error      func(id ConnectionID, err error)
}

func (f ObserverFuncs) OnConnect(id ConnectionID) {
	if f.Connect != nil {
		f.Connect(id)
	}
}

func (f ObserverFuncs) OnDisconnect(id ConnectionID, reason string) {
	if f.Disconnect != nil {
		f.Disconnect(id, reason)
	}
}

func (f ObserverFuncs) OnMessage(id ConnectionID, env protocol.Envelope) {
	if f.Message != nil {
		f.Message(id, env)
	}
}

func (f ObserverFuncs) OnError(id ConnectionID, err error) {
	if f.Error != nil {
		f.Error(id, err)
	}
}

// PeerError is an error envelope received from a connection.
type PeerError struct {
	Code    string
	Message string
	Topic   string
}

func (e *PeerError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("peer error %s on %s: %s", e.Code, e.Topic, e.Message)
	}
	return fmt.Sprintf("peer error %s: %s", e.Code, e.Message)
}
