// Package protocol defines the JSON envelope exchanged between the realtime
// server and its clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind discriminates envelopes. The set is closed.
type Kind string

const (
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindPing        Kind = "ping"
	KindPong        Kind = "pong"
	KindData        Kind = "data"
	KindError       Kind = "error"
)

var (
	ErrMalformed    = errors.New("malformed envelope")
	ErrUnknownKind  = errors.New("unknown envelope kind")
	ErrMissingTopic = errors.New("topic is required")
)

// Error codes carried in error envelope payloads.
const (
	CodeMalformed    = "MALFORMED"
	CodeUnknownKind  = "UNKNOWN_KIND"
	CodeMissingTopic = "MISSING_TOPIC"
	CodeRateLimited  = "RATE_LIMIT_EXCEEDED"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSubscribe, KindUnsubscribe, KindPing, KindPong, KindData, KindError:
		return true
	}
	return false
}

// RequiresTopic reports whether envelopes of this kind must name a topic.
func (k Kind) RequiresTopic() bool {
	return k == KindSubscribe || k == KindUnsubscribe || k == KindData
}

// Envelope is the unit exchanged on the wire.
//
//	{"kind":"data","topic":"BTC.trade","payload":{...},"timestamp":1700000000000}
type Envelope struct {
	Kind      Kind            `json:"kind"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ErrorPayload is the payload of a KindError envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validate checks the kind and the topic requirement.
func (e Envelope) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.Kind.RequiresTopic() && e.Topic == "" {
		return fmt.Errorf("%w for %s", ErrMissingTopic, e.Kind)
	}
	return nil
}

// Time returns the envelope timestamp.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Decode parses a frame. Unknown kinds decode successfully so the caller can
// answer them; only structurally invalid JSON is rejected.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	return env, nil
}

func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Kind, err)
	}
	return data, nil
}

// RawPayload converts a producer value into an envelope payload.
// json.RawMessage and []byte holding valid JSON pass through untouched,
// other byte slices become JSON strings, everything else is marshalled.
func RawPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if json.Valid(p) {
			return json.RawMessage(p), nil
		}
		return json.Marshal(string(p))
	default:
		return json.Marshal(p)
	}
}

func New(kind Kind, topic string, payload any, now time.Time) (Envelope, error) {
	raw, err := RawPayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload: %w", err)
	}
	return Envelope{Kind: kind, Topic: topic, Payload: raw, Timestamp: now.UnixMilli()}, nil
}

func Subscribe(topic string, now time.Time) Envelope {
	return Envelope{Kind: KindSubscribe, Topic: topic, Timestamp: now.UnixMilli()}
}

func Unsubscribe(topic string, now time.Time) Envelope {
	return Envelope{Kind: KindUnsubscribe, Topic: topic, Timestamp: now.UnixMilli()}
}

func Ping(now time.Time) Envelope {
	return Envelope{Kind: KindPing, Timestamp: now.UnixMilli()}
}

func Pong(now time.Time) Envelope {
	return Envelope{Kind: KindPong, Timestamp: now.UnixMilli()}
}

// Error builds an error envelope. topic may be empty.
func Error(code, message, topic string, now time.Time) Envelope {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return Envelope{Kind: KindError, Topic: topic, Payload: payload, Timestamp: now.UnixMilli()}
}

// ErrorCode maps a decode or validation error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownKind):
		return CodeUnknownKind
	case errors.Is(err, ErrMissingTopic):
		return CodeMissingTopic
	default:
		return CodeMalformed
	}
}

// DecodeError extracts the payload of an error envelope.
func (e Envelope) DecodeError() (ErrorPayload, error) {
	var p ErrorPayload
	if e.Kind != KindError {
		return p, fmt.Errorf("%w: not an error envelope", ErrMalformed)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}
