package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/odin-realtime/internal/protocol"
	"github.com/adred-codev/odin-realtime/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastCountsSubscribers(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	a, ta := register(t, r)
	b, tb := register(t, r)

	subscribe(t, r, a.ID(), "X")
	subscribe(t, r, b.ID(), "X")
	subscribe(t, r, b.ID(), "Y")

	n, err := r.Broadcast("X", map[string]int{"v": 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.Broadcast("Y", map[string]int{"v": 2})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.True(t, r.Unregister(a.ID(), types.DisconnectReasonClientInitiated))

	n, err = r.Broadcast("X", map[string]int{"v": 3})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Len(t, ta.envelopes(t), 1)
	assert.True(t, ta.closed)

	envs := tb.envelopes(t)
	require.Len(t, envs, 3)
	assert.Equal(t, "X", envs[0].Topic)
	assert.Equal(t, "Y", envs[1].Topic)
	assert.JSONEq(t, `{"v":3}`, string(envs[2].Payload))
	for _, env := range envs {
		assert.Equal(t, protocol.KindData, env.Kind)
	}
}

func TestBroadcastWithoutSubscribers(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	register(t, r)

	n, err := r.Broadcast("nobody", "x")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	h, tr := register(t, r)

	subscribe(t, r, h.ID(), "T")
	subscribe(t, r, h.ID(), "T")

	assert.Equal(t, []string{"T"}, r.Topics(h.ID()))
	assert.Len(t, r.Subscribers("T"), 1)

	n, err := r.Broadcast("T", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, tr.envelopes(t), 1)
}

func TestUnsubscribe(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	h, tr := register(t, r)

	subscribe(t, r, h.ID(), "T")
	require.NoError(t, r.Dispatch(h.ID(), protocol.Unsubscribe("T", time.Now())))
	require.NoError(t, r.Dispatch(h.ID(), protocol.Unsubscribe("T", time.Now())))

	assert.Empty(t, r.Topics(h.ID()))
	assert.Empty(t, r.Subscribers("T"))
	assert.Zero(t, r.Stats().Topics)
	assert.Empty(t, tr.envelopes(t))
}

func TestSubscriptionSymmetryUnderConcurrency(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *Config) { c.Shards = 4 })

	const conns = 20
	handles := make([]*Handle, conns)
	for i := range handles {
		handles[i], _ = register(t, r)
	}

	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *Handle) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				topic := fmt.Sprintf("topic-%d", (i+j)%7)
				if j%3 == 0 {
					_ = r.Dispatch(h.ID(), protocol.Unsubscribe(topic, time.Now()))
				} else {
					_ = r.Dispatch(h.ID(), protocol.Subscribe(topic, time.Now()))
				}
				if i%5 == 0 && j == 40 {
					r.Unregister(h.ID(), types.DisconnectReasonClientInitiated)
				}
			}
		}(i, h)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			_, _ = r.Broadcast(fmt.Sprintf("topic-%d", j%7), j)
		}
	}()
	wg.Wait()

	assertSymmetric(t, r.table)

	for i, h := range handles {
		if i%5 == 0 {
			assert.Empty(t, r.Topics(h.ID()))
		}
	}
}

func TestUnregisterRemovesEverything(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	var disconnects []string
	r.Observe(ObserverFuncs{Disconnect: func(id ConnectionID, reason string) {
		disconnects = append(disconnects, reason)
	}})

	h, tr := register(t, r)
	other, _ := register(t, r)
	for _, topic := range []string{"a", "b", "c"} {
		subscribe(t, r, h.ID(), topic)
	}
	subscribe(t, r, other.ID(), "a")

	require.True(t, r.Unregister(h.ID(), types.DisconnectReasonReadError))
	assert.False(t, r.Unregister(h.ID(), types.DisconnectReasonReadError))

	for _, topic := range []string{"a", "b", "c"} {
		assert.NotContains(t, r.Subscribers(topic), h.ID())
	}
	assert.Equal(t, []ConnectionID{other.ID()}, r.Subscribers("a"))
	assert.Empty(t, r.Topics(h.ID()))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, tr.closeCalls)
	assert.Equal(t, []string{types.DisconnectReasonReadError}, disconnects)
	assertSymmetric(t, r.table)

	assert.ErrorIs(t, r.Dispatch(h.ID(), protocol.Subscribe("a", time.Now())), ErrUnknownConnection)
}

func TestUnknownKindKeepsConnection(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	h, tr := register(t, r)

	require.NoError(t, r.Dispatch(h.ID(), protocol.Envelope{Kind: "frobnicate"}))

	_, ok := r.Get(h.ID())
	assert.True(t, ok)
	assert.False(t, tr.closed)

	envs := tr.envelopes(t)
	require.Len(t, envs, 1)
	p, err := envs[0].DecodeError()
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeUnknownKind, p.Code)
}

func TestMissingTopicAnsweredWithError(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	h, tr := register(t, r)

	require.NoError(t, r.Dispatch(h.ID(), protocol.Envelope{Kind: protocol.KindSubscribe}))

	envs := tr.envelopes(t)
	require.Len(t, envs, 1)
	p, err := envs[0].DecodeError()
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeMissingTopic, p.Code)
}

func TestHandleFrameMalformed(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	h, tr := register(t, r)

	require.NoError(t, r.HandleFrame(h.ID(), []byte("not json")))
	require.NoError(t, r.HandleFrame(h.ID(), []byte(`{"kind":"subscribe","topic":"t","timestamp":1}`)))

	assert.Equal(t, []protocol.Kind{protocol.KindError}, tr.kinds(t))
	assert.Equal(t, []string{"t"}, r.Topics(h.ID()))

	assert.ErrorIs(t, r.HandleFrame("missing", []byte("{}")), ErrUnknownConnection)
}

func TestPingRepliesPongAndTouches(t *testing.T) {
	r, clock := newTestRegistry(t, nil)
	h, tr := register(t, r)

	now := clock.Advance(10 * time.Second)
	require.NoError(t, r.Dispatch(h.ID(), protocol.Ping(now)))

	assert.Equal(t, now, h.LastLivenessAt())
	assert.Equal(t, []protocol.Kind{protocol.KindPong}, tr.kinds(t))
}

func TestPongBypassesQueue(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	h, tr := register(t, r)
	subscribe(t, r, h.ID(), "t")

	tr.setBlocked(true)
	_, err := r.Broadcast("t", 1)
	require.NoError(t, err)
	require.Equal(t, 1, h.Queued())

	tr.setBlocked(false)
	require.NoError(t, r.Dispatch(h.ID(), protocol.Ping(time.Now())))

	assert.Equal(t, []protocol.Kind{protocol.KindPong}, tr.kinds(t))
	assert.Equal(t, 1, h.Queued())
}

func TestPongTouchesOnly(t *testing.T) {
	r, clock := newTestRegistry(t, nil)
	h, tr := register(t, r)

	now := clock.Advance(5 * time.Second)
	require.NoError(t, r.Dispatch(h.ID(), protocol.Pong(now)))

	assert.Equal(t, now, h.LastLivenessAt())
	assert.Empty(t, tr.envelopes(t))
}

func TestDataGoesToObservers(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	h, _ := register(t, r)

	var got []protocol.Envelope
	var from []ConnectionID
	remove := r.OnMessage(func(id ConnectionID, env protocol.Envelope) {
		from = append(from, id)
		got = append(got, env)
	})

	env := protocol.Envelope{Kind: protocol.KindData, Topic: "chat", Payload: json.RawMessage(`"hi"`)}
	require.NoError(t, r.Dispatch(h.ID(), env))

	require.Len(t, got, 1)
	assert.Equal(t, h.ID(), from[0])
	assert.Equal(t, "chat", got[0].Topic)

	remove()
	require.NoError(t, r.Dispatch(h.ID(), env))
	assert.Len(t, got, 1)
}

func TestPeerErrorGoesToObservers(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	h, _ := register(t, r)

	var got error
	r.Observe(ObserverFuncs{Error: func(id ConnectionID, err error) { got = err }})

	require.NoError(t, r.Dispatch(h.ID(), protocol.Error("BOOM", "client exploded", "", time.Now())))

	var peerErr *PeerError
	require.True(t, errors.As(got, &peerErr))
	assert.Equal(t, "BOOM", peerErr.Code)
	assert.Equal(t, "client exploded", peerErr.Message)
}

func TestObserverPanicIsContained(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	connected := 0
	r.Observe(ObserverFuncs{Connect: func(ConnectionID) { panic("boom") }})
	r.Observe(ObserverFuncs{Connect: func(ConnectionID) { connected++ }})

	register(t, r)
	assert.Equal(t, 1, connected)
}

func TestRegisterMaxConnections(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *Config) { c.MaxConnections = 1 })

	h, _ := register(t, r)

	_, err := r.Register(&fakeTransport{})
	require.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, 1, r.Len())
	assert.EqualValues(t, 1, r.Stats().Rejected)

	r.Unregister(h.ID(), types.DisconnectReasonClientInitiated)
	_, err = r.Register(&fakeTransport{})
	assert.NoError(t, err)
}

type denyAll struct{}

func (denyAll) CanAccept() (bool, string) { return false, types.RejectReasonMemory }

func TestRegisterAdmissionRejects(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *Config) { c.Admission = denyAll{} })

	var connects int
	r.Observe(ObserverFuncs{Connect: func(ConnectionID) { connects++ }})

	_, err := r.Register(&fakeTransport{})
	require.ErrorIs(t, err, ErrResourceExhausted)
	assert.Contains(t, err.Error(), types.RejectReasonMemory)
	assert.Zero(t, connects)
	assert.Zero(t, r.Len())
}

func TestBlockedConnectionQueuesAndDropsOldest(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	h, tr := register(t, r)
	subscribe(t, r, h.ID(), "t")

	tr.setBlocked(true)
	for i := 0; i < 150; i++ {
		n, err := r.Broadcast("t", i)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	assert.Equal(t, 100, h.Queued())
	assert.EqualValues(t, 50, r.Stats().DroppedMessages)
	assert.Equal(t, 150, h.StalledSends())

	tr.setBlocked(false)
	sent, err := h.Flush()
	require.NoError(t, err)
	assert.Equal(t, 100, sent)
	assert.Zero(t, h.StalledSends())

	envs := tr.envelopes(t)
	require.Len(t, envs, 100)
	assert.Equal(t, "50", string(envs[0].Payload))
	assert.Equal(t, "149", string(envs[99].Payload))
}

func TestDeliveryStaysFIFOAfterStall(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	h, tr := register(t, r)
	subscribe(t, r, h.ID(), "t")

	tr.setBlocked(true)
	_, _ = r.Broadcast("t", 1)
	_, _ = r.Broadcast("t", 2)
	tr.setBlocked(false)
	_, _ = r.Broadcast("t", 3)

	var payloads []string
	for _, env := range tr.envelopes(t) {
		payloads = append(payloads, string(env.Payload))
	}
	assert.Equal(t, []string{"1", "2", "3"}, payloads)
	assert.Zero(t, h.Queued())
}

func TestSlowConnectionDropped(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *Config) { c.MaxSendStalls = 3 })
	h, tr := register(t, r)
	subscribe(t, r, h.ID(), "t")

	var reason string
	r.Observe(ObserverFuncs{Disconnect: func(_ ConnectionID, why string) { reason = why }})

	tr.setBlocked(true)
	for i := 0; i < 3; i++ {
		_, _ = r.Broadcast("t", i)
	}

	_, ok := r.Get(h.ID())
	assert.False(t, ok)
	assert.Equal(t, types.DisconnectReasonSlowClient, reason)
}

func TestShutdownUnregistersAll(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	r.Start(context.Background())

	var transports []*fakeTransport
	for i := 0; i < 3; i++ {
		_, tr := register(t, r)
		transports = append(transports, tr)
	}

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Zero(t, r.Len())
	for _, tr := range transports {
		assert.True(t, tr.closed)
	}
}

func TestStats(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	a, ta := register(t, r)
	b, _ := register(t, r)
	subscribe(t, r, a.ID(), "x")
	subscribe(t, r, b.ID(), "y")

	ta.setBlocked(true)
	_, _ = r.Broadcast("x", 1)

	s := r.Stats()
	assert.Equal(t, 2, s.Connections)
	assert.Equal(t, 2, s.Topics)
	assert.Equal(t, 1, s.QueuedMessages)
	assert.EqualValues(t, 2, s.TotalConnections)
	assert.EqualValues(t, 1, s.TotalBroadcasts)
}
