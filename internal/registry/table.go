package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ErrUnknownConnection is returned for ids that are not (or no longer) registered.
var ErrUnknownConnection = errors.New("unknown connection")

const defaultShards = 16

// SubscriptionTable is the bidirectional topic <-> connection relation.
//
// Topic -> connections lives in shards picked by xxhash of the topic, so
// broadcasts on different topics never contend. Connection -> topics lives in
// one entry per connection with its own lock.
//
// Lock order: connection entry, then shard. Every edge is added and removed
// under its connection lock, which keeps both directions in step.
type SubscriptionTable struct {
	shards []*topicShard

	connMu sync.RWMutex
	conns  map[ConnectionID]*connTopics
}

type topicShard struct {
	mu     sync.RWMutex
	topics map[string]map[ConnectionID]struct{}
}

type connTopics struct {
	mu      sync.Mutex
	topics  map[string]struct{}
	removed bool
}

func NewSubscriptionTable(shards int) *SubscriptionTable {
	if shards < 1 {
		shards = defaultShards
	}
	t := &SubscriptionTable{
		shards: make([]*topicShard, shards),
		conns:  make(map[ConnectionID]*connTopics),
	}
	for i := range t.shards {
		t.shards[i] = &topicShard{topics: make(map[string]map[ConnectionID]struct{})}
	}
	return t
}

func (t *SubscriptionTable) shard(topic string) *topicShard {
	return t.shards[xxhash.Sum64String(topic)%uint64(len(t.shards))]
}

func (t *SubscriptionTable) entry(id ConnectionID) *connTopics {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.conns[id]
}

// AddConnection makes id known to the table. Subscribing an unknown id fails,
// so a late subscribe can never resurrect a removed connection.
func (t *SubscriptionTable) AddConnection(id ConnectionID) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if _, ok := t.conns[id]; !ok {
		t.conns[id] = &connTopics{topics: make(map[string]struct{})}
	}
}

// Subscribe adds the edge (id, topic). added is false when it already existed.
func (t *SubscriptionTable) Subscribe(id ConnectionID, topic string) (added bool, err error) {
	ct := t.entry(id)
	if ct == nil {
		return false, ErrUnknownConnection
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.removed {
		return false, ErrUnknownConnection
	}
	if _, ok := ct.topics[topic]; ok {
		return false, nil
	}

	s := t.shard(topic)
	s.mu.Lock()
	subs, ok := s.topics[topic]
	if !ok {
		subs = make(map[ConnectionID]struct{})
		s.topics[topic] = subs
	}
	subs[id] = struct{}{}
	s.mu.Unlock()

	ct.topics[topic] = struct{}{}
	return true, nil
}

// Unsubscribe removes the edge (id, topic). removed is false when it did not exist.
func (t *SubscriptionTable) Unsubscribe(id ConnectionID, topic string) (removed bool, err error) {
	ct := t.entry(id)
	if ct == nil {
		return false, ErrUnknownConnection
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.removed {
		return false, ErrUnknownConnection
	}
	if _, ok := ct.topics[topic]; !ok {
		return false, nil
	}

	t.unlinkTopic(id, topic)
	delete(ct.topics, topic)
	return true, nil
}

// RemoveConnection drops every edge of id in both directions and forgets id.
// It returns the topics id was subscribed to.
func (t *SubscriptionTable) RemoveConnection(id ConnectionID) []string {
	t.connMu.Lock()
	ct, ok := t.conns[id]
	delete(t.conns, id)
	t.connMu.Unlock()
	if !ok {
		return nil
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.removed = true

	topics := make([]string, 0, len(ct.topics))
	for topic := range ct.topics {
		t.unlinkTopic(id, topic)
		topics = append(topics, topic)
	}
	ct.topics = nil
	sort.Strings(topics)
	return topics
}

func (t *SubscriptionTable) unlinkTopic(id ConnectionID, topic string) {
	s := t.shard(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.topics[topic]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(s.topics, topic)
	}
}

// Subscribers returns a snapshot of the connections subscribed to topic.
func (t *SubscriptionTable) Subscribers(topic string) []ConnectionID {
	s := t.shard(topic)
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.topics[topic]
	ids := make([]ConnectionID, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	return ids
}

// Topics returns the sorted topics of id.
func (t *SubscriptionTable) Topics(id ConnectionID) []string {
	ct := t.entry(id)
	if ct == nil {
		return nil
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	topics := make([]string, 0, len(ct.topics))
	for topic := range ct.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// TopicCount is the number of topics with at least one subscriber.
func (t *SubscriptionTable) TopicCount() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.topics)
		s.mu.RUnlock()
	}
	return n
}

// ConnectionCount is the number of connections known to the table.
func (t *SubscriptionTable) ConnectionCount() int {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return len(t.conns)
}
