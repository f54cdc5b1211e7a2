// Package pubsub defines the topic-based fan-out contract consumed by
// the document session and replication adapter, plus an
// in-memory implementation suitable for single-node deployments and
// tests. External implementations (redis, nats) fulfill the same
// contract out of process; delivery is at-least-once and may reorder
// only across documents, never within one.
package pubsub

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Handler is invoked for every publish to a subscribed topic whose
// source differs from the handler's own subscriber. source is the
// originating node/session identity attached at publish time.
type Handler func(payload []byte, source string)

// Unsubscribe removes a prior Subscribe registration. It is safe to
// call more than once; subsequent calls are no-ops.
type Unsubscribe func()

// PubSub is the fan-out substrate shared by every document session on a
// node. Implementations must invoke handlers for all
// subscribers whose source differs from the publisher's, must isolate
// handler panics/errors from one another, and must never block a
// publisher on a slow subscriber for longer than the implementation's
// own documented bound.
type PubSub interface {
	Subscribe(topic string, h Handler) Unsubscribe
	// SubscribeFrom is Subscribe, but additionally declares the
	// subscriber's own source identity, so the implementation can
	// suppress delivery of the subscriber's own publishes. The replication adapter always uses
	// this form, subscribing as its own node id.
	SubscribeFrom(topic, source string, h Handler) Unsubscribe
	Publish(topic string, payload []byte, source string)
	Destroy()
}

// DocumentTopic returns the canonical topic name for a document's
// cross-node update fan-out.
func DocumentTopic(docID string) string { return "document/" + docID }

// AckTopic returns the canonical topic name for optional cross-node ack
// delivery.
func AckTopic(clientID string) string { return "ack/" + clientID }

// Memory is an in-memory PubSub: a topic -> set<handler> map, with
// synchronous-deliver-to-all publication. A single handler's panic is
// recovered and logged so it cannot affect delivery to other
// subscribers of the same topic.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[int]subscriber
	nextID int
}

type subscriber struct {
	source string
	h      Handler
}

var _ PubSub = (*Memory)(nil)

// NewMemory returns a ready in-memory PubSub.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[int]subscriber)}
}

// Subscribe registers h under topic. The returned Unsubscribe removes
// exactly this registration.
//
// subscriberSource, if non-empty, is compared against a publisher's
// source at publish time: a handler is never invoked for a publish whose
// source equals the subscribing source. Memory exposes this
// via SubscribeFrom; Subscribe alone assumes an anonymous local
// subscriber (source "") which is invoked for every publish, whatever
// the publisher's source.
func (m *Memory) Subscribe(topic string, h Handler) Unsubscribe {
	return m.SubscribeFrom(topic, "", h)
}

// SubscribeFrom is Subscribe, but additionally declares the subscriber's
// own source identity so that self-echo is suppressed at the PubSub
// layer.
func (m *Memory) SubscribeFrom(topic, source string, h Handler) Unsubscribe {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.topics == nil {
		m.topics = make(map[string]map[int]subscriber)
	}
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[int]subscriber)
	}
	var id = m.nextID
	m.nextID++
	m.topics[topic][id] = subscriber{source: source, h: h}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if subs, ok := m.topics[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(m.topics, topic)
				}
			}
		})
	}
}

// Publish delivers payload synchronously to every subscriber of topic
// whose declared source is empty or differs from source. A subscriber handler that
// panics is recovered and logged; it does not prevent delivery to other
// subscribers.
func (m *Memory) Publish(topic string, payload []byte, source string) {
	m.mu.RLock()
	var subs = make([]subscriber, 0, len(m.topics[topic]))
	for _, s := range m.topics[topic] {
		if s.source == "" || s.source != source {
			subs = append(subs, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range subs {
		m.deliver(topic, s, payload, source)
	}
}

func (m *Memory) deliver(topic string, s subscriber, payload []byte, source string) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"topic": topic, "panic": r}).
				Error("pubsub: subscriber handler panicked")
		}
	}()
	s.h(payload, source)
}

// Destroy releases all subscriptions. A destroyed Memory may not be
// reused.
func (m *Memory) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = nil
}
