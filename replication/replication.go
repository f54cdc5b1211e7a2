// Package replication implements the cross-node fan-out adapter: it
// subscribes every locally-open document session to its pub/sub topic
// and, on receipt of a frame published by another node, decodes it and
// dispatches it into that document's ReceiveReplicated path.
package replication

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.teleportal.dev/core/codec"
	"go.teleportal.dev/core/document"
	"go.teleportal.dev/core/pubsub"
)

// Resolver looks up (opening if necessary) the document session for an
// id; server.Registry implements it.
type Resolver interface {
	Resolve(ctx context.Context, docID string) (*document.Session, error)
}

// Adapter bridges PubSub delivery into document sessions.
// One Adapter serves an entire node: it subscribes lazily, the first
// time a given document id is joined, and never unsubscribes until
// Close, since a document may regain local subscribers after its last
// one leaves.
type Adapter struct {
	pubsub   pubsub.PubSub
	resolver Resolver
	nodeID   string
	timeout  time.Duration

	mu         sync.Mutex
	subscribed map[string]pubsub.Unsubscribe
}

// New returns an Adapter publishing/subscribing as nodeID.
func New(ps pubsub.PubSub, resolver Resolver, nodeID string) *Adapter {
	return &Adapter{
		pubsub:     ps,
		resolver:   resolver,
		nodeID:     nodeID,
		timeout:    10 * time.Second,
		subscribed: make(map[string]pubsub.Unsubscribe),
	}
}

// Join subscribes docID's pub/sub topic to this node, if it isn't
// already. server.Registry calls this whenever it opens a document
// session, so replicated updates flow into every locally-live document
// regardless of which client first opened it.
func (a *Adapter) Join(docID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.subscribed[docID]; ok {
		return
	}
	var topic = pubsub.DocumentTopic(docID)
	var unsub = a.pubsub.SubscribeFrom(topic, a.nodeID, func(payload []byte, source string) {
		a.onMessage(docID, payload, source)
	})
	a.subscribed[docID] = unsub
}

func (a *Adapter) onMessage(docID string, payload []byte, source string) {
	var env, err = codec.DecodeFrame(payload, 0)
	if err != nil {
		log.WithFields(log.Fields{"document": docID, "source": source, "err": err}).
			Warn("replication: dropping undecodable frame")
		return
	}
	var doc, rerr = a.resolver.Resolve(context.Background(), docID)
	if rerr != nil {
		log.WithFields(log.Fields{"document": docID, "err": rerr}).
			Warn("replication: could not resolve document for replicated frame")
		return
	}

	var ctx, cancel = context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := doc.ReceiveReplicated(ctx, env, source); err != nil {
		log.WithFields(log.Fields{"document": docID, "source": source, "err": err}).
			Warn("replication: replicated frame rejected")
	}
}

// Close unsubscribes every document this Adapter joined.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, unsub := range a.subscribed {
		unsub()
	}
	a.subscribed = make(map[string]pubsub.Unsubscribe)
}
