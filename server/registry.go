// Package server wires storage, pub/sub, rate limiting, and metrics into
// a running node: it owns the registry of open document sessions (with
// the single-flight open semantics below), the set of live
// client sessions, and the node's HTTP surface.
package server

import (
	"context"
	"sync"

	"go.teleportal.dev/core/document"
)

// Registry owns the map of open document sessions for this node. Exactly
// one *document.Session exists per document id at a time; concurrent Resolve calls for the
// same id never race to create two.
type Registry struct {
	mu        sync.Mutex
	documents map[string]*document.Session
	newConfig func(docID string) document.Config
	metrics   document.MetricsSink
	onOpen    func(docID string)
}

// NewRegistry returns an empty Registry. newConfig is invoked once per
// document open to derive that document's Config from shared
// collaborators (Storage, PubSub, Authorize, ...); it lets per-document
// overrides (e.g. a different Authorize closure per tenant) be layered in
// without the registry knowing about tenancy itself. onOpen, if non-nil,
// is invoked once per newly opened document id -- the server uses this to
// join the document to the replication adapter's pub/sub topic.
func NewRegistry(newConfig func(docID string) document.Config, metrics document.MetricsSink, onOpen func(docID string)) *Registry {
	return &Registry{
		documents: make(map[string]*document.Session),
		newConfig: newConfig,
		metrics:   metrics,
		onOpen:    onOpen,
	}
}

// Resolve implements client.Resolver: it returns the live Session for
// docID, opening one if none exists yet or the existing one has finished
// tearing down. The registry's mutex is held only for the map
// check-and-insert, never across a Session's own blocking operations, so
// concurrent Resolve calls for distinct documents never contend.
func (r *Registry) Resolve(ctx context.Context, docID string) (*document.Session, error) {
	r.mu.Lock()
	var doc, ok = r.documents[docID]
	r.mu.Unlock()
	if ok && doc.Lifecycle() != document.Closed {
		return doc, nil
	}

	r.mu.Lock()
	// Re-check: another goroutine may have opened (or replaced) docID
	// while we were unlocked above. Any entry other than the one observed
	// there (missing or Closed) is such a newer session.
	if cur, found := r.documents[docID]; found && cur != doc {
		r.mu.Unlock()
		return cur, nil
	}
	doc = document.New(docID, r.newConfig(docID))
	r.documents[docID] = doc
	var count = len(r.documents)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetSessionsActive(float64(count))
	}
	if r.onOpen != nil {
		r.onOpen(docID)
	}
	return doc, nil
}

// Lookup returns the Session for docID without opening one, for
// operations (e.g. status reporting) that must not trigger an open.
func (r *Registry) Lookup(docID string) (*document.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var doc, ok = r.documents[docID]
	return doc, ok
}

// Count returns the number of document sessions currently tracked,
// including ones that have since closed but not yet been swept.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.documents)
}

// Sweep removes closed sessions from the registry and reports the
// resulting count via metrics. Callers (the server's periodic
// housekeeping loop) run this on an interval so long-lived nodes don't
// accumulate dead entries. Lifecycle is checked outside the registry's
// lock (same reasoning as Resolve) so one busy document's actor loop
// can never stall a sweep of the rest.
func (r *Registry) Sweep() {
	r.mu.Lock()
	var snapshot = make(map[string]*document.Session, len(r.documents))
	for id, doc := range r.documents {
		snapshot[id] = doc
	}
	r.mu.Unlock()

	var closed = make([]string, 0)
	for id, doc := range snapshot {
		if doc.Lifecycle() == document.Closed {
			closed = append(closed, id)
		}
	}

	r.mu.Lock()
	for _, id := range closed {
		if doc, ok := r.documents[id]; ok && doc == snapshot[id] {
			delete(r.documents, id)
		}
	}
	var count = len(r.documents)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetSessionsActive(float64(count))
	}
}

// ShutdownAll tears down every tracked document session, e.g. on
// process shutdown.
func (r *Registry) ShutdownAll(reason string) {
	r.mu.Lock()
	var docs = make([]*document.Session, 0, len(r.documents))
	for _, doc := range r.documents {
		docs = append(docs, doc)
	}
	r.mu.Unlock()

	for _, doc := range docs {
		doc.Shutdown(reason)
	}
}
