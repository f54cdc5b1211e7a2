package storage

import (
	"context"
	"encoding/binary"
	"sync"
)

// Memory is an in-memory Storage suitable for single-node deployments
// and tests. The real Storage contract treats CRDT contents as opaque
// blobs with diff/merge operations supplied externally; Memory stands
// in for that external collaborator with the simplest possible
// semantics that still satisfy the required merge/diff contract:
// updates are merged by concatenation in append order, and a state
// vector is simply the length, in bytes, of the update history already
// observed by the peer presenting it. This is sufficient to exercise
// every storage-facing operation without depending on a real CRDT
// runtime, which is explicitly out of this module's scope.
type Memory struct {
	mu   sync.Mutex
	docs map[string][]byte
	meta map[string]*Metadata
}

// NewMemory returns a ready in-memory Storage.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte), meta: make(map[string]*Metadata)}
}

func (m *Memory) HandleUpdate(ctx context.Context, docID string, update []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docID] = append(append([]byte(nil), m.docs[docID]...), update...)
	return nil
}

func (m *Memory) GetDocument(ctx context.Context, docID string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var u = m.docs[docID]
	if u == nil {
		return nil, nil
	}
	return &Document{Update: append([]byte(nil), u...), StateVector: encodeSV(len(u))}, nil
}

func (m *Memory) HandleSyncStep1(ctx context.Context, docID string, remoteSV []byte) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var known = decodeSV(remoteSV)
	var u = m.docs[docID]
	if known > len(u) {
		known = len(u)
	}
	var diff = append([]byte(nil), u[known:]...)
	return &Document{Update: diff, StateVector: encodeSV(len(u))}, nil
}

func (m *Memory) HandleSyncStep2(ctx context.Context, docID string, update []byte) error {
	return m.HandleUpdate(ctx, docID, update)
}

func (m *Memory) GetDocumentMetadata(ctx context.Context, docID string) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var meta = m.meta[docID]
	if meta == nil {
		return nil, nil
	}
	var cp = *meta
	return &cp, nil
}

func (m *Memory) WriteDocumentMetadata(ctx context.Context, docID string, meta *Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var cp = *meta
	m.meta[docID] = &cp
	return nil
}

func (m *Memory) DeleteDocument(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
	delete(m.meta, docID)
	return nil
}

// Size returns the current byte length of a document's merged update
// history, used by the document session to report document_size_bytes.
func (m *Memory) Size(docID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs[docID])
}

func encodeSV(n int) []byte {
	var b = make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeSV(b []byte) int {
	if len(b) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(b))
}

var _ Storage = (*Memory)(nil)
