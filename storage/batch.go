package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// BatchConfig configures Batcher's flush thresholds.
type BatchConfig struct {
	MaxSize int           // batch_max_size: flush once this many updates are buffered for a doc.
	Wait    time.Duration // batch_wait_ms: flush a doc's buffer this long after its first buffered write.
}

// DefaultBatchConfig matches the default storage operation
// timeouts (10s) scaled down to a much tighter batch window appropriate
// for a low-latency sync path.
var DefaultBatchConfig = BatchConfig{MaxSize: 64, Wait: 10 * time.Millisecond}

// pending tracks one document's buffered, not-yet-flushed writes.
type pending struct {
	mu      sync.Mutex
	updates [][]byte
	meta    *Metadata
	timer   *time.Timer
}

// Batcher interposes between document sessions and a Storage, buffering
// per-document writes and flushing on size threshold, time threshold, or
// any read/delete of the same document -- which forces a synchronous
// flush-then-read to preserve read-your-writes per document.
// Reads of different documents never block on each other's pending
// writes: each document's buffer is guarded by its own mutex.
type Batcher struct {
	next Storage
	cfg  BatchConfig

	mu       sync.Mutex
	pendings map[string]*pending
}

// NewBatcher wraps next with batching governed by cfg.
func NewBatcher(next Storage, cfg BatchConfig) *Batcher {
	return &Batcher{next: next, cfg: cfg, pendings: make(map[string]*pending)}
}

func (b *Batcher) docPending(docID string) *pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	var p = b.pendings[docID]
	if p == nil {
		p = &pending{}
		b.pendings[docID] = p
	}
	return p
}

// HandleUpdate buffers update for docID, flushing immediately if the
// buffer has reached MaxSize, and otherwise arming a Wait timer for the
// buffer's first write.
func (b *Batcher) HandleUpdate(ctx context.Context, docID string, update []byte) error {
	var p = b.docPending(docID)
	p.mu.Lock()

	p.updates = append(p.updates, update)
	var shouldFlush = len(p.updates) >= b.cfg.MaxSize && b.cfg.MaxSize > 0
	if !shouldFlush && p.timer == nil && b.cfg.Wait > 0 {
		p.timer = time.AfterFunc(b.cfg.Wait, func() { b.flushTimer(docID) })
	}
	p.mu.Unlock()

	if shouldFlush || b.cfg.Wait <= 0 {
		return b.flush(ctx, docID)
	}
	return nil
}

func (b *Batcher) flushTimer(docID string) {
	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.flush(ctx, docID); err != nil {
		log.WithFields(log.Fields{"document": docID, "err": err}).
			Error("batcher: timed flush failed")
	}
}

// flush writes all buffered updates (and any buffered metadata) for
// docID to the underlying Storage, in the order they were received.
func (b *Batcher) flush(ctx context.Context, docID string) error {
	var p = b.docPending(docID)
	p.mu.Lock()
	var updates = p.updates
	var meta = p.meta
	p.updates = nil
	p.meta = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	for _, u := range updates {
		if err := b.next.HandleUpdate(ctx, docID, u); err != nil {
			return errors.WithMessage(err, "batcher: flushing buffered update")
		}
	}
	if meta != nil {
		if err := b.next.WriteDocumentMetadata(ctx, docID, meta); err != nil {
			return errors.WithMessage(err, "batcher: flushing buffered metadata")
		}
	}
	return nil
}

// GetDocument forces a synchronous flush of docID's pending writes, then
// reads through to the underlying Storage, preserving read-your-writes.
func (b *Batcher) GetDocument(ctx context.Context, docID string) (*Document, error) {
	if err := b.flush(ctx, docID); err != nil {
		return nil, err
	}
	return b.next.GetDocument(ctx, docID)
}

func (b *Batcher) HandleSyncStep1(ctx context.Context, docID string, remoteSV []byte) (*Document, error) {
	if err := b.flush(ctx, docID); err != nil {
		return nil, err
	}
	return b.next.HandleSyncStep1(ctx, docID, remoteSV)
}

func (b *Batcher) HandleSyncStep2(ctx context.Context, docID string, update []byte) error {
	return b.HandleUpdate(ctx, docID, update)
}

func (b *Batcher) GetDocumentMetadata(ctx context.Context, docID string) (*Metadata, error) {
	if err := b.flush(ctx, docID); err != nil {
		return nil, err
	}
	return b.next.GetDocumentMetadata(ctx, docID)
}

// WriteDocumentMetadata buffers the metadata write; it's flushed with
// the document's next buffered-update flush, or immediately on a
// subsequent read/delete of the same document.
func (b *Batcher) WriteDocumentMetadata(ctx context.Context, docID string, meta *Metadata) error {
	var p = b.docPending(docID)
	p.mu.Lock()
	p.meta = meta
	p.mu.Unlock()
	return nil
}

func (b *Batcher) DeleteDocument(ctx context.Context, docID string) error {
	if err := b.flush(ctx, docID); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.pendings, docID)
	b.mu.Unlock()
	return b.next.DeleteDocument(ctx, docID)
}

var _ Storage = (*Batcher)(nil)
