// Package storage defines the persistence contract consumed by document
// sessions, plus a batching wrapper that buffers writes and an
// in-memory implementation suitable for single-node deployments and
// tests. Concrete drivers (KV, SQL, object store) are out of this
// module's scope; they implement Storage directly.
package storage

import (
	"context"

	"go.teleportal.dev/core/kind"
)

// Document is the merged state returned for a document: its current
// update bytes and the state vector describing what it reflects.
type Document struct {
	Update      []byte
	StateVector []byte
}

// Metadata is the per-document record of
type Metadata struct {
	CreatedAt        int64 // unix nanos
	UpdatedAt        int64
	Encrypted        bool
	MilestoneTriggers []Trigger
}

// TriggerType enumerates the milestone trigger vocabulary ratified in
// SPEC_FULL.md.
type TriggerType string

const (
	TriggerTimeBased    TriggerType = "time-based"
	TriggerUpdateCount  TriggerType = "update-count"
	TriggerEventBased   TriggerType = "event-based"
)

// Event names usable by a TriggerEventBased Trigger.
const (
	EventClientJoin  = "client-join"
	EventClientLeave = "client-leave"
)

// Trigger describes one milestone-snapshot policy. Update-count triggers
// are evaluated after every accepted update, event-based triggers on the
// Event* occurrences below, and time-based triggers by the document
// session's periodic sweep.
type Trigger struct {
	Type TriggerType
	// IntervalNanos is consulted when Type == TriggerTimeBased.
	IntervalNanos int64
	// EveryN is consulted when Type == TriggerUpdateCount.
	EveryN int
	// Event is consulted when Type == TriggerEventBased; one of the
	// Event* constants above.
	Event string
}

// Storage is the persistence collaborator of All operations
// are async (context-cancellable) and return one of the error kinds
// kind.NotFound, kind.Conflict, kind.IOError, kind.Timeout wrapped as a
// *kind.Error of kind.StorageError by callers in package document.
type Storage interface {
	// HandleUpdate appends update to doc_id's history. Idempotent on
	// byte equality is allowed but not required.
	HandleUpdate(ctx context.Context, docID string, update []byte) error
	// GetDocument returns the merged current state of doc_id, or
	// (nil, nil) if the document has no recorded state yet -- an empty
	// document is a legal state.
	GetDocument(ctx context.Context, docID string) (*Document, error)
	// HandleSyncStep1 returns the diff of doc_id's state against
	// remoteSV, plus the server's current state vector.
	HandleSyncStep1(ctx context.Context, docID string, remoteSV []byte) (*Document, error)
	// HandleSyncStep2 applies a client's bulk update; may be a thin
	// wrapper over HandleUpdate.
	HandleSyncStep2(ctx context.Context, docID string, update []byte) error
	GetDocumentMetadata(ctx context.Context, docID string) (*Metadata, error)
	WriteDocumentMetadata(ctx context.Context, docID string, meta *Metadata) error
	DeleteDocument(ctx context.Context, docID string) error
}

// FileStorage is an optional sub-collaborator dispatched to by
// file-rpc messages.
type FileStorage interface {
	HandleFileRPC(ctx context.Context, docID, method string, body []byte) ([]byte, error)
}

// MilestoneStorage is an optional sub-collaborator dispatched to by
// milestone-rpc messages, and invoked by the document session's
// milestone-trigger evaluation to snapshot a merged update.
type MilestoneStorage interface {
	HandleMilestoneRPC(ctx context.Context, docID, method string, body []byte) ([]byte, error)
	// CreateSnapshot records a milestone named name over mergedUpdate,
	// asynchronously with respect to the update path that triggered it
	//.
	CreateSnapshot(ctx context.Context, docID, name string, mergedUpdate []byte) error
}

// Classify maps a driver-reported error into the storage_error sub-kind
// taxonomy: context.DeadlineExceeded is timeout and any other non-nil
// error is io_error. It does not look inside the error, so not_found and
// conflict are never returned.
func Classify(err error) kind.StorageErrorKind {
	if err == nil {
		return ""
	}
	if err == context.DeadlineExceeded {
		return kind.Timeout
	}
	return kind.IOError
}
