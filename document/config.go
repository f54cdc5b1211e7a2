package document

import (
	"context"
	"time"

	"go.teleportal.dev/core/message"
	"go.teleportal.dev/core/pubsub"
	"go.teleportal.dev/core/storage"
)

// Peer is the document session's view of a connected client session: it
// can be addressed by id and handed Envelopes to deliver, and it
// publishes the auth/tenant Context captured at connect time so the
// Authorize hook can consult it. Document sessions hold only this
// narrow interface on a client -- never a pointer back into the
// client session's full state.
type Peer interface {
	ClientID() string
	Context() map[string]interface{}
	// Send hands env to the peer's outbound queue. Send must not block
	// the document session's serial queue; a slow or closed peer is the
	// client session's concern, not the
	// document's.
	Send(env *message.Envelope)
}

// Authorize is the authorization hook of, invoked for every
// inbound non-control message. Implementations must be non-blocking or
// fast, since it runs inline on the document's serial queue.
type Authorize func(ctx map[string]interface{}, env *message.Envelope) (allow bool, denyReason string)

// MetricsSink is the subset of metrics.Collectors a document session
// reports into.
type MetricsSink interface {
	IncDocumentsOpened()
	IncMessage(kind string)
	ObserveMessageDuration(kind string, d time.Duration)
	IncStorageOp(op, result string)
	ObserveStorageOpDuration(op string, d time.Duration)
	IncError(kind string)
	SetSessionsActive(n float64)
	SetDocumentSize(id string, bytes float64)
}

// Config parametrizes a Session's collaborators and tunables.
type Config struct {
	Storage          storage.Storage
	PubSub           pubsub.PubSub
	Authorize        Authorize
	FileStorage      storage.FileStorage
	MilestoneStorage storage.MilestoneStorage
	Generator        *message.Generator
	Metrics          MetricsSink
	NodeID           string

	// StorageTimeout bounds every storage call.
	StorageTimeout time.Duration
	// DrainTimeout bounds how long teardown waits for pending storage
	// operations before proceeding anyway.
	DrainTimeout time.Duration
	// GracePeriod is how long a document session with zero subscribers
	// lingers before tearing down.
	GracePeriod time.Duration
}

func (c Config) storageTimeout() time.Duration {
	if c.StorageTimeout <= 0 {
		return 10 * time.Second
	}
	return c.StorageTimeout
}

func (c Config) drainTimeout() time.Duration {
	if c.DrainTimeout <= 0 {
		return 10 * time.Second
	}
	return c.DrainTimeout
}

func (c Config) gracePeriod() time.Duration {
	if c.GracePeriod <= 0 {
		return 2 * time.Second
	}
	return c.GracePeriod
}

// withTimeout derives a bounded Context from parent using cfg's storage
// timeout, for use around a single Storage call.
func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
