// Package message defines the typed envelope and payload variants
// exchanged between the synchronization core and its clients. A Message
// is constructed once, assigned an ID, and from then on treated as
// immutable; its wire encoding is cached so that re-broadcast to many
// subscribers never re-encodes.
package message

// Kind identifies the top-level variant of a Message's payload.
type Kind string

const (
	KindDoc          Kind = "doc"
	KindAwareness    Kind = "awareness"
	KindAck          Kind = "ack"
	KindAuth         Kind = "auth"
	KindFileRPC      Kind = "file-rpc"
	KindMilestoneRPC Kind = "milestone-rpc"
)

// DocSubkind identifies the payload variant carried by a KindDoc Message.
type DocSubkind string

const (
	SubkindSyncStep1   DocSubkind = "sync-step-1"
	SubkindSyncStep2   DocSubkind = "sync-step-2"
	SubkindUpdate      DocSubkind = "update"
	SubkindSyncDone    DocSubkind = "sync-done"
	SubkindAuthRequest DocSubkind = "auth-request"
	SubkindAuthFail    DocSubkind = "auth-fail"
)

// Payload is implemented by every concrete payload variant. It exists
// purely as a marker so that Message.Payload has a narrower type than
// interface{} while still letting the codec package perform the type
// switch that picks an encoding.
type Payload interface{ payload() }

// SyncStep1 carries the sender's state vector, requesting a diff.
type SyncStep1 struct{ StateVector []byte }

// SyncStep2 carries an update representing the diff of a prior SyncStep1.
type SyncStep2 struct{ Update []byte }

// Update carries an incremental CRDT update to be merged and broadcast.
type Update struct{ Update []byte }

// SyncDone marks the remote as caught up; it carries no data.
type SyncDone struct{}

// AuthRequest carries a bearer token presented on first contact for a
// document, or in response to an auth-fail.
type AuthRequest struct{ Token string }

// AuthFail explains why an AuthRequest (or an unauthenticated message)
// was rejected.
type AuthFail struct{ Reason string }

// AwarenessUpdate carries ephemeral presence/cursor state, never
// persisted.
type AwarenessUpdate struct{ Update []byte }

// Ack acknowledges durable receipt of the Message identified by MessageID.
type Ack struct{ MessageID ID }

// FileRPC and MilestoneRPC carry an opaque, sub-collaborator-defined
// request/response body; the core dispatches by Kind alone and does not
// interpret Body.
type FileRPC struct {
	Method string
	Body   []byte
}

type MilestoneRPC struct {
	Method string
	Body   []byte
}

func (SyncStep1) payload()       {}
func (SyncStep2) payload()       {}
func (Update) payload()          {}
func (SyncDone) payload()        {}
func (AuthRequest) payload()     {}
func (AuthFail) payload()        {}
func (AwarenessUpdate) payload() {}
func (Ack) payload()             {}
func (FileRPC) payload()         {}
func (MilestoneRPC) payload()    {}

// Envelope wraps a Message's Payload with routing metadata.
type Envelope struct {
	ID  ID
	Kind
	// Document is the document id this Message is scoped to. It is empty
	// for KindAuth Envelopes presented at connection scope, before any
	// document has been resolved (or to refresh credentials without
	// reopening one); an AuthRequest re-authenticating against an
	// already-open document still carries its Document id.
	Document string
	// Encrypted records whether the sender asserts this Message's
	// Payload is ciphertext, for the document-level encryption
	// consistency check of point 1.
	Encrypted bool
	// Context carries auth/tenant/trace information during local
	// routing only; it is never part of the wire encoding.
	Context map[string]interface{}
	Payload Payload

	encoded []byte // cached wire encoding, set by codec.Encode.
}

// Equal compares two Envelopes by ID alone.
func (e *Envelope) Equal(o *Envelope) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.ID == o.ID
}

// Encoded returns the cached wire encoding of e, if codec.Encode has
// already been called for it; ok is false otherwise.
func (e *Envelope) Encoded() (b []byte, ok bool) {
	return e.encoded, e.encoded != nil
}

// SetEncoded caches the wire encoding produced by codec.Encode, so
// repeated broadcast of the same Envelope to many subscribers never
// re-encodes.
func (e *Envelope) SetEncoded(b []byte) { e.encoded = b }

// New constructs an Envelope with a freshly assigned ID.
func New(gen *Generator, kind Kind, document string, encrypted bool, payload Payload) *Envelope {
	return &Envelope{
		ID:        gen.Next(),
		Kind:      kind,
		Document:  document,
		Encrypted: encrypted,
		Payload:   payload,
	}
}
