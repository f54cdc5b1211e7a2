package message

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
)

// ID is a 128-bit value uniquely identifying a Message within a node's
// lifetime. It's derived once at construction and never
// recomputed; downstream equality (message.Envelope.Equal) compares ID
// alone, which is also what ack-matching and de-duplication key off of.
type ID [16]byte

// String renders the ID as lower-case hex, the form ParseID accepts. On
// the wire (including ack payloads) the ID is carried as its raw 16 bytes.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the zero value, used by callers that
// treat an absent ID as "not yet assigned".
func (id ID) IsZero() bool { return id == ID{} }

// Generator produces unique IDs for Messages emitted by this node. It
// combines a per-node identity (the high 8 bytes) with a monotonically
// increasing counter (the low 8 bytes), so IDs are unique within this
// node's lifetime without coordination, and sortable by emission order
// per-node -- the counter+node-id construction calls out as an
// acceptable alternative to a purely random ID.
type Generator struct {
	node    [8]byte
	counter uint64
}

// NewGenerator returns a Generator seeded with a random node identity.
// Construct one Generator per server process and share it across all
// sessions on that node.
func NewGenerator() *Generator {
	var g = &Generator{}
	if _, err := rand.Read(g.node[:]); err != nil {
		// crypto/rand failing is a catastrophic host condition; fall back
		// to a fixed, clearly-non-random node id rather than panic, since
		// uniqueness within a single node's lifetime is still preserved
		// by the counter.
		copy(g.node[:], []byte("fallback"))
	}
	return g
}

// Next returns the next unique ID from this Generator.
func (g *Generator) Next() ID {
	var n = atomic.AddUint64(&g.counter, 1)
	var id ID
	copy(id[:8], g.node[:])
	binary.BigEndian.PutUint64(id[8:], n)
	return id
}

// ParseID parses the hex form written by ID.String, as used by
// observability endpoints that accept a message id as a query parameter.
func ParseID(s string) (ID, error) {
	var id ID
	var b, err = hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, errShortID
	}
	copy(id[:], b)
	return id, nil
}

var errShortID = errHexLength{}

type errHexLength struct{}

func (errHexLength) Error() string { return "message: decoded id has wrong length" }
