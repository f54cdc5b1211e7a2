// Package ratelimit implements a multi-rule request limiter: a list of
// configured rules, each tracked by a scope key derived from (rule,
// user, document), enforced against a pluggable counter store so that
// multi-node deployments can share limiter state.
package ratelimit

import (
	"context"

	"go.teleportal.dev/core/kind"
)

// TrackBy selects how a Rule's scope key is derived.
type TrackBy string

const (
	ByUser         TrackBy = "user"
	ByDocument     TrackBy = "document"
	ByUserDocument TrackBy = "user-document"
)

// Rule is one configured limiter rule.
type Rule struct {
	ID          string
	MaxMessages int
	WindowMs    int64
	TrackBy     TrackBy
}

// Store is the pluggable counter collaborator of: atomic,
// per-key increment-and-read within a sliding window of windowMs. An
// in-memory Store serves a single node; an external Store (backed by
// redis, an etcd lease, or a sidecar) shares counters across nodes.
type Store interface {
	IncrementAndRead(ctx context.Context, key string, windowMs int64) (count int, err error)
}

// Violation describes why a message was rejected by Check.
type Violation struct {
	Rule     string
	ScopeKey string
}

// Limiter enforces a fixed set of Rules and a max message size against
// inbound messages. Limiter itself never disconnects a
// client; callers (the client session) do so on a non-nil Violation or
// size error, per the "enforcing policy" note in
type Limiter struct {
	rules          []Rule
	store          Store
	maxMessageSize int
}

// Config parametrizes a Limiter.
type Config struct {
	Rules          []Rule
	MaxMessageSize int
}

// New returns a Limiter enforcing cfg against store.
func New(cfg Config, store Store) *Limiter {
	return &Limiter{rules: cfg.Rules, store: store, maxMessageSize: cfg.MaxMessageSize}
}

// CheckSize rejects a frame whose declared length exceeds
// max_message_size before the frame body is ever read. It corresponds to codec.Decode's own declared-length
// check; CheckSize exists as a standalone pre-check for transports able
// to learn a frame's declared length ahead of handing bytes to the codec.
func (l *Limiter) CheckSize(declaredLen int) error {
	if l.maxMessageSize > 0 && declaredLen > l.maxMessageSize {
		return kind.New(kind.SizeExceeded, "frame exceeds max_message_size")
	}
	return nil
}

// Check increments every applicable rule's counter for the message
// described by (userID, docID) and returns the first Violation
// encountered, if any. Rules are evaluated in configuration order so
// Violation reporting is deterministic.
func (l *Limiter) Check(ctx context.Context, userID, docID string) (*Violation, error) {
	var first *Violation
	for _, rule := range l.rules {
		var scopeKey, ok = scopeKeyFor(rule, userID, docID)
		if !ok {
			continue
		}
		var key = rule.ID + "|" + scopeKey
		count, err := l.store.IncrementAndRead(ctx, key, rule.WindowMs)
		if err != nil {
			return nil, err
		}
		if count > rule.MaxMessages && first == nil {
			first = &Violation{Rule: rule.ID, ScopeKey: scopeKey}
		}
	}
	return first, nil
}

func scopeKeyFor(rule Rule, userID, docID string) (string, bool) {
	switch rule.TrackBy {
	case ByUser:
		if userID == "" {
			return "", false
		}
		return "user:" + userID, true
	case ByDocument:
		if docID == "" {
			return "", false
		}
		return "document:" + docID, true
	case ByUserDocument:
		if userID == "" || docID == "" {
			return "", false
		}
		return "user-document:" + userID + ":" + docID, true
	default:
		return "", false
	}
}
