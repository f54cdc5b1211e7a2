// Package client implements the per-connection state machine: a thin
// router that assigns a client id, routes inbound frames to the correct
// document session (opening it lazily), and owns a bounded outbound
// queue with back-pressure and loss policies distinguishing ephemeral
// awareness traffic from durable document traffic.
package client

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.teleportal.dev/core/document"
	"go.teleportal.dev/core/kind"
	"go.teleportal.dev/core/message"
	"go.teleportal.dev/core/ratelimit"
)

// Lifecycle is the client session's state.
type Lifecycle string

const (
	Connecting Lifecycle = "connecting"
	Live       Lifecycle = "live"
	Closing    Lifecycle = "closing"
	Closed     Lifecycle = "closed"
)

// Resolver looks up (lazily opening, if necessary) the document session
// addressed by docID. It is implemented by server.Registry, which
// provides single-flight open semantics: opening the same document id
// concurrently from multiple clients yields exactly one Session.
type Resolver interface {
	Resolve(ctx context.Context, docID string) (*document.Session, error)
}

// OutboundSink delivers an encoded Envelope to the underlying Transport.
// It is the narrow boundary between a client Session and the transport
// adapter of, which this module only consumes.
type OutboundSink interface {
	WriteEnvelope(env *message.Envelope) error
}

// MetricsSink is the subset of metrics.Collectors a client session
// reports into.
type MetricsSink interface {
	IncClientsActive()
	DecClientsActive()
	IncRateLimitExceeded(trackBy string)
	IncError(kind string)
}

// Config parametrizes a Session.
type Config struct {
	ClientID string
	Context  map[string]interface{}
	Resolver  Resolver
	Sink      OutboundSink
	Metrics   MetricsSink
	Generator *message.Generator

	RateLimiter         *ratelimit.Limiter
	OnRateLimitExceeded func(v ratelimit.Violation)
	OnDisconnect        func(reason string)

	// OutboundCapacity bounds the outbound queue.
	OutboundCapacity int
	// HighWatermark is the outbound queue length above which
	// back-pressure (pausing reads) begins.
	HighWatermark int
	// SlowConsumerGrace is how long the queue may remain above
	// HighWatermark before the session disconnects with slow_consumer
	//.
	SlowConsumerGrace time.Duration
	// IdleTimeout disconnects a client cleanly after this much inactivity.
	IdleTimeout time.Duration
}

func (c Config) outboundCapacity() int {
	if c.OutboundCapacity <= 0 {
		return 256
	}
	return c.OutboundCapacity
}

func (c Config) highWatermark() int {
	if c.HighWatermark <= 0 {
		return c.outboundCapacity() * 3 / 4
	}
	return c.HighWatermark
}

func (c Config) slowConsumerGrace() time.Duration {
	if c.SlowConsumerGrace <= 0 {
		return 5 * time.Second
	}
	return c.SlowConsumerGrace
}

// Session is the per-connection coordinator of
type Session struct {
	cfg Config

	mu        sync.Mutex
	lifecycle Lifecycle
	documents map[string]struct{}

	outbound chan *message.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Session in lifecycle Connecting. Call Activate once
// the transport's upgrade/auth handshake has completed.
func New(cfg Config) *Session {
	var s = &Session{
		cfg:       cfg,
		lifecycle: Connecting,
		documents: make(map[string]struct{}),
		outbound:  make(chan *message.Envelope, cfg.outboundCapacity()),
		closed:    make(chan struct{}),
	}
	if cfg.Sink != nil {
		go s.writeLoop()
	}
	return s
}

// writeLoop drains the outbound queue into cfg.Sink. A write error means
// the transport is gone; the session disconnects rather than spin on a
// broken connection.
func (s *Session) writeLoop() {
	for {
		select {
		case env := <-s.outbound:
			if err := s.cfg.Sink.WriteEnvelope(env); err != nil {
				s.Disconnect("transport_error")
				return
			}
		case <-s.closed:
			return
		}
	}
}

// ClientID implements document.Peer.
func (s *Session) ClientID() string { return s.cfg.ClientID }

// Context implements document.Peer.
func (s *Session) Context() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Context
}

// Activate transitions Connecting -> Live.
func (s *Session) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == Connecting {
		s.lifecycle = Live
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IncClientsActive()
		}
	}
}

// Lifecycle returns the session's current state.
func (s *Session) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Send implements document.Peer: it enqueues env onto the outbound
// queue. Awareness Envelopes are lossy by design: if the queue is full,
// the oldest awareness frame is dropped to make room. Doc-kind Envelopes
// are not dropped to make room: on a full queue Send blocks until there
// is room or the session closes, for at most SlowConsumerGrace, after
// which it calls Disconnect("slow_consumer") and discards env.
func (s *Session) Send(env *message.Envelope) {
	select {
	case s.outbound <- env:
		return
	default:
	}
	if env.Kind == message.KindAwareness {
		select {
		case <-s.outbound:
		default:
		}
		select {
		case s.outbound <- env:
		default:
		}
		return
	}
	// Doc-kind message and the queue is full: wait up to the grace
	// period for room, so a transient burst doesn't cost the message,
	// and disconnect the slow consumer if none frees up.
	select {
	case s.outbound <- env:
	case <-time.After(s.cfg.slowConsumerGrace()):
		s.Disconnect("slow_consumer")
	case <-s.closed:
	}
}

// Outbound returns the channel a transport-writing goroutine should
// drain to deliver Envelopes to the connection.
func (s *Session) Outbound() <-chan *message.Envelope { return s.outbound }

// Backlog reports the current outbound queue depth, used by
// WaitForCapacity and by status reporting.
func (s *Session) Backlog() int { return len(s.outbound) }

// WaitForCapacity blocks the caller (the transport read loop) while the
// outbound queue is above its high watermark, implementing the read
// back-pressure of If the queue remains above watermark for
// longer than SlowConsumerGrace, the session disconnects with
// slow_consumer and WaitForCapacity returns that error.
func (s *Session) WaitForCapacity(ctx context.Context) error {
	var watermark = s.cfg.highWatermark()
	if s.Backlog() <= watermark {
		return nil
	}

	var ticker = time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	var deadline = time.Now().Add(s.cfg.slowConsumerGrace())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return kind.New(kind.Internal, "session closed")
		case <-ticker.C:
			if s.Backlog() <= watermark {
				return nil
			}
			if time.Now().After(deadline) {
				s.Disconnect("slow_consumer")
				return kind.New(kind.SlowConsumer, "outbound queue exceeded high watermark")
			}
		}
	}
}

// HandleInbound applies rate limiting and routes env to its addressed
// document session, resolving it lazily via cfg.Resolver. KindAuth
// Envelopes carry no document scope and are instead handled directly by
// handleAuthMessage.
func (s *Session) HandleInbound(ctx context.Context, env *message.Envelope) error {
	if s.cfg.RateLimiter != nil {
		var userID, _ = s.cfg.Context["user_id"].(string)
		violation, err := s.cfg.RateLimiter.Check(ctx, userID, env.Document)
		if err != nil {
			return kind.Wrap(kind.Internal, err, "rate limiter")
		}
		if violation != nil {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.IncRateLimitExceeded(string(ruleTrackBy(violation)))
			}
			if s.cfg.OnRateLimitExceeded != nil {
				s.cfg.OnRateLimitExceeded(*violation)
			}
			s.Disconnect("rate_limited")
			return kind.New(kind.RateLimited, "rule "+violation.Rule+" exceeded for "+violation.ScopeKey)
		}
	}

	if env.Kind == message.KindAuth {
		return s.handleAuthMessage(env)
	}

	if env.Document == "" {
		return kind.New(kind.Internal, "message has no document scope")
	}

	var doc, err = s.cfg.Resolver.Resolve(ctx, env.Document)
	if err != nil {
		return kind.Wrap(kind.Internal, err, "resolving document")
	}

	s.mu.Lock()
	s.documents[env.Document] = struct{}{}
	s.mu.Unlock()

	if err := doc.Subscribe(ctx, s); err != nil {
		return err
	}
	return doc.Receive(ctx, env, s)
}

// ruleTrackBy is a best-effort label extraction from a ScopeKey (which
// is formatted "<track_by>:..." by package ratelimit) for metrics.
func ruleTrackBy(v *ratelimit.Violation) string {
	for i, c := range v.ScopeKey {
		if c == ':' {
			return v.ScopeKey[:i]
		}
	}
	return v.ScopeKey
}

// Disconnect transitions the session to Closed, unsubscribes it from
// every document it had joined (via resolver lookups it has performed),
// and invokes the configured OnDisconnect hook exactly once.
func (s *Session) Disconnect(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		var wasLive = s.lifecycle == Live
		s.lifecycle = Closed
		var docs = make([]string, 0, len(s.documents))
		for d := range s.documents {
			docs = append(docs, d)
		}
		s.mu.Unlock()

		for _, docID := range docs {
			if doc, err := s.cfg.Resolver.Resolve(context.Background(), docID); err == nil {
				doc.Unsubscribe(s)
			}
		}

		close(s.closed)
		if wasLive && s.cfg.Metrics != nil {
			s.cfg.Metrics.DecClientsActive()
		}
		log.WithFields(log.Fields{"client": s.cfg.ClientID, "reason": reason}).Info("client session disconnected")
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(reason)
		}
	})
}

// Done returns a channel closed once the session has disconnected.
func (s *Session) Done() <-chan struct{} { return s.closed }

// handleAuthMessage processes a KindAuth Envelope, which carries no
// document scope: it arrives either on first contact before any
// document has been resolved, or after a document-scoped AuthFail, to
// refresh the credentials carried in this session's Context so that
// subsequent document-scoped Authorize calls see the new token.
func (s *Session) handleAuthMessage(env *message.Envelope) error {
	switch p := env.Payload.(type) {
	case message.AuthRequest:
		s.mu.Lock()
		if s.cfg.Context == nil {
			s.cfg.Context = make(map[string]interface{})
		}
		s.cfg.Context["token"] = p.Token
		s.mu.Unlock()
		s.Send(s.newEnvelope(message.KindAck, "", message.Ack{MessageID: env.ID}))
		return nil
	case message.AuthFail:
		// Only the server side emits AuthFail; tolerate one arriving
		// inbound rather than failing the session over it.
		return nil
	default:
		return kind.New(kind.Internal, "unsupported auth payload")
	}
}

// newEnvelope mints an Envelope for a reply the client session sends on
// its own behalf, outside of any document session's serial queue.
func (s *Session) newEnvelope(k message.Kind, document string, p message.Payload) *message.Envelope {
	if s.cfg.Generator != nil {
		return message.New(s.cfg.Generator, k, document, false, p)
	}
	return &message.Envelope{Kind: k, Document: document, Payload: p}
}
