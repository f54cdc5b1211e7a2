// Package document implements the per-document coordinator: the heart
// of the synchronization core. A Session serializes all handling for
// one document through a single actor goroutine (its "serial queue"),
// loads and persists state through a Storage, and fans updates out to
// local subscribers and, via PubSub, to peers on other nodes.
package document

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"go.teleportal.dev/core/kind"
	"go.teleportal.dev/core/message"
	"go.teleportal.dev/core/pubsub"
	"go.teleportal.dev/core/storage"
)

// Lifecycle is the document session's state.
type Lifecycle string

const (
	Opening  Lifecycle = "opening"
	Ready    Lifecycle = "ready"
	Draining Lifecycle = "draining"
	Closed   Lifecycle = "closed"
)

// origin distinguishes a locally-received message from one delivered by
// the replication adapter via PubSub.
type origin int

const (
	originLocal origin = iota
	originReplicated
)

// Session is the per-document coordinator. Exactly one Session exists
// per document id per node (enforced by server.Registry's single-flight
// open); callers reach it only through Subscribe / Unsubscribe /
// Receive / Shutdown.
type Session struct {
	id  string
	cfg Config

	inbox chan func()
	done  chan struct{}

	// Fields below are owned exclusively by the actor goroutine run by
	// Session.loop; they are never touched from any other goroutine,
	// which is what lets the serial queue be the sole ordering
	// mechanism.
	lifecycle      Lifecycle
	encrypted      bool
	sawFirstMsg    bool
	subscribers    map[string]Peer
	synced         map[string]bool
	localSV          []byte
	pendingWrites    int
	updateCount      int
	lastTimeSnapshot map[int64]int64 // keyed by Trigger.IntervalNanos, value unix nanos
}

// New constructs a Session for docID in lifecycle Opening. The caller
// (server.Registry) must invoke Subscribe before the session is useful,
// and is responsible for running the session until Shutdown.
func New(docID string, cfg Config) *Session {
	var s = &Session{
		id:          docID,
		cfg:         cfg,
		inbox:       make(chan func(), 64),
		done:        make(chan struct{}),
		lifecycle:   Opening,
		subscribers: make(map[string]Peer),
		synced:      make(map[string]bool),
	}
	go s.loop()
	go s.timeBasedSweep()
	return s
}

// timeBasedSweep periodically checks time-based milestone triggers,
// which (unlike update-count and event-based triggers) have no inbound
// message to piggyback the check on.
func (s *Session) timeBasedSweep() {
	var ticker = time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.call(s.checkTimeBasedTriggers)
		case <-s.done:
			return
		}
	}
}

func (s *Session) checkTimeBasedTriggers() {
	if s.lifecycle != Ready || s.cfg.MilestoneStorage == nil {
		return
	}
	meta, err := s.cfg.Storage.GetDocumentMetadata(context.Background(), s.id)
	if err != nil || meta == nil {
		return
	}
	var now = time.Now().UnixNano()
	for _, t := range meta.MilestoneTriggers {
		if t.Type != storage.TriggerTimeBased || t.IntervalNanos <= 0 {
			continue
		}
		if s.lastTimeSnapshot == nil {
			s.lastTimeSnapshot = make(map[int64]int64)
		}
		if now-s.lastTimeSnapshot[t.IntervalNanos] >= t.IntervalNanos {
			s.lastTimeSnapshot[t.IntervalNanos] = now
			s.snapshotAsync(t)
		}
	}
}

// ID returns the document id this Session serves.
func (s *Session) ID() string { return s.id }

// loop is the session's serial queue: the single goroutine which ever
// touches s's unexported state.
func (s *Session) loop() {
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.done:
			// Drain any already-enqueued commands so callers blocked in
			// call() observe a response rather than hanging, then exit.
			for {
				select {
				case fn := <-s.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// call enqueues fn onto the serial queue and blocks until it has run (or
// the Session has closed). This is how every public method below
// achieves "at most one handler runs at a time" without holding a lock
// across any suspension point outside the queue itself.
func (s *Session) call(fn func()) {
	var done = make(chan struct{})
	select {
	case s.inbox <- func() { fn(); close(done) }:
	case <-s.done:
		return
	}
	select {
	case <-done:
	case <-s.done:
	}
}

// Lifecycle returns the session's current lifecycle state.
func (s *Session) Lifecycle() (lc Lifecycle) {
	lc = Closed
	s.call(func() { lc = s.lifecycle })
	return
}

// Subscribe adds client as a subscriber. On the very first subscribe,
// the session loads current state from Storage and transitions
// Opening -> Ready. Every newly subscribing client -- first
// or not -- is sent a server-initiated sync-step-1 so it can begin its
// own sync handshake; the protocol is symmetric, so a client unable to
// act on it simply ignores it.
func (s *Session) Subscribe(ctx context.Context, client Peer) error {
	var retErr error
	s.call(func() {
		if s.lifecycle == Closed {
			retErr = errClosed
			return
		}
		if s.lifecycle == Draining {
			// Re-entry after teardown began requires a fresh session;
			// the caller (server.Registry) is responsible for opening a
			// new one.
			retErr = errDraining
			return
		}
		if s.lifecycle == Opening {
			if err := s.open(ctx); err != nil {
				retErr = err
				return
			}
			s.lifecycle = Ready
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.IncDocumentsOpened()
			}
		}
		var firstSubscriber = len(s.subscribers) == 0
		var _, already = s.subscribers[client.ClientID()]
		s.subscribers[client.ClientID()] = client
		if !already {
			s.emitLocked(client, message.SyncStep1{StateVector: append([]byte(nil), s.localSV...)})
		}
		if firstSubscriber {
			s.evaluateMilestoneTriggers(ctx, storage.EventClientJoin)
		}
	})
	return retErr
}

func (s *Session) open(ctx context.Context) error {
	var opCtx, cancel = withTimeout(ctx, s.cfg.storageTimeout())
	defer cancel()

	var started = time.Now()
	doc, err := s.cfg.Storage.GetDocument(opCtx, s.id)
	s.reportStorageOp("getDocument", err, started)
	if err != nil {
		return kind.Wrap(kind.StorageError, err, "loading document")
	}
	if doc != nil {
		s.localSV = doc.StateVector
	}

	meta, err := s.cfg.Storage.GetDocumentMetadata(opCtx, s.id)
	if err == nil && meta != nil {
		s.encrypted = meta.Encrypted
		s.sawFirstMsg = true
	}
	return nil
}

// Unsubscribe removes client. When the last subscriber leaves, the
// session begins its grace interval and, absent a new subscriber by the
// time it elapses, enters Draining then Closed.
func (s *Session) Unsubscribe(client Peer) {
	s.call(func() {
		if _, ok := s.subscribers[client.ClientID()]; !ok {
			return
		}
		delete(s.subscribers, client.ClientID())
		delete(s.synced, client.ClientID())
		s.evaluateMilestoneTriggers(context.Background(), storage.EventClientLeave)
		if len(s.subscribers) == 0 {
			go s.scheduleTeardown(s.cfg.gracePeriod())
		}
	})
}

func (s *Session) scheduleTeardown(after time.Duration) {
	var timer = time.NewTimer(after)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.done:
		return
	}
	s.call(func() {
		if len(s.subscribers) != 0 || s.lifecycle != Ready {
			return // a new subscriber arrived, or we're already tearing down.
		}
		s.beginDrain()
	})
}

func (s *Session) beginDrain() {
	s.lifecycle = Draining
	go func() {
		var deadline = time.Now().Add(s.cfg.drainTimeout())
		for {
			var pending int
			s.call(func() { pending = s.pendingWrites })
			if pending == 0 || time.Now().After(deadline) {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		s.call(func() {
			s.lifecycle = Closed
		})
		close(s.done)
	}()
}

// Shutdown forcibly tears the session down, regardless of subscriber
// count, e.g. on server shutdown.
func (s *Session) Shutdown(reason string) {
	s.call(func() {
		if s.lifecycle == Closed || s.lifecycle == Draining {
			return
		}
		log.WithFields(log.Fields{"document": s.id, "reason": reason}).Info("shutting down document session")
		s.beginDrain()
	})
}

// Receive handles an inbound Envelope from a locally-connected client
//.
func (s *Session) Receive(ctx context.Context, env *message.Envelope, from Peer) error {
	return s.receive(ctx, env, from, originLocal, "")
}

// ReceiveReplicated handles an inbound Envelope delivered by the
// replication adapter from another node's publish to this document's
// topic. Persistence and re-publication are skipped, since the
// originating node already did both before publishing.
func (s *Session) ReceiveReplicated(ctx context.Context, env *message.Envelope, sourceID string) error {
	return s.receive(ctx, env, nil, originReplicated, sourceID)
}

func (s *Session) receive(ctx context.Context, env *message.Envelope, from Peer, o origin, sourceID string) error {
	var retErr error
	var started = time.Now()
	s.call(func() {
		retErr = s.handle(ctx, env, from, o, sourceID)
	})
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncMessage(string(env.Kind))
		s.cfg.Metrics.ObserveMessageDuration(string(env.Kind), time.Since(started))
		if retErr != nil {
			if k, ok := kind.Of(retErr); ok {
				s.cfg.Metrics.IncError(string(k))
			}
		}
	}
	return retErr
}

// handle runs entirely on the serial queue.
func (s *Session) handle(ctx context.Context, env *message.Envelope, from Peer, o origin, sourceID string) error {
	if s.lifecycle == Closed || s.lifecycle == Draining {
		return errClosed
	}

	// 1. Encryption consistency.
	if !s.sawFirstMsg {
		s.sawFirstMsg = true
		s.encrypted = env.Encrypted
	} else if env.Encrypted != s.encrypted {
		if from != nil {
			s.emitLocked(from, message.AuthFail{Reason: "encryption_mismatch"})
		}
		return kind.New(kind.EncryptionMismatch, "message encryption does not match document")
	}

	// 2. Authorization. Replicated messages already
	// passed authorization on their origin node.
	if o == originLocal && s.cfg.Authorize != nil {
		var ctxMap map[string]interface{}
		if from != nil {
			ctxMap = from.Context()
		}
		if allow, reason := s.cfg.Authorize(ctxMap, env); !allow {
			if from != nil {
				s.emitLocked(from, message.AuthFail{Reason: reason})
			}
			return kind.New(kind.Unauthorized, "authorization denied: "+reason)
		}
	}

	// 3. Payload handling.
	switch p := env.Payload.(type) {
	case message.SyncStep1:
		return s.onSyncStep1(ctx, env, from, p)
	case message.SyncStep2:
		return s.onUpdate(ctx, env, from, o, sourceID, p.Update)
	case message.Update:
		return s.onUpdate(ctx, env, from, o, sourceID, p.Update)
	case message.SyncDone:
		if from != nil {
			s.synced[from.ClientID()] = true
		}
		return nil
	case message.AwarenessUpdate:
		return s.onAwareness(env, from, o, sourceID)
	case message.FileRPC:
		return s.onFileRPC(ctx, env, from, p)
	case message.MilestoneRPC:
		return s.onMilestoneRPC(ctx, env, from, p)
	case message.AuthRequest:
		// Reaching here means step 2 already accepted p (Authorize, when
		// configured, inspects env.Payload directly), so an AuthRequest
		// scoped to this document is a successful re-auth after a prior
		// AuthFail: acknowledge it so the peer can resume sending.
		if from != nil {
			s.emitLocked(from, message.Ack{MessageID: env.ID})
		}
		return nil
	case message.AuthFail:
		// A peer only ever receives AuthFail, never sends it; tolerate one
		// arriving inbound rather than erroring the session.
		return nil
	default:
		return kind.New(kind.Internal, "unhandled payload type")
	}
}

func (s *Session) onSyncStep1(ctx context.Context, env *message.Envelope, from Peer, p message.SyncStep1) error {
	var opCtx, cancel = withTimeout(ctx, s.cfg.storageTimeout())
	defer cancel()

	var started = time.Now()
	doc, err := s.cfg.Storage.HandleSyncStep1(opCtx, s.id, p.StateVector)
	s.reportStorageOp("handleSyncStep1", err, started)
	if err != nil {
		return kind.Wrap(kind.StorageError, err, "computing sync diff")
	}
	var diff []byte
	if doc != nil {
		s.localSV = doc.StateVector
		diff = doc.Update
	}
	if from == nil {
		return nil
	}
	s.emitLocked(from, message.SyncStep2{Update: diff})
	s.emitLocked(from, message.SyncDone{})
	return nil
}

// onUpdate implements's sync-step-2 / update handling: persist,
// then (a) ack the sender, (b) broadcast locally excluding the sender,
// (c) publish for other nodes -- unless this Envelope arrived already
// replicated, in which case persistence and re-publication are skipped.
func (s *Session) onUpdate(ctx context.Context, env *message.Envelope, from Peer, o origin, sourceID string, update []byte) error {
	if o == originLocal {
		s.pendingWrites++
		defer func() { s.pendingWrites-- }()

		var opCtx, cancel = withTimeout(ctx, s.cfg.storageTimeout())
		defer cancel()

		var started = time.Now()
		var err error
		if _, isStep2 := env.Payload.(message.SyncStep2); isStep2 {
			err = s.cfg.Storage.HandleSyncStep2(opCtx, s.id, update)
		} else {
			err = s.cfg.Storage.HandleUpdate(opCtx, s.id, update)
		}
		s.reportStorageOp("handleUpdate", err, started)
		if err != nil {
			// Durability failed: the update is NOT acked. The client's
			// own reliability layer is expected to retry.
			return kind.Wrap(kind.StorageError, err, "persisting update")
		}

		s.updateCount++
		s.evaluateMilestoneTriggers(ctx, "")
		s.reportDocumentSize()

		if from != nil {
			s.emitLocked(from, message.Ack{MessageID: env.ID})
		}
	}

	// Broadcast to every OTHER local subscriber; the sender of a replicated message has no local Peer.
	for id, sub := range s.subscribers {
		if from != nil && id == from.ClientID() {
			continue
		}
		sub.Send(env)
	}

	if o == originLocal && s.cfg.PubSub != nil {
		if encoded, ok := env.Encoded(); ok {
			s.cfg.PubSub.Publish(pubsub.DocumentTopic(s.id), encoded, s.cfg.NodeID)
		}
	}
	return nil
}

// onAwareness implements's awareness handling: never
// persisted, broadcast locally and published, excluding the sender.
func (s *Session) onAwareness(env *message.Envelope, from Peer, o origin, sourceID string) error {
	for id, sub := range s.subscribers {
		if from != nil && id == from.ClientID() {
			continue
		}
		sub.Send(env)
	}
	if o == originLocal && s.cfg.PubSub != nil {
		if encoded, ok := env.Encoded(); ok {
			s.cfg.PubSub.Publish(pubsub.DocumentTopic(s.id), encoded, s.cfg.NodeID)
		}
	}
	return nil
}

func (s *Session) onFileRPC(ctx context.Context, env *message.Envelope, from Peer, p message.FileRPC) error {
	if s.cfg.FileStorage == nil {
		return kind.New(kind.Internal, "no file storage configured")
	}
	var opCtx, cancel = withTimeout(ctx, s.cfg.storageTimeout())
	defer cancel()

	resp, err := s.cfg.FileStorage.HandleFileRPC(opCtx, s.id, p.Method, p.Body)
	if err != nil {
		return kind.Wrap(kind.StorageError, err, "file-rpc")
	}
	if from != nil {
		s.emitLocked(from, message.FileRPC{Method: p.Method, Body: resp})
	}
	return nil
}

func (s *Session) onMilestoneRPC(ctx context.Context, env *message.Envelope, from Peer, p message.MilestoneRPC) error {
	if s.cfg.MilestoneStorage == nil {
		return kind.New(kind.Internal, "no milestone storage configured")
	}
	var opCtx, cancel = withTimeout(ctx, s.cfg.storageTimeout())
	defer cancel()

	resp, err := s.cfg.MilestoneStorage.HandleMilestoneRPC(opCtx, s.id, p.Method, p.Body)
	if err != nil {
		return kind.Wrap(kind.StorageError, err, "milestone-rpc")
	}
	if from != nil {
		s.emitLocked(from, message.MilestoneRPC{Method: p.Method, Body: resp})
	}
	return nil
}

// evaluateMilestoneTriggers runs synchronously with the event that may
// cause a trigger to fire (an accepted update, or a subscriber join/leave)
// so the decision to snapshot is made in-order, but dispatches the actual
// snapshot asynchronously, so it never blocks the caller. event is one of storage.EventClientJoin/
// EventClientLeave when called from Subscribe/Unsubscribe, or "" when
// called after an accepted update.
func (s *Session) evaluateMilestoneTriggers(ctx context.Context, event string) {
	if s.cfg.MilestoneStorage == nil {
		return
	}
	meta, err := s.cfg.Storage.GetDocumentMetadata(ctx, s.id)
	if err != nil || meta == nil {
		return
	}
	for _, t := range meta.MilestoneTriggers {
		var fire bool
		switch t.Type {
		case storage.TriggerUpdateCount:
			fire = event == "" && t.EveryN > 0 && s.updateCount%t.EveryN == 0
		case storage.TriggerEventBased:
			fire = event != "" && t.Event == event
		case storage.TriggerTimeBased:
			continue // handled by timeBasedSweep, not inline with update/join/leave.
		}
		if fire {
			s.snapshotAsync(t)
		}
	}
}

func (s *Session) snapshotAsync(t storage.Trigger) {
	var docID = s.id
	var ms = s.cfg.MilestoneStorage
	var store = s.cfg.Storage
	go func() {
		var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		doc, err := store.GetDocument(ctx, docID)
		if err != nil {
			return
		}
		var update []byte
		if doc != nil {
			update = doc.Update
		}
		if err := ms.CreateSnapshot(ctx, docID, string(t.Type), update); err != nil {
			log.WithFields(log.Fields{"document": docID, "trigger": t.Type, "err": err}).
				Warn("milestone snapshot failed")
		}
	}()
}

// emitLocked sends a freshly-constructed Envelope to a single peer. It
// must only be called from within the serial queue.
func (s *Session) emitLocked(to Peer, payload message.Payload) {
	var env = message.New(s.cfg.Generator, kindOf(payload), s.id, s.encrypted, payload)
	to.Send(env)
}

func kindOf(p message.Payload) message.Kind {
	switch p.(type) {
	case message.SyncStep1, message.SyncStep2, message.Update, message.SyncDone:
		return message.KindDoc
	case message.AuthFail, message.AuthRequest:
		return message.KindDoc
	case message.Ack:
		return message.KindAck
	case message.AwarenessUpdate:
		return message.KindAwareness
	case message.FileRPC:
		return message.KindFileRPC
	case message.MilestoneRPC:
		return message.KindMilestoneRPC
	default:
		return message.KindDoc
	}
}

func (s *Session) reportStorageOp(op string, err error, started time.Time) {
	if s.cfg.Metrics == nil {
		return
	}
	var result = "ok"
	if err != nil {
		result = "error"
	}
	s.cfg.Metrics.IncStorageOp(op, result)
	s.cfg.Metrics.ObserveStorageOpDuration(op, time.Since(started))
}

// sizer is implemented by Storage drivers that can cheaply report a
// document's current merged size (storage.Memory does, by tracking its
// append length in-process); drivers that can't are simply skipped by
// reportDocumentSize rather than forced to implement it.
type sizer interface {
	Size(docID string) int
}

// reportDocumentSize updates the document_size_bytes gauge after a
// successful update, when cfg.Storage supports sizer.
func (s *Session) reportDocumentSize() {
	if s.cfg.Metrics == nil {
		return
	}
	if sz, ok := s.cfg.Storage.(sizer); ok {
		s.cfg.Metrics.SetDocumentSize(s.id, float64(sz.Size(s.id)))
	}
}

var (
	errClosed   = kind.New(kind.Internal, "document session is closed")
	errDraining = kind.New(kind.Internal, "document session is draining")
)
