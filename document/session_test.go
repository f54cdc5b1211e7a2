package document

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.teleportal.dev/core/message"
	"go.teleportal.dev/core/pubsub"
	"go.teleportal.dev/core/storage"
)

type fakePeer struct {
	id  string
	ctx map[string]interface{}

	mu  sync.Mutex
	got []*message.Envelope
}

func newFakePeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ClientID() string                  { return p.id }
func (p *fakePeer) Context() map[string]interface{}   { return p.ctx }
func (p *fakePeer) Send(env *message.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, env)
}

func (p *fakePeer) received() []*message.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Envelope(nil), p.got...)
}

func (p *fakePeer) payloadKinds() []interface{} {
	var out []interface{}
	for _, e := range p.received() {
		out = append(out, e.Payload)
	}
	return out
}

func newTestConfig(store storage.Storage) Config {
	return Config{
		Storage:     store,
		PubSub:      pubsub.NewMemory(),
		Generator:   message.NewGenerator(),
		GracePeriod: 20 * time.Millisecond,
		DrainTimeout: 200 * time.Millisecond,
	}
}

func TestSubscribeSendsInitialSyncStep1(t *testing.T) {
	var sess = New("doc-1", newTestConfig(storage.NewMemory()))
	defer sess.Shutdown("test cleanup")
	var peer = newFakePeer("peer-1")

	require.NoError(t, sess.Subscribe(context.Background(), peer))
	require.Equal(t, Ready, sess.Lifecycle())

	var kinds = peer.payloadKinds()
	require.Len(t, kinds, 1)
	require.IsType(t, message.SyncStep1{}, kinds[0])
}

func TestUpdateIsPersistedAckedAndBroadcastExcludingSender(t *testing.T) {
	var mem = storage.NewMemory()
	var sess = New("doc-1", newTestConfig(mem))
	defer sess.Shutdown("test cleanup")

	var sender = newFakePeer("sender")
	var other = newFakePeer("other")
	require.NoError(t, sess.Subscribe(context.Background(), sender))
	require.NoError(t, sess.Subscribe(context.Background(), other))

	var env = message.New(message.NewGenerator(), message.KindDoc, "doc-1", false, message.Update{Update: []byte("patch")})
	require.NoError(t, sess.Receive(context.Background(), env, sender))

	doc, err := mem.GetDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("patch"), doc.Update)

	var senderKinds = sender.payloadKinds()
	var sawAck bool
	for _, k := range senderKinds {
		if _, ok := k.(message.Ack); ok {
			sawAck = true
		}
	}
	require.True(t, sawAck, "the sender must receive an Ack for its own update")

	var sawUpdateOnSender bool
	for _, e := range sender.received() {
		if e.ID == env.ID {
			sawUpdateOnSender = true
		}
	}
	require.False(t, sawUpdateOnSender, "the sender must not receive its own update back (no self-echo)")

	var sawUpdateOnOther bool
	for _, e := range other.received() {
		if e.ID == env.ID {
			sawUpdateOnOther = true
		}
	}
	require.True(t, sawUpdateOnOther, "other subscribers must receive the broadcast update")
}

func TestUpdateReportsDocumentSizeToMetrics(t *testing.T) {
	var mem = storage.NewMemory()
	var cfg = newTestConfig(mem)
	var mets = newFakeMetricsSink()
	cfg.Metrics = mets
	var sess = New("doc-1", cfg)
	defer sess.Shutdown("test cleanup")

	var peer = newFakePeer("peer-1")
	require.NoError(t, sess.Subscribe(context.Background(), peer))

	var gen = message.NewGenerator()
	require.NoError(t, sess.Receive(context.Background(), message.New(gen, message.KindDoc, "doc-1", false, message.Update{Update: []byte("patch")}), peer))

	require.Equal(t, float64(len("patch")), mets.documentSize("doc-1"))

	require.NoError(t, sess.Receive(context.Background(), message.New(gen, message.KindDoc, "doc-1", false, message.Update{Update: []byte("more")}), peer))
	require.Equal(t, float64(len("patch")+len("more")), mets.documentSize("doc-1"))
}

func TestEncryptionMismatchIsRejected(t *testing.T) {
	var sess = New("doc-1", newTestConfig(storage.NewMemory()))
	defer sess.Shutdown("test cleanup")
	var peer = newFakePeer("peer-1")
	require.NoError(t, sess.Subscribe(context.Background(), peer))

	var gen = message.NewGenerator()
	var first = message.New(gen, message.KindDoc, "doc-1", false, message.Update{Update: []byte("a")})
	require.NoError(t, sess.Receive(context.Background(), first, peer))

	var mismatched = message.New(gen, message.KindDoc, "doc-1", true, message.Update{Update: []byte("b")})
	var err = sess.Receive(context.Background(), mismatched, peer)
	require.Error(t, err)
}

func TestAuthorizeDenialBlocksMessage(t *testing.T) {
	var cfg = newTestConfig(storage.NewMemory())
	cfg.Authorize = func(ctx map[string]interface{}, env *message.Envelope) (bool, string) {
		return false, "no_access"
	}
	var sess = New("doc-1", cfg)
	defer sess.Shutdown("test cleanup")
	var peer = newFakePeer("peer-1")
	require.NoError(t, sess.Subscribe(context.Background(), peer))

	var env = message.New(message.NewGenerator(), message.KindDoc, "doc-1", false, message.Update{Update: []byte("a")})
	var err = sess.Receive(context.Background(), env, peer)
	require.Error(t, err)

	var kinds = peer.payloadKinds()
	var sawAuthFail bool
	for _, k := range kinds {
		if f, ok := k.(message.AuthFail); ok {
			sawAuthFail = true
			require.Equal(t, "no_access", f.Reason)
		}
	}
	require.True(t, sawAuthFail)
}

func TestAuthRequestAfterAuthFailIsAcked(t *testing.T) {
	var cfg = newTestConfig(storage.NewMemory())
	var authorized bool
	cfg.Authorize = func(ctx map[string]interface{}, env *message.Envelope) (bool, string) {
		if req, ok := env.Payload.(message.AuthRequest); ok {
			authorized = req.Token == "good-token"
			return authorized, "bad_token"
		}
		return authorized, "bad_token"
	}
	var sess = New("doc-1", cfg)
	defer sess.Shutdown("test cleanup")
	var peer = newFakePeer("peer-1")
	require.NoError(t, sess.Subscribe(context.Background(), peer))

	var gen = message.NewGenerator()
	var update = message.New(gen, message.KindDoc, "doc-1", false, message.Update{Update: []byte("a")})
	require.Error(t, sess.Receive(context.Background(), update, peer))

	var authReq = message.New(gen, message.KindAuth, "doc-1", false, message.AuthRequest{Token: "good-token"})
	require.NoError(t, sess.Receive(context.Background(), authReq, peer))

	var sawAck bool
	for _, e := range peer.received() {
		if ack, ok := e.Payload.(message.Ack); ok && ack.MessageID == authReq.ID {
			sawAck = true
		}
	}
	require.True(t, sawAck, "a successful re-auth must be acked back to the peer")
}

func TestAwarenessIsNeverPersisted(t *testing.T) {
	var mem = storage.NewMemory()
	var sess = New("doc-1", newTestConfig(mem))
	defer sess.Shutdown("test cleanup")
	var peer = newFakePeer("peer-1")
	require.NoError(t, sess.Subscribe(context.Background(), peer))

	var env = message.New(message.NewGenerator(), message.KindAwareness, "doc-1", false, message.AwarenessUpdate{Update: []byte("cursor")})
	require.NoError(t, sess.Receive(context.Background(), env, peer))

	doc, err := mem.GetDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Nil(t, doc, "awareness updates must never be persisted")
}

func TestReceiveReplicatedSkipsPersistenceAndRepublish(t *testing.T) {
	var mem = storage.NewMemory()
	var ps = pubsub.NewMemory()
	var cfg = newTestConfig(mem)
	cfg.PubSub = ps
	cfg.NodeID = "node-a"
	var sess = New("doc-1", cfg)
	defer sess.Shutdown("test cleanup")

	var peer = newFakePeer("peer-1")
	require.NoError(t, sess.Subscribe(context.Background(), peer))

	var published int
	ps.Subscribe(pubsub.DocumentTopic("doc-1"), func(payload []byte, source string) { published++ })

	var env = message.New(message.NewGenerator(), message.KindDoc, "doc-1", false, message.Update{Update: []byte("x")})
	require.NoError(t, sess.ReceiveReplicated(context.Background(), env, "node-b"))

	doc, err := mem.GetDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Nil(t, doc, "a replicated update must not be persisted again by the receiving node")
	require.Equal(t, 0, published, "a replicated update must not be re-published")

	var sawUpdate bool
	for _, e := range peer.received() {
		if e.ID == env.ID {
			sawUpdate = true
		}
	}
	require.True(t, sawUpdate, "local subscribers still see a replicated update delivered to them")
}

func TestUpdateCountMilestoneTrigger(t *testing.T) {
	var mem = storage.NewMemory()
	require.NoError(t, mem.WriteDocumentMetadata(context.Background(), "doc-1", &storage.Metadata{
		MilestoneTriggers: []storage.Trigger{{Type: storage.TriggerUpdateCount, EveryN: 2}},
	}))

	var snaps = newFakeMilestoneStore()
	var cfg = newTestConfig(mem)
	cfg.MilestoneStorage = snaps
	var sess = New("doc-1", cfg)
	defer sess.Shutdown("test cleanup")

	var peer = newFakePeer("peer-1")
	require.NoError(t, sess.Subscribe(context.Background(), peer))

	var gen = message.NewGenerator()
	require.NoError(t, sess.Receive(context.Background(), message.New(gen, message.KindDoc, "doc-1", false, message.Update{Update: []byte("a")}), peer))
	require.NoError(t, sess.Receive(context.Background(), message.New(gen, message.KindDoc, "doc-1", false, message.Update{Update: []byte("b")}), peer))

	require.Eventually(t, func() bool {
		return snaps.count() == 1
	}, time.Second, time.Millisecond, "every-2nd update should trigger exactly one snapshot")
}

func TestTimeBasedMilestoneTriggerFiresOnSweep(t *testing.T) {
	var mem = storage.NewMemory()
	require.NoError(t, mem.WriteDocumentMetadata(context.Background(), "doc-1", &storage.Metadata{
		MilestoneTriggers: []storage.Trigger{{Type: storage.TriggerTimeBased, IntervalNanos: int64(time.Millisecond)}},
	}))

	var snaps = newFakeMilestoneStore()
	var cfg = newTestConfig(mem)
	cfg.MilestoneStorage = snaps
	var sess = New("doc-1", cfg)
	defer sess.Shutdown("test cleanup")

	var peer = newFakePeer("peer-1")
	require.NoError(t, sess.Subscribe(context.Background(), peer))

	require.Eventually(t, func() bool {
		return snaps.count() >= 1
	}, 3*time.Second, 10*time.Millisecond, "a time-based trigger must fire once the periodic sweep observes it")
}

func TestEventBasedMilestoneTriggerFiresOnJoin(t *testing.T) {
	var mem = storage.NewMemory()
	require.NoError(t, mem.WriteDocumentMetadata(context.Background(), "doc-1", &storage.Metadata{
		MilestoneTriggers: []storage.Trigger{{Type: storage.TriggerEventBased, Event: storage.EventClientJoin}},
	}))

	var snaps = newFakeMilestoneStore()
	var cfg = newTestConfig(mem)
	cfg.MilestoneStorage = snaps
	var sess = New("doc-1", cfg)
	defer sess.Shutdown("test cleanup")

	var peer = newFakePeer("peer-1")
	require.NoError(t, sess.Subscribe(context.Background(), peer))

	require.Eventually(t, func() bool {
		return snaps.count() == 1
	}, time.Second, time.Millisecond)
}

func TestSessionTeardownAfterLastSubscriberLeaves(t *testing.T) {
	var cfg = newTestConfig(storage.NewMemory())
	cfg.GracePeriod = 10 * time.Millisecond
	cfg.DrainTimeout = 200 * time.Millisecond
	var sess = New("doc-1", cfg)
	defer sess.Shutdown("test cleanup")

	var peer = newFakePeer("peer-1")
	require.NoError(t, sess.Subscribe(context.Background(), peer))
	require.Equal(t, Ready, sess.Lifecycle())

	sess.Unsubscribe(peer)

	require.Eventually(t, func() bool {
		return sess.Lifecycle() == Closed
	}, time.Second, time.Millisecond)
}

func TestResubscribeBeforeGracePeriodElapsesCancelsTeardown(t *testing.T) {
	var cfg = newTestConfig(storage.NewMemory())
	cfg.GracePeriod = 100 * time.Millisecond
	var sess = New("doc-1", cfg)
	defer sess.Shutdown("test cleanup")

	var peer = newFakePeer("peer-1")
	require.NoError(t, sess.Subscribe(context.Background(), peer))
	sess.Unsubscribe(peer)

	require.NoError(t, sess.Subscribe(context.Background(), peer))

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, Ready, sess.Lifecycle(), "a resubscribe before the grace period elapsed must cancel teardown")
}

func TestShutdownForciblyTearsDownRegardlessOfSubscribers(t *testing.T) {
	var cfg = newTestConfig(storage.NewMemory())
	cfg.DrainTimeout = 200 * time.Millisecond
	var sess = New("doc-1", cfg)
	defer sess.Shutdown("test cleanup")

	var peer = newFakePeer("peer-1")
	require.NoError(t, sess.Subscribe(context.Background(), peer))

	sess.Shutdown("server_shutdown")

	require.Eventually(t, func() bool {
		return sess.Lifecycle() == Closed
	}, time.Second, time.Millisecond)
}

type fakeMilestoneStore struct {
	mu        sync.Mutex
	snapshots int
}

func newFakeMilestoneStore() *fakeMilestoneStore { return &fakeMilestoneStore{} }

func (f *fakeMilestoneStore) HandleMilestoneRPC(ctx context.Context, docID, method string, body []byte) ([]byte, error) {
	return nil, nil
}

func (f *fakeMilestoneStore) CreateSnapshot(ctx context.Context, docID, name string, mergedUpdate []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	return nil
}

func (f *fakeMilestoneStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

// fakeMetricsSink records the last document size reported, the only
// MetricsSink signal session_test.go currently needs to assert on.
type fakeMetricsSink struct {
	mu       sync.Mutex
	docSizes map[string]float64
}

func newFakeMetricsSink() *fakeMetricsSink { return &fakeMetricsSink{docSizes: make(map[string]float64)} }

func (f *fakeMetricsSink) IncDocumentsOpened()                                 {}
func (f *fakeMetricsSink) IncMessage(kind string)                              {}
func (f *fakeMetricsSink) ObserveMessageDuration(kind string, d time.Duration) {}
func (f *fakeMetricsSink) IncStorageOp(op, result string)                      {}
func (f *fakeMetricsSink) ObserveStorageOpDuration(op string, d time.Duration) {}
func (f *fakeMetricsSink) IncError(kind string)                               {}
func (f *fakeMetricsSink) SetSessionsActive(n float64)                        {}
func (f *fakeMetricsSink) SetDocumentSize(id string, bytes float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docSizes[id] = bytes
}

func (f *fakeMetricsSink) documentSize(id string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docSizes[id]
}
