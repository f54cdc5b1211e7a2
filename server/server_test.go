package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"go.teleportal.dev/core/client"
	"go.teleportal.dev/core/document"
	"go.teleportal.dev/core/message"
	"go.teleportal.dev/core/metrics"
	"go.teleportal.dev/core/pubsub"
	"go.teleportal.dev/core/storage"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	var reg = prometheus.NewRegistry()
	var mets = metrics.New(reg)
	var gen = message.NewGenerator()
	var cfg = Config{
		NodeID:        "node-a",
		Storage:       storage.NewMemory(),
		PubSub:        pubsub.NewMemory(),
		Registry:      reg,
		SweepInterval: 5 * time.Millisecond,
	}
	return New(cfg, gen, mets)
}

type recordingSink struct {
	envelopes []*message.Envelope
}

func (s *recordingSink) WriteEnvelope(env *message.Envelope) error {
	s.envelopes = append(s.envelopes, env)
	return nil
}

func TestConnectAssignsClientIDAndTracksSession(t *testing.T) {
	var s = testServer(t)
	defer s.Shutdown()

	var sess = s.Connect(nil, &recordingSink{})
	require.NotEmpty(t, sess.ClientID())
	require.Equal(t, 1, s.ClientCount())

	var got, ok = s.Client(sess.ClientID())
	require.True(t, ok)
	require.Same(t, sess, got)
}

func TestDisconnectRemovesClientFromServer(t *testing.T) {
	var s = testServer(t)
	defer s.Shutdown()

	var sess = s.Connect(nil, &recordingSink{})
	sess.Activate()
	sess.Disconnect("client left")

	require.Eventually(t, func() bool {
		return s.ClientCount() == 0
	}, time.Second, time.Millisecond)

	var _, ok = s.Client(sess.ClientID())
	require.False(t, ok)
}

func TestConnectedClientCanOpenADocument(t *testing.T) {
	var s = testServer(t)
	defer s.Shutdown()

	var sink = &recordingSink{}
	var sess = s.Connect(nil, sink)
	sess.Activate()

	var env = message.New(message.NewGenerator(), message.KindDoc, "doc-1", false, message.SyncStep1{})
	require.NoError(t, sess.HandleInbound(context.Background(), env))
	require.Equal(t, 1, s.registry.Count())
}

func TestShutdownDisconnectsClientsAndClosesDocuments(t *testing.T) {
	var s = testServer(t)

	var sess = s.Connect(nil, &recordingSink{})
	sess.Activate()
	var env = message.New(message.NewGenerator(), message.KindDoc, "doc-1", false, message.SyncStep1{})
	require.NoError(t, sess.HandleInbound(context.Background(), env))

	s.Shutdown()

	require.Equal(t, 0, s.ClientCount())
	require.Eventually(t, func() bool {
		var doc, ok = s.registry.Lookup("doc-1")
		return ok && doc.Lifecycle() == document.Closed
	}, time.Second, time.Millisecond)
}

func TestHandleHealthReportsOK(t *testing.T) {
	var s = testServer(t)
	defer s.Shutdown()

	var mux = http.NewServeMux()
	s.Routes(mux)

	var req = httptest.NewRequest(http.MethodGet, "/health", nil)
	var rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleStatusReportsClientAndDocumentCounts(t *testing.T) {
	var s = testServer(t)
	defer s.Shutdown()

	var sess = s.Connect(nil, &recordingSink{})
	sess.Activate()

	var mux = http.NewServeMux()
	s.Routes(mux)

	var req = httptest.NewRequest(http.MethodGet, "/status", nil)
	var rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"clients_active":1`)
	require.Contains(t, rec.Body.String(), `"node_id":"node-a"`)
}

func TestHandleStatusReportsMessageRateLimitAndDocumentSizeBreakdowns(t *testing.T) {
	var s = testServer(t)
	defer s.Shutdown()

	var sink = &recordingSink{}
	var sess = s.Connect(nil, sink)
	sess.Activate()

	var env = message.New(message.NewGenerator(), message.KindDoc, "doc-1", false, message.Update{Update: []byte("hello")})
	require.NoError(t, sess.HandleInbound(context.Background(), env))

	require.Eventually(t, func() bool {
		_, ok := s.registry.Lookup("doc-1")
		return ok
	}, time.Second, time.Millisecond)

	var resp statusResponse
	require.Eventually(t, func() bool {
		var mux = http.NewServeMux()
		s.Routes(mux)
		var req = httptest.NewRequest(http.MethodGet, "/status", nil)
		var rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp.MessagesByKind[string(message.KindDoc)] > 0
	}, time.Second, time.Millisecond)

	require.Greater(t, resp.MessagesByKind[string(message.KindDoc)], float64(0))
	require.Len(t, resp.TopDocumentsBySize, 1)
	require.Equal(t, "doc-1", resp.TopDocumentsBySize[0].ID)
	require.Greater(t, resp.TopDocumentsBySize[0].Bytes, float64(0))
	require.NotNil(t, resp.RateLimitOffendersByTrackBy)
}

func TestSweepLoopRemovesClosedDocumentsPeriodically(t *testing.T) {
	var s = testServer(t)
	defer s.Shutdown()

	var sess = s.Connect(nil, &recordingSink{})
	sess.Activate()
	var env = message.New(message.NewGenerator(), message.KindDoc, "doc-1", false, message.SyncStep1{})
	require.NoError(t, sess.HandleInbound(context.Background(), env))

	var doc, ok = s.registry.Lookup("doc-1")
	require.True(t, ok)
	doc.Shutdown("test teardown")

	require.Eventually(t, func() bool {
		return s.registry.Count() == 0
	}, time.Second, time.Millisecond, "the background sweep loop should drop the closed document on its own")
}

var _ client.OutboundSink = (*recordingSink)(nil)
