package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"go.teleportal.dev/core/client"
	"go.teleportal.dev/core/document"
	"go.teleportal.dev/core/internal/task"
	"go.teleportal.dev/core/message"
	"go.teleportal.dev/core/metrics"
	"go.teleportal.dev/core/pubsub"
	"go.teleportal.dev/core/ratelimit"
	"go.teleportal.dev/core/replication"
	"go.teleportal.dev/core/storage"
)

// Config wires every collaborator a node needs. Exactly one
// Config is constructed per process and shared across every document and
// client session it opens.
type Config struct {
	NodeID string

	Storage          storage.Storage
	FileStorage      storage.FileStorage
	MilestoneStorage storage.MilestoneStorage
	PubSub           pubsub.PubSub
	RateLimiter      *ratelimit.Limiter
	Authorize        document.Authorize
	Registry         *prometheus.Registry

	DocumentConfig document.Config
	ClientConfig   client.Config

	// SweepInterval governs how often the document registry drops closed
	// sessions (default 30s).
	SweepInterval time.Duration
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepInterval <= 0 {
		return 30 * time.Second
	}
	return c.SweepInterval
}

// Server is a running node: the document registry, the set
// of live client sessions, and the HTTP surface exposing health, metrics
// and status.
type Server struct {
	cfg         Config
	metrics     *metrics.Collectors
	health      *metrics.Health
	generator   *message.Generator
	registry    *Registry
	replication *replication.Adapter
	startedAt   time.Time
	tasks       *task.Group

	mu      sync.Mutex
	clients map[string]*client.Session
}

// New constructs a Server. gen is the shared message.Generator used to
// mint both Envelope ids and client ids; mets is the process's
// prometheus.Collectors, already registered against cfg.Registry. When
// cfg.PubSub is non-nil, every opened document is automatically joined
// to the replication adapter's cross-node fan-out.
func New(cfg Config, gen *message.Generator, mets *metrics.Collectors) *Server {
	var s = &Server{
		cfg:       cfg,
		metrics:   mets,
		generator: gen,
		clients:   make(map[string]*client.Session),
		startedAt: time.Now(),
		tasks:     task.NewGroup(context.Background()),
	}
	s.registry = NewRegistry(s.documentConfig, mets, s.onDocumentOpened)
	if cfg.PubSub != nil {
		s.replication = replication.New(cfg.PubSub, s.registry, cfg.NodeID)
	}
	s.health = metrics.NewHealth(
		metrics.Check{Name: "storage", Ping: s.pingStorage},
	)
	s.tasks.Queue("registry-sweep", s.sweepLoop)
	return s
}

func (s *Server) onDocumentOpened(docID string) {
	if s.replication != nil {
		s.replication.Join(docID)
	}
}

func (s *Server) documentConfig(docID string) document.Config {
	var cfg = s.cfg.DocumentConfig
	cfg.Storage = s.cfg.Storage
	cfg.FileStorage = s.cfg.FileStorage
	cfg.MilestoneStorage = s.cfg.MilestoneStorage
	cfg.PubSub = s.cfg.PubSub
	cfg.Authorize = s.cfg.Authorize
	cfg.Generator = s.generator
	cfg.Metrics = s.metrics
	cfg.NodeID = s.cfg.NodeID
	return cfg
}

func (s *Server) pingStorage(ctx context.Context) error {
	var _, err = s.cfg.Storage.GetDocumentMetadata(ctx, "__health__")
	return err
}

func (s *Server) sweepLoop() error {
	var ticker = time.NewTicker(s.cfg.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.registry.Sweep()
		case <-s.tasks.Context().Done():
			return nil
		}
	}
}

// Connect admits a new connection, assigning it a client id and
// returning its client.Session. authCtx is whatever the transport's
// upgrade/auth hook captured; sink delivers outbound
// Envelopes to the transport. The caller must call Activate once the
// handshake is complete and then drain Session.Outbound() into the
// transport.
func (s *Server) Connect(authCtx map[string]interface{}, sink client.OutboundSink) *client.Session {
	var clientID = s.generator.Next().String()
	var cc = s.cfg.ClientConfig
	cc.ClientID = clientID
	cc.Context = authCtx
	cc.Resolver = s.registry
	cc.Sink = sink
	cc.RateLimiter = s.cfg.RateLimiter
	cc.Metrics = s.metrics
	cc.Generator = s.generator
	cc.OnDisconnect = func(reason string) { s.removeClient(clientID) }

	var sess = client.New(cc)

	s.mu.Lock()
	s.clients[clientID] = sess
	s.mu.Unlock()

	log.WithFields(log.Fields{"client": clientID}).Info("client connected")
	return sess
}

func (s *Server) removeClient(clientID string) {
	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
}

// Client returns the live client.Session for id, if any.
func (s *Server) Client(id string) (*client.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c, ok = s.clients[id]
	return c, ok
}

// ClientCount returns the number of currently connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// RateLimiter returns the node's configured rate limiter, or nil if
// none was configured; transports use this to enforce CheckSize ahead
// of decoding a frame's body.
func (s *Server) RateLimiter() *ratelimit.Limiter { return s.cfg.RateLimiter }

// Metrics returns the node's metrics.Collectors, for transports that
// need to report measurements (such as a size-limit violation) outside
// of any client or document session.
func (s *Server) Metrics() *metrics.Collectors { return s.metrics }

// Shutdown disconnects every client, tears down every document session,
// and waits for background tasks (the registry sweep) to exit, for
// graceful process exit.
func (s *Server) Shutdown() {
	s.tasks.Cancel()
	s.mu.Lock()
	var all = make([]*client.Session, 0, len(s.clients))
	for _, c := range s.clients {
		all = append(all, c)
	}
	s.mu.Unlock()
	for _, c := range all {
		c.Disconnect("server_shutdown")
	}
	s.registry.ShutdownAll("server_shutdown")
	if err := s.tasks.Wait(); err != nil {
		log.WithError(err).Warn("server background task exited with error")
	}
}

// statusResponse is the JSON body served by GET /status.
type statusResponse struct {
	NodeID        string `json:"node_id"`
	ClientsActive int    `json:"clients_active"`
	DocumentsOpen int    `json:"documents_open"`
	UptimeMs      int64  `json:"uptime_ms"`

	// MessagesByKind is messages_total broken down by kind label.
	MessagesByKind map[string]float64 `json:"messages_by_kind"`
	// RateLimitOffendersByTrackBy is rate_limit_exceeded_total broken
	// down by track_by label (the only dimension it's labeled on --
	// the violating user/document identity itself is never attached
	// as a label to avoid unbounded cardinality).
	RateLimitOffendersByTrackBy map[string]float64 `json:"rate_limit_offenders_by_track_by"`
	// TopDocumentsBySize is the largest open documents by merged
	// update size, capped at statusTopDocuments entries.
	TopDocumentsBySize []documentSizeStat `json:"top_documents_by_size"`
}

type documentSizeStat struct {
	ID    string  `json:"id"`
	Bytes float64 `json:"bytes"`
}

// statusTopDocuments bounds how many documents handleStatus reports by
// size, so a node with many open documents doesn't inflate the
// response unboundedly.
const statusTopDocuments = 10

// gatherMetricByLabel sums every Counter or Gauge sample of the metric
// family named name, grouped by the value of its label named label.
// It returns an empty map rather than erroring if reg is nil or the
// family isn't present, since /status must degrade gracefully rather
// than fail the whole response over a metrics-introspection hiccup.
func gatherMetricByLabel(reg *prometheus.Registry, name, label string) map[string]float64 {
	var out = make(map[string]float64)
	if reg == nil {
		return out
	}
	families, err := reg.Gather()
	if err != nil {
		return out
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			out[labelValue(m, label)] += metricValue(m)
		}
	}
	return out
}

func labelValue(m *dto.Metric, label string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == label {
			return lp.GetValue()
		}
	}
	return ""
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	default:
		return 0
	}
}

// topDocumentsBySize sorts sizes descending by byte count and returns
// at most statusTopDocuments entries.
func topDocumentsBySize(sizes map[string]float64) []documentSizeStat {
	var out = make([]documentSizeStat, 0, len(sizes))
	for id, bytes := range sizes {
		out = append(out, documentSizeStat{ID: id, Bytes: bytes})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > statusTopDocuments {
		out = out[:statusTopDocuments]
	}
	return out
}

// Routes registers the node's HTTP surface onto mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler(s.cfg.Registry))
	mux.HandleFunc("/status", s.handleStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var report = s.health.Run(r.Context(), time.Now().UnixMilli(), time.Since(s.startedAt).Milliseconds())
	w.Header().Set("Content-Type", "application/json")
	if report.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.WithError(err).Warn("encoding health report")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp = statusResponse{
		NodeID:                      s.cfg.NodeID,
		ClientsActive:               s.ClientCount(),
		DocumentsOpen:               s.registry.Count(),
		UptimeMs:                    time.Since(s.startedAt).Milliseconds(),
		MessagesByKind:              gatherMetricByLabel(s.cfg.Registry, "messages_total", "kind"),
		RateLimitOffendersByTrackBy: gatherMetricByLabel(s.cfg.Registry, "rate_limit_exceeded_total", "track_by"),
		TopDocumentsBySize:          topDocumentsBySize(gatherMetricByLabel(s.cfg.Registry, "document_size_bytes", "id")),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithError(err).Warn("encoding status response")
	}
}
