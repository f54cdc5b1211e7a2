// Command teleportald runs a single synchronization-core node: an
// in-memory Storage, in-memory PubSub, and a rate-limit Store that is
// in-memory unless etcd endpoints are configured, exposing the websocket transport and the health/metrics/status HTTP
// surface. It is a reference composition, not a deployment topology --
// swap the in-memory collaborators for durable ones to run more than
// one node.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"go.teleportal.dev/core/document"
	"go.teleportal.dev/core/message"
	"go.teleportal.dev/core/metrics"
	"go.teleportal.dev/core/pubsub"
	"go.teleportal.dev/core/ratelimit"
	"go.teleportal.dev/core/server"
	"go.teleportal.dev/core/storage"
	"go.teleportal.dev/core/transport"
)

// serverOptions is the "Server" group of's node configuration.
type serverOptions struct {
	Addr           string `long:"addr" env:"TELEPORTAL_ADDR" default:":8787" description:"address to serve websocket and HTTP endpoints on"`
	NodeID         string `long:"node-id" env:"TELEPORTAL_NODE_ID" description:"this node's replication identity; randomly generated if empty"`
	MaxMessageSize int    `long:"max-message-size" env:"TELEPORTAL_MAX_MESSAGE_SIZE" default:"1048576" description:"reject any frame whose declared body exceeds this many bytes"`
}

// rateLimitOptions is the "RateLimit" group of's tunables,
// flattened to a single rule usable from the command line; programmatic
// embedders configure ratelimit.Config directly for multiple rules.
type rateLimitOptions struct {
	MaxMessagesPerWindow int           `long:"rate-limit-max-messages" env:"TELEPORTAL_RATE_LIMIT_MAX_MESSAGES" default:"0" description:"0 disables the default per-user rule"`
	Window               time.Duration `long:"rate-limit-window" env:"TELEPORTAL_RATE_LIMIT_WINDOW" default:"1s" description:"rolling window for the default per-user rule"`
	EtcdEndpoints        []string      `long:"rate-limit-etcd-endpoint" env:"TELEPORTAL_RATE_LIMIT_ETCD_ENDPOINTS" env-delim:"," description:"etcd endpoints sharing rate-limit counters across nodes; omit to keep counters in-process"`
}

// logOptions controls logrus's global configuration, matching the
// teacher's own "Log" option group.
type logOptions struct {
	Level string `long:"log-level" env:"TELEPORTAL_LOG_LEVEL" default:"info" description:"panic, fatal, error, warn, info, debug, or trace"`
}

var opts = new(struct {
	Server    serverOptions    `group:"Server" namespace:"server"`
	RateLimit rateLimitOptions `group:"RateLimit" namespace:"rate-limit"`
	Log       logOptions       `group:"Logging" namespace:"log"`
})

func main() {
	var parser = flags.NewParser(opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WrapError(err).Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithError(err).Fatal("parsing arguments")
	}

	if level, err := log.ParseLevel(opts.Log.Level); err != nil {
		log.WithError(err).Fatal("invalid --log-level")
	} else {
		log.SetLevel(level)
	}

	var nodeID = opts.Server.NodeID
	if nodeID == "" {
		nodeID = message.NewGenerator().Next().String()
	}

	var registry = prometheus.NewRegistry()
	var mets = metrics.New(registry)
	var gen = message.NewGenerator()

	var rlCfg = ratelimit.Config{MaxMessageSize: opts.Server.MaxMessageSize}
	if opts.RateLimit.MaxMessagesPerWindow > 0 {
		rlCfg.Rules = []ratelimit.Rule{{
			ID:          "default-per-user",
			MaxMessages: opts.RateLimit.MaxMessagesPerWindow,
			WindowMs:    opts.RateLimit.Window.Milliseconds(),
			TrackBy:     ratelimit.ByUser,
		}}
	}
	var store ratelimit.Store
	if len(opts.RateLimit.EtcdEndpoints) > 0 {
		etcdClient, err := clientv3.New(clientv3.Config{
			Endpoints:   opts.RateLimit.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			log.WithError(err).Fatal("connecting to etcd")
		}
		store = ratelimit.NewEtcdStore(etcdClient, "/teleportal/rate-limit/")
		log.WithFields(log.Fields{"endpoints": opts.RateLimit.EtcdEndpoints}).Info("sharing rate-limit counters via etcd")
	} else {
		store = ratelimit.NewMemoryStore(time.Minute)
	}
	var limiter = ratelimit.New(rlCfg, store)

	var srv = server.New(server.Config{
		NodeID:      nodeID,
		Storage:     storage.NewMemory(),
		PubSub:      pubsub.NewMemory(),
		RateLimiter: limiter,
		Authorize:   allowAll,
		Registry:    registry,
		DocumentConfig: document.Config{
			NodeID: nodeID,
		},
	}, gen, mets)

	var mux = http.NewServeMux()
	srv.Routes(mux)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWS(w, r, srv, opts.Server.MaxMessageSize)
	})

	var httpSrv = &http.Server{Addr: opts.Server.Addr, Handler: mux}

	go func() {
		log.WithFields(log.Fields{"addr": opts.Server.Addr, "node_id": nodeID}).Info("teleportald listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server")
		}
	}()

	var sig = make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
	srv.Shutdown()
}

// allowAll is the default Authorize hook: this binary is a reference
// composition with no auth backend wired in, so every message is
// admitted. Production deployments supply their own document.Authorize.
func allowAll(ctx map[string]interface{}, env *message.Envelope) (bool, string) {
	return true, ""
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func serveWS(w http.ResponseWriter, r *http.Request, srv *server.Server, maxMessageSize int) {
	var conn, err = upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	var authCtx = map[string]interface{}{
		"user_id": r.URL.Query().Get("user_id"),
	}
	transport.Serve(conn, srv, authCtx, maxMessageSize)
}
