// Package transport provides reference Transport adapters wiring
// client.Session to an actual wire: a websocket adapter for
// real connections, and an in-process pipe for tests and same-process
// composition. Neither is consumed by the document/client/server core
// itself -- the core depends only on client.OutboundSink and codec -- so
// alternate transports (raw TCP, QUIC) are a matter of implementing the
// same two methods.
package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"go.teleportal.dev/core/codec"
	"go.teleportal.dev/core/message"
	"go.teleportal.dev/core/server"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxFrameOnWire = 16 << 20 // hard ceiling independent of ratelimit.Limiter's configured max_message_size.
)

// wsSink adapts a *websocket.Conn to client.OutboundSink. Data frames are
// written only from the client session's writeLoop, per gorilla/websocket's
// single-writer requirement; pingLoop sends pings with WriteControl, which
// gorilla/websocket allows concurrently with that writer.
type wsSink struct {
	conn *websocket.Conn
}

func (w wsSink) WriteEnvelope(env *message.Envelope) error {
	var buf, err = codec.Encode(env, nil)
	if err != nil {
		return err
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.BinaryMessage, buf)
}

// Serve drives one websocket connection end to end: it admits the
// connection via srv.Connect, then runs the read loop in the calling
// goroutine (blocking until the connection closes) while a separate
// goroutine drives pings and detects a write-side failure via wsSink.
// authCtx is whatever the caller's HTTP upgrade handler captured (bearer
// token validation, tenant lookup, ...) before calling Serve. conn is
// closed when Serve returns.
func Serve(conn *websocket.Conn, srv *server.Server, authCtx map[string]interface{}, maxMessageSize int) {
	defer conn.Close()
	var sink = wsSink{conn: conn}
	var sess = srv.Connect(authCtx, sink)
	sess.Activate()
	defer sess.Disconnect("transport_closed")

	conn.SetReadLimit(maxFrameOnWire)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go pingLoop(conn, sess.Done())

	for {
		if err := sess.WaitForCapacity(context.Background()); err != nil {
			return
		}
		var _, body, err = conn.ReadMessage()
		if err != nil {
			return
		}
		if limiter := srv.RateLimiter(); limiter != nil {
			if err := limiter.CheckSize(len(body)); err != nil {
				if mets := srv.Metrics(); mets != nil {
					mets.IncRateLimitExceeded("size")
				}
				log.WithFields(log.Fields{"client": sess.ClientID(), "size": len(body)}).Warn("transport: frame exceeds max_message_size")
				sess.Disconnect("message_too_large")
				return
			}
		}
		env, err := codec.DecodeFrame(body, maxMessageSize)
		if err != nil {
			log.WithFields(log.Fields{"client": sess.ClientID(), "err": err}).Warn("transport: malformed frame")
			sess.Disconnect("malformed_frame")
			return
		}
		if err := sess.HandleInbound(context.Background(), env); err != nil {
			log.WithFields(log.Fields{"client": sess.ClientID(), "err": err}).Debug("transport: inbound message rejected")
		}
	}
}

func pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	var ticker = time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
