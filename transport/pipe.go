package transport

import (
	"context"

	"go.teleportal.dev/core/client"
	"go.teleportal.dev/core/codec"
	"go.teleportal.dev/core/message"
	"go.teleportal.dev/core/server"
)

// Pipe is an in-process Transport: messages sent by the harness are
// delivered as if over a wire (through Encode/DecodeFrame, so codec bugs
// show up in tests that only use Pipe), and every Envelope the server
// sends back is collected for the test to inspect. It exists for
// integration tests that want the full client/server path without a
// real network connection.
type Pipe struct {
	sess *client.Session
	out  chan *message.Envelope
}

type pipeSink struct{ out chan *message.Envelope }

func (s pipeSink) WriteEnvelope(env *message.Envelope) error {
	s.out <- env
	return nil
}

// Connect admits a new Pipe-backed client session on srv.
func Connect(srv *server.Server, authCtx map[string]interface{}) *Pipe {
	var out = make(chan *message.Envelope, 256)
	var sess = srv.Connect(authCtx, pipeSink{out: out})
	sess.Activate()
	return &Pipe{sess: sess, out: out}
}

// Send round-trips env through the wire codec and delivers it to the
// server as an inbound message, the same path a real transport's read
// loop would take.
func (p *Pipe) Send(ctx context.Context, env *message.Envelope) error {
	var buf, err = codec.Encode(env, nil)
	if err != nil {
		return err
	}
	decoded, err := codec.DecodeFrame(buf, 0)
	if err != nil {
		return err
	}
	return p.sess.HandleInbound(ctx, decoded)
}

// Recv returns the channel of Envelopes the server has sent to this
// Pipe's client session.
func (p *Pipe) Recv() <-chan *message.Envelope { return p.out }

// ClientID returns the assigned client id.
func (p *Pipe) ClientID() string { return p.sess.ClientID() }

// Close disconnects the underlying client session.
func (p *Pipe) Close() { p.sess.Disconnect("test_closed") }
