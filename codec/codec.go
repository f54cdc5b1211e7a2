// Package codec implements the binary wire framing: each
// frame is varint(length) ⧺ kind-byte ⧺ message-id ⧺ kind-specific body.
// Decoding never allocates the payload body more than once, and encoding
// is deterministic, so that equal Envelopes always produce equal bytes
// (required for ack matching and for Envelope.SetEncoded's cache to be
// safely reused across broadcast fan-out).
//
// The message id is threaded into every frame (not only acks) because
// the document session must learn the sender's id in order to later emit
// an Ack{message.id} back to them.
package codec

import (
	"bufio"
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/pkg/errors"

	"go.teleportal.dev/core/kind"
	"go.teleportal.dev/core/message"
)

const (
	kindDoc byte = iota
	kindAwareness
	kindAck
	kindAuth
	kindFileRPC
	kindMilestoneRPC
)

var kindToByte = map[message.Kind]byte{
	message.KindDoc:          kindDoc,
	message.KindAwareness:    kindAwareness,
	message.KindAck:          kindAck,
	message.KindAuth:         kindAuth,
	message.KindFileRPC:      kindFileRPC,
	message.KindMilestoneRPC: kindMilestoneRPC,
}

var byteToKind = map[byte]message.Kind{
	kindDoc:          message.KindDoc,
	kindAwareness:    message.KindAwareness,
	kindAck:          message.KindAck,
	kindAuth:         message.KindAuth,
	kindFileRPC:      message.KindFileRPC,
	kindMilestoneRPC: message.KindMilestoneRPC,
}

const (
	subkindSyncStep1 byte = iota
	subkindSyncStep2
	subkindUpdate
	subkindSyncDone
	subkindAuthRequest
	subkindAuthFail
)

// ErrMalformed wraps any frame-level decoding failure described by
//: length mismatch, unknown kind, non-UTF8 document id, or an
// oversized subpayload.
var ErrMalformed = kind.New(kind.MalformedFrame, "malformed frame")

// Encode appends the deterministic wire encoding of env to buf and
// returns the extended slice. The result is also cached onto env via
// SetEncoded so repeated broadcast of the same Envelope never re-encodes.
func Encode(env *message.Envelope, buf []byte) ([]byte, error) {
	if cached, ok := env.Encoded(); ok {
		return append(buf, cached...), nil
	}

	var body, err = encodeBody(env)
	if err != nil {
		return nil, err
	}

	var lenBuf [binary.MaxVarintLen64]byte
	var n = binary.PutUvarint(lenBuf[:], uint64(len(body)))

	var start = len(buf)
	buf = append(buf, lenBuf[:n]...)
	buf = append(buf, body...)

	env.SetEncoded(append([]byte(nil), buf[start:]...))
	return buf, nil
}

func encodeBody(env *message.Envelope) ([]byte, error) {
	kb, ok := kindToByte[env.Kind]
	if !ok {
		return nil, errors.WithMessage(ErrMalformed, "unknown kind "+string(env.Kind))
	}

	var body = []byte{kb}
	body = append(body, env.ID[:]...)

	switch env.Kind {
	case message.KindDoc:
		body = appendString(body, env.Document)
		switch p := env.Payload.(type) {
		case message.SyncStep1:
			body = append(body, subkindSyncStep1)
			body = appendBytes(body, p.StateVector)
		case message.SyncStep2:
			body = append(body, subkindSyncStep2)
			body = appendBytes(body, p.Update)
		case message.Update:
			body = append(body, subkindUpdate)
			body = appendBytes(body, p.Update)
		case message.SyncDone:
			body = append(body, subkindSyncDone)
		case message.AuthRequest:
			body = append(body, subkindAuthRequest)
			body = appendString(body, p.Token)
		case message.AuthFail:
			body = append(body, subkindAuthFail)
			body = appendString(body, p.Reason)
		default:
			return nil, errors.WithMessage(ErrMalformed, "unsupported doc payload")
		}
	case message.KindAwareness:
		p, ok := env.Payload.(message.AwarenessUpdate)
		if !ok {
			return nil, errors.WithMessage(ErrMalformed, "unsupported awareness payload")
		}
		body = appendString(body, env.Document)
		body = appendBytes(body, p.Update)
	case message.KindAck:
		p, ok := env.Payload.(message.Ack)
		if !ok {
			return nil, errors.WithMessage(ErrMalformed, "unsupported ack payload")
		}
		body = append(body, p.MessageID[:]...)
	case message.KindAuth:
		switch p := env.Payload.(type) {
		case message.AuthRequest:
			body = append(body, subkindAuthRequest)
			body = appendString(body, p.Token)
		case message.AuthFail:
			body = append(body, subkindAuthFail)
			body = appendString(body, p.Reason)
		default:
			return nil, errors.WithMessage(ErrMalformed, "unsupported auth payload")
		}
	case message.KindFileRPC:
		p, ok := env.Payload.(message.FileRPC)
		if !ok {
			return nil, errors.WithMessage(ErrMalformed, "unsupported file-rpc payload")
		}
		body = appendString(body, env.Document)
		body = appendString(body, p.Method)
		body = appendBytes(body, p.Body)
	case message.KindMilestoneRPC:
		p, ok := env.Payload.(message.MilestoneRPC)
		if !ok {
			return nil, errors.WithMessage(ErrMalformed, "unsupported milestone-rpc payload")
		}
		body = appendString(body, env.Document)
		body = appendString(body, p.Method)
		body = appendBytes(body, p.Body)
	default:
		return nil, errors.WithMessage(ErrMalformed, "unknown kind "+string(env.Kind))
	}
	return body, nil
}

func appendBytes(buf, b []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	var n = binary.PutUvarint(lenBuf[:], uint64(len(b)))
	buf = append(buf, lenBuf[:n]...)
	return append(buf, b...)
}

func appendString(buf []byte, s string) []byte { return appendBytes(buf, []byte(s)) }

// Decode reads exactly one framed Message from r, enforcing maxMessageSize
// against the subpayload bodies as required by (the frame
// length itself is always read so the caller can reject by length before
// this call, per -- see ratelimit.Limiter.CheckSize).
func Decode(r *bufio.Reader, maxMessageSize int) (*message.Envelope, error) {
	var declared, err = binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.WithMessage(ErrMalformed, "reading frame length")
	}
	if maxMessageSize > 0 && declared > uint64(maxMessageSize) {
		return nil, kind.New(kind.SizeExceeded, "frame exceeds max_message_size")
	}

	var lenBuf [binary.MaxVarintLen64]byte
	var n = binary.PutUvarint(lenBuf[:], declared)
	var frame = make([]byte, n+int(declared))
	copy(frame, lenBuf[:n])
	if _, err := io.ReadFull(r, frame[n:]); err != nil {
		return nil, errors.WithMessage(ErrMalformed, "short frame body")
	}

	env, err := decodeBody(frame[n:], maxMessageSize)
	if err != nil {
		return nil, err
	}
	env.SetEncoded(frame)
	return env, nil
}

// DecodeFrame decodes a single complete frame (length-prefix plus body,
// as produced by Encode) held entirely in memory, e.g. a payload handed
// to a pubsub.Handler. It is Decode without the io.Reader plumbing.
func DecodeFrame(b []byte, maxMessageSize int) (*message.Envelope, error) {
	var br = newSliceReader(b)
	var declared, err = br.readUvarint()
	if err != nil {
		return nil, errors.WithMessage(ErrMalformed, "reading frame length")
	}
	if maxMessageSize > 0 && declared > uint64(maxMessageSize) {
		return nil, kind.New(kind.SizeExceeded, "frame exceeds max_message_size")
	}
	if uint64(len(b)-br.pos) < declared {
		return nil, errors.WithMessage(ErrMalformed, "short frame body")
	}
	var end = br.pos + int(declared)
	env, err := decodeBody(b[br.pos:end], maxMessageSize)
	if err != nil {
		return nil, err
	}
	env.SetEncoded(append([]byte(nil), b[:end]...))
	return env, nil
}

func decodeBody(body []byte, maxMessageSize int) (*message.Envelope, error) {
	var br = newSliceReader(body)

	kb, err := br.readByte()
	if err != nil {
		return nil, errors.WithMessage(ErrMalformed, "missing kind byte")
	}
	k, ok := byteToKind[kb]
	if !ok {
		return nil, errors.WithMessage(ErrMalformed, "unknown kind byte")
	}

	var id message.ID
	if err := br.readFixed(id[:]); err != nil {
		return nil, errors.WithMessage(ErrMalformed, "missing message id")
	}

	var env = &message.Envelope{ID: id, Kind: k}

	switch k {
	case message.KindDoc:
		doc, err := br.readString()
		if err != nil {
			return nil, err
		}
		if !utf8.ValidString(doc) {
			return nil, errors.WithMessage(ErrMalformed, "document id is not valid utf8")
		}
		env.Document = doc

		sub, err := br.readByte()
		if err != nil {
			return nil, errors.WithMessage(ErrMalformed, "missing doc subkind")
		}
		switch sub {
		case subkindSyncStep1:
			var b, err = br.readBytes(maxMessageSize)
			if err != nil {
				return nil, err
			}
			env.Payload = message.SyncStep1{StateVector: b}
		case subkindSyncStep2:
			var b, err = br.readBytes(maxMessageSize)
			if err != nil {
				return nil, err
			}
			env.Payload = message.SyncStep2{Update: b}
		case subkindUpdate:
			var b, err = br.readBytes(maxMessageSize)
			if err != nil {
				return nil, err
			}
			env.Payload = message.Update{Update: b}
		case subkindSyncDone:
			env.Payload = message.SyncDone{}
		case subkindAuthRequest:
			var s, err = br.readString()
			if err != nil {
				return nil, err
			}
			env.Payload = message.AuthRequest{Token: s}
		case subkindAuthFail:
			var s, err = br.readString()
			if err != nil {
				return nil, err
			}
			env.Payload = message.AuthFail{Reason: s}
		default:
			return nil, errors.WithMessage(ErrMalformed, "unknown doc subkind")
		}
	case message.KindAwareness:
		doc, err := br.readString()
		if err != nil {
			return nil, err
		}
		if !utf8.ValidString(doc) {
			return nil, errors.WithMessage(ErrMalformed, "document id is not valid utf8")
		}
		env.Document = doc

		b, err := br.readBytes(maxMessageSize)
		if err != nil {
			return nil, err
		}
		env.Payload = message.AwarenessUpdate{Update: b}
	case message.KindAck:
		var ackID message.ID
		if err := br.readFixed(ackID[:]); err != nil {
			return nil, errors.WithMessage(ErrMalformed, "missing ack message id")
		}
		env.Payload = message.Ack{MessageID: ackID}
	case message.KindAuth:
		sub, err := br.readByte()
		if err != nil {
			return nil, errors.WithMessage(ErrMalformed, "missing auth subkind")
		}
		switch sub {
		case subkindAuthRequest:
			s, err := br.readString()
			if err != nil {
				return nil, err
			}
			env.Payload = message.AuthRequest{Token: s}
		case subkindAuthFail:
			s, err := br.readString()
			if err != nil {
				return nil, err
			}
			env.Payload = message.AuthFail{Reason: s}
		default:
			return nil, errors.WithMessage(ErrMalformed, "unknown auth subkind")
		}
	case message.KindFileRPC, message.KindMilestoneRPC:
		doc, err := br.readString()
		if err != nil {
			return nil, err
		}
		method, err := br.readString()
		if err != nil {
			return nil, err
		}
		b, err := br.readBytes(maxMessageSize)
		if err != nil {
			return nil, err
		}
		env.Document = doc
		if k == message.KindFileRPC {
			env.Payload = message.FileRPC{Method: method, Body: b}
		} else {
			env.Payload = message.MilestoneRPC{Method: method, Body: b}
		}
	}

	if !br.atEnd() {
		return nil, errors.WithMessage(ErrMalformed, "trailing bytes in frame")
	}
	return env, nil
}

// sliceReader is a tiny cursor over an already-read frame body, used so
// Decode only ever performs the single io.ReadFull of the declared
// length.
type sliceReader struct {
	b   []byte
	pos int
}

func newSliceReader(b []byte) *sliceReader { return &sliceReader{b: b} }

func (r *sliceReader) atEnd() bool { return r.pos == len(r.b) }

func (r *sliceReader) readByte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, io.ErrUnexpectedEOF
	}
	var v = r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *sliceReader) readFixed(dst []byte) error {
	if len(r.b)-r.pos < len(dst) {
		return io.ErrUnexpectedEOF
	}
	copy(dst, r.b[r.pos:r.pos+len(dst)])
	r.pos += len(dst)
	return nil
}

func (r *sliceReader) readUvarint() (uint64, error) {
	var v, n = binary.Uvarint(r.b[r.pos:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.pos += n
	return v, nil
}

func (r *sliceReader) readBytes(maxMessageSize int) ([]byte, error) {
	var l, err = r.readUvarint()
	if err != nil {
		return nil, errors.WithMessage(ErrMalformed, "reading length prefix")
	}
	if maxMessageSize > 0 && l > uint64(maxMessageSize) {
		return nil, kind.New(kind.SizeExceeded, "subpayload exceeds max_message_size")
	}
	if uint64(len(r.b)-r.pos) < l {
		return nil, errors.WithMessage(ErrMalformed, "short subpayload")
	}
	var out = r.b[r.pos : r.pos+int(l)]
	r.pos += int(l)
	return out, nil
}

func (r *sliceReader) readString() (string, error) {
	var b, err = r.readBytes(0)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
