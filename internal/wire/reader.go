package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
)

var (
	// ErrPayloadTooLarge is returned when a message (compressed on the wire or
	// after inflation) exceeds the configured maximum payload.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrMalformedFrame covers every RFC 6455 framing violation: unmasked
	// client frames, reserved opcodes, unexpected continuation, bad UTF-8 in
	// text messages, undecodable deflate data.
	ErrMalformedFrame = errors.New("malformed frame")

	errInvalidUTF8 = fmt.Errorf("%w: invalid utf-8 in text message", ErrMalformedFrame)
)

// EventKind identifies what the reader produced.
type EventKind uint8

const (
	EventMessage EventKind = iota + 1
	EventPing
	EventPong
	EventClose
)

// Event is one unit handed from the socket to the session: either a complete
// (reassembled, inflated) data message or a control frame.
type Event struct {
	Kind EventKind

	// Data message or ping/pong payload.
	Payload []byte
	Binary  bool

	// Wire size of the message including every fragment's payload.
	WireSize int

	// Close frames only.
	CloseCode   ws.StatusCode
	CloseReason string
}

// Reader decodes client frames from a stream.
// Not safe for concurrent use; each connection owns one reader goroutine.
type Reader struct {
	src         io.Reader
	maxPayload  int64
	compression bool

	// Fragment assembly state.
	fragmenting bool
	fragBinary  bool
	fragDeflate bool
	buf         bytes.Buffer
}

// NewReader creates a reader enforcing maxPayload on every message.
// compression reports whether permessage-deflate was negotiated; without it
// any RSV bit is a protocol violation.
func NewReader(src io.Reader, maxPayload int64, compression bool) *Reader {
	return &Reader{
		src:         src,
		maxPayload:  maxPayload,
		compression: compression,
	}
}

func (r *Reader) state() ws.State {
	s := ws.StateServerSide
	if r.compression {
		s = s.Set(ws.StateExtended)
	}
	if r.fragmenting {
		s = s.Set(ws.StateFragmented)
	}
	return s
}

// Next blocks until a full message or a control frame is available.
//
// Control frames interleaved with a fragmented message are returned as they
// arrive; the partially assembled message is kept for the next call.
// io.EOF and network errors are returned unwrapped.
func (r *Reader) Next() (Event, error) {
	for {
		h, err := ws.ReadHeader(r.src)
		if err != nil {
			if errors.Is(err, ws.ErrHeaderLengthMSB) || errors.Is(err, ws.ErrHeaderLengthUnexpected) {
				return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			return Event{}, err
		}

		if err := ws.CheckHeader(h, r.state()); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}

		if h.OpCode.IsControl() {
			if h.Rsv != 0 {
				return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, wsflate.ErrUnexpectedCompressionBit)
			}
			payload, err := r.readPayload(h)
			if err != nil {
				return Event{}, err
			}
			return controlEvent(h, payload)
		}

		// Data frame. Only the first fragment may carry RSV1.
		if h.OpCode == ws.OpContinuation {
			if h.Rsv != 0 {
				return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, wsflate.ErrUnexpectedCompressionBit)
			}
		} else {
			if h.Rsv2() || h.Rsv3() {
				return Event{}, fmt.Errorf("%w: unsupported rsv bits", ErrMalformedFrame)
			}
			r.fragBinary = h.OpCode == ws.OpBinary
			r.fragDeflate = h.Rsv1()
			r.buf.Reset()
		}

		if size := int64(r.buf.Len()) + h.Length; r.maxPayload > 0 && size > r.maxPayload {
			r.reset()
			return Event{}, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrPayloadTooLarge, size, r.maxPayload)
		}

		payload, err := r.readPayload(h)
		if err != nil {
			return Event{}, err
		}
		r.buf.Write(payload)

		if !h.Fin {
			r.fragmenting = true
			continue
		}

		ev, err := r.finishMessage()
		r.reset()
		return ev, err
	}
}

func (r *Reader) readPayload(h ws.Header) ([]byte, error) {
	if h.Length == 0 {
		return nil, nil
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r.src, payload); err != nil {
		return nil, err
	}
	if h.Masked {
		ws.Cipher(payload, h.Mask, 0)
	}
	return payload, nil
}

func (r *Reader) finishMessage() (Event, error) {
	raw := r.buf.Bytes()
	ev := Event{
		Kind:     EventMessage,
		Binary:   r.fragBinary,
		WireSize: len(raw),
	}

	payload := append([]byte(nil), raw...)
	if r.fragDeflate {
		inflated, err := inflate(payload, r.maxPayload)
		if err != nil {
			return Event{}, err
		}
		payload = inflated
	}

	if !ev.Binary && !utf8.Valid(payload) {
		return Event{}, errInvalidUTF8
	}

	ev.Payload = payload
	return ev, nil
}

func (r *Reader) reset() {
	r.fragmenting = false
	r.fragBinary = false
	r.fragDeflate = false
	r.buf.Reset()
}

func controlEvent(h ws.Header, payload []byte) (Event, error) {
	switch h.OpCode {
	case ws.OpPing:
		return Event{Kind: EventPing, Payload: payload, WireSize: len(payload)}, nil
	case ws.OpPong:
		return Event{Kind: EventPong, Payload: payload, WireSize: len(payload)}, nil
	case ws.OpClose:
		if len(payload) == 0 {
			return Event{Kind: EventClose, CloseCode: ws.StatusNoStatusRcvd}, nil
		}
		if len(payload) == 1 {
			return Event{}, fmt.Errorf("%w: close payload of one byte", ErrMalformedFrame)
		}
		code, reason := ws.ParseCloseFrameData(payload)
		if err := ws.CheckCloseFrameData(code, reason); err != nil {
			if errors.Is(err, ws.ErrProtocolInvalidUTF8) {
				return Event{}, errInvalidUTF8
			}
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return Event{Kind: EventClose, CloseCode: code, CloseReason: reason, WireSize: len(payload)}, nil
	default:
		return Event{}, fmt.Errorf("%w: unexpected opcode %v", ErrMalformedFrame, h.OpCode)
	}
}

// limitedBuffer refuses writes past max so a small deflated message cannot
// inflate into an unbounded allocation. The buffer is a named field so
// io.Copy cannot bypass Write through bytes.Buffer.ReadFrom.
type limitedBuffer struct {
	buf bytes.Buffer
	max int64
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.max > 0 && int64(b.buf.Len()+len(p)) > b.max {
		return 0, ErrPayloadTooLarge
	}
	return b.buf.Write(p)
}

func inflate(p []byte, max int64) ([]byte, error) {
	out := &limitedBuffer{max: max}
	if err := wsflate.DefaultHelper.DecompressTo(out, p); err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			return nil, fmt.Errorf("%w: inflated message exceeds limit %d", ErrPayloadTooLarge, max)
		}
		return nil, fmt.Errorf("%w: inflate: %v", ErrMalformedFrame, err)
	}
	return out.buf.Bytes(), nil
}

// CloseCode maps a protocol error to the status code sent in the close frame.
func CloseCode(err error) ws.StatusCode {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return ws.StatusMessageTooBig
	case errors.Is(err, errInvalidUTF8):
		return ws.StatusInvalidFramePayloadData
	default:
		return ws.StatusProtocolError
	}
}

// IsProtocolError reports whether err is a peer violation (as opposed to an
// I/O failure or EOF).
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrPayloadTooLarge) || errors.Is(err, ErrMalformedFrame)
}
