package wire

import (
	"fmt"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
)

// Encoded is a server frame ready for the socket.
type Encoded struct {
	Bytes      []byte
	Compressed bool
}

// Len is the number of wire bytes the frame occupies.
func (e Encoded) Len() int { return len(e.Bytes) }

// EncodeMessage compiles a single, unfragmented server data frame.
//
// With deflate set the payload is compressed and the result kept only when
// it is smaller than the original; tiny JSON replies usually are not.
func EncodeMessage(payload []byte, binary, deflate bool) (Encoded, error) {
	op := ws.OpText
	if binary {
		op = ws.OpBinary
	}
	frame := ws.NewFrame(op, true, payload)

	compressed := false
	if deflate && len(payload) > 0 {
		cf, err := wsflate.CompressFrame(frame)
		if err != nil {
			return Encoded{}, fmt.Errorf("deflate frame: %w", err)
		}
		if len(cf.Payload) < len(payload) {
			frame = cf
			compressed = true
		}
	}

	b, err := ws.CompileFrame(frame)
	if err != nil {
		return Encoded{}, fmt.Errorf("compile frame: %w", err)
	}
	return Encoded{Bytes: b, Compressed: compressed}, nil
}

var pingFrame = ws.MustCompileFrame(ws.NewPingFrame(nil))

// EncodePing returns an empty server ping. The bytes are shared and must not
// be modified.
func EncodePing() []byte { return pingFrame }

// EncodePong answers a ping with the same application data.
func EncodePong(payload []byte) []byte {
	if len(payload) > ws.MaxControlFramePayloadSize {
		payload = payload[:ws.MaxControlFramePayloadSize]
	}
	return ws.MustCompileFrame(ws.NewPongFrame(payload))
}

// EncodeClose compiles a close frame. The reason is cropped to fit a
// control frame.
func EncodeClose(code ws.StatusCode, reason string) []byte {
	return ws.MustCompileFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}
