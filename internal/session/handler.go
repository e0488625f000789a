package session

import (
	"context"
	"net/http"

	"github.com/adred-codev/ws_gateway/internal/auth"
	"github.com/gobwas/ws"
)

// Handler receives session lifecycle events. All methods except OnUpgrade
// run on the session's loop goroutine and must not block.
type Handler interface {
	// OnUpgrade runs in the gate after the credential verified and before
	// the handshake completes. A non-nil error rejects the upgrade with 401.
	OnUpgrade(ctx context.Context, claims auth.ClaimSet, req *UpgradeRequest) error

	// OnOpen runs once the session is Active.
	OnOpen(s *Session)

	// OnMessage runs for every complete inbound data message.
	OnMessage(s *Session, m Message)

	// OnClose runs exactly once, after the session stops accepting frames
	// and before its claims are released.
	OnClose(s *Session, reason CloseReason)
}

// DrainHandler is optionally implemented by handlers that want to know when
// a backpressured session is writable again.
type DrainHandler interface {
	OnDrain(s *Session)
}

// UpgradeRequest is the handshake data captured synchronously from the HTTP
// request, before any asynchronous work can invalidate it.
type UpgradeRequest struct {
	Path       string
	RemoteAddr string
	Key        string
	Protocols  string
	Extensions string
	Header     http.Header
}

// Message is one complete inbound data message.
type Message struct {
	Payload []byte
	Binary  bool
}

// Frame is one outbound data message.
type Frame struct {
	Payload  []byte
	Binary   bool
	Compress bool // Deflate if negotiated and beneficial
}

// Socket is the write side of the transport bound to a session.
//
// Implementations must be safe to call from the loop goroutine and must
// never block it.
type Socket interface {
	// Offer hands encoded frame bytes to the writer. It returns false when
	// the writer cannot take more right now; the session keeps the frame
	// queued and offers it again after the next Drained or tick.
	Offer(b []byte) bool

	// Shutdown stops accepting offers, writes a close frame after frames
	// already accepted (best effort) and closes the connection. Code 0
	// skips the close frame (the peer is already gone).
	Shutdown(code ws.StatusCode, reason string)
}

// NopHandler accepts every upgrade and ignores every event.
type NopHandler struct{}

func (NopHandler) OnUpgrade(context.Context, auth.ClaimSet, *UpgradeRequest) error { return nil }
func (NopHandler) OnOpen(*Session)                                                 {}
func (NopHandler) OnMessage(*Session, Message)                                     {}
func (NopHandler) OnClose(*Session, CloseReason)                                   {}
