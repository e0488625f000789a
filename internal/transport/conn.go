package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/adred-codev/ws_gateway/internal/session"
	"github.com/adred-codev/ws_gateway/internal/wire"
	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

// Config controls per-connection I/O.
type Config struct {
	// MaxPayload bounds every inbound message (wire and inflated size).
	MaxPayload int64

	// Compression reports whether permessage-deflate was negotiated.
	Compression bool

	// WriteTimeout bounds each frame write. A stuck peer fails the write
	// and the session closes with a send failure.
	WriteTimeout time.Duration

	// Window is how many encoded frames the writer accepts ahead of the
	// wire. Once full, Offer refuses and the session queues.
	Window int
}

const defaultWindow = 64

// Conn binds a network connection to a session.
//
// Two goroutines per connection:
//   - reader: decodes frames and hands each event to the session's loop,
//     waiting until the loop has consumed it before reading the next
//   - writer: writes frames offered by the session and reports each one
//     back with Drained
//
// Session state is only ever touched on the loop. Conn only moves bytes.
type Conn struct {
	conn   net.Conn
	src    io.Reader
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	shut       bool
	closeFrame []byte
	out        chan []byte

	sess *session.Session
	done chan struct{}
}

// New wraps conn. br may hold bytes the handshake already buffered; pass
// nil if there are none.
func New(conn net.Conn, br *bufio.Reader, cfg Config, logger zerolog.Logger) *Conn {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	var src io.Reader = conn
	if br != nil && br.Buffered() > 0 {
		src = io.MultiReader(io.LimitReader(br, int64(br.Buffered())), conn)
	}
	return &Conn{
		conn:   conn,
		src:    src,
		cfg:    cfg,
		logger: logger,
		out:    make(chan []byte, cfg.Window),
		done:   make(chan struct{}),
	}
}

// Offer implements session.Socket. Never blocks.
func (c *Conn) Offer(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shut {
		return false
	}
	select {
	case c.out <- b:
		return true
	default:
		return false
	}
}

// Shutdown implements session.Socket. Frames already accepted are written
// first, then the close frame, then the connection is closed. With code 0
// the peer is gone, so the connection is closed right away.
func (c *Conn) Shutdown(code ws.StatusCode, reason string) {
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return
	}
	c.shut = true
	if code != 0 {
		c.closeFrame = wire.EncodeClose(code, reason)
	}
	close(c.out)
	c.mu.Unlock()

	if code == 0 {
		_ = c.conn.Close()
	}
}

// Serve starts the writer and reader for s. s must already have been
// created with c as its socket, and Start must have been posted to its loop
// so no event reaches a session that is not yet Active.
func (c *Conn) Serve(s *session.Session) {
	c.sess = s
	c.logger = c.logger.With().Uint64("session_id", s.ID()).Logger()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.readLoop()
	}()
	go func() {
		wg.Wait()
		close(c.done)
	}()

	// A session whose loop stops before its Close ran would otherwise leave
	// the writer parked on out forever.
	go func() {
		select {
		case <-s.Loop().Done():
			c.Shutdown(ws.StatusGoingAway, "server shutdown")
		case <-s.Context().Done():
		}
	}()
}

// Done is closed once both goroutines have exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) writeLoop() {
	defer monitoring.RecoverPanic(c.logger, "transport.writeLoop", nil)
	defer c.conn.Close()

	s := c.sess
	failed := false

	for b := range c.out {
		if failed {
			continue
		}
		if err := c.write(b); err != nil {
			failed = true
			s.Post(func() { s.HandleSendFailure(err) })
			// Unblocks the reader; remaining offers are discarded until
			// Shutdown closes the channel.
			_ = c.conn.Close()
			continue
		}
		n := len(b)
		s.Post(func() { s.Drained(n) })
	}

	c.mu.Lock()
	closeFrame := c.closeFrame
	c.mu.Unlock()

	if closeFrame != nil && !failed {
		if err := c.write(closeFrame); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to write close frame")
		}
	}
}

func (c *Conn) write(b []byte) error {
	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(b)
	return err
}

func (c *Conn) readLoop() {
	defer monitoring.RecoverPanic(c.logger, "transport.readLoop", nil)

	s := c.sess
	ctx := s.Context()
	l := s.Loop()
	r := wire.NewReader(c.src, c.cfg.MaxPayload, c.cfg.Compression)

	for {
		ev, err := r.Next()
		if err != nil {
			// Once the session is closing the error is just our own
			// Shutdown closing the connection.
			if ctx.Err() == nil {
				_ = l.PostWait(ctx, func() { s.HandleReadError(err) })
			}
			return
		}

		var task func()
		switch ev.Kind {
		case wire.EventMessage:
			task = func() {
				s.HandleMessage(session.Message{Payload: ev.Payload, Binary: ev.Binary}, ev.WireSize)
			}
		case wire.EventPing:
			task = func() { s.HandlePing(ev.Payload) }
		case wire.EventPong:
			task = func() { s.HandlePong() }
		case wire.EventClose:
			task = func() { s.HandleRemoteClose(ev.CloseCode, ev.CloseReason) }
		default:
			continue
		}

		if err := l.PostWait(ctx, task); err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Debug().Err(err).Msg("Reader stopped")
			}
			return
		}
		if ev.Kind == wire.EventClose {
			return
		}
	}
}
