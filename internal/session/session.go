package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ws_gateway/internal/auth"
	"github.com/adred-codev/ws_gateway/internal/loop"
	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/adred-codev/ws_gateway/internal/types"
	"github.com/adred-codev/ws_gateway/internal/wire"
	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

// errNoClaims guards the one invariant the constructor can check: nobody
// gets a session without a verified identity.
var errNoClaims = errors.New("session requires verified claims")

// Config holds the per-session limits. Zero values pick the defaults noted
// on each field.
type Config struct {
	IdleTimeout     time.Duration // 0 disables idle closing
	MaxBackpressure int           // Buffered byte ceiling (default 1024)
	LowWatermark    int           // Resume threshold (default MaxBackpressure/2)
	HardLimit       int           // Pause policy ceiling (default 4*MaxBackpressure)
	Policy          Policy
	KeepalivePings  bool             // Ping quiet peers at half the idle timeout
	Compression     bool             // permessage-deflate negotiated for this connection
	Now             func() time.Time // Clock (tests)
}

func (c *Config) applyDefaults() {
	if c.MaxBackpressure <= 0 {
		c.MaxBackpressure = 1024
	}
	if c.LowWatermark <= 0 || c.LowWatermark >= c.MaxBackpressure {
		c.LowWatermark = c.MaxBackpressure / 2
	}
	if c.HardLimit < c.MaxBackpressure {
		c.HardLimit = c.MaxBackpressure * 4
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Params bundles everything a session is created with.
type Params struct {
	ID         uint64
	Claims     auth.ClaimSet
	Socket     Socket
	Loop       *loop.Loop
	Handler    Handler
	Registry   *Registry // Optional
	Config     Config
	RemoteAddr string
	Logger     zerolog.Logger
	Stats      *types.Stats            // Optional
	Audit      *monitoring.AuditLogger // Optional
}

// Session is one authenticated WebSocket connection.
//
// CRITICAL: a session is owned by exactly one loop. Every method that
// changes state (Start, Send, Handle*, Drained, Tick, Close) must run on
// that loop; use Post to get there from elsewhere. The accessors backed by
// atomics (ID, State, Claims, Buffered, Stats, Ready, Err) are safe from any
// goroutine.
type Session struct {
	id         uint64
	loop       *loop.Loop
	socket     Socket
	handler    Handler
	registry   *Registry
	cfg        Config
	remoteAddr string
	logger     zerolog.Logger
	stats      *types.Stats
	audit      *monitoring.AuditLogger
	openedAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state  atomic.Int32
	reason atomic.Uint32
	claims atomic.Pointer[auth.ClaimSet]
	cause  atomic.Pointer[error]
	ready  atomic.Pointer[chan struct{}]

	// Loop-owned
	opened       bool
	deadline     time.Time
	pingAt       time.Time
	awaitingPong bool
	queue        outboundQueue
	inflight     int // Bytes accepted by the socket but not yet drained

	// Readable from any goroutine
	buffered  atomic.Int64
	framesIn  atomic.Int64
	bytesIn   atomic.Int64
	framesOut atomic.Int64
	bytesOut  atomic.Int64
	dropped   atomic.Int64
	episodes  atomic.Int64
}

// New creates a session in the Open state. Nothing happens on the wire
// until Start runs on the owning loop.
func New(p Params) (*Session, error) {
	if p.Claims == nil {
		return nil, errNoClaims
	}
	if p.Socket == nil || p.Loop == nil {
		return nil, fmt.Errorf("session %d: socket and loop are required", p.ID)
	}
	if p.Handler == nil {
		p.Handler = NopHandler{}
	}
	p.Config.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:         p.ID,
		loop:       p.Loop,
		socket:     p.Socket,
		handler:    p.Handler,
		registry:   p.Registry,
		cfg:        p.Config,
		remoteAddr: p.RemoteAddr,
		logger:     p.Logger.With().Uint64("session_id", p.ID).Logger(),
		stats:      p.Stats,
		audit:      p.Audit,
		openedAt:   p.Config.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}

	claims := p.Claims.Clone()
	s.claims.Store(&claims)
	s.ready.Store(&closedChan)
	s.state.Store(int32(StateOpen))

	return s, nil
}

// closedChan is the Ready() value whenever the session is not backpressured.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// ID returns the session id.
func (s *Session) ID() uint64 { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Claims returns the verified claim set, or nil once the session is Closed.
// The returned map must not be modified.
func (s *Session) Claims() auth.ClaimSet {
	if c := s.claims.Load(); c != nil {
		return *c
	}
	return nil
}

// RemoteAddr is the peer address captured at upgrade.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Compression reports whether permessage-deflate was negotiated.
func (s *Session) Compression() bool { return s.cfg.Compression }

// Policy returns the congestion policy the session was created with.
func (s *Session) Policy() Policy { return s.cfg.Policy }

// Context is cancelled when the session starts closing.
func (s *Session) Context() context.Context { return s.ctx }

// Loop returns the owning loop.
func (s *Session) Loop() *loop.Loop { return s.loop }

// Post runs fn on the owning loop.
func (s *Session) Post(fn func()) bool { return s.loop.Post(fn) }

// CloseReason is ReasonNone until the session starts closing.
func (s *Session) CloseReason() CloseReason { return CloseReason(s.reason.Load()) }

// Err returns nil while the session is live and the close cause after.
func (s *Session) Err() error {
	if e := s.cause.Load(); e != nil {
		return *e
	}
	return nil
}

// Ready returns a channel that is closed whenever the session accepts
// frames without backpressure. While Backpressured it stays open until the
// buffered bytes drain below the low watermark (or the session closes).
func (s *Session) Ready() <-chan struct{} { return *s.ready.Load() }

// Buffered is the number of wire bytes queued or in flight.
func (s *Session) Buffered() int { return int(s.buffered.Load()) }

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	ID                   uint64
	State                string
	FramesIn             int64
	BytesIn              int64
	FramesOut            int64
	BytesOut             int64
	FramesDropped        int64
	BackpressureEpisodes int64
	Buffered             int64
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		ID:                   s.id,
		State:                s.State().String(),
		FramesIn:             s.framesIn.Load(),
		BytesIn:              s.bytesIn.Load(),
		FramesOut:            s.framesOut.Load(),
		BytesOut:             s.bytesOut.Load(),
		FramesDropped:        s.dropped.Load(),
		BackpressureEpisodes: s.episodes.Load(),
		Buffered:             s.buffered.Load(),
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// touch pushes the idle deadline out and reschedules the keepalive ping.
func (s *Session) touch() {
	s.awaitingPong = false
	if s.cfg.IdleTimeout > 0 {
		now := s.cfg.Now()
		s.deadline = now.Add(s.cfg.IdleTimeout)
		s.pingAt = now.Add(s.cfg.IdleTimeout / 2)
	}
}

// keepalive pings a peer that has been quiet for half the idle timeout.
// Only an inbound frame clears the wait; the ping draining does not.
func (s *Session) keepalive(now time.Time) {
	if !s.cfg.KeepalivePings || s.cfg.IdleTimeout <= 0 || s.awaitingPong {
		return
	}
	if now.Before(s.pingAt) {
		return
	}
	s.awaitingPong = true
	s.enqueueControl(wire.EncodePing())
	monitoring.RecordKeepalivePing()
}

// Start registers the session on its loop, moves it to Active and fires
// OnOpen. The gate posts Start before the reader goroutine exists, so no
// inbound frame can reach a session that is still Open.
func (s *Session) Start() {
	if s.State() != StateOpen {
		return
	}

	if s.registry != nil {
		s.registry.add(s)
	}
	s.loop.Attach(s)
	s.touch()
	s.opened = true
	s.setState(StateActive)

	s.logger.Debug().
		Str("remote_addr", s.remoteAddr).
		Bool("compression", s.cfg.Compression).
		Msg("Session opened")

	s.handler.OnOpen(s)
}

// HandleMessage dispatches a complete inbound message. Messages arriving
// outside the live states are ignored.
func (s *Session) HandleMessage(m Message, wireSize int) {
	if !s.State().Live() {
		return
	}
	s.touch()
	s.framesIn.Add(1)
	s.bytesIn.Add(int64(wireSize))
	if s.stats != nil {
		monitoring.UpdateMessageMetrics(s.stats, 0, 1)
		monitoring.UpdateBytesMetrics(s.stats, 0, int64(wireSize))
	}

	s.handler.OnMessage(s, m)
}

// HandlePing answers with a pong carrying the same data.
func (s *Session) HandlePing(payload []byte) {
	if !s.State().Live() {
		return
	}
	s.touch()
	s.enqueueControl(wire.EncodePong(payload))
}

// HandlePong refreshes the idle deadline and ends any keepalive wait.
func (s *Session) HandlePong() {
	if !s.State().Live() {
		return
	}
	s.touch()
}

// HandleRemoteClose handles a close frame from the peer.
func (s *Session) HandleRemoteClose(code ws.StatusCode, reason string) {
	s.logger.Debug().
		Int("close_code", int(code)).
		Str("close_reason", reason).
		Msg("Client closed session")
	s.Close(ReasonClientClose)
}

// HandleReadError handles the end of the inbound stream. Peer protocol
// violations close with the matching status code; anything else (EOF,
// reset, deadline) means the client went away.
func (s *Session) HandleReadError(err error) {
	if wire.IsProtocolError(err) {
		s.HandleProtocolViolation(err)
		return
	}
	s.closeWith(ReasonClientClose, ws.StatusAbnormalClosure, "", nil)
}

// HandleProtocolViolation closes the session for a framing or size error.
// Never retried.
func (s *Session) HandleProtocolViolation(err error) {
	if s.State() >= StateClosing {
		return
	}
	s.logger.Warn().Err(err).Msg("Protocol violation")
	if s.audit != nil {
		s.audit.Log(monitoring.AuditEvent{
			Level:     monitoring.WARNING,
			Event:     "ProtocolViolation",
			SessionID: s.id,
			Message:   "Session closed for protocol violation",
			Metadata:  map[string]any{"error": err.Error(), "remote_addr": s.remoteAddr},
		})
	}
	s.closeWith(ReasonProtocolViolation, wire.CloseCode(err), ReasonProtocolViolation.String(),
		fmt.Errorf("%w: %v", ErrProtocolViolation, err))
}

// HandleSendFailure closes the session after the transport failed a write.
func (s *Session) HandleSendFailure(err error) {
	if s.State() >= StateClosing {
		return
	}
	s.logger.Debug().Err(err).Msg("Send failed")
	monitoring.RecordError(monitoring.ErrorTypeSend, monitoring.ErrorSeverityWarning)
	s.closeWith(ReasonSendFailure, ReasonSendFailure.Code(), ReasonSendFailure.String(),
		fmt.Errorf("%w: send failure: %v", ErrSessionClosed, err))
}

// CheckIdle closes the session once now reaches the idle deadline.
func (s *Session) CheckIdle(now time.Time) {
	if s.cfg.IdleTimeout <= 0 || !s.State().Live() {
		return
	}
	if !now.Before(s.deadline) {
		s.logger.Debug().
			Dur("idle_timeout", s.cfg.IdleTimeout).
			Msg("Session idle timeout")
		s.Close(ReasonIdleTimeout)
	}
}

// Tick is the per-loop periodic check: idle timeout and keepalive ping,
// then re-offer any queued frame the socket refused earlier.
func (s *Session) Tick(now time.Time) {
	s.CheckIdle(now)
	if !s.State().Live() {
		return
	}
	s.keepalive(now)
	s.flush()
	s.maybeResume()
}

// Close moves the session to Closing and then Closed. Idempotent.
func (s *Session) Close(reason CloseReason) {
	s.closeWith(reason, reason.Code(), reason.String(), nil)
}

func (s *Session) closeWith(reason CloseReason, code ws.StatusCode, text string, cause error) {
	if s.State() >= StateClosing {
		return
	}
	s.setState(StateClosing)
	s.reason.Store(uint32(reason))
	if cause == nil {
		cause = reason.Err()
	}
	s.cause.Store(&cause)
	s.cancel()

	if reason == ReasonBackpressureExceeded {
		if s.stats != nil {
			monitoring.RecordBackpressureClose(s.stats)
		}
		if s.audit != nil {
			s.audit.Log(monitoring.AuditEvent{
				Level:     monitoring.WARNING,
				Event:     "BackpressureClosed",
				SessionID: s.id,
				Message:   "Slow consumer disconnected",
				Metadata: map[string]any{
					"buffered":    s.buffered.Load(),
					"policy":      s.cfg.Policy.String(),
					"remote_addr": s.remoteAddr,
				},
			})
		}
	}

	// 1005/1006 are never sent on the wire
	if code == ws.StatusAbnormalClosure || code == ws.StatusNoStatusRcvd {
		s.socket.Shutdown(0, "")
	} else {
		s.socket.Shutdown(code, text)
	}

	s.finish(reason)
}

// finish releases everything the session holds. Runs once, synchronously,
// on the loop.
func (s *Session) finish(reason CloseReason) {
	s.queue.release()
	s.inflight = 0
	s.buffered.Store(0)

	s.loop.Detach(s)
	if s.registry != nil {
		s.registry.remove(s)
	}

	if s.opened {
		s.handler.OnClose(s, reason)
	}

	s.claims.Store(nil)
	s.setState(StateClosed)

	// Wake anyone parked on Ready so no producer waits on a dead session.
	if ch := *s.ready.Load(); ch != closedChan {
		close(ch)
		s.ready.Store(&closedChan)
	}

	duration := s.cfg.Now().Sub(s.openedAt)
	if s.stats != nil {
		monitoring.RecordDisconnectWithStats(s.stats, reason.String(), duration)
	}

	s.logger.Debug().
		Str("reason", reason.String()).
		Dur("duration", duration).
		Int64("frames_in", s.framesIn.Load()).
		Int64("frames_out", s.framesOut.Load()).
		Int64("frames_dropped", s.dropped.Load()).
		Msg("Session closed")
}
