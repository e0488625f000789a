package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/ws_gateway/internal/auth"
	"github.com/adred-codev/ws_gateway/internal/loop"
	"github.com/adred-codev/ws_gateway/internal/types"
	"github.com/adred-codev/ws_gateway/internal/wire"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSocket accepts up to window frames in flight; the test drains them
// explicitly, standing in for the writer goroutine.
type fakeSocket struct {
	mu        sync.Mutex
	window    int
	pending   [][]byte
	written   [][]byte
	shutdowns int
	code      ws.StatusCode
	reason    string
}

func (f *fakeSocket) Offer(b []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shutdowns > 0 || len(f.pending) >= f.window {
		return false
	}
	f.pending = append(f.pending, b)
	return true
}

func (f *fakeSocket) Shutdown(code ws.StatusCode, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	f.code = code
	f.reason = reason
}

func (f *fakeSocket) setWindow(n int) {
	f.mu.Lock()
	f.window = n
	f.mu.Unlock()
}

// drainOne writes the oldest pending frame and reports it to the session.
func (f *fakeSocket) drainOne(s *Session) bool {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return false
	}
	b := f.pending[0]
	f.pending = f.pending[1:]
	f.written = append(f.written, b)
	f.mu.Unlock()

	s.Drained(len(b))
	return true
}

func (f *fakeSocket) drainAll(s *Session) {
	for f.drainOne(s) {
	}
}

func (f *fakeSocket) payloads(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.written))
	for _, b := range f.written {
		frame, err := ws.ReadFrame(bytes.NewReader(b))
		require.NoError(t, err)
		out = append(out, string(frame.Payload))
	}
	return out
}

type recordingHandler struct {
	NopHandler
	opens    int
	messages []string
	closes   []CloseReason
	drains   int
	claimsAt auth.ClaimSet
}

func (h *recordingHandler) OnOpen(s *Session) { h.opens++ }

func (h *recordingHandler) OnMessage(s *Session, m Message) {
	h.messages = append(h.messages, string(m.Payload))
}

func (h *recordingHandler) OnClose(s *Session, reason CloseReason) {
	h.closes = append(h.closes, reason)
	h.claimsAt = s.Claims()
}

func (h *recordingHandler) OnDrain(s *Session) { h.drains++ }

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	s        *Session
	sock     *fakeSocket
	handler  *recordingHandler
	registry *Registry
	loop     *loop.Loop
	clock    *testClock
}

// newFixture builds a started session on a loop that is not running, so
// the test goroutine plays the role of the loop.
func newFixture(t *testing.T, cfg Config, window int) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg.Now = clock.Now

	fx := &fixture{
		sock:     &fakeSocket{window: window},
		handler:  &recordingHandler{},
		registry: NewRegistry(),
		loop:     loop.New(0, time.Hour, zerolog.Nop()),
		clock:    clock,
	}

	s, err := New(Params{
		ID:       fx.registry.NextID(),
		Claims:   auth.ClaimSet{"name": "a", "id": "uuid-1"},
		Socket:   fx.sock,
		Loop:     fx.loop,
		Handler:  fx.handler,
		Registry: fx.registry,
		Config:   cfg,
		Logger:   zerolog.Nop(),
		Stats:    types.NewStats(),
	})
	require.NoError(t, err)
	fx.s = s

	s.Start()
	return fx
}

// payloadOfWireSize returns a text payload whose encoded, uncompressed
// frame is exactly n bytes (n < 127).
func payloadOfWireSize(n int, tag byte) []byte {
	return bytes.Repeat([]byte{tag}, n-2)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestNewRequiresClaims(t *testing.T) {
	_, err := New(Params{
		ID:     1,
		Socket: &fakeSocket{},
		Loop:   loop.New(0, time.Hour, zerolog.Nop()),
	})
	require.Error(t, err)
}

func TestStartActivatesSession(t *testing.T) {
	fx := newFixture(t, Config{}, 8)

	assert.Equal(t, StateActive, fx.s.State())
	assert.Equal(t, 1, fx.handler.opens)
	assert.Equal(t, 1, fx.registry.Len())
	assert.Equal(t, 1, fx.loop.Members())
	assert.Equal(t, auth.ClaimSet{"name": "a", "id": "uuid-1"}, fx.s.Claims())
	assert.True(t, isClosed(fx.s.Ready()))

	// Second Start is a no-op
	fx.s.Start()
	assert.Equal(t, 1, fx.handler.opens)
}

func TestHandleMessageDispatchesToHandler(t *testing.T) {
	fx := newFixture(t, Config{}, 8)

	fx.s.HandleMessage(Message{Payload: []byte(`{"a":1}`)}, 7)
	fx.s.HandleMessage(Message{Payload: []byte{1, 2}, Binary: true}, 2)

	assert.Equal(t, []string{`{"a":1}`, "\x01\x02"}, fx.handler.messages)
	st := fx.s.Stats()
	assert.Equal(t, int64(2), st.FramesIn)
	assert.Equal(t, int64(9), st.BytesIn)
}

func TestFIFODeliveryUnderPause(t *testing.T) {
	fx := newFixture(t, Config{MaxBackpressure: 64, Policy: PolicyPause}, 1)

	var results []SendResult
	for i := 0; i < 10; i++ {
		results = append(results, fx.s.Send(Frame{Payload: []byte(fmt.Sprintf("m%d", i))}))
	}
	assert.Equal(t, Sent, results[0])
	for _, r := range results[1:] {
		assert.Equal(t, Queued, r)
	}

	fx.sock.drainAll(fx.s)

	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8", "m9"}, fx.sock.payloads(t))
	assert.Equal(t, 0, fx.s.Buffered())
	assert.Equal(t, StateActive, fx.s.State())
}

func TestDropPolicyBackpressureEpisode(t *testing.T) {
	fx := newFixture(t, Config{MaxBackpressure: 100, LowWatermark: 50, Policy: PolicyDrop}, 0)

	for i := 0; i < 3; i++ {
		assert.Equal(t, Queued, fx.s.Send(Frame{Payload: payloadOfWireSize(32, 'a'+byte(i))}))
	}
	assert.Equal(t, 96, fx.s.Buffered())
	assert.Equal(t, StateActive, fx.s.State())

	// 96 + 32 > 100
	assert.Equal(t, Dropped, fx.s.Send(Frame{Payload: payloadOfWireSize(32, 'x')}))
	assert.Equal(t, StateBackpressured, fx.s.State())
	assert.Equal(t, Dropped, fx.s.Send(Frame{Payload: payloadOfWireSize(32, 'y')}))
	assert.Equal(t, int64(1), fx.s.Stats().BackpressureEpisodes)
	assert.Equal(t, int64(2), fx.s.Stats().FramesDropped)

	ready := fx.s.Ready()
	assert.False(t, isClosed(ready))

	// Socket becomes writable; the tick re-offers everything queued
	fx.sock.setWindow(8)
	fx.s.Tick(fx.clock.Now())
	assert.Equal(t, 96, fx.s.Buffered(), "in flight still counts")
	assert.Equal(t, StateBackpressured, fx.s.State())

	require.True(t, fx.sock.drainOne(fx.s)) // 64
	assert.Equal(t, StateBackpressured, fx.s.State())
	require.True(t, fx.sock.drainOne(fx.s)) // 32 < 50
	assert.Equal(t, StateActive, fx.s.State())
	assert.True(t, isClosed(ready))
	assert.Equal(t, 1, fx.handler.drains)

	fx.sock.drainAll(fx.s)
	assert.Equal(t, 1, fx.handler.drains, "resume fires once per episode")

	// Dropped frames never reach the wire
	assert.Equal(t, []string{
		string(payloadOfWireSize(32, 'a')),
		string(payloadOfWireSize(32, 'b')),
		string(payloadOfWireSize(32, 'c')),
	}, fx.sock.payloads(t))

	// A new congestion starts a new episode
	fx.sock.setWindow(0)
	for i := 0; i < 4; i++ {
		fx.s.Send(Frame{Payload: payloadOfWireSize(32, 'z')})
	}
	assert.Equal(t, StateBackpressured, fx.s.State())
	assert.Equal(t, int64(2), fx.s.Stats().BackpressureEpisodes)
}

func TestOversizedFrameAdmittedWhenNothingBuffered(t *testing.T) {
	for _, policy := range []Policy{PolicyDrop, PolicyPause, PolicyClose} {
		t.Run(policy.String(), func(t *testing.T) {
			fx := newFixture(t, Config{MaxBackpressure: 1024, HardLimit: 1500, Policy: policy}, 8)

			big := bytes.Repeat([]byte("a"), 2000)
			assert.Equal(t, Sent, fx.s.Send(Frame{Payload: big}))
			assert.Equal(t, StateActive, fx.s.State())
			assert.Zero(t, fx.s.Stats().BackpressureEpisodes)
			assert.Len(t, fx.sock.pending, 1, "handed to the socket right away")

			fx.sock.drainAll(fx.s)
			assert.Equal(t, []string{string(big)}, fx.sock.payloads(t))
			assert.Zero(t, fx.s.Buffered())
			assert.Zero(t, fx.handler.drains)
		})
	}
}

func TestDropPolicyDropsBehindOversizedFrame(t *testing.T) {
	fx := newFixture(t, Config{MaxBackpressure: 100, Policy: PolicyDrop}, 8)

	assert.Equal(t, Sent, fx.s.Send(Frame{Payload: bytes.Repeat([]byte("a"), 200)}))

	// The big frame is still in flight, so the ceiling applies again
	assert.Equal(t, Dropped, fx.s.Send(Frame{Payload: []byte("next")}))
	assert.Equal(t, StateBackpressured, fx.s.State())

	fx.sock.drainAll(fx.s)
	assert.Equal(t, StateActive, fx.s.State())
	assert.Equal(t, 1, fx.handler.drains)
	assert.Len(t, fx.sock.payloads(t), 1)
}

func TestPausePolicyQueuesAndSignals(t *testing.T) {
	fx := newFixture(t, Config{MaxBackpressure: 100, Policy: PolicyPause}, 0)

	for i := 0; i < 3; i++ {
		fx.s.Send(Frame{Payload: payloadOfWireSize(32, 'a')})
	}
	assert.Equal(t, Queued, fx.s.Send(Frame{Payload: payloadOfWireSize(32, 'b')}))
	assert.Equal(t, StateBackpressured, fx.s.State())
	assert.Equal(t, 128, fx.s.Buffered())
	assert.False(t, isClosed(fx.s.Ready()))

	fx.sock.setWindow(16)
	fx.s.Tick(fx.clock.Now())
	fx.sock.drainAll(fx.s)

	assert.Equal(t, StateActive, fx.s.State())
	assert.True(t, isClosed(fx.s.Ready()))
	assert.Len(t, fx.sock.payloads(t), 4, "pause never loses frames")
}

func TestPausePolicyHardLimitCloses(t *testing.T) {
	fx := newFixture(t, Config{MaxBackpressure: 100, HardLimit: 200, Policy: PolicyPause}, 0)

	var last SendResult
	for i := 0; i < 10 && last != BackpressureClosed; i++ {
		last = fx.s.Send(Frame{Payload: payloadOfWireSize(32, 'a')})
	}

	assert.Equal(t, BackpressureClosed, last)
	assert.Equal(t, StateClosed, fx.s.State())
	assert.ErrorIs(t, fx.s.Err(), ErrBackpressureExceeded)
	assert.Equal(t, ws.StatusPolicyViolation, fx.sock.code)
	assert.Equal(t, []CloseReason{ReasonBackpressureExceeded}, fx.handler.closes)
}

func TestPausePolicyOversizedFrameOnEmptyQueue(t *testing.T) {
	fx := newFixture(t, Config{MaxBackpressure: 100, HardLimit: 150, Policy: PolicyPause}, 0)

	// Refused by the socket but still admitted: nothing else was buffered
	big := bytes.Repeat([]byte("a"), 300)
	assert.Equal(t, Queued, fx.s.Send(Frame{Payload: big}))
	assert.Equal(t, StateActive, fx.s.State())

	// Anything behind it is past the hard limit
	assert.Equal(t, BackpressureClosed, fx.s.Send(Frame{Payload: []byte("more")}))
	assert.Equal(t, ReasonBackpressureExceeded, fx.s.CloseReason())
}

func TestClosePolicy(t *testing.T) {
	fx := newFixture(t, Config{MaxBackpressure: 100, Policy: PolicyClose}, 0)

	for i := 0; i < 3; i++ {
		require.Equal(t, Queued, fx.s.Send(Frame{Payload: payloadOfWireSize(32, 'a')}))
	}
	assert.Equal(t, BackpressureClosed, fx.s.Send(Frame{Payload: payloadOfWireSize(32, 'b')}))

	assert.Equal(t, StateClosed, fx.s.State())
	assert.Equal(t, ReasonBackpressureExceeded, fx.s.CloseReason())
	assert.Equal(t, ws.StatusPolicyViolation, fx.sock.code)
	assert.Equal(t, Closed, fx.s.Send(Frame{Payload: []byte("late")}))
}

func TestIdleTimeout(t *testing.T) {
	fx := newFixture(t, Config{IdleTimeout: 32 * time.Second}, 8)

	fx.clock.Advance(31 * time.Second)
	fx.s.Tick(fx.clock.Now())
	assert.Equal(t, StateActive, fx.s.State())

	// Inbound traffic pushes the deadline out
	fx.s.HandleMessage(Message{Payload: []byte("hi")}, 2)
	fx.clock.Advance(31 * time.Second)
	fx.s.Tick(fx.clock.Now())
	assert.Equal(t, StateActive, fx.s.State())

	// So does a pong
	fx.s.HandlePong()
	fx.clock.Advance(31 * time.Second)
	fx.s.Tick(fx.clock.Now())
	assert.Equal(t, StateActive, fx.s.State())

	// And outbound progress
	fx.s.Send(Frame{Payload: []byte("out")})
	fx.sock.drainAll(fx.s)
	fx.clock.Advance(31 * time.Second)
	fx.s.Tick(fx.clock.Now())
	assert.Equal(t, StateActive, fx.s.State())

	fx.clock.Advance(time.Second)
	fx.s.Tick(fx.clock.Now())
	assert.Equal(t, StateClosed, fx.s.State())
	assert.Equal(t, []CloseReason{ReasonIdleTimeout}, fx.handler.closes)
	assert.ErrorIs(t, fx.s.Err(), ErrIdleTimeout)
}

func opcodes(t *testing.T, frames [][]byte) []ws.OpCode {
	t.Helper()
	out := make([]ws.OpCode, 0, len(frames))
	for _, b := range frames {
		frame, err := ws.ReadFrame(bytes.NewReader(b))
		require.NoError(t, err)
		out = append(out, frame.Header.OpCode)
	}
	return out
}

func TestKeepalivePings(t *testing.T) {
	cfg := Config{IdleTimeout: 32 * time.Second, KeepalivePings: true}

	t.Run("unanswered ping closes at the deadline", func(t *testing.T) {
		fx := newFixture(t, cfg, 8)

		fx.clock.Advance(15 * time.Second)
		fx.s.Tick(fx.clock.Now())
		assert.Empty(t, fx.sock.pending)

		fx.clock.Advance(time.Second)
		fx.s.Tick(fx.clock.Now())
		fx.sock.drainAll(fx.s)
		assert.Equal(t, []ws.OpCode{ws.OpPing}, opcodes(t, fx.sock.written))

		// The ping draining is not a sign of life, and only one goes out
		fx.clock.Advance(15 * time.Second)
		fx.s.Tick(fx.clock.Now())
		assert.Equal(t, StateActive, fx.s.State())
		assert.Len(t, fx.sock.written, 1)

		fx.clock.Advance(time.Second)
		fx.s.Tick(fx.clock.Now())
		assert.Equal(t, StateClosed, fx.s.State())
		assert.Equal(t, []CloseReason{ReasonIdleTimeout}, fx.handler.closes)
	})

	t.Run("pong keeps the session alive", func(t *testing.T) {
		fx := newFixture(t, cfg, 8)

		fx.clock.Advance(16 * time.Second)
		fx.s.Tick(fx.clock.Now())
		fx.sock.drainAll(fx.s)

		fx.clock.Advance(4 * time.Second)
		fx.s.HandlePong()

		// 31s after the start, well past the first deadline
		fx.clock.Advance(15 * time.Second)
		fx.s.Tick(fx.clock.Now())
		assert.Equal(t, StateActive, fx.s.State())
		assert.Len(t, fx.sock.written, 1)

		// Quiet for half the timeout again
		fx.clock.Advance(time.Second)
		fx.s.Tick(fx.clock.Now())
		fx.sock.drainAll(fx.s)
		assert.Equal(t, []ws.OpCode{ws.OpPing, ws.OpPing}, opcodes(t, fx.sock.written))
	})

	t.Run("traffic postpones the ping", func(t *testing.T) {
		fx := newFixture(t, cfg, 8)

		fx.clock.Advance(10 * time.Second)
		fx.s.HandleMessage(Message{Payload: []byte("hi")}, 2)
		fx.clock.Advance(10 * time.Second)
		fx.s.Tick(fx.clock.Now())
		assert.Empty(t, fx.sock.pending)
	})

	t.Run("disabled by default", func(t *testing.T) {
		fx := newFixture(t, Config{IdleTimeout: 32 * time.Second}, 8)

		fx.clock.Advance(31 * time.Second)
		fx.s.Tick(fx.clock.Now())
		assert.Empty(t, fx.sock.pending)
	})
}

func TestCloseReleasesEverythingOnce(t *testing.T) {
	fx := newFixture(t, Config{MaxBackpressure: 100, Policy: PolicyPause}, 0)

	for i := 0; i < 5; i++ {
		fx.s.Send(Frame{Payload: payloadOfWireSize(32, 'a')})
	}
	ready := fx.s.Ready()
	require.False(t, isClosed(ready))

	fx.s.Close(ReasonServerClose)
	fx.s.Close(ReasonIdleTimeout)
	fx.s.HandleRemoteClose(ws.StatusNormalClosure, "")

	assert.Equal(t, StateClosed, fx.s.State())
	assert.Equal(t, []CloseReason{ReasonServerClose}, fx.handler.closes)
	assert.Equal(t, auth.ClaimSet{"name": "a", "id": "uuid-1"}, fx.handler.claimsAt, "claims visible during OnClose")
	assert.Nil(t, fx.s.Claims())
	assert.Equal(t, 0, fx.s.Buffered())
	assert.Equal(t, 0, fx.registry.Len())
	assert.Equal(t, 0, fx.loop.Members())
	assert.Equal(t, 1, fx.sock.shutdowns)
	assert.True(t, isClosed(ready), "parked producers are released")
	assert.ErrorIs(t, fx.s.Context().Err(), context.Canceled)

	// No further messages
	fx.s.HandleMessage(Message{Payload: []byte("late")}, 4)
	assert.Empty(t, fx.handler.messages)
	assert.Equal(t, Closed, fx.s.Send(Frame{Payload: []byte("late")}))
}

func TestCloseBeforeStartSkipsOnClose(t *testing.T) {
	h := &recordingHandler{}
	sock := &fakeSocket{window: 1}
	s, err := New(Params{
		ID:      9,
		Claims:  auth.ClaimSet{},
		Socket:  sock,
		Loop:    loop.New(0, time.Hour, zerolog.Nop()),
		Handler: h,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	s.Close(ReasonServerShutdown)
	s.Start()

	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, h.opens)
	assert.Empty(t, h.closes)
	assert.Equal(t, ws.StatusGoingAway, sock.code)
}

func TestReadErrors(t *testing.T) {
	t.Run("oversized payload", func(t *testing.T) {
		fx := newFixture(t, Config{}, 8)
		fx.s.HandleReadError(fmt.Errorf("%w: 20 bytes exceeds limit 16", wire.ErrPayloadTooLarge))

		assert.Equal(t, ReasonProtocolViolation, fx.s.CloseReason())
		assert.Equal(t, ws.StatusMessageTooBig, fx.sock.code)
		assert.ErrorIs(t, fx.s.Err(), ErrProtocolViolation)
	})

	t.Run("malformed frame", func(t *testing.T) {
		fx := newFixture(t, Config{}, 8)
		fx.s.HandleReadError(fmt.Errorf("%w: unmasked", wire.ErrMalformedFrame))

		assert.Equal(t, ws.StatusProtocolError, fx.sock.code)
	})

	t.Run("peer vanished", func(t *testing.T) {
		fx := newFixture(t, Config{}, 8)
		fx.s.HandleReadError(io.EOF)

		assert.Equal(t, ReasonClientClose, fx.s.CloseReason())
		assert.Equal(t, ws.StatusCode(0), fx.sock.code, "no close frame to a dead peer")
	})

	t.Run("send failure", func(t *testing.T) {
		fx := newFixture(t, Config{}, 8)
		fx.s.HandleSendFailure(io.ErrClosedPipe)

		assert.Equal(t, ReasonSendFailure, fx.s.CloseReason())
		assert.ErrorIs(t, fx.s.Err(), ErrSessionClosed)
	})
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	fx := newFixture(t, Config{}, 8)

	fx.s.HandlePing([]byte("are you there"))
	fx.sock.drainAll(fx.s)

	require.Len(t, fx.sock.written, 1)
	frame, err := ws.ReadFrame(bytes.NewReader(fx.sock.written[0]))
	require.NoError(t, err)
	assert.Equal(t, ws.OpPong, frame.Header.OpCode)
	assert.Equal(t, "are you there", string(frame.Payload))
}

func TestCompressionAppliedWhenNegotiated(t *testing.T) {
	payload := []byte(strings.Repeat(`{"hello":"Im fine"}`, 20))

	fx := newFixture(t, Config{Compression: true, MaxBackpressure: 4096}, 8)
	fx.s.Send(Frame{Payload: payload, Compress: true})
	fx.sock.drainAll(fx.s)

	frame, err := ws.ReadFrame(bytes.NewReader(fx.sock.written[0]))
	require.NoError(t, err)
	assert.True(t, frame.Header.Rsv1())
	assert.Less(t, int(frame.Header.Length), len(payload))

	frame, err = wsflate.DecompressFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, payload, frame.Payload)

	plain := newFixture(t, Config{Compression: false, MaxBackpressure: 4096}, 8)
	plain.s.Send(Frame{Payload: payload, Compress: true})
	plain.sock.drainAll(plain.s)

	frame, err = ws.ReadFrame(bytes.NewReader(plain.sock.written[0]))
	require.NoError(t, err)
	assert.False(t, frame.Header.Rsv1())
}

func TestSendJSON(t *testing.T) {
	fx := newFixture(t, Config{}, 8)

	assert.Equal(t, Sent, fx.s.SendJSON(map[string]string{"hello": "Im fine"}))
	fx.sock.drainAll(fx.s)
	assert.Equal(t, []string{`{"hello":"Im fine"}`}, fx.sock.payloads(t))

	assert.Equal(t, Dropped, fx.s.SendJSON(make(chan int)))
}

func TestRegistryCloseAll(t *testing.T) {
	registry := NewRegistry()
	pool := loop.NewPool(2, time.Hour, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	var sockets []*fakeSocket
	for i := 0; i < 6; i++ {
		id := registry.NextID()
		sock := &fakeSocket{window: 4}
		sockets = append(sockets, sock)
		s, err := New(Params{
			ID:       id,
			Claims:   auth.ClaimSet{"n": float64(i)},
			Socket:   sock,
			Loop:     pool.For(id),
			Registry: registry,
			Logger:   zerolog.Nop(),
		})
		require.NoError(t, err)
		require.NoError(t, s.Loop().PostWait(ctx, s.Start))
	}
	require.Equal(t, 6, registry.Len())

	_, ok := registry.Get(1)
	assert.True(t, ok)

	assert.Equal(t, 6, registry.CloseAll(ReasonServerShutdown))
	require.Eventually(t, func() bool { return registry.Len() == 0 }, time.Second, 5*time.Millisecond)

	for _, sock := range sockets {
		sock.mu.Lock()
		assert.Equal(t, ws.StatusGoingAway, sock.code)
		sock.mu.Unlock()
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"drop": PolicyDrop, "PAUSE": PolicyPause, " close ": PolicyClose, "": PolicyDrop} {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePolicy("block")
	assert.Error(t, err)
}
