package app

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/ws_gateway/internal/auth"
	"github.com/adred-codev/ws_gateway/internal/loop"
	"github.com/adred-codev/ws_gateway/internal/router"
	"github.com/adred-codev/ws_gateway/internal/session"
	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	op      ws.OpCode
	payload string
}

type captureSocket struct {
	mu     sync.Mutex
	frames []frame
}

func (c *captureSocket) Offer(b []byte) bool {
	f, err := ws.ReadFrame(bytes.NewReader(b))
	if err != nil {
		return false
	}
	c.mu.Lock()
	c.frames = append(c.frames, frame{op: f.Header.OpCode, payload: string(f.Payload)})
	c.mu.Unlock()
	return true
}

func (c *captureSocket) Shutdown(ws.StatusCode, string) {}

func (c *captureSocket) take() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.frames
	c.frames = nil
	return out
}

type appHarness struct {
	pool   *loop.Pool
	router *router.Router
	app    *Handler
	ctx    context.Context
}

func newAppHarness(t *testing.T) *appHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := loop.NewPool(2, time.Hour, zerolog.Nop())
	go pool.Run(ctx)
	t.Cleanup(cancel)

	h := New(zerolog.Nop())
	h.now = func() time.Time { return time.UnixMilli(1_700_000_000_123) }
	r := router.New(h, zerolog.Nop())
	h.SetTopics(r)
	return &appHarness{pool: pool, router: r, app: h, ctx: ctx}
}

func (h *appHarness) open(t *testing.T, id uint64) (*session.Session, *captureSocket) {
	t.Helper()
	sock := &captureSocket{}
	s, err := session.New(session.Params{
		ID:      id,
		Claims:  auth.ClaimSet{"name": "a"},
		Socket:  sock,
		Loop:    h.pool.For(id),
		Handler: h.router,
		Config:  session.Config{MaxBackpressure: 1 << 20},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Loop().PostWait(h.ctx, s.Start))
	return s, sock
}

// deliver runs an inbound message on the session's loop and waits for every
// loop to settle so cross-loop fan-out has landed.
func (h *appHarness) deliver(t *testing.T, s *session.Session, payload string, binary bool) {
	t.Helper()
	m := session.Message{Payload: []byte(payload), Binary: binary}
	require.NoError(t, s.Loop().PostWait(h.ctx, func() { s.HandleMessage(m, len(payload)) }))
	for _, l := range h.pool.Loops() {
		require.NoError(t, l.PostWait(h.ctx, func() {}))
	}
}

func decode(t *testing.T, f frame) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(f.payload), &out))
	return out
}

func TestReplyKeepsFraming(t *testing.T) {
	h := newAppHarness(t)
	s, sock := h.open(t, 1)

	h.deliver(t, s, "hello there", false)
	h.deliver(t, s, `{"type":"nope"}`, true)

	got := sock.take()
	require.Len(t, got, 2)
	assert.Equal(t, frame{op: ws.OpText, payload: string(Reply)}, got[0])
	assert.Equal(t, frame{op: ws.OpBinary, payload: string(Reply)}, got[1])
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	h := newAppHarness(t)
	sub, subSock := h.open(t, 1)
	pub, pubSock := h.open(t, 2)

	h.deliver(t, sub, `{"type":"subscribe","data":{"channels":["prices","news",""]}}`, false)
	got := subSock.take()
	require.Len(t, got, 1)
	ack := decode(t, got[0])
	assert.Equal(t, "subscription_ack", ack["type"])
	assert.Equal(t, []any{"prices", "news"}, ack["subscribed"])
	assert.Equal(t, float64(2), ack["count"])
	assert.NotContains(t, ack, "data", "acks are flat")

	h.deliver(t, pub, `{"type":"publish","data":{"channel":"prices","payload":{"btc":1}}}`, false)

	got = subSock.take()
	require.Len(t, got, 1)
	msg := decode(t, got[0])
	assert.Equal(t, "message", msg["type"])
	assert.Equal(t, "prices", msg["channel"])
	assert.Equal(t, map[string]any{"btc": float64(1)}, msg["data"])

	got = pubSock.take()
	require.Len(t, got, 1)
	pubAck := decode(t, got[0])
	assert.Equal(t, "publish_ack", pubAck["type"])
	assert.Equal(t, float64(1), pubAck["subscribers"])

	h.deliver(t, sub, `{"type":"unsubscribe","data":{"channels":["prices","never"]}}`, false)
	got = subSock.take()
	require.Len(t, got, 1)
	unsub := decode(t, got[0])
	assert.Equal(t, []any{"prices"}, unsub["unsubscribed"])
	assert.Equal(t, float64(1), unsub["count"])
	assert.Equal(t, 0, h.router.Subscribers("prices"))
}

func TestHeartbeatAndBadCommands(t *testing.T) {
	h := newAppHarness(t)
	s, sock := h.open(t, 1)

	h.deliver(t, s, `{"type":"heartbeat"}`, false)
	h.deliver(t, s, `{"type":"subscribe","data":"prices"}`, false)
	h.deliver(t, s, `{"type":"publish","data":{"payload":1}}`, false)

	got := sock.take()
	require.Len(t, got, 3)
	assert.Equal(t, map[string]any{"type": "pong", "ts": float64(1_700_000_000_123)}, decode(t, got[0]))
	assert.Equal(t, "invalid subscribe request", decode(t, got[1])["error"])
	assert.Equal(t, "invalid publish request", decode(t, got[2])["error"])
}

func TestCommandsIgnoredWithoutTopics(t *testing.T) {
	h := newAppHarness(t)
	h.app.SetTopics(nil)
	s, sock := h.open(t, 1)

	h.deliver(t, s, `{"type":"subscribe","data":{"channels":["x"]}}`, false)
	got := sock.take()
	require.Len(t, got, 1)
	assert.Equal(t, string(Reply), got[0].payload)
}
