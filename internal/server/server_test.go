package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/adred-codev/ws_gateway/internal/limits"
	"github.com/adred-codev/ws_gateway/internal/platform"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *platform.Config {
	return &platform.Config{
		Addr:             "127.0.0.1:0",
		JWTSecret:        "jwtSecret",
		LoginMaxBody:     1024,
		MaxPayload:       1 << 20,
		IdleTimeout:      30 * time.Second,
		Compression:      true,
		MaxBackpressure:  1 << 16,
		LowWatermark:     1 << 15,
		HardLimit:        1 << 18,
		MaxParked:        1 << 20,
		Policy:           "drop",
		Loops:            2,
		LoopTick:         50 * time.Millisecond,
		WriteTimeout:     time.Second,
		MaxConnections:   100,
		HTTPReadTimeout:  5 * time.Second,
		HTTPWriteTimeout: 5 * time.Second,
		HTTPIdleTimeout:  5 * time.Second,
		ShutdownGrace:    2 * time.Second,
		MetricsInterval:  time.Second,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

type running struct {
	srv    *Server
	base   string
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg *platform.Config) *running {
	t.Helper()

	srv, err := New(cfg, zerolog.Nop(), WithSampler(func() (limits.Sample, error) {
		return limits.Sample{CPUPercent: 1, MemoryBytes: 1 << 20}, nil
	}))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	r := &running{srv: srv, base: "http://" + ln.Addr().String(), cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
	return r
}

func (r *running) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(r.base, "http") + path
}

func (r *running) login(t *testing.T, body string) string {
	t.Helper()
	resp, err := http.Post(r.base+"/login", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func TestLoginUpgradeAndReply(t *testing.T) {
	r := start(t, testConfig())

	token := r.login(t, `{"name":"a"}`)

	// The raw token is accepted without a Bearer prefix
	header := http.Header{"Authorization": []string{token}}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second, EnableCompression: true}
	conn, _, err := dialer.Dial(r.wsURL("/anything"), header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return r.srv.Registry().Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	claims := r.srv.Registry().Snapshot()[0].Claims()
	assert.Equal(t, "a", claims["name"])
	_, err = uuid.Parse(claims["id"].(string))
	assert.NoError(t, err)
	assert.Len(t, claims, 2)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"msg":"how are you"}`)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.JSONEq(t, `{"hello":"Im fine"}`, string(data))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	typ, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.JSONEq(t, `{"hello":"Im fine"}`, string(data))
}

func TestUpgradeWithoutCredential(t *testing.T) {
	r := start(t, testConfig())

	_, resp, err := websocket.DefaultDialer.Dial(r.wsURL("/"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)
	assert.Equal(t, 0, r.srv.Registry().Len())
}

func TestLoginErrors(t *testing.T) {
	cfg := testConfig()
	cfg.LoginMaxBody = 64
	r := start(t, cfg)

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed", `{"name":`, http.StatusBadRequest},
		{"not an object", `["a"]`, http.StatusBadRequest},
		{"null", `null`, http.StatusBadRequest},
		{"own expiry", `{"name":"a","exp":1}`, http.StatusBadRequest},
		{"too large", `{"name":"` + strings.Repeat("x", 100) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(r.base+"/login", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
			body, _ := io.ReadAll(resp.Body)
			assert.Empty(t, body)
		})
	}
}

func TestLoginSigningFailure(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = ""
	r := start(t, cfg)

	resp, err := http.Post(r.base+"/login", "application/json", strings.NewReader(`{"name":"a"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// Still serving
	resp, err = http.Get(r.base + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCatchAllGet(t *testing.T) {
	r := start(t, testConfig())

	resp, err := http.Get(r.base + "/some/path")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Yes", resp.Header.Get("IsExample"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "Hello there!", string(body))
}

func TestHealth(t *testing.T) {
	r := start(t, testConfig())

	resp, err := http.Get(r.base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "disabled", health["checks"].(map[string]any)["nats"])
	assert.Equal(t, float64(2), health["loops"].(map[string]any)["count"])
}

func TestGracefulShutdownClosesSessionsWithGoingAway(t *testing.T) {
	r := start(t, testConfig())
	token := r.login(t, `{"name":"a"}`)

	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL("/"), http.Header{"Authorization": []string{"Bearer " + token}})
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return r.srv.Registry().Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	r.cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	select {
	case err := <-r.done:
		assert.NoError(t, err)
		r.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, 0, r.srv.Registry().Len())
}
