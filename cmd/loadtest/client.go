package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// readTimeout bounds how long a client waits for any server frame. Replies
// arrive every MessageInterval so this only trips on a stalled server.
const readTimeout = 60 * time.Second

// client is one simulated user. Keep it close to what a browser does: one
// socket, one writer at a time, no batching.
type client struct {
	id     int
	cfg    *Config
	state  *State
	logger zerolog.Logger

	http *http.Client
	ws   *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once

	channels []string
}

// serverMessage is the union of everything the gateway sends back.
type serverMessage struct {
	Type    string `json:"type"`
	Hello   string `json:"hello"`
	Error   string `json:"error"`
	Channel string `json:"channel"`
}

func newClient(id int, cfg *Config, state *State, logger zerolog.Logger) *client {
	return &client{
		id:     id,
		cfg:    cfg,
		state:  state,
		logger: logger.With().Int("client", id).Logger(),
		http:   &http.Client{Timeout: cfg.ConnectionTimeout},
	}
}

// Connect logs in and completes the upgrade with the issued token.
func (c *client) Connect(ctx context.Context) error {
	token, err := c.login(ctx)
	if err != nil {
		c.state.loginFailures.Add(1)
		return fmt.Errorf("login: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  c.cfg.ConnectionTimeout,
		EnableCompression: true,

		// CRITICAL FOR CLOUD LOAD BALANCERS: TCP keep-alive stops idle
		// connections from being silently dropped mid-test.
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{
				Timeout:   c.cfg.ConnectionTimeout,
				KeepAlive: 30 * time.Second,
			}
			return d.DialContext(ctx, network, addr)
		},
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := dialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("upgrade rejected: %d", resp.StatusCode)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	c.ws = ws
	c.state.active.Add(1)
	c.logger.Debug().Msg("Connected")

	// The gateway pings idle sessions; gorilla answers pings itself, so any
	// frame including a ping pushes the deadline out.
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPingHandler(func(appData string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	if c.cfg.SubscriptionMode != "none" {
		c.channels = c.pickChannels()
		if err := c.writeJSON(map[string]any{
			"type": "subscribe",
			"data": map[string]any{"channels": c.channels},
		}); err != nil {
			c.close()
			return fmt.Errorf("subscribe: %w", err)
		}
		c.state.subscriptionsSent.Add(1)
	}
	return nil
}

func (c *client) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]any{
		"name":   fmt.Sprintf("loadtest-%d", c.id),
		"client": c.id,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("empty token")
	}
	return out.Token, nil
}

func (c *client) pickChannels() []string {
	all := c.cfg.Channels
	switch c.cfg.SubscriptionMode {
	case "single":
		return []string{all[c.id%len(all)]}
	case "random":
		n := min(c.cfg.ChannelsPerClient, len(all))
		perm := rand.Perm(len(all))
		picked := make([]string, 0, n)
		for _, i := range perm[:n] {
			picked = append(picked, all[i])
		}
		return picked
	default:
		return all
	}
}

// Run drives the client until ctx ends or the server goes away.
func (c *client) Run(ctx context.Context) {
	defer c.close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readPump()
	}()

	c.writePump(ctx, done)

	// Ask for an orderly close and give the server a moment to echo it.
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "load test finished"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func (c *client) readPump() {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseNormalClosure {
				c.state.closedByPeer.Add(1)
				c.logger.Debug().Int("code", ce.Code).Str("reason", ce.Text).Msg("Closed by server")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.state.errors.Add(1)
			continue
		}

		switch msg.Type {
		case "subscription_ack":
			c.state.subscriptionsConfirmed.Add(1)
		case "message":
			c.state.broadcasts.Add(1)
		case "error":
			c.state.errors.Add(1)
			c.logger.Debug().Str("error", msg.Error).Msg("Server rejected command")
		case "publish_ack", "unsubscription_ack", "pong":
		default:
			if msg.Hello == "" {
				c.state.errors.Add(1)
				continue
			}
			// Replies keep the framing of the message they answer.
			if (msgType == websocket.BinaryMessage) != c.cfg.BinaryMessages {
				c.state.errors.Add(1)
			}
			c.state.replies.Add(1)
		}
	}
}

func (c *client) writePump(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.MessageInterval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}

		seq++
		var payload []byte
		if c.cfg.PublishEvery > 0 && seq%c.cfg.PublishEvery == 0 && len(c.channels) > 0 {
			payload, _ = json.Marshal(map[string]any{
				"type": "publish",
				"data": map[string]any{
					"channel": c.channels[seq%len(c.channels)],
					"payload": map[string]any{"client": c.id, "seq": seq},
				},
			})
		} else {
			payload, _ = json.Marshal(map[string]any{"client": c.id, "seq": seq})
		}

		msgType := websocket.TextMessage
		if c.cfg.BinaryMessages {
			msgType = websocket.BinaryMessage
		}

		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.ConnectionTimeout))
		err := c.ws.WriteMessage(msgType, payload)
		c.writeMu.Unlock()

		if err != nil {
			// CRITICAL: a failed send means the socket is dead. Stop counting
			// it as active or the report drifts away from the server's view.
			c.logger.Warn().Err(err).Msg("Connection dead (send failed)")
			return
		}
		c.state.sent.Add(1)
	}
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.ConnectionTimeout))
	return c.ws.WriteJSON(v)
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.state.active.Add(-1)
		_ = c.ws.Close()
	})
}

// classifyError buckets connect failures for the report.
func classifyError(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.Is(err, syscall.ECONNRESET):
		return "connection reset"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case strings.Contains(err.Error(), "upgrade rejected"), strings.HasPrefix(err.Error(), "login:"):
		return err.Error()
	default:
		return "other"
	}
}

// HealthResponse is the part of GET /health the report uses.
type HealthResponse struct {
	Status  string `json:"status"`
	Healthy bool   `json:"healthy"`
	Checks  struct {
		Capacity struct {
			Current int `json:"current"`
			Max     int `json:"max"`
		} `json:"capacity"`
		CPU struct {
			Percentage float64 `json:"percentage"`
		} `json:"cpu"`
		Memory struct {
			UsedMB float64 `json:"used_mb"`
		} `json:"memory"`
	} `json:"checks"`
	Delivery struct {
		FramesDropped int64 `json:"frames_dropped"`
	} `json:"delivery"`
}

type healthClient struct {
	url  string
	http *http.Client
}

func newHealthClient(baseURL string, timeout time.Duration) *healthClient {
	return &healthClient{
		url:  strings.TrimSuffix(baseURL, "/") + "/health",
		http: &http.Client{Timeout: timeout},
	}
}

// Check fetches /health. An unhealthy server answers 503 with the same body,
// so the status code alone is not an error.
func (h *healthClient) Check(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health (status %d): %w", resp.StatusCode, err)
	}
	return &health, nil
}
