// Package app is the gateway's example application: every message gets the
// canned reply, and a few typed commands drive topic subscriptions.
package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adred-codev/ws_gateway/internal/auth"
	"github.com/adred-codev/ws_gateway/internal/router"
	"github.com/adred-codev/ws_gateway/internal/session"
	"github.com/rs/zerolog"
)

// Topics is the subset of the router the handler drives.
type Topics interface {
	Subscribe(s *session.Session, topic string) error
	Unsubscribe(s *session.Session, topic string) bool
	Publish(topic string, f session.Frame) router.PublishResult
	Topics(s *session.Session) []string
}

// Reply is what every message without a recognised command gets back.
var Reply = []byte(`{"hello":"Im fine"}`)

// Handler implements session.Handler.
type Handler struct {
	topics Topics
	now    func() time.Time
	logger zerolog.Logger
}

// New creates the handler. Topic commands are ignored until SetTopics.
func New(logger zerolog.Logger) *Handler {
	return &Handler{
		now:    time.Now,
		logger: logger.With().Str("component", "app").Logger(),
	}
}

// SetTopics installs the router. It is set after construction because the
// router wraps this handler.
func (h *Handler) SetTopics(t Topics) { h.topics = t }

// OnUpgrade accepts every verified credential.
func (h *Handler) OnUpgrade(_ context.Context, claims auth.ClaimSet, req *session.UpgradeRequest) error {
	h.logger.Debug().
		Str("path", req.Path).
		Str("remote_addr", req.RemoteAddr).
		Msg("Connection wants to become a session")
	return nil
}

// OnOpen logs the claims the session was bound to.
func (h *Handler) OnOpen(s *session.Session) {
	h.logger.Info().
		Uint64("session_id", s.ID()).
		Interface("claims", s.Claims()).
		Msg("A user is connected")
}

// OnClose logs why the session ended.
func (h *Handler) OnClose(s *session.Session, reason session.CloseReason) {
	h.logger.Debug().
		Uint64("session_id", s.ID()).
		Str("reason", reason.String()).
		Msg("A user disconnected")
}

// command is the envelope for typed client messages:
//
//	{"type": "subscribe",   "data": {"channels": ["prices"]}}
//	{"type": "unsubscribe", "data": {"channels": ["prices"]}}
//	{"type": "publish",     "data": {"channel": "prices", "payload": {...}}}
//	{"type": "heartbeat"}
type command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type channelsRequest struct {
	Channels []string `json:"channels"`
}

type publishRequest struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// OnMessage handles typed commands and answers everything else with Reply,
// using the same text/binary framing as the inbound message.
func (h *Handler) OnMessage(s *session.Session, m session.Message) {
	var cmd command
	if err := json.Unmarshal(m.Payload, &cmd); err != nil || h.topics == nil {
		h.reply(s, m)
		return
	}

	switch cmd.Type {
	case "subscribe":
		var req channelsRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			h.sendError(s, "invalid subscribe request")
			return
		}
		subscribed := make([]string, 0, len(req.Channels))
		for _, ch := range req.Channels {
			if err := h.topics.Subscribe(s, ch); err != nil {
				h.logger.Debug().Err(err).Str("channel", ch).Msg("Subscribe rejected")
				continue
			}
			subscribed = append(subscribed, ch)
		}
		s.SendJSON(map[string]any{
			"type":       "subscription_ack",
			"subscribed": subscribed,
			"count":      len(h.topics.Topics(s)),
		})

	case "unsubscribe":
		var req channelsRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			h.sendError(s, "invalid unsubscribe request")
			return
		}
		unsubscribed := make([]string, 0, len(req.Channels))
		for _, ch := range req.Channels {
			if h.topics.Unsubscribe(s, ch) {
				unsubscribed = append(unsubscribed, ch)
			}
		}
		s.SendJSON(map[string]any{
			"type":         "unsubscription_ack",
			"unsubscribed": unsubscribed,
			"count":        len(h.topics.Topics(s)),
		})

	case "publish":
		var req publishRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil || req.Channel == "" {
			h.sendError(s, "invalid publish request")
			return
		}
		out, err := json.Marshal(map[string]any{
			"type":    "message",
			"channel": req.Channel,
			"data":    req.Payload,
		})
		if err != nil {
			h.sendError(s, "invalid publish payload")
			return
		}
		res := h.topics.Publish(req.Channel, session.Frame{Payload: out, Compress: true})
		s.SendJSON(map[string]any{
			"type":        "publish_ack",
			"channel":     req.Channel,
			"subscribers": res.Subscribers,
		})

	case "heartbeat":
		// Application-level keepalive for clients without ping/pong
		s.SendJSON(map[string]any{
			"type": "pong",
			"ts":   h.now().UnixMilli(),
		})

	default:
		h.reply(s, m)
	}
}

func (h *Handler) reply(s *session.Session, m session.Message) {
	res := s.Send(session.Frame{Payload: Reply, Binary: m.Binary, Compress: true})
	h.logger.Debug().
		Uint64("session_id", s.ID()).
		Int("bytes", len(m.Payload)).
		Str("result", res.String()).
		Msg("Replied to message")
}

func (h *Handler) sendError(s *session.Session, msg string) {
	s.SendJSON(map[string]any{"type": "error", "error": msg})
}
