package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/ws_gateway/internal/auth"
	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/adred-codev/ws_gateway/internal/session"
	"github.com/rs/zerolog"
)

// ErrInvalidTopic is returned for empty or oversized topic names.
var ErrInvalidTopic = errors.New("invalid topic")

const (
	maxTopicLength = 256

	defaultParkLimit = 1 << 20
)

// Publisher forwards local publishes to an external bus.
type Publisher interface {
	Forward(topic string, payload []byte, binary bool) error
}

// PublishResult reports how many subscribers a publish targeted and how
// many of those had a send scheduled on their loop.
type PublishResult struct {
	Subscribers int
	Scheduled   int
}

// Router is the session-side dispatch point. It implements session.Handler
// by delegating to the single application handler, and owns the topic
// index so memberships disappear when a session closes.
//
// Subscribers on the pause policy are never pushed past their ceiling by
// publishes: once a session is backpressured its topic frames wait in a
// per-session parked queue and are replayed, in order, from OnDrain.
type Router struct {
	handler   session.Handler
	topics    *TopicIndex
	publisher atomic.Pointer[publisherBox]
	logger    zerolog.Logger

	parkLimit int
	mu        sync.Mutex
	parked    map[uint64]*parkedQueue
}

type publisherBox struct{ p Publisher }

// parkedQueue is only touched on its session's loop; the router mutex
// guards the map, not the queue.
type parkedQueue struct {
	frames []session.Frame
	bytes  int
}

// Option configures a Router.
type Option func(*Router)

// WithParkLimit bounds the payload bytes parked for one paused subscriber.
// A subscriber past the limit is closed as a slow consumer.
func WithParkLimit(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.parkLimit = n
		}
	}
}

// New creates a router delegating to handler.
func New(handler session.Handler, logger zerolog.Logger, opts ...Option) *Router {
	if handler == nil {
		handler = session.NopHandler{}
	}
	r := &Router{
		handler:   handler,
		topics:    NewTopicIndex(),
		logger:    logger.With().Str("component", "router").Logger(),
		parkLimit: defaultParkLimit,
		parked:    make(map[uint64]*parkedQueue),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetPublisher installs (or with nil, removes) the external bus hook.
func (r *Router) SetPublisher(p Publisher) {
	if p == nil {
		r.publisher.Store(nil)
		return
	}
	r.publisher.Store(&publisherBox{p: p})
}

// OnUpgrade implements session.Handler.
func (r *Router) OnUpgrade(ctx context.Context, claims auth.ClaimSet, req *session.UpgradeRequest) error {
	return r.handler.OnUpgrade(ctx, claims, req)
}

// OnOpen implements session.Handler.
func (r *Router) OnOpen(s *session.Session) {
	r.handler.OnOpen(s)
}

// OnMessage implements session.Handler.
func (r *Router) OnMessage(s *session.Session, m session.Message) {
	r.handler.OnMessage(s, m)
}

// OnClose implements session.Handler. Topic memberships go first so a
// publish racing with the close never targets a dead session for long.
func (r *Router) OnClose(s *session.Session, reason session.CloseReason) {
	r.mu.Lock()
	delete(r.parked, s.ID())
	r.mu.Unlock()

	if left := r.topics.RemoveSession(s); len(left) > 0 {
		r.logger.Debug().
			Uint64("session_id", s.ID()).
			Strs("topics", left).
			Msg("Removed closed session from topics")
	}
	r.handler.OnClose(s, reason)
}

// OnDrain implements session.DrainHandler. Parked topic frames go out
// first; the application only hears about the drain if the session is
// still Active afterwards.
func (r *Router) OnDrain(s *session.Session) {
	r.replayParked(s)
	if s.State() != session.StateActive {
		return
	}
	if d, ok := r.handler.(session.DrainHandler); ok {
		d.OnDrain(s)
	}
}

// Subscribe adds s to topic.
func (r *Router) Subscribe(s *session.Session, topic string) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if s.State() >= session.StateClosing {
		return session.ErrSessionClosed
	}
	if r.topics.Add(topic, s) {
		r.logger.Debug().
			Uint64("session_id", s.ID()).
			Str("topic", topic).
			Int("subscribers", len(r.topics.Subscribers(topic))).
			Msg("Session subscribed")
	}
	return nil
}

// Unsubscribe removes s from topic. Returns false if it was not subscribed.
func (r *Router) Unsubscribe(s *session.Session, topic string) bool {
	return r.topics.Remove(topic, s)
}

// RemoveSession drops all memberships of s.
func (r *Router) RemoveSession(s *session.Session) []string {
	return r.topics.RemoveSession(s)
}

// Publish fans f out to local subscribers and forwards it to the bus.
func (r *Router) Publish(topic string, f session.Frame) PublishResult {
	res := r.PublishLocal(topic, f)

	if box := r.publisher.Load(); box != nil {
		if err := box.p.Forward(topic, f.Payload, f.Binary); err != nil {
			r.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to forward publish to bus")
		}
	}
	return res
}

// PublishLocal fans f out to local subscribers only. Delivery is best
// effort per subscriber: each send runs on the subscriber's own loop, so a
// slow or closing subscriber never affects the others.
func (r *Router) PublishLocal(topic string, f session.Frame) PublishResult {
	subs := r.topics.Subscribers(topic)
	res := PublishResult{Subscribers: len(subs)}

	for _, s := range subs {
		if s.Post(func() { r.deliver(s, f) }) {
			res.Scheduled++
		}
	}

	monitoring.RecordPublish(len(subs))
	return res
}

// deliver runs on the subscriber's loop.
func (r *Router) deliver(s *session.Session, f session.Frame) {
	if s.Policy() != session.PolicyPause {
		s.Send(f)
		return
	}

	st := s.State()
	if st >= session.StateClosing {
		return
	}

	r.mu.Lock()
	q := r.parked[s.ID()]
	r.mu.Unlock()

	// Fast path: nothing waiting and room to send. A send that crosses the
	// ceiling is still queued by the session and flips it to Backpressured.
	if q == nil && st == session.StateActive {
		s.Send(f)
		return
	}

	if q == nil {
		q = &parkedQueue{}
		r.mu.Lock()
		r.parked[s.ID()] = q
		r.mu.Unlock()
	}
	q.frames = append(q.frames, f)
	q.bytes += len(f.Payload)

	if q.bytes > r.parkLimit {
		r.logger.Warn().
			Uint64("session_id", s.ID()).
			Int("parked_bytes", q.bytes).
			Int("parked_frames", len(q.frames)).
			Int("park_limit", r.parkLimit).
			Msg("Paused subscriber fell too far behind, closing session")
		s.Close(session.ReasonBackpressureExceeded)
		return
	}

	if st == session.StateActive {
		r.replayParked(s)
	}
}

// replayParked sends parked frames in order until the session is
// backpressured again or the queue is empty. Runs on the session's loop.
func (r *Router) replayParked(s *session.Session) {
	r.mu.Lock()
	q := r.parked[s.ID()]
	r.mu.Unlock()
	if q == nil {
		return
	}

	n := 0
	for n < len(q.frames) && s.State() == session.StateActive {
		f := q.frames[n]
		q.frames[n] = session.Frame{}
		q.bytes -= len(f.Payload)
		n++
		s.Send(f)
	}
	q.frames = q.frames[n:]

	if len(q.frames) == 0 && s.State() < session.StateClosing {
		r.mu.Lock()
		delete(r.parked, s.ID())
		r.mu.Unlock()
	}
}

// Parked returns the number of frames held back for s. Must run on the
// session's loop.
func (r *Router) Parked(s *session.Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q := r.parked[s.ID()]; q != nil {
		return len(q.frames)
	}
	return 0
}

// Subscribers returns the number of sessions subscribed to topic.
func (r *Router) Subscribers(topic string) int {
	return len(r.topics.Subscribers(topic))
}

// Topics returns the topics s is subscribed to.
func (r *Router) Topics(s *session.Session) []string {
	return r.topics.TopicsOf(s.ID())
}

// TopicCount is the number of topics with subscribers.
func (r *Router) TopicCount() int {
	return r.topics.Topics()
}

func validateTopic(topic string) error {
	if strings.TrimSpace(topic) == "" || len(topic) > maxTopicLength {
		return ErrInvalidTopic
	}
	return nil
}
