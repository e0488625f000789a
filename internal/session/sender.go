package session

import (
	"encoding/json"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/adred-codev/ws_gateway/internal/wire"
)

// outboundQueue is a FIFO of encoded frames. Byte accounting is in wire
// bytes, after compression, so the limits match what the socket holds.
type outboundQueue struct {
	items [][]byte
	head  int
	bytes int
}

func (q *outboundQueue) len() int { return len(q.items) - q.head }

func (q *outboundQueue) push(b []byte) {
	q.items = append(q.items, b)
	q.bytes += len(b)
}

func (q *outboundQueue) peek() []byte { return q.items[q.head] }

func (q *outboundQueue) pop() {
	q.bytes -= len(q.items[q.head])
	q.items[q.head] = nil
	q.head++

	// Compact once the consumed prefix dominates
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = nil
		}
		q.items = q.items[:n]
		q.head = 0
	}
}

func (q *outboundQueue) release() {
	q.items = nil
	q.head = 0
	q.bytes = 0
}

// Send encodes f and hands it to the socket, applying the congestion
// policy when the buffered bytes would pass MaxBackpressure.
// Must run on the session's loop.
func (s *Session) Send(f Frame) SendResult {
	res := s.send(f)
	monitoring.RecordSendResult(res.String())
	return res
}

// SendJSON marshals v and sends it as a compressible text frame.
func (s *Session) SendJSON(v any) SendResult {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal outbound message")
		monitoring.RecordError(monitoring.ErrorTypeSerialize, monitoring.ErrorSeverityError)
		return Dropped
	}
	return s.Send(Frame{Payload: data, Compress: true})
}

// SendAsync posts Send to the owning loop. Returns false if the loop is gone.
func (s *Session) SendAsync(f Frame) bool {
	return s.Post(func() { s.Send(f) })
}

func (s *Session) send(f Frame) SendResult {
	if s.State() >= StateClosing {
		return Closed
	}

	enc, err := wire.EncodeMessage(f.Payload, f.Binary, f.Compress && s.cfg.Compression)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode outbound frame")
		monitoring.RecordError(monitoring.ErrorTypeSerialize, monitoring.ErrorSeverityWarning)
		s.dropped.Add(1)
		return Dropped
	}
	if enc.Compressed {
		monitoring.IncrementCompressedFrames()
	}

	// An empty session always takes the frame, whatever its size, otherwise
	// a frame larger than the ceiling could never be delivered.
	buffered := s.queue.bytes + s.inflight
	if buffered == 0 || buffered+enc.Len() <= s.cfg.MaxBackpressure {
		return s.enqueue(enc.Bytes)
	}

	switch s.cfg.Policy {
	case PolicyClose:
		s.Close(ReasonBackpressureExceeded)
		return BackpressureClosed

	case PolicyPause:
		if buffered+enc.Len() > s.cfg.HardLimit {
			s.logger.Warn().
				Int("buffered", buffered).
				Int("frame_bytes", enc.Len()).
				Int("hard_limit", s.cfg.HardLimit).
				Msg("Producer ignored backpressure, closing session")
			s.Close(ReasonBackpressureExceeded)
			return BackpressureClosed
		}
		s.enterBackpressure()
		s.enqueue(enc.Bytes)
		return Queued

	default:
		s.enterBackpressure()
		s.dropped.Add(1)
		if s.stats != nil {
			// Sampled: a slow consumer can drop thousands of frames a second
			if n := monitoring.RecordFrameDropped(s.stats); n%100 == 1 {
				s.logger.Warn().
					Int("buffered", buffered).
					Int("frame_bytes", enc.Len()).
					Int64("total_dropped", n).
					Msg("Dropping frame for slow consumer (sampled 1/100)")
			}
		}
		return Dropped
	}
}

// enqueue appends b and tries to flush. The result is Sent when b went
// straight to the socket.
func (s *Session) enqueue(b []byte) SendResult {
	wasEmpty := s.queue.len() == 0
	s.queue.push(b)
	s.flush()
	if wasEmpty && s.queue.len() == 0 {
		return Sent
	}
	return Queued
}

// enqueueControl queues a control frame outside the congestion policy.
func (s *Session) enqueueControl(b []byte) {
	s.queue.push(b)
	s.flush()
}

// flush offers queued frames to the socket in order until it refuses one.
func (s *Session) flush() {
	for s.queue.len() > 0 {
		b := s.queue.peek()
		if !s.socket.Offer(b) {
			break
		}
		s.queue.pop()
		s.inflight += len(b)
	}
	s.buffered.Store(int64(s.queue.bytes + s.inflight))
}

// Drained is reported by the transport after n bytes hit the wire.
// Outbound progress counts as activity for the idle timer, except while a
// keepalive ping is unanswered: a dead peer whose kernel still accepts
// writes must not look alive.
func (s *Session) Drained(n int) {
	if s.State() >= StateClosing {
		return
	}

	s.inflight -= n
	if s.inflight < 0 {
		s.inflight = 0
	}
	s.framesOut.Add(1)
	s.bytesOut.Add(int64(n))
	if s.stats != nil {
		monitoring.UpdateMessageMetrics(s.stats, 1, 0)
		monitoring.UpdateBytesMetrics(s.stats, int64(n), 0)
	}

	if !s.awaitingPong {
		s.touch()
	}
	s.flush()
	s.maybeResume()
}

func (s *Session) enterBackpressure() {
	if s.State() != StateActive {
		return
	}
	s.setState(StateBackpressured)
	s.episodes.Add(1)

	ch := make(chan struct{})
	s.ready.Store(&ch)

	if s.stats != nil {
		monitoring.RecordBackpressureEpisode(s.stats)
	}
	s.logger.Debug().
		Int("buffered", s.queue.bytes+s.inflight).
		Str("policy", s.cfg.Policy.String()).
		Msg("Session backpressured")
}

// maybeResume returns a backpressured session to Active once buffered bytes
// fall below the low watermark. Fires at most once per episode.
func (s *Session) maybeResume() {
	if s.State() != StateBackpressured {
		return
	}
	if s.queue.bytes+s.inflight >= s.cfg.LowWatermark {
		return
	}

	s.setState(StateActive)
	ch := *s.ready.Load()
	s.ready.Store(&closedChan)
	close(ch)

	s.logger.Debug().Msg("Session drained")

	if d, ok := s.handler.(DrainHandler); ok {
		d.OnDrain(s)
	}
}
