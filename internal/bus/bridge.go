// Package bus bridges router topics across gateway instances over NATS.
//
// A local publish on topic T goes out on subject <prefix>.T; every instance
// subscribes to <prefix>.> and fans inbound messages out to its own
// subscribers. Each message carries the publishing instance's id so an
// instance never re-delivers its own publishes.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/adred-codev/ws_gateway/internal/router"
	"github.com/adred-codev/ws_gateway/internal/session"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	headerOrigin = "Ws-Origin"
	headerBinary = "Ws-Binary"
)

// ErrUnroutableTopic is returned for topics that cannot be expressed as a
// NATS subject suffix.
var ErrUnroutableTopic = errors.New("topic cannot be routed over nats")

// LocalPublisher delivers to this instance's subscribers only.
type LocalPublisher interface {
	PublishLocal(topic string, f session.Frame) router.PublishResult
}

// msgPublisher is the part of *nats.Conn used on the forward path.
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Config for Connect.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int           // -1 = forever
	ReconnectWait time.Duration // default 2s
}

// Bridge implements router.Publisher.
type Bridge struct {
	conn   *nats.Conn
	pub    msgPublisher
	prefix string
	origin string
	local  LocalPublisher
	logger zerolog.Logger
}

// Connect dials NATS. The bridge does not receive anything until Run.
func Connect(cfg Config, local LocalPublisher, logger zerolog.Logger) (*Bridge, error) {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}

	b := newBridge(cfg.SubjectPrefix, local, logger)

	conn, err := nats.Connect(cfg.URL,
		nats.Name("ws-gateway-"+b.origin),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(b.onConnect),
		nats.ReconnectHandler(b.onConnect),
		nats.DisconnectErrHandler(b.onDisconnect),
		nats.ErrorHandler(b.onError),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	b.conn = conn
	b.pub = conn
	if conn.IsConnected() {
		monitoring.SetNATSConnected(true)
	}
	return b, nil
}

func newBridge(prefix string, local LocalPublisher, logger zerolog.Logger) *Bridge {
	if prefix == "" {
		prefix = "ws.topic"
	}
	return &Bridge{
		prefix: strings.TrimSuffix(prefix, "."),
		origin: uuid.NewString(),
		local:  local,
		logger: logger.With().Str("component", "nats_bridge").Logger(),
	}
}

func (b *Bridge) onConnect(conn *nats.Conn) {
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	monitoring.SetNATSConnected(true)
}

func (b *Bridge) onDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		b.logger.Warn().Err(err).Msg("Disconnected from NATS")
		monitoring.RecordError(monitoring.ErrorTypeNATS, monitoring.ErrorSeverityWarning)
	} else {
		b.logger.Info().Msg("Disconnected from NATS")
	}
	monitoring.SetNATSConnected(false)
}

func (b *Bridge) onError(_ *nats.Conn, sub *nats.Subscription, err error) {
	ev := b.logger.Error().Err(err)
	if sub != nil {
		ev = ev.Str("subject", sub.Subject)
	}
	ev.Msg("NATS error")
	monitoring.RecordError(monitoring.ErrorTypeNATS, monitoring.ErrorSeverityError)
}

// Subject maps a topic to its NATS subject.
func (b *Bridge) Subject(topic string) (string, error) {
	if topic == "" || strings.ContainsAny(topic, " \t\r\n*>") ||
		strings.HasPrefix(topic, ".") || strings.HasSuffix(topic, ".") || strings.Contains(topic, "..") {
		return "", fmt.Errorf("%w: %q", ErrUnroutableTopic, topic)
	}
	return b.prefix + "." + topic, nil
}

// Topic maps a subject received on the wildcard subscription back to a topic.
func (b *Bridge) Topic(subject string) (string, bool) {
	topic, ok := strings.CutPrefix(subject, b.prefix+".")
	return topic, ok && topic != ""
}

// Forward implements router.Publisher.
func (b *Bridge) Forward(topic string, payload []byte, binary bool) error {
	subject, err := b.Subject(topic)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set(headerOrigin, b.origin)
	if binary {
		msg.Header.Set(headerBinary, "1")
	}

	if err := b.pub.PublishMsg(msg); err != nil {
		monitoring.RecordError(monitoring.ErrorTypeNATS, monitoring.ErrorSeverityWarning)
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	monitoring.IncrementNATSMessages("out")
	return nil
}

// handle delivers a message from another instance to local subscribers.
func (b *Bridge) handle(msg *nats.Msg) {
	if msg.Header.Get(headerOrigin) == b.origin {
		return
	}
	topic, ok := b.Topic(msg.Subject)
	if !ok {
		return
	}
	monitoring.IncrementNATSMessages("in")

	res := b.local.PublishLocal(topic, session.Frame{
		Payload:  msg.Data,
		Binary:   msg.Header.Get(headerBinary) == "1",
		Compress: true,
	})

	b.logger.Debug().
		Str("topic", topic).
		Int("subscribers", res.Subscribers).
		Msg("Delivered bus message")
}

// Run subscribes to every topic subject and blocks until ctx is done, then
// drains the connection.
func (b *Bridge) Run(ctx context.Context) error {
	defer monitoring.RecoverPanic(b.logger, "bus.Run", nil)

	wildcard := b.prefix + ".>"
	sub, err := b.conn.Subscribe(wildcard, b.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", wildcard, err)
	}
	b.logger.Info().Str("subject", wildcard).Msg("Bridging topics over NATS")

	<-ctx.Done()

	if err := sub.Unsubscribe(); err != nil {
		b.logger.Debug().Err(err).Msg("Failed to unsubscribe")
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to drain NATS connection")
		b.conn.Close()
	}
	monitoring.SetNATSConnected(false)
	return nil
}

// Connected reports the NATS connection status.
func (b *Bridge) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
