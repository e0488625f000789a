package monitoring

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// AuditLevel represents the severity of an audit event
type AuditLevel string

const (
	DEBUG    AuditLevel = "DEBUG"    // Detailed debug information
	INFO     AuditLevel = "INFO"     // Normal operations
	WARNING  AuditLevel = "WARNING"  // Warning but service continues
	ERROR    AuditLevel = "ERROR"    // Error occurred, may affect some users
	CRITICAL AuditLevel = "CRITICAL" // Critical issue, service degraded/down
)

var auditLevelRank = map[AuditLevel]int{
	DEBUG:    0,
	INFO:     1,
	WARNING:  2,
	ERROR:    3,
	CRITICAL: 4,
}

// AuditEvent represents a single auditable event in the gateway
type AuditEvent struct {
	Level     AuditLevel
	Timestamp time.Time
	Event     string         // Event type: "CredentialRejected", "BackpressureClosed", etc.
	SessionID uint64         // Optional session id (0 = none)
	Message   string         // Human-readable description
	Metadata  map[string]any // Additional context
}

// Alerter sends notifications to external services
type Alerter interface {
	Alert(level AuditLevel, message string, metadata map[string]any)
}

// AuditLogger records security and capacity events (rejected credentials,
// congestion closes, capacity exhaustion) on a dedicated "audit" stream.
type AuditLogger struct {
	logger   zerolog.Logger
	minLevel AuditLevel
	alerter  Alerter // Optional: Send alerts for WARNING and above
}

// NewAuditLogger creates a new audit logger with specified minimum level
// Events below minLevel are not logged.
func NewAuditLogger(logger zerolog.Logger, minLevel AuditLevel) *AuditLogger {
	return &AuditLogger{
		logger:   logger.With().Str("stream", "audit").Logger(),
		minLevel: minLevel,
	}
}

// SetAlerter sets the alerter for sending notifications
func (a *AuditLogger) SetAlerter(alerter Alerter) {
	a.alerter = alerter
}

// Log logs an audit event if it meets the minimum level requirement
func (a *AuditLogger) Log(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if auditLevelRank[event.Level] < auditLevelRank[a.minLevel] {
		return
	}

	var e *zerolog.Event
	switch event.Level {
	case DEBUG:
		e = a.logger.Debug()
	case INFO:
		e = a.logger.Info()
	case WARNING:
		e = a.logger.Warn()
	default:
		e = a.logger.Error()
	}

	e = e.Str("audit_level", string(event.Level)).
		Str("event", event.Event).
		Time("event_time", event.Timestamp)
	if event.SessionID != 0 {
		e = e.Uint64("session_id", event.SessionID)
	}
	if len(event.Metadata) > 0 {
		e = e.Interface("metadata", event.Metadata)
	}
	e.Msg(event.Message)

	if a.alerter != nil && auditLevelRank[event.Level] >= auditLevelRank[WARNING] {
		a.alerter.Alert(event.Level, event.Message, event.Metadata)
	}
}

// Info logs an info-level event
func (a *AuditLogger) Info(event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: INFO, Event: event, Message: message, Metadata: metadata})
}

// Warning logs a warning-level event
func (a *AuditLogger) Warning(event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: WARNING, Event: event, Message: message, Metadata: metadata})
}

// Error logs an error-level event
func (a *AuditLogger) Error(event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: ERROR, Event: event, Message: message, Metadata: metadata})
}

// Critical logs a critical-level event
func (a *AuditLogger) Critical(event, message string, metadata map[string]any) {
	a.Log(AuditEvent{Level: CRITICAL, Event: event, Message: message, Metadata: metadata})
}

// ConsoleAlerter prints alerts to a writer (for development/testing)
type ConsoleAlerter struct {
	out io.Writer
}

func NewConsoleAlerter(out io.Writer) *ConsoleAlerter {
	return &ConsoleAlerter{out: out}
}

func (c *ConsoleAlerter) Alert(level AuditLevel, message string, metadata map[string]any) {
	fmt.Fprintf(c.out, "ALERT [%s]: %s\n", level, message)

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.out, "  %s: %v\n", k, metadata[k])
	}
}
