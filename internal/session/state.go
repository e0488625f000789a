package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/ws"
)

// Session errors, reported by Session.Err once a session has closed.
var (
	ErrProtocolViolation    = errors.New("protocol violation")
	ErrBackpressureExceeded = errors.New("backpressure exceeded")
	ErrIdleTimeout          = errors.New("idle timeout")
	ErrSessionClosed        = errors.New("session closed")
)

// State is the connection lifecycle state.
//
//	Open -> Active <-> Backpressured -> Closing -> Closed
type State int32

const (
	StateOpen State = iota
	StateActive
	StateBackpressured
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateActive:
		return "active"
	case StateBackpressured:
		return "backpressured"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Live reports whether the session still accepts inbound and outbound frames.
func (s State) Live() bool {
	return s == StateActive || s == StateBackpressured
}

// CloseReason records why a session left the live states.
type CloseReason uint32

const (
	ReasonNone CloseReason = iota
	ReasonClientClose
	ReasonIdleTimeout
	ReasonProtocolViolation
	ReasonBackpressureExceeded
	ReasonSendFailure
	ReasonServerShutdown
	ReasonServerClose
)

// String is used as the metrics label and the close frame reason text.
func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonClientClose:
		return "client_close"
	case ReasonIdleTimeout:
		return "idle_timeout"
	case ReasonProtocolViolation:
		return "protocol_violation"
	case ReasonBackpressureExceeded:
		return "backpressure_exceeded"
	case ReasonSendFailure:
		return "send_failure"
	case ReasonServerShutdown:
		return "server_shutdown"
	case ReasonServerClose:
		return "server_close"
	default:
		return fmt.Sprintf("reason(%d)", uint32(r))
	}
}

// Code is the close status sent to the peer for this reason.
func (r CloseReason) Code() ws.StatusCode {
	switch r {
	case ReasonProtocolViolation:
		return ws.StatusProtocolError
	case ReasonBackpressureExceeded:
		return ws.StatusPolicyViolation
	case ReasonSendFailure:
		return ws.StatusInternalServerError
	case ReasonServerShutdown:
		return ws.StatusGoingAway
	default:
		return ws.StatusNormalClosure
	}
}

// Err maps the reason to its sentinel error.
func (r CloseReason) Err() error {
	switch r {
	case ReasonNone:
		return nil
	case ReasonIdleTimeout:
		return ErrIdleTimeout
	case ReasonProtocolViolation:
		return ErrProtocolViolation
	case ReasonBackpressureExceeded:
		return ErrBackpressureExceeded
	default:
		return ErrSessionClosed
	}
}

// Policy selects what the sender does when a frame would push the buffered
// byte count past MaxBackpressure.
type Policy uint8

const (
	// PolicyDrop discards the newest frame.
	PolicyDrop Policy = iota
	// PolicyPause queues the frame and signals producers to hold off.
	PolicyPause
	// PolicyClose closes the session.
	PolicyClose
)

func (p Policy) String() string {
	switch p {
	case PolicyDrop:
		return "drop"
	case PolicyPause:
		return "pause"
	case PolicyClose:
		return "close"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy parses "drop", "pause" or "close".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop", "":
		return PolicyDrop, nil
	case "pause":
		return PolicyPause, nil
	case "close":
		return PolicyClose, nil
	default:
		return PolicyDrop, fmt.Errorf("unknown backpressure policy %q (want drop, pause or close)", s)
	}
}

// SendResult is the outcome of handing a frame to the sender.
type SendResult uint8

const (
	// Sent: the frame went straight to the socket.
	Sent SendResult = iota
	// Queued: the frame waits behind earlier frames.
	Queued
	// Dropped: the frame was discarded (drop policy).
	Dropped
	// BackpressureClosed: the frame tripped the close policy or the hard limit.
	BackpressureClosed
	// Closed: the session was already closing or closed.
	Closed
)

func (r SendResult) String() string {
	switch r {
	case Sent:
		return "sent"
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	case BackpressureClosed:
		return "backpressure_closed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// Accepted reports whether the frame will eventually be written.
func (r SendResult) Accepted() bool {
	return r == Sent || r == Queued
}
