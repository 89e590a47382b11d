package models

import (
	"errors"
	"net/netip"
	"strings"
	"time"
)

// Outcome is the result of an authentication attempt
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

// String returns the lower-case outcome label used in logs and metrics
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// LoginEvent is a single classified authentication log line
type LoginEvent struct {
	// User the attempt was made for. May be empty on some failure lines.
	User string `json:"user,omitempty"`

	// Address the attempt originated from
	Address netip.Addr `json:"address"`

	// Outcome of the attempt
	Outcome Outcome `json:"outcome"`

	// Method is the sshd auth method (publickey, password, ...), if known
	Method string `json:"method,omitempty"`

	// Timestamp taken from the log line, or the read time if the line had none
	Timestamp time.Time `json:"timestamp"`

	// Line is the raw log line, without the trailing newline
	Line string `json:"line,omitempty"`
}

// Validation errors
var (
	ErrMissingAddress   = errors.New("login event address cannot be empty")
	ErrMissingUser      = errors.New("successful login event must name a user")
	ErrInvalidOutcome   = errors.New("invalid login outcome")
	ErrMissingTimestamp = errors.New("timestamp cannot be zero")
)

// Validate checks the event carries what the alerting path needs
func (e *LoginEvent) Validate() error {
	if !e.Address.IsValid() {
		return ErrMissingAddress
	}

	if e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailure {
		return ErrInvalidOutcome
	}

	if e.Outcome == OutcomeSuccess && e.User == "" {
		return ErrMissingUser
	}

	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}

	return nil
}

// Normalize trims whitespace and unmaps IPv4-in-IPv6 addresses so that the
// same origin always compares equal
func (e *LoginEvent) Normalize() {
	e.User = strings.TrimSpace(e.User)
	e.Method = strings.TrimSpace(e.Method)
	e.Line = strings.TrimRight(e.Line, "\r\n")
	e.Address = e.Address.Unmap()
}
