package models

import (
	"errors"
	"fmt"
)

// Failure classes. None of them is fatal to the daemon.
var (
	ErrParse    = errors.New("parse failure")
	ErrQuery    = errors.New("query failure")
	ErrDelivery = errors.New("delivery failure")
)

// ParseError reports an auth log line that looked like an authentication
// event but whose user or address could not be extracted
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v: %s: %q", ErrParse, e.Reason, e.Line)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// QueryError reports a pool status query that could not be run or whose
// output could not be parsed
type QueryError struct {
	Command string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrQuery, e.Command, e.Err)
}

func (e *QueryError) Unwrap() []error { return []error{ErrQuery, e.Err} }

// DeliveryError reports a notification that was dropped after the retry
// ceiling was reached or a permanent error was returned
type DeliveryError struct {
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%v after %d attempt(s): %v", ErrDelivery, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }
