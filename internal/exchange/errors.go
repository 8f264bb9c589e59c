package exchange

import (
	"encoding/json"
	"fmt"
)

type ErrorKind string

const (
	// KindUnauthorized: bad or revoked API credential. Not retryable.
	KindUnauthorized ErrorKind = "UNAUTHORIZED"
	// KindRateLimited: the venue asked us to slow down. Retryable.
	KindRateLimited ErrorKind = "RATE_LIMITED"
	// KindRejected: venue rejected the order (invalid symbol, insufficient
	// balance, lot size...). Terminal, never retried.
	KindRejected ErrorKind = "REJECTED"
	// KindUnavailable: transport-level failure before the request reached
	// the venue. Retryable.
	KindUnavailable ErrorKind = "UNAVAILABLE"
	// KindAmbiguous: the request was sent but the response was lost. The
	// order may be live on the venue; this must be surfaced, never assumed
	// to be a failure.
	KindAmbiguous ErrorKind = "AMBIGUOUS"
)

// GatewayError carries the classification the dispatcher's state machine
// branches on, plus the raw venue response when one was received.
type GatewayError struct {
	Kind     ErrorKind
	Reason   string
	Raw      json.RawMessage
	Attempts int
	Cause    error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("exchange %s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("exchange %s: %s", e.Kind, e.Reason)
}

func (e *GatewayError) Unwrap() error { return e.Cause }

// Retryable reports whether the retry policy may attempt the call again.
func (e *GatewayError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindUnavailable:
		return true
	}
	return false
}
