package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies why an upstream call could not produce a stream.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota + 1
	KindHTTP
	KindConnection
	KindConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindHTTP:
		return "http_error"
	case KindConnection:
		return "connection_error"
	case KindConfiguration:
		return "configuration_error"
	default:
		return "unknown"
	}
}

// Error is the only error type returned by OpenStream, and the error type
// surfaced by stream reads that hit the idle read timeout.
type Error struct {
	Kind       ErrorKind
	StatusCode int    // KindHTTP only
	Body       string // KindHTTP only, truncated
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("llm: upstream returned status %d: %s", e.StatusCode, e.Body)
	case KindConfiguration:
		return "llm: api key is not configured"
	default:
		if e.Err != nil {
			return fmt.Sprintf("llm: %s: %v", e.Kind, e.Err)
		}
		return "llm: " + e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// classifyTransportError maps an http.Client.Do failure to Timeout or Connection.
func classifyTransportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindConnection, Err: err}
}
