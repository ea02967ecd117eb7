package publisher

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// ErrorCode represents the type of error that occurred.
type ErrorCode int

const (
	// ErrUnknown is an unknown error.
	ErrUnknown ErrorCode = iota
	// ErrUnknownBackend is returned for an unrecognised backend selector.
	// No request is made.
	ErrUnknownBackend
	// ErrEmptyContent is returned when there is nothing to publish.
	ErrEmptyContent
	// ErrBadStatus is returned when a backend answers with anything other
	// than its success status. The driver fails over to the next backend.
	ErrBadStatus
	// ErrUnreachable is returned when no connection to a backend could be
	// established, or the call timed out. The driver fails over to the next backend.
	ErrUnreachable
	// ErrMalformedResponse is returned when a backend reports success but the
	// body does not carry a document key. Publishing stops.
	ErrMalformedResponse
	// ErrTransport covers any other transport failure. Publishing stops.
	ErrTransport
)

var codeNames = map[ErrorCode]string{
	ErrUnknown:           "unknown",
	ErrUnknownBackend:    "unknown backend",
	ErrEmptyContent:      "empty content",
	ErrBadStatus:         "bad status",
	ErrUnreachable:       "unreachable",
	ErrMalformedResponse: "malformed response",
	ErrTransport:         "transport",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is returned by backends and by the publisher.
type Error struct {
	Code    ErrorCode
	Backend ID
	// Status is the HTTP status the backend answered with, if any.
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := "publisher: "
	if e.Code != ErrUnknownBackend && e.Code != ErrEmptyContent {
		msg += e.Backend.String() + ": "
	}
	msg += e.Message
	if e.Status != 0 && e.Code == ErrBadStatus {
		msg += fmt.Sprintf(" (%d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFailover reports whether err is an expected backend failure after which
// the next backend should be tried.
func IsFailover(err error) bool {
	return hasCode(err, ErrBadStatus) || hasCode(err, ErrUnreachable)
}

// IsUnknownBackend reports whether err was caused by an unrecognised selector.
func IsUnknownBackend(err error) bool {
	return hasCode(err, ErrUnknownBackend)
}

// IsUnreachable reports whether err means the backend could not be reached.
func IsUnreachable(err error) bool {
	return hasCode(err, ErrUnreachable)
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// classifyTransportError sorts an error from http.Client.Do into "could not
// connect" (fail over), caller cancellation and everything else (abort).
func classifyTransportError(ctx context.Context, id ID, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: publish aborted: %w", id, ctx.Err())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Code: ErrUnreachable, Backend: id, Message: "request timed out", Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Code: ErrUnreachable, Backend: id, Message: "resolving host", Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &Error{Code: ErrUnreachable, Backend: id, Message: "connecting", Err: err}
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return &Error{Code: ErrUnreachable, Backend: id, Message: "connection refused", Err: err}
	}

	return &Error{Code: ErrTransport, Backend: id, Message: "making request", Err: err}
}
