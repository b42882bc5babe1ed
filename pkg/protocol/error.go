// Package protocol defines the error taxonomy shared by the StarLine client packages.
//
// Failures fall into three categories. Transport failures (DNS, connect, timeout, non-2xx
// status) mean the operation did not complete; they are absorbed at the transport boundary
// and are always safe to treat uniformly as "no result". Response errors mean the server
// answered but rejected the request with a vendor status code; the raw body is attached for
// diagnostics. Malformed errors mean an otherwise successful response was missing a field
// the protocol requires. None of these are retried by the library.
package protocol

import (
	"errors"
	"fmt"
)

// Error exposes methods useful for categorizing failures.
type Error interface {
	error

	// Temporary returns true if the failure might be the result of a transient condition,
	// such as a timeout or an expired session, and the same request could succeed later.
	Temporary() bool
}

// TransportError wraps a failure that prevented a request from completing: the connection
// could not be established, timed out, or the server answered with a non-2xx status. The
// underlying cause is available through Unwrap for logging, but callers should not need to
// inspect it.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "server unavailable: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return true
}

// ResponseError indicates the server rejected a request with a vendor status code. Code is
// the status carried in the response body (the SLID API uses small integers, the SLNet API
// uses HTTP-like codes); Body is the raw payload for diagnostics.
type ResponseError struct {
	Code int
	Body []byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("server rejected request (status %d): %s", e.Code, e.Body)
}

func (e *ResponseError) Temporary() bool {
	return false
}

// MalformedError indicates a response was missing a field the protocol requires, such as a
// session cookie or a token value.
type MalformedError struct {
	Field string
	Body  []byte
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed server response: missing %q", e.Field)
}

func (e *MalformedError) Temporary() bool {
	return false
}

// IsTransport returns true if err classifies as a transport failure, meaning the request
// never completed and no conclusion about server-side state can be drawn.
func IsTransport(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr)
}

// Temporary returns true if err indicates a possibly transient condition that does not
// require user action to resolve.
func Temporary(err error) bool {
	var perr Error
	if errors.As(err, &perr) {
		return perr.Temporary()
	}
	return false
}
