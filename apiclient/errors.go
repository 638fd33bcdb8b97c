package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnrecoverable matches every authentication failure that a token
// refresh can not fix.
var ErrUnrecoverable = errors.New("could not authenticate the user, session destroyed")

// UnrecoverableReason tells "never logged in" apart from "session expired".
type UnrecoverableReason string

const (
	// ReasonNoRefreshToken: the server rejected the request and there was no
	// refresh token to recover with.
	ReasonNoRefreshToken UnrecoverableReason = "no_refresh_token"
	// ReasonRefreshFailed: the refresh endpoint rejected the refresh token or
	// could not be reached.
	ReasonRefreshFailed UnrecoverableReason = "refresh_failed"
)

// UnrecoverableError is the Unrecoverable authentication outcome.
type UnrecoverableError struct {
	Reason UnrecoverableReason
	// Response is the 401 that started the recovery attempt.
	Response *Response
	// Cause is the refresh failure, nil for ReasonNoRefreshToken.
	Cause error

	// set once the stored credentials have been cleared for this outcome
	cleared bool
}

func (e *UnrecoverableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %v", ErrUnrecoverable, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s (%s)", ErrUnrecoverable, e.Reason)
}

func (e *UnrecoverableError) Is(target error) bool {
	return target == ErrUnrecoverable
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Cause
}

// ResponseError is returned for every completed request with a non-2xx
// status.
type ResponseError struct {
	Response *Response
}

func (e *ResponseError) Error() string {
	req := e.Response.Request
	if len(e.Response.Data) == 0 {
		return fmt.Sprintf("%s %s failed with status %d", req.Method, req.Path, e.Response.StatusCode)
	}
	return fmt.Sprintf(
		"%s %s failed with status %d: %s",
		req.Method,
		req.Path,
		e.Response.StatusCode,
		string(e.Response.Data),
	)
}

// StatusCode returns the HTTP status of the failed response.
func (e *ResponseError) StatusCode() int {
	return e.Response.StatusCode
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	var respErr *ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode() == http.StatusUnauthorized
}
