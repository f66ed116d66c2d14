package session

import "errors"

var (
	// ErrTimeout is returned by SendRequest when the peer did not respond
	// within the request's timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled is returned by SendRequest when the peer cancelled the
	// request before responding.
	ErrCancelled = errors.New("request cancelled")

	// ErrConnectionClosed is returned by SendRequest and Notify when the
	// underlying connection closed before the operation completed.
	ErrConnectionClosed = errors.New("connection closed")
)
