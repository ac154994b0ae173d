package client

import "errors"

var (
	// ErrRecoverable means a resync attempt was abandoned and the server
	// bookkeeping rolled back; the next update retries it.
	ErrRecoverable = errors.New("client: resync attempt failed")
	// ErrFatalDesync means the local simulation can no longer match the
	// server. The session has to end.
	ErrFatalDesync = errors.New("client: fatal desync")
	// ErrServer wraps an ERROR message that ends the session.
	ErrServer = errors.New("client: server error")
)
