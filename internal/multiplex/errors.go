package multiplex

import "errors"

var (
	ErrConnectFailed    = errors.New("connect failed")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrCapacityExceeded = errors.New("maximum contexts per connection reached")
	ErrDuplicateContext = errors.New("context already exists")
	ErrTransportClosed  = errors.New("transport closed")
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnroutable       = errors.New("unroutable message")
)

// RemoteError is an error record sent by the peer that could not be
// delivered to any context.
type RemoteError struct {
	Code      string
	Message   string
	ContextID string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *RemoteError) Unwrap() error {
	return ErrUnroutable
}
