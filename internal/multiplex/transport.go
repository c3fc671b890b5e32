package multiplex

import (
	"context"
	"net/http"
)

// Transport is one physical bidirectional message channel. Messages is
// closed once the transport stops receiving; Err then reports why, with
// ErrTransportClosed standing for an orderly close.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Messages() <-chan []byte
	Err() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, address string, header http.Header) (Transport, error)
}
