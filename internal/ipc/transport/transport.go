package transport

import (
	"context"
	"errors"
	"net"

	"github.com/mithrel/busobj/pkg/api"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: closed")

// Conn is a service-side message connection. It delivers decoded method
// calls and accepts replies and signals for encoding. Implementations own
// their I/O goroutines; Incoming is closed when the connection ends, after
// which Err reports why.
type Conn interface {
	Incoming() <-chan *api.Call
	Send(ctx context.Context, r api.Reply) error
	Emit(ctx context.Context, s api.Signal) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Client performs one method call and waits for its reply.
type Client interface {
	Call(ctx context.Context, call *api.Call) (api.Reply, error)
}

// Listener abstracts how a server obtains a net.Listener (unix, tcp, etc.).
type Listener interface {
	Listen(ctx context.Context) (net.Listener, error)
}
