package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mithrel/busobj/internal/ipc/transport"
)

// ErrTransportLost is returned by Driver.Run when the connection ends while
// the service is still running. No further dispatch is possible.
var ErrTransportLost = errors.New("dispatch: transport lost")

// Driver pumps one connection into a Dispatcher.
type Driver struct {
	name string
	conn transport.Conn
	disp *Dispatcher
	sink *Sink
	log  zerolog.Logger
}

// NewDriver binds conn to disp. name labels the connection in logs.
func NewDriver(name string, conn transport.Conn, disp *Dispatcher, sink *Sink, log zerolog.Logger) *Driver {
	return &Driver{
		name: name,
		conn: conn,
		disp: disp,
		sink: sink,
		log:  log.With().Str("conn", name).Logger(),
	}
}

func (d *Driver) Name() string { return d.name }
func (d *Driver) Sink() *Sink  { return d.sink }

// Run dispatches calls in arrival order until ctx ends (nil) or the
// connection ends (ErrTransportLost). The sink is closed on return, so
// continuations finishing later send nothing.
func (d *Driver) Run(ctx context.Context) error {
	defer d.sink.Close()
	in := d.conn.Incoming()
	for {
		select {
		case <-ctx.Done():
			d.log.Debug().Msg("driver stopping")
			return nil
		case call, ok := <-in:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				cause := d.conn.Err()
				if cause == nil {
					cause = transport.ErrClosed
				}
				d.log.Error().Err(cause).Msg("connection lost")
				return fmt.Errorf("%w: %s: %v", ErrTransportLost, d.name, cause)
			}
			d.disp.Dispatch(ctx, call, d.sink, d.conn)
		}
	}
}
