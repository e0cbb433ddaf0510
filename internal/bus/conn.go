// Package bus connects the dispatcher to a D-Bus message bus.
//
// godbus owns the socket, authentication and message encoding. Every method
// call the bus delivers is routed through one catch-all handler into
// Incoming, so resolution and error naming stay with the dispatcher. The
// handler blocks godbus's per-call goroutine until the dispatcher replies.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/mithrel/busobj/internal/ipc/transport"
	"github.com/mithrel/busobj/pkg/api"
)

var (
	ErrNameTaken = errors.New("bus: name not acquired")
	ErrNoWaiter  = errors.New("bus: no call waiting for reply")
	errShutdown  = dbus.NewError(api.ErrNameFailed, []interface{}{"service is shutting down"})
)

// Conn is a transport.Conn over a godbus connection.
type Conn struct {
	conn *dbus.Conn
	log  zerolog.Logger

	in   chan *api.Call
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	err     error
	senders sync.WaitGroup
	waiters map[api.ReplyIdentity]chan api.Reply
}

var _ transport.Conn = (*Conn)(nil)

func newConn(log zerolog.Logger) *Conn {
	return &Conn{
		log:     log.With().Str("component", "bus").Logger(),
		in:      make(chan *api.Call, 64),
		done:    make(chan struct{}),
		waiters: make(map[api.ReplyIdentity]chan api.Reply),
	}
}

// Dial connects to the bus named by address: "session", "system", or a
// D-Bus server address such as "unix:path=/run/dbus/system_bus_socket".
func Dial(ctx context.Context, address string, log zerolog.Logger) (*Conn, error) {
	c := newConn(log)
	opts := []dbus.ConnOption{dbus.WithHandler(handler{c})}
	var (
		conn *dbus.Conn
		err  error
	)
	switch strings.ToLower(address) {
	case "", "session":
		conn, err = dbus.ConnectSessionBus(opts...)
	case "system":
		conn, err = dbus.ConnectSystemBus(opts...)
	default:
		conn, err = dbus.Connect(address, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", address, err)
	}
	if err := ctx.Err(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.conn = conn
	c.log.Info().Str("address", address).Strs("names", conn.Names()).Msg("connected")
	go c.watch()
	return c, nil
}

// watch ends the connection when godbus reports it closed.
func (c *Conn) watch() {
	select {
	case <-c.conn.Context().Done():
		c.shutdown(errors.New("bus: connection closed"))
	case <-c.done:
	}
}

// NameFlags are the ownership options for RequestName.
type NameFlags struct {
	AllowReplacement bool
	ReplaceExisting  bool
	DoNotQueue       bool
}

func (f NameFlags) dbus() dbus.RequestNameFlags {
	var out dbus.RequestNameFlags
	if f.AllowReplacement {
		out |= dbus.NameFlagAllowReplacement
	}
	if f.ReplaceExisting {
		out |= dbus.NameFlagReplaceExisting
	}
	if f.DoNotQueue {
		out |= dbus.NameFlagDoNotQueue
	}
	return out
}

// RequestName claims a well-known name. Anything short of ownership is an
// error, since calls to the name would never arrive.
func (c *Conn) RequestName(name string, flags NameFlags) error {
	reply, err := c.conn.RequestName(name, flags.dbus())
	if err != nil {
		return fmt.Errorf("bus: request name %s: %w", name, err)
	}
	switch reply {
	case dbus.RequestNameReplyPrimaryOwner, dbus.RequestNameReplyAlreadyOwner:
		c.log.Info().Str("name", name).Msg("name acquired")
		return nil
	case dbus.RequestNameReplyInQueue:
		return fmt.Errorf("%w: %s is owned elsewhere, queued", ErrNameTaken, name)
	default:
		return fmt.Errorf("%w: %s exists", ErrNameTaken, name)
	}
}

// UniqueName is the connection's bus-assigned name.
func (c *Conn) UniqueName() string {
	if c.conn == nil {
		return ""
	}
	if names := c.conn.Names(); len(names) > 0 {
		return names[0]
	}
	return ""
}

func (c *Conn) Incoming() <-chan *api.Call { return c.in }
func (c *Conn) Done() <-chan struct{}      { return c.done }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// deliver hands a call to Incoming and, unless it expects no reply, waits
// for the dispatcher's answer. A call reusing the identity of one still
// waiting is refused without reaching Incoming.
func (c *Conn) deliver(call *api.Call) (api.Reply, error) {
	var wait chan api.Reply
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return api.Reply{}, errShutdown
	}
	if !call.NoReply {
		if _, busy := c.waiters[call.ID()]; busy {
			c.mu.Unlock()
			c.log.Info().Str("call", call.ID().String()).Msg("serial already in use")
			return api.Reply{}, dbus.NewError(api.ErrNameInvalidArgs, []interface{}{"serial already in use"})
		}
		wait = make(chan api.Reply, 1)
		c.waiters[call.ID()] = wait
	}
	c.senders.Add(1)
	c.mu.Unlock()

	select {
	case c.in <- call:
		c.senders.Done()
	case <-c.done:
		c.senders.Done()
		c.forget(call.ID())
		return api.Reply{}, errShutdown
	}
	if wait == nil {
		return api.Reply{}, nil
	}
	select {
	case r := <-wait:
		return r, nil
	case <-c.done:
		c.forget(call.ID())
		return api.Reply{}, errShutdown
	}
}

func (c *Conn) forget(id api.ReplyIdentity) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// Send resolves the godbus call waiting for r.
func (c *Conn) Send(ctx context.Context, r api.Reply) error {
	c.mu.Lock()
	wait, ok := c.waiters[r.ID]
	delete(c.waiters, r.ID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoWaiter, r.ID)
	}
	wait <- r
	return nil
}

// Emit broadcasts s, or unicasts it when it has a destination.
func (c *Conn) Emit(ctx context.Context, s api.Signal) error {
	if c.conn == nil {
		return transport.ErrClosed
	}
	if s.Destination == "" {
		return c.conn.Emit(s.Path.DBus(), s.Name(), s.Body...)
	}
	msg := &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:        dbus.MakeVariant(s.Path.DBus()),
			dbus.FieldInterface:   dbus.MakeVariant(s.Interface),
			dbus.FieldMember:      dbus.MakeVariant(s.Member),
			dbus.FieldDestination: dbus.MakeVariant(s.Destination),
		},
		Body: s.Body,
	}
	if len(s.Body) > 0 {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(s.Body...))
	}
	return c.conn.Send(msg, nil).Err
}

func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	close(c.done)
	c.mu.Unlock()
	c.senders.Wait()
	close(c.in)
}

// Close disconnects from the bus. Calls still waiting for replies are
// failed.
func (c *Conn) Close() error {
	c.shutdown(nil)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
