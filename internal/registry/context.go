package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/mithrel/busobj/internal/codec"
	"github.com/mithrel/busobj/pkg/api"
)

// ErrNoEmitter is returned by Context.Emit when the call arrived on a
// transport that cannot send signals.
var ErrNoEmitter = errors.New("registry: no signal emitter")

// Emitter sends signals on behalf of handlers.
type Emitter interface {
	Emit(ctx context.Context, s api.Signal) error
}

// Context is what a handler sees of the call it serves.
type Context struct {
	ctx     context.Context
	reg     *Registry
	call    *api.Call
	iface   *Interface
	borrow  *Borrow
	emitter Emitter
}

// Context returns the dispatch context. Continuations get their own context
// from the executor and should use that instead.
func (c *Context) Context() context.Context { return c.ctx }

func (c *Context) Path() api.ObjectPath  { return c.call.Path }
func (c *Context) Call() *api.Call       { return c.call }
func (c *Context) Sender() string        { return c.call.Sender }
func (c *Context) Interface() *Interface { return c.iface }

// Registry is the read view of the registry serving the call.
func (c *Context) Registry() *Registry { return c.reg }

// Data returns the borrowed payload. It is nil once the synchronous part of
// the handler has returned.
func (c *Context) Data() any {
	if c.borrow == nil {
		return nil
	}
	return c.borrow.Data()
}

// Set replaces the borrowed payload.
func (c *Context) Set(v any) error {
	if c.borrow == nil {
		return errors.New("registry: payload is no longer borrowed")
	}
	c.borrow.Set(v)
	return nil
}

// DataAs returns the borrowed payload as T.
func DataAs[T any](c *Context) (T, bool) {
	v, ok := c.Data().(T)
	return v, ok
}

// ErrStillBorrowed is returned by Reacquire while the synchronous part of
// the handler still holds the object; use Data and Set there instead.
var ErrStillBorrowed = errors.New("registry: payload is already borrowed by this call")

// Reacquire borrows the object again from a continuation and runs fn with
// its payload. If the object was removed in the meantime the caller gets an
// UnknownObject error.
func (c *Context) Reacquire(fn func(data any) error) error {
	if c.borrow != nil {
		return ErrStillBorrowed
	}
	b, err := c.reg.DataMut(c.call.Path)
	if err != nil {
		return api.NewMethodError(api.ErrNameUnknownObject, "object %s was removed", c.call.Path)
	}
	defer b.Release()
	return fn(b.Data())
}

// Emit sends signal member of the call's interface from the call's path.
// args must match the declared signal arguments.
func (c *Context) Emit(member string, args ...any) error {
	s, ok := c.iface.Signal(member)
	if !ok {
		return fmt.Errorf("%w: signal %s.%s", ErrUnknownMethod, c.iface.Name, member)
	}
	if err := codec.Check(s.Signature(), "", args); err != nil {
		return fmt.Errorf("signal %s.%s: %w", c.iface.Name, member, err)
	}
	if c.emitter == nil {
		return ErrNoEmitter
	}
	return c.emitter.Emit(c.ctx, api.Signal{
		Path:      c.call.Path,
		Interface: c.iface.Name,
		Member:    member,
		Signature: s.Signature(),
		Body:      args,
	})
}
