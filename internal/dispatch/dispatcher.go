// Package dispatch turns incoming calls into exactly one reply each.
//
// A call moves through resolve, decode, invoke and reply. Resolution and
// decode failures never leave the Dispatcher; they become error replies.
// Async-capable handlers hand their continuation to the registry's executor
// and the Dispatcher returns at once, so the driver can keep reading.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mithrel/busobj/internal/codec"
	"github.com/mithrel/busobj/internal/executor"
	"github.com/mithrel/busobj/internal/registry"
	"github.com/mithrel/busobj/pkg/api"
)

// Outcome values.
const (
	OutcomeOK         = "ok"
	OutcomeError      = "error"
	OutcomeNoReply    = "no_reply"
	OutcomeSuppressed = "suppressed"
)

// Outcome describes how one call finished.
type Outcome struct {
	Call      *api.Call
	Async     bool
	Result    string
	ErrorName string
	Start     time.Time
	Duration  time.Duration
}

// Observer is told about every finished call. Implementations must not block.
type Observer interface {
	Observe(o Outcome)
}

type ObserverFunc func(o Outcome)

func (f ObserverFunc) Observe(o Outcome) { f(o) }

type Dispatcher struct {
	reg *registry.Registry
	log zerolog.Logger
	obs []Observer
}

type Option func(*Dispatcher)

func WithLogger(l zerolog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// WithObserver adds an observer; observers are called in order.
func WithObserver(o Observer) Option { return func(d *Dispatcher) { d.obs = append(d.obs, o) } }

func New(reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{reg: reg, log: zerolog.Nop()}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Registry() *registry.Registry { return d.reg }

// Dispatch handles one call. It returns once the synchronous part is done;
// deferred replies are sent later from the executor.
func (d *Dispatcher) Dispatch(ctx context.Context, call *api.Call, sink *Sink, em registry.Emitter) {
	start := time.Now()
	log := d.log.With().Str("call", call.ID().String()).Str("path", call.Path.String()).Str("method", call.Method()).Logger()
	reply, err := sink.Open(call)
	if err != nil {
		log.Info().Err(err).Msg("call rejected")
		d.reject(ctx, sink, call, start, err)
		return
	}
	log.Debug().Msg("dispatch")

	iface, m, err := d.reg.Resolve(call.Path, call.Interface, call.Member)
	if err != nil {
		log.Debug().Err(err).Msg("resolve failed")
		d.finish(ctx, reply, call, false, start, nil, "", err)
		return
	}
	if err := codec.Check(m.InSignature(), call.Signature, call.Body); err != nil {
		log.Debug().Err(err).Msg("decode failed")
		d.finish(ctx, reply, call, false, start, nil, "", err)
		return
	}
	args, err := m.Decode(call.Body)
	if err != nil {
		log.Debug().Err(err).Msg("decode failed")
		d.finish(ctx, reply, call, false, start, nil, "", err)
		return
	}

	inv, err := d.invoke(ctx, call, iface, args, em)
	if err != nil || !inv.Deferred() {
		d.finish(ctx, reply, call, false, start, inv.Body, m.OutSignature(), err)
		return
	}

	ex := d.reg.Executor()
	if ex == nil {
		d.finish(ctx, reply, call, true, start, nil, "", errors.New("no executor for deferred handler"))
		return
	}
	err = ex.Schedule(func(ectx context.Context) {
		body, err := runContinuation(ectx, inv)
		d.finish(ectx, reply, call, true, start, body, m.OutSignature(), err)
	})
	if err != nil {
		log.Info().Err(err).Msg("continuation not scheduled")
		d.finish(ctx, reply, call, true, start, nil, "", err)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, call *api.Call, iface *registry.Interface, args registry.Args, em registry.Emitter) (inv registry.Invocation, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("call", call.ID().String()).Interface("panic", r).Msg("handler panicked")
			err = api.NewMethodError(api.ErrNameFailed, "handler panicked: %v", r)
		}
	}()
	return d.reg.Invoke(ctx, call, iface, args, em)
}

func runContinuation(ctx context.Context, inv registry.Invocation) (body []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.NewMethodError(api.ErrNameFailed, "continuation panicked: %v", r)
		}
	}()
	return inv.Continue(ctx)
}

func (d *Dispatcher) finish(ctx context.Context, reply *Reply, call *api.Call, async bool, start time.Time, body []any, sig string, herr error) {
	o := Outcome{Call: call, Async: async, Start: start, Result: OutcomeOK}
	var serr error
	if herr != nil {
		name, msg := errorReply(herr)
		o.Result, o.ErrorName = OutcomeError, name
		if !isProtocolError(herr) {
			d.log.Info().Str("call", call.ID().String()).Str("error_name", name).Err(herr).Msg("handler error")
		}
		serr = reply.Error(ctx, name, msg)
	} else {
		serr = reply.Return(ctx, sig, body)
	}
	switch {
	case !reply.Expected():
		o.Result = OutcomeNoReply
	case errors.Is(serr, ErrSuppressed):
		o.Result = OutcomeSuppressed
	case serr != nil:
		d.log.Error().Str("call", call.ID().String()).Err(serr).Msg("reply not sent")
	}
	o.Duration = time.Since(start)
	for _, ob := range d.obs {
		ob.Observe(o)
	}
}

// reject answers a call that never reached the registry.
func (d *Dispatcher) reject(ctx context.Context, sink *Sink, call *api.Call, start time.Time, cause error) {
	o := Outcome{Call: call, Start: start, Result: OutcomeError, ErrorName: api.ErrNameInvalidArgs}
	if err := sink.Reject(ctx, call.ID(), api.ErrNameInvalidArgs, cause.Error()); errors.Is(err, ErrSuppressed) {
		o.Result = OutcomeSuppressed
	} else if err != nil {
		d.log.Error().Str("call", call.ID().String()).Err(err).Msg("rejection not sent")
	}
	o.Duration = time.Since(start)
	for _, ob := range d.obs {
		ob.Observe(o)
	}
}

func isProtocolError(err error) bool {
	return errors.Is(err, registry.ErrUnknownObject) ||
		errors.Is(err, registry.ErrUnknownInterface) ||
		errors.Is(err, registry.ErrUnknownMethod) ||
		errors.Is(err, codec.ErrArgumentMismatch)
}

// errorReply maps an error to the name and message sent to the caller.
func errorReply(err error) (string, string) {
	switch {
	case errors.Is(err, registry.ErrUnknownObject):
		return api.ErrNameUnknownObject, err.Error()
	case errors.Is(err, registry.ErrUnknownInterface):
		return api.ErrNameUnknownInterface, err.Error()
	case errors.Is(err, registry.ErrUnknownMethod):
		return api.ErrNameUnknownMethod, err.Error()
	case errors.Is(err, codec.ErrArgumentMismatch):
		return api.ErrNameInvalidArgs, err.Error()
	case errors.Is(err, executor.ErrSaturated):
		return api.ErrNameLimitsExceeded, err.Error()
	case errors.Is(err, executor.ErrClosed):
		return api.ErrNameFailed, "service is shutting down"
	}
	var me *api.MethodError
	if errors.As(err, &me) {
		return me.Name, me.Message
	}
	return api.ErrorNameOf(err), fmt.Sprint(err)
}
