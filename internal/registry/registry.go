// Package registry holds interface definitions and the objects they are
// attached to.
//
// Interfaces are registered once and identified by a Token for the life of
// the Registry. Objects map a path to a payload and an ordered set of
// interfaces. A payload is only ever reachable through a Borrow, and at most
// one Borrow per path exists at a time; unrelated paths never contend.
//
// The Registry may be mutated after startup. Insert and Remove are safe to
// call concurrently with dispatch, including from inside a handler.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mithrel/busobj/internal/executor"
	"github.com/mithrel/busobj/pkg/api"
)

var (
	ErrDuplicateInterface = errors.New("registry: interface already registered")
	ErrDuplicateObject    = errors.New("registry: object already exists")
	ErrDuplicateMember    = errors.New("registry: duplicate member")
	ErrUnknownToken       = errors.New("registry: unknown interface token")
	ErrInvalidDescriptor  = errors.New("registry: invalid descriptor")
	ErrArityMismatch      = errors.New("registry: argument names do not match tuple")
	ErrAsyncUnsupported   = errors.New("registry: async methods need an executor")

	ErrUnknownObject    = errors.New("registry: unknown object")
	ErrUnknownInterface = errors.New("registry: unknown interface")
	ErrUnknownMethod    = errors.New("registry: unknown method")
)

type Registry struct {
	log  zerolog.Logger
	exec executor.Executor

	mu       sync.RWMutex
	next     uint64
	names    map[string]Token
	ifaces   map[Token]*Interface
	objects  map[api.ObjectPath]*object
	defaults []Token
}

type object struct {
	path   api.ObjectPath
	ifaces []*Interface

	// mu is the borrow. data is only touched while it is held.
	mu      sync.Mutex
	data    any
	removed atomic.Bool
}

type Option func(*Registry)

// WithExecutor enables async-capable methods.
func WithExecutor(e executor.Executor) Option { return func(r *Registry) { r.exec = e } }

func WithLogger(l zerolog.Logger) Option { return func(r *Registry) { r.log = l } }

func New(opts ...Option) *Registry {
	r := &Registry{
		log:     zerolog.Nop(),
		names:   make(map[string]Token),
		ifaces:  make(map[Token]*Interface),
		objects: make(map[api.ObjectPath]*object),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Executor returns the configured executor, or nil.
func (r *Registry) Executor() executor.Executor { return r.exec }

// RegisterInterface runs build once and stores the resulting definition.
// Registering a name twice is an error even if the definitions agree.
func (r *Registry) RegisterInterface(name string, build func(b *Builder)) (Token, error) {
	if !validInterface(name) {
		return Token{}, fmt.Errorf("%w: interface name %q", ErrInvalidDescriptor, name)
	}
	b := newBuilder(name, r.exec != nil)
	build(b)
	iface, err := b.build()
	if err != nil {
		return Token{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.names[name]; dup {
		return Token{}, fmt.Errorf("%w: %s", ErrDuplicateInterface, name)
	}
	r.next++
	tok := Token{id: r.next}
	r.names[name] = tok
	r.ifaces[tok] = iface
	r.log.Debug().Str("interface", name).Str("fingerprint", iface.fingerprint).Msg("interface registered")
	return tok, nil
}

// AttachByDefault attaches tok to every object inserted afterwards, after
// the object's own interfaces.
func (r *Registry) AttachByDefault(tok Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ifaces[tok]; !ok {
		return ErrUnknownToken
	}
	for _, t := range r.defaults {
		if t == tok {
			return nil
		}
	}
	r.defaults = append(r.defaults, tok)
	return nil
}

// Insert makes path dispatchable with the given interfaces and payload.
// Duplicate tokens are attached once, in first-seen order.
func (r *Registry) Insert(path api.ObjectPath, tokens []Token, payload any) error {
	path, err := api.ParseObjectPath(string(path))
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.objects[path]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateObject, path)
	}
	obj := &object{path: path, data: payload}
	seen := make(map[Token]bool)
	for _, t := range append(append([]Token(nil), tokens...), r.defaults...) {
		if seen[t] {
			continue
		}
		iface, ok := r.ifaces[t]
		if !ok {
			return fmt.Errorf("%w: attaching to %s", ErrUnknownToken, path)
		}
		seen[t] = true
		obj.ifaces = append(obj.ifaces, iface)
	}
	r.objects[path] = obj
	r.log.Debug().Str("path", path.String()).Int("interfaces", len(obj.ifaces)).Msg("object inserted")
	return nil
}

// Remove revokes path. Interface tokens stay valid. A handler already
// holding the object's borrow finishes normally; later borrows fail.
func (r *Registry) Remove(path api.ObjectPath) error {
	canon, err := api.ParseObjectPath(string(path))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownObject, path)
	}
	path = canon
	r.mu.Lock()
	obj, ok := r.objects[path]
	if ok {
		delete(r.objects, path)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, path)
	}
	obj.removed.Store(true)
	r.log.Debug().Str("path", path.String()).Msg("object removed")
	return nil
}

// object looks path up in the same canonical form Insert stores.
func (r *Registry) object(path api.ObjectPath) (*object, bool) {
	path, err := api.ParseObjectPath(string(path))
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.objects[path]
	return o, ok
}

// Resolve finds the method for a call. Failures are reported in path,
// interface, method order. An empty iface searches the object's interfaces
// in attachment order.
func (r *Registry) Resolve(path api.ObjectPath, iface, member string) (*Interface, *MethodDesc, error) {
	obj, ok := r.object(path)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownObject, path)
	}
	if iface == "" {
		for _, i := range obj.ifaces {
			if m, ok := i.methods[member]; ok {
				return i, m, nil
			}
		}
		return nil, nil, fmt.Errorf("%w: %s on %s", ErrUnknownMethod, member, path)
	}
	for _, i := range obj.ifaces {
		if i.Name != iface {
			continue
		}
		m, ok := i.methods[member]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, iface, member)
		}
		return i, m, nil
	}
	return nil, nil, fmt.Errorf("%w: %s on %s", ErrUnknownInterface, iface, path)
}

// Lookup is Resolve without the failure reason.
func (r *Registry) Lookup(path api.ObjectPath, iface, member string) (*MethodDesc, bool) {
	_, m, err := r.Resolve(path, iface, member)
	return m, err == nil
}

// Borrow is exclusive access to one object's payload.
type Borrow struct {
	obj      *object
	released bool
}

func (b *Borrow) Path() api.ObjectPath { return b.obj.path }
func (b *Borrow) Data() any            { return b.obj.data }

// Set replaces the payload.
func (b *Borrow) Set(v any) { b.obj.data = v }

// Release ends the borrow. It is safe to call more than once.
func (b *Borrow) Release() {
	if b.released {
		return
	}
	b.released = true
	b.obj.mu.Unlock()
}

// DataMut blocks until the payload at path is free and returns a borrow on
// it. It fails with ErrUnknownObject if the path is absent or was removed
// while waiting.
func (r *Registry) DataMut(path api.ObjectPath) (*Borrow, error) {
	obj, ok := r.object(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownObject, path)
	}
	obj.mu.Lock()
	if obj.removed.Load() {
		obj.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownObject, path)
	}
	return &Borrow{obj: obj}, nil
}

// Invoke runs the synchronous part of m's handler for call while holding
// the target object's borrow. The borrow is released before Invoke returns,
// so a returned continuation never runs with it held.
func (r *Registry) Invoke(ctx context.Context, call *api.Call, iface *Interface, args Args, em Emitter) (Invocation, error) {
	b, err := r.DataMut(call.Path)
	if err != nil {
		return Invocation{}, err
	}
	c := &Context{ctx: ctx, reg: r, call: call, iface: iface, borrow: b, emitter: em}
	defer func() {
		c.borrow = nil
		b.Release()
	}()
	return args.m.call(c, args.v)
}

// Objects lists every object path, sorted.
func (r *Registry) Objects() []api.ObjectPath {
	r.mu.RLock()
	out := make([]api.ObjectPath, 0, len(r.objects))
	for p := range r.objects {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Interfaces returns the interfaces attached to path in attachment order.
func (r *Registry) Interfaces(path api.ObjectPath) ([]*Interface, bool) {
	obj, ok := r.object(path)
	if !ok {
		return nil, false
	}
	return append([]*Interface(nil), obj.ifaces...), true
}

func (r *Registry) Interface(tok Token) (*Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.ifaces[tok]
	return i, ok
}

func (r *Registry) InterfaceByName(name string) (*Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tok, ok := r.names[name]
	if !ok {
		return nil, false
	}
	return r.ifaces[tok], true
}

// Names lists registered interface names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.names))
	for n := range r.names {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
