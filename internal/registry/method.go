package registry

import (
	"context"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/mithrel/busobj/internal/codec"
)

// Deferred is the continuation returned by an async-capable handler. It runs
// on the executor after the object's borrow has been released, so it must
// not touch Context.Data; use Context.Reacquire instead.
type Deferred[Out any] func(ctx context.Context) (Out, error)

// Method registers a synchronous method. In and Out are structs whose
// exported fields, in order, form the input and output argument tuples.
// in and out name those arguments; nil derives names from the fields.
func Method[In, Out any](b *Builder, name string, in, out []string, fn func(*Context, In) (Out, error), opts ...MethodOption) {
	m, inT, outT, err := newMethod[In, Out](b.iface.Name, name, in, out)
	if err != nil {
		b.fail(err)
		return
	}
	m.decode = inT.decoder()
	m.call = func(c *Context, args any) (Invocation, error) {
		o, err := fn(c, args.(In))
		if err != nil {
			return Invocation{}, err
		}
		return Invocation{Body: outT.values(reflect.ValueOf(o))}, nil
	}
	for _, opt := range opts {
		opt(m)
	}
	b.addMethod(m)
}

// AsyncMethod registers an async-capable method. fn runs with the object
// borrowed and returns a continuation that produces the reply later. A nil
// continuation replies with the zero Out.
func AsyncMethod[In, Out any](b *Builder, name string, in, out []string, fn func(*Context, In) (Deferred[Out], error), opts ...MethodOption) {
	if !b.async {
		b.fail(fmt.Errorf("%w: %s.%s", ErrAsyncUnsupported, b.iface.Name, name))
		return
	}
	m, inT, outT, err := newMethod[In, Out](b.iface.Name, name, in, out)
	if err != nil {
		b.fail(err)
		return
	}
	m.Async = true
	m.decode = inT.decoder()
	m.call = func(c *Context, args any) (Invocation, error) {
		d, err := fn(c, args.(In))
		if err != nil {
			return Invocation{}, err
		}
		return Invocation{Continue: func(ctx context.Context) ([]any, error) {
			var o Out
			if d != nil {
				var err error
				if o, err = d(ctx); err != nil {
					return nil, err
				}
			}
			return outT.values(reflect.ValueOf(o)), nil
		}}, nil
	}
	for _, opt := range opts {
		opt(m)
	}
	b.addMethod(m)
}

func newMethod[In, Out any](iface, name string, in, out []string) (*MethodDesc, tuple, tuple, error) {
	if !validMember(name) {
		return nil, tuple{}, tuple{}, fmt.Errorf("%w: method name %q", ErrInvalidDescriptor, name)
	}
	inT, err := tupleOf(reflect.TypeOf((*In)(nil)).Elem(), in)
	if err != nil {
		return nil, tuple{}, tuple{}, fmt.Errorf("%s.%s inputs: %w", iface, name, err)
	}
	outT, err := tupleOf(reflect.TypeOf((*Out)(nil)).Elem(), out)
	if err != nil {
		return nil, tuple{}, tuple{}, fmt.Errorf("%s.%s outputs: %w", iface, name, err)
	}
	m := &MethodDesc{
		Name:   name,
		In:     inT.args,
		Out:    outT.args,
		inSig:  inT.sig,
		outSig: outT.sig,
	}
	return m, inT, outT, nil
}

// tuple is the registration-time view of an argument struct.
type tuple struct {
	typ    reflect.Type
	fields []int
	args   []Arg
	sig    string
}

func tupleOf(t reflect.Type, names []string) (tuple, error) {
	if t.Kind() != reflect.Struct {
		return tuple{}, fmt.Errorf("%w: %s is not a struct", ErrInvalidDescriptor, t)
	}
	tp := tuple{typ: t}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("dbus") == "-" {
			continue
		}
		sig, err := codec.SignatureOfType(f.Type)
		if err != nil {
			return tuple{}, fmt.Errorf("%w: field %s: %v", ErrInvalidDescriptor, f.Name, err)
		}
		name := f.Tag.Get("arg")
		if name == "" {
			name = lowerFirst(f.Name)
		}
		tp.fields = append(tp.fields, i)
		tp.args = append(tp.args, Arg{Name: name, Type: sig})
	}
	if names != nil {
		if len(names) != len(tp.args) {
			return tuple{}, fmt.Errorf("%w: %d names for %d fields of %s", ErrArityMismatch, len(names), len(tp.args), t)
		}
		for i, n := range names {
			tp.args[i].Name = n
		}
	}
	tp.sig = signatureOf(tp.args)
	return tp, nil
}

// decoder returns a function storing a body into a fresh tuple value.
func (tp tuple) decoder() func([]any) (any, error) {
	return func(body []any) (any, error) {
		rv := reflect.New(tp.typ).Elem()
		dest := make([]any, len(tp.fields))
		for i, f := range tp.fields {
			dest[i] = rv.Field(f).Addr().Interface()
		}
		if err := codec.Store(body, dest...); err != nil {
			return nil, err
		}
		return rv.Interface(), nil
	}
}

func (tp tuple) values(v reflect.Value) []any {
	out := make([]any, len(tp.fields))
	for i, f := range tp.fields {
		out[i] = v.Field(f).Interface()
	}
	return out
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}
