package registry

import (
	"errors"
	"fmt"

	"github.com/mithrel/busobj/internal/codec"
)

// Builder collects the members of one interface. It is only valid inside
// the build function passed to RegisterInterface.
type Builder struct {
	iface *Interface
	async bool
	errs  []error
}

func newBuilder(name string, async bool) *Builder {
	return &Builder{
		async: async,
		iface: &Interface{
			Name:    name,
			methods: make(map[string]*MethodDesc),
			signals: make(map[string]*SignalDesc),
		},
	}
}

func (b *Builder) fail(err error) { b.errs = append(b.errs, err) }

// Deprecated marks the whole interface deprecated.
func (b *Builder) Deprecated() { b.iface.Deprecated = true }

func (b *Builder) addMethod(m *MethodDesc) {
	if _, dup := b.iface.methods[m.Name]; dup {
		b.fail(fmt.Errorf("%w: method %s.%s", ErrDuplicateMember, b.iface.Name, m.Name))
		return
	}
	b.iface.methods[m.Name] = m
	b.iface.Methods = append(b.iface.Methods, m)
}

// Signal declares a signal. Each argument type must be one complete type.
func (b *Builder) Signal(name string, args ...Arg) *SignalDesc {
	s := &SignalDesc{Name: name, Args: args}
	if !validMember(name) {
		b.fail(fmt.Errorf("%w: signal name %q", ErrInvalidDescriptor, name))
		return s
	}
	for _, a := range args {
		parts, err := codec.Split(a.Type)
		if err != nil || len(parts) != 1 {
			b.fail(fmt.Errorf("%w: signal %s argument %q has type %q", ErrInvalidDescriptor, name, a.Name, a.Type))
			return s
		}
	}
	if _, dup := b.iface.signals[name]; dup {
		b.fail(fmt.Errorf("%w: signal %s.%s", ErrDuplicateMember, b.iface.Name, name))
		return s
	}
	s.sig = signatureOf(args)
	b.iface.signals[name] = s
	b.iface.Signals = append(b.iface.Signals, s)
	return s
}

func (b *Builder) build() (*Interface, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	b.iface.fingerprint = fingerprint(b.iface)
	return b.iface, nil
}

// MethodOption adjusts a method descriptor at registration.
type MethodOption func(*MethodDesc)

// Deprecated marks a method deprecated in introspection data.
func Deprecated() MethodOption { return func(m *MethodDesc) { m.Deprecated = true } }

// NoReply advertises that callers need not wait for a reply. The dispatcher
// still honors the caller's own flag, not this annotation.
func NoReply() MethodOption { return func(m *MethodDesc) { m.NoReply = true } }

// validMember reports whether s is a valid member name.
func validMember(s string) bool {
	if s == "" || len(s) > 255 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// validInterface reports whether s is a valid interface name: at least two
// dot-separated elements, none starting with a digit.
func validInterface(s string) bool {
	if len(s) > 255 {
		return false
	}
	elems := 0
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if !validMember(s[start:i]) {
				return false
			}
			elems++
			start = i + 1
		}
	}
	return elems >= 2
}
