package registry

import (
	"context"
	"strings"
)

// Arg is a named, typed argument. Type is a single complete signature.
type Arg struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func signatureOf(args []Arg) string {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(a.Type)
	}
	return b.String()
}

// Invocation is the uniform result of running a handler's synchronous part.
// Exactly one of Body or Continue is meaningful: Continue is set for
// async-capable handlers and must run off the dispatch path.
type Invocation struct {
	Body     []any
	Continue func(ctx context.Context) ([]any, error)
}

func (i Invocation) Deferred() bool { return i.Continue != nil }

// MethodDesc describes a method. Handlers are generated at registration
// time by Method or AsyncMethod.
type MethodDesc struct {
	Name       string `json:"name"`
	In         []Arg  `json:"in"`
	Out        []Arg  `json:"out"`
	Async      bool   `json:"async,omitempty"`
	NoReply    bool   `json:"no_reply,omitempty"`
	Deprecated bool   `json:"deprecated,omitempty"`

	inSig, outSig string
	decode        func(body []any) (any, error)
	call          func(c *Context, args any) (Invocation, error)
}

func (m *MethodDesc) InSignature() string  { return m.inSig }
func (m *MethodDesc) OutSignature() string { return m.outSig }

// Args are decoded call arguments, ready for Invoke.
type Args struct {
	m *MethodDesc
	v any
}

// Decode converts a call body into the method's input tuple.
func (m *MethodDesc) Decode(body []any) (Args, error) {
	v, err := m.decode(body)
	if err != nil {
		return Args{}, err
	}
	return Args{m: m, v: v}, nil
}

// SignalDesc is metadata for a signal; it has no handler.
type SignalDesc struct {
	Name       string `json:"name"`
	Args       []Arg  `json:"args"`
	Deprecated bool   `json:"deprecated,omitempty"`

	sig string
}

func (s *SignalDesc) Signature() string { return s.sig }

// Interface is an immutable interface definition produced by a Builder.
type Interface struct {
	Name       string        `json:"name"`
	Methods    []*MethodDesc `json:"methods"`
	Signals    []*SignalDesc `json:"signals"`
	Deprecated bool          `json:"deprecated,omitempty"`

	methods     map[string]*MethodDesc
	signals     map[string]*SignalDesc
	fingerprint string
}

func (i *Interface) Method(name string) (*MethodDesc, bool) {
	m, ok := i.methods[name]
	return m, ok
}

func (i *Interface) Signal(name string) (*SignalDesc, bool) {
	s, ok := i.signals[name]
	return s, ok
}

// Fingerprint is a BLAKE3 digest of the interface's canonical description.
// Two definitions with the same fingerprint are interchangeable on the wire.
func (i *Interface) Fingerprint() string { return i.fingerprint }

// Token identifies a registered interface. The zero Token is invalid.
type Token struct{ id uint64 }

func (t Token) IsZero() bool { return t.id == 0 }
