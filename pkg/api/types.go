package api

import (
	"fmt"
	"strings"
)

// ReplyIdentity routes a reply back to the call that caused it.
type ReplyIdentity struct {
	Sender string `json:"sender"`
	Serial uint32 `json:"serial"`
}

func (id ReplyIdentity) String() string {
	return fmt.Sprintf("%s#%d", id.Sender, id.Serial)
}

// Call is a decoded incoming method call as delivered by a transport.
type Call struct {
	Path      ObjectPath
	Interface string
	Member    string
	Sender    string
	Serial    uint32
	// NoReply is set when the caller flagged the call as not expecting a reply.
	NoReply   bool
	Signature string
	Body      []any
}

func (c *Call) ID() ReplyIdentity {
	return ReplyIdentity{Sender: c.Sender, Serial: c.Serial}
}

// Method returns interface.member, or just the member when the call did not
// name an interface.
func (c *Call) Method() string {
	if c.Interface == "" {
		return c.Member
	}
	return c.Interface + "." + c.Member
}

// Reply is an outgoing method return or error.
type Reply struct {
	ID        ReplyIdentity
	Signature string
	Body      []any
	// ErrorName is set for error replies; Body then holds the message.
	ErrorName string
}

func (r Reply) IsError() bool { return r.ErrorName != "" }

// ErrorMessage returns the human readable part of an error reply.
func (r Reply) ErrorMessage() string {
	if len(r.Body) == 0 {
		return ""
	}
	if s, ok := r.Body[0].(string); ok {
		return s
	}
	return fmt.Sprint(r.Body[0])
}

// Err converts an error reply to a *MethodError, or nil for a method return.
func (r Reply) Err() error {
	if !r.IsError() {
		return nil
	}
	return &MethodError{Name: r.ErrorName, Message: r.ErrorMessage()}
}

// Signal is an outgoing signal emission.
type Signal struct {
	Path      ObjectPath
	Interface string
	Member    string
	Signature string
	Body      []any
	// Destination is empty for broadcast signals.
	Destination string
}

func (s Signal) Name() string {
	return strings.TrimSuffix(s.Interface, ".") + "." + s.Member
}
