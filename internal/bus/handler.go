package bus

import (
	"errors"

	"github.com/godbus/dbus/v5"

	"github.com/mithrel/busobj/pkg/api"
)

// handler resolves every path, interface and member to the same method so
// that godbus hands all calls over untouched.
type handler struct{ c *Conn }

func (h handler) LookupObject(path dbus.ObjectPath) (dbus.ServerObject, bool) {
	return h, true
}

func (h handler) LookupInterface(name string) (dbus.Interface, bool) {
	return h, true
}

func (h handler) LookupMethod(name string) (dbus.Method, bool) {
	return method{c: h.c}, true
}

// method captures the raw message through DecodeArguments and passes it to
// Call as its only argument.
type method struct{ c *Conn }

var (
	_ dbus.Method          = method{}
	_ dbus.ArgumentDecoder = method{}
)

func (m method) DecodeArguments(conn *dbus.Conn, sender string, msg *dbus.Message, args []interface{}) ([]interface{}, error) {
	call, err := callFromMessage(sender, msg, args)
	if err != nil {
		return nil, dbus.NewError(api.ErrNameInvalidArgs, []interface{}{err.Error()})
	}
	return []interface{}{call}, nil
}

func (m method) Call(args ...interface{}) ([]interface{}, error) {
	if len(args) != 1 {
		return nil, dbus.NewError(api.ErrNameFailed, []interface{}{"malformed call"})
	}
	call, ok := args[0].(*api.Call)
	if !ok {
		return nil, dbus.NewError(api.ErrNameFailed, []interface{}{"malformed call"})
	}
	r, err := m.c.deliver(call)
	if err != nil {
		return nil, err
	}
	if r.IsError() {
		return nil, dbus.NewError(r.ErrorName, []interface{}{r.ErrorMessage()})
	}
	return r.Body, nil
}

func (method) NumArguments() int             { return 1 }
func (method) NumReturns() int               { return 0 }
func (method) ArgumentValue(int) interface{} { return nil }
func (method) ReturnValue(int) interface{}   { return nil }

func callFromMessage(sender string, msg *dbus.Message, body []interface{}) (*api.Call, error) {
	var p dbus.ObjectPath
	if v, ok := msg.Headers[dbus.FieldPath]; ok {
		p, _ = v.Value().(dbus.ObjectPath)
	}
	path, err := api.ParseObjectPath(string(p))
	if err != nil {
		return nil, err
	}
	member := headerString(msg, dbus.FieldMember)
	if member == "" {
		return nil, errors.New("call without member")
	}
	var sig string
	if v, ok := msg.Headers[dbus.FieldSignature]; ok {
		if s, ok := v.Value().(dbus.Signature); ok {
			sig = s.String()
		}
	}
	if sender == "" {
		sender = headerString(msg, dbus.FieldSender)
	}
	return &api.Call{
		Path:      path,
		Interface: headerString(msg, dbus.FieldInterface),
		Member:    member,
		Sender:    sender,
		Serial:    msg.Serial(),
		NoReply:   msg.Flags&dbus.FlagNoReplyExpected != 0,
		Signature: sig,
		Body:      body,
	}, nil
}

func headerString(msg *dbus.Message, f dbus.HeaderField) string {
	v, ok := msg.Headers[f]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}
