package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mithrel/busobj/pkg/api"
)

func message(path, iface, member string, flags dbus.Flags, body ...interface{}) *dbus.Message {
	msg := &dbus.Message{
		Type:  dbus.TypeMethodCall,
		Flags: flags,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:   dbus.MakeVariant(dbus.ObjectPath(path)),
			dbus.FieldMember: dbus.MakeVariant(member),
			dbus.FieldSender: dbus.MakeVariant(":1.42"),
		},
		Body: body,
	}
	if iface != "" {
		msg.Headers[dbus.FieldInterface] = dbus.MakeVariant(iface)
	}
	if len(body) > 0 {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(body...))
	}
	return msg
}

func resolve(t *testing.T, c *Conn, msg *dbus.Message) (dbus.Method, []interface{}) {
	t.Helper()
	h := handler{c}
	obj, ok := h.LookupObject("/anything")
	require.True(t, ok)
	iface, ok := obj.LookupInterface("any.Interface")
	require.True(t, ok)
	m, ok := iface.LookupMethod("Anything")
	require.True(t, ok)
	args, err := m.(dbus.ArgumentDecoder).DecodeArguments(nil, "", msg, msg.Body)
	require.NoError(t, err)
	return m, args
}

type result struct {
	body []interface{}
	err  error
}

func TestTrampolineRoundTrip(t *testing.T) {
	c := newConn(zerolog.Nop())
	defer c.Close()
	m, args := resolve(t, c, message("/greeter", "com.example.Greet", "Hello", 0, "Ada"))

	done := make(chan result, 1)
	go func() {
		body, err := m.Call(args...)
		done <- result{body, err}
	}()

	var call *api.Call
	select {
	case call = <-c.Incoming():
	case <-time.After(2 * time.Second):
		t.Fatal("call not delivered")
	}
	assert.Equal(t, api.ObjectPath("/greeter"), call.Path)
	assert.Equal(t, "com.example.Greet", call.Interface)
	assert.Equal(t, "Hello", call.Member)
	assert.Equal(t, ":1.42", call.Sender)
	assert.Equal(t, "s", call.Signature)
	assert.Equal(t, []any{"Ada"}, call.Body)

	require.NoError(t, c.Send(context.Background(), api.Reply{ID: call.ID(), Signature: "s", Body: []any{"hi"}}))
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, []interface{}{"hi"}, r.body)

	// The waiter is gone after one reply.
	err := c.Send(context.Background(), api.Reply{ID: call.ID()})
	assert.ErrorIs(t, err, ErrNoWaiter)
}

func TestTrampolineErrorReply(t *testing.T) {
	c := newConn(zerolog.Nop())
	defer c.Close()
	m, args := resolve(t, c, message("/nowhere", "", "Hello", 0))

	done := make(chan result, 1)
	go func() {
		body, err := m.Call(args...)
		done <- result{body, err}
	}()
	call := <-c.Incoming()
	require.NoError(t, c.Send(context.Background(), api.Reply{ID: call.ID(), ErrorName: api.ErrNameUnknownObject, Signature: "s", Body: []any{"no object"}}))

	r := <-done
	var de *dbus.Error
	require.True(t, errors.As(r.err, &de))
	assert.Equal(t, api.ErrNameUnknownObject, de.Name)
	assert.Equal(t, []interface{}{"no object"}, de.Body)
}

func TestReusedSerialIsRefused(t *testing.T) {
	c := newConn(zerolog.Nop())
	defer c.Close()
	// Both deliveries carry sender :1.42 and the same serial.
	msg := message("/greeter", "", "Hello", 0, "Ada")
	m, args := resolve(t, c, msg)

	done := make(chan result, 1)
	go func() {
		body, err := m.Call(args...)
		done <- result{body, err}
	}()
	call := <-c.Incoming()

	// Same sender and serial while the first is still waiting.
	_, again := resolve(t, c, msg)
	_, err := m.Call(again...)
	var de *dbus.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, api.ErrNameInvalidArgs, de.Name)
	select {
	case extra := <-c.Incoming():
		t.Fatalf("reused serial reached Incoming: %v", extra.ID())
	default:
	}

	require.NoError(t, c.Send(context.Background(), api.Reply{ID: call.ID(), Signature: "s", Body: []any{"hi"}}))
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, []interface{}{"hi"}, r.body)
}

func TestTrampolineNoReply(t *testing.T) {
	c := newConn(zerolog.Nop())
	defer c.Close()
	m, args := resolve(t, c, message("/greeter", "", "Hello", dbus.FlagNoReplyExpected, "Ada"))

	body, err := m.Call(args...)
	require.NoError(t, err)
	assert.Nil(t, body)
	call := <-c.Incoming()
	assert.True(t, call.NoReply)
}

func TestCloseFailsWaitingCalls(t *testing.T) {
	c := newConn(zerolog.Nop())
	m, args := resolve(t, c, message("/greeter", "", "Hello", 0, "Ada"))

	done := make(chan result, 1)
	go func() {
		body, err := m.Call(args...)
		done <- result{body, err}
	}()
	<-c.Incoming()
	require.NoError(t, c.Close())

	r := <-done
	var de *dbus.Error
	require.True(t, errors.As(r.err, &de))
	assert.Equal(t, api.ErrNameFailed, de.Name)

	_, ok := <-c.Incoming()
	assert.False(t, ok)
	assert.NoError(t, c.Err())
	<-c.Done()
}

func TestDecodeRejectsBadHeaders(t *testing.T) {
	c := newConn(zerolog.Nop())
	defer c.Close()
	msg := message("/greeter", "", "", 0)
	_, err := method{c: c}.DecodeArguments(nil, "", msg, nil)
	var de *dbus.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, api.ErrNameInvalidArgs, de.Name)
}

func TestNameFlags(t *testing.T) {
	f := NameFlags{AllowReplacement: true, DoNotQueue: true}
	assert.Equal(t, dbus.NameFlagAllowReplacement|dbus.NameFlagDoNotQueue, f.dbus())
	assert.Equal(t, dbus.RequestNameFlags(0), NameFlags{}.dbus())
}
