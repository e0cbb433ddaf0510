package transport

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mithrel/busobj/pkg/api"
)

func startServer(t *testing.T) (*UnixServer, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "bus.sock")
	srv := NewUnixServer(UnixListener{Path: sock}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, srv.Start(ctx))
	return srv, sock
}

// echo answers every call with its own body, or with an error for member
// "Fail".
func echo(srv *UnixServer) {
	for c := range srv.Incoming() {
		if c.NoReply {
			continue
		}
		r := api.Reply{ID: c.ID(), Signature: c.Signature, Body: c.Body}
		if c.Member == "Fail" {
			r = api.Reply{ID: c.ID(), ErrorName: "com.example.Error.Nope", Signature: "s", Body: []any{"nope"}}
		}
		_ = srv.Send(context.Background(), r)
	}
}

func TestUnixRoundTrip(t *testing.T) {
	srv, sock := startServer(t)
	go echo(srv)

	cl := NewUnixClient(sock)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	body := []any{"Ada", int64(-5), map[string]uint32{"a": 1}}
	r, err := cl.Call(ctx, &api.Call{Path: "/greeter", Interface: "com.example.Greet", Member: "Hello", Body: body})
	require.NoError(t, err)
	assert.False(t, r.IsError())
	assert.Equal(t, "sxa{su}", r.Signature)
	assert.Equal(t, body, r.Body)

	r, err = cl.Call(ctx, &api.Call{Path: "/greeter", Member: "Fail"})
	require.NoError(t, err)
	assert.Equal(t, "com.example.Error.Nope", r.ErrorName)
	var me *api.MethodError
	require.ErrorAs(t, r.Err(), &me)
	assert.Equal(t, "nope", me.Message)
}

func TestUnixSenderNamesAndNoReply(t *testing.T) {
	srv, sock := startServer(t)
	cl := NewUnixClient(sock)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := cl.Call(ctx, &api.Call{Path: "/x", Member: "Ping", NoReply: true})
	require.NoError(t, err)
	select {
	case c := <-srv.Incoming():
		assert.True(t, c.NoReply)
		assert.Regexp(t, `^:local\.\d+$`, c.Sender)
		assert.Equal(t, api.ObjectPath("/x"), c.Path)
	case <-ctx.Done():
		t.Fatal("call not delivered")
	}
}

func dialRaw(t *testing.T, sock string) (net.Conn, *bufio.Reader) {
	t.Helper()
	c, err := net.Dial("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	return c, bufio.NewReader(c)
}

func readFrame(t *testing.T, br *bufio.Reader) *frame {
	t.Helper()
	var msg structpb.Struct
	require.NoError(t, readProto(br, &msg))
	f, body, err := decodeFrame(&msg)
	require.NoError(t, err)
	require.NoError(t, f.decodeBody(body))
	return f
}

func TestUnixBadBodyIsInvalidArgs(t *testing.T) {
	_, sock := startServer(t)
	c, br := dialRaw(t, sock)

	bad := &frame{kind: kindCall, serial: 9, path: "/greeter", member: "Hello", signature: "i", body: []any{"not a number"}}
	s, err := bad.encode()
	require.NoError(t, err)
	require.NoError(t, writeProto(c, s))

	f := readFrame(t, br)
	assert.Equal(t, kindError, f.kind)
	assert.Equal(t, uint32(9), f.replySerial)
	assert.Equal(t, api.ErrNameInvalidArgs, f.errorName)
}

func TestUnixSignalsReachPeers(t *testing.T) {
	srv, sock := startServer(t)
	_, br := dialRaw(t, sock)

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.peers) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Emit(context.Background(), api.Signal{
		Path: "/greeter", Interface: "com.example.Greet", Member: "HelloHappened", Signature: "s", Body: []any{"Ada"},
	}))
	f := readFrame(t, br)
	assert.Equal(t, kindSignal, f.kind)
	assert.Equal(t, "HelloHappened", f.member)
	assert.Equal(t, []any{"Ada"}, f.body)

	err := srv.Send(context.Background(), api.Reply{ID: api.ReplyIdentity{Sender: ":local.99", Serial: 1}})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestUnixCloseEndsIncoming(t *testing.T) {
	srv, sock := startServer(t)
	_, _ = dialRaw(t, sock)
	require.NoError(t, srv.Close())
	select {
	case _, ok := <-srv.Incoming():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("incoming not closed")
	}
	assert.NoError(t, srv.Err())
	<-srv.Done()
}
