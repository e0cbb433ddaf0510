package daemon

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mithrel/busobj/internal/config"
	"github.com/mithrel/busobj/internal/ipc"
	"github.com/mithrel/busobj/internal/journal"
	"github.com/mithrel/busobj/internal/wire"
	"github.com/mithrel/busobj/pkg/api"
)

func newTestApp(t *testing.T, set map[string]any) *wire.App {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	v := viper.New()
	v.Set("data_dir", filepath.Join(tmp, "data"))
	v.Set("bus", "none")
	v.Set("admin.addr", "")
	v.Set("socket", filepath.Join(tmp, "run", "busobj.sock"))
	v.Set("journal.dsn", "memory")
	v.Set("log.level", "error")
	for k, val := range set {
		v.Set(k, val)
	}
	// Load applies defaults and env semantics; ignore file discovery in tests.
	if err := config.Load(context.Background(), v); err != nil {
		t.Fatalf("config load: %v", err)
	}
	app, err := wire.BuildApp(context.Background(), v)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	app.Log = zerolog.Nop()
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func start(t *testing.T, app *wire.App) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, app) }()
	t.Cleanup(cancel)
	return cancel, done
}

func hello(ctx context.Context, sock string, name string) (api.Reply, error) {
	return ipc.Request(ctx, sock, &api.Call{
		Path:      "/greeter",
		Interface: "com.example.Greet",
		Member:    "Hello",
		Body:      []any{name},
	})
}

func TestDaemonServesGreeterOverSocket(t *testing.T) {
	app := newTestApp(t, map[string]any{
		"greeter.path":      "/greeter",
		"greeter.interface": "com.example.Greet",
		"greeter.delay":     "10ms",
	})
	cancel, done := start(t, app)
	sock := app.Settings.Socket

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	var r api.Reply
	require.Eventually(t, func() bool {
		var err error
		r, err = hello(ctx, sock, "Ada")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	require.False(t, r.IsError(), "%v", r.Err())
	assert.Equal(t, []any{"Hello Ada! This API has been used 1 times."}, r.Body)

	r, err := hello(ctx, sock, "Bob")
	require.NoError(t, err)
	assert.Equal(t, []any{"Hello Bob! This API has been used 2 times."}, r.Body)

	// Introspection is attached by default.
	r, err = ipc.Request(ctx, sock, &api.Call{Path: "/greeter", Interface: "org.freedesktop.DBus.Introspectable", Member: "Introspect"})
	require.NoError(t, err)
	require.False(t, r.IsError())
	assert.Contains(t, r.Body[0], `<interface name="com.example.Greet">`)

	r, err = ipc.Request(ctx, sock, &api.Call{Path: "/missing", Member: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, api.ErrNameUnknownObject, r.ErrorName)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	recs, err := app.Journal.List(context.Background(), journal.Query{Session: app.Session})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(recs), 4)
}

func TestDaemonWithoutTransportFails(t *testing.T) {
	app := newTestApp(t, map[string]any{"socket": "none"})
	err := Run(context.Background(), app)
	assert.True(t, errors.Is(err, ErrNoTransport), "got %v", err)
}

func TestBuildRegistry(t *testing.T) {
	s := config.Settings{
		Dispatch: config.Dispatch{Introspection: true},
		Greeter:  config.Greeter{Enabled: true, Path: "/hello", Interface: "com.example.dbustest"},
	}
	reg, err := BuildRegistry(s, nil, zerolog.Nop())
	require.NoError(t, err)
	ifaces, ok := reg.Interfaces("/hello")
	require.True(t, ok)
	require.Len(t, ifaces, 3)
	assert.Equal(t, "org.freedesktop.DBus.Properties", ifaces[2].Name)
	m, ok := ifaces[0].Method("Hello")
	require.True(t, ok)
	assert.False(t, m.Async)

	s.Async = config.Async{Enabled: true, Workers: 2, Queue: 4}
	ex := NewExecutor(s)
	defer ex.Close()
	reg, err = BuildRegistry(s, ex, zerolog.Nop())
	require.NoError(t, err)
	i, _ := reg.InterfaceByName("com.example.dbustest")
	m, _ = i.Method("Hello")
	assert.True(t, m.Async)

	s.Greeter.Path = "bad"
	_, err = BuildRegistry(s, nil, zerolog.Nop())
	assert.Error(t, err)
}

// writeHello writes one raw Hello call frame to c, as a peer would.
func writeHello(t *testing.T, c net.Conn, serial uint32, name string) {
	t.Helper()
	msg, err := structpb.NewStruct(map[string]any{
		"type":      "call",
		"serial":    float64(serial),
		"path":      "/greeter",
		"interface": "com.example.Greet",
		"member":    "Hello",
		"signature": "s",
		"body":      []any{name},
	})
	require.NoError(t, err)
	b, err := proto.Marshal(msg)
	require.NoError(t, err)
	var lenbuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenbuf[:], uint64(len(b)))
	_, err = c.Write(append(lenbuf[:n:n], b...))
	require.NoError(t, err)
}

func readFrame(t *testing.T, br *bufio.Reader) map[string]any {
	t.Helper()
	ln, err := binary.ReadUvarint(br)
	require.NoError(t, err)
	buf := make([]byte, ln)
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	var msg structpb.Struct
	require.NoError(t, proto.Unmarshal(buf, &msg))
	return msg.AsMap()
}

func TestReusedSerialOnSocketKeepsDaemonUp(t *testing.T) {
	app := newTestApp(t, map[string]any{
		"greeter.path":      "/greeter",
		"greeter.interface": "com.example.Greet",
		"greeter.delay":     "200ms",
	})
	_, done := start(t, app)
	sock := app.Settings.Socket

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.Eventually(t, func() bool {
		_, err := ipc.Request(ctx, sock, &api.Call{Path: "/greeter", Member: "Count"})
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	c, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	br := bufio.NewReader(c)

	writeHello(t, c, 7, "Ada")
	writeHello(t, c, 7, "Bob")

	rej := readFrame(t, br)
	assert.Equal(t, "error", rej["type"])
	assert.Equal(t, api.ErrNameInvalidArgs, rej["error_name"])
	assert.EqualValues(t, 7, rej["reply_serial"])

	ok := readFrame(t, br)
	assert.Equal(t, "return", ok["type"])
	assert.EqualValues(t, 7, ok["reply_serial"])
	assert.Equal(t, []any{"Hello Ada! This API has been used 1 times."}, ok["body"])

	select {
	case err := <-done:
		t.Fatalf("daemon stopped: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	r, err := hello(ctx, sock, "Cy")
	require.NoError(t, err)
	assert.Equal(t, []any{"Hello Cy! This API has been used 2 times."}, r.Body)
}
