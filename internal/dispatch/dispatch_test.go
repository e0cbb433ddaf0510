package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mithrel/busobj/internal/executor"
	"github.com/mithrel/busobj/internal/registry"
	"github.com/mithrel/busobj/pkg/api"
)

type fakeConn struct {
	in   chan *api.Call
	done chan struct{}

	mu      sync.Mutex
	replies []api.Reply
	signals []api.Signal
	notify  chan api.Reply
	err     error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan *api.Call, 16), done: make(chan struct{}), notify: make(chan api.Reply, 64)}
}

func (f *fakeConn) Incoming() <-chan *api.Call { return f.in }
func (f *fakeConn) Done() <-chan struct{}      { return f.done }

func (f *fakeConn) Send(ctx context.Context, r api.Reply) error {
	f.mu.Lock()
	f.replies = append(f.replies, r)
	f.mu.Unlock()
	f.notify <- r
	return nil
}

func (f *fakeConn) Emit(ctx context.Context, s api.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, s)
	return nil
}

func (f *fakeConn) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) lose(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.in)
	close(f.done)
}

func (f *fakeConn) sent() []api.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.Reply(nil), f.replies...)
}

func (f *fakeConn) next(t *testing.T) api.Reply {
	t.Helper()
	select {
	case r := <-f.notify:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return api.Reply{}
	}
}

type helloIn struct{ Name string }
type helloOut struct{ Reply string }
type counter struct{ n int }

const greetIface = "com.example.Greet"

var serial atomic.Uint32

func newCall(path, iface, member string, body ...any) *api.Call {
	return &api.Call{
		Path:      api.ObjectPath(path),
		Interface: iface,
		Member:    member,
		Sender:    ":1.7",
		Serial:    serial.Add(1),
		Body:      body,
	}
}

type fixture struct {
	reg   *registry.Registry
	disp  *Dispatcher
	conn  *fakeConn
	sink  *Sink
	calls atomic.Int32

	mu       sync.Mutex
	outcomes []Outcome
}

func newFixture(t *testing.T, ex executor.Executor) *fixture {
	t.Helper()
	f := &fixture{conn: newFakeConn()}
	var opts []registry.Option
	if ex != nil {
		opts = append(opts, registry.WithExecutor(ex))
	}
	f.reg = registry.New(opts...)
	tok, err := f.reg.RegisterInterface(greetIface, func(b *registry.Builder) {
		registry.Method(b, "Hello", []string{"name"}, []string{"reply"}, func(c *registry.Context, in helloIn) (helloOut, error) {
			f.calls.Add(1)
			st, _ := registry.DataAs[*counter](c)
			st.n++
			return helloOut{Reply: fmt.Sprintf("Hello %s! This API has been used %d times.", in.Name, st.n)}, nil
		})
		registry.Method(b, "Fail", nil, nil, func(c *registry.Context, in struct{}) (struct{}, error) {
			return struct{}{}, errors.New("boom")
		})
		registry.Method(b, "Refuse", nil, nil, func(c *registry.Context, in struct{}) (struct{}, error) {
			return struct{}{}, api.NewMethodError("com.example.Error.Refused", "not today")
		})
		registry.Method(b, "Panic", nil, nil, func(c *registry.Context, in struct{}) (struct{}, error) {
			panic("oops")
		})
	})
	require.NoError(t, err)
	require.NoError(t, f.reg.Insert("/greeter", []registry.Token{tok}, &counter{}))
	f.disp = New(f.reg, WithLogger(zerolog.Nop()), WithObserver(ObserverFunc(func(o Outcome) {
		f.mu.Lock()
		f.outcomes = append(f.outcomes, o)
		f.mu.Unlock()
	})))
	f.sink = NewSink(f.conn, 16)
	return f
}

func (f *fixture) dispatch(c *api.Call) {
	f.disp.Dispatch(context.Background(), c, f.sink, f.conn)
}

func (f *fixture) results() []Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Outcome(nil), f.outcomes...)
}

func TestGreeterScenario(t *testing.T) {
	f := newFixture(t, nil)
	for i := 1; i <= 2; i++ {
		c := newCall("/greeter", greetIface, "Hello", "Ada")
		f.dispatch(c)
		r := f.conn.next(t)
		assert.Equal(t, c.ID(), r.ID)
		assert.False(t, r.IsError())
		assert.Equal(t, "s", r.Signature)
		assert.Equal(t, []any{fmt.Sprintf("Hello Ada! This API has been used %d times.", i)}, r.Body)
	}
	assert.Len(t, f.conn.sent(), 2)
	assert.Equal(t, 0, f.sink.Pending())
}

func TestResolutionErrors(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		call *api.Call
		want string
	}{
		{newCall("/nowhere", greetIface, "Hello", "Ada"), api.ErrNameUnknownObject},
		{newCall("/greeter", "com.example.Missing", "Hello", "Ada"), api.ErrNameUnknownInterface},
		{newCall("/greeter", greetIface, "Goodbye", "Ada"), api.ErrNameUnknownMethod},
		{newCall("/greeter", "", "Goodbye"), api.ErrNameUnknownMethod},
	}
	for _, tc := range cases {
		f.dispatch(tc.call)
		r := f.conn.next(t)
		assert.Equal(t, tc.call.ID(), r.ID)
		assert.Equal(t, tc.want, r.ErrorName, tc.call.Method())
	}
	assert.Len(t, f.conn.sent(), len(cases))
	assert.EqualValues(t, 0, f.calls.Load())
}

func TestArgumentMismatchSkipsHandler(t *testing.T) {
	f := newFixture(t, nil)
	bad := []*api.Call{
		newCall("/greeter", greetIface, "Hello"),
		newCall("/greeter", greetIface, "Hello", "Ada", "Lovelace"),
		newCall("/greeter", greetIface, "Hello", int32(7)),
	}
	for _, c := range bad {
		f.dispatch(c)
		r := f.conn.next(t)
		assert.Equal(t, api.ErrNameInvalidArgs, r.ErrorName)
	}
	// A wire signature that disagrees with the declared one also fails.
	c := newCall("/greeter", greetIface, "Hello", "Ada")
	c.Signature = "o"
	f.dispatch(c)
	assert.Equal(t, api.ErrNameInvalidArgs, f.conn.next(t).ErrorName)

	assert.EqualValues(t, 0, f.calls.Load())
}

func TestHandlerErrors(t *testing.T) {
	f := newFixture(t, nil)

	f.dispatch(newCall("/greeter", greetIface, "Fail"))
	r := f.conn.next(t)
	assert.Equal(t, api.ErrNameFailed, r.ErrorName)
	assert.Equal(t, "boom", r.ErrorMessage())

	f.dispatch(newCall("/greeter", greetIface, "Refuse"))
	r = f.conn.next(t)
	assert.Equal(t, "com.example.Error.Refused", r.ErrorName)
	assert.Equal(t, "not today", r.ErrorMessage())

	f.dispatch(newCall("/greeter", greetIface, "Panic"))
	r = f.conn.next(t)
	assert.Equal(t, api.ErrNameFailed, r.ErrorName)

	// The panic released the borrow.
	f.dispatch(newCall("/greeter", greetIface, "Hello", "Ada"))
	assert.False(t, f.conn.next(t).IsError())

	res := f.results()
	require.Len(t, res, 4)
	assert.Equal(t, OutcomeError, res[0].Result)
	assert.Equal(t, OutcomeOK, res[3].Result)
}

func TestNoReplyCallRunsHandler(t *testing.T) {
	f := newFixture(t, nil)
	c := newCall("/greeter", greetIface, "Hello", "Ada")
	c.NoReply = true
	f.dispatch(c)

	bad := newCall("/nowhere", greetIface, "Hello", "Ada")
	bad.NoReply = true
	f.dispatch(bad)

	assert.Empty(t, f.conn.sent())
	assert.EqualValues(t, 1, f.calls.Load())
	res := f.results()
	require.Len(t, res, 2)
	assert.Equal(t, OutcomeNoReply, res[0].Result)
	assert.Equal(t, OutcomeNoReply, res[1].Result)
	assert.Equal(t, api.ErrNameUnknownObject, res[1].ErrorName)
}

func TestSamePathCallsAreSerialized(t *testing.T) {
	f := newFixture(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.dispatch(newCall("/greeter", greetIface, "Hello", "Ada"))
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, r := range f.conn.sent() {
		require.False(t, r.IsError())
		s := r.Body[0].(string)
		require.False(t, seen[s], "two calls observed the same count: %s", s)
		seen[s] = true
	}
	assert.Len(t, seen, 40)
	assert.True(t, seen["Hello Ada! This API has been used 40 times."])
}

func asyncFixture(t *testing.T, ex executor.Executor, gate <-chan struct{}) *fixture {
	t.Helper()
	f := newFixture(t, ex)
	tok, err := f.reg.RegisterInterface("com.example.Slow", func(b *registry.Builder) {
		registry.AsyncMethod(b, "Hello", nil, nil, func(c *registry.Context, in helloIn) (registry.Deferred[helloOut], error) {
			return func(ctx context.Context) (helloOut, error) {
				select {
				case <-gate:
				case <-ctx.Done():
					return helloOut{}, ctx.Err()
				}
				return helloOut{Reply: "late " + in.Name}, nil
			}, nil
		})
	})
	require.NoError(t, err)
	require.NoError(t, f.reg.Insert("/slow", []registry.Token{tok}, nil))
	return f
}

func TestAsyncHandlerDoesNotBlockDispatch(t *testing.T) {
	ex := executor.NewGo()
	defer ex.Close()
	gate := make(chan struct{})
	f := asyncFixture(t, ex, gate)

	slow := newCall("/slow", "com.example.Slow", "Hello", "Ada")
	f.dispatch(slow)
	fast := newCall("/greeter", greetIface, "Hello", "Bob")
	f.dispatch(fast)

	first := f.conn.next(t)
	assert.Equal(t, fast.ID(), first.ID)

	time.AfterFunc(50*time.Millisecond, func() { close(gate) })
	second := f.conn.next(t)
	assert.Equal(t, slow.ID(), second.ID)
	assert.Equal(t, []any{"late Ada"}, second.Body)

	// Exactly one reply for each call.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.conn.sent(), 2)
}

func TestClosedSinkSuppressesContinuations(t *testing.T) {
	ex := executor.NewGo()
	defer ex.Close()
	gate := make(chan struct{})
	f := asyncFixture(t, ex, gate)

	f.dispatch(newCall("/slow", "com.example.Slow", "Hello", "Ada"))
	require.Equal(t, 1, f.sink.Pending())
	f.sink.Close()
	close(gate)

	require.Eventually(t, func() bool { return len(f.results()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, OutcomeSuppressed, f.results()[0].Result)
	assert.True(t, f.results()[0].Async)
	assert.Empty(t, f.conn.sent())
}

func TestSaturatedExecutorReportsLimitsExceeded(t *testing.T) {
	// One worker and one queue slot: of three deferred calls at least one
	// cannot be accepted.
	ex := executor.NewPool(1, 1)
	gate := make(chan struct{})
	f := asyncFixture(t, ex, gate)

	calls := make(map[api.ReplyIdentity]bool)
	for _, name := range []string{"A", "B", "C"} {
		c := newCall("/slow", "com.example.Slow", "Hello", name)
		calls[c.ID()] = true
		f.dispatch(c)
	}
	early := f.conn.sent()
	require.NotEmpty(t, early)
	for _, r := range early {
		assert.Equal(t, api.ErrNameLimitsExceeded, r.ErrorName)
	}

	close(gate)
	require.Eventually(t, func() bool { return len(f.conn.sent()) == 3 }, 2*time.Second, 5*time.Millisecond)
	for _, r := range f.conn.sent() {
		require.True(t, calls[r.ID], "unexpected or repeated reply %s", r.ID)
		delete(calls, r.ID)
	}
	require.NoError(t, ex.Close())
}

func TestDuplicateReplyIsReported(t *testing.T) {
	conn := newFakeConn()
	var fatal error
	sink := NewSink(conn, 2, WithFatal(func(err error) { fatal = err }))
	c := newCall("/x", greetIface, "Hello")
	r, err := sink.Open(c)
	require.NoError(t, err)
	require.NoError(t, r.Return(context.Background(), "", nil))
	err = r.Error(context.Background(), api.ErrNameFailed, "again")
	assert.ErrorIs(t, err, ErrDuplicateReply)
	assert.ErrorIs(t, fatal, ErrDuplicateReply)
	assert.Len(t, conn.sent(), 1)

	// An identity that was never opened is refused too.
	fatal = nil
	err = sink.SendReply(context.Background(), api.ReplyIdentity{Sender: ":9.9", Serial: 1}, "", nil)
	assert.ErrorIs(t, err, ErrDuplicateReply)
	assert.Error(t, fatal)
}

func TestReusedSerialIsRejectedNotFatal(t *testing.T) {
	ex := executor.NewGo()
	defer ex.Close()
	gate := make(chan struct{})
	f := asyncFixture(t, ex, gate)
	var fatal atomic.Value
	f.sink = NewSink(f.conn, 16, WithFatal(func(err error) { fatal.Store(err) }))

	first := &api.Call{Path: "/slow", Interface: "com.example.Slow", Member: "Hello", Signature: "s", Sender: ":local.1", Serial: 9, Body: []any{"Ada"}}
	second := &api.Call{Path: "/slow", Interface: "com.example.Slow", Member: "Hello", Signature: "s", Sender: ":local.1", Serial: 9, Body: []any{"Bob"}}
	f.dispatch(first)
	f.dispatch(second)

	// The reused serial is answered at once, without touching the first call.
	rej := f.conn.next(t)
	assert.Equal(t, api.ErrNameInvalidArgs, rej.ErrorName)
	assert.Equal(t, 1, f.sink.Pending())

	close(gate)
	r := f.conn.next(t)
	assert.Equal(t, first.ID(), r.ID)
	assert.Equal(t, []any{"late Ada"}, r.Body)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.conn.sent(), 2)
	assert.Nil(t, fatal.Load())
	assert.Equal(t, 0, f.sink.Pending())

	// Once answered, the serial may be used again.
	third := &api.Call{Path: "/greeter", Interface: greetIface, Member: "Hello", Signature: "s", Sender: ":local.1", Serial: 9, Body: []any{"Cy"}}
	f.dispatch(third)
	assert.Equal(t, "Hello Cy! This API has been used 1 times.", f.conn.next(t).Body[0])
	assert.Nil(t, fatal.Load())

	outcomes := f.results()
	require.Len(t, outcomes, 3)
	assert.Equal(t, OutcomeError, outcomes[0].Result)
	assert.Equal(t, api.ErrNameInvalidArgs, outcomes[0].ErrorName)
}

func TestDriverRun(t *testing.T) {
	f := newFixture(t, nil)
	d := NewDriver("test", f.conn, f.disp, f.sink, zerolog.Nop())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(context.Background()) }()

	f.conn.in <- newCall("/greeter", greetIface, "Hello", "Ada")
	assert.Equal(t, "Hello Ada! This API has been used 1 times.", f.conn.next(t).Body[0])

	f.conn.lose(errors.New("socket reset"))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrTransportLost)
		assert.Contains(t, err.Error(), "socket reset")
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop")
	}

	// Driver shut the sink.
	c := newCall("/greeter", greetIface, "Hello", "Ada")
	r, err := f.sink.Open(c)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Return(context.Background(), "", nil), ErrSuppressed)
}

func TestDriverStopsOnContext(t *testing.T) {
	f := newFixture(t, nil)
	d := NewDriver("test", f.conn, f.disp, f.sink, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop")
	}
}
