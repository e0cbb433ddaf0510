package journal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mithrel/busobj/internal/dispatch"
	"github.com/mithrel/busobj/pkg/api"
)

func seed(t *testing.T, ctx context.Context, s Store, n int) time.Time {
	t.Helper()
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < n; i++ {
		outcome := dispatch.OutcomeOK
		if i%2 == 1 {
			outcome = dispatch.OutcomeError
		}
		require.NoError(t, s.Append(ctx, Record{
			ID:       fmt.Sprintf("rec-%02d", i),
			Session:  "s1",
			At:       base.Add(time.Duration(i) * time.Second),
			Sender:   ":1.1",
			Serial:   uint32(i + 1),
			Path:     "/greeter",
			Member:   "Hello",
			Outcome:  outcome,
			Duration: time.Millisecond,
		}))
	}
	return base
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	sq, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	mem, err := Open(ctx, "memory")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sq.Close()
		_ = mem.Close()
	})
	return map[string]Store{"sqlite": sq, "memory": mem}
}

func TestStoreListNewestFirst(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := seed(t, ctx, s, 5)

			got, err := s.List(ctx, Query{Limit: 2})
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "rec-04", got[0].ID)
			assert.Equal(t, "rec-03", got[1].ID)
			assert.Equal(t, uint32(5), got[0].Serial)
			assert.Equal(t, time.Millisecond, got[0].Duration)
			assert.True(t, got[0].At.Equal(base.Add(4*time.Second)))

			errs, err := s.List(ctx, Query{Outcome: dispatch.OutcomeError})
			require.NoError(t, err)
			assert.Len(t, errs, 2)

			since, err := s.List(ctx, Query{Since: base.Add(3 * time.Second)})
			require.NoError(t, err)
			assert.Len(t, since, 2)

			window, err := s.List(ctx, Query{Since: base.Add(time.Second), Until: base.Add(2 * time.Second)})
			require.NoError(t, err)
			require.Len(t, window, 2)
			assert.Equal(t, "rec-02", window[0].ID)

			none, err := s.List(ctx, Query{Session: "other"})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestMemStoreWraps(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(3)
	seed(t, ctx, s, 5)
	got, err := s.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "rec-04", got[0].ID)
	assert.Equal(t, "rec-02", got[2].ID)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Append(ctx, Record{}), ErrClosed)
}

func TestRecorderWritesOutcomes(t *testing.T) {
	s := NewMemStore(0)
	r := NewRecorder(s, "sess", 8, zerolog.Nop())
	call := &api.Call{Path: "/greeter", Interface: "com.example.Greet", Member: "Hello", Sender: ":1.7", Serial: 3}
	r.Observe(dispatch.Outcome{Call: call, Async: true, Result: dispatch.OutcomeOK, Start: time.Now(), Duration: 2 * time.Millisecond})
	r.Observe(dispatch.Outcome{Call: call, Result: dispatch.OutcomeError, ErrorName: api.ErrNameInvalidArgs, Start: time.Now()})
	require.NoError(t, r.Close())

	got, err := s.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, api.ErrNameInvalidArgs, got[0].ErrorName)
	assert.Equal(t, "sess", got[1].Session)
	assert.Equal(t, ":1.7", got[1].Sender)
	assert.Equal(t, "com.example.Greet", got[1].Interface)
	assert.True(t, got[1].Async)
	assert.NotEmpty(t, got[1].ID)

	// Observing after Close is a no-op.
	r.Observe(dispatch.Outcome{Call: call, Result: dispatch.OutcomeOK})
	got, _ = s.List(context.Background(), Query{})
	assert.Len(t, got, 2)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	// No writer goroutine, so the buffer never drains.
	r := &Recorder{store: NewMemStore(0), ch: make(chan Record, 1), log: zerolog.Nop()}
	o := dispatch.Outcome{Call: &api.Call{Path: "/", Member: "Ping"}, Result: dispatch.OutcomeOK}
	r.Observe(o)
	r.Observe(o)
	r.Observe(o)
	assert.Equal(t, uint64(2), r.Dropped())
}
