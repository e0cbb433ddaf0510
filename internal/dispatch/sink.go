package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/mithrel/busobj/pkg/api"
)

var (
	// ErrDuplicateReply means a second reply was attempted for one call. It
	// is a programming error and is reported on the fatal hook.
	ErrDuplicateReply = errors.New("dispatch: duplicate reply")
	// ErrSuppressed is returned for sends after the sink closed. Nothing is
	// written to the connection.
	ErrSuppressed = errors.New("dispatch: reply suppressed after shutdown")
	// ErrSerialInUse is returned by Open when the caller reuses the identity
	// of a call still awaiting its reply. It is the peer's fault, never fatal.
	ErrSerialInUse = errors.New("dispatch: serial already in use")
)

// DefaultReplyHistory is how many replied identities a sink remembers.
const DefaultReplyHistory = 4096

// Sender writes replies to a connection.
type Sender interface {
	Send(ctx context.Context, r api.Reply) error
}

// Sink sends at most one reply per call identity over one connection.
type Sink struct {
	out   Sender
	log   zerolog.Logger
	fatal func(error)

	mu      sync.Mutex
	closed  bool
	pending map[api.ReplyIdentity]struct{}
	replied *lru.Cache[api.ReplyIdentity, struct{}]
}

type SinkOption func(*Sink)

// WithFatal routes duplicate replies to fn in addition to returning them.
func WithFatal(fn func(error)) SinkOption { return func(s *Sink) { s.fatal = fn } }

func WithSinkLogger(l zerolog.Logger) SinkOption { return func(s *Sink) { s.log = l } }

// NewSink returns a sink writing to out that remembers the last history
// replied identities.
func NewSink(out Sender, history int, opts ...SinkOption) *Sink {
	if history <= 0 {
		history = DefaultReplyHistory
	}
	replied, err := lru.New[api.ReplyIdentity, struct{}](history)
	if err != nil {
		// Only possible for a non-positive size.
		panic(err)
	}
	s := &Sink{
		out:     out,
		log:     zerolog.Nop(),
		pending: make(map[api.ReplyIdentity]struct{}),
		replied: replied,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open marks call as awaiting a reply and returns its handle. Calls that
// expect no reply get a handle whose sends do nothing. A call whose identity
// is already pending is not registered; Open returns ErrSerialInUse and the
// caller should answer it with Reject.
func (s *Sink) Open(call *api.Call) (*Reply, error) {
	r := &Reply{sink: s, id: call.ID(), noReply: call.NoReply}
	if call.NoReply {
		return r, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return r, nil
	}
	if _, busy := s.pending[r.id]; busy {
		return nil, fmt.Errorf("%w: %s", ErrSerialInUse, r.id)
	}
	s.pending[r.id] = struct{}{}
	return r, nil
}

// Reject sends an error for a call that Open refused. The pending entry
// of the earlier call with the same identity is left alone.
func (s *Sink) Reject(ctx context.Context, id api.ReplyIdentity, name, message string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSuppressed
	}
	return s.out.Send(ctx, api.Reply{ID: id, ErrorName: name, Signature: "s", Body: []any{message}})
}

// Pending reports how many opened calls have not been answered.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SendReply sends a method return for id.
func (s *Sink) SendReply(ctx context.Context, id api.ReplyIdentity, sig string, body []any) error {
	return s.send(ctx, api.Reply{ID: id, Signature: sig, Body: body})
}

// SendError sends an error reply for id.
func (s *Sink) SendError(ctx context.Context, id api.ReplyIdentity, name, message string) error {
	return s.send(ctx, api.Reply{ID: id, ErrorName: name, Signature: "s", Body: []any{message}})
}

func (s *Sink) send(ctx context.Context, r api.Reply) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Debug().Str("call", r.ID.String()).Msg("reply suppressed after shutdown")
		return ErrSuppressed
	}
	if _, ok := s.pending[r.ID]; !ok {
		s.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrDuplicateReply, r.ID)
		if s.replied.Contains(r.ID) {
			s.log.Error().Str("call", r.ID.String()).Msg("second reply for call")
		} else {
			s.log.Error().Str("call", r.ID.String()).Msg("reply for a call that is not awaiting one")
		}
		if s.fatal != nil {
			s.fatal(err)
		}
		return err
	}
	delete(s.pending, r.ID)
	s.replied.Add(r.ID, struct{}{})
	s.mu.Unlock()
	return s.out.Send(ctx, r)
}

// Close drops pending calls; later sends are suppressed.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if n := len(s.pending); n > 0 {
		s.log.Debug().Int("pending", n).Msg("reply sink closed with calls outstanding")
	}
	s.pending = make(map[api.ReplyIdentity]struct{})
}

// Reply is the single-use reply handle for one call.
type Reply struct {
	sink    *Sink
	id      api.ReplyIdentity
	noReply bool
}

func (r *Reply) ID() api.ReplyIdentity { return r.id }

// Expected reports whether the caller waits for a reply.
func (r *Reply) Expected() bool { return !r.noReply }

func (r *Reply) Return(ctx context.Context, sig string, body []any) error {
	if r.noReply {
		return nil
	}
	return r.sink.SendReply(ctx, r.id, sig, body)
}

func (r *Reply) Error(ctx context.Context, name, message string) error {
	if r.noReply {
		return nil
	}
	return r.sink.SendError(ctx, r.id, name, message)
}
