package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mithrel/busobj/pkg/api"
)

// ErrUnknownPeer is returned when replying to a peer that has gone away.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// UnixListener listens on a Unix domain socket path.
type UnixListener struct{ Path string }

func (u UnixListener) Listen(ctx context.Context) (net.Listener, error) {
	// Remove stale socket
	_ = os.Remove(u.Path)
	l, err := net.Listen("unix", u.Path)
	if err != nil {
		return nil, err
	}
	_ = os.Chmod(u.Path, 0o600)
	return l, nil
}

// UnixServer is a Conn serving any number of local peers on one socket.
// Each peer is named ":local.N"; replies are routed by that name and
// signals go to every peer.
type UnixServer struct {
	L   Listener
	log zerolog.Logger

	in   chan *api.Call
	done chan struct{}
	wg   sync.WaitGroup
	next atomic.Uint64

	mu    sync.Mutex
	l     net.Listener
	peers map[string]*peer
	err   error
	once  sync.Once
}

type peer struct {
	name string
	conn net.Conn
	wmu  sync.Mutex
}

func (p *peer) write(f *frame) error {
	s, err := f.encode()
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return writeProto(p.conn, s)
}

func NewUnixServer(l Listener, log zerolog.Logger) *UnixServer {
	return &UnixServer{
		L:     l,
		log:   log.With().Str("component", "unix").Logger(),
		in:    make(chan *api.Call, 64),
		done:  make(chan struct{}),
		peers: make(map[string]*peer),
	}
}

// Start listens and accepts peers in the background until ctx ends or
// Close is called. Listen errors are returned directly.
func (s *UnixServer) Start(ctx context.Context) error {
	l, err := s.L.Listen(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.l = l
	s.mu.Unlock()

	s.wg.Add(1)
	go s.accept(l)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	go func() {
		<-s.done
		s.wg.Wait()
		close(s.in)
	}()
	return nil
}

func (s *UnixServer) accept(l net.Listener) {
	defer s.wg.Done()
	for {
		c, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.fail(err)
			}
			return
		}
		p := &peer{name: fmt.Sprintf(":local.%d", s.next.Add(1)), conn: c}
		s.mu.Lock()
		select {
		case <-s.done:
			s.mu.Unlock()
			_ = c.Close()
			return
		default:
		}
		s.peers[p.name] = p
		s.mu.Unlock()
		s.log.Debug().Str("peer", p.name).Msg("peer connected")
		s.wg.Add(1)
		go s.serve(p)
	}
}

func (s *UnixServer) serve(p *peer) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p.name)
		s.mu.Unlock()
		_ = p.conn.Close()
		s.log.Debug().Str("peer", p.name).Msg("peer disconnected")
	}()
	br := bufio.NewReader(p.conn)
	for {
		var msg structpb.Struct
		if err := readProto(br, &msg); err != nil {
			return
		}
		f, body, err := decodeFrame(&msg)
		if err != nil {
			s.log.Debug().Str("peer", p.name).Err(err).Msg("dropping peer")
			return
		}
		if f.kind != kindCall {
			continue
		}
		if err := f.decodeBody(body); err != nil {
			// The call never reaches dispatch, so answer it here.
			if f.flags&flagNoReply == 0 {
				_ = p.write(&frame{kind: kindError, replySerial: f.serial, errorName: api.ErrNameInvalidArgs, signature: "s", body: []any{err.Error()}})
			}
			continue
		}
		path, err := api.ParseObjectPath(f.path)
		if err != nil {
			if f.flags&flagNoReply == 0 {
				_ = p.write(&frame{kind: kindError, replySerial: f.serial, errorName: api.ErrNameUnknownObject, signature: "s", body: []any{err.Error()}})
			}
			continue
		}
		call := &api.Call{
			Path:      path,
			Interface: f.iface,
			Member:    f.member,
			Sender:    p.name,
			Serial:    f.serial,
			NoReply:   f.flags&flagNoReply != 0,
			Signature: f.signature,
			Body:      f.body,
		}
		select {
		case s.in <- call:
		case <-s.done:
			return
		}
	}
}

func (s *UnixServer) Incoming() <-chan *api.Call { return s.in }
func (s *UnixServer) Done() <-chan struct{}      { return s.done }

func (s *UnixServer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *UnixServer) Send(ctx context.Context, r api.Reply) error {
	s.mu.Lock()
	p, ok := s.peers[r.ID.Sender]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, r.ID.Sender)
	}
	return p.write(replyFrame(r))
}

// Emit sends s to its destination, or to every peer when it has none.
func (s *UnixServer) Emit(ctx context.Context, sig api.Signal) error {
	f := &frame{
		kind:      kindSignal,
		path:      sig.Path.String(),
		iface:     sig.Interface,
		member:    sig.Member,
		signature: sig.Signature,
		body:      sig.Body,
	}
	s.mu.Lock()
	targets := make([]*peer, 0, len(s.peers))
	for name, p := range s.peers {
		if sig.Destination == "" || sig.Destination == name {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()
	var errs []error
	for _, p := range targets {
		if err := p.write(f); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *UnixServer) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	_ = s.Close()
}

// Close stops accepting, disconnects every peer and ends Incoming.
func (s *UnixServer) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.l != nil {
			_ = s.l.Close()
		}
		for _, p := range s.peers {
			_ = p.conn.Close()
		}
		s.mu.Unlock()
	})
	return nil
}

// UnixClient performs method calls over a fresh connection each.
type UnixClient struct {
	Path   string
	serial atomic.Uint32
}

func NewUnixClient(path string) *UnixClient { return &UnixClient{Path: path} }

// Call sends call and waits for its reply. Signals arriving meanwhile are
// skipped. A call flagged NoReply returns as soon as it is written.
func (c *UnixClient) Call(ctx context.Context, call *api.Call) (api.Reply, error) {
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", c.Path)
	if err != nil {
		return api.Reply{}, err
	}
	defer conn.Close()

	out := *call
	if out.Serial == 0 {
		out.Serial = c.serial.Add(1)
	}
	f, err := callFrame(&out)
	if err != nil {
		return api.Reply{}, err
	}
	s, err := f.encode()
	if err != nil {
		return api.Reply{}, err
	}
	if err := writeProto(conn, s); err != nil {
		return api.Reply{}, err
	}
	if out.NoReply {
		return api.Reply{ID: out.ID()}, nil
	}

	// Set deadline to respect context
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	br := bufio.NewReader(conn)
	for {
		var msg structpb.Struct
		if err := readProto(br, &msg); err != nil {
			if ctx.Err() != nil {
				return api.Reply{}, ctx.Err()
			}
			return api.Reply{}, err
		}
		rf, body, err := decodeFrame(&msg)
		if err != nil {
			return api.Reply{}, err
		}
		if (rf.kind != kindReturn && rf.kind != kindError) || rf.replySerial != out.Serial {
			continue
		}
		if err := rf.decodeBody(body); err != nil {
			return api.Reply{}, err
		}
		r := rf.reply()
		r.ID = out.ID()
		return r, nil
	}
}
