package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mithrel/busobj/internal/dispatch"
	"github.com/mithrel/busobj/internal/observability"
)

const (
	DefaultBuffer = 1024
	batchSize     = 64
	flushEvery    = 200 * time.Millisecond
)

// Recorder is a dispatch.Observer that writes records to a Store off the
// dispatch path. When its buffer is full records are dropped and counted.
type Recorder struct {
	store   Store
	session string
	log     zerolog.Logger

	ch      chan Record
	once    sync.Once
	wg      sync.WaitGroup
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

var _ dispatch.Observer = (*Recorder)(nil)

func NewRecorder(store Store, session string, buffer int, log zerolog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	r := &Recorder{
		store:   store,
		session: session,
		log:     log.With().Str("component", "journal").Logger(),
		ch:      make(chan Record, buffer),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// FromOutcome builds a record for o.
func FromOutcome(session string, o dispatch.Outcome) Record {
	rec := Record{
		ID:        uuid.NewString(),
		Session:   session,
		At:        o.Start.UTC(),
		Async:     o.Async,
		Outcome:   o.Result,
		ErrorName: o.ErrorName,
		Duration:  o.Duration,
	}
	if c := o.Call; c != nil {
		rec.Sender = c.Sender
		rec.Serial = c.Serial
		rec.Path = c.Path.String()
		rec.Interface = c.Interface
		rec.Member = c.Member
	}
	return rec
}

func (r *Recorder) Observe(o dispatch.Outcome) {
	rec := FromOutcome(r.session, o)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
		observability.RecordJournalDrop()
	}
}

// Dropped reports how many records were lost to a full buffer.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) run() {
	defer r.wg.Done()
	t := time.NewTicker(flushEvery)
	defer t.Stop()
	batch := make([]Record, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Append(ctx, batch...); err != nil {
			r.log.Warn().Err(err).Int("records", len(batch)).Msg("journal write failed")
		}
		cancel()
		batch = batch[:0]
	}
	for {
		select {
		case rec, ok := <-r.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-t.C:
			flush()
		}
	}
}

// Close flushes buffered records and stops the writer. The store is left
// open.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
		r.wg.Wait()
	})
	return nil
}
