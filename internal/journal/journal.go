// Package journal keeps a record of finished calls.
package journal

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Record is one finished call.
type Record struct {
	ID        string        `json:"id"`
	Session   string        `json:"session"`
	At        time.Time     `json:"at"`
	Sender    string        `json:"sender"`
	Serial    uint32        `json:"serial"`
	Path      string        `json:"path"`
	Interface string        `json:"interface,omitempty"`
	Member    string        `json:"member"`
	Async     bool          `json:"async"`
	Outcome   string        `json:"outcome"`
	ErrorName string        `json:"error_name,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Query selects records, newest first.
type Query struct {
	Limit   int
	Session string
	Outcome string
	Since   time.Time
	Until   time.Time
}

const DefaultLimit = 50

// Store is the journal storage interface.
type Store interface {
	Append(ctx context.Context, recs ...Record) error
	List(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

var ErrClosed = errors.New("journal: store closed")

// Open returns a Store for dsn: "memory" (or empty) for an in-process
// store, otherwise a sqlite database path, optionally prefixed sqlite://.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch strings.TrimSpace(dsn) {
	case "", "memory", "mem://":
		return NewMemStore(0), nil
	}
	return openSQLite(ctx, dsn)
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

func (q Query) match(r Record) bool {
	if q.Session != "" && r.Session != q.Session {
		return false
	}
	if q.Outcome != "" && r.Outcome != q.Outcome {
		return false
	}
	if !q.Since.IsZero() && r.At.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && r.At.After(q.Until) {
		return false
	}
	return true
}
