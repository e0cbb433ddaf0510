// Package greeter is the example Hello service: a counter per object and
// a greeting that reports it.
package greeter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mithrel/busobj/internal/registry"
	"github.com/mithrel/busobj/pkg/api"
)

const (
	DefaultInterface = "com.example.dbustest"
	DefaultPath      = api.ObjectPath("/hello")
)

type Options struct {
	Interface string
	Path      api.ObjectPath
	// Delay is how long the async Hello waits before replying.
	Delay time.Duration
	Log   zerolog.Logger
}

// State is the payload of a greeter object.
type State struct {
	Count uint32
}

type helloIn struct{ Name string }
type helloOut struct{ Reply string }
type countOut struct{ Count uint32 }

// Greeting is the reply text for the n-th call by name.
func Greeting(name string, n uint32) string {
	return fmt.Sprintf("Hello %s! This API has been used %d times.", name, n)
}

// Register defines the greeter interface. Hello is async-capable when the
// registry has an executor and synchronous otherwise.
func Register(reg *registry.Registry, opts Options) (registry.Token, error) {
	if opts.Interface == "" {
		opts.Interface = DefaultInterface
	}
	log := opts.Log
	return reg.RegisterInterface(opts.Interface, func(b *registry.Builder) {
		b.Signal("HelloHappened", registry.Arg{Name: "sender", Type: "s"})

		if reg.Executor() != nil {
			registry.AsyncMethod(b, "Hello", []string{"name"}, []string{"reply"}, func(c *registry.Context, in helloIn) (registry.Deferred[helloOut], error) {
				s, err := count(c, in.Name, log)
				if err != nil {
					return nil, err
				}
				return func(ctx context.Context) (helloOut, error) {
					if opts.Delay > 0 {
						t := time.NewTimer(opts.Delay)
						defer t.Stop()
						select {
						case <-t.C:
						case <-ctx.Done():
							return helloOut{}, ctx.Err()
						}
					}
					announce(c, in.Name, log)
					return helloOut{Reply: s}, nil
				}, nil
			})
		} else {
			registry.Method(b, "Hello", []string{"name"}, []string{"reply"}, func(c *registry.Context, in helloIn) (helloOut, error) {
				s, err := count(c, in.Name, log)
				if err != nil {
					return helloOut{}, err
				}
				announce(c, in.Name, log)
				return helloOut{Reply: s}, nil
			})
		}

		registry.Method(b, "Count", nil, []string{"count"}, func(c *registry.Context, _ struct{}) (countOut, error) {
			st, ok := registry.DataAs[*State](c)
			if !ok {
				return countOut{}, errors.New("greeter: object has no state")
			}
			return countOut{Count: st.Count}, nil
		})
	})
}

func count(c *registry.Context, name string, log zerolog.Logger) (string, error) {
	st, ok := registry.DataAs[*State](c)
	if !ok {
		return "", errors.New("greeter: object has no state")
	}
	log.Info().Str("sender", c.Sender()).Str("name", name).Msg("incoming hello")
	st.Count++
	return Greeting(name, st.Count), nil
}

func announce(c *registry.Context, name string, log zerolog.Logger) {
	if err := c.Emit("HelloHappened", name); err != nil && !errors.Is(err, registry.ErrNoEmitter) {
		log.Warn().Err(err).Msg("HelloHappened not sent")
	}
}

// Install registers the interface and inserts a fresh greeter object at
// opts.Path, also attaching extra.
func Install(reg *registry.Registry, opts Options, extra ...registry.Token) (registry.Token, error) {
	tok, err := Register(reg, opts)
	if err != nil {
		return registry.Token{}, err
	}
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	if err := reg.Insert(path, append([]registry.Token{tok}, extra...), &State{}); err != nil {
		return registry.Token{}, err
	}
	return tok, nil
}
