package daemon

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mithrel/busobj/internal/config"
	"github.com/mithrel/busobj/internal/executor"
	"github.com/mithrel/busobj/internal/introspect"
	"github.com/mithrel/busobj/internal/registry"
	"github.com/mithrel/busobj/internal/services/greeter"
	"github.com/mithrel/busobj/pkg/api"
)

// NewExecutor returns the executor selected by s, or nil when async
// handling is disabled.
func NewExecutor(s config.Settings) executor.Executor {
	if !s.Async.Enabled {
		return nil
	}
	if s.Async.Workers > 0 {
		return executor.NewPool(s.Async.Workers, s.Async.Queue)
	}
	return executor.NewGo()
}

// BuildRegistry registers the built-in interfaces and objects. ex may be
// nil, in which case only synchronous handlers are registered.
func BuildRegistry(s config.Settings, ex executor.Executor, log zerolog.Logger) (*registry.Registry, error) {
	opts := []registry.Option{registry.WithLogger(log.With().Str("component", "registry").Logger())}
	if ex != nil {
		opts = append(opts, registry.WithExecutor(ex))
	}
	reg := registry.New(opts...)

	if s.Dispatch.Introspection {
		for _, register := range []func(*registry.Registry) (registry.Token, error){introspect.Register, introspect.RegisterProperties} {
			tok, err := register(reg)
			if err != nil {
				return nil, err
			}
			if err := reg.AttachByDefault(tok); err != nil {
				return nil, err
			}
		}
	}
	if s.Greeter.Enabled {
		path, err := api.ParseObjectPath(s.Greeter.Path)
		if err != nil {
			return nil, fmt.Errorf("greeter.path: %w", err)
		}
		_, err = greeter.Install(reg, greeter.Options{
			Interface: s.Greeter.Interface,
			Path:      path,
			Delay:     s.Greeter.Delay,
			Log:       log.With().Str("component", "greeter").Logger(),
		})
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}
