// Package daemon runs the service: it builds the registry, joins the
// configured transports and supervises one driver per connection.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mithrel/busobj/internal/admin"
	"github.com/mithrel/busobj/internal/bus"
	"github.com/mithrel/busobj/internal/dispatch"
	"github.com/mithrel/busobj/internal/executor"
	"github.com/mithrel/busobj/internal/ipc"
	"github.com/mithrel/busobj/internal/ipc/transport"
	"github.com/mithrel/busobj/internal/journal"
	"github.com/mithrel/busobj/internal/observability"
	"github.com/mithrel/busobj/internal/wire"
)

var ErrNoTransport = errors.New("daemon: no transport configured")

// Run serves until ctx ends (nil) or a fatal error occurs: a lost
// connection, a duplicate reply, or a failing admin listener. Startup
// failures, including not acquiring the bus name, are returned before any
// call is served.
func Run(ctx context.Context, app *wire.App) error {
	s := app.Settings
	log := app.Log
	observability.RegisterMetrics()

	ex := NewExecutor(s)
	if ex != nil {
		defer ex.Close()
	}
	reg, err := BuildRegistry(s, ex, log)
	if err != nil {
		return err
	}

	dopts := []dispatch.Option{
		dispatch.WithLogger(log.With().Str("component", "dispatch").Logger()),
		dispatch.WithObserver(observability.NewCallMetrics()),
	}
	if app.Journal != nil {
		rec := journal.NewRecorder(app.Journal, app.Session, journal.DefaultBuffer, log)
		defer rec.Close()
		dopts = append(dopts, dispatch.WithObserver(rec))
	}
	disp := dispatch.New(reg, dopts...)

	fatal := make(chan error, 1)
	report := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}
	sinkOpts := []dispatch.SinkOption{dispatch.WithSinkLogger(log)}
	if s.Dispatch.FatalDuplicateReply {
		sinkOpts = append(sinkOpts, dispatch.WithFatal(report))
	}

	var (
		drivers []*dispatch.Driver
		conns   []transport.Conn
	)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	add := func(name string, c transport.Conn) {
		conns = append(conns, c)
		sink := dispatch.NewSink(c, s.Dispatch.ReplyHistory, sinkOpts...)
		drivers = append(drivers, dispatch.NewDriver(name, c, disp, sink, log))
	}

	bc, err := dialBus(ctx, s.Bus, s.Name, bus.NameFlags(s.NameFlags), log)
	if err != nil {
		return err
	}
	if bc != nil {
		add("bus", bc)
	}

	sock := strings.TrimSpace(s.Socket)
	if sock != "none" {
		path, err := ipc.ResolveSocket(sock)
		if err != nil {
			return err
		}
		srv := transport.NewUnixServer(transport.UnixListener{Path: path}, log)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("daemon: listen %s: %w", path, err)
		}
		log.Info().Str("socket", path).Msg("local socket listening")
		add("local", srv)
	}
	if len(drivers) == 0 {
		return ErrNoTransport
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range drivers {
		g.Go(func() error {
			err := d.Run(gctx)
			if errors.Is(err, dispatch.ErrTransportLost) {
				observability.RecordTransportLost(d.Name())
			}
			return err
		})
	}
	g.Go(func() error {
		select {
		case err := <-fatal:
			log.Error().Err(err).Msg("fatal dispatch error")
			return err
		case <-gctx.Done():
			return nil
		}
	})
	if ex != nil {
		g.Go(func() error {
			sampleInflight(gctx, ex)
			return nil
		})
	}
	if addr := strings.TrimSpace(s.Admin.Addr); addr != "" {
		srv := &http.Server{Addr: addr, Handler: admin.NewHandler(reg, admin.Options{Token: s.Admin.Token, Journal: app.Journal, Log: log}), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			<-gctx.Done()
			shut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shut)
		})
		g.Go(func() error {
			log.Info().Str("addr", addr).Msg("admin listening")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("daemon: admin: %w", err)
			}
			return nil
		})
	}

	log.Info().Int("objects", len(reg.Objects())).Str("session", app.Session).Msg("serving")
	err = g.Wait()
	log.Info().Err(err).Msg("stopped")
	return err
}

// dialBus joins the message bus and claims name. It returns nil when bus
// is "none".
func dialBus(ctx context.Context, address, name string, flags bus.NameFlags, log zerolog.Logger) (*bus.Conn, error) {
	if strings.TrimSpace(address) == "none" {
		return nil, nil
	}
	c, err := bus.Dial(ctx, address, log)
	if err != nil {
		return nil, err
	}
	if err := c.RequestName(name, flags); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func sampleInflight(ctx context.Context, ex executor.Executor) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			observability.SetAsyncInflight(ex.Inflight())
		}
	}
}
