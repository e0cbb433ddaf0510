package wire

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/mithrel/busobj/internal/config"
	"github.com/mithrel/busobj/internal/journal"
	"github.com/mithrel/busobj/internal/observability"
)

// App aggregates the major services for easy injection.
type App struct {
	Cfg      *viper.Viper
	Settings config.Settings
	Log      zerolog.Logger
	// Session identifies this process in journal records.
	Session string
	// Journal is nil when journal.enabled is false.
	Journal journal.Store
}

// BuildApp wires dependencies with the provided config.
func BuildApp(ctx context.Context, v *viper.Viper) (*App, error) {
	s, err := config.Decode(v)
	if err != nil {
		return nil, err
	}
	logger := observability.InitLogger("busobj", s.Log.Level, s.Log.Format)
	app := &App{
		Cfg:      v,
		Settings: s,
		Log:      logger,
		Session:  uuid.NewString(),
	}
	if s.Journal.Enabled {
		store, err := journal.Open(ctx, config.ResolveJournalDSN(s))
		if err != nil {
			return nil, err
		}
		app.Journal = store
	}
	return app, nil
}

func (a *App) Close() error {
	if a.Journal != nil {
		return a.Journal.Close()
	}
	return nil
}
