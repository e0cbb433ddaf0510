// Package admin serves the daemon's HTTP side channel: health, metrics, a
// read-only view of the registry and the call journal.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mithrel/busobj/internal/introspect"
	"github.com/mithrel/busobj/internal/journal"
	"github.com/mithrel/busobj/internal/registry"
	"github.com/mithrel/busobj/pkg/api"
)

// ObjectView is one object in the /objects listing.
type ObjectView struct {
	Path       string          `json:"path"`
	Interfaces []InterfaceView `json:"interfaces"`
}

type InterfaceView struct {
	Name        string   `json:"name"`
	Fingerprint string   `json:"fingerprint"`
	Methods     []string `json:"methods"`
	Signals     []string `json:"signals,omitempty"`
}

// Objects lists every object in reg.
func Objects(reg *registry.Registry) []ObjectView {
	paths := reg.Objects()
	out := make([]ObjectView, 0, len(paths))
	for _, p := range paths {
		ifaces, ok := reg.Interfaces(p)
		if !ok {
			continue
		}
		ov := ObjectView{Path: p.String()}
		for _, i := range ifaces {
			iv := InterfaceView{Name: i.Name, Fingerprint: i.Fingerprint()}
			for _, m := range i.Methods {
				iv.Methods = append(iv.Methods, m.Name)
			}
			for _, s := range i.Signals {
				iv.Signals = append(iv.Signals, s.Name)
			}
			ov.Interfaces = append(ov.Interfaces, iv)
		}
		out = append(out, ov)
	}
	return out
}

// Options configures the admin router.
type Options struct {
	// Token, when set, is required as a bearer token on everything except
	// /healthz.
	Token string
	// Journal backs /calls; nil disables the route.
	Journal journal.Store
	Log     zerolog.Logger
}

// NewHandler builds the admin router over reg.
func NewHandler(reg *registry.Registry, opts Options) http.Handler {
	started := time.Now()
	log := opts.Log
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, http.StatusOK, map[string]any{
			"ok":      true,
			"uptime":  time.Since(started).Round(time.Second).String(),
			"objects": len(reg.Objects()),
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(bearer(opts.Token))
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/objects", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, log, http.StatusOK, Objects(reg))
		})
		r.Get("/objects/*", objectHandler(reg))
		if opts.Journal != nil {
			r.Get("/calls", callsHandler(opts.Journal, log))
		}
	})
	return r
}

// bearer rejects requests without the configured token. An empty token
// leaves the routes open.
func bearer(tok string) func(http.Handler) http.Handler {
	tok = strings.TrimSpace(tok)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("Authorization")
			if !strings.HasPrefix(got, "Bearer ") || strings.TrimSpace(strings.TrimPrefix(got, "Bearer ")) != tok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// callsHandler lists journal records newest first. Query parameters:
// limit, outcome, session, since (RFC3339).
func callsHandler(store journal.Store, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := journal.Query{
			Outcome: r.URL.Query().Get("outcome"),
			Session: r.URL.Query().Get("session"),
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "bad limit", http.StatusBadRequest)
				return
			}
			q.Limit = n
		}
		if v := r.URL.Query().Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				http.Error(w, "bad since", http.StatusBadRequest)
				return
			}
			q.Since = t
		}
		recs, err := store.List(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []journal.Record{}
		}
		writeJSON(w, log, http.StatusOK, recs)
	}
}

func objectHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := api.ParseObjectPath("/" + chi.URLParam(r, "*"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		node, err := introspect.Describe(reg, path)
		if errors.Is(err, registry.ErrUnknownObject) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s, err := introspect.XML(node)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(s))
	}
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("admin response encode")
	}
}
