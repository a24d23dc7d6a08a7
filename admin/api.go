// Package admin serves the management API of the gateway under the
// reserved /api/v1/gateway prefix, plus the liveness endpoints. Writes
// go through the store and invalidate the affected in-memory
// snapshots; reads come from the breaker registry, the health
// supervisor and the log sink.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/portcullis-io/portcullis/auth"
	"github.com/portcullis-io/portcullis/circuit"
	"github.com/portcullis-io/portcullis/gwerror"
	"github.com/portcullis-io/portcullis/health"
	"github.com/portcullis-io/portcullis/logsink"
	"github.com/portcullis-io/portcullis/proxy"
	"github.com/portcullis-io/portcullis/ratelimit"
	"github.com/portcullis-io/portcullis/routing"
	"github.com/portcullis-io/portcullis/store"
)

// Options to create the management API.
type Options struct {
	Store      *store.Store
	Routes     *routing.Table
	Limits     *ratelimit.Engine
	Breakers   *circuit.Registry
	Supervisor *health.Supervisor
	Sink       *logsink.Sink

	// Verifier authenticates management requests. When nil the
	// management surface is open; meant for tests and local runs.
	Verifier *auth.Verifier

	// AdminRole is the role claim required for management access.
	AdminRole string

	// MetricsHandler serves the Prometheus exposition format.
	MetricsHandler http.Handler
}

// API is the management handler.
type API struct {
	store      *store.Store
	routes     *routing.Table
	limits     *ratelimit.Engine
	breakers   *circuit.Registry
	supervisor *health.Supervisor
	sink       *logsink.Sink
	verifier   *auth.Verifier
	adminRole  string

	router chi.Router
}

// New builds the management router.
func New(o Options) *API {
	if o.AdminRole == "" {
		o.AdminRole = "admin"
	}
	a := &API{
		store:      o.Store,
		routes:     o.Routes,
		limits:     o.Limits,
		breakers:   o.Breakers,
		supervisor: o.Supervisor,
		sink:       o.Sink,
		verifier:   o.Verifier,
		adminRole:  o.AdminRole,
	}

	r := chi.NewRouter()

	r.Get("/health", a.handleLiveness)
	r.Get("/live", a.handleLiveness)
	r.Get("/ready", a.handleReadiness)

	r.Route("/api/v1/gateway", func(r chi.Router) {
		r.Use(a.requireAdmin)

		r.Route("/routes", func(r chi.Router) {
			r.Get("/", a.handleListRoutes)
			r.Post("/", a.handleCreateRoute)
			r.Get("/{id}", a.handleGetRoute)
			r.Put("/{id}", a.handleUpdateRoute)
			r.Delete("/{id}", a.handleDeleteRoute)
		})

		r.Route("/rate-limits", func(r chi.Router) {
			r.Get("/", a.handleListRules)
			r.Post("/", a.handleCreateRule)
			r.Get("/{id}", a.handleGetRule)
			r.Put("/{id}", a.handleUpdateRule)
			r.Delete("/{id}", a.handleDeleteRule)
		})

		r.Route("/services", func(r chi.Router) {
			r.Get("/", a.handleListServices)
			r.Post("/", a.handleRegisterService)
			r.Get("/{name}", a.handleGetService)
			r.Post("/{name}/reset", a.handleResetService)
		})

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", a.handleQueryLogs)
			r.Get("/errors", a.handleErrorLogs)
		})

		r.Get("/metrics", a.handleStats)
		if o.MetricsHandler != nil {
			r.Handle("/metrics/prometheus", o.MetricsHandler)
		}

		r.Get("/health", a.handleAggregatedHealth)
	})

	a.router = r
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// requireAdmin authenticates the request and requires the admin role.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.verifier == nil {
			next.ServeHTTP(w, r)
			return
		}

		id, err := a.verifier.Verify(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			status, code := http.StatusUnauthorized, gwerror.CodeUnauthorized
			if errors.Is(err, auth.ErrUnavailable) {
				status, code = http.StatusServiceUnavailable, gwerror.CodeAuthUnavailable
			}
			a.writeError(w, r, gwerror.New(code, status, "management access requires authentication"))
			return
		}
		if !id.HasRole(a.adminRole) {
			a.writeError(w, r, gwerror.New(gwerror.CodeForbidden, http.StatusForbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, e *gwerror.Error) {
	gwerror.WriteJSON(w, proxy.RequestIDFrom(r.Context()), e)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to write management response: %v", err)
	}
}

func (a *API) handleLiveness(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.writeError(w, r, gwerror.New(gwerror.CodeStoreUnavailable, http.StatusServiceUnavailable, "store unreachable"))
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) handleAggregatedHealth(w http.ResponseWriter, r *http.Request) {
	agg, err := a.supervisor.Aggregated(r.Context())
	if err != nil {
		a.writeError(w, r, gwerror.Internal(err))
		return
	}
	a.writeJSON(w, http.StatusOK, agg)
}
