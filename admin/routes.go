package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/portcullis-io/portcullis/gwerror"
	"github.com/portcullis-io/portcullis/pathmatch"
	"github.com/portcullis-io/portcullis/store"
)

type routePayload struct {
	Pattern               string   `json:"pattern"`
	Methods               []string `json:"methods"`
	TargetService         string   `json:"target_service"`
	TargetBaseURL         string   `json:"target_base_url"`
	AuthRequired          bool     `json:"auth_required"`
	Priority              int      `json:"priority"`
	TimeoutMs             int      `json:"timeout_ms"`
	RetryCount            int      `json:"retry_count"`
	CircuitBreakerEnabled *bool    `json:"circuit_breaker_enabled"`
	Active                *bool    `json:"active"`
}

func (p *routePayload) toRecord() *store.Route {
	r := &store.Route{
		Pattern:               p.Pattern,
		Methods:               p.Methods,
		TargetService:         p.TargetService,
		TargetBaseURL:         p.TargetBaseURL,
		AuthRequired:          p.AuthRequired,
		Priority:              p.Priority,
		TimeoutMs:             p.TimeoutMs,
		RetryCount:            p.RetryCount,
		CircuitBreakerEnabled: true,
		Active:                true,
	}
	if p.CircuitBreakerEnabled != nil {
		r.CircuitBreakerEnabled = *p.CircuitBreakerEnabled
	}
	if p.Active != nil {
		r.Active = *p.Active
	}
	return r
}

func (a *API) decodeRoute(w http.ResponseWriter, r *http.Request) (*store.Route, bool) {
	var p routePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		a.writeError(w, r, gwerror.New(gwerror.CodeValidation, http.StatusUnprocessableEntity, "invalid request body"))
		return nil, false
	}
	rec := p.toRecord()
	if err := rec.Validate(); err != nil {
		a.writeError(w, r, gwerror.New(gwerror.CodeValidation, http.StatusUnprocessableEntity, err.Error()))
		return nil, false
	}
	if _, err := pathmatch.Compile(rec.Pattern); err != nil {
		a.writeError(w, r, gwerror.New(gwerror.CodeValidation, http.StatusUnprocessableEntity, "invalid pattern: "+err.Error()))
		return nil, false
	}
	return rec, true
}

// routeStoreError maps store errors to management responses.
func (a *API) routeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrPatternExists):
		a.writeError(w, r, gwerror.New(gwerror.CodeConflict, http.StatusConflict, err.Error()))
	case errors.Is(err, store.ErrNotFound):
		a.writeError(w, r, gwerror.New(gwerror.CodeNotFound, http.StatusNotFound, "route not found"))
	default:
		a.writeError(w, r, gwerror.Internal(err))
	}
}

func (a *API) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"
	routes, err := a.store.ListRoutes(r.Context(), activeOnly)
	if err != nil {
		a.writeError(w, r, gwerror.Internal(err))
		return
	}
	a.writeJSON(w, http.StatusOK, routes)
}

func (a *API) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	route, err := a.store.GetRoute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.routeStoreError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, route)
}

func (a *API) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.decodeRoute(w, r)
	if !ok {
		return
	}
	if err := a.store.CreateRoute(r.Context(), rec); err != nil {
		a.routeStoreError(w, r, err)
		return
	}
	if err := a.routes.Reload(r.Context()); err != nil {
		a.writeError(w, r, gwerror.Internal(err))
		return
	}
	a.writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.decodeRoute(w, r)
	if !ok {
		return
	}
	updated, err := a.store.UpdateRoute(r.Context(), chi.URLParam(r, "id"), rec)
	if err != nil {
		a.routeStoreError(w, r, err)
		return
	}
	if err := a.routes.Reload(r.Context()); err != nil {
		a.writeError(w, r, gwerror.Internal(err))
		return
	}
	a.writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteRoute(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.routeStoreError(w, r, err)
		return
	}
	if err := a.routes.Reload(r.Context()); err != nil {
		a.writeError(w, r, gwerror.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
