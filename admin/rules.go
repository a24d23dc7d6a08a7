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

type rulePayload struct {
	Name          string  `json:"name"`
	Scope         string  `json:"scope"`
	Pattern       *string `json:"pattern"`
	MaxRequests   int     `json:"max_requests"`
	WindowSeconds int     `json:"window_seconds"`
	Active        *bool   `json:"active"`
}

func (p *rulePayload) toRecord() *store.RateLimitRule {
	r := &store.RateLimitRule{
		Name:          p.Name,
		Scope:         p.Scope,
		Pattern:       p.Pattern,
		MaxRequests:   p.MaxRequests,
		WindowSeconds: p.WindowSeconds,
		Active:        true,
	}
	if p.Active != nil {
		r.Active = *p.Active
	}
	return r
}

func (a *API) decodeRule(w http.ResponseWriter, r *http.Request) (*store.RateLimitRule, bool) {
	var p rulePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		a.writeError(w, r, gwerror.New(gwerror.CodeValidation, http.StatusUnprocessableEntity, "invalid request body"))
		return nil, false
	}
	rec := p.toRecord()
	if err := rec.Validate(); err != nil {
		a.writeError(w, r, gwerror.New(gwerror.CodeValidation, http.StatusUnprocessableEntity, err.Error()))
		return nil, false
	}
	if rec.Pattern != nil && *rec.Pattern != "" {
		if _, err := pathmatch.Compile(*rec.Pattern); err != nil {
			a.writeError(w, r, gwerror.New(gwerror.CodeValidation, http.StatusUnprocessableEntity, "invalid pattern: "+err.Error()))
			return nil, false
		}
	}
	return rec, true
}

func (a *API) ruleStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNameExists):
		a.writeError(w, r, gwerror.New(gwerror.CodeConflict, http.StatusConflict, err.Error()))
	case errors.Is(err, store.ErrNotFound):
		a.writeError(w, r, gwerror.New(gwerror.CodeNotFound, http.StatusNotFound, "rule not found"))
	default:
		a.writeError(w, r, gwerror.Internal(err))
	}
}

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"
	rules, err := a.store.ListRules(r.Context(), activeOnly)
	if err != nil {
		a.writeError(w, r, gwerror.Internal(err))
		return
	}
	a.writeJSON(w, http.StatusOK, rules)
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.store.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.ruleStoreError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rule)
}

func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.decodeRule(w, r)
	if !ok {
		return
	}
	if err := a.store.CreateRule(r.Context(), rec); err != nil {
		a.ruleStoreError(w, r, err)
		return
	}
	if err := a.limits.Reload(r.Context()); err != nil {
		a.writeError(w, r, gwerror.Internal(err))
		return
	}
	a.writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.decodeRule(w, r)
	if !ok {
		return
	}
	updated, err := a.store.UpdateRule(r.Context(), chi.URLParam(r, "id"), rec)
	if err != nil {
		a.ruleStoreError(w, r, err)
		return
	}
	if err := a.limits.Reload(r.Context()); err != nil {
		a.writeError(w, r, gwerror.Internal(err))
		return
	}
	a.writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.ruleStoreError(w, r, err)
		return
	}
	if err := a.limits.Reload(r.Context()); err != nil {
		a.writeError(w, r, gwerror.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
