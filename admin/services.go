package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/portcullis-io/portcullis/circuit"
	"github.com/portcullis-io/portcullis/gwerror"
	"github.com/portcullis-io/portcullis/store"
)

// serviceView joins the durable health record with the live breaker
// state of this replica.
type serviceView struct {
	*store.ServiceHealth
	Circuit circuit.Snapshot `json:"circuit"`
}

func (a *API) viewOf(rec *store.ServiceHealth) serviceView {
	return serviceView{
		ServiceHealth: rec,
		Circuit:       a.breakers.Get(rec.ServiceName).Snapshot(),
	}
}

func (a *API) handleListServices(w http.ResponseWriter, r *http.Request) {
	recs, err := a.store.ListServices(r.Context())
	if err != nil {
		a.writeError(w, r, gwerror.Internal(err))
		return
	}
	views := make([]serviceView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, a.viewOf(rec))
	}
	a.writeJSON(w, http.StatusOK, views)
}

func (a *API) handleGetService(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.GetService(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, r, gwerror.New(gwerror.CodeNotFound, http.StatusNotFound, "service not found"))
			return
		}
		a.writeError(w, r, gwerror.Internal(err))
		return
	}
	a.writeJSON(w, http.StatusOK, a.viewOf(rec))
}

type registerServicePayload struct {
	ServiceName string `json:"service_name"`
	BaseURL     string `json:"base_url"`
}

func (a *API) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var p registerServicePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		a.writeError(w, r, gwerror.New(gwerror.CodeValidation, http.StatusUnprocessableEntity, "invalid request body"))
		return
	}

	rec, err := a.store.RegisterService(r.Context(), p.ServiceName, p.BaseURL)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrServiceExists):
			a.writeError(w, r, gwerror.New(gwerror.CodeConflict, http.StatusConflict, err.Error()))
		default:
			a.writeError(w, r, gwerror.New(gwerror.CodeValidation, http.StatusUnprocessableEntity, err.Error()))
		}
		return
	}
	a.writeJSON(w, http.StatusCreated, a.viewOf(rec))
}

// handleResetService force-closes the breaker and zeroes the durable
// counters of a service.
func (a *API) handleResetService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	rec, err := a.store.ResetService(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, r, gwerror.New(gwerror.CodeNotFound, http.StatusNotFound, "service not found"))
			return
		}
		a.writeError(w, r, gwerror.Internal(err))
		return
	}

	a.breakers.Reset(name)
	a.writeJSON(w, http.StatusOK, a.viewOf(rec))
}
