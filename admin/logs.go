package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/portcullis-io/portcullis/gwerror"
	"github.com/portcullis-io/portcullis/store"
)

func queryInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(name))
	return v
}

func queryTime(r *http.Request, name string) time.Time {
	t, _ := time.Parse(time.RFC3339, r.URL.Query().Get(name))
	return t
}

func (a *API) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minMs, _ := strconv.ParseFloat(q.Get("min_response_time_ms"), 64)
	maxMs, _ := strconv.ParseFloat(q.Get("max_response_time_ms"), 64)

	f := store.LogFilter{
		Method:            q.Get("method"),
		PathContains:      q.Get("path"),
		TargetService:     q.Get("target_service"),
		UserID:            q.Get("user_id"),
		StatusCode:        queryInt(r, "status_code"),
		Since:             queryTime(r, "since"),
		Until:             queryTime(r, "until"),
		MinResponseTimeMs: minMs,
		MaxResponseTimeMs: maxMs,
		Limit:             queryInt(r, "limit"),
		Offset:            queryInt(r, "offset"),
	}

	recs, err := a.store.QueryLogs(r.Context(), f)
	if err != nil {
		a.writeError(w, r, gwerror.Internal(err))
		return
	}
	a.writeJSON(w, http.StatusOK, recs)
}

func (a *API) handleErrorLogs(w http.ResponseWriter, r *http.Request) {
	recs, err := a.store.ErrorLogs(r.Context(), queryInt(r, "limit"))
	if err != nil {
		a.writeError(w, r, gwerror.Internal(err))
		return
	}
	a.writeJSON(w, http.StatusOK, recs)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if secs := queryInt(r, "window_seconds"); secs > 0 {
		window = time.Duration(secs) * time.Second
	}
	topN := queryInt(r, "top")

	stats, err := a.sink.Stats(r.Context(), window, topN)
	if err != nil {
		a.writeError(w, r, gwerror.Internal(err))
		return
	}
	a.writeJSON(w, http.StatusOK, stats)
}
