package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portcullis-io/portcullis/auth"
	"github.com/portcullis-io/portcullis/circuit"
	"github.com/portcullis-io/portcullis/health"
	"github.com/portcullis-io/portcullis/logsink"
	"github.com/portcullis-io/portcullis/ratelimit"
	"github.com/portcullis-io/portcullis/routing"
	"github.com/portcullis-io/portcullis/store"
)

const testSecret = "admin-test-secret"

type fixture struct {
	st       *store.Store
	table    *routing.Table
	engine   *ratelimit.Engine
	breakers *circuit.Registry
	api      *API
}

func newFixture(t *testing.T, withAuth bool) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, st.Bootstrap(ctx))
	t.Cleanup(func() { st.Close() })

	table, err := routing.New(ctx, st, routing.Defaults{Timeout: 30 * time.Second})
	require.NoError(t, err)

	engine, err := ratelimit.NewEngine(ctx, st, ratelimit.NewLocalCounters(), false)
	require.NoError(t, err)

	breakers := circuit.NewRegistry(circuit.Settings{
		FailureThreshold: 3, SuccessThreshold: 2, OpenTimeout: 30 * time.Second,
	}, false)

	supervisor := health.NewSupervisor(st, breakers, nil, time.Minute, time.Second)
	sink := logsink.New(st, 10, 1, nil)

	var verifier *auth.Verifier
	if withAuth {
		verifier = auth.NewVerifier(testSecret, "HS256", nil)
	}

	api := New(Options{
		Store:      st,
		Routes:     table,
		Limits:     engine,
		Breakers:   breakers,
		Supervisor: supervisor,
		Sink:       sink,
		Verifier:   verifier,
		AdminRole:  "admin",
	})

	return &fixture{st: st, table: table, engine: engine, breakers: breakers, api: api}
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	claims := auth.Claims{
		UserID: "admin-1",
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, req)
	return rec
}

func validRoute() map[string]any {
	return map[string]any{
		"pattern":         "/api/v1/auth/*",
		"methods":         []string{"GET", "POST"},
		"target_service":  "auth",
		"target_base_url": "http://auth:8002",
		"priority":        10,
	}
}

func TestAdminAuthRequired(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(t, "GET", "/api/v1/gateway/routes", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, "GET", "/api/v1/gateway/routes", token(t, "user"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, "GET", "/api/v1/gateway/routes", token(t, "admin"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProbesOpenWithoutAuth(t *testing.T) {
	f := newFixture(t, true)

	for _, path := range []string{"/health", "/live", "/ready"} {
		rec := f.do(t, "GET", path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRouteCRUD(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, "POST", "/api/v1/gateway/routes", "", validRoute())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created store.Route
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	// round trip
	rec = f.do(t, "GET", "/api/v1/gateway/routes/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got store.Route
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.Pattern, got.Pattern)

	// the data plane sees it immediately
	_, err := f.table.Resolve("/api/v1/auth/login", "GET")
	assert.NoError(t, err)

	// duplicate pattern rejected, nothing mutated
	rec = f.do(t, "POST", "/api/v1/gateway/routes", "", validRoute())
	assert.Equal(t, http.StatusConflict, rec.Code)

	// update
	upd := validRoute()
	upd["priority"] = 99
	rec = f.do(t, "PUT", "/api/v1/gateway/routes/"+created.ID, "", upd)
	require.Equal(t, http.StatusOK, rec.Code)

	// delete, then the same delete fails identically
	rec = f.do(t, "DELETE", "/api/v1/gateway/routes/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, "DELETE", "/api/v1/gateway/routes/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err = f.table.Resolve("/api/v1/auth/login", "GET")
	assert.ErrorIs(t, err, routing.ErrNotFound)
}

func TestRouteValidationErrors(t *testing.T) {
	f := newFixture(t, false)

	bad := validRoute()
	bad["pattern"] = "no-slash"
	rec := f.do(t, "POST", "/api/v1/gateway/routes", "", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	bad = validRoute()
	bad["methods"] = []string{}
	rec = f.do(t, "POST", "/api/v1/gateway/routes", "", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRuleCRUD(t *testing.T) {
	f := newFixture(t, false)

	rule := map[string]any{
		"name":           "ip-limit",
		"scope":          "per_ip",
		"pattern":        "/api/v1/*",
		"max_requests":   5,
		"window_seconds": 60,
	}

	rec := f.do(t, "POST", "/api/v1/gateway/rate-limits", "", rule)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created store.RateLimitRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// duplicate name is a conflict
	rec = f.do(t, "POST", "/api/v1/gateway/rate-limits", "", rule)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// invalid scope is a validation error
	bad := map[string]any{"name": "x", "scope": "per_galaxy", "max_requests": 1, "window_seconds": 1}
	rec = f.do(t, "POST", "/api/v1/gateway/rate-limits", "", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, "GET", "/api/v1/gateway/rate-limits", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []store.RateLimitRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	assert.Len(t, rules, 1)

	rec = f.do(t, "DELETE", "/api/v1/gateway/rate-limits/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServiceEndpoints(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	rec := f.do(t, "POST", "/api/v1/gateway/services", "", map[string]any{
		"service_name": "content",
		"base_url":     "http://content:8003",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// open the breaker, then reset through the API
	for i := 0; i < 3; i++ {
		f.breakers.RecordFailure("content")
	}
	require.Equal(t, circuit.Open, f.breakers.State("content"))

	rec = f.do(t, "POST", "/api/v1/gateway/services/content/reset", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, circuit.Closed, f.breakers.State("content"))

	svc, err := f.st.GetService(ctx, "content")
	require.NoError(t, err)
	assert.False(t, svc.CircuitOpen)
	assert.Equal(t, store.StatusUnknown, svc.Status)

	rec = f.do(t, "GET", "/api/v1/gateway/services/content", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		ServiceName string `json:"service_name"`
		Circuit     struct {
			State string `json:"state"`
		} `json:"circuit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "content", view.ServiceName)
	assert.Equal(t, "closed", view.Circuit.State)

	rec = f.do(t, "GET", "/api/v1/gateway/services/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogAndStatsEndpoints(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	code := 200
	svc := "content"
	require.NoError(t, f.st.InsertLogs(ctx, []*store.RequestLog{{
		RequestID:      "r1",
		Method:         "GET",
		Path:           "/api/v1/content/items",
		TargetService:  &svc,
		ClientIP:       "1.2.3.4",
		StatusCode:     &code,
		ResponseTimeMs: 12,
		CreatedAt:      time.Now(),
	}}))

	rec := f.do(t, "GET", "/api/v1/gateway/logs?target_service=content", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []store.RequestLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	assert.Len(t, logs, 1)

	rec = f.do(t, "GET", "/api/v1/gateway/metrics?window_seconds=3600", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats logsink.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats.TotalRequests)

	rec = f.do(t, "GET", "/api/v1/gateway/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agg health.Aggregate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Equal(t, store.StatusUnknown, agg.OverallStatus)
}
