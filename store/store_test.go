package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, st.Bootstrap(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func testRoute(pattern string) *Route {
	return &Route{
		Pattern:       pattern,
		Methods:       StringList{"GET", "POST"},
		TargetService: "auth",
		TargetBaseURL: "http://auth:8002",
		Priority:      10,
		Active:        true,
	}
}

func TestSchemaCheck(t *testing.T) {
	st := testStore(t)
	require.NoError(t, st.CheckSchema(context.Background()))
}

func TestSchemaMismatchWithoutMigrations(t *testing.T) {
	st, err := Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	defer st.Close()

	err = st.CheckSchema(context.Background())
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestRouteCRUDRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	r := testRoute("/api/v1/auth/*")
	require.NoError(t, st.CreateRoute(ctx, r))
	require.NotEmpty(t, r.ID)

	got, err := st.GetRoute(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Pattern, got.Pattern)
	assert.Equal(t, r.Methods, got.Methods)
	assert.Equal(t, r.TargetBaseURL, got.TargetBaseURL)
	assert.True(t, got.CreatedAt.After(time.Time{}))

	upd := testRoute("/api/v1/auth/*")
	upd.Priority = 20
	upd.AuthRequired = true
	updated, err := st.UpdateRoute(ctx, r.ID, upd)
	require.NoError(t, err)
	assert.Equal(t, 20, updated.Priority)
	assert.True(t, updated.AuthRequired)
	// fields resent with their stored values keep them
	assert.Equal(t, "auth", updated.TargetService)

	require.NoError(t, st.DeleteRoute(ctx, r.ID))
	_, err = st.GetRoute(ctx, r.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// deleting again reports the same error
	require.ErrorIs(t, st.DeleteRoute(ctx, r.ID), ErrNotFound)
}

func TestActivePatternUniqueness(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRoute(ctx, testRoute("/api/v1/auth/*")))

	err := st.CreateRoute(ctx, testRoute("/api/v1/auth/*"))
	require.ErrorIs(t, err, ErrPatternExists)

	// an inactive duplicate is fine
	inactive := testRoute("/api/v1/auth/*")
	inactive.Active = false
	require.NoError(t, st.CreateRoute(ctx, inactive))

	// but flipping it active collides again
	inactive.Active = true
	_, err = st.UpdateRoute(ctx, inactive.ID, inactive)
	require.ErrorIs(t, err, ErrPatternExists)
}

func TestRouteValidation(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	bad := testRoute("/x")
	bad.Methods = StringList{"get"}
	require.Error(t, st.CreateRoute(ctx, bad))

	bad = testRoute("/x")
	bad.TargetBaseURL = "http://auth:8002/"
	require.Error(t, st.CreateRoute(ctx, bad))
}

func TestListRoutesOrdering(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	low := testRoute("/api/v1/a/*")
	low.Priority = 1
	high := testRoute("/api/v1/b/*")
	high.Priority = 9
	require.NoError(t, st.CreateRoute(ctx, low))
	require.NoError(t, st.CreateRoute(ctx, high))

	routes, err := st.ListRoutes(ctx, true)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, high.ID, routes[0].ID)
}

func TestRuleNameUniqueness(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	rule := &RateLimitRule{Name: "r1", Scope: ScopeGlobal, MaxRequests: 10, WindowSeconds: 60, Active: true}
	require.NoError(t, st.CreateRule(ctx, rule))

	dup := &RateLimitRule{Name: "r1", Scope: ScopePerIP, MaxRequests: 5, WindowSeconds: 30, Active: true}
	require.ErrorIs(t, st.CreateRule(ctx, dup), ErrNameExists)
}

func TestRuleValidation(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.Error(t, st.CreateRule(ctx, &RateLimitRule{Name: "x", Scope: "per_moon", MaxRequests: 1, WindowSeconds: 1}))
	require.Error(t, st.CreateRule(ctx, &RateLimitRule{Name: "x", Scope: ScopeGlobal, MaxRequests: 0, WindowSeconds: 1}))
	require.Error(t, st.CreateRule(ctx, &RateLimitRule{Name: "x", Scope: ScopeGlobal, MaxRequests: 1, WindowSeconds: 0}))
}

func TestServiceLifecycle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	_, err := st.RegisterService(ctx, "auth", "http://auth:8002")
	require.NoError(t, err)

	_, err = st.RegisterService(ctx, "auth", "http://auth:8002")
	require.ErrorIs(t, err, ErrServiceExists)

	require.NoError(t, st.EnsureService(ctx, "auth", "http://auth:8002"))

	now := time.Now()
	require.NoError(t, st.RecordProbe(ctx, "auth", ProbeResult{
		Status: StatusHealthy, ResponseTimeMs: 12.5, Success: true, CheckedAt: now,
	}))
	require.NoError(t, st.RecordProbe(ctx, "auth", ProbeResult{
		Status: StatusUnhealthy, ResponseTimeMs: 5000, Success: false, CircuitOpen: true, CheckedAt: now,
	}))

	rec, err := st.GetService(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, rec.Status)
	assert.EqualValues(t, 1, rec.SuccessCount)
	assert.EqualValues(t, 1, rec.ErrorCount)
	assert.True(t, rec.CircuitOpen)

	rec, err = st.ResetService(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, rec.Status)
	assert.EqualValues(t, 0, rec.SuccessCount)
	assert.EqualValues(t, 0, rec.ErrorCount)
	assert.False(t, rec.CircuitOpen)

	require.NoError(t, st.RecordProbe(ctx, "auth", ProbeResult{Status: StatusHealthy, Success: true, CheckedAt: now}))
}

func intptr(v int) *int       { return &v }
func strptr(s string) *string { return &s }

func TestLogsQueryAndAggregates(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now()

	var recs []*RequestLog
	for i := 0; i < 10; i++ {
		code := 200
		var errMsg *string
		if i >= 8 {
			code = 502
			errMsg = strptr("upstream_connect_error")
		}
		recs = append(recs, &RequestLog{
			RequestID:      "req-" + string(rune('a'+i)),
			Method:         "GET",
			Path:           "/api/v1/content/items",
			TargetService:  strptr("content"),
			ClientIP:       "1.2.3.4",
			StatusCode:     intptr(code),
			ResponseTimeMs: float64(10 * (i + 1)),
			ErrorMessage:   errMsg,
			CreatedAt:      now,
		})
	}
	require.NoError(t, st.InsertLogs(ctx, recs))

	got, err := st.QueryLogs(ctx, LogFilter{TargetService: "content", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = st.QueryLogs(ctx, LogFilter{StatusCode: 502})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	errLogs, err := st.ErrorLogs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, errLogs, 2)

	counts, err := st.CountByStatusClass(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 10, counts.Total)
	assert.EqualValues(t, 8, counts.Success)
	assert.EqualValues(t, 2, counts.ServerErr)

	samples, err := st.ResponseTimes(ctx, now.Add(-time.Minute), 100)
	require.NoError(t, err)
	assert.Len(t, samples, 10)

	top, err := st.TopEndpoints(ctx, now.Add(-time.Minute), 3)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "/api/v1/content/items", top[0].Path)
	assert.EqualValues(t, 10, top[0].Count)

	svc, err := st.ServiceStats(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, svc, 1)
	assert.EqualValues(t, 2, svc[0].Errors)

	purged, err := st.PurgeLogsBefore(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 10, purged)
}
