package gwerror

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	e := New(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded").
		WithDetails(map[string]any{"rule": "per-ip"})
	WriteJSON(rec, "req-1", e)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var body struct {
		Error struct {
			Code      string         `json:"code"`
			Message   string         `json:"message"`
			RequestID string         `json:"request_id"`
			Details   map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "RATE_LIMITED" {
		t.Errorf("code = %q", body.Error.Code)
	}
	if body.Error.RequestID != "req-1" {
		t.Errorf("request id = %q", body.Error.RequestID)
	}
	if body.Error.Details["rule"] != "per-ip" {
		t.Errorf("details = %v", body.Error.Details)
	}
}

func TestWithDetailsDoesNotMutate(t *testing.T) {
	e := New(CodeInternal, http.StatusInternalServerError, "boom")
	_ = e.WithDetails(map[string]any{"k": "v"})
	if e.Details != nil {
		t.Error("WithDetails mutated the original error")
	}
}

func TestInternalHidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, "req-2", Internal(&Error{Code: "X", Message: "secret dsn: postgres://user:pw@host"}))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); strings.Contains(got, "postgres://") {
		t.Errorf("internal details leaked to the client: %s", got)
	}
}
