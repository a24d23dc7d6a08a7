package proxy

import (
	"net/http"
	"strings"
)

// CORSOptions configure cross origin handling on the listener. Empty
// Origins disables CORS handling entirely.
type CORSOptions struct {
	Origins          []string
	Methods          []string
	Headers          []string
	AllowCredentials bool
}

func (o *CORSOptions) enabled() bool { return len(o.Origins) > 0 }

func (o *CORSOptions) originAllowed(origin string) bool {
	for _, allowed := range o.Origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// apply sets the CORS response headers and reports whether the
// request was a preflight that has been answered.
func (o *CORSOptions) apply(w http.ResponseWriter, r *http.Request) bool {
	if !o.enabled() {
		return false
	}

	origin := r.Header.Get("Origin")
	if origin == "" || !o.originAllowed(origin) {
		return false
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	if o.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}

	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		if len(o.Methods) > 0 {
			h.Set("Access-Control-Allow-Methods", strings.Join(o.Methods, ", "))
		}
		if len(o.Headers) > 0 {
			h.Set("Access-Control-Allow-Headers", strings.Join(o.Headers, ", "))
		}
		w.WriteHeader(http.StatusNoContent)
		return true
	}

	return false
}
