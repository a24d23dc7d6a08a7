package net

import (
	"net"
	"net/http"
)

// AppendForwardedFor sets or appends the request peer to the
// X-Forwarded-For header of an outgoing request header set.
func AppendForwardedFor(out http.Header, r *http.Request) {
	if r.RemoteAddr == "" {
		return
	}

	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		addr = host
	}

	v := r.Header.Get("X-Forwarded-For")
	if v == "" {
		v = addr
	} else {
		v = v + ", " + addr
	}
	out.Set("X-Forwarded-For", v)
}
