package proxy

import (
	"net/http"
	"strings"

	"github.com/portcullis-io/portcullis/auth"
	gwnet "github.com/portcullis-io/portcullis/net"
)

const (
	headerRequestID = "X-Gateway-Request-ID"
	headerUserID    = "X-Gateway-User-ID"
	headerUserEmail = "X-Gateway-User-Email"
	headerUserRoles = "X-Gateway-User-Roles"

	gatewayHeaderPrefix = "X-Gateway-"
)

var hopHeaders = map[string]bool{
	"Te":                  true,
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func dropInbound(name string) bool {
	if hopHeaders[name] {
		return true
	}
	// Inbound gateway headers are never trusted; the gateway is the
	// only writer of the X-Gateway namespace.
	if strings.HasPrefix(name, gatewayHeaderPrefix) {
		return true
	}
	return strings.HasPrefix(name, "Proxy-")
}

// upstreamHeaders builds the header set of the outgoing request:
// inbound headers minus hop-by-hop and gateway-reserved ones, plus
// the gateway identity headers and the appended X-Forwarded-For.
func upstreamHeaders(r *http.Request, requestID string, id *auth.Identity) http.Header {
	out := make(http.Header, len(r.Header)+4)
	for name, values := range r.Header {
		if dropInbound(name) {
			continue
		}
		out[name] = values
	}

	out.Set(headerRequestID, requestID)
	if id != nil {
		out.Set(headerUserID, id.UserID)
		out.Set(headerUserEmail, id.Email)
		out.Set(headerUserRoles, strings.Join(id.Roles, ","))
	}

	gwnet.AppendForwardedFor(out, r)
	return out
}

// relayHeaders copies upstream response headers to the client,
// dropping hop-by-hop headers.
func relayHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		if hopHeaders[name] || strings.HasPrefix(name, gatewayHeaderPrefix) {
			continue
		}
		dst[name] = values
	}
}
