// Package net provides address helpers for the gateway: trusted proxy
// handling, client IP resolution and forwarded header shaping.
package net

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// strip port from addresses with hostname, ipv4 or ipv6
func stripPort(address string) string {
	if h, _, err := net.SplitHostPort(address); err == nil {
		return h
	}

	return address
}

// PeerAddr returns the address of the immediate peer of the
// connection, or the zero Addr when it cannot be parsed.
func PeerAddr(r *http.Request) netip.Addr {
	addr, _ := netip.ParseAddr(stripPort(r.RemoteAddr))
	return addr
}

// ParseIPCIDRs parses the trusted proxy list into an IPSet. A bare
// address is accepted next to CIDR notation. Unlike a data plane
// route source, this is startup configuration, so any invalid entry
// is an error rather than being skipped.
func ParseIPCIDRs(cidrs []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder

	for _, w := range cidrs {
		if strings.Contains(w, "/") {
			pref, err := netip.ParsePrefix(w)
			if err != nil {
				return nil, err
			}
			b.AddPrefix(pref)
		} else {
			addr, err := netip.ParseAddr(w)
			if err != nil {
				return nil, err
			}
			b.Add(addr)
		}
	}

	return b.IPSet()
}

// ClientIP resolves the address the request originates from. When the
// immediate peer is within the trusted set, the first entry of the
// X-Forwarded-For header is used; otherwise the socket peer is the
// sole client address and the header is not consulted.
//
// Example:
//
//	X-Forwarded-For: client, proxy1, proxy2
func ClientIP(r *http.Request, trusted *netipx.IPSet) netip.Addr {
	peer := PeerAddr(r)
	if trusted == nil || !peer.IsValid() || !trusted.Contains(peer) {
		return peer
	}

	ffs := r.Header.Get("X-Forwarded-For")
	ff, _, _ := strings.Cut(ffs, ",")
	if addr, err := netip.ParseAddr(stripPort(strings.TrimSpace(ff))); err == nil {
		return addr
	}

	return peer
}
