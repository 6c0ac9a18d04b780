package services

import (
	"net"
	"net/netip"
	"strings"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
)

// ClientIPResolver derives the client address from a request descriptor.
// Forwarding headers are honoured only when the peer is a trusted proxy.
type ClientIPResolver struct {
	trusted IPList
}

func NewClientIPResolver(trusted IPList) ClientIPResolver {
	return ClientIPResolver{trusted: trusted}
}

// HasTrustedProxies reports whether any trusted proxy is configured.
func (r ClientIPResolver) HasTrustedProxies() bool {
	return !r.trusted.Empty()
}

// Resolve never fails. When nothing parses it returns the trimmed peer value.
func (r ClientIPResolver) Resolve(req domain.RequestDescriptor) string {
	peer, ok := parseAddr(req.RemoteAddr)
	if !ok {
		return strings.TrimSpace(req.RemoteAddr)
	}
	if !r.trusted.ContainsAddr(peer) {
		return peer.String()
	}

	if req.ForwardedFor != "" {
		first, _, _ := strings.Cut(req.ForwardedFor, ",")
		if addr, ok := parseAddr(first); ok {
			return addr.String()
		}
	}
	if addr, ok := parseAddr(req.RealIP); ok {
		return addr.String()
	}
	return peer.String()
}

// NormalizeIP returns the canonical text form of ip, or "" when it does not
// parse.
func NormalizeIP(ip string) string {
	addr, ok := parseAddr(ip)
	if !ok {
		return ""
	}
	return addr.String()
}

// canonicalIP is NormalizeIP falling back to the raw value.
func canonicalIP(ip string) string {
	if n := NormalizeIP(ip); n != "" {
		return n
	}
	return ip
}

// parseAddr accepts bare addresses, host:port pairs and bracketed IPv6.
// Zones are dropped and IPv4-mapped IPv6 is unmapped.
func parseAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}

	addr, err := netip.ParseAddr(raw)
	if err != nil {
		host, _, splitErr := net.SplitHostPort(raw)
		if splitErr != nil {
			host = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
		}
		addr, err = netip.ParseAddr(host)
		if err != nil {
			return netip.Addr{}, false
		}
	}
	return addr.WithZone("").Unmap(), true
}
