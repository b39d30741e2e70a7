package util

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies is the set of reverse proxies whose forwarding headers are believed.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses CIDR or single-address entries.
// Empty input returns nil, which trusts no proxy.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &TrustedProxies{prefixes: prefixes}, nil
}

// Contains reports whether addr falls inside a trusted range.
func (t *TrustedProxies) Contains(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP resolves the caller address used for audit logs and alert counters.
// Forwarding headers count only when the direct peer is a trusted proxy.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	peer, viaProxy := directPeer(r, trusted)
	if !peer.IsValid() {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !viaProxy {
		return peer.String()
	}
	if chain := forwardedChain(r.Header.Values("X-Forwarded-For")); len(chain) > 0 {
		chain = append(chain, peer)
		for i := len(chain) - 1; i >= 0; i-- {
			if !trusted.Contains(chain[i]) {
				return chain[i].String()
			}
		}
		return chain[0].String()
	}
	if realIP := parseAddr(r.Header.Get("X-Real-IP")); realIP.IsValid() {
		return realIP.String()
	}
	return peer.String()
}

// IsHTTPS reports whether the client reached us over TLS, either directly or
// through a trusted proxy announcing X-Forwarded-Proto: https.
func IsHTTPS(r *http.Request, trusted *TrustedProxies) bool {
	if r.TLS != nil {
		return true
	}
	if _, viaProxy := directPeer(r, trusted); !viaProxy {
		return false
	}
	proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

func directPeer(r *http.Request, trusted *TrustedProxies) (netip.Addr, bool) {
	host := strings.TrimSpace(r.RemoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	peer := parseAddr(host)
	return peer, trusted.Contains(peer)
}

// forwardedChain flattens repeated X-Forwarded-For lines, skipping junk hops.
func forwardedChain(lines []string) []netip.Addr {
	var out []netip.Addr
	for _, line := range lines {
		for _, part := range strings.Split(line, ",") {
			if addr := parseAddr(part); addr.IsValid() {
				out = append(out, addr)
			}
		}
	}
	return out
}

func parseAddr(raw string) netip.Addr {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}
