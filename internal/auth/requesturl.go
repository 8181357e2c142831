package auth

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies lists the CIDRs whose X-Forwarded-* headers are honoured.
type TrustedProxies struct {
	CIDRs []netip.Prefix
}

// ParseTrustedProxies parses a comma-separated list of CIDRs.
func ParseTrustedProxies(raw string) (*TrustedProxies, error) {
	var cidrs []netip.Prefix
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", s, err)
		}
		cidrs = append(cidrs, prefix)
	}
	return &TrustedProxies{CIDRs: cidrs}, nil
}

// IsTrusted reports whether remoteAddr (host:port) is a trusted proxy.
func (tp *TrustedProxies) IsTrusted(remoteAddr string) bool {
	if tp == nil || len(tp.CIDRs) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, cidr := range tp.CIDRs {
		if cidr.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the caller's address, using X-Forwarded-For only when the
// immediate peer is trusted.
func ClientIP(r *http.Request, proxies *TrustedProxies) string {
	if proxies.IsTrusted(r.RemoteAddr) {
		if ip := firstHeaderValue(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequestURL rebuilds the URL the browser requested, without the query
// string. It is the callback handed to the identity provider.
func RequestURL(r *http.Request, proxies *TrustedProxies) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if proxies.IsTrusted(r.RemoteAddr) {
		if p := firstHeaderValue(r.Header.Get("X-Forwarded-Proto")); p == "http" || p == "https" {
			scheme = p
		}
		if h := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); h != "" {
			host = h
		}
	}
	return scheme + "://" + host + r.URL.EscapedPath()
}

func firstHeaderValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}
