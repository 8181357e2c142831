// Package outbound builds the HTTP clients used for identity provider and
// directory calls. Every call gets bounded connect and read timeouts and is
// attempted exactly once.
package outbound

import (
	"net"
	"net/http"
	"os"
	"time"
)

// Default timeouts applied when Timeouts fields are zero.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 10 * time.Second
)

// Timeouts configures an outbound client.
type Timeouts struct {
	// Connect bounds TCP dial and TLS handshake.
	Connect time.Duration
	// Read bounds the wait for response headers and the overall request.
	Read time.Duration
}

// TimeoutsFromEnv reads SSOGATE_CONNECT_TIMEOUT and SSOGATE_READ_TIMEOUT
// (Go duration strings), falling back to the defaults.
func TimeoutsFromEnv() Timeouts {
	t := Timeouts{Connect: DefaultConnectTimeout, Read: DefaultReadTimeout}
	if v := os.Getenv("SSOGATE_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			t.Connect = d
		}
	}
	if v := os.Getenv("SSOGATE_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			t.Read = d
		}
	}
	return t
}

func (t Timeouts) normalize() Timeouts {
	if t.Connect <= 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.Read <= 0 {
		t.Read = DefaultReadTimeout
	}
	return t
}

// NewClient returns an *http.Client that never follows redirects silently
// into a hang: dial, TLS handshake and response headers are each bounded,
// and the whole exchange is capped at Connect+Read.
func NewClient(t Timeouts) *http.Client {
	t = t.normalize()
	dialer := &net.Dialer{Timeout: t.Connect, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   t.Connect,
		ResponseHeaderTimeout: t.Read,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   10,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   t.Connect + t.Read,
	}
}
