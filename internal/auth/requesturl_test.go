package auth

import (
	"crypto/tls"
	"net/http/httptest"
	"testing"
)

func TestRequestURL(t *testing.T) {
	proxies, err := ParseTrustedProxies("10.0.0.0/8, ")
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}

	tests := []struct {
		name    string
		target  string
		remote  string
		headers map[string]string
		tls     bool
		want    string
	}{
		{
			name:   "plain",
			target: "http://share.example.com/share/page?code=abc",
			remote: "192.0.2.1:1234",
			want:   "http://share.example.com/share/page",
		},
		{
			name:   "tls",
			target: "https://share.example.com/share/",
			remote: "192.0.2.1:1234",
			tls:    true,
			want:   "https://share.example.com/share/",
		},
		{
			name:    "trusted proxy headers",
			target:  "http://internal:8080/share/page",
			remote:  "10.1.2.3:5555",
			headers: map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "share.example.com, internal"},
			want:    "https://share.example.com/share/page",
		},
		{
			name:    "untrusted proxy headers ignored",
			target:  "http://internal:8080/share/page",
			remote:  "192.0.2.1:1234",
			headers: map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "evil.example.com"},
			want:    "http://internal:8080/share/page",
		},
		{
			name:   "escaped path kept",
			target: "http://share.example.com/share/a%20b",
			remote: "192.0.2.1:1234",
			want:   "http://share.example.com/share/a%20b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			r.RemoteAddr = tt.remote
			if !tt.tls {
				r.TLS = nil
			} else {
				r.TLS = &tls.ConnectionState{}
			}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := RequestURL(r, proxies); got != tt.want {
				t.Errorf("RequestURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	proxies, _ := ParseTrustedProxies("10.0.0.0/8")

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.7:1000"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.7")
	if got := ClientIP(r, proxies); got != "203.0.113.9" {
		t.Errorf("trusted ClientIP = %q", got)
	}

	r.RemoteAddr = "198.51.100.2:1000"
	if got := ClientIP(r, proxies); got != "198.51.100.2" {
		t.Errorf("untrusted ClientIP = %q", got)
	}
	if got := ClientIP(r, nil); got != "198.51.100.2" {
		t.Errorf("nil proxies ClientIP = %q", got)
	}
}

func TestParseTrustedProxies_Invalid(t *testing.T) {
	if _, err := ParseTrustedProxies("not-a-cidr"); err == nil {
		t.Fatal("expected error")
	}
}
