package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"ssogate/internal/config"
)

// mockOIDCServer serves discovery, JWKS, token and (optionally) userinfo
// endpoints backed by a fresh RSA key.
func mockOIDCServer(t *testing.T, withUserInfo bool) *httptest.Server {
	t.Helper()

	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	var srv *httptest.Server
	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		discovery := map[string]any{
			"issuer":                                srv.URL,
			"authorization_endpoint":                srv.URL + "/authorize",
			"token_endpoint":                        srv.URL + "/token",
			"jwks_uri":                              srv.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
			"subject_types_supported":               []string{"public"},
			"response_types_supported":              []string{"code"},
		}
		if withUserInfo {
			discovery["userinfo_endpoint"] = srv.URL + "/userinfo"
		}
		writeJSON(w, discovery)
	})

	mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &privKey.PublicKey,
			KeyID:     "test-key-1",
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}})
	})

	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		signer, err := jose.NewSigner(
			jose.SigningKey{Algorithm: jose.RS256, Key: privKey},
			(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key-1"),
		)
		if err != nil {
			http.Error(w, fmt.Sprintf("create signer: %v", err), http.StatusInternalServerError)
			return
		}
		now := time.Now()
		claims := jwt.Claims{
			Issuer:    srv.URL,
			Subject:   "user-123",
			Audience:  jwt.Audience{"client-id"},
			IssuedAt:  jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		}
		extra := map[string]any{
			"email":       "alice@example.com",
			"given_name":  "Alice",
			"family_name": "Token",
		}
		rawJWT, err := jwt.Signed(signer).Claims(claims).Claims(extra).Serialize()
		if err != nil {
			http.Error(w, fmt.Sprintf("sign jwt: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"access_token": "mock-access-token",
			"token_type":   "Bearer",
			"id_token":     rawJWT,
			"expires_in":   3600,
		})
	})

	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer mock-access-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":         "user-123",
			"email":       "alice@example.com",
			"given_name":  "Alice",
			"family_name": "Info",
		})
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func oidcLookup(issuer string) *config.Store {
	return config.FromMap(map[string]string{
		config.OAuthKey:    "client-id",
		config.OAuthSecret: "client-secret",
		config.OAuthName:   "oidc",
		config.OAuthIssuer: issuer,
		config.OAuthScope:  "email",
	})
}

func TestOIDC_Discovery(t *testing.T) {
	srv := mockOIDCServer(t, true)
	c := newTestClient(t, oidcLookup(srv.URL))
	if c.Kind() != KindOIDC {
		t.Fatalf("kind = %v", c.Kind())
	}

	raw, err := c.BuildAuthorizationRedirect("http://localhost:8080/page", "s")
	if err != nil {
		t.Fatalf("BuildAuthorizationRedirect: %v", err)
	}
	if !strings.HasPrefix(raw, srv.URL+"/authorize?") {
		t.Errorf("redirect %q does not use the discovered endpoint", raw)
	}
	if !strings.Contains(raw, "scope=openid+email") {
		t.Errorf("redirect %q should request the openid scope", raw)
	}
}

func TestOIDC_InvalidIssuer(t *testing.T) {
	_, err := New(context.Background(), oidcLookup("http://127.0.0.1:1/nonexistent"), nil)
	if err == nil {
		t.Fatal("expected discovery error")
	}
}

func TestOIDC_MissingIssuer(t *testing.T) {
	l := oidcLookup("")
	_, err := New(context.Background(), l, nil)
	if !config.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestOIDC_ExchangeUsesUserInfo(t *testing.T) {
	srv := mockOIDCServer(t, true)
	c := newTestClient(t, oidcLookup(srv.URL))

	p, err := c.ExchangeCodeForProfile(context.Background(), "http://localhost:8080/page", "code")
	if err != nil {
		t.Fatalf("ExchangeCodeForProfile: %v", err)
	}
	want := Profile{GivenName: "Alice", FamilyName: "Info", Email: "alice@example.com"}
	if *p != want {
		t.Errorf("profile = %+v, want %+v", *p, want)
	}
}

func TestOIDC_ExchangeFallsBackToIDToken(t *testing.T) {
	srv := mockOIDCServer(t, false)
	c := newTestClient(t, oidcLookup(srv.URL))

	p, err := c.ExchangeCodeForProfile(context.Background(), "http://localhost:8080/page", "code")
	if err != nil {
		t.Fatalf("ExchangeCodeForProfile: %v", err)
	}
	want := Profile{GivenName: "Alice", FamilyName: "Token", Email: "alice@example.com"}
	if *p != want {
		t.Errorf("profile = %+v, want %+v", *p, want)
	}
}

func TestOIDC_RejectsForeignAudience(t *testing.T) {
	srv := mockOIDCServer(t, true)
	l := oidcLookup(srv.URL)
	c := newTestClient(t, l)
	l.Set(config.OAuthKey, "someone-else")

	_, err := c.ExchangeCodeForProfile(context.Background(), "http://localhost:8080/page", "code")
	var idErr *Error
	if err == nil || !errors.As(err, &idErr) || idErr.Kind != Decode {
		t.Fatalf("expected decode error for foreign audience, got %v", err)
	}
}
