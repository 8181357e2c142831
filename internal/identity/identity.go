// Package identity talks to the external OAuth identity provider: it builds
// the authorization redirect and exchanges an authorization code for the
// user's profile.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"ssogate/internal/config"
)

// Profile is the identity asserted by the provider.
type Profile struct {
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email"`
}

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	Transport ErrorKind = iota + 1
	Decode
)

func (k ErrorKind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Decode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is returned for every failure talking to the provider. Calls are
// never retried.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("identity %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoProfile is wrapped when the provider answered without a usable
// email address.
var ErrNoProfile = errors.New("profile has no email")

// Provider is implemented by each provider adapter.
type Provider interface {
	AuthCodeURL(s Settings, returnURL, state string) (string, error)
	Exchange(ctx context.Context, s Settings, returnURL, code string) (*oauth2.Token, error)
	FetchProfile(ctx context.Context, s Settings, token *oauth2.Token) (*Profile, error)
}

// Client resolves settings per call and delegates to the adapter chosen at
// startup.
type Client struct {
	kind     Kind
	provider Provider
	lookup   config.Lookup
	http     *http.Client
}

// New parses the provider kind from oauth-api.name and builds the adapter.
// The oidc kind performs discovery against oauth-api.issuer here, so a
// misconfigured issuer fails at startup.
func New(ctx context.Context, l config.Lookup, httpClient *http.Client) (*Client, error) {
	req, err := config.Require(l, config.OAuthName)
	if err != nil {
		return nil, err
	}
	kind := ParseKind(req[config.OAuthName])
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var p Provider
	switch kind {
	case KindGoogle:
		p = newGoogle()
	case KindGitHub:
		p = newGitHub()
	case KindOIDC:
		p, err = newOIDC(oauth2Context(ctx, httpClient), l)
		if err != nil {
			return nil, err
		}
	default:
		p = newGeneric()
	}
	return NewWithProvider(kind, p, l, httpClient), nil
}

// NewWithProvider builds a Client around an explicit adapter.
func NewWithProvider(kind Kind, p Provider, l config.Lookup, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{kind: kind, provider: p, lookup: l, http: httpClient}
}

// Kind returns the adapter kind.
func (c *Client) Kind() Kind { return c.kind }

// Settings resolves the current provider settings.
func (c *Client) Settings() (Settings, error) {
	return LoadSettings(c.lookup)
}

// BuildAuthorizationRedirect returns the provider authorization URL with
// returnURL as the callback. It performs no I/O.
func (c *Client) BuildAuthorizationRedirect(returnURL, state string) (string, error) {
	s, err := LoadSettings(c.lookup)
	if err != nil {
		return "", err
	}
	return c.provider.AuthCodeURL(s, returnURL, state)
}

// ExchangeCodeForProfile trades code for an access token and fetches the
// profile with it. No partial profile is returned on failure.
func (c *Client) ExchangeCodeForProfile(ctx context.Context, returnURL, code string) (*Profile, error) {
	s, err := LoadSettings(c.lookup)
	if err != nil {
		return nil, err
	}
	ctx = oauth2Context(ctx, c.http)

	token, err := c.provider.Exchange(ctx, s, returnURL, code)
	if err != nil {
		return nil, wrap("exchange", Transport, err)
	}
	profile, err := c.provider.FetchProfile(ctx, s, token)
	if err != nil {
		return nil, wrap("profile", Transport, err)
	}
	if profile == nil || profile.Email == "" {
		return nil, &Error{Kind: Decode, Op: "profile", Err: ErrNoProfile}
	}
	return profile, nil
}

// wrap keeps an existing *Error or configuration error intact and classifies
// anything else as kind.
func wrap(op string, kind ErrorKind, err error) error {
	var idErr *Error
	if errors.As(err, &idErr) || config.IsConfigurationError(err) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func oauth2Context(ctx context.Context, hc *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}
