package identity

import (
	"context"
	"errors"
	"slices"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"ssogate/internal/config"
)

// oidcAdapter uses discovery for its endpoints. The profile comes from the
// configured profile URI when set, otherwise from the userinfo endpoint, and
// finally from the verified ID token claims.
type oidcAdapter struct {
	provider *gooidc.Provider
}

func newOIDC(ctx context.Context, l config.Lookup) (*oidcAdapter, error) {
	req, err := config.Require(l, config.OAuthIssuer)
	if err != nil {
		return nil, err
	}
	p, err := gooidc.NewProvider(ctx, req[config.OAuthIssuer])
	if err != nil {
		return nil, &Error{Kind: Transport, Op: "discovery", Err: err}
	}
	return &oidcAdapter{provider: p}, nil
}

func (a *oidcAdapter) config(s Settings, returnURL string) *oauth2.Config {
	scopes := s.Scopes()
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	} else if !slices.Contains(scopes, gooidc.ScopeOpenID) {
		scopes = append([]string{gooidc.ScopeOpenID}, scopes...)
	}
	return &oauth2.Config{
		ClientID:     s.APIKey,
		ClientSecret: s.APISecret,
		Endpoint:     singleAttempt(a.provider.Endpoint()),
		RedirectURL:  returnURL,
		Scopes:       scopes,
	}
}

func (a *oidcAdapter) AuthCodeURL(s Settings, returnURL, state string) (string, error) {
	return a.config(s, returnURL).AuthCodeURL(state, promptOptions(s)...), nil
}

func (a *oidcAdapter) Exchange(ctx context.Context, s Settings, returnURL, code string) (*oauth2.Token, error) {
	token, err := a.config(s, returnURL).Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if raw, ok := token.Extra("id_token").(string); ok {
		if _, err := a.verify(ctx, s, raw); err != nil {
			return nil, err
		}
	}
	return token, nil
}

func (a *oidcAdapter) FetchProfile(ctx context.Context, s Settings, token *oauth2.Token) (*Profile, error) {
	if s.ProfileURI != "" {
		return fetchStandardProfile(ctx, s.ProfileURI, token)
	}

	var p Profile
	if a.provider.UserInfoEndpoint() != "" {
		info, err := a.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
		if err != nil {
			return nil, &Error{Kind: Transport, Op: "userinfo", Err: err}
		}
		if err := info.Claims(&p); err != nil {
			return nil, &Error{Kind: Decode, Op: "userinfo", Err: err}
		}
		return &p, nil
	}

	raw, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, &Error{Kind: Decode, Op: "profile", Err: errors.New("no userinfo endpoint and no id_token")}
	}
	idToken, err := a.verify(ctx, s, raw)
	if err != nil {
		return nil, err
	}
	if err := idToken.Claims(&p); err != nil {
		return nil, &Error{Kind: Decode, Op: "id_token", Err: err}
	}
	return &p, nil
}

func (a *oidcAdapter) verify(ctx context.Context, s Settings, raw string) (*gooidc.IDToken, error) {
	idToken, err := a.provider.Verifier(&gooidc.Config{ClientID: s.APIKey}).Verify(ctx, raw)
	if err != nil {
		return nil, &Error{Kind: Decode, Op: "id_token", Err: err}
	}
	return idToken, nil
}
