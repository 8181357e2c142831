package identity

import (
	"strings"

	"ssogate/internal/config"
)

// Settings are the provider credentials and endpoints. They are resolved from
// the configuration lookup on every call.
type Settings struct {
	APIKey       string
	APISecret    string
	Name         string
	Scope        string
	Prompt       string
	ProfileURI   string
	AuthorizeURL string
	TokenURL     string
	VerifyState  bool
}

// LoadSettings reads the oauth-api section. Key, secret and name are
// required; anything else may be blank.
func LoadSettings(l config.Lookup) (Settings, error) {
	req, err := config.Require(l, config.OAuthKey, config.OAuthSecret, config.OAuthName)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		APIKey:       req[config.OAuthKey],
		APISecret:    req[config.OAuthSecret],
		Name:         req[config.OAuthName],
		Scope:        strings.TrimSpace(config.String(l, config.OAuthScope)),
		Prompt:       strings.TrimSpace(config.String(l, config.OAuthPrompt)),
		ProfileURI:   strings.TrimSpace(config.String(l, config.OAuthURI)),
		AuthorizeURL: strings.TrimSpace(config.String(l, config.OAuthAuthorize)),
		TokenURL:     strings.TrimSpace(config.String(l, config.OAuthToken)),
		VerifyState:  config.Bool(l, config.OAuthVerifyState, false),
	}, nil
}

// Scopes splits Scope on commas and whitespace.
func (s Settings) Scopes() []string {
	return strings.FieldsFunc(s.Scope, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}
