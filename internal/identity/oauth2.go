package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"ssogate/internal/config"
)

const (
	googleProfileURI = "https://www.googleapis.com/oauth2/v3/userinfo"
	githubProfileURI = "https://api.github.com/user"

	maxProfileBytes = 1 << 20
)

// oauth2Adapter drives a plain authorization code flow. Configured
// authorize/token URLs override the adapter's built-in endpoint.
type oauth2Adapter struct {
	endpoint   oauth2.Endpoint
	profileURI string
	fetch      func(ctx context.Context, uri string, token *oauth2.Token) (*Profile, error)
}

func newGeneric() *oauth2Adapter {
	return &oauth2Adapter{fetch: fetchStandardProfile}
}

func newGoogle() *oauth2Adapter {
	return &oauth2Adapter{endpoint: google.Endpoint, profileURI: googleProfileURI, fetch: fetchStandardProfile}
}

func newGitHub() *oauth2Adapter {
	return &oauth2Adapter{endpoint: github.Endpoint, profileURI: githubProfileURI, fetch: fetchGitHubProfile}
}

func (a *oauth2Adapter) config(s Settings, returnURL string) (*oauth2.Config, error) {
	ep := a.endpoint
	if s.AuthorizeURL != "" {
		ep.AuthURL = s.AuthorizeURL
	}
	if s.TokenURL != "" {
		ep.TokenURL = s.TokenURL
	}
	ep = singleAttempt(ep)
	if ep.AuthURL == "" || ep.TokenURL == "" {
		return nil, &config.Error{
			Keys:   []string{config.OAuthAuthorize, config.OAuthToken},
			Reason: "provider has no built-in endpoint",
		}
	}
	return &oauth2.Config{
		ClientID:     s.APIKey,
		ClientSecret: s.APISecret,
		Endpoint:     ep,
		RedirectURL:  returnURL,
		Scopes:       s.Scopes(),
	}, nil
}

func (a *oauth2Adapter) AuthCodeURL(s Settings, returnURL, state string) (string, error) {
	cfg, err := a.config(s, returnURL)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, promptOptions(s)...), nil
}

func (a *oauth2Adapter) Exchange(ctx context.Context, s Settings, returnURL, code string) (*oauth2.Token, error) {
	cfg, err := a.config(s, returnURL)
	if err != nil {
		return nil, err
	}
	return cfg.Exchange(ctx, code)
}

func (a *oauth2Adapter) FetchProfile(ctx context.Context, s Settings, token *oauth2.Token) (*Profile, error) {
	uri := s.ProfileURI
	if uri == "" {
		uri = a.profileURI
	}
	if uri == "" {
		return nil, &config.Error{Keys: []string{config.OAuthURI}}
	}
	return a.fetch(ctx, uri, token)
}

// singleAttempt pins the client authentication style. Auto-detection would
// repeat a rejected token request with the other style.
func singleAttempt(ep oauth2.Endpoint) oauth2.Endpoint {
	if ep.AuthStyle == oauth2.AuthStyleAutoDetect {
		ep.AuthStyle = oauth2.AuthStyleInParams
	}
	return ep
}

func promptOptions(s Settings) []oauth2.AuthCodeOption {
	if s.Prompt == "" {
		return nil
	}
	return []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("approval_prompt", s.Prompt)}
}

func fetchStandardProfile(ctx context.Context, uri string, token *oauth2.Token) (*Profile, error) {
	var p Profile
	if err := getJSON(ctx, uri, token, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type githubUser struct {
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// fetchGitHubProfile maps the GitHub user object onto a Profile. Users with
// a private email are resolved through the /user/emails listing.
func fetchGitHubProfile(ctx context.Context, uri string, token *oauth2.Token) (*Profile, error) {
	var u githubUser
	if err := getJSON(ctx, uri, token, &u); err != nil {
		return nil, err
	}
	given, family := splitName(u.Name)
	if given == "" {
		given = u.Login
	}
	p := &Profile{GivenName: given, FamilyName: family, Email: u.Email}
	if p.Email != "" {
		return p, nil
	}

	var emails []githubEmail
	if err := getJSON(ctx, strings.TrimSuffix(uri, "/")+"/emails", token, &emails); err != nil {
		return nil, err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			p.Email = e.Email
			break
		}
	}
	return p, nil
}

func splitName(name string) (given, family string) {
	fields := strings.Fields(name)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

// getJSON issues a bearer-signed GET and decodes the JSON body into v.
func getJSON(ctx context.Context, uri string, token *oauth2.Token, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return &Error{Kind: Transport, Op: "profile", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
	resp, err := hc.Do(req)
	if err != nil {
		return &Error{Kind: Transport, Op: "profile", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProfileBytes))
		return &Error{Kind: Transport, Op: "profile", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileBytes)).Decode(v); err != nil {
		return &Error{Kind: Decode, Op: "profile", Err: err}
	}
	return nil
}
