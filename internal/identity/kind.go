package identity

import "strings"

// Kind selects the provider adapter. It is parsed once at startup from
// oauth-api.name.
type Kind int

const (
	KindGeneric Kind = iota
	KindGoogle
	KindGitHub
	KindOIDC
)

func (k Kind) String() string {
	switch k {
	case KindGoogle:
		return "google"
	case KindGitHub:
		return "github"
	case KindOIDC:
		return "oidc"
	default:
		return "generic"
	}
}

// ParseKind maps a provider name to a Kind. Matching is case-insensitive
// and accepts the Scribe class names (GoogleApi, GoogleApi20, GitHubApi).
// Any other name selects the generic adapter, which needs explicit
// authorize and token URLs.
func ParseKind(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "google", "googleapi", "googleapi20":
		return KindGoogle
	case "github", "githubapi":
		return KindGitHub
	case "oidc":
		return KindOIDC
	default:
		return KindGeneric
	}
}
