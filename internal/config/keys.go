package config

// Section is the top-level YAML section holding the gate configuration.
// A missing section is fatal at startup.
const Section = "OAuthFilter"

// Directory (repository) keys.
const (
	RepositoryProtocol     = "repository.protocol"
	RepositoryHost         = "repository.host"
	RepositoryPort         = "repository.port"
	RepositoryAPI          = "repository.api"
	RepositoryAdmin        = "repository.admin"
	RepositoryPassword     = "repository.password"
	RepositoryUserDomains  = "repository.user-domains"
	RepositoryUserPassword = "repository.user-password"
	RepositoryLoginRPS     = "repository.login-rps"
)

// Identity provider keys.
const (
	OAuthKey         = "oauth-api.key"
	OAuthURI         = "oauth-api.uri"
	OAuthSecret      = "oauth-api.secret"
	OAuthScope       = "oauth-api.scope"
	OAuthName        = "oauth-api.name"
	OAuthPrompt      = "oauth-api.prompt"
	OAuthIssuer      = "oauth-api.issuer"
	OAuthAuthorize   = "oauth-api.authorize-url"
	OAuthToken       = "oauth-api.token-url"
	OAuthVerifyState = "oauth-api.verify-state"
)
