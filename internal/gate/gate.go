// Package gate is the per-request session gate in front of a protected web
// application. It lets bypassed and already logged-in browsers through,
// runs one authentication attempt for everybody else, and logs the browser
// in when the attempt resolves a directory user.
package gate

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"ssogate/internal/auth"
	"ssogate/internal/config"
	"ssogate/internal/observability"
)

const (
	// BypassParam skips authentication when present on the query string.
	BypassParam = "bypassOAuth"
	// BypassAttribute makes the bypass sticky for the rest of the session.
	BypassAttribute = "share.bypassOAuth"
	// DefaultCookieName names the session cookie.
	DefaultCookieName = "ssogate_session"
)

// Decisions recorded for every request.
const (
	DecisionBypass        = "bypass"
	DecisionAuthenticated = "authenticated"
	DecisionRedirected    = "redirected"
	DecisionLogin         = "login"
	DecisionVerifyFailed  = "verify_failed"
	DecisionAnonymous     = "anonymous"
	DecisionConfigError   = "config_error"
)

// Authenticator runs one authentication attempt. *auth.Orchestrator
// implements it.
type Authenticator interface {
	Authenticate(w http.ResponseWriter, r *http.Request, session auth.Attributes) (auth.Result, error)
}

// CredentialVerifier checks a username and password against the directory.
// *directory.Client implements it.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, username, password string) error
}

// DecisionRecorder receives the gate decision for each request.
type DecisionRecorder interface {
	RecordGateDecision(decision string)
}

// Gate wraps a handler with session handling and authentication.
type Gate struct {
	store      Store
	authn      Authenticator
	verifier   CredentialVerifier
	lookup     config.Lookup
	logger     observability.Logger
	recorder   DecisionRecorder
	cookieName string
	ttl        time.Duration
	secure     bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(g *Gate) { g.logger = l.WithComponent("gate") }
}

// WithRecorder sets the decision recorder, typically *observability.Metrics.
func WithRecorder(r DecisionRecorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// WithCookieName overrides DefaultCookieName.
func WithCookieName(name string) Option {
	return func(g *Gate) {
		if name != "" {
			g.cookieName = name
		}
	}
}

// WithSessionTTL sets the lifetime of new sessions.
func WithSessionTTL(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// WithSecureCookie forces the Secure cookie flag even when the gate itself
// is reached over plain HTTP behind a TLS terminating proxy.
func WithSecureCookie(secure bool) Option {
	return func(g *Gate) { g.secure = secure }
}

// New returns a Gate.
func New(store Store, authn Authenticator, verifier CredentialVerifier, l config.Lookup, opts ...Option) *Gate {
	g := &Gate{
		store:      store,
		authn:      authn,
		verifier:   verifier,
		lookup:     l,
		logger:     observability.Discard(),
		cookieName: DefaultCookieName,
		ttl:        DefaultSessionDuration,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Middleware returns the gate as HTTP middleware. The next handler runs on
// every path except the redirect to the identity provider: once the 302 is
// committed the chain stops, so the upstream never handles a request whose
// response has already been sent. This departs from a strict pass-through
// in all cases on purpose.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		session, cookieID := g.load(ctx, r)
		cw := &committingWriter{ResponseWriter: w}
		cw.commit = func() { g.commit(ctx, cw, r, session, cookieID) }
		defer cw.flushCommit()

		decision, ctx := g.decide(cw, r, session)
		g.record(decision)
		if decision == DecisionRedirected {
			return
		}
		next.ServeHTTP(cw, r.WithContext(ctx))
	})
}

func (g *Gate) decide(w *committingWriter, r *http.Request, session *Session) (string, context.Context) {
	ctx := r.Context()

	if r.URL.Query().Has(BypassParam) {
		session.SetAttribute(BypassAttribute, "true")
	}
	if v, ok := session.Attribute(BypassAttribute); ok && v == "true" {
		return DecisionBypass, ctx
	}

	if session.Authenticated() {
		return DecisionAuthenticated, observability.WithUsername(ctx, session.Username)
	}

	res, err := g.authn.Authenticate(w, r, session)
	if err != nil {
		g.configError(ctx, err)
		return DecisionConfigError, ctx
	}
	if w.wroteHeader {
		return DecisionRedirected, ctx
	}
	if !res.Resolved() {
		return DecisionAnonymous, ctx
	}

	values, err := config.Require(g.lookup, config.RepositoryUserPassword)
	if err != nil {
		g.configError(ctx, err)
		return DecisionConfigError, ctx
	}
	if err := g.verifier.VerifyCredentials(ctx, res.Username, values[config.RepositoryUserPassword]); err != nil {
		g.logger.DebugContext(ctx, "directory rejected provisioned credentials", "username", res.Username, "error", err)
		return DecisionVerifyFailed, ctx
	}

	session.Login(res.Username)
	g.logger.InfoContext(ctx, "user logged in", "username", res.Username, "created", res.Created)
	return DecisionLogin, observability.WithUsername(ctx, res.Username)
}

// load returns the browser's session, or a fresh one when the cookie is
// missing, unknown or expired. cookieID is the ID the browser presented.
func (g *Gate) load(ctx context.Context, r *http.Request) (*Session, string) {
	c, err := r.Cookie(g.cookieName)
	if err != nil || c.Value == "" {
		return NewSession(g.ttl), ""
	}
	session, err := g.store.Get(ctx, c.Value)
	switch {
	case errors.Is(err, ErrSessionExpired):
		_ = g.store.Delete(ctx, c.Value)
	case err != nil:
		g.logger.WarnContext(ctx, "session lookup failed", "error", err)
	}
	if session == nil {
		return NewSession(g.ttl), c.Value
	}
	return session, c.Value
}

// commit persists a changed session and points the cookie at it. It runs
// before the first byte of the response so the Set-Cookie header goes out.
func (g *Gate) commit(ctx context.Context, w http.ResponseWriter, r *http.Request, session *Session, cookieID string) {
	if !session.Dirty() {
		return
	}
	if err := g.store.Save(ctx, session); err != nil {
		g.logger.WarnContext(ctx, "session save failed", "error", err)
		return
	}
	if session.previousID != "" {
		if err := g.store.Delete(ctx, session.previousID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			g.logger.WarnContext(ctx, "stale session delete failed", "error", err)
		}
	}
	if session.ID == cookieID {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     g.cookieName,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   g.secure || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (g *Gate) configError(ctx context.Context, err error) {
	g.logger.ErrorContext(ctx, "gate configuration error", "error", err)
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}

func (g *Gate) record(decision string) {
	if g.recorder != nil {
		g.recorder.RecordGateDecision(decision)
	}
}

// committingWriter runs commit once, right before the response starts.
type committingWriter struct {
	http.ResponseWriter
	commit      func()
	committed   bool
	wroteHeader bool
}

func (w *committingWriter) flushCommit() {
	if !w.committed {
		w.committed = true
		w.commit()
	}
}

func (w *committingWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.flushCommit()
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *committingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *committingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
