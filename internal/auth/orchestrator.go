// Package auth drives one authentication attempt per request: it either
// redirects the browser to the identity provider or completes the
// authorization code flow and reconciles the user with the directory.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"ssogate/internal/config"
	"ssogate/internal/directory"
	"ssogate/internal/identity"
	"ssogate/internal/observability"
	"ssogate/internal/policy"
)

const (
	// CodeParam carries the authorization code on the provider callback.
	CodeParam = "code"
	// StateParam carries the anti-forgery state on the provider callback.
	StateParam = "state"
	// StateAttribute is the session attribute holding the pending state.
	StateAttribute = "ssogate.oauth-state"
)

// Outcome is the result of one authentication attempt.
type Outcome int

const (
	OutcomeRedirected Outcome = iota + 1
	OutcomeRedirectFailed
	OutcomeStateMismatch
	OutcomeExchangeFailed
	OutcomeRejected
	OutcomeNoTicket
	OutcomeDirectoryFailed
	OutcomeWriteRejected
	OutcomeInternalError
	OutcomeResolved
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRedirected:
		return "redirected"
	case OutcomeRedirectFailed:
		return "redirect_failed"
	case OutcomeStateMismatch:
		return "state_mismatch"
	case OutcomeExchangeFailed:
		return "exchange_failed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeNoTicket:
		return "no_ticket"
	case OutcomeDirectoryFailed:
		return "directory_failed"
	case OutcomeWriteRejected:
		return "write_rejected"
	case OutcomeInternalError:
		return "internal_error"
	case OutcomeResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Result reports what happened. Username is set only for OutcomeResolved.
type Result struct {
	Username string
	Outcome  Outcome
	// Created is true when the directory account was created by this attempt.
	Created bool
	// Err is the failure behind a non-resolved outcome, if any.
	Err error
}

// Resolved reports whether the attempt produced a provisioned username.
func (r Result) Resolved() bool {
	return r.Outcome == OutcomeResolved && r.Username != ""
}

// IdentityProvider builds the authorization redirect and completes the code
// exchange.
type IdentityProvider interface {
	BuildAuthorizationRedirect(returnURL, state string) (string, error)
	ExchangeCodeForProfile(ctx context.Context, returnURL, code string) (*identity.Profile, error)
}

// EmailPolicy decides whether an email may be provisioned.
type EmailPolicy interface {
	IsEmailAcceptable(email string) bool
}

// Directory reconciles users with the backing directory.
type Directory interface {
	ObtainAdminTicket(ctx context.Context) (directory.Ticket, error)
	UserExists(ctx context.Context, username string, ticket directory.Ticket) (bool, error)
	UpsertUser(ctx context.Context, username string, p identity.Profile, ticket directory.Ticket, isNew bool) (string, error)
}

// Attributes is the per-request session view the orchestrator needs for
// optional state verification.
type Attributes interface {
	Attribute(key string) (string, bool)
	SetAttribute(key, value string)
	DeleteAttribute(key string)
}

// OutcomeRecorder receives every attempt's outcome.
type OutcomeRecorder interface {
	RecordAuthOutcome(outcome string)
}

// Orchestrator ties the identity provider, email policy and directory
// together. Failures other than configuration errors never reach the
// caller: they become an Outcome and a debug log line, and the request
// continues unauthenticated.
type Orchestrator struct {
	identity  IdentityProvider
	policy    EmailPolicy
	directory Directory
	lookup    config.Lookup
	logger    observability.Logger
	recorder  OutcomeRecorder
	proxies   *TrustedProxies
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(o *Orchestrator) { o.logger = l.WithComponent("auth") }
}

// WithRecorder sets the outcome recorder, typically *observability.Metrics.
func WithRecorder(r OutcomeRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithTrustedProxies lets forwarded headers from these proxies shape the
// callback URL.
func WithTrustedProxies(p *TrustedProxies) Option {
	return func(o *Orchestrator) { o.proxies = p }
}

// New returns an Orchestrator. The policy defaults to the configured
// repository.user-domains allow-list when p is nil.
func New(idp IdentityProvider, p EmailPolicy, dir Directory, l config.Lookup, opts ...Option) *Orchestrator {
	if p == nil {
		p = policy.FromConfig(l)
	}
	o := &Orchestrator{
		identity:  idp,
		policy:    p,
		directory: dir,
		lookup:    l,
		logger:    observability.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Authenticate runs one attempt for r. Without a code parameter it writes a
// 302 to the provider's authorization URL. With one it completes the flow.
// The returned error is non-nil only for configuration errors.
func (o *Orchestrator) Authenticate(w http.ResponseWriter, r *http.Request, session Attributes) (res Result, err error) {
	ctx := r.Context()
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{Outcome: OutcomeInternalError, Err: fmt.Errorf("panic: %v", rec)}
			err = nil
			o.logger.ErrorContext(ctx, "authentication panicked", "panic", rec)
		}
		if o.recorder != nil {
			o.recorder.RecordAuthOutcome(res.Outcome.String())
		}
	}()

	returnURL := RequestURL(r, o.proxies)
	if !r.URL.Query().Has(CodeParam) {
		return o.startFlow(w, r, session, returnURL)
	}
	return o.completeFlow(ctx, r, session, returnURL)
}

func (o *Orchestrator) startFlow(w http.ResponseWriter, r *http.Request, session Attributes, returnURL string) (Result, error) {
	ctx := r.Context()
	state := ""
	if o.verifyState() && session != nil {
		state = uuid.NewString()
		session.SetAttribute(StateAttribute, state)
	}

	target, err := o.identity.BuildAuthorizationRedirect(returnURL, state)
	if err != nil {
		return o.fail(ctx, OutcomeRedirectFailed, err)
	}
	http.Redirect(w, r, target, http.StatusFound)
	o.logger.DebugContext(ctx, "redirected to identity provider", "return_url", returnURL)
	return Result{Outcome: OutcomeRedirected}, nil
}

// completeFlow runs exchange, policy, ticket, exists and upsert in that
// order and stops at the first failure.
func (o *Orchestrator) completeFlow(ctx context.Context, r *http.Request, session Attributes, returnURL string) (Result, error) {
	if o.verifyState() {
		if !o.stateMatches(r, session) {
			return o.fail(ctx, OutcomeStateMismatch, errors.New("state parameter does not match session"))
		}
	}

	code := r.URL.Query().Get(CodeParam)
	profile, err := o.identity.ExchangeCodeForProfile(ctx, returnURL, code)
	if err != nil {
		return o.fail(ctx, OutcomeExchangeFailed, err)
	}
	if profile == nil {
		return o.fail(ctx, OutcomeExchangeFailed, errors.New("no profile"))
	}

	if !o.policy.IsEmailAcceptable(profile.Email) {
		o.logger.DebugContext(ctx, "email rejected by domain policy", "email", profile.Email)
		return Result{Outcome: OutcomeRejected}, nil
	}
	username, ok := policy.Username(profile.Email)
	if !ok {
		return Result{Outcome: OutcomeRejected}, nil
	}

	return o.reconcile(ctx, username, *profile)
}

// reconcile creates the account when absent and updates it otherwise. One
// ticket serves both calls and is dropped afterwards.
func (o *Orchestrator) reconcile(ctx context.Context, username string, profile identity.Profile) (Result, error) {
	ticket, err := o.directory.ObtainAdminTicket(ctx)
	if err != nil {
		return o.fail(ctx, OutcomeNoTicket, err)
	}

	exists, err := o.directory.UserExists(ctx, username, ticket)
	if err != nil {
		return o.fail(ctx, OutcomeDirectoryFailed, err)
	}

	saved, err := o.directory.UpsertUser(ctx, username, profile, ticket, !exists)
	if err != nil {
		if errors.Is(err, directory.ErrWriteRejected) {
			return o.fail(ctx, OutcomeWriteRejected, err)
		}
		return o.fail(ctx, OutcomeDirectoryFailed, err)
	}

	o.logger.DebugContext(ctx, "user reconciled", "username", saved, "created", !exists)
	return Result{Username: saved, Outcome: OutcomeResolved, Created: !exists}, nil
}

// fail converts err into an outcome. Configuration errors are returned to
// the caller; everything else is logged at debug level and swallowed.
func (o *Orchestrator) fail(ctx context.Context, outcome Outcome, err error) (Result, error) {
	res := Result{Outcome: outcome, Err: err}
	if config.IsConfigurationError(err) {
		return res, err
	}
	o.logger.DebugContext(ctx, "authentication failed", "outcome", outcome.String(), "error", err)
	return res, nil
}

func (o *Orchestrator) verifyState() bool {
	return config.Bool(o.lookup, config.OAuthVerifyState, false)
}

// stateMatches compares the callback state with the pending one and clears
// it, so each state is usable once.
func (o *Orchestrator) stateMatches(r *http.Request, session Attributes) bool {
	if session == nil {
		return false
	}
	want, ok := session.Attribute(StateAttribute)
	session.DeleteAttribute(StateAttribute)
	got := r.URL.Query().Get(StateParam)
	if !ok || want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
