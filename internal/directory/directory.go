// Package directory is a client for the ticket-authenticated user directory
// administration API. Users are addressed by username under {base}/people
// and every administrative call carries the ticket as the alf_ticket query
// parameter.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"ssogate/internal/config"
	"ssogate/internal/identity"
)

// TicketParam is the query parameter carrying the directory ticket.
const TicketParam = "alf_ticket"

const maxBodyBytes = 1 << 20

var (
	// ErrNoTicket means the directory refused the admin login or answered
	// without a ticket.
	ErrNoTicket = errors.New("directory: no admin ticket")
	// ErrWriteRejected means a create or update returned a non-success status.
	ErrWriteRejected = errors.New("directory: write rejected")
	// ErrInvalidCredentials means a user login was refused.
	ErrInvalidCredentials = errors.New("directory: invalid credentials")
)

// ErrorKind classifies directory failures that are not protocol outcomes.
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

// Error wraps a network or decoding failure for a directory operation.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("directory %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Ticket is an opaque admin session token. It is obtained for one
// reconciliation and never cached.
type Ticket struct {
	Value string
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Data struct {
		Ticket string `json:"ticket"`
	} `json:"data"`
}

// createRequest is the body for a new account. The password comes from
// configuration, never from the identity provider.
type createRequest struct {
	UserName  string `json:"userName"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

// updateRequest deliberately has no password field.
type updateRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// Client talks to the directory. Connection settings are read from the
// configuration lookup on every call.
type Client struct {
	lookup  config.Lookup
	http    *http.Client
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithLoginLimit throttles login calls to rps per second. Zero or negative
// disables throttling.
func WithLoginLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New returns a Client. The login limit defaults to repository.login-rps.
func New(l config.Lookup, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{lookup: l, http: httpClient}
	WithLoginLimit(config.Float(l, config.RepositoryLoginRPS, 0))(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL assembles protocol://host:port{api}.
func BaseURL(l config.Lookup) (string, error) {
	req, err := config.Require(l, config.RepositoryProtocol, config.RepositoryHost, config.RepositoryPort)
	if err != nil {
		return "", err
	}
	api := strings.TrimSpace(config.String(l, config.RepositoryAPI))
	return req[config.RepositoryProtocol] + "://" + req[config.RepositoryHost] + ":" + req[config.RepositoryPort] +
		strings.TrimSuffix(api, "/"), nil
}

func (c *Client) endpoint(service string, ticket *Ticket) (string, error) {
	base, err := BaseURL(c.lookup)
	if err != nil {
		return "", err
	}
	u := base + "/" + service
	if ticket != nil {
		u += "?" + url.Values{TicketParam: {ticket.Value}}.Encode()
	}
	return u, nil
}

// ObtainAdminTicket logs in with repository.admin and repository.password.
// A refused login or an empty ticket yields ErrNoTicket.
func (c *Client) ObtainAdminTicket(ctx context.Context) (Ticket, error) {
	creds, err := config.Require(c.lookup, config.RepositoryAdmin, config.RepositoryPassword)
	if err != nil {
		return Ticket{}, err
	}
	status, body, err := c.login(ctx, creds[config.RepositoryAdmin], creds[config.RepositoryPassword])
	if err != nil {
		return Ticket{}, err
	}
	if status != http.StatusOK {
		return Ticket{}, fmt.Errorf("%w: login status %d", ErrNoTicket, status)
	}

	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Ticket{}, &Error{Op: "login", Kind: Decode, Err: err}
	}
	if resp.Data.Ticket == "" {
		return Ticket{}, fmt.Errorf("%w: empty ticket", ErrNoTicket)
	}
	return Ticket{Value: resp.Data.Ticket}, nil
}

// VerifyCredentials checks a user's password by logging in as that user.
func (c *Client) VerifyCredentials(ctx context.Context, username, password string) error {
	status, _, err := c.login(ctx, username, password)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: login status %d", ErrInvalidCredentials, status)
	}
	return nil
}

func (c *Client) login(ctx context.Context, username, password string) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, &Error{Op: "login", Kind: Transport, Err: err}
		}
	}
	target, err := c.endpoint("login", nil)
	if err != nil {
		return 0, nil, err
	}
	return c.do(ctx, "login", http.MethodPost, target, loginRequest{Username: username, Password: password})
}

// UserExists reports whether username is present. Any status other than
// 200 counts as absent.
func (c *Client) UserExists(ctx context.Context, username string, ticket Ticket) (bool, error) {
	target, err := c.endpoint("people/"+url.PathEscape(username), &ticket)
	if err != nil {
		return false, err
	}
	status, _, err := c.do(ctx, "exists", http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// UpsertUser creates (isNew) or updates the account for username and returns
// the username on success. A non-200 answer yields ErrWriteRejected.
// Updates never send a password.
func (c *Client) UpsertUser(ctx context.Context, username string, p identity.Profile, ticket Ticket, isNew bool) (string, error) {
	var (
		method, service string
		body            any
	)
	if isNew {
		password, err := config.Require(c.lookup, config.RepositoryUserPassword)
		if err != nil {
			return "", err
		}
		method, service = http.MethodPost, "people"
		body = createRequest{
			UserName:  username,
			FirstName: p.GivenName,
			LastName:  p.FamilyName,
			Email:     p.Email,
			Password:  password[config.RepositoryUserPassword],
		}
	} else {
		method, service = http.MethodPut, "people/"+url.PathEscape(username)
		body = updateRequest{FirstName: p.GivenName, LastName: p.FamilyName, Email: p.Email}
	}

	target, err := c.endpoint(service, &ticket)
	if err != nil {
		return "", err
	}
	status, _, err := c.do(ctx, "upsert", method, target, body)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("%w: %s %s status %d", ErrWriteRejected, method, service, status)
	}
	return username, nil
}

const contentTypeJSON = "application/json; charset=utf-8"

func (c *Client) do(ctx context.Context, op, method, target string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, &Error{Op: op, Kind: Decode, Err: err}
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, &Error{Op: op, Kind: Transport, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &Error{Op: op, Kind: Transport, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, &Error{Op: op, Kind: Transport, Err: err}
	}
	return resp.StatusCode, body, nil
}
