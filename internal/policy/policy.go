// Package policy decides which email identities may be provisioned.
package policy

import (
	"strings"

	"github.com/asaskevich/govalidator"
	"golang.org/x/net/publicsuffix"

	"ssogate/internal/config"
)

// AllowedDomains is an ordered set of email domains. Matching is
// case-insensitive. A nil set allows every domain; a non-nil empty set
// allows none.
type AllowedDomains []string

// ParseAllowedDomains splits a comma-separated list, trimming whitespace and
// dropping blank entries. A blank raw string yields nil. A non-blank string
// with only blank entries yields an empty, non-nil list that matches nothing.
func ParseAllowedDomains(raw string) AllowedDomains {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	domains := AllowedDomains{}
	for _, d := range strings.Split(raw, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		domains = append(domains, d)
	}
	return domains
}

// Policy validates candidate email addresses against an allow-list.
type Policy struct {
	domains AllowedDomains
}

// New returns a Policy for the given domains.
func New(domains AllowedDomains) *Policy {
	return &Policy{domains: domains}
}

// FromString is shorthand for New(ParseAllowedDomains(raw)).
func FromString(raw string) *Policy {
	return New(ParseAllowedDomains(raw))
}

// Domains returns the configured allow-list.
func (p *Policy) Domains() AllowedDomains {
	return p.domains
}

// IsEmailAcceptable reports whether email is a syntactically valid address
// whose domain is on the allow-list.
func (p *Policy) IsEmailAcceptable(email string) bool {
	if !validSyntax(email) {
		return false
	}
	local, domain, ok := SplitEmail(email)
	if !ok || strings.TrimSpace(local) == "" || strings.TrimSpace(domain) == "" {
		return false
	}
	if p.domains == nil {
		return true
	}
	for _, allowed := range p.domains {
		if strings.EqualFold(strings.TrimSpace(allowed), domain) {
			return true
		}
	}
	return false
}

// SplitEmail splits email around '@'. ok is false unless there are exactly
// two non-empty parts.
func SplitEmail(email string) (local, domain string, ok bool) {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Username derives the directory username from an email: the local part.
func Username(email string) (string, bool) {
	local, _, ok := SplitEmail(email)
	return local, ok
}

// validSyntax accepts bare addresses that govalidator considers valid and
// whose top-level domain is on the ICANN section of the public suffix list.
func validSyntax(email string) bool {
	if !govalidator.IsEmail(email) {
		return false
	}
	_, domain, ok := SplitEmail(email)
	if !ok {
		return false
	}
	domain = strings.TrimSuffix(domain, ".")
	tld := strings.ToLower(domain[strings.LastIndex(domain, ".")+1:])
	if tld == "" {
		return false
	}
	_, icann := publicsuffix.PublicSuffix(tld)
	return icann
}

// Configured re-reads repository.user-domains on every check so that the
// allow-list follows configuration changes without a restart.
type Configured struct {
	lookup config.Lookup
}

// FromConfig returns a policy backed by the configuration lookup.
func FromConfig(l config.Lookup) *Configured {
	return &Configured{lookup: l}
}

// IsEmailAcceptable implements the same check as Policy.IsEmailAcceptable
// against the currently configured allow-list.
func (c *Configured) IsEmailAcceptable(email string) bool {
	return FromString(config.String(c.lookup, config.RepositoryUserDomains)).IsEmailAcceptable(email)
}
