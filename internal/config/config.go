// Package config resolves the gate's dotted two-level configuration keys
// (for example "repository.host") from a YAML file with an environment
// override layer.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrMissingSection is returned by Load and Parse when the OAuthFilter
// section is absent.
var ErrMissingSection = errors.New("config: " + Section + " section missing")

// Lookup returns the value for a dotted key. The boolean is false when the
// key is absent.
type Lookup interface {
	Value(key string) (string, bool)
}

// Error reports missing or invalid settings. It is the only failure kind the
// authentication pipeline lets escape, since it indicates a deployment defect.
type Error struct {
	Keys   []string
	Reason string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("configuration error (%s): %s", strings.Join(e.Keys, ", "), e.Reason)
	}
	return fmt.Sprintf("configuration error: missing %s", strings.Join(e.Keys, ", "))
}

// IsConfigurationError reports whether err wraps an *Error.
func IsConfigurationError(err error) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr)
}

// Require returns the values of the given keys, or an *Error naming every
// key that is absent or blank.
func Require(l Lookup, keys ...string) (map[string]string, error) {
	values := make(map[string]string, len(keys))
	var missing []string
	for _, k := range keys {
		v, _ := l.Value(k)
		v = strings.TrimSpace(v)
		if v == "" {
			missing = append(missing, k)
			continue
		}
		values[k] = v
	}
	if len(missing) > 0 {
		return nil, &Error{Keys: missing}
	}
	return values, nil
}

// String returns the value for key or "" when absent.
func String(l Lookup, key string) string {
	v, _ := l.Value(key)
	return v
}

// Bool parses key as a boolean, returning def when absent or unparsable.
func Bool(l Lookup, key string, def bool) bool {
	v, ok := l.Value(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Float parses key as a float, returning def when absent or unparsable.
func Float(l Lookup, key string, def float64) float64 {
	v, ok := l.Value(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

// Store is a Lookup backed by the OAuthFilter section of a YAML document.
// Environment variables named SSOGATE_CONFIG__<SECTION>__<KEY> take
// precedence, with dashes mapped to underscores
// (SSOGATE_CONFIG__REPOSITORY__USER_DOMAINS).
type Store struct {
	sections  map[string]map[string]string
	lookupEnv func(string) (string, bool)
}

type document struct {
	Filter map[string]map[string]string `yaml:"OAuthFilter"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Store from YAML data.
func Parse(data []byte) (*Store, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if doc.Filter == nil {
		return nil, ErrMissingSection
	}
	return &Store{sections: doc.Filter, lookupEnv: os.LookupEnv}, nil
}

// FromMap builds a Store from in-memory values keyed by dotted path. It does
// not consult the environment.
func FromMap(values map[string]string) *Store {
	s := &Store{
		sections:  make(map[string]map[string]string),
		lookupEnv: func(string) (string, bool) { return "", false },
	}
	for k, v := range values {
		s.Set(k, v)
	}
	return s
}

// Set overrides a single dotted key.
func (s *Store) Set(key, value string) {
	section, name, ok := splitKey(key)
	if !ok {
		return
	}
	if s.sections[section] == nil {
		s.sections[section] = make(map[string]string)
	}
	s.sections[section][name] = value
}

// Value implements Lookup.
func (s *Store) Value(key string) (string, bool) {
	section, name, ok := splitKey(key)
	if !ok {
		return "", false
	}
	if v, ok := s.lookupEnv(envName(section, name)); ok {
		return v, true
	}
	sub, ok := s.sections[section]
	if !ok {
		return "", false
	}
	v, ok := sub[name]
	return v, ok
}

func splitKey(key string) (section, name string, ok bool) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func envName(section, name string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return "SSOGATE_CONFIG__" + strings.ToUpper(r.Replace(section)) + "__" + strings.ToUpper(r.Replace(name))
}
