// Package identifier derives the stable per-tenant names used across the
// cluster, the tenant database server and DNS.
//
// Generate is pure. It is called exactly once per tenant, when the tenant row
// is created; every later consumer reads the stored names instead.
package identifier

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// suffixLen is the number of hex characters taken from the seed (48 bits).
const suffixLen = 12

var (
	ErrNilSeed       = errors.New("identifier: seed must not be the nil uuid")
	ErrInvalidPrefix = errors.New("identifier: namespace prefix must be a lowercase dns label fragment")
	ErrInvalidDomain = errors.New("identifier: base domain is not a valid dns name")
)

var (
	prefixPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]{0,40}[a-z0-9])?$`)
	labelPattern  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
)

// Options configures the derivations.
type Options struct {
	NamespacePrefix string
	BaseDomain      string
}

// Names is the full set of derived identifiers for one tenant.
type Names struct {
	TenantID     string
	Namespace    string
	ReleaseName  string
	DatabaseName string
	Hostname     string
	AppName      string
}

// Generate derives tenant names from seed.
func Generate(seed uuid.UUID, opts Options) (Names, error) {
	if seed == uuid.Nil {
		return Names{}, ErrNilSeed
	}
	prefix := opts.NamespacePrefix
	if prefix == "" {
		prefix = "tenant"
	}
	if !prefixPattern.MatchString(prefix) {
		return Names{}, fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}
	domain := strings.ToLower(strings.TrimSuffix(opts.BaseDomain, "."))
	if !validDomain(domain) {
		return Names{}, fmt.Errorf("%w: %q", ErrInvalidDomain, opts.BaseDomain)
	}

	suffix := strings.ReplaceAll(seed.String(), "-", "")[:suffixLen]
	namespace := prefix + "-" + suffix

	return Names{
		TenantID:     seed.String(),
		Namespace:    namespace,
		ReleaseName:  namespace,
		DatabaseName: "ca_" + suffix,
		Hostname:     namespace + "." + domain,
		AppName:      "tenant_" + suffix,
	}, nil
}

// New generates names from a fresh random seed.
func New(opts Options) (Names, error) {
	return Generate(uuid.New(), opts)
}

// ParseSeed parses a textual seed, rejecting malformed input.
func ParseSeed(s string) (uuid.UUID, error) {
	seed, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("identifier: parse seed: %w", err)
	}
	return seed, nil
}

func validDomain(domain string) bool {
	if domain == "" || len(domain) > 253 {
		return false
	}
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if !labelPattern.MatchString(l) {
			return false
		}
	}
	return true
}
