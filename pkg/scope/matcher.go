package scope

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Target is the system under test and its declared scope.
type Target struct {
	BaseURL    string   `json:"base_url" mapstructure:"base_url"`
	Scope      []string `json:"scope,omitempty" mapstructure:"scope"`
	Exclusions []string `json:"exclusions,omitempty" mapstructure:"exclusions"`
}

type patternKind int

const (
	kindPrefix patternKind = iota
	kindSubdomain
)

type pattern struct {
	raw       string
	kind      patternKind
	domain    string // kindSubdomain
	path      string // kindSubdomain, optional path prefix
	prefix    string // kindPrefix, lower-cased scheme and host
	hasScheme bool
	// hostOnly prefixes have no path, so the host must end where the
	// prefix ends.
	hostOnly bool
}

// Matcher is the scope authority for one scan. It is immutable after
// construction and safe for concurrent use.
type Matcher struct {
	baseHost   string
	baseDomain string
	include    []pattern
	exclude    []pattern
}

func NewMatcher(target Target) (*Matcher, error) {
	base, err := url.Parse(strings.TrimSpace(target.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", target.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must use http or https", target.BaseURL)
	}
	host := strings.ToLower(base.Hostname())
	if host == "" {
		return nil, fmt.Errorf("base url %q has no host", target.BaseURL)
	}

	m := &Matcher{baseHost: host, baseDomain: registrableDomain(host)}
	for _, raw := range target.Scope {
		if p, ok := compile(raw); ok {
			m.include = append(m.include, p)
		}
	}
	for _, raw := range target.Exclusions {
		if p, ok := compile(raw); ok {
			m.exclude = append(m.exclude, p)
		}
	}
	return m, nil
}

// IsInScope reports whether rawURL belongs to the target. Exclusions
// always take precedence over inclusions.
func (m *Matcher) IsInScope(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return false
	}
	c := newCandidate(u)

	if len(m.include) == 0 {
		if !m.sameSite(c.host) {
			return false
		}
		return !m.excluded(c)
	}

	for _, p := range m.include {
		if p.matches(c) {
			return !m.excluded(c)
		}
	}
	return false
}

func (m *Matcher) excluded(c candidate) bool {
	for _, p := range m.exclude {
		if p.matches(c) {
			return true
		}
	}
	return false
}

func (m *Matcher) sameSite(host string) bool {
	if host == m.baseHost || strings.HasSuffix(host, "."+m.baseHost) {
		return true
	}
	if m.baseDomain == "" {
		return false
	}
	return host == m.baseDomain || strings.HasSuffix(host, "."+m.baseDomain)
}

// registrableDomain returns the eTLD+1 for host, or "" for IPs and
// single-label hosts.
func registrableDomain(host string) string {
	if net.ParseIP(host) != nil {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return domain
}

type candidate struct {
	host       string
	path       string
	withScheme string
	bare       string
}

func newCandidate(u *url.URL) candidate {
	host := strings.ToLower(u.Host)
	rest := u.EscapedPath()
	if u.RawQuery != "" {
		rest += "?" + u.RawQuery
	}
	return candidate{
		host:       strings.ToLower(u.Hostname()),
		path:       u.EscapedPath(),
		withScheme: strings.ToLower(u.Scheme) + "://" + host + rest,
		bare:       host + rest,
	}
}

func compile(raw string) (pattern, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return pattern{}, false
	}

	if strings.HasPrefix(raw, "*.") {
		rest := strings.TrimPrefix(raw, "*.")
		domain, path := rest, ""
		if i := strings.Index(rest, "/"); i >= 0 {
			domain, path = rest[:i], strings.TrimSuffix(rest[i:], "*")
		}
		return pattern{
			raw:    raw,
			kind:   kindSubdomain,
			domain: strings.ToLower(domain),
			path:   path,
		}, true
	}

	prefix := strings.TrimSuffix(raw, "*")
	hasScheme := strings.Contains(prefix, "://")
	return pattern{
		raw:       raw,
		kind:      kindPrefix,
		prefix:    lowerAuthority(prefix, hasScheme),
		hasScheme: hasScheme,
		hostOnly:  !strings.Contains(prefix[authorityStart(prefix, hasScheme):], "/"),
	}, true
}

func authorityStart(prefix string, hasScheme bool) int {
	if !hasScheme {
		return 0
	}
	return strings.Index(prefix, "://") + 3
}

// lowerAuthority lower-cases the scheme and host portion of a prefix,
// leaving the path case-sensitive.
func lowerAuthority(prefix string, hasScheme bool) string {
	start := authorityStart(prefix, hasScheme)
	end := len(prefix)
	if i := strings.Index(prefix[start:], "/"); i >= 0 {
		end = start + i
	}
	return strings.ToLower(prefix[:end]) + prefix[end:]
}

func (p pattern) matches(c candidate) bool {
	switch p.kind {
	case kindSubdomain:
		if c.host != p.domain && !strings.HasSuffix(c.host, "."+p.domain) {
			return false
		}
		return p.path == "" || strings.HasPrefix(c.path, p.path)
	default:
		s := c.bare
		if p.hasScheme {
			s = c.withScheme
		}
		if !strings.HasPrefix(s, p.prefix) {
			return false
		}
		if !p.hostOnly {
			return true
		}
		rest := s[len(p.prefix):]
		return rest == "" || strings.ContainsRune("/:?#", rune(rest[0]))
	}
}

// Patterns returns the inclusion patterns as configured.
func (m *Matcher) Patterns() []string {
	out := make([]string, len(m.include))
	for i, p := range m.include {
		out[i] = p.raw
	}
	return out
}
