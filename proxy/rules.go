package proxy

import (
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// patternKind classifies a parsed rule pattern.
type patternKind uint8

const (
	kindInvalid patternKind = iota
	kindExact
	kindWildcard // *.example.com
	kindSuffix   // .example.com
	kindAll      // *
)

// RulePattern is a compiled hostname matching rule.
//
// Supported forms:
//   - "example.com" matches example.com only.
//   - "*.example.com" matches example.com and every subdomain of it.
//   - ".example.com" matches every subdomain of example.com but not
//     example.com itself.
//   - "*" matches every hostname.
//
// Patterns are case-insensitive. A malformed pattern is kept in the rule set
// but never matches.
type RulePattern struct {
	raw    string
	kind   patternKind
	domain string
}

// ParseRule compiles a single pattern. It never fails: malformed input
// produces a pattern that matches nothing.
func ParseRule(raw string) RulePattern {
	p := RulePattern{raw: raw}
	s := strings.TrimSpace(raw)
	switch {
	case s == "*":
		p.kind = kindAll
		return p
	case strings.HasPrefix(s, "*."):
		p.kind = kindWildcard
		s = s[2:]
	case strings.HasPrefix(s, "."):
		p.kind = kindSuffix
		s = s[1:]
	default:
		p.kind = kindExact
	}

	domain, ok := normalizePatternDomain(s)
	if !ok {
		p.kind = kindInvalid
		return p
	}
	p.domain = domain
	return p
}

// ParseRules compiles patterns in order, preserving their precedence.
func ParseRules(raw []string) []RulePattern {
	if len(raw) == 0 {
		return nil
	}
	rules := make([]RulePattern, len(raw))
	for i, r := range raw {
		rules[i] = ParseRule(r)
	}
	return rules
}

// String returns the pattern as it was written.
func (p RulePattern) String() string {
	return p.raw
}

// Valid reports whether the pattern can ever match.
func (p RulePattern) Valid() bool {
	return p.kind != kindInvalid
}

// Matches reports whether hostname is selected by any of rules. Rules are
// evaluated in order and the first match wins, so more specific patterns
// should be listed before broader ones. An empty rule set matches nothing.
//
// Any ":port" suffix and trailing dot on hostname are ignored.
func Matches(hostname string, rules []RulePattern) bool {
	if len(rules) == 0 {
		return false
	}
	host := NormalizeHostname(hostname)
	if host == "" {
		return false
	}
	for _, r := range rules {
		if r.match(host) {
			return true
		}
	}
	return false
}

// RuleStrings returns the raw form of each pattern.
func RuleStrings(rules []RulePattern) []string {
	if rules == nil {
		return nil
	}
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.raw
	}
	return out
}

// match checks an already normalized host.
func (p RulePattern) match(host string) bool {
	switch p.kind {
	case kindAll:
		return true
	case kindExact:
		return host == p.domain
	case kindWildcard:
		if host == p.domain {
			return true
		}
		return hasDomainSuffix(host, p.domain)
	case kindSuffix:
		return hasDomainSuffix(host, p.domain)
	default:
		return false
	}
}

// hasDomainSuffix reports whether host is a strict subdomain of domain.
func hasDomainSuffix(host, domain string) bool {
	return len(host) > len(domain)+1 &&
		strings.HasSuffix(host, domain) &&
		host[len(host)-len(domain)-1] == '.'
}

// NormalizeHostname strips any port and trailing dot from host and returns
// its lower-case ASCII form. It returns "" when nothing usable remains.
func NormalizeHostname(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "[") {
		// [::1]:443 or [::1]
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		} else {
			host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
		}
	} else if strings.Count(host, ":") == 1 {
		host = host[:strings.IndexByte(host, ':')]
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return ""
	}
	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		return ascii
	}
	return strings.ToLower(host)
}

// normalizePatternDomain validates the domain part of a pattern.
func normalizePatternDomain(s string) (string, bool) {
	s = strings.TrimSuffix(s, ".")
	if s == "" || strings.ContainsAny(s, "*/:@ \t") {
		return "", false
	}
	if strings.HasPrefix(s, ".") || strings.Contains(s, "..") {
		return "", false
	}
	if ascii, err := idna.Lookup.ToASCII(s); err == nil && ascii != "" {
		return ascii, true
	}
	return strings.ToLower(s), true
}
