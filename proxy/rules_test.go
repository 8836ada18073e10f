package proxy

import (
	"fmt"
	"testing"
)

// ---------------------------------------------------------------------------
// ParseRule tests
// ---------------------------------------------------------------------------

func TestParseRule_Kinds(t *testing.T) {
	tests := []struct {
		raw    string
		kind   patternKind
		domain string
	}{
		{"example.com", kindExact, "example.com"},
		{"EXAMPLE.com.", kindExact, "example.com"},
		{"*.example.com", kindWildcard, "example.com"},
		{".example.com", kindSuffix, "example.com"},
		{"*", kindAll, ""},
		{"  api.github.com ", kindExact, "api.github.com"},
		{"bücher.de", kindExact, "xn--bcher-kva.de"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			p := ParseRule(tt.raw)
			if p.kind != tt.kind || p.domain != tt.domain {
				t.Errorf("ParseRule(%q) = {kind %d, domain %q}, want {kind %d, domain %q}",
					tt.raw, p.kind, p.domain, tt.kind, tt.domain)
			}
			if p.String() != tt.raw {
				t.Errorf("String() = %q, want %q", p.String(), tt.raw)
			}
		})
	}
}

func TestParseRule_Malformed(t *testing.T) {
	malformed := []string{
		"",
		"   ",
		"*.",
		".",
		"foo.*.com",
		"**.example.com",
		"https://example.com",
		"example.com:443",
		"example.com/path",
		"a..b.com",
		"user@example.com",
	}
	for _, raw := range malformed {
		t.Run(raw, func(t *testing.T) {
			p := ParseRule(raw)
			if p.Valid() {
				t.Errorf("ParseRule(%q) is valid, want malformed", raw)
			}
			if Matches("example.com", []RulePattern{p}) {
				t.Errorf("malformed pattern %q matched example.com", raw)
			}
		})
	}
}

func TestParseRules_PreservesOrder(t *testing.T) {
	raw := []string{"b.com", "*.a.com", "bad pattern"}
	rules := ParseRules(raw)
	if len(rules) != len(raw) {
		t.Fatalf("len = %d, want %d", len(rules), len(raw))
	}
	got := RuleStrings(rules)
	for i := range raw {
		if got[i] != raw[i] {
			t.Errorf("rule[%d] = %q, want %q", i, got[i], raw[i])
		}
	}
	if ParseRules(nil) != nil {
		t.Error("ParseRules(nil) should be nil")
	}
}

// ---------------------------------------------------------------------------
// Matches tests
// ---------------------------------------------------------------------------

func TestMatches(t *testing.T) {
	tests := []struct {
		hostname string
		pattern  string
		want     bool
	}{
		// Exact.
		{"example.com", "example.com", true},
		{"sub.example.com", "example.com", false},
		{"notexample.com", "example.com", false},
		// Wildcard matches the apex and every subdomain.
		{"example.com", "*.example.com", true},
		{"sub.example.com", "*.example.com", true},
		{"deep.sub.example.com", "*.example.com", true},
		{"notexample.com", "*.example.com", false},
		{"example.com.evil.org", "*.example.com", false},
		// Suffix matches subdomains only.
		{"sub.example.com", ".example.com", true},
		{"example.com", ".example.com", false},
		{"notexample.com", ".example.com", false},
		// Catch-all.
		{"anything.org", "*", true},
		// Port and trailing dot are ignored.
		{"example.com:443", "example.com", true},
		{"sub.example.com:8080", "*.example.com", true},
		{"example.com.", "example.com", true},
		{"example.com.:443", "example.com", true},
		// Case-insensitive.
		{"Example.COM", "example.com", true},
		{"SUB.Example.COM", "*.EXAMPLE.com", true},
		// IP literals.
		{"127.0.0.1:80", "127.0.0.1", true},
		{"[::1]:443", "::1", false}, // ':' is not allowed in patterns
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.hostname, tt.pattern), func(t *testing.T) {
			if got := Matches(tt.hostname, ParseRules([]string{tt.pattern})); got != tt.want {
				t.Errorf("Matches(%q, [%q]) = %v, want %v", tt.hostname, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestMatches_WildcardProperty(t *testing.T) {
	rules := ParseRules([]string{"*.example.com"})
	if !Matches("sub.example.com", rules) {
		t.Error("sub.example.com should match *.example.com")
	}
	if !Matches("example.com", rules) {
		t.Error("example.com should match *.example.com")
	}
	if Matches("notexample.com", rules) {
		t.Error("notexample.com should not match *.example.com")
	}
}

func TestMatches_EmptyRuleSet(t *testing.T) {
	for _, host := range []string{"example.com", "", "localhost:80"} {
		if Matches(host, nil) {
			t.Errorf("Matches(%q, nil) = true, want false", host)
		}
		if Matches(host, []RulePattern{}) {
			t.Errorf("Matches(%q, []) = true, want false", host)
		}
	}
}

func TestMatches_FirstMatchWins(t *testing.T) {
	// A malformed pattern ahead of a valid one does not stop evaluation.
	rules := ParseRules([]string{"bad:pattern", "other.org", "*.example.com"})
	if !Matches("api.example.com", rules) {
		t.Error("api.example.com should match the third rule")
	}
	if Matches("unrelated.net", rules) {
		t.Error("unrelated.net should not match")
	}
}

func TestMatches_Deterministic(t *testing.T) {
	rules := ParseRules([]string{"*.example.com", "other.org", ".cdn.net"})
	hosts := []string{"a.example.com", "other.org:443", "x.cdn.net", "cdn.net", "nope.io"}
	for _, h := range hosts {
		first := Matches(h, rules)
		for i := 0; i < 100; i++ {
			if got := Matches(h, rules); got != first {
				t.Fatalf("Matches(%q) changed from %v to %v on call %d", h, first, got, i)
			}
		}
	}
}

func TestMatches_EmptyHostname(t *testing.T) {
	rules := ParseRules([]string{"*"})
	if Matches("", rules) {
		t.Error("empty hostname should never match")
	}
	if Matches(":443", rules) {
		t.Error("port-only hostname should never match")
	}
}

// ---------------------------------------------------------------------------
// NormalizeHostname tests
// ---------------------------------------------------------------------------

func TestNormalizeHostname(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Example.COM", "example.com"},
		{"example.com:443", "example.com"},
		{"example.com.", "example.com"},
		{"[::1]:8080", "::1"},
		{"[::1]", "::1"},
		{"::1", "::1"},
		{"10.0.0.1:80", "10.0.0.1"},
		{"BÜCHER.de", "xn--bcher-kva.de"},
		{"my_host.local", "my_host.local"},
		{"", ""},
		{":80", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeHostname(tt.in); got != tt.want {
				t.Errorf("NormalizeHostname(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
