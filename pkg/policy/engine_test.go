package policy

import (
	"testing"

	"github.com/cordonlabs/cordon/pkg/types"
)

func TestMatchDomain(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		host    string
		want    bool
	}{
		{"exact match", "api.example.com", "api.example.com", true},
		{"exact mismatch", "api.example.com", "www.example.com", false},
		{"case insensitive", "API.Example.COM", "api.example.com", true},
		{"universal wildcard", "*", "anything.at.all", true},
		{"wildcard matches subdomain", "*.example.com", "api.example.com", true},
		{"wildcard matches deep subdomain", "*.example.com", "a.b.example.com", true},
		{"wildcard does not match apex", "*.example.com", "example.com", false},
		{"wildcard does not match suffix trick", "*.example.com", "evilexample.com", false},
		{"wildcard case insensitive", "*.Example.com", "API.EXAMPLE.COM", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchDomain(tt.pattern, tt.host); got != tt.want {
				t.Errorf("MatchDomain(%q, %q) = %v, want %v", tt.pattern, tt.host, got, tt.want)
			}
		})
	}
}

func TestMatchPath(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"literal match", "/v1/users", "/v1/users", true},
		{"literal mismatch", "/v1/users", "/v1/user", false},
		{"literal case sensitive", "/V1/users", "/v1/users", false},
		{"any path slash-star", "/*", "/anything/here", true},
		{"any path star", "*", "/anything", true},
		{"prefix pattern", "/v1/*", "/v1/users/42", true},
		{"prefix pattern mismatch", "/v1/*", "/v2/users", false},
		{"suffix pattern", "*.json", "/data/export.json", true},
		{"suffix pattern mismatch", "*.json", "/data/export.xml", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchPath(tt.pattern, tt.path); got != tt.want {
				t.Errorf("MatchPath(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
			}
		})
	}
}

func TestDecideDomainLevel(t *testing.T) {
	p := &types.Policy{
		AllowedDomains: []string{"api.example.com", "*.trusted.io"},
		BlockedDomains: []string{"bad.trusted.io"},
	}

	tests := []struct {
		name    string
		host    string
		allowed bool
	}{
		{"allowed exact", "api.example.com", true},
		{"allowed wildcard", "svc.trusted.io", true},
		{"not in allow set", "other.example.com", false},
		{"blocked overrides allow", "bad.trusted.io", false},
		{"case folded", "API.EXAMPLE.COM", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(p, tt.host, "GET", "/")
			if d.Allowed != tt.allowed {
				t.Errorf("Decide(%q) allowed = %v, want %v (reason %q)", tt.host, d.Allowed, tt.allowed, d.Reason)
			}
		})
	}
}

func TestDecideDenyAllByDefault(t *testing.T) {
	d := Decide(DenyAll(), "api.example.com", "GET", "/")
	if d.Allowed {
		t.Fatalf("deny-all policy allowed %q", "api.example.com")
	}
}

func TestDecidePathRules(t *testing.T) {
	p := &types.Policy{
		AllowedDomains: []string{"api.example.com"},
		APIPathRules: map[string][]types.PathRule{
			"api.example.com": {
				{Method: "GET", Path: "/public/*", Allow: true},
				{Method: "*", Path: "/admin/*", Allow: false},
				{Method: "POST", Path: "/v1/orders", Allow: true},
			},
		},
	}
	Normalize(p)

	tests := []struct {
		name    string
		method  string
		path    string
		allowed bool
	}{
		{"first rule allows", "GET", "/public/data", true},
		{"deny rule matches any method", "DELETE", "/admin/users", false},
		{"explicit allow", "POST", "/v1/orders", true},
		{"no rule matched defaults allow", "GET", "/v1/orders", true},
		{"method lowercased on input", "post", "/v1/orders", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(p, "api.example.com", tt.method, tt.path)
			if d.Allowed != tt.allowed {
				t.Errorf("Decide(%s %s) allowed = %v, want %v (reason %q)", tt.method, tt.path, d.Allowed, tt.allowed, d.Reason)
			}
		})
	}
}

// First matching rule wins even when a later rule would decide differently.
func TestDecideFirstMatchWins(t *testing.T) {
	p := &types.Policy{
		AllowedDomains: []string{"api.example.com"},
		APIPathRules: map[string][]types.PathRule{
			"api.example.com": {
				{Method: "GET", Path: "/v1/*", Allow: false},
				{Method: "GET", Path: "/v1/open", Allow: true},
			},
		},
	}

	d := Decide(p, "api.example.com", "GET", "/v1/open")
	if d.Allowed {
		t.Fatalf("expected first deny rule to win, got allow (reason %q)", d.Reason)
	}
}

func TestSelectRuleEntry(t *testing.T) {
	allow := []types.PathRule{{Method: "*", Path: "/*", Allow: true}}
	deny := []types.PathRule{{Method: "*", Path: "/*", Allow: false}}

	t.Run("exact beats wildcard", func(t *testing.T) {
		entries := map[string][]types.PathRule{
			"api.example.com": allow,
			"*.example.com":   deny,
		}
		pattern, _ := selectRuleEntry(entries, "api.example.com")
		if pattern != "api.example.com" {
			t.Errorf("selected %q, want exact entry", pattern)
		}
	})

	t.Run("longest wildcard wins", func(t *testing.T) {
		entries := map[string][]types.PathRule{
			"*.example.com":     allow,
			"*.sub.example.com": deny,
		}
		pattern, _ := selectRuleEntry(entries, "a.sub.example.com")
		if pattern != "*.sub.example.com" {
			t.Errorf("selected %q, want most specific wildcard", pattern)
		}
	})

	t.Run("empty exact entry does not mask wildcard", func(t *testing.T) {
		entries := map[string][]types.PathRule{
			"api.example.com": {},
			"*.example.com":   deny,
		}
		pattern, rules := selectRuleEntry(entries, "api.example.com")
		if pattern != "*.example.com" {
			t.Errorf("selected %q, want wildcard entry", pattern)
		}
		if len(rules) == 0 {
			t.Error("expected the wildcard's rules")
		}
	})

	t.Run("no entry", func(t *testing.T) {
		pattern, rules := selectRuleEntry(map[string][]types.PathRule{"*.other.com": deny}, "api.example.com")
		if pattern != "" || rules != nil {
			t.Errorf("expected no selection, got %q", pattern)
		}
	})
}

// An empty rule list is equivalent to no entry: the wildcard's rules apply.
func TestDecideEmptyRuleListFallsThrough(t *testing.T) {
	p := &types.Policy{
		AllowedDomains: []string{"*.example.com", "api.example.com"},
		APIPathRules: map[string][]types.PathRule{
			"api.example.com": {},
			"*.example.com":   {{Method: "*", Path: "/*", Allow: false}},
		},
	}
	Normalize(p)

	d := Decide(p, "api.example.com", "GET", "/v1/users")
	if d.Allowed {
		t.Fatalf("expected wildcard deny to apply, got allow (reason %q)", d.Reason)
	}
}

func TestDecideDomainIgnoresPathRules(t *testing.T) {
	p := &types.Policy{
		AllowedDomains: []string{"api.example.com"},
		BlockedDomains: []string{"bad.example.com"},
		APIPathRules: map[string][]types.PathRule{
			"api.example.com": {{Method: "*", Path: "/*", Allow: false}},
		},
	}
	Normalize(p)

	if d := DecideDomain(p, "api.example.com"); !d.Allowed {
		t.Errorf("domain-level decision must ignore path rules, got deny (reason %q)", d.Reason)
	}
	if d := DecideDomain(p, "bad.example.com"); d.Allowed {
		t.Error("blocked domain allowed at domain level")
	}
	if d := DecideDomain(p, "other.example.com"); d.Allowed {
		t.Error("unlisted domain allowed at domain level")
	}
}

func TestNormalize(t *testing.T) {
	p := &types.Policy{
		AllowedDomains: []string{"API.Example.COM"},
		BlockedDomains: []string{"Bad.Example.COM"},
		APIPathRules: map[string][]types.PathRule{
			"API.Example.COM": {{Method: "get", Path: "/v1", Allow: true}},
		},
	}
	Normalize(p)

	if p.AllowedDomains[0] != "api.example.com" {
		t.Errorf("allowed domain not lowercased: %q", p.AllowedDomains[0])
	}
	if p.BlockedDomains[0] != "bad.example.com" {
		t.Errorf("blocked domain not lowercased: %q", p.BlockedDomains[0])
	}
	rules, ok := p.APIPathRules["api.example.com"]
	if !ok {
		t.Fatalf("rule key not lowercased: %v", p.APIPathRules)
	}
	if rules[0].Method != "GET" {
		t.Errorf("method not uppercased: %q", rules[0].Method)
	}
}
