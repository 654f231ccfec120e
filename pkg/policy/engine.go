package policy

import (
	"fmt"
	"strings"

	"github.com/cordonlabs/cordon/pkg/types"
)

// Decide evaluates one (host, method, path) triple against a policy.
// Pure function; normalization of the inputs happens here, normalization of
// the policy happens once on ingest via Normalize.
//
// Evaluation order:
//  1. no allowed-domain match        -> deny
//  2. any blocked-domain match       -> deny
//  3. most specific apiPathRules entry (exact host beats wildcard)
//  4. no entry or empty rule list    -> allow (domain-level decision stands)
//  5. first matching rule in order   -> its allow
//  6. no rule matched                -> allow
func Decide(p *types.Policy, host, method, path string) types.Decision {
	host = strings.ToLower(host)
	method = strings.ToUpper(method)

	if d := DecideDomain(p, host); !d.Allowed {
		return d
	}

	pattern, rules := selectRuleEntry(p.APIPathRules, host)
	if len(rules) == 0 {
		return types.Decision{Allowed: true, Reason: "domain allowed, no path rules"}
	}

	for _, r := range rules {
		if r.Method != "*" && r.Method != method {
			continue
		}
		if !MatchPath(r.Path, path) {
			continue
		}
		if r.Allow {
			return types.Decision{Allowed: true, Reason: fmt.Sprintf("rule %s %s on %s", r.Method, r.Path, pattern)}
		}
		return types.Decision{Allowed: false, Reason: fmt.Sprintf("denied by rule %s %s on %s", r.Method, r.Path, pattern)}
	}

	return types.Decision{Allowed: true, Reason: "no path rule matched"}
}

// DecideDomain evaluates the domain level only: allowed domains, then
// blocked domains. CONNECT tunnels use this, since method and path are
// invisible without terminating TLS; apiPathRules never apply to them.
func DecideDomain(p *types.Policy, host string) types.Decision {
	host = strings.ToLower(host)

	if !matchAnyDomain(p.AllowedDomains, host) {
		return types.Decision{Allowed: false, Reason: fmt.Sprintf("domain not allowed: %s", host)}
	}

	if matchAnyDomain(p.BlockedDomains, host) {
		return types.Decision{Allowed: false, Reason: fmt.Sprintf("domain explicitly blocked: %s", host)}
	}

	return types.Decision{Allowed: true, Reason: "domain allowed"}
}

// MatchDomain reports whether a domain pattern matches a host.
// Patterns are an exact host, "*" for any host, or "*.X" which matches any
// single- or multi-label host ending in ".X" but not X itself.
// Matching is case-insensitive.
func MatchDomain(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)

	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return pattern == host
}

// MatchPath reports whether a path pattern matches a request path.
// Patterns are a literal path, "*suffix", "prefix*", or "/*" for any path.
// Matching is case-sensitive. No embedded wildcards.
func MatchPath(pattern, path string) bool {
	switch {
	case pattern == "/*" || pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(path, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(path, pattern[:len(pattern)-1])
	default:
		return pattern == path
	}
}

func matchAnyDomain(patterns []string, host string) bool {
	for _, p := range patterns {
		if MatchDomain(p, host) {
			return true
		}
	}
	return false
}

// selectRuleEntry finds the most specific apiPathRules entry for a host.
// An exact host entry beats any wildcard entry. Among matching wildcard
// entries the longest pattern wins, ties broken lexicographically, so the
// choice is deterministic regardless of map iteration order. An entry with
// an empty rule list is treated as absent: it never masks a wildcard entry.
func selectRuleEntry(entries map[string][]types.PathRule, host string) (string, []types.PathRule) {
	if rules, ok := entries[host]; ok && len(rules) > 0 {
		return host, rules
	}

	var bestPattern string
	var bestRules []types.PathRule
	for pattern, rules := range entries {
		if len(rules) == 0 {
			continue
		}
		lp := strings.ToLower(pattern)
		if lp == host {
			return pattern, rules
		}
		if !strings.HasPrefix(lp, "*.") || !MatchDomain(lp, host) {
			continue
		}
		if bestPattern == "" ||
			len(lp) > len(bestPattern) ||
			(len(lp) == len(bestPattern) && lp < bestPattern) {
			bestPattern = lp
			bestRules = rules
		}
	}
	return bestPattern, bestRules
}

// Normalize applies the policy invariants in place: hosts lowercased,
// methods uppercased. Call once on ingest.
func Normalize(p *types.Policy) {
	for i, d := range p.AllowedDomains {
		p.AllowedDomains[i] = strings.ToLower(d)
	}
	for i, d := range p.BlockedDomains {
		p.BlockedDomains[i] = strings.ToLower(d)
	}
	if p.APIPathRules == nil {
		return
	}
	normalized := make(map[string][]types.PathRule, len(p.APIPathRules))
	for pattern, rules := range p.APIPathRules {
		for i, r := range rules {
			rules[i].Method = strings.ToUpper(r.Method)
		}
		normalized[strings.ToLower(pattern)] = rules
	}
	p.APIPathRules = normalized
}

// DenyAll returns the production default policy: empty allow set
func DenyAll() *types.Policy {
	return &types.Policy{
		AllowedDomains: []string{},
		Source:         types.PolicySourceDefault,
	}
}

// Permissive returns an allow-everything policy for test configurations.
// Selecting it is warned on at startup.
func Permissive() *types.Policy {
	return &types.Policy{
		AllowedDomains: []string{"*"},
		Source:         types.PolicySourceDefault,
	}
}
