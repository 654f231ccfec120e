/*
Package policy implements egress policy evaluation and per-caller policy
resolution.

The engine is a pure function: Decide evaluates one (host, method, path)
triple against a policy and returns an allow/deny decision with a
human-readable reason. The fetcher resolves caller tokens to policies
through the policy service, with a TTL cache in front.

# Evaluation Order

 1. Host not matched by allowedDomains -> deny
 2. Host matched by blockedDomains    -> deny (block overrides allow)
 3. Select the most specific apiPathRules entry for the host:
    an exact entry beats any wildcard; among wildcards the longest
    pattern wins, ties broken lexicographically
 4. No entry or empty rule list -> allow (the domain decision stands)
 5. First rule matching method and path -> its allow/deny
 6. No rule matched -> allow

Domain patterns are an exact host, "*", or "*.example.com"; the wildcard
matches any subdomain depth but never the apex. Path patterns are a
literal, "*suffix", "prefix*", or "/*". Hosts and methods are normalized
on policy ingest (Normalize) and again on evaluation input, so matching is
effectively case-insensitive for hosts and methods and case-sensitive for
paths.

# Resolution and Fallback

FetchPolicy resolves a token through GET {service}/policies with the token
as a bearer credential. Results are cached per token for the configured
TTL. Failures are never cached and always degrade to the default policy
(deny-all in production), returned together with the error so the caller
can log the fallback; a policy-service outage makes executions more
restrictive, never less.

Concurrent cache misses for the same token coalesce into a single upstream
request. Each caller still observes its own context deadline.
*/
package policy
