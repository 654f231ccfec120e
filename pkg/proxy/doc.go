/*
Package proxy implements the per-execution egress proxy: the only path from
a sandboxed payload to the outside world.

Each execution gets its own Server instance on an ephemeral port, so the
audit log of one execution can never interleave with another's. The proxy
terminates plain HTTP, tunnels HTTPS via CONNECT without terminating TLS,
evaluates the active policy per request, and records every attempt in
arrival order.

# Architecture

	┌──────────────── SANDBOX ────────────────┐
	│                                          │
	│  payload process                         │
	│  HTTP_PROXY / HTTPS_PROXY env            │
	└──────────────────┬──────────────────────┘
	                   │ bridged network (egress ACL: proxy only)
	                   │
	┌──────────────────▼──── EXECUTOR HOST ───┐
	│                                          │
	│  ┌────────────────────────────────────┐ │
	│  │       proxy.Server                  │ │
	│  │  - HTTP forward proxying            │ │
	│  │  - CONNECT tunneling (no MITM)      │ │
	│  │  - policy.Decide per request        │ │
	│  │  - hook chain (block/mock/rewrite)  │ │
	│  │  - AuditLog in arrival order        │ │
	│  └──────────────────┬─────────────────┘ │
	│                     │                    │
	└─────────────────────┼───────────────────┘
	                      │
	                 upstream services

# Policy Evaluation

Plain HTTP requests are evaluated on (host, method, path). CONNECT tunnels
are evaluated on host alone: the proxy does not terminate TLS, so method
and path inside the tunnel are invisible by design of the threat model.

The policy in force for a request is the one active at request arrival.
SetPolicy swaps the active policy atomically; in-flight requests keep the
policy they started with.

Blocked requests receive a synthetic response and never touch the network:

	HTTP  -> 403 with {"error": ..., "reason": ..., "blocked_by_policy": true}
	CONNECT -> 403 before the tunnel is established

# Audit Log

Every attempt, allowed or not, produces exactly one entry. Entries are
appended when the proxy accepts the request and completed in place when the
outcome is known, so the log reads in proxy-arrival order even when
responses finish out of order. With header filtering enabled, credential
headers (Authorization, Cookie, X-Api-Key, x-cordon-*) are redacted in the
audit copy only; the upstream request is never modified by filtering.

# Hooks

OnRequest hooks run after the built-in policy check and may block the
request, mock a response without touching the network, or rewrite headers
on the forwarded request. OnResponse hooks may adjust a real upstream
response. A panicking hook is recovered, logged, and treated as having no
opinion; hooks can refine a decision but never widen what policy denied.

# Usage

	srv := proxy.NewServer(proxy.Config{
		Enforce:                true,
		InitialPolicy:          pol,
		FilterSensitiveHeaders: true,
	})
	endpoint, err := srv.Start(0) // ephemeral port
	if err != nil {
		return err
	}
	defer srv.Stop(ctx)

	// ... run the sandbox with HTTP_PROXY pointing at endpoint ...

	for _, entry := range srv.AuditSnapshot() {
		fmt.Println(entry.Hostname, entry.Blocked)
	}
*/
package proxy
