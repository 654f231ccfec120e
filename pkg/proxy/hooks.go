package proxy

import (
	"net/http"

	"github.com/cordonlabs/cordon/pkg/log"
)

// VerdictKind is what an onRequest hook decided
type VerdictKind int

const (
	// VerdictAllow forwards the request, optionally with header rewrites.
	VerdictAllow VerdictKind = iota

	// VerdictBlock answers with a synthetic denial without contacting upstream.
	VerdictBlock

	// VerdictMock answers with a fully specified response without contacting
	// upstream.
	VerdictMock
)

// Verdict is the outcome of an onRequest hook
type Verdict struct {
	Kind VerdictKind

	// Reason is recorded in the audit entry for blocks.
	Reason string

	// Status and Body override the synthetic response for blocks and mocks.
	// A zero Status means 403 for blocks and 200 for mocks.
	Status int
	Body   []byte

	// Headers to set on the response for mocks, or to rewrite on the
	// forwarded request for allows.
	Headers map[string]string
}

// RequestHook inspects a request about to be forwarded. A nil return means
// no opinion; evaluation continues with the next hook.
type RequestHook func(r *http.Request) *Verdict

// ResponseHook may override status, headers or body of a real upstream
// response. It must not turn a response into an error.
type ResponseHook func(r *http.Request, resp *http.Response)

// runRequestHooks evaluates hooks in order until one returns a verdict.
// A panicking hook is logged at WARN and skipped, as if not installed.
func runRequestHooks(hooks []RequestHook, r *http.Request) (verdict *Verdict) {
	for _, hook := range hooks {
		if v := safeRequestHook(hook, r); v != nil {
			return v
		}
	}
	return nil
}

func safeRequestHook(hook RequestHook, r *http.Request) (v *Verdict) {
	defer func() {
		if rec := recover(); rec != nil {
			logger := log.WithComponent("proxy")
			logger.Warn().
				Any("panic", rec).
				Str("url", r.URL.String()).
				Msg("onRequest hook panicked, continuing without it")
			v = nil
		}
	}()
	return hook(r)
}

// runResponseHooks applies hooks in order, recovering panics
func runResponseHooks(hooks []ResponseHook, r *http.Request, resp *http.Response) {
	for _, hook := range hooks {
		safeResponseHook(hook, r, resp)
	}
}

func safeResponseHook(hook ResponseHook, r *http.Request, resp *http.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			logger := log.WithComponent("proxy")
			logger.Warn().
				Any("panic", rec).
				Str("url", r.URL.String()).
				Msg("onResponse hook panicked, response left unmodified")
		}
	}()
	hook(r, resp)
}
