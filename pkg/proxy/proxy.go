package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/policy"
	"github.com/cordonlabs/cordon/pkg/types"
)

// Server is the egress proxy for one execution: the only path to the
// outside world for the payload. It terminates plain HTTP, tunnels HTTPS
// via CONNECT, applies policy per request, and records every attempt in
// the execution's audit log.
type Server struct {
	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	endpoint string
	started  bool

	// active is swapped atomically; each request reads it once at arrival.
	active atomic.Pointer[types.Policy]

	// enforce enables policy evaluation. Off means every request is allowed
	// (isolated-proxied mode: egress visibility without policy).
	enforce bool

	filterHeaders bool

	onRequest  []RequestHook
	onResponse []ResponseHook

	audit     *AuditLog
	transport http.RoundTripper
	logger    zerolog.Logger
}

// Config configures a proxy server
type Config struct {
	// Enforce enables per-request policy evaluation.
	Enforce bool

	// InitialPolicy is the policy in force until SetPolicy is called.
	// Defaults to deny-all when Enforce is set.
	InitialPolicy *types.Policy

	// FilterSensitiveHeaders redacts credential headers in audit entries.
	FilterSensitiveHeaders bool

	// OnRequest and OnResponse are optional hook chains.
	OnRequest  []RequestHook
	OnResponse []ResponseHook

	// Transport overrides the upstream round tripper. Tests use this.
	Transport http.RoundTripper
}

// NewServer creates a proxy server with an empty audit log
func NewServer(cfg Config) *Server {
	s := &Server{
		enforce:       cfg.Enforce,
		filterHeaders: cfg.FilterSensitiveHeaders,
		onRequest:     cfg.OnRequest,
		onResponse:    cfg.OnResponse,
		audit:         NewAuditLog(),
		transport:     cfg.Transport,
		logger:        log.WithComponent("proxy"),
	}
	if s.transport == nil {
		s.transport = &http.Transport{
			MaxIdleConns:    32,
			IdleConnTimeout: 30 * time.Second,
		}
	}
	p := cfg.InitialPolicy
	if p == nil {
		if cfg.Enforce {
			p = policy.DenyAll()
		} else {
			p = policy.Permissive()
		}
	}
	s.active.Store(p)
	return s
}

// Start binds and listens. Idempotent: a second call returns the existing
// endpoint. Port 0 selects an ephemeral port.
func (s *Server) Start(port int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return s.endpoint, nil
	}

	lis, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return "", fmt.Errorf("failed to bind proxy port %d: %w", port, err)
	}

	s.listener = lis
	s.httpSrv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.started = true
	s.endpoint = lis.Addr().String()

	go func() {
		if err := s.httpSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("proxy serve loop exited")
		}
	}()

	s.logger.Debug().Str("endpoint", s.endpoint).Msg("proxy listening")
	return s.endpoint, nil
}

// Endpoint returns the bound host:port, empty before Start
func (s *Server) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Stop drains in-flight requests, then closes the listener
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.started = false
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		// Drain deadline hit; abort whatever is still in flight.
		return srv.Close()
	}
	return nil
}

// SetPolicy atomically swaps the active policy. In-flight requests keep the
// policy that was active when the proxy accepted them.
func (s *Server) SetPolicy(p *types.Policy) {
	s.active.Store(p)
}

// ActivePolicy returns the policy currently in force
func (s *Server) ActivePolicy() *types.Policy {
	return s.active.Load()
}

// AuditSnapshot returns a copy of the execution's audit log
func (s *Server) AuditSnapshot() []types.AuditEntry {
	return s.audit.Snapshot()
}

// ServeHTTP dispatches proxied requests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	if r.URL.Host == "" {
		// Not a proxied request; nothing is served directly.
		http.Error(w, "proxy use only", http.StatusBadRequest)
		return
	}
	s.handleHTTP(w, r)
}

// blockedBody is the synthetic denial payload
type blockedBody struct {
	Error           string `json:"error"`
	Reason          string `json:"reason"`
	BlockedByPolicy bool   `json:"blocked_by_policy"`
}

func writeBlocked(w http.ResponseWriter, status int, body []byte, reason string) {
	if status == 0 {
		status = http.StatusForbidden
	}
	if body == nil {
		body, _ = json.Marshal(blockedBody{
			Error:           "request blocked by policy",
			Reason:          reason,
			BlockedByPolicy: true,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// evaluate applies the built-in policy check followed by the hook chain.
// The policy in force is the one read here, at request arrival.
func (s *Server) evaluate(r *http.Request, host, method, path string) *Verdict {
	if s.enforce {
		decision := policy.Decide(s.active.Load(), host, method, path)
		if !decision.Allowed {
			return &Verdict{Kind: VerdictBlock, Reason: decision.Reason}
		}
	}
	return runRequestHooks(s.onRequest, r)
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Hostname()
	entry := s.audit.Begin(r.Method, r.URL.String(), host)
	reqHeaders := FilterHeaders(r.Header, s.filterHeaders)

	verdict := s.evaluate(r, host, r.Method, r.URL.Path)
	if verdict != nil && verdict.Kind == VerdictBlock {
		status := verdict.Status
		if status == 0 {
			status = http.StatusForbidden
		}
		s.audit.Complete(entry, func(e *types.AuditEntry) {
			e.RequestHeaders = reqHeaders
			e.StatusCode = status
			e.Blocked = true
			e.Reason = verdict.Reason
		})
		metrics.ProxyRequestsTotal.WithLabelValues("blocked").Inc()
		s.logger.Debug().Str("host", host).Str("reason", verdict.Reason).Msg("request blocked")
		writeBlocked(w, verdict.Status, verdict.Body, verdict.Reason)
		return
	}

	if verdict != nil && verdict.Kind == VerdictMock {
		status := verdict.Status
		if status == 0 {
			status = http.StatusOK
		}
		for k, v := range verdict.Headers {
			w.Header().Set(k, v)
		}
		s.audit.Complete(entry, func(e *types.AuditEntry) {
			e.RequestHeaders = reqHeaders
			e.StatusCode = status
		})
		metrics.ProxyRequestsTotal.WithLabelValues("mocked").Inc()
		w.WriteHeader(status)
		_, _ = w.Write(verdict.Body)
		return
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
	if err != nil {
		s.audit.Complete(entry, func(e *types.AuditEntry) {
			e.RequestHeaders = reqHeaders
			e.Error = err.Error()
		})
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	for key, values := range r.Header {
		for _, value := range values {
			outReq.Header.Add(key, value)
		}
	}
	outReq.Header.Del("Proxy-Connection")
	outReq.Header.Del("Proxy-Authorization")

	// Allow verdicts may rewrite headers on the forwarded request.
	if verdict != nil {
		for k, v := range verdict.Headers {
			outReq.Header.Set(k, v)
		}
	}

	resp, err := s.transport.RoundTrip(outReq)
	if err != nil {
		s.audit.Complete(entry, func(e *types.AuditEntry) {
			e.RequestHeaders = reqHeaders
			e.Error = err.Error()
		})
		metrics.ProxyUpstreamErrors.Inc()
		s.logger.Debug().Err(err).Str("host", host).Msg("upstream connection failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	runResponseHooks(s.onResponse, r, resp)

	s.audit.Complete(entry, func(e *types.AuditEntry) {
		e.RequestHeaders = reqHeaders
		e.StatusCode = resp.StatusCode
		e.ResponseHeaders = FilterHeaders(resp.Header, s.filterHeaders)
	})
	metrics.ProxyRequestsTotal.WithLabelValues("allowed").Inc()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleConnect evaluates domain policy only: method and path cannot be
// inspected without terminating TLS, which the proxy does not do.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		http.Error(w, "invalid host format", http.StatusBadRequest)
		return
	}

	entry := s.audit.Begin(http.MethodConnect, r.Host, host)

	if s.enforce {
		decision := policy.DecideDomain(s.active.Load(), host)
		if !decision.Allowed {
			s.audit.Complete(entry, func(e *types.AuditEntry) {
				e.StatusCode = http.StatusForbidden
				e.Blocked = true
				e.Reason = decision.Reason
			})
			metrics.ProxyRequestsTotal.WithLabelValues("blocked").Inc()
			s.logger.Debug().Str("host", host).Str("reason", decision.Reason).Msg("tunnel blocked")
			http.Error(w, "403 Forbidden: "+decision.Reason, http.StatusForbidden)
			return
		}
	}

	upstream, err := net.DialTimeout("tcp", r.Host, 10*time.Second)
	if err != nil {
		s.audit.Complete(entry, func(e *types.AuditEntry) {
			e.Error = err.Error()
		})
		metrics.ProxyUpstreamErrors.Inc()
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	client, _, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	_, _ = client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	s.audit.Complete(entry, func(e *types.AuditEntry) {
		e.StatusCode = http.StatusOK
	})
	metrics.ProxyRequestsTotal.WithLabelValues("tunneled").Inc()

	// Splice the sockets. Subsequent bytes are not interpreted.
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			client.Close()
			upstream.Close()
		})
	}
	go func() {
		_, _ = io.Copy(upstream, client)
		closeBoth()
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		closeBoth()
	}()
}
