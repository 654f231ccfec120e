// Package orchestrator drives the two-phase execution flow: credentialed
// fetches on the host first, then the payload in its sandbox with the
// credentials stripped and only sanitized fetch results in reach.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cordonlabs/cordon/pkg/config"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/policy"
	"github.com/cordonlabs/cordon/pkg/proxy"
	"github.com/cordonlabs/cordon/pkg/sandbox"
	"github.com/cordonlabs/cordon/pkg/types"
)

// Orchestrator executes requests end to end and shapes every outcome into
// the unified result
type Orchestrator struct {
	cfg     *config.Config
	runner  sandbox.Runner
	fetcher *policy.Fetcher

	// client performs phase-1 fetches in non-proxied modes. Proxied modes
	// build a per-execution client that traverses the egress proxy instead.
	client *http.Client

	// proxyTransport overrides the per-execution proxy's upstream transport.
	// Tests use this; production leaves it nil.
	proxyTransport http.RoundTripper

	logger zerolog.Logger
}

// New creates an orchestrator. fetcher may be nil when per-caller policy
// is disabled.
func New(cfg *config.Config, runner sandbox.Runner, fetcher *policy.Fetcher) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		runner:  runner,
		fetcher: fetcher,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  log.WithComponent("orchestrator"),
	}
}

// Execute runs one request. It never returns an error; every outcome is a
// shaped ExecutionResult.
func (o *Orchestrator) Execute(ctx context.Context, req *types.ExecutionRequest) *types.ExecutionResult {
	executionID := uuid.NewString()

	mode := o.cfg.Mode()
	if req.Mode != "" {
		m, err := types.ParseExecutionMode(string(req.Mode))
		if err != nil {
			return shape(mode, executionID, nil, nil, nil, fmt.Errorf("%w: %v", types.ErrBadRequest, err))
		}
		mode = m
	}

	start := time.Now()
	result := o.execute(ctx, executionID, mode, req)

	outcome := "success"
	if !result.Success {
		outcome = "error"
	}
	metrics.ExecutionsTotal.WithLabelValues(string(mode), outcome).Inc()
	metrics.ExecutionDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	return result
}

func (o *Orchestrator) execute(ctx context.Context, executionID string, mode types.ExecutionMode, req *types.ExecutionRequest) *types.ExecutionResult {
	logger := o.logger.With().Str("execution_id", executionID).Logger()

	if err := validateRequest(req); err != nil {
		return shape(mode, executionID, nil, nil, nil, err)
	}

	if !o.runner.IsAvailable(ctx) {
		return shape(mode, executionID, nil, nil, nil, types.ErrBackendUnavailable)
	}

	limits := o.cfg.Limits()
	if req.TimeoutMs > 0 && req.TimeoutMs < limits.WallClockMs {
		limits.WallClockMs = req.TimeoutMs
	}

	// Policy is resolved before anything runs; a fetch failure falls back to
	// the default policy and the execution continues.
	var pol *types.Policy
	var pinfo *types.PolicyInfo
	if mode == types.ModeIsolatedProxiedPolicied {
		pol = o.resolvePolicy(ctx, req.CallerToken, logger)
		pinfo = &types.PolicyInfo{
			Source:         string(pol.Source),
			AllowedDomains: pol.AllowedDomains,
		}
	}

	execReq := sandbox.ExecRequest{
		ExecutionID: executionID,
		Env:         scrubSecrets(req.HeaderEnv),
		Mode:        mode,
		Limits:      limits,
	}

	// The proxy exists before phase 1: both phases traverse it, so every
	// outbound attempt of the execution lands in one audit log under one
	// policy.
	var srv *proxy.Server
	fetchClient := o.client
	if mode.Proxied() {
		srv = proxy.NewServer(proxy.Config{
			Enforce:                mode == types.ModeIsolatedProxiedPolicied,
			InitialPolicy:          pol,
			FilterSensitiveHeaders: o.cfg.FilterSensitiveHeaders,
			Transport:              o.proxyTransport,
		})
		bound, err := srv.Start(0)
		if err != nil {
			return shape(mode, executionID, nil, nil, pinfo, fmt.Errorf("failed to start egress proxy: %w", err))
		}
		_, port, _ := net.SplitHostPort(bound)
		execReq.ProxyEndpoint = net.JoinHostPort(o.cfg.ProxyHost, port)
		fetchClient = proxiedClient(port)
	}

	stopProxy := func() []types.AuditEntry {
		if srv == nil {
			return nil
		}
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("proxy shutdown failed")
		}
		return srv.AuditSnapshot()
	}

	// Phase 1: credentialed fetches, in declaration order.
	fetchResults := o.runFetches(ctx, fetchClient, req.Phase1Fetches, req.HeaderEnv)

	prelude, err := buildPrelude(fetchResults)
	if err != nil {
		return shape(mode, executionID, nil, stopProxy(), pinfo, err)
	}

	// Phase 2: the payload never sees credentialed variables.
	execReq.Payload = prelude + req.Payload

	sres, runErr := o.runner.Execute(ctx, execReq)
	audit := stopProxy()

	if runErr != nil {
		logger.Warn().Err(runErr).Str("mode", string(mode)).Msg("execution failed")
	}
	return shape(mode, executionID, sres, audit, pinfo, runErr)
}

// resolvePolicy returns the policy in force for this execution. Never nil
// and never an abort: failures degrade to the default policy.
func (o *Orchestrator) resolvePolicy(ctx context.Context, token string, logger zerolog.Logger) *types.Policy {
	if !o.cfg.EnablePolicy || o.fetcher == nil {
		return o.defaultPolicy()
	}
	pol, err := o.fetcher.FetchPolicy(ctx, token)
	if err != nil {
		logger.Warn().Err(err).Msg("policy resolution degraded to default")
	}
	return pol
}

// proxiedClient routes phase-1 fetches through the execution's egress
// proxy on the loopback side of its listener
func proxiedClient(port string) *http.Client {
	proxyURL := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", port),
	}
	return &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
}

func (o *Orchestrator) defaultPolicy() *types.Policy {
	if o.cfg.DefaultPolicyMode == config.PolicyModePermissive {
		o.logger.Warn().Msg("permissive default policy in force")
		return policy.Permissive()
	}
	return policy.DenyAll()
}

// validateRequest rejects malformed requests at the boundary
func validateRequest(req *types.ExecutionRequest) error {
	if strings.TrimSpace(req.Payload) == "" {
		return fmt.Errorf("%w: payload is empty", types.ErrBadRequest)
	}
	for key := range req.HeaderEnv {
		if !strings.HasPrefix(key, types.CallerEnvPrefix) && !strings.HasPrefix(key, types.CallerSecretPrefix) {
			return fmt.Errorf("%w: environment key %q lacks a recognized prefix", types.ErrBadRequest, key)
		}
	}
	return validateFetchSpecs(req.Phase1Fetches)
}

// scrubSecrets drops credentialed variables from the phase-2 environment
func scrubSecrets(headerEnv map[string]string) map[string]string {
	env := make(map[string]string, len(headerEnv))
	for k, v := range headerEnv {
		if strings.HasPrefix(k, types.CallerSecretPrefix) {
			continue
		}
		env[k] = v
	}
	return env
}
