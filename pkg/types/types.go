package types

import (
	"fmt"
	"time"
)

// ExecutionMode selects how a payload is isolated
type ExecutionMode string

const (
	// ModeDirect runs the payload on the host. Only for operator-trusted payloads.
	ModeDirect ExecutionMode = "direct"

	// ModeIsolated runs the payload in a disposable container with no network.
	ModeIsolated ExecutionMode = "isolated"

	// ModeIsolatedProxied adds a bridged network with egress forced through the proxy.
	ModeIsolatedProxied ExecutionMode = "isolated-proxied"

	// ModeIsolatedProxiedPolicied additionally evaluates per-caller policy on every request.
	ModeIsolatedProxiedPolicied ExecutionMode = "isolated-proxied-policied"
)

// ParseExecutionMode validates a mode string
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(s) {
	case ModeDirect, ModeIsolated, ModeIsolatedProxied, ModeIsolatedProxiedPolicied:
		return ExecutionMode(s), nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// Proxied reports whether the mode routes payload egress through the proxy
func (m ExecutionMode) Proxied() bool {
	return m == ModeIsolatedProxied || m == ModeIsolatedProxiedPolicied
}

const (
	// CallerEnvPrefix is the reserved prefix for caller-supplied environment
	// overrides. Keys outside this prefix are rejected at the boundary.
	CallerEnvPrefix = "CORDON_ENV_"

	// CallerSecretPrefix marks caller credentials. Variables with this prefix
	// are visible to phase-1 fetches and never to the phase-2 payload.
	CallerSecretPrefix = "CORDON_SECRET_"

	// RedactionMarker replaces sensitive header values in audit entries.
	RedactionMarker = "[REDACTED]"

	// ResourcePrefix names containers and working directories so the startup
	// sweep can identify orphans from prior crashes.
	ResourcePrefix = "cordon-"
)

// Reserved exit-code sentinels. 124 follows the timeout(1) convention,
// 137 is 128+SIGKILL as delivered by the kernel OOM killer.
const (
	ExitCodeTimeout     = 124
	ExitCodeOutOfMemory = 137
)

// ExecutionRequest is one caller-submitted execution. Immutable after ingest.
type ExecutionRequest struct {
	// Payload is the script text executed in phase 2.
	Payload string `json:"payload"`

	// Phase1Fetches are credentialed fetches executed before the payload,
	// in declaration order. May be empty.
	Phase1Fetches []FetchSpec `json:"phase1Fetches,omitempty"`

	// HeaderEnv carries caller environment overrides. Every key must begin
	// with CallerEnvPrefix or CallerSecretPrefix.
	HeaderEnv map[string]string `json:"headerEnv,omitempty"`

	// CallerToken is the opaque bearer credential used for policy resolution.
	CallerToken string `json:"callerToken,omitempty"`

	// EncryptResponse asks the embedding application to wrap the response in
	// its encryption envelope. The core only carries the flag through.
	EncryptResponse bool `json:"encryptResponse,omitempty"`

	// TimeoutMs is advisory and clamped to the configured wall-clock ceiling.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`

	// Mode optionally overrides the configured execution mode. Administrative
	// testing only.
	Mode ExecutionMode `json:"mode,omitempty"`
}

// FetchSpec describes one phase-1 credentialed fetch
type FetchSpec struct {
	// Name is the identifier the phase-2 payload uses to read the result.
	Name string `json:"name"`

	Method string `json:"method"`
	URL    string `json:"url"`

	// Headers may reference credentialed environment variables with
	// ${env.NAME} placeholders. Substitution happens in header values only.
	Headers map[string]string `json:"headers,omitempty"`

	Body string `json:"body,omitempty"`

	// PassedVariables bind fields of earlier fetch results into this fetch.
	PassedVariables []PassedVariable `json:"passed_variables,omitempty"`
}

// PassedVariable binds a named field of an earlier fetch's result into the
// construction of this fetch's request
type PassedVariable struct {
	// From is the name of the earlier fetch.
	From string `json:"from"`

	// Field is a dot-separated path into the earlier fetch's JSON body.
	Field string `json:"field"`

	// Placeholder is the literal replaced in this fetch's URL, header values
	// and body.
	Placeholder string `json:"placeholder"`
}

// PolicySource records where the effective policy came from
type PolicySource string

const (
	PolicySourceDefault PolicySource = "default"
	PolicySourceCaller  PolicySource = "caller"
)

// Policy is the effective egress policy for one caller
type Policy struct {
	// AllowedDomains are exact hosts or leading-wildcard patterns
	// (*.example.com). Empty means deny-all.
	AllowedDomains []string `json:"allowedDomains"`

	// BlockedDomains override AllowedDomains to deny.
	BlockedDomains []string `json:"blockedDomains,omitempty"`

	// APIPathRules map a domain pattern to an ordered rule list. First match
	// wins; exact host entries beat wildcard entries.
	APIPathRules map[string][]PathRule `json:"apiPathRules,omitempty"`

	// AllowedPackages and AllowedBinaries are advisory; enforcement is an
	// image-level property.
	AllowedPackages []string `json:"allowedPackages,omitempty"`
	AllowedBinaries []string `json:"allowedBinaries,omitempty"`

	// Source is set on ingest, not by the policy service.
	Source PolicySource `json:"-"`
}

// PathRule is one method/path rule within a domain's rule list
type PathRule struct {
	// Method is an HTTP verb or "*".
	Method string `json:"method"`

	// Path is a literal, a leading-* suffix pattern, a trailing-* prefix
	// pattern, or "/*" for any path.
	Path string `json:"path"`

	Allow bool `json:"allow"`
}

// Decision is the outcome of evaluating one request against a policy
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Limits caps one sandbox execution
type Limits struct {
	MemoryBytes int64
	CPUShare    float64
	WallClockMs int64
}

// AuditEntry records one attempted outbound request from inside a sandbox
type AuditEntry struct {
	Timestamp       time.Time         `json:"timestamp"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Hostname        string            `json:"hostname"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	StatusCode      int               `json:"statusCode,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	Blocked         bool              `json:"blocked"`
	Reason          string            `json:"reason,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// SandboxResult is what one sandbox run produced
type SandboxResult struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	ExecutionTimeMs int64
}

// ExecutionResult is the single externally visible response shape. All
// execution modes funnel through the result shaper to produce it.
type ExecutionResult struct {
	Success bool            `json:"success"`
	Data    *ExecutionData  `json:"data,omitempty"`
	Error   *ExecutionError `json:"error,omitempty"`
}

// ExecutionData is the data block of a shaped result
type ExecutionData struct {
	Stdout          string       `json:"stdout"`
	Stderr          string       `json:"stderr"`
	ExitCode        int          `json:"exitCode"`
	ExecutionTimeMs int64        `json:"executionTimeMs"`
	ExecutionMode   string       `json:"executionMode"`
	NetworkLog      []AuditEntry `json:"networkLog,omitempty"`
	PolicyInfo      *PolicyInfo  `json:"policyInfo,omitempty"`
}

// PolicyInfo summarizes the policy that governed an execution
type PolicyInfo struct {
	Source         string   `json:"source"`
	AllowedDomains []string `json:"allowedDomains,omitempty"`
}

// ExecutionError is the error block of a shaped result
type ExecutionError struct {
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind"`

	// CorrelationID is set for Internal errors so operators can find the
	// matching log lines.
	CorrelationID string `json:"correlationId,omitempty"`
}
