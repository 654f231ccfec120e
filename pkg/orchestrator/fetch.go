package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/cordonlabs/cordon/pkg/types"
)

// fetchBodyLimit caps a phase-1 response body (1 MiB)
const fetchBodyLimit = 1 << 20

var (
	fetchNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	envRefRe    = regexp.MustCompile(`\$\{env\.([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// jsReservedWords cannot name a fetch: each name becomes a function
// declaration in the generated payload preamble, and a reserved word there
// is a guaranteed syntax error.
var jsReservedWords = map[string]bool{
	"await": true, "break": true, "case": true, "catch": true,
	"class": true, "const": true, "continue": true, "debugger": true,
	"default": true, "delete": true, "do": true, "else": true,
	"enum": true, "export": true, "extends": true, "false": true,
	"finally": true, "for": true, "function": true, "if": true,
	"implements": true, "import": true, "in": true, "instanceof": true,
	"interface": true, "let": true, "new": true, "null": true,
	"package": true, "private": true, "protected": true, "public": true,
	"return": true, "static": true, "super": true, "switch": true,
	"this": true, "throw": true, "true": true, "try": true,
	"typeof": true, "var": true, "void": true, "while": true,
	"with": true, "yield": true,
}

// fetchResult is what one phase-1 fetch produced. Only the sanitized view
// (status, response headers minus sensitive ones, body) ever reaches the
// payload; request headers carry credentials and are never stored.
type fetchResult struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Error   string            `json:"error,omitempty"`

	// parsed is the decoded JSON body, kept for passed-variable extraction
	// and never serialized into the payload view.
	parsed any
}

// validateFetchSpecs checks names and passed-variable references before any
// network activity happens
func validateFetchSpecs(fetches []types.FetchSpec) error {
	seen := make(map[string]bool, len(fetches))
	for _, f := range fetches {
		if !fetchNameRe.MatchString(f.Name) {
			return fmt.Errorf("%w: fetch name %q is not a valid identifier", types.ErrBadRequest, f.Name)
		}
		if jsReservedWords[f.Name] {
			return fmt.Errorf("%w: fetch name %q is a reserved word", types.ErrBadRequest, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate fetch name %q", types.ErrBadRequest, f.Name)
		}
		if f.URL == "" {
			return fmt.Errorf("%w: fetch %q has no url", types.ErrBadRequest, f.Name)
		}
		for _, pv := range f.PassedVariables {
			if !seen[pv.From] {
				return fmt.Errorf("%w: fetch %q references %q which is not an earlier fetch", types.ErrBadRequest, f.Name, pv.From)
			}
		}
		seen[f.Name] = true
	}
	return nil
}

// runFetches executes the phase-1 fetches in declaration order through the
// given client. A failed fetch becomes an error value under its name; it
// never aborts the run.
func (o *Orchestrator) runFetches(ctx context.Context, client *http.Client, fetches []types.FetchSpec, headerEnv map[string]string) map[string]*fetchResult {
	results := make(map[string]*fetchResult, len(fetches))
	for _, f := range fetches {
		r, err := o.runFetch(ctx, client, f, headerEnv, results)
		if err != nil {
			o.logger.Warn().Err(err).Str("fetch", f.Name).Msg("phase-1 fetch failed")
			results[f.Name] = &fetchResult{Error: err.Error()}
			continue
		}
		results[f.Name] = r
	}
	return results
}

func (o *Orchestrator) runFetch(ctx context.Context, client *http.Client, f types.FetchSpec, headerEnv map[string]string, prior map[string]*fetchResult) (*fetchResult, error) {
	url := f.URL
	body := f.Body
	headers := make(map[string]string, len(f.Headers))
	for k, v := range f.Headers {
		headers[k] = v
	}

	// Passed variables substitute literally in url, header values and body.
	for _, pv := range f.PassedVariables {
		val, err := resolvePassedVariable(pv, prior)
		if err != nil {
			return nil, err
		}
		url = strings.ReplaceAll(url, pv.Placeholder, val)
		body = strings.ReplaceAll(body, pv.Placeholder, val)
		for k, v := range headers {
			headers[k] = strings.ReplaceAll(v, pv.Placeholder, val)
		}
	}

	// Credential references substitute in header values only.
	for k, v := range headers {
		headers[k] = substituteEnvRefs(v, headerEnv)
	}

	method := strings.ToUpper(f.Method)
	if method == "" {
		method = http.MethodGet
	}

	var reqBody io.Reader
	if body != "" {
		reqBody = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &fetchResult{
		Status:  resp.StatusCode,
		Headers: sanitizeFetchHeaders(resp.Header),
		Body:    string(data),
	}
	var parsed any
	if json.Unmarshal(data, &parsed) == nil {
		result.parsed = parsed
	}
	return result, nil
}

// substituteEnvRefs replaces ${env.NAME} references with values from the
// caller environment. Unknown references become the empty string.
func substituteEnvRefs(s string, headerEnv map[string]string) string {
	return envRefRe.ReplaceAllStringFunc(s, func(m string) string {
		name := envRefRe.FindStringSubmatch(m)[1]
		return headerEnv[name]
	})
}

func resolvePassedVariable(pv types.PassedVariable, prior map[string]*fetchResult) (string, error) {
	src, ok := prior[pv.From]
	if !ok {
		return "", fmt.Errorf("fetch %q has no result", pv.From)
	}
	if src.Error != "" {
		return "", fmt.Errorf("fetch %q failed: %s", pv.From, src.Error)
	}
	if src.parsed == nil {
		return "", fmt.Errorf("fetch %q did not return JSON", pv.From)
	}
	return extractField(src.parsed, pv.Field)
}

// extractField walks a dot-separated path through decoded JSON. Scalars
// render to their natural string form; composites render as JSON.
func extractField(data any, path string) (string, error) {
	cur := data
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("field path %q does not resolve to an object", path)
		}
		cur, ok = obj[part]
		if !ok {
			return "", fmt.Errorf("field %q not found in path %q", part, path)
		}
	}

	switch v := cur.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// fetchSensitiveHeaders are never exposed to the payload
var fetchSensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"proxy-authorization": true,
	"x-api-key":           true,
}

func sanitizeFetchHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		lk := strings.ToLower(k)
		if fetchSensitiveHeaders[lk] || strings.HasPrefix(lk, "x-cordon-") {
			continue
		}
		out[k] = vs[0]
	}
	return out
}
