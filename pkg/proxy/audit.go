package proxy

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cordonlabs/cordon/pkg/types"
)

// sensitiveHeaders are always redacted in audit entries when filtering is
// enabled. Matching is case-insensitive.
var sensitiveHeaders = []string{
	"authorization",
	"cookie",
	"set-cookie",
	"proxy-authorization",
	"x-api-key",
}

// sensitiveHeaderPrefix redacts any caller-token header injected by the
// orchestrator.
const sensitiveHeaderPrefix = "x-cordon-"

// isSensitiveHeader reports whether a header name must be redacted
func isSensitiveHeader(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, sensitiveHeaderPrefix) {
		return true
	}
	for _, s := range sensitiveHeaders {
		if lower == s {
			return true
		}
	}
	return false
}

// FilterHeaders copies headers into a flat map, replacing sensitive values
// with the redaction marker when filter is set. The request actually sent
// upstream is never modified by this.
func FilterHeaders(headers http.Header, filter bool) map[string]string {
	if headers == nil {
		return nil
	}
	result := make(map[string]string, len(headers))
	for key, values := range headers {
		if filter && isSensitiveHeader(key) {
			result[key] = types.RedactionMarker
			continue
		}
		result[key] = strings.Join(values, ", ")
	}
	return result
}

// AuditLog collects audit entries for one execution in proxy-arrival order.
// Entries are appended as pending when the proxy accepts a request and
// completed in place, so arrival order is preserved even when responses
// finish out of order.
type AuditLog struct {
	mu      sync.Mutex
	entries []*types.AuditEntry
}

// NewAuditLog creates an empty audit log
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

// Begin appends a pending entry and returns a handle for completion
func (a *AuditLog) Begin(method, url, hostname string) *types.AuditEntry {
	entry := &types.AuditEntry{
		Timestamp: time.Now().UTC(),
		Method:    method,
		URL:       url,
		Hostname:  hostname,
	}
	a.mu.Lock()
	a.entries = append(a.entries, entry)
	a.mu.Unlock()
	return entry
}

// Complete fills a pending entry. Safe for concurrent use with Snapshot.
func (a *AuditLog) Complete(entry *types.AuditEntry, fill func(*types.AuditEntry)) {
	a.mu.Lock()
	fill(entry)
	a.mu.Unlock()
}

// Snapshot returns a copy of the log in arrival order
func (a *AuditLog) Snapshot() []types.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.AuditEntry, len(a.entries))
	for i, e := range a.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of entries recorded so far
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
