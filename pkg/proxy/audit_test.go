package proxy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordonlabs/cordon/pkg/types"
)

func TestFilterHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer tok")
	h.Set("Cookie", "session=1")
	h.Set("X-Api-Key", "key")
	h.Set("X-Cordon-Trace", "abc")
	h.Set("Content-Type", "application/json")

	t.Run("filtering on", func(t *testing.T) {
		out := FilterHeaders(h, true)
		assert.Equal(t, types.RedactionMarker, out["Authorization"])
		assert.Equal(t, types.RedactionMarker, out["Cookie"])
		assert.Equal(t, types.RedactionMarker, out["X-Api-Key"])
		assert.Equal(t, types.RedactionMarker, out["X-Cordon-Trace"])
		assert.Equal(t, "application/json", out["Content-Type"])
	})

	t.Run("filtering off", func(t *testing.T) {
		out := FilterHeaders(h, false)
		assert.Equal(t, "Bearer tok", out["Authorization"])
	})
}

// Entries appear in proxy-arrival order: Begin reserves the slot, Complete
// fills it in place however late the response arrives.
func TestAuditLogOrdering(t *testing.T) {
	log := NewAuditLog()

	first := log.Begin("GET", "http://a.example.com/1", "a.example.com")
	second := log.Begin("GET", "http://b.example.com/2", "b.example.com")

	// Complete out of order.
	log.Complete(second, func(e *types.AuditEntry) { e.StatusCode = 200 })
	log.Complete(first, func(e *types.AuditEntry) { e.StatusCode = 403; e.Blocked = true })

	entries := log.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "a.example.com", entries[0].Hostname)
	assert.True(t, entries[0].Blocked)
	assert.Equal(t, "b.example.com", entries[1].Hostname)
	assert.Equal(t, 200, entries[1].StatusCode)
}

func TestAuditSnapshotIsCopy(t *testing.T) {
	log := NewAuditLog()
	log.Begin("GET", "http://a.example.com", "a.example.com")

	snap := log.Snapshot()
	snap[0].Hostname = "mutated"

	assert.Equal(t, "a.example.com", log.Snapshot()[0].Hostname)
}
