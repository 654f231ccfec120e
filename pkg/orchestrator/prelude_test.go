package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPreludeEmpty(t *testing.T) {
	prelude, err := buildPrelude(nil)
	require.NoError(t, err)
	assert.Empty(t, prelude)
}

func TestBuildPrelude(t *testing.T) {
	prelude, err := buildPrelude(map[string]*fetchResult{
		"profile": {Status: 200, Body: `{"id":1}`},
		"login":   {Error: "connection refused"},
	})
	require.NoError(t, err)

	assert.Contains(t, prelude, "function profile()")
	assert.Contains(t, prelude, "function login()")
	assert.Contains(t, prelude, "Object.freeze")

	// Deterministic function order regardless of map iteration.
	assert.Less(t, strings.Index(prelude, "function login()"), strings.Index(prelude, "function profile()"))
}

// The parsed JSON view used for passed variables must not leak into the
// payload; only the serialized sanitized fields appear.
func TestBuildPreludeOmitsInternalState(t *testing.T) {
	prelude, err := buildPrelude(map[string]*fetchResult{
		"a": {Status: 200, Body: `{"secretless":true}`, parsed: map[string]any{"internal": "state"}},
	})
	require.NoError(t, err)
	assert.NotContains(t, prelude, "internal")
	assert.NotContains(t, prelude, "parsed")
}

func TestJSStringEscaping(t *testing.T) {
	s := jsString("line\n\"quoted\" </script>")
	assert.True(t, strings.HasPrefix(s, `"`))
	assert.Contains(t, s, `\n`)
	assert.NotContains(t, s, "\n")
}
