package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// buildPrelude renders the phase-1 results into a script fragment that is
// prepended to the payload. Each fetch becomes a frozen function returning
// its sanitized result, so the payload reads results by name without any
// ability to replay the original credentialed request.
func buildPrelude(results map[string]*fetchResult) (string, error) {
	if len(results) == 0 {
		return "", nil
	}

	blob, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("failed to encode fetch results: %w", err)
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "const __fetchResults = Object.freeze(JSON.parse(%s));\n", jsString(string(blob)))
	for _, name := range names {
		fmt.Fprintf(&b, "function %s() { return __fetchResults[%s]; }\n", name, jsString(name))
	}
	b.WriteString("\n")
	return b.String(), nil
}

// jsString renders s as a JS string literal. JSON string encoding is a
// strict subset of JS, so this is safe for embedding.
func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
