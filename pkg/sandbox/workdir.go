package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/types"
)

// payloadFileName is the fixed entry file inside the working directory
const payloadFileName = "payload.js"

// createWorkDir creates the per-execution working directory and writes the
// payload into it. The name embeds the execution id plus a random suffix so
// it is unguessable and attributable to exactly one execution.
func createWorkDir(root, executionID, payload string) (string, error) {
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate workdir suffix: %w", err)
	}

	dir := filepath.Join(root, types.ResourcePrefix+executionID+"-"+hex.EncodeToString(suffix))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create working directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, payloadFileName), []byte(payload), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to write payload: %w", err)
	}
	return dir, nil
}

// removeWorkDir deletes the working directory; errors are logged, not fatal
func removeWorkDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger := log.WithComponent("sandbox")
		logger.Error().
			Err(err).
			Str("dir", dir).
			Msg("failed to remove working directory")
	}
}

// sweepWorkDirs removes orphaned working directories from prior crashes,
// identified by the reserved name prefix. Returns how many were removed.
func sweepWorkDirs(root string) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read workdir root: %w", err)
	}

	logger := log.WithComponent("sandbox")
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), types.ResourcePrefix) {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn().
				Err(err).
				Str("dir", dir).
				Msg("failed to remove orphaned working directory")
			continue
		}
		removed++
	}
	return removed, nil
}
