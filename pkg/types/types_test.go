package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseExecutionMode(t *testing.T) {
	valid := []string{"direct", "isolated", "isolated-proxied", "isolated-proxied-policied"}
	for _, s := range valid {
		if _, err := ParseExecutionMode(s); err != nil {
			t.Errorf("ParseExecutionMode(%q) = %v, want nil", s, err)
		}
	}

	if _, err := ParseExecutionMode("container"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestProxied(t *testing.T) {
	tests := []struct {
		mode ExecutionMode
		want bool
	}{
		{ModeDirect, false},
		{ModeIsolated, false},
		{ModeIsolatedProxied, true},
		{ModeIsolatedProxiedPolicied, true},
	}
	for _, tt := range tests {
		if got := tt.mode.Proxied(); got != tt.want {
			t.Errorf("%s.Proxied() = %v, want %v", tt.mode, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{ErrBackendUnavailable, ErrKindBackendUnavailable},
		{ErrImagePullFailed, ErrKindImagePullFailed},
		{ErrStartFailed, ErrKindStartFailed},
		{ErrTimeout, ErrKindTimeout},
		{ErrOutOfMemory, ErrKindOutOfMemory},
		{ErrQueueFull, ErrKindQueueFull},
		{ErrBadRequest, ErrKindBadRequest},
		{fmt.Errorf("wrapped: %w", ErrTimeout), ErrKindTimeout},
		{errors.New("anything else"), ErrKindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestKindSurfacesAsError(t *testing.T) {
	asError := map[ErrorKind]bool{
		ErrKindBadRequest:         true,
		ErrKindBackendUnavailable: true,
		ErrKindQueueFull:          true,
		ErrKindInternal:           true,
		ErrKindTimeout:            false,
		ErrKindOutOfMemory:        false,
		ErrKindPayloadCrashed:     false,
		ErrKindPolicyDenied:       false,
		ErrKindPolicyFetchFailed:  false,
		ErrKindStartFailed:        false,
		ErrKindImagePullFailed:    false,
	}
	for kind, want := range asError {
		if got := KindSurfacesAsError(kind); got != want {
			t.Errorf("KindSurfacesAsError(%s) = %v, want %v", kind, got, want)
		}
	}
}
