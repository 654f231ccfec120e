package types

import "errors"

// ErrorKind classifies execution failures. Closed set; see the propagation
// policy on KindSurfacesAsError.
type ErrorKind string

const (
	ErrKindBackendUnavailable ErrorKind = "BackendUnavailable"
	ErrKindImagePullFailed    ErrorKind = "ImagePullFailed"
	ErrKindStartFailed        ErrorKind = "StartFailed"
	ErrKindTimeout            ErrorKind = "Timeout"
	ErrKindOutOfMemory        ErrorKind = "OutOfMemory"
	ErrKindPayloadCrashed     ErrorKind = "PayloadCrashed"
	ErrKindPolicyFetchFailed  ErrorKind = "PolicyFetchFailed"
	ErrKindPolicyDenied       ErrorKind = "PolicyDenied"
	ErrKindQueueFull          ErrorKind = "QueueFull"
	ErrKindBadRequest         ErrorKind = "BadRequest"
	ErrKindInternal           ErrorKind = "Internal"
)

// Sentinel errors for the error kinds that propagate between components.
// Wrap with fmt.Errorf("...: %w", ...) and classify with KindOf.
var (
	ErrBackendUnavailable = errors.New("isolation backend unavailable")
	ErrImagePullFailed    = errors.New("image pull failed")
	ErrStartFailed        = errors.New("sandbox start failed")
	ErrTimeout            = errors.New("wall-clock limit exceeded")
	ErrOutOfMemory        = errors.New("memory limit exceeded")
	ErrQueueFull          = errors.New("sandbox queue full")
	ErrBadRequest         = errors.New("malformed execution request")
)

// KindOf maps an error to its kind. Unrecognized errors are Internal.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrBackendUnavailable):
		return ErrKindBackendUnavailable
	case errors.Is(err, ErrImagePullFailed):
		return ErrKindImagePullFailed
	case errors.Is(err, ErrStartFailed):
		return ErrKindStartFailed
	case errors.Is(err, ErrTimeout):
		return ErrKindTimeout
	case errors.Is(err, ErrOutOfMemory):
		return ErrKindOutOfMemory
	case errors.Is(err, ErrQueueFull):
		return ErrKindQueueFull
	case errors.Is(err, ErrBadRequest):
		return ErrKindBadRequest
	}
	return ErrKindInternal
}

// KindSurfacesAsError reports whether a kind yields success=false with an
// error block. All other kinds produce a populated data block instead:
// policy denials and payload failures are observable behavior of the
// sandboxed payload, not failures of the core.
func KindSurfacesAsError(k ErrorKind) bool {
	switch k {
	case ErrKindBadRequest, ErrKindBackendUnavailable, ErrKindQueueFull, ErrKindInternal:
		return true
	}
	return false
}
