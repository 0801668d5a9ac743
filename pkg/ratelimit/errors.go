package ratelimit

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidClientID is returned for empty, oversized or non-printable client identifiers.
	ErrInvalidClientID = errors.New("invalid client identifier")

	// ErrBackendUnavailable reports that the distributed store could not be reached.
	// It is never fatal: the limiter keeps enforcing locally.
	ErrBackendUnavailable = errors.New("distributed backend unavailable")

	// ErrInternalStateCorruption marks per-client state that violated an invariant.
	// The affected client is reset rather than crashing the process.
	ErrInternalStateCorruption = errors.New("internal state corruption")
)

// ConfigValidationError lists every problem found in a policy. A policy that
// produces this error is never activated.
type ConfigValidationError struct {
	Problems []string
}

func (e *ConfigValidationError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return "invalid rate limit policy"
	}
	return "invalid rate limit policy: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigValidationError) add(problem string) {
	e.Problems = append(e.Problems, problem)
}

func (e *ConfigValidationError) orNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

// IsConfigValidationError reports whether err is (or wraps) a ConfigValidationError.
func IsConfigValidationError(err error) bool {
	var cfgErr *ConfigValidationError
	return errors.As(err, &cfgErr)
}
