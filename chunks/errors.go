package chunks

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError reports an unsatisfiable configuration: an impossible
// chunk layout, a fraction outside [0,1], a conflicting explicit capacity.
// It is fatal and surfaced at construction, never retried.
type ConfigurationError struct {
	msg string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string { return e.msg }

// Configurationf creates a ConfigurationError with a stack trace.
func Configurationf(format string, args ...any) error {
	return errors.WithStack(&ConfigurationError{msg: fmt.Sprintf(format, args...)})
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// ChunkBusyError reports a transition or exclusive operation requested while
// the chunk still has in-flight operations. Recoverable: retry once the
// outstanding operation completes.
type ChunkBusyError struct {
	ChunkID  int
	InFlight int
}

// Error implements the error interface.
func (e *ChunkBusyError) Error() string {
	return fmt.Sprintf("chunk %d is busy with %d in-flight operation(s)", e.ChunkID, e.InFlight)
}

// IsChunkBusy reports whether err is (or wraps) a ChunkBusyError.
func IsChunkBusy(err error) bool {
	var target *ChunkBusyError
	return errors.As(err, &target)
}
