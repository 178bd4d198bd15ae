package domain

import (
	"errors"
	"fmt"

	"github.com/kiwari-pos/terminal/internal/enum"
)

// RemoteError is a classified failure from the order-of-record service.
// The Reason tells callers whether to retry, surface, or materialize a
// conflict; see enum.Failure*.
type RemoteError struct {
	Reason  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote: %s: %s", e.Reason, e.Message)
}

// NewRemoteError builds a RemoteError with the given reason.
func NewRemoteError(reason, format string, args ...any) *RemoteError {
	return &RemoteError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf classifies any error from a remote call. Anything that is not
// an explicit RemoteError (timeouts, refused connections, cancelled
// contexts) counts as connectivity: retrying is the safe default for an
// unclassified transport failure.
func ReasonOf(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Reason
	}
	return enum.FailureConnectivity
}

// Retryable reports whether the failure should be retried later rather
// than surfaced as final.
func Retryable(err error) bool {
	return ReasonOf(err) == enum.FailureConnectivity
}
