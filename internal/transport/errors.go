package transport

import (
	"errors"
	"fmt"
	"time"
)

// Error classification happens once, at the sender boundary. Everything the
// delivery retry loop needs to know is expressed by the three markers below:
//
//   - Permanent: do not retry (4xx-class application errors).
//   - Unreachable: permanent, and the recipient should be suppressed
//     (blocked the bot, deactivated account, chat gone).
//   - RetryAfter: transient with an explicit server-provided delay hint.
//
// Anything unwrapped (network errors, 5xx) is transient by default.

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is marked Permanent (or Unreachable).
func IsPermanent(err error) bool {
	var p permanentError
	if errors.As(err, &p) {
		return true
	}
	var u unreachableError
	return errors.As(err, &u)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// Unreachable marks an error as permanent with a recipient-gone cause.
// The reason is a short machine-readable token ("blocked", "deactivated",
// "chat_not_found", ...) recorded by the unreachable-recipient registry.
func Unreachable(err error, reason string) error {
	if err == nil {
		return nil
	}
	return unreachableError{err: err, reason: reason}
}

// UnreachableReason extracts the suppression reason, if err carries one.
func UnreachableReason(err error) (string, bool) {
	var u unreachableError
	if errors.As(err, &u) {
		return u.reason, true
	}
	return "", false
}

type unreachableError struct {
	err    error
	reason string
}

func (e unreachableError) Error() string { return fmt.Sprintf("unreachable(%s): %v", e.reason, e.err) }
func (e unreachableError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before retrying.
//
// This is used when the platform returns a Retry-After value (HTTP 429).
// The delivery loop respects the hint (bounded by its max delay) and still
// applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
