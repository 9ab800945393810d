// Package errors provides error wrapping utilities and the failure
// classification used to decide retry behavior for registry and
// index-service operations.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Kind classifies a failure for retry and terminal-state decisions.
type Kind int

const (
	// KindFatal failures terminate the owning request immediately.
	KindFatal Kind = iota
	// KindTransient failures may be retried within the owning component.
	KindTransient
	// KindAuth failures are never retried.
	KindAuth
	// KindNotFound failures are never retried.
	KindNotFound
	// KindMalformed marks unparseable image references, never retried.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindMalformed:
		return "malformed_reference"
	default:
		return "fatal"
	}
}

// Classified is an error carrying a failure Kind.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string {
	return c.Err.Error()
}

func (c *Classified) Unwrap() error {
	return c.Err
}

// Fatal wraps err as a fatal-to-request failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: KindFatal, Err: err}
}

// Fatalf creates a fatal-to-request failure from a format string.
func Fatalf(format string, args ...any) error {
	return &Classified{Kind: KindFatal, Err: fmt.Errorf(format, args...)}
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: KindTransient, Err: err}
}

// Auth wraps err as an authentication failure.
func Auth(err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: KindAuth, Err: err}
}

// NotFound wraps err as a missing-image failure.
func NotFound(err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: KindNotFound, Err: err}
}

// Malformed wraps err as a malformed-reference failure.
func Malformed(err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: KindMalformed, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are fatal.
func KindOf(err error) Kind {
	var c *Classified
	if stderrors.As(err, &c) {
		return c.Kind
	}
	return KindFatal
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
