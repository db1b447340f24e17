// Package errs defines the error taxonomy used across the gateway, router,
// agent loop, provider driver, and sandbox host. Kinds are sentinel values
// compared with errors.Is; callers wrap them with fmt.Errorf("...: %w", ...)
// to attach context, matching the plain-error-value style used elsewhere in
// this module.
package errs

import "errors"

// Kind identifies which class of failure an error belongs to.
type Kind error

var (
	Config       Kind = errors.New("config error")
	Auth         Kind = errors.New("auth error")
	Protocol     Kind = errors.New("protocol error")
	Routing      Kind = errors.New("routing error")
	Budget       Kind = errors.New("budget error")
	Provider     Kind = errors.New("provider error")
	Tool         Kind = errors.New("tool error")
	Sandbox      Kind = errors.New("sandbox error")
	Cancellation Kind = errors.New("cancellation")
)

// Wrap attaches kind to err so errors.Is(wrapped, kind) succeeds while
// preserving err's message and chain.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// New builds a kinded error directly from a message, without an underlying
// cause to wrap.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, err: errors.New(msg)}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Is(target error) bool {
	return target == e.kind
}
