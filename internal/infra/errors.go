package infra

import "errors"

// Kind classifies adapter failures for the executor's retry decision.
type Kind string

const (
	KindTransient   Kind = "transient"
	KindPermanent   Kind = "permanent"
	KindConsistency Kind = "consistency"
)

var ErrCredentialsMissing = errors.New("generated credentials not found")

type kindError struct {
	kind  Kind
	cause error
}

func (e kindError) Error() string {
	if e.cause == nil {
		return string(e.kind) + " error"
	}
	return e.cause.Error()
}

func (e kindError) Unwrap() error {
	return e.cause
}

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return kindError{kind: kind, cause: err}
}

// Transient marks a failure that may succeed on retry (timeouts, 5xx, locks).
func Transient(err error) error { return wrap(KindTransient, err) }

// Permanent marks a failure that will not succeed on retry.
func Permanent(err error) error { return wrap(KindPermanent, err) }

// Consistency marks a failed post-condition: the operation reported success
// but the resource is not observable, or a precondition resource vanished.
func Consistency(err error) error { return wrap(KindConsistency, err) }

// KindOf returns the outermost classification. Unclassified errors are
// transient; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var target kindError
	if errors.As(err, &target) {
		return target.kind
	}
	return KindTransient
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
