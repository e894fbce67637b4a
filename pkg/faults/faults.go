// Package faults classifies failures from external collaborators into the
// handling classes the job system understands:
//
//   - Transient: network blips and provider 5xx responses, retried with backoff
//   - RateLimited: provider throttling, retried after the provider-given delay
//     without consuming the normal retry budget
//   - AuthExpired: credential refresh failed, escalated for re-authentication
//     instead of retried
//   - Permanent: malformed or unsupported input, quarantined and never retried
//   - InvariantViolation: a defect (duplicate key, impossible state), logged
//     and surfaced operationally, never allowed to crash a worker
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the handling class of a failure.
type Kind int

const (
	KindTransient Kind = iota
	KindRateLimited
	KindAuthExpired
	KindPermanent
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuthExpired:
		return "auth_expired"
	case KindPermanent:
		return "permanent"
	case KindInvariant:
		return "invariant_violation"
	default:
		return "transient"
	}
}

// Fault attaches a handling class to an underlying error.
type Fault struct {
	Kind       Kind
	RetryAfter time.Duration // only meaningful for KindRateLimited
	Err        error
}

func (f *Fault) Error() string {
	if f.Kind == KindRateLimited && f.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s): %v", f.Kind, f.RetryAfter, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &Fault{Kind: KindTransient, Err: err}
}

// RateLimited wraps err as provider throttling with the delay the provider
// asked for. A zero retryAfter means "use the default backoff".
func RateLimited(err error, retryAfter time.Duration) error {
	return &Fault{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// AuthExpired wraps err as an unrecoverable credential failure.
func AuthExpired(err error) error {
	return &Fault{Kind: KindAuthExpired, Err: err}
}

// Permanent wraps err as a non-retryable input failure.
func Permanent(err error) error {
	return &Fault{Kind: KindPermanent, Err: err}
}

// Invariant wraps err as a detected defect.
func Invariant(err error) error {
	return &Fault{Kind: KindInvariant, Err: err}
}

// ClassOf reports the handling class of err. Unclassified errors are treated
// as transient, which is the safe default for at-least-once processing.
func ClassOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransient
}

// RetryAfterOf returns the provider-requested delay for a rate-limited error,
// or zero.
func RetryAfterOf(err error) time.Duration {
	var f *Fault
	if errors.As(err, &f) && f.Kind == KindRateLimited {
		return f.RetryAfter
	}
	return 0
}
