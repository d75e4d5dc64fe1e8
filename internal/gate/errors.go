package gate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSecurityRejection covers denylist and policy rejections.
	ErrSecurityRejection = errors.New("security rejection")
	// ErrRateLimitExceeded is returned when a tool's window is full.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrValidation is returned for malformed or oversized parameters.
	ErrValidation = errors.New("parameter validation failed")
)

// Kind classifies a rejection.
type Kind string

const (
	KindSecurity   Kind = "security"
	KindPolicy     Kind = "policy"
	KindRateLimit  Kind = "rate_limit"
	KindValidation Kind = "validation"
	KindBudget     Kind = "budget"
)

// Rejection is the single human-readable reason a call was blocked.
type Rejection struct {
	Kind       Kind
	Hook       string
	Reason     string
	Retryable  bool
	RetryAfter time.Duration

	cause error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s rejected by %s: %s", r.Kind, r.Hook, r.Reason)
}

// Unwrap returns the underlying cause, or the sentinel for the kind.
func (r *Rejection) Unwrap() error {
	if r.cause != nil {
		return r.cause
	}
	switch r.Kind {
	case KindSecurity, KindPolicy:
		return ErrSecurityRejection
	case KindRateLimit:
		return ErrRateLimitExceeded
	case KindValidation:
		return ErrValidation
	}
	return nil
}

func reject(kind Kind, hook, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Hook: hook, Reason: fmt.Sprintf(format, args...)}
}
