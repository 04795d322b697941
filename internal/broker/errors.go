package broker

import (
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies a provider failure for retry and failover decisions.
type ErrorKind int

const (
	// RateLimited is HTTP 429 or a provider-specific throttle signal.
	RateLimited ErrorKind = iota
	// Transient is a 5xx, connection reset or timeout.
	Transient
	// AuthFailed is HTTP 401/403.
	AuthFailed
	// InvalidRequest is any other 4xx, or an impossible parameter
	// combination caught before the request is sent.
	InvalidRequest
	// Fatal is a schema violation in the provider's response envelope.
	Fatal
	// ShapeMismatch means the translated payload did not contain exactly
	// the requested indices.
	ShapeMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case RateLimited:
		return "rate-limited"
	case Transient:
		return "transient"
	case AuthFailed:
		return "auth-failed"
	case InvalidRequest:
		return "invalid-request"
	case Fatal:
		return "fatal"
	case ShapeMismatch:
		return "shape-mismatch"
	}
	return "unknown"
}

// ProviderError is the broker's typed failure. Missing and Extra are only
// populated for ShapeMismatch.
type ProviderError struct {
	Kind     ErrorKind
	Provider ProviderID
	Status   int
	Message  string
	Missing  []int
	Extra    []int

	// retryAfter carries the provider's Retry-After hint for RateLimited.
	retryAfter time.Duration
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provider %s: %s", e.Provider, e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " missing=%v", e.Missing)
	}
	if len(e.Extra) > 0 {
		fmt.Fprintf(&b, " extra=%v", e.Extra)
	}
	return b.String()
}

// Retryable reports whether the retry loop may attempt the request again.
func (e *ProviderError) Retryable() bool {
	return e.Kind == RateLimited || e.Kind == Transient
}

func invalidRequest(p ProviderID, format string, args ...any) *ProviderError {
	return &ProviderError{Kind: InvalidRequest, Provider: p, Message: fmt.Sprintf(format, args...)}
}
