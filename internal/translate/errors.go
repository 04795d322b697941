package translate

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure for the caller.
type ErrorKind int

const (
	// Unparseable means the source bytes did not yield a valid document.
	Unparseable ErrorKind = iota
	// InvalidRequest is an impossible caller combination.
	InvalidRequest
	// ProviderExhausted means primary and secondary (if any) both failed.
	ProviderExhausted
	// AlignmentUnrecoverable means the output index set still diverged
	// after recovery.
	AlignmentUnrecoverable
	// Cancelled is a cooperative abort; partials are preserved.
	Cancelled
	// StorageUnavailable is only surfaced when no translation could be
	// produced at all; with bytes in hand the pipeline degrades silently.
	StorageUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case Unparseable:
		return "unparseable"
	case InvalidRequest:
		return "invalid-request"
	case ProviderExhausted:
		return "provider-exhausted"
	case AlignmentUnrecoverable:
		return "alignment-unrecoverable"
	case Cancelled:
		return "cancelled"
	case StorageUnavailable:
		return "storage-unavailable"
	}
	return "unknown"
}

// TranslateError is the orchestrator's structured failure.
type TranslateError struct {
	Kind ErrorKind
	// PrimaryFailure and SecondaryFailure carry the provider diagnostics
	// for ProviderExhausted.
	PrimaryFailure   string
	SecondaryFailure string
	Err              error
}

func (e *TranslateError) Error() string {
	msg := "translate: " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.PrimaryFailure != "" {
		msg += fmt.Sprintf(" (primary: %s)", e.PrimaryFailure)
	}
	if e.SecondaryFailure != "" {
		msg += fmt.Sprintf(" (secondary: %s)", e.SecondaryFailure)
	}
	return msg
}

func (e *TranslateError) Unwrap() error { return e.Err }

// KindOf extracts the pipeline error kind, if err is a TranslateError.
func KindOf(err error) (ErrorKind, bool) {
	var te *TranslateError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

func failed(kind ErrorKind, err error) *TranslateError {
	return &TranslateError{Kind: kind, Err: err}
}
