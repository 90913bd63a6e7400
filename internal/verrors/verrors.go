// Package verrors classifies failures into the coarse kinds the RPC surface
// and the scheduler branch on. Kinds travel inside the error chain, so any
// layer can wrap with fmt.Errorf("...: %w", err) without losing the class.
package verrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind string

const (
	// KindValidation marks missing or mutually incompatible request inputs.
	KindValidation Kind = "validation"
	// KindAuth marks a bad or missing bearer token or an unknown key.
	KindAuth Kind = "auth"
	// KindConfigMissing marks required config that is absent: a platform
	// adapter without its credentials, or a server env var left unset.
	KindConfigMissing Kind = "config_missing"
	// KindUpstream marks a TTS/STT/judge/control-plane/object-store failure.
	KindUpstream Kind = "upstream_unavailable"
	// KindTimeout marks an expired wait: health, VAD, machine, builder.
	KindTimeout Kind = "timeout"
	// KindTransport marks an agent channel disconnect or refusal.
	KindTransport Kind = "transport"
	// KindInternal marks bug-class unexpected failures.
	KindInternal Kind = "internal"
)

// Code returns the JSON-RPC error code for the kind. Standard codes are used
// where one fits; the rest sit in the implementation-defined -32000 range.
func (k Kind) Code() int {
	switch k {
	case KindValidation:
		return -32602 // invalid params
	case KindAuth:
		return -32001
	case KindConfigMissing:
		return -32002
	case KindUpstream:
		return -32003
	case KindTimeout:
		return -32004
	case KindTransport:
		return -32005
	default:
		return -32603 // internal error
	}
}

// Error carries a Kind alongside the underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a format string.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. Returns nil when err is nil. An error
// already carrying a kind keeps it.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf reports the kind of err. Unclassified context expiry maps to
// KindTimeout; everything else unclassified is KindInternal.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }
