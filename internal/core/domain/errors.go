package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures so callers can decide between fixing input,
// retrying, or escalating without inspecting messages.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindStateConflict ErrorKind = "state_conflict"
	KindTransient     ErrorKind = "transient_infra"
	KindFatalChain    ErrorKind = "fatal_chain"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrStateConflict = &Error{Kind: KindStateConflict}
	ErrTransient     = &Error{Kind: KindTransient}
	ErrFatalChain    = &Error{Kind: KindFatalChain}
)

// Error is the typed failure returned by the ledger, reconciliation and bridge
// services. Field and Value name the offending input when there is one.
type Error struct {
	Kind  ErrorKind
	Op    string
	Field string
	Value any
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s=%v)", e.Field, e.Value)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality, so errors.Is(err, ErrNotFound) works for any
// not-found error regardless of its details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is safe to retry without corrupting state.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

func ValidationError(op, field string, value any, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Field: field, Value: value, Msg: msg}
}

func NotFoundError(op, field string, value any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Field: field, Value: value, Msg: "not found"}
}

func StateConflictError(op, field string, value any, msg string) *Error {
	return &Error{Kind: KindStateConflict, Op: op, Field: field, Value: value, Msg: msg}
}

func TransientError(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func FatalChainError(op, field string, value any, msg string) *Error {
	return &Error{Kind: KindFatalChain, Op: op, Field: field, Value: value, Msg: msg}
}
