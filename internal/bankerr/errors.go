// Package bankerr defines the error taxonomy shared by the ledger, the
// instrument engine, the withdrawal workflow and the orchestration client.
package bankerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a failure so callers can tell "nothing happened" from
// "some effects happened" and decide whether to retry or abandon.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindForbiddenAccount  Kind = "forbidden_account"
	KindForbidden         Kind = "forbidden"
	KindInvalidState      Kind = "invalid_state"
	KindUnauthorized      Kind = "unauthorized"
	KindNotFound          Kind = "not_found"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindConflict          Kind = "conflict"
	KindPartialFailure    Kind = "partial_failure"
	KindInternal          Kind = "internal_error"
)

// Sentinels usable with errors.Is.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrForbiddenAccount  = &Error{Kind: KindForbiddenAccount}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrPartialFailure    = &Error{Kind: KindPartialFailure}
	ErrInternal          = &Error{Kind: KindInternal}
)

// Error is a classified domain error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is regardless of Op and Msg.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds a classified error.
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) *Error {
	return E(KindValidation, op, format, args...)
}

func InvalidState(op, format string, args ...any) *Error {
	return E(KindInvalidState, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return E(KindNotFound, op, format, args...)
}

func Forbidden(op, format string, args ...any) *Error {
	return E(KindForbidden, op, format, args...)
}

// Wrap classifies err under kind, keeping it in the chain.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of the first classified error in err's chain.
// Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pf *PartialFailureError
	if errors.As(err, &pf) {
		return KindPartialFailure
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PartialFailureError reports a multi-call action where some sub-operations
// took effect and others did not. Nothing is rolled back.
type PartialFailureError struct {
	Op        string
	Succeeded []string
	Failed    map[string]error
}

func (e *PartialFailureError) Error() string {
	names := e.FailedNames()
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s (%v)", n, e.Failed[n]))
	}
	return fmt.Sprintf("%s: partial failure: %d succeeded, failed: %s", e.Op, len(e.Succeeded), strings.Join(parts, "; "))
}

// FailedNames returns the failed sub-operation names in sorted order.
func (e *PartialFailureError) FailedNames() []string {
	names := make([]string, 0, len(e.Failed))
	for n := range e.Failed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (e *PartialFailureError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindPartialFailure
}
