// Package apperr classifies failures so callers can decide between
// re-prompting, aborting a flow, or reporting a system fault.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindSystem Kind = iota
	KindValidation
	KindInsufficientFunds
	KindNotFound
	KindAlreadyProcessed
	KindExternalService
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindNotFound:
		return "not_found"
	case KindAlreadyProcessed:
		return "already_processed"
	case KindExternalService:
		return "external_service"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "system"
	}
}

// Error is a classified error. Msg is safe to show to the account holder.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind. A target with a message only
// matches when the messages are equal too, so package sentinels stay distinct.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Msg == "" || t.Msg == e.Msg
}

// kind sentinels, usable with errors.Is
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrAlreadyProcessed  = &Error{Kind: KindAlreadyProcessed}
	ErrExternalService   = &Error{Kind: KindExternalService}
	ErrSystem            = &Error{Kind: KindSystem}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
)

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

func Wrap(kind Kind, msg string, err error) *Error { return &Error{Kind: kind, Msg: msg, Err: err} }

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func External(msg string, err error) *Error {
	return &Error{Kind: KindExternalService, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindSystem.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindSystem
}

// Message returns the user-safe message carried by err, or "" for
// unclassified errors whose text must not reach the user.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return ""
}
