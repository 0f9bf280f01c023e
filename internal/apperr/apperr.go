// Package apperr tags failures with the kind the HTTP boundary maps to a
// status code.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/getsentry/sentry-go"
)

type Kind int

const (
	// KindDependency covers upstream API, inference and file I/O failures.
	KindDependency Kind = iota
	KindInvalidInput
	KindUnavailable
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUnavailable:
		return "unavailable"
	case KindNotFound:
		return "not_found"
	default:
		return "dependency"
	}
}

// Error is a failure with a kind and a caller-facing message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
	// Stack is captured for dependency failures only.
	Stack []byte
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil && e.Msg != e.Err.Error():
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Msg: fmt.Sprintf(format, args...)}
}

// InvalidInputErr tags err as a client error, keeping err's text as the message.
func InvalidInputErr(err error) *Error {
	return &Error{Kind: KindInvalidInput, Msg: err.Error(), Err: err}
}

func Unavailable(format string, args ...any) *Error {
	return &Error{Kind: KindUnavailable, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Dependency wraps err as a server-side failure. msg may be empty, in which
// case err's text is what the caller sees.
func Dependency(err error, msg string) *Error {
	return &Error{Kind: KindDependency, Msg: msg, Err: err, Stack: debug.Stack()}
}

// KindOf returns the kind of the outermost tagged error in err's chain.
// Untagged errors are dependency failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDependency
}

// Message returns the text shown to the caller.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return err.Error()
}

// StackOf returns the captured stack, if any.
func StackOf(err error) []byte {
	var e *Error
	if errors.As(err, &e) {
		return e.Stack
	}
	return nil
}

// HTTPStatus maps err to a status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Report sends dependency failures to Sentry when a client is configured.
func Report(ctx context.Context, err error) {
	if err == nil || KindOf(err) != KindDependency {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	if hub.Client() == nil {
		return
	}
	hub.CaptureException(err)
}
