package backend

import (
	"errors"
	"fmt"
)

// FallbackMessage is shown when a failure carries no usable message.
const FallbackMessage = "An unexpected error occurred"

type Kind string

const (
	KindNetwork      Kind = "network"
	KindUnauthorized Kind = "unauthorized"
	KindValidation   Kind = "validation"
	KindServerError  Kind = "server_error"
)

// Error is the single failure shape returned by Client. Message is always
// safe to show to the user.
type Error struct {
	Kind      Kind
	Status    int
	Message   string
	MessageAR string
	Path      string
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("backend %s %s (%d): %s", e.Kind, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("backend %s %s: %s", e.Kind, e.Path, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a backend error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

func IsUnauthorized(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindUnauthorized
}

// Message returns the user-facing text for err.
func Message(err error) string {
	var be *Error
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	return FallbackMessage
}

func kindForStatus(status int) Kind {
	switch {
	case status == 401:
		return KindUnauthorized
	case status >= 400 && status < 500:
		return KindValidation
	default:
		return KindServerError
	}
}
