package session

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is against an *Error.
var (
	ErrValidation     = errors.New("validation")
	ErrAuthentication = errors.New("authentication")
	ErrTransport      = errors.New("transport")
	ErrPersistence    = errors.New("persistence")
	ErrProtocol       = errors.New("protocol violation")
)

// ErrNotConnected is returned by every send made outside the Connected state.
var ErrNotConnected = errors.New("session: not connected")

// ErrClosed is returned once the manager has been shut down.
var ErrClosed = errors.New("session: manager closed")

// Error is a classified session failure. Message is the user-facing text;
// Code is the websocket close code when one was received.
type Error struct {
	Kind    error
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Blocking reports whether the error should interrupt the user with an
// alert. Persistence failures are shown as a passing notice instead.
func (e *Error) Blocking() bool {
	switch e.Kind {
	case ErrValidation, ErrAuthentication, ErrTransport:
		return true
	}
	return false
}

func validationError(msg string) *Error {
	return &Error{Kind: ErrValidation, Message: msg}
}
