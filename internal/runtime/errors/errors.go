// Package errors defines the failure kinds surfaced by the receive and dispatch engine.
//
// Kinds are sentinel values matched with errors.Is. Operator-visible failures are
// wrapped in *Error, which renders a stable descriptive prefix followed by the
// original cause's message.
package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	// ErrConfiguration marks missing or placeholder settings. Fatal, never retried.
	ErrConfiguration = sterrors.New("sbflow: configuration error")
	// ErrSessionUnavailable marks a specific session that could not be locked.
	ErrSessionUnavailable = sterrors.New("sbflow: session unavailable")
	// ErrNoSessionsAvailable marks a next-available acceptance that found nothing to claim.
	ErrNoSessionsAvailable = sterrors.New("sbflow: no sessions available")
	// ErrTransport marks connectivity failures once the client retry policy is exhausted.
	ErrTransport = sterrors.New("sbflow: transport error")
	// ErrStateCodec marks a session state payload that could not be encoded or decoded.
	ErrStateCodec = sterrors.New("sbflow: session state codec error")
	// ErrSink marks a failure returned by the downstream sink.
	ErrSink = sterrors.New("sbflow: sink error")

	ErrConnectionClosing = sterrors.New("sbflow: connection is closing")
	ErrRegistryClosed    = sterrors.New("sbflow: session registry is closed")
	ErrIdle              = sterrors.New("sbflow: receive handle idle")
	ErrAlreadyStarted    = sterrors.New("sbflow: service already started")
	ErrSinkRequired      = sterrors.New("sbflow: sink is required")
	ErrEntityRequired    = sterrors.New("sbflow: destination entity is required")
	ErrLoggerRequired    = sterrors.New("sbflow: logger is required")
	ErrConfigRequired    = sterrors.New("sbflow: config is required")
	ErrPublisherRequired = sterrors.New("sbflow: publisher is required")
	ErrTopicRequired     = sterrors.New("sbflow: sink topic is required")
)

// Error carries a failure kind, a stable human readable prefix and the cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

// New wraps cause under kind with the given prefix.
func New(kind error, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Newf is New with a formatted prefix.
func Newf(kind error, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err == nil {
		return msg
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error's kind in addition to its wrapped chain.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// KindOf returns the first known kind found in err's chain, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		ErrConfiguration,
		ErrSessionUnavailable,
		ErrNoSessionsAvailable,
		ErrStateCodec,
		ErrSink,
		ErrIdle,
		ErrConnectionClosing,
		ErrRegistryClosed,
		ErrTransport,
	} {
		if sterrors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsSessionError reports whether err should trigger session recovery rather than
// be surfaced to the operator as a fatal failure.
func IsSessionError(err error) bool {
	switch KindOf(err) {
	case ErrSessionUnavailable, ErrNoSessionsAvailable, ErrTransport, nil:
		return err != nil
	default:
		return false
	}
}
