package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and transport mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidTransition
	KindInvalidInput
	KindStorageFailure
	KindCryptoFailure
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindInvalidInput:
		return "invalid_input"
	case KindStorageFailure:
		return "storage_failure"
	case KindCryptoFailure:
		return "crypto_failure"
	default:
		return "unknown"
	}
}

// Error is the single error type returned across the service boundary.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrStorageFailure    = &Error{Kind: KindStorageFailure}
	ErrCryptoFailure     = &Error{Kind: KindCryptoFailure}
)

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

func newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error.
func NotFound(op, format string, args ...interface{}) error {
	return newf(KindNotFound, op, format, args...)
}

// InvalidTransition builds a KindInvalidTransition error.
func InvalidTransition(op, format string, args ...interface{}) error {
	return newf(KindInvalidTransition, op, format, args...)
}

// InvalidInput builds a KindInvalidInput error.
func InvalidInput(op, format string, args ...interface{}) error {
	return newf(KindInvalidInput, op, format, args...)
}

// Storage wraps a persistence error.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindStorageFailure, Op: op, Err: err}
}

// Crypto wraps a key or authentication failure.
func Crypto(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindCryptoFailure, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
