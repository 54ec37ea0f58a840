package timeindex

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes understood by automated handlers. The HTTP layer maps them to
// status codes; everything else should treat them as opaque.
const (
	EInternal    = "internal error"
	ENotFound    = "not found"
	EConflict    = "conflict"
	EInvalid     = "invalid"
	EUnavailable = "unavailable" // transient backend failure, retry-eligible
	EClosed      = "closed"      // engine has been closed
	ECorrupt     = "corrupt"     // stored bitmap failed to deserialize
)

// Error is the coded error of the timeindex platform.
//
// Code targets automated handlers so that recovery can occur. Msg is for the
// operator. Op and Err chain errors into a logical stack trace.
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		var b strings.Builder
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
		return b.String()
	} else if e.Msg != "" {
		return e.Msg
	} else if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("<%s>", e.Code)
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the code of the outermost coded error in err's chain
// that carries a non-empty code, or EInternal for uncoded errors. A nil err
// yields the empty string.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return EInternal
	}
	for e.Code == "" && e.Err != nil {
		var inner *Error
		if !errors.As(e.Err, &inner) {
			break
		}
		e = inner
	}
	if e.Code == "" {
		return EInternal
	}
	return e.Code
}

// ErrClosed returns the error every operation reports after Close.
func ErrClosed(op string) error {
	return &Error{Code: EClosed, Op: op, Msg: "index engine is closed"}
}
