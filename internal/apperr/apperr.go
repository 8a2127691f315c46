// Package apperr defines the error taxonomy shared by every engine. An
// Error carries a coarse Code that callers branch on and a finer Reason
// that explains the specific failure. Handlers translate codes into
// HTTP statuses; nothing below the handler layer knows about HTTP.
package apperr

import (
	"errors"
	"fmt"
)

// Code is the coarse error category.
type Code string

const (
	Validation        Code = "VALIDATION"
	Contention        Code = "CONTENTION"
	NotFound          Code = "NOT_FOUND"
	Unauthorized      Code = "UNAUTHORIZED"
	SequenceViolation Code = "SEQUENCE_VIOLATION"
	Internal          Code = "INTERNAL"
)

// Reasons refine a Code.
const (
	ReasonNotFound        = "NOT_FOUND"
	ReasonExpired         = "EXPIRED"
	ReasonIncorrect       = "INCORRECT"
	ReasonWrongStation    = "WRONG_STATION"
	ReasonWrongSequence   = "WRONG_SEQUENCE"
	ReasonInvalidRoute    = "INVALID_ROUTE"
	ReasonNotServing      = "NOT_SERVING"
	ReasonStationInactive = "STATION_INACTIVE"
	ReasonGenderMismatch  = "GENDER_MISMATCH"
	ReasonNotOnRoute      = "NOT_ON_ROUTE"
	ReasonLockBusy        = "LOCK_BUSY"
	ReasonStorage         = "STORAGE"
	ReasonInvalidInput    = "INVALID_INPUT"
)

// Error is the structured error returned by the engines.
type Error struct {
	Code    Code   // category
	Reason  string // finer cause, may be empty
	Message string // human readable detail
	Err     error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Reason != "" && e.Reason != string(e.Code) {
		msg += "/" + e.Reason
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code and, when the target sets one, by
// reason. This lets callers write errors.Is(err, apperr.New(apperr.NotFound, "", "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New builds an Error with a formatted message.
func New(code Code, reason, format string, args ...any) *Error {
	return &Error{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a lower level cause.
func Wrap(err error, code Code, reason, format string, args ...any) *Error {
	return &Error{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...), Err: err}
}

// Storage wraps a backend failure as INTERNAL/STORAGE unless it already
// carries a code.
func Storage(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	return Wrap(err, Internal, ReasonStorage, "%s", op)
}

// As extracts the *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns err's code, INTERNAL for foreign errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return Internal
}

// ReasonOf returns err's reason or "".
func ReasonOf(err error) string {
	if e, ok := As(err); ok {
		return e.Reason
	}
	return ""
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool { return CodeOf(err) == code }
