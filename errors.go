package filebridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// Code is a stable error code surfaced across the boundary. The numeric
// values are part of the host contract and must not change.
type Code int32

const (
	StatusSuccess         Code = 0
	CodeNoSuchItem        Code = -1000
	CodeItemAlreadyExists Code = -1001
	CodeNotAuthenticated  Code = -1002
	CodeServerUnreachable Code = -1003
	CodeQuotaExceeded     Code = -1004
	CodeFilenameInvalid   Code = -1005
	CodeVersionOutOfDate  Code = -1006
	CodeCannotSync        Code = -1010
	CodeUnknown           Code = -9999
)

func (c Code) String() string {
	switch c {
	case StatusSuccess:
		return "success"
	case CodeNoSuchItem:
		return "no such item"
	case CodeItemAlreadyExists:
		return "item already exists"
	case CodeNotAuthenticated:
		return "not authenticated"
	case CodeServerUnreachable:
		return "server unreachable"
	case CodeQuotaExceeded:
		return "quota exceeded"
	case CodeFilenameInvalid:
		return "filename invalid"
	case CodeVersionOutOfDate:
		return "version out of date"
	case CodeCannotSync:
		return "cannot sync"
	default:
		return "unknown"
	}
}

// Error carries a stable code plus a descriptive message. It is the only
// error type that crosses the boundary.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates an Error with the given code and formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinel errors used by internal components. The translator maps each one
// onto the fixed code taxonomy.
var (
	ErrNotFound       = errors.New("not found")
	ErrExists         = errors.New("already exists")
	ErrUnauthorized   = errors.New("not authenticated")
	ErrUnavailable    = errors.New("backend unavailable")
	ErrQuota          = errors.New("quota exceeded")
	ErrInvalidName    = errors.New("invalid filename")
	ErrStaleVersion   = errors.New("version out of date")
	ErrSyncConflict   = errors.New("conflicting remote state")
	ErrShuttingDown   = errors.New("engine is shutting down")
	ErrNotInitialized = errors.New("engine not initialized")
)

// Translate maps any internal failure onto the fixed code taxonomy.
// Translation is total: every non-nil error produces an *Error, with
// unrecognized failures mapping to CodeUnknown. A nil error returns nil.
func Translate(err error) *Error {
	if err == nil {
		return nil
	}

	var fpErr *Error
	if errors.As(err, &fpErr) {
		return fpErr
	}

	code := CodeUnknown
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, fs.ErrNotExist):
		code = CodeNoSuchItem
	case errors.Is(err, ErrExists), errors.Is(err, fs.ErrExist):
		code = CodeItemAlreadyExists
	case errors.Is(err, ErrUnauthorized):
		code = CodeNotAuthenticated
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		code = CodeServerUnreachable
	case errors.Is(err, ErrQuota):
		code = CodeQuotaExceeded
	case errors.Is(err, ErrInvalidName):
		code = CodeFilenameInvalid
	case errors.Is(err, ErrStaleVersion):
		code = CodeVersionOutOfDate
	case errors.Is(err, ErrSyncConflict):
		code = CodeCannotSync
	case errors.Is(err, ErrShuttingDown), errors.Is(err, ErrNotInitialized):
		code = CodeServerUnreachable
	}

	return &Error{Code: code, Message: err.Error()}
}

// StatusOf collapses an error to its boundary status code.
func StatusOf(err error) Code {
	if err == nil {
		return StatusSuccess
	}
	return Translate(err).Code
}

// Retryable reports whether an operation that failed with err may be retried
// internally. Authorization and structural failures are never retried.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrExists),
		errors.Is(err, ErrInvalidName),
		errors.Is(err, ErrStaleVersion),
		errors.Is(err, ErrSyncConflict),
		errors.Is(err, ErrQuota),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
