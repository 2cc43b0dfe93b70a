package errors

import (
	stderrors "errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// Kind classifies a failure of the submission stack.
type Kind string

const (
	// KindKernelRequestFailed marks a device-node call that returned an error code.
	KindKernelRequestFailed Kind = "kernel_request_failed"
	// KindResourceExhausted marks a full ring or a denied allocation.
	KindResourceExhausted Kind = "resource_exhausted"
	// KindInvalidUsage marks a caller error, such as pushing an argument into an inline command.
	KindInvalidUsage Kind = "invalid_usage"
	// KindStateViolation marks use of an object in a state that does not allow it.
	KindStateViolation Kind = "state_violation"
	// KindResourceLeak marks a failed release of kernel resources. It is not recoverable.
	KindResourceLeak Kind = "resource_leak"
)

// Sentinels for errors.Is matching on the kind only.
var (
	ErrKernelRequestFailed = &Error{Kind: KindKernelRequestFailed}
	ErrResourceExhausted   = &Error{Kind: KindResourceExhausted}
	ErrInvalidUsage        = &Error{Kind: KindInvalidUsage}
	ErrStateViolation      = &Error{Kind: KindStateViolation}
	ErrResourceLeak        = &Error{Kind: KindResourceLeak}
)

// Error is the error type returned by every package of the stack.
type Error struct {
	Kind    Kind
	Op      string
	Errno   syscall.Errno
	Message string
	Context map[string]interface{}
	wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", msg, e.wrapped)
	}
	return msg
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.wrapped
}

// Is reports whether target is the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.wrapped == nil && t.Kind == e.Kind
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Kernel wraps the failure of a device-node request. The errno, if any, is kept.
func Kernel(op string, err error) *Error {
	e := &Error{Kind: KindKernelRequestFailed, Op: op, wrapped: err}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		e.Errno = errno
	}
	return e
}

// Exhausted reports a resource exhaustion.
func Exhausted(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindResourceExhausted, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Invalid reports a usage error.
func Invalid(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidUsage, Op: op, Message: fmt.Sprintf(format, args...)}
}

// State reports a state violation.
func State(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindStateViolation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Interrupted reports an operation stopped by its context. err is the
// context error and stays matchable with errors.Is.
func Interrupted(op string, err error) *Error {
	return &Error{Kind: KindStateViolation, Op: op, Message: "interrupted", wrapped: err}
}

// Leak reports a failure to release kernel resources.
func Leak(op string, err error) *Error {
	e := &Error{Kind: KindResourceLeak, Op: op, Message: "resource leaked", wrapped: err}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		e.Errno = errno
	}
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Errno extracts the kernel error code carried by err.
func Errno(err error) (syscall.Errno, bool) {
	var e *Error
	if stderrors.As(err, &e) && e.Errno != 0 {
		return e.Errno, true
	}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// IsFatal reports whether err means kernel resources could not be released.
func IsFatal(err error) bool {
	return stderrors.Is(err, ErrResourceLeak)
}

// Report logs err with a level chosen from its kind. Leaks are logged at error
// level with a stack trace, caller errors at warn, the rest at info.
func Report(logger *zap.Logger, msg string, err error) {
	if err == nil || logger == nil {
		return
	}

	fields := []zap.Field{
		zap.String("kind", string(KindOf(err))),
		zap.Error(err),
	}
	if errno, ok := Errno(err); ok {
		fields = append(fields, zap.Int("errno", int(errno)))
	}
	var e *Error
	if stderrors.As(err, &e) && len(e.Context) > 0 {
		fields = append(fields, zap.Any("context", e.Context))
	}

	switch KindOf(err) {
	case KindResourceLeak:
		logger.Error(msg, append(fields, zap.Stack("stack"))...)
	case KindInvalidUsage, KindStateViolation:
		logger.Warn(msg, fields...)
	default:
		logger.Info(msg, fields...)
	}
}
