package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is a coded failure with an optional cause and caller-safe details.
// The With* setters mutate and return the receiver so they chain off New.
type Error struct {
	code      Code
	message   string
	details   any
	operation string
	entityID  string
	cause     error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches cause; a nil cause behaves like New.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{code: code, message: message, cause: cause}
}

func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

// WithContext records the attempted operation and the entity it targeted.
func (e *Error) WithContext(operation, entityID string) *Error {
	if e != nil {
		e.operation, e.entityID = operation, entityID
	}
	return e
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) Operation() string {
	if e == nil {
		return ""
	}
	return e.operation
}

func (e *Error) EntityID() string {
	if e == nil {
		return ""
	}
	return e.entityID
}

func (e *Error) Retryable() bool { return MetadataFor(e.Code()).Retryable }

// Fields flattens the code, context and cause for log attachment.
func (e *Error) Fields() map[string]any {
	if e == nil {
		return nil
	}
	fields := map[string]any{"error_code": string(e.code)}
	for key, value := range map[string]string{"operation": e.operation, "entity_id": e.entityID} {
		if value != "" {
			fields[key] = value
		}
	}
	if e.cause != nil {
		fields["cause"] = e.cause.Error()
	}
	return fields
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As returns the outermost *Error in err's chain, or nil.
func As(err error) *Error {
	var typed *Error
	if err != nil && stderrors.As(err, &typed) {
		return typed
	}
	return nil
}

func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

// Retryable reports whether err carries a retryable code. Untyped errors are not.
func Retryable(err error) bool {
	typed := As(err)
	return typed != nil && typed.Retryable()
}

// IsDataError reports failures caused by the referenced data itself
// (missing entity, duplicate key) rather than by infrastructure.
func IsDataError(err error) bool {
	return IsCode(err, CodeNotFound) || IsCode(err, CodeConflict)
}
