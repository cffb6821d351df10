package scheduling

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures for transport mapping.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindNotFound        ErrorKind = "not_found"
	KindForbidden       ErrorKind = "forbidden"
	KindRateLimited     ErrorKind = "rate_limited"
	KindPaymentRequired ErrorKind = "payment_required"
	KindCapacity        ErrorKind = "capacity"
	KindConflict        ErrorKind = "conflict"
)

// Error is a classified domain failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Field   string

	// Capacity failures report the counter and its cap.
	Current int
	Max     int

	// Rate limited failures report when the action becomes available again.
	NextAvailableAt time.Time

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a domain error from err.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of a domain error, or "" for unclassified errors.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}

func validationError(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

func notFoundError(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// threadNotVisible hides threads owned by someone else.
func threadNotVisible() *Error {
	return &Error{Kind: KindForbidden, Message: "thread not found"}
}

func capacityError(message string, current, max int) *Error {
	return &Error{Kind: KindCapacity, Message: message, Current: current, Max: max}
}

func rateLimitedError(next time.Time) *Error {
	return &Error{
		Kind:            KindRateLimited,
		Message:         fmt.Sprintf("reminders are rate limited until %s", next.UTC().Format(time.RFC3339)),
		NextAvailableAt: next,
	}
}

func paymentRequiredError(reason string) *Error {
	if reason == "" {
		reason = "billing does not allow this action"
	}
	return &Error{Kind: KindPaymentRequired, Message: reason}
}

func conflictError(message string, err error) *Error {
	return &Error{Kind: KindConflict, Message: message, Err: err}
}
