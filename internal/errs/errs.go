// Package errs implements the core's error taxonomy.
package errs

import "fmt"

// Kind classifies an error for HTTP status mapping and logging.
type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	Conflict
	Forbidden
	Authentication
	TokenTheft
	InvalidTransition
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Forbidden:
		return "forbidden"
	case Authentication:
		return "authentication"
	case TokenTheft:
		return "token_theft"
	case InvalidTransition:
		return "invalid_transition"
	default:
		return "internal"
	}
}

// Error is the typed error carried across every layer of the core.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error        { return new_(Validation, format, args...) }
func NotFoundf(format string, args ...any) *Error           { return new_(NotFound, format, args...) }
func Conflictf(format string, args ...any) *Error           { return new_(Conflict, format, args...) }
func Forbiddenf(format string, args ...any) *Error          { return new_(Forbidden, format, args...) }
func Authenticationf(format string, args ...any) *Error     { return new_(Authentication, format, args...) }
func TokenTheftf(format string, args ...any) *Error         { return new_(TokenTheft, format, args...) }
func InvalidTransitionf(format string, args ...any) *Error  { return new_(InvalidTransition, format, args...) }

// Internalf wraps an unexpected I/O, database, or provider error.
func Internalf(cause error, format string, args ...any) *Error {
	return &Error{Kind: Internal, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to Internal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if ok := errorsAs(err, &e); ok {
		return e.Kind
	}
	return Internal
}

// Safe reports the message that is safe to surface to a client: the typed
// message for known kinds, a generic string for Internal (never the raw
// cause, which may leak provider or database detail).
func Safe(err error) string {
	var e *Error
	if errorsAs(err, &e) {
		if e.Kind == Internal {
			return "internal error"
		}
		return e.Message
	}
	return "internal error"
}

func errorsAs(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
