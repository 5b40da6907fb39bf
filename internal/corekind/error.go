package corekind

import "fmt"

// Error is the structured error every core boundary (Registry, Compiler,
// Engine) returns. It never crosses the public interface as a bare
// error string; callers type-assert to *Error to inspect Kind.
type Error struct {
	Kind    Kind
	Message string
	NodeID  string
	Attempt int
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: %s (node=%s)", e.Kind, e.Message, e.NodeID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a *Error with no wrapped cause.
func New(kind Kind, nodeID, msg string, args ...any) *Error {
	return &Error{Kind: kind, NodeID: nodeID, Message: fmt.Sprintf(msg, args...)}
}

// Wrap builds a *Error that wraps an underlying cause for %w unwrapping.
func Wrap(kind Kind, nodeID string, cause error, msg string, args ...any) *Error {
	return &Error{Kind: kind, NodeID: nodeID, Message: fmt.Sprintf(msg, args...), cause: cause}
}

// WithDetails attaches a details map and returns the same error for chaining.
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// WithAttempt records the attempt number an error occurred on.
func (e *Error) WithAttempt(n int) *Error {
	e.Attempt = n
	return e
}

// AsError type-asserts err into a *Error, returning (nil, false) otherwise.
func AsError(err error) (*Error, bool) {
	ce, ok := err.(*Error)
	return ce, ok
}
