package results

import "fmt"

// Kind is one of the caller-visible error codes the results endpoint
// returns, per spec.md §6/§7.
type Kind string

const (
	KindInvalidCallDepth Kind = "INVALID_CALL_DEPTH"
	KindInternalError    Kind = "INTERNAL_ERROR"
)

// Error is the results endpoint's caller-visible failure shape.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
