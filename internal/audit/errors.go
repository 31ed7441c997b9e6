package audit

import "fmt"

// Kind is one of the closed enumeration of caller-visible and internal
// error codes the audit pipeline surfaces.
type Kind string

const (
	KindBackpressure         Kind = "AUDIT_BACKPRESSURE"
	KindIntegrityCheckFailed Kind = "AUDIT_INTEGRITY_CHECK_FAILED"
	KindLogWriteIncomplete   Kind = "AUDIT_LOG_WRITE_INCOMPLETE"
	KindLogWriteMismatch     Kind = "AUDIT_LOG_WRITE_MISMATCH"
	KindGlobalTailConflict   Kind = "AUDIT_GLOBAL_TAIL_CONFLICT"
	KindPartitionTailConflict Kind = "AUDIT_PARTITION_TAIL_CONFLICT"
	KindTransactionAborted   Kind = "TRANSACTION_ABORTED"
	KindInternalError        Kind = "INTERNAL_ERROR"
)

// Error wraps a Kind with a human-readable message, the shape every
// pipeline failure path returns so callers can switch on Kind without
// string matching.
type Error struct {
	Kind              Kind
	Message           string
	RetryAfterSeconds int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// isConflict reports whether err is one of the internal contention kinds
// the pipeline catches and converts into a "retry without penalty"
// decision rather than a worker failure.
func isConflict(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindGlobalTailConflict, KindPartitionTailConflict, KindLogWriteIncomplete, KindLogWriteMismatch:
		return true
	}
	return false
}
