package results

import (
	"context"

	"github.com/nodemesh/controlplane/internal/audit"
	"github.com/nodemesh/controlplane/internal/model"
)

// Recorder is the slice of the audit pipeline the results endpoint needs:
// it never mutates the document store directly, so it only ever enqueues or
// falls back, never co-commits a transaction. *audit.Pipeline satisfies it.
type Recorder interface {
	IsReady() bool
	Enqueue(ctx context.Context, event model.AuditEventPayload, opts audit.EnqueueOptions) (audit.EnqueueResult, error)
	RecordAuditEvent(ctx context.Context, event model.AuditEventPayload, opts audit.EnqueueOptions) (*model.AuditLog, error)
}
