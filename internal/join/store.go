package join

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/nodemesh/controlplane/internal/audit"
	"github.com/nodemesh/controlplane/internal/model"
	"github.com/nodemesh/controlplane/internal/store"
)

// Store is the narrow slice of the document-store collaborator the join
// controller needs. *store.PGStore satisfies it; tests use an in-memory
// fake.
type Store interface {
	GetNodeByHWID(ctx context.Context, dbtx store.DBTX, hwid string) (model.Node, bool, error)
	InsertNode(ctx context.Context, dbtx store.DBTX, n model.Node) error
	UpdateNode(ctx context.Context, dbtx store.DBTX, n model.Node) error

	NonTx() store.DBTX
	WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// AuditRecorder is the slice of the audit pipeline the join controller
// needs: co-commit enqueue when ready, synchronous fallback otherwise.
// *audit.Pipeline satisfies it.
type AuditRecorder interface {
	IsReady() bool
	EnqueueIntentTx(ctx context.Context, dbtx store.DBTX, event model.AuditEventPayload, opts audit.EnqueueOptions) (model.AuditIntent, audit.EnqueueResult, error)
	RecordAuditEvent(ctx context.Context, event model.AuditEventPayload, opts audit.EnqueueOptions) (*model.AuditLog, error)
}
