package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nodemesh/controlplane/internal/model"
	"github.com/nodemesh/controlplane/internal/store"
)

// Store is the narrow slice of the document-store collaborator the audit
// pipeline needs. *store.PGStore satisfies it; tests use an in-memory fake.
type Store interface {
	// NonTx returns a connection usable for reads outside any transaction.
	NonTx() store.DBTX

	CountBacklog(ctx context.Context) (int, error)
	InsertIntent(ctx context.Context, dbtx store.DBTX, intent model.AuditIntent) error

	ClaimCandidates(ctx context.Context, partitionID, limit int) ([]model.AuditIntent, error)
	ClaimIntent(ctx context.Context, eventID string, expectedUpdatedAt time.Time, leaseOwner string, leaseUntil time.Time) error

	GetPartitionTail(ctx context.Context, dbtx store.DBTX, partitionID int) (seq int64, hash string, ok bool, err error)
	GetGlobalTail(ctx context.Context, dbtx store.DBTX) (seq int64, hash string, err error)
	GetLatestCommittedLog(ctx context.Context) (seq int64, hash string, ok bool, err error)
	ReconcileGlobalTail(ctx context.Context, seq int64, hash string) error

	CASAdvanceGlobalTail(ctx context.Context, dbtx store.DBTX, expectedSeq int64, expectedHash string, newSeq int64, newHash string) error
	CASAdvancePartitionTail(ctx context.Context, dbtx store.DBTX, partitionID int, expectedSeq int64, expectedHash string, newSeq int64, newHash string) error
	InsertAuditLog(ctx context.Context, dbtx store.DBTX, log model.AuditLog) (inserted bool, err error)
	GetAuditLogsByEventIDs(ctx context.Context, dbtx store.DBTX, eventIDs []string) (map[string]model.AuditLog, error)
	GetLogHashBySequence(ctx context.Context, seq int64) (hash string, ok bool, err error)
	InsertLogDirect(ctx context.Context, log model.AuditLog) error

	ResetIntentToPending(ctx context.Context, eventID string) error
	MarkIntentFailedRetriable(ctx context.Context, eventID, reason string) (attempts int, err error)
	MarkIntentFailedTerminal(ctx context.Context, eventID, reason string, detail map[string]any) error

	GetLatestAnchor(ctx context.Context) (anchorID, anchorHash string, ok bool, err error)
	ListPartitionTails(ctx context.Context) (map[int]model.PartitionState, error)
	InsertAnchor(ctx context.Context, anchor model.GlobalAnchor) error

	WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
}
