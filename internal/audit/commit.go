package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nodemesh/controlplane/internal/model"
	"github.com/nodemesh/controlplane/internal/store"
	"github.com/nodemesh/controlplane/internal/telemetry"
)

// drainPartition runs one claim→build→commit cycle for a single partition,
// per spec.md §4.2.3-4.2.5.
func (p *Pipeline) drainPartition(ctx context.Context, partitionID int) (batchResult, error) {
	start := time.Now()
	defer func() { telemetry.AuditDrainDuration.Observe(time.Since(start).Seconds()) }()

	claimed, err := p.claimBatch(ctx, partitionID)
	if err != nil {
		return batchResult{}, err
	}
	if len(claimed) == 0 {
		return batchResult{}, nil
	}

	built, err := p.buildBatch(ctx, partitionID, claimed)
	if err != nil {
		return batchResult{}, err
	}
	if len(built.commits) == 0 {
		// Every claimed intent failed integrity and was already handled.
		return batchResult{claimed: len(claimed)}, nil
	}

	if err := p.commitBatch(ctx, partitionID, built); err != nil {
		return batchResult{claimed: len(claimed)}, p.handleCommitFailure(ctx, partitionID, built, err)
	}

	p.setPartitionTail(partitionID, built.finalPartitionSeq, built.finalPartitionHash)
	p.setGlobalTail(built.finalGlobalSeq, built.finalGlobalHash)
	p.subtractBacklog(len(built.commits))
	telemetry.AuditCommittedTotal.Add(float64(len(built.commits)))
	telemetry.AuditBacklog.Set(float64(p.Backlog()))

	return batchResult{claimed: len(claimed), committed: len(built.commits)}, nil
}

// commitBatch runs the whole batch — log inserts, intent status flips, and
// both CAS tail advances — inside a single store transaction. Per spec.md
// §4.2.5 step 1, a duplicate-key collision on event_id is tolerated (an
// idempotent replay of an already-committed batch); any tolerated insert is
// then re-read and checked field-for-field against what this worker
// computed, raising KindLogWriteMismatch/KindLogWriteIncomplete on a
// disagreement or a row that vanished between the insert and the re-read.
func (p *Pipeline) commitBatch(ctx context.Context, partitionID int, built buildResult) error {
	return p.store.WithTransaction(ctx, func(tx pgx.Tx) error {
		var toVerify []string
		for _, c := range built.commits {
			inserted, err := p.store.InsertAuditLog(ctx, tx, c.log)
			if err != nil {
				return err
			}
			if !inserted {
				toVerify = append(toVerify, c.log.EventID)
			}
		}

		if len(toVerify) > 0 {
			if err := p.verifyTolerated(ctx, tx, built, toVerify); err != nil {
				return err
			}
		}

		if err := p.store.CASAdvancePartitionTail(ctx, tx, partitionID,
			built.expectedPartitionSeq, built.expectedPartitionHash,
			built.finalPartitionSeq, built.finalPartitionHash,
		); err != nil {
			if errors.Is(err, store.ErrCASConflict) {
				return newError(KindPartitionTailConflict, "partition %d tail advanced concurrently", partitionID)
			}
			return err
		}

		if err := p.store.CASAdvanceGlobalTail(ctx, tx,
			built.expectedGlobalSeq, built.expectedGlobalHash,
			built.finalGlobalSeq, built.finalGlobalHash,
		); err != nil {
			if errors.Is(err, store.ErrCASConflict) {
				return newError(KindGlobalTailConflict, "global tail advanced concurrently")
			}
			return err
		}
		return nil
	})
}

// verifyTolerated re-reads the persisted rows for eventIDs — each one whose
// insert was a no-op because the row already existed — and checks every
// chain-relevant field against what built.commits computed.
func (p *Pipeline) verifyTolerated(ctx context.Context, tx pgx.Tx, built buildResult, eventIDs []string) error {
	persisted, err := p.store.GetAuditLogsByEventIDs(ctx, tx, eventIDs)
	if err != nil {
		return newError(KindInternalError, "re-reading tolerated audit logs: %v", err)
	}

	byEventID := make(map[string]pendingCommit, len(built.commits))
	for _, c := range built.commits {
		byEventID[c.log.EventID] = c
	}

	for _, eventID := range eventIDs {
		want := byEventID[eventID].log
		got, ok := persisted[eventID]
		if !ok {
			return newError(KindLogWriteIncomplete, "audit log %s missing after tolerated duplicate-key insert", eventID)
		}
		if !auditLogsEqual(want, got) {
			return newError(KindLogWriteMismatch, "audit log %s does not match the persisted row", eventID)
		}
	}
	return nil
}

// auditLogsEqual compares the chain-relevant fields of a computed log
// against the row a duplicate-key insert found already on disk.
func auditLogsEqual(want, got model.AuditLog) bool {
	return want.Sequence == got.Sequence &&
		want.ChainVersion == got.ChainVersion &&
		want.PartitionID == got.PartitionID &&
		want.PartitionSequence == got.PartitionSequence &&
		want.PartitionPreviousHash == got.PartitionPreviousHash &&
		want.PartitionHash == got.PartitionHash &&
		want.PreviousHash == got.PreviousHash &&
		want.Hash == got.Hash
}

// handleCommitFailure implements spec.md §4.2.5's conflict handling: chain
// contention resets claimed intents to pending without penalty, anything
// else is a genuine worker failure that counts against the retry budget.
func (p *Pipeline) handleCommitFailure(ctx context.Context, partitionID int, built buildResult, commitErr error) error {
	if isConflict(commitErr) {
		kind := "global_tail"
		if aerr, ok := commitErr.(*Error); ok {
			switch aerr.Kind {
			case KindPartitionTailConflict:
				kind = "partition_tail"
			case KindLogWriteIncomplete:
				kind = "log_write_incomplete"
			case KindLogWriteMismatch:
				kind = "log_write_mismatch"
			}
		}
		telemetry.AuditConflictTotal.WithLabelValues(kind).Inc()

		if err := p.reloadTailsFromStore(ctx, partitionID); err != nil {
			p.log.Error("reloading tails after commit conflict", "error", err)
		}
		for _, c := range built.commits {
			if err := p.store.ResetIntentToPending(ctx, c.intent.EventID); err != nil {
				p.log.Error("resetting intent to pending after conflict", "event_id", c.intent.EventID, "error", err)
			}
		}
		p.log.Warn("commit batch hit chain contention, retrying next drain", "partition_id", partitionID, "error", commitErr)
		return nil
	}

	for _, c := range built.commits {
		attempts, err := p.store.MarkIntentFailedRetriable(ctx, c.intent.EventID, commitErr.Error())
		if err != nil {
			p.log.Error("marking intent failed_retriable", "event_id", c.intent.EventID, "error", err)
			continue
		}
		telemetry.AuditRetriedTotal.Inc()
		if attempts >= p.cfg.MaxRetryAttempts {
			if err := p.store.MarkIntentFailedTerminal(ctx, c.intent.EventID, "retry attempts exhausted", map[string]any{
				"last_error": commitErr.Error(),
				"attempts":   attempts,
			}); err != nil {
				p.log.Error("marking intent failed_terminal after exhausting retries", "event_id", c.intent.EventID, "error", err)
			}
			telemetry.AuditTerminalTotal.WithLabelValues("retry_attempts_exhausted").Inc()
		}
	}
	return commitErr
}

func (p *Pipeline) subtractBacklog(n int) {
	if atomic.AddInt64(&p.backlog, -int64(n)) < 0 {
		atomic.StoreInt64(&p.backlog, 0)
	}
}
