package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nodemesh/controlplane/internal/model"
)

func marshalPayload(p model.AuditEventPayload) ([]byte, error) {
	return json.Marshal(p)
}

func unmarshalPayload(b []byte) (model.AuditEventPayload, error) {
	var p model.AuditEventPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

// CountBacklog returns the number of intents not yet in a terminal state,
// the figure the pipeline's admission controller compares against the soft
// and hard backlog limits.
func (s *PGStore) CountBacklog(ctx context.Context) (int, error) {
	const q = `SELECT count(*) FROM audit_intents WHERE status IN ('pending', 'processing', 'ready_for_global_commit', 'failed_retriable')`
	var n int
	if err := s.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting audit backlog: %w", err)
	}
	return n, nil
}

// InsertIntent durably records a caller's request to append an event,
// tolerating a duplicate event_id by treating it as already-enqueued rather
// than an error — enqueue is expected to be retried by callers that timed
// out waiting for a response.
func (s *PGStore) InsertIntent(ctx context.Context, dbtx DBTX, intent model.AuditIntent) error {
	payload, err := marshalPayload(intent.Payload)
	if err != nil {
		return fmt.Errorf("marshaling intent payload: %w", err)
	}
	const q = `
		INSERT INTO audit_intents
			(event_id, route_tag, partition_id, status, attempt_count, payload, payload_digest, payload_hmac, hmac_key_id, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6, $7, now(), now())
		ON CONFLICT (event_id) DO NOTHING`
	_, err = dbtx.Exec(ctx, q, intent.EventID, intent.RouteTag, intent.PartitionID, payload, intent.PayloadDigest, intent.PayloadHMAC, intent.HMACKeyID)
	if err != nil {
		return fmt.Errorf("inserting audit intent: %w", err)
	}
	return nil
}

func scanIntent(row pgx.Row) (model.AuditIntent, error) {
	var (
		i           model.AuditIntent
		payload     []byte
		leaseOwner  *string
		leaseUntil  *time.Time
		globalSeq   *int64
		committedAt *time.Time
		errorLast   *string
	)
	err := row.Scan(
		&i.EventID, &i.RouteTag, &i.PartitionID, &i.Status, &leaseOwner, &leaseUntil,
		&i.AttemptCount, &payload, &i.PayloadDigest, &i.PayloadHMAC, &i.HMACKeyID,
		&globalSeq, &committedAt, &errorLast, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return model.AuditIntent{}, err
	}
	if leaseOwner != nil {
		i.LeaseOwner = *leaseOwner
	}
	if leaseUntil != nil {
		i.LeaseUntil = *leaseUntil
	}
	i.GlobalSequence = globalSeq
	i.CommittedAt = committedAt
	if errorLast != nil {
		i.ErrorLast = *errorLast
	}
	i.Payload, err = unmarshalPayload(payload)
	if err != nil {
		return model.AuditIntent{}, fmt.Errorf("unmarshaling intent payload: %w", err)
	}
	return i, nil
}

const intentColumns = `event_id, route_tag, partition_id, status, lease_owner, lease_until, attempt_count, payload, payload_digest, payload_hmac, hmac_key_id, global_sequence, committed_at, error_last, created_at, updated_at`

// ClaimCandidates returns up to limit intents eligible for a worker to pick
// up: pending or failed_retriable rows, plus processing rows whose lease has
// expired (a worker that died mid-commit), ordered oldest-first so no intent
// starves behind a stream of newer ones.
func (s *PGStore) ClaimCandidates(ctx context.Context, partitionID, limit int) ([]model.AuditIntent, error) {
	const q = `
		SELECT ` + intentColumns + ` FROM audit_intents
		WHERE partition_id = $1
		  AND (status IN ('pending', 'failed_retriable') OR (status = 'processing' AND lease_until < now()))
		ORDER BY created_at ASC, event_id ASC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, q, partitionID, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting claim candidates: %w", err)
	}
	defer rows.Close()

	var out []model.AuditIntent
	for rows.Next() {
		i, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning claim candidate: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ClaimIntent conditionally transitions an intent to processing under
// leaseOwner until leaseUntil, but only if it is still in the state the
// caller observed (updatedAt unchanged). It returns ErrCASConflict if
// another worker already claimed it first.
func (s *PGStore) ClaimIntent(ctx context.Context, eventID string, expectedUpdatedAt time.Time, leaseOwner string, leaseUntil time.Time) error {
	const q = `
		UPDATE audit_intents
		SET status = 'processing', lease_owner = $1, lease_until = $2, updated_at = now()
		WHERE event_id = $3 AND updated_at = $4`
	tag, err := s.pool.Exec(ctx, q, leaseOwner, leaseUntil, eventID, expectedUpdatedAt)
	if err != nil {
		return fmt.Errorf("claiming intent %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCASConflict
	}
	return nil
}

// GetPartitionTail returns a partition's current tail, or (0, "", false) if
// the partition has never been written to.
func (s *PGStore) GetPartitionTail(ctx context.Context, dbtx DBTX, partitionID int) (seq int64, hash string, ok bool, err error) {
	const q = `SELECT last_sequence, last_hash FROM audit_partition_state WHERE partition_id = $1`
	err = dbtx.QueryRow(ctx, q, partitionID).Scan(&seq, &hash)
	if isNoRows(err) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("fetching partition tail %d: %w", partitionID, err)
	}
	return seq, hash, true, nil
}

// GetLatestCommittedLog returns the sequence/hash of the highest-sequence
// row in audit_logs, the source of truth start() reconciles the singleton
// sequence-state against.
func (s *PGStore) GetLatestCommittedLog(ctx context.Context) (seq int64, hash string, ok bool, err error) {
	const q = `SELECT _sequence, _hash FROM audit_logs ORDER BY _sequence DESC LIMIT 1`
	err = s.pool.QueryRow(ctx, q).Scan(&seq, &hash)
	if isNoRows(err) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("fetching latest committed log: %w", err)
	}
	return seq, hash, true, nil
}

// GetGlobalTail returns the singleton global chain tail.
func (s *PGStore) GetGlobalTail(ctx context.Context, dbtx DBTX) (seq int64, hash string, err error) {
	const q = `SELECT global_last_sequence, global_last_hash FROM audit_state WHERE id = 'global'`
	err = dbtx.QueryRow(ctx, q).Scan(&seq, &hash)
	if isNoRows(err) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("fetching global tail: %w", err)
	}
	return seq, hash, nil
}

// ReconcileGlobalTail raises the singleton audit_state row to (seq, hash) if
// its currently recorded sequence is behind — the startup repair for a
// process that crashed between committing a log and advancing the
// singleton.
func (s *PGStore) ReconcileGlobalTail(ctx context.Context, seq int64, hash string) error {
	const q = `
		INSERT INTO audit_state (id, global_last_sequence, global_last_hash)
		VALUES ('global', $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET global_last_sequence = $1, global_last_hash = $2
		WHERE audit_state.global_last_sequence < $1`
	if _, err := s.pool.Exec(ctx, q, seq, hash); err != nil {
		return fmt.Errorf("reconciling global tail: %w", err)
	}
	return nil
}

// CASAdvanceGlobalTail advances the global tail from (expectedSeq,
// expectedHash) to (newSeq, newHash). It returns ErrCASConflict if the row
// no longer matches, the mechanism that serializes concurrent partition
// commits into one global sequence.
func (s *PGStore) CASAdvanceGlobalTail(ctx context.Context, dbtx DBTX, expectedSeq int64, expectedHash string, newSeq int64, newHash string) error {
	const q = `
		INSERT INTO audit_state (id, global_last_sequence, global_last_hash)
		VALUES ('global', $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET global_last_sequence = $3, global_last_hash = $4
		WHERE audit_state.global_last_sequence = $1 AND audit_state.global_last_hash = $2`
	tag, err := dbtx.Exec(ctx, q, expectedSeq, expectedHash, newSeq, newHash)
	if err != nil {
		return fmt.Errorf("advancing global tail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCASConflict
	}
	return nil
}

// CASAdvancePartitionTail is CASAdvanceGlobalTail's per-partition analog.
func (s *PGStore) CASAdvancePartitionTail(ctx context.Context, dbtx DBTX, partitionID int, expectedSeq int64, expectedHash string, newSeq int64, newHash string) error {
	const q = `
		INSERT INTO audit_partition_state (partition_id, last_sequence, last_hash, updated_at)
		VALUES ($1, $4, $5, now())
		ON CONFLICT (partition_id) DO UPDATE
		SET last_sequence = $4, last_hash = $5, updated_at = now()
		WHERE audit_partition_state.last_sequence = $2 AND audit_partition_state.last_hash = $3`
	tag, err := dbtx.Exec(ctx, q, partitionID, expectedSeq, expectedHash, newSeq, newHash)
	if err != nil {
		return fmt.Errorf("advancing partition %d tail: %w", partitionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCASConflict
	}
	return nil
}

// InsertAuditLog appends one immutable row to audit_logs and marks the
// originating intent committed, in the same transaction as the tail CAS
// updates — callers run all three inside one PGStore.WithTransaction. A
// duplicate-key collision on event_id (idempotent replay of an already
//-committed batch) is tolerated: the insert is a no-op and inserted comes
// back false so the caller can re-read and verify the persisted row instead
// of trusting this call's own computed values.
func (s *PGStore) InsertAuditLog(ctx context.Context, dbtx DBTX, log model.AuditLog) (inserted bool, err error) {
	const q = `
		INSERT INTO audit_logs
			(_sequence, event_id, chain_version, partition_id, partition_sequence, partition_previous_hash, partition_hash, _previous_hash, _hash, ts, level, node_id, source, trace_id, content, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (event_id) DO NOTHING`
	var metaJSON []byte
	if log.Payload.Meta != nil {
		metaJSON, err = json.Marshal(log.Payload.Meta)
		if err != nil {
			return false, fmt.Errorf("marshaling log meta: %w", err)
		}
	}
	tag, err := dbtx.Exec(ctx, q,
		log.Sequence, log.EventID, log.ChainVersion, log.PartitionID, log.PartitionSequence,
		log.PartitionPreviousHash, log.PartitionHash, log.PreviousHash, log.Hash,
		log.Payload.TS, log.Payload.Level, log.Payload.NodeID, log.Payload.Source, log.Payload.TraceID, log.Payload.Content, metaJSON,
	)
	if err != nil {
		return false, fmt.Errorf("inserting audit log %d: %w", log.Sequence, err)
	}
	inserted = tag.RowsAffected() > 0

	const markQ = `UPDATE audit_intents SET status = 'committed', global_sequence = $1, committed_at = now(), updated_at = now() WHERE event_id = $2`
	if _, err := dbtx.Exec(ctx, markQ, log.Sequence, log.EventID); err != nil {
		return inserted, fmt.Errorf("marking intent %s committed: %w", log.EventID, err)
	}
	return inserted, nil
}

// GetAuditLogsByEventIDs re-reads persisted audit_logs rows for the given
// event ids, keyed by event_id. Used after a tolerated duplicate-key insert
// to verify the row already on disk matches what this worker computed.
func (s *PGStore) GetAuditLogsByEventIDs(ctx context.Context, dbtx DBTX, eventIDs []string) (map[string]model.AuditLog, error) {
	if len(eventIDs) == 0 {
		return map[string]model.AuditLog{}, nil
	}
	const q = `
		SELECT _sequence, event_id, chain_version, partition_id, partition_sequence, partition_previous_hash, partition_hash, _previous_hash, _hash, ts, level, node_id, source, trace_id, content, meta
		FROM audit_logs WHERE event_id = ANY($1)`
	rows, err := dbtx.Query(ctx, q, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("re-reading audit logs for verification: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.AuditLog, len(eventIDs))
	for rows.Next() {
		var log model.AuditLog
		var metaJSON []byte
		if err := rows.Scan(
			&log.Sequence, &log.EventID, &log.ChainVersion, &log.PartitionID, &log.PartitionSequence,
			&log.PartitionPreviousHash, &log.PartitionHash, &log.PreviousHash, &log.Hash,
			&log.Payload.TS, &log.Payload.Level, &log.Payload.NodeID, &log.Payload.Source, &log.Payload.TraceID, &log.Payload.Content, &metaJSON,
		); err != nil {
			return nil, fmt.Errorf("scanning re-read audit log: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &log.Payload.Meta); err != nil {
				return nil, fmt.Errorf("unmarshaling re-read log meta: %w", err)
			}
		}
		out[log.EventID] = log
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating re-read audit logs: %w", err)
	}
	return out, nil
}

// GetLogHashBySequence returns the hash recorded for a committed log at the
// given global sequence, the predecessor-visibility check the synchronous
// fallback path uses before linking a new log to it.
func (s *PGStore) GetLogHashBySequence(ctx context.Context, seq int64) (hash string, ok bool, err error) {
	const q = `SELECT _hash FROM audit_logs WHERE _sequence = $1`
	err = s.pool.QueryRow(ctx, q, seq).Scan(&hash)
	if isNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fetching log hash at sequence %d: %w", seq, err)
	}
	return hash, true, nil
}

// InsertLogDirect appends one audit_logs row without touching any intent,
// the write the synchronous fallback path (no originating intent) uses
// instead of InsertAuditLog. A duplicate-key collision on event_id or
// _sequence is surfaced as ErrDuplicateKey for the caller's single retry.
func (s *PGStore) InsertLogDirect(ctx context.Context, log model.AuditLog) error {
	const q = `
		INSERT INTO audit_logs
			(_sequence, event_id, chain_version, partition_id, partition_sequence, partition_previous_hash, partition_hash, _previous_hash, _hash, ts, level, node_id, source, trace_id, content, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	var metaJSON []byte
	if log.Payload.Meta != nil {
		var err error
		metaJSON, err = json.Marshal(log.Payload.Meta)
		if err != nil {
			return fmt.Errorf("marshaling log meta: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, q,
		log.Sequence, log.EventID, log.ChainVersion, log.PartitionID, log.PartitionSequence,
		log.PartitionPreviousHash, log.PartitionHash, log.PreviousHash, log.Hash,
		log.Payload.TS, log.Payload.Level, log.Payload.NodeID, log.Payload.Source, log.Payload.TraceID, log.Payload.Content, metaJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting audit log %d: %w", log.Sequence, err)
	}
	return nil
}

// ResetIntentToPending returns a claimed intent to pending without
// incrementing attempt_count, the recovery step for CAS contention rather
// than a genuine worker failure.
func (s *PGStore) ResetIntentToPending(ctx context.Context, eventID string) error {
	const q = `UPDATE audit_intents SET status = 'pending', lease_owner = NULL, lease_until = NULL, updated_at = now() WHERE event_id = $1`
	if _, err := s.pool.Exec(ctx, q, eventID); err != nil {
		return fmt.Errorf("resetting intent %s to pending: %w", eventID, err)
	}
	return nil
}

// MarkIntentFailedRetriable records a failed attempt, increments
// attempt_count, and leaves the intent eligible for another claim. It
// returns the post-increment attempt count so the caller can decide
// whether the retry budget is exhausted.
func (s *PGStore) MarkIntentFailedRetriable(ctx context.Context, eventID, reason string) (int, error) {
	const q = `
		UPDATE audit_intents
		SET status = 'failed_retriable', error_last = $1, attempt_count = attempt_count + 1, updated_at = now()
		WHERE event_id = $2
		RETURNING attempt_count`
	var attempts int
	if err := s.pool.QueryRow(ctx, q, reason, eventID).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("marking intent %s failed_retriable: %w", eventID, err)
	}
	return attempts, nil
}

// MarkIntentFailedTerminal moves an intent out of the retry pool for good
// and records a FailureRecord explaining why, in one transaction.
func (s *PGStore) MarkIntentFailedTerminal(ctx context.Context, eventID, reason string, detail map[string]any) error {
	return s.WithTransaction(ctx, func(tx pgx.Tx) error {
		const q = `UPDATE audit_intents SET status = 'failed_terminal', error_last = $1, updated_at = now() WHERE event_id = $2`
		if _, err := tx.Exec(ctx, q, reason, eventID); err != nil {
			return fmt.Errorf("marking intent %s failed_terminal: %w", eventID, err)
		}
		detailJSON, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshaling failure detail: %w", err)
		}
		const insQ = `INSERT INTO audit_failures (event_id, reason, detail, created_at) VALUES ($1, $2, $3, now())
			ON CONFLICT (event_id) DO UPDATE SET reason = $2, detail = $3, created_at = now()`
		if _, err := tx.Exec(ctx, insQ, eventID, reason, detailJSON); err != nil {
			return fmt.Errorf("inserting failure record for %s: %w", eventID, err)
		}
		return nil
	})
}

// GetLatestAnchor returns the most recently written global anchor, or
// ok=false if none has ever been written.
func (s *PGStore) GetLatestAnchor(ctx context.Context) (anchorID, anchorHash string, ok bool, err error) {
	const q = `SELECT anchor_id, anchor_hash FROM audit_global_anchor ORDER BY ts DESC LIMIT 1`
	err = s.pool.QueryRow(ctx, q).Scan(&anchorID, &anchorHash)
	if isNoRows(err) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("fetching latest anchor: %w", err)
	}
	return anchorID, anchorHash, true, nil
}

// ListPartitionTails returns every partition's current tail, the input to
// the anchor writer's partition_heads snapshot.
func (s *PGStore) ListPartitionTails(ctx context.Context) (map[int]model.PartitionState, error) {
	const q = `SELECT partition_id, last_sequence, last_hash, updated_at FROM audit_partition_state`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing partition tails: %w", err)
	}
	defer rows.Close()

	out := make(map[int]model.PartitionState)
	for rows.Next() {
		var p model.PartitionState
		if err := rows.Scan(&p.PartitionID, &p.LastSequence, &p.LastHash, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning partition tail: %w", err)
		}
		out[p.PartitionID] = p
	}
	return out, rows.Err()
}

// InsertAnchor appends one row to audit_global_anchor.
func (s *PGStore) InsertAnchor(ctx context.Context, anchor model.GlobalAnchor) error {
	headsJSON, err := json.Marshal(anchor.PartitionHeads)
	if err != nil {
		return fmt.Errorf("marshaling partition heads: %w", err)
	}
	const q = `INSERT INTO audit_global_anchor (anchor_id, ts, partition_heads, previous_anchor_hash, anchor_hash) VALUES ($1, now(), $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, anchor.AnchorID, headsJSON, anchor.PreviousAnchorHash, anchor.AnchorHash); err != nil {
		return fmt.Errorf("inserting anchor %s: %w", anchor.AnchorID, err)
	}
	return nil
}
