package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nodemesh/controlplane/internal/hashchain"
	"github.com/nodemesh/controlplane/internal/model"
	"github.com/nodemesh/controlplane/internal/store"
)

const (
	fallbackBackoffMin = 2 * time.Millisecond
	fallbackBackoffMax = 50 * time.Millisecond
	fallbackWaitCap    = 30 * time.Second
)

// fallbackCommit implements the synchronous path of spec.md §4.2.6, used
// when the pipeline has not completed Start (or has been Stopped) and an
// event must still be durably chained without the drain loop's batching.
func (p *Pipeline) fallbackCommit(ctx context.Context, event model.AuditEventPayload) (*model.AuditLog, error) {
	hcEvent := toHashchainEvent(event)
	partitionID := hashchain.PartitionOf(hcEvent, p.cfg.PartitionCount)
	eventID := uuid.NewString()

	log, err := p.fallbackClaimSlots(ctx, hcEvent, partitionID)
	if err != nil {
		return nil, err
	}
	log.EventID = eventID
	log.Payload = event

	if err := p.store.InsertLogDirect(ctx, log); err != nil {
		if !errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("inserting fallback log: %w", err)
		}
		// Single retry: the sequence-state counter raced ahead of this
		// insert. Re-read tails and recompute once more.
		log, err = p.fallbackClaimSlots(ctx, hcEvent, partitionID)
		if err != nil {
			return nil, err
		}
		log.EventID = eventID
		log.Payload = event
		if err := p.store.InsertLogDirect(ctx, log); err != nil {
			return nil, fmt.Errorf("inserting fallback log on retry: %w", err)
		}
	}

	p.setPartitionTail(partitionID, log.PartitionSequence, log.PartitionHash)
	p.setGlobalTail(log.Sequence, log.Hash)
	return &log, nil
}

// fallbackClaimSlots claims the next partition and global sequence numbers
// via CAS, waiting out any window where the predecessor log row has not
// yet become visible (the tail can advance before its row is inserted,
// since the fallback path does not run inside a transaction).
func (p *Pipeline) fallbackClaimSlots(ctx context.Context, hcEvent hashchain.Event, partitionID int) (model.AuditLog, error) {
	backoff := fallbackBackoffMin
	deadline := time.Now().Add(fallbackWaitCap)

	for {
		pSeq, pHash, _, err := p.store.GetPartitionTail(ctx, p.store.NonTx(), partitionID)
		if err != nil {
			return model.AuditLog{}, fmt.Errorf("reading partition tail: %w", err)
		}
		gSeq, gHash, err := p.store.GetGlobalTail(ctx, p.store.NonTx())
		if err != nil {
			return model.AuditLog{}, fmt.Errorf("reading global tail: %w", err)
		}

		if gSeq > 0 {
			if err := p.waitForPredecessor(ctx, gSeq, gHash, &backoff, deadline); err != nil {
				return model.AuditLog{}, err
			}
		}

		newPartSeq := pSeq + 1
		newPartHash, err := hashchain.PartitionHash(hcEvent, newPartSeq, pHash)
		if err != nil {
			return model.AuditLog{}, err
		}
		newGlobalSeq := gSeq + 1
		newGlobalHash, err := hashchain.LogHash(hcEvent, newGlobalSeq, gHash)
		if err != nil {
			return model.AuditLog{}, err
		}

		if err := p.store.CASAdvancePartitionTail(ctx, p.store.NonTx(), partitionID, pSeq, pHash, newPartSeq, newPartHash); err != nil {
			if errors.Is(err, store.ErrCASConflict) {
				if err := sleepBackoff(ctx, &backoff, deadline); err != nil {
					return model.AuditLog{}, err
				}
				continue
			}
			return model.AuditLog{}, err
		}

		if err := p.store.CASAdvanceGlobalTail(ctx, p.store.NonTx(), gSeq, gHash, newGlobalSeq, newGlobalHash); err != nil {
			if errors.Is(err, store.ErrCASConflict) {
				if err := sleepBackoff(ctx, &backoff, deadline); err != nil {
					return model.AuditLog{}, err
				}
				continue
			}
			return model.AuditLog{}, err
		}

		return model.AuditLog{
			Sequence:              newGlobalSeq,
			ChainVersion:          1,
			PartitionID:           partitionID,
			PartitionSequence:     newPartSeq,
			PartitionPreviousHash: pHash,
			PartitionHash:         newPartHash,
			PreviousHash:          gHash,
			Hash:                  newGlobalHash,
		}, nil
	}
}

// waitForPredecessor blocks until the log at sequence-1 is visible, per
// spec.md §4.2.6's predecessor-visibility rule.
func (p *Pipeline) waitForPredecessor(ctx context.Context, predecessorSeq int64, expectedHash string, backoff *time.Duration, deadline time.Time) error {
	for {
		hash, ok, err := p.store.GetLogHashBySequence(ctx, predecessorSeq)
		if err != nil {
			return fmt.Errorf("checking predecessor log %d: %w", predecessorSeq, err)
		}
		if ok && hash == expectedHash {
			return nil
		}
		if err := sleepBackoff(ctx, backoff, deadline); err != nil {
			return err
		}
	}
}

func sleepBackoff(ctx context.Context, backoff *time.Duration, deadline time.Time) error {
	if time.Now().After(deadline) {
		return fmt.Errorf("audit fallback: exceeded %s waiting for chain tail", fallbackWaitCap)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > fallbackBackoffMax {
		*backoff = fallbackBackoffMax
	}
	return nil
}
