package audit

import (
	"context"
	"errors"
	"time"

	"github.com/nodemesh/controlplane/internal/model"
	"github.com/nodemesh/controlplane/internal/store"
)

// claimBatch selects up to BatchSize intents in partitionID and attempts to
// claim each with a conditional update, per spec.md §4.2.3. Only rows that
// were actually claimed (no concurrent worker won the CAS) are returned.
func (p *Pipeline) claimBatch(ctx context.Context, partitionID int) ([]model.AuditIntent, error) {
	candidates, err := p.store.ClaimCandidates(ctx, partitionID, p.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	leaseUntil := time.Now().Add(p.cfg.LeaseDuration)
	claimed := make([]model.AuditIntent, 0, len(candidates))
	for _, c := range candidates {
		if err := p.store.ClaimIntent(ctx, c.EventID, c.UpdatedAt, p.nodeID, leaseUntil); err != nil {
			if errors.Is(err, store.ErrCASConflict) {
				continue
			}
			return nil, err
		}
		c.Status = model.IntentProcessing
		c.LeaseOwner = p.nodeID
		c.LeaseUntil = leaseUntil
		claimed = append(claimed, c)
	}
	return claimed, nil
}
