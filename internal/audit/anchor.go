package audit

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/nodemesh/controlplane/internal/hashchain"
	"github.com/nodemesh/controlplane/internal/model"
	"github.com/nodemesh/controlplane/internal/telemetry"
)

type anchorPartitionHead struct {
	PartitionID  int    `json:"partition_id"`
	LastSequence int64  `json:"last_sequence"`
	LastHash     string `json:"last_hash"`
}

// writeAnchor collects the current partition tails, sorts them by
// partition_id, and appends a new global anchor chained to the previous
// one. Anchors are fork-detection checkpoints independent of the log
// stream, so this reads tails straight from the store rather than the
// in-memory cache.
func (p *Pipeline) writeAnchor(ctx context.Context) error {
	tails, err := p.store.ListPartitionTails(ctx)
	if err != nil {
		return fmt.Errorf("listing partition tails: %w", err)
	}

	heads := make([]anchorPartitionHead, 0, len(tails))
	for id, t := range tails {
		heads = append(heads, anchorPartitionHead{PartitionID: id, LastSequence: t.LastSequence, LastHash: t.LastHash})
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].PartitionID < heads[j].PartitionID })

	_, prevAnchorHash, _, err := p.store.GetLatestAnchor(ctx)
	if err != nil {
		return fmt.Errorf("loading latest anchor: %w", err)
	}

	anchorHash, err := hashchain.AnchorHash(heads, prevAnchorHash)
	if err != nil {
		return fmt.Errorf("computing anchor hash: %w", err)
	}

	partitionHeads := make(map[string]model.PartitionHead, len(heads))
	for _, h := range heads {
		partitionHeads[fmt.Sprint(h.PartitionID)] = model.PartitionHead{LastSequence: h.LastSequence, LastHash: h.LastHash}
	}

	anchor := model.GlobalAnchor{
		AnchorID:           uuid.NewString(),
		PartitionHeads:     partitionHeads,
		PreviousAnchorHash: prevAnchorHash,
		AnchorHash:         anchorHash,
	}
	if err := p.store.InsertAnchor(ctx, anchor); err != nil {
		return fmt.Errorf("inserting anchor: %w", err)
	}
	telemetry.AuditAnchorsTotal.Inc()
	p.log.Debug("audit anchor written", "anchor_id", anchor.AnchorID, "partitions", len(heads))
	return nil
}
