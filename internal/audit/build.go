package audit

import (
	"context"

	"github.com/nodemesh/controlplane/internal/hashchain"
	"github.com/nodemesh/controlplane/internal/model"
)

// buildResult is everything the commit step needs for one partition's
// batch: the pre-computed log rows in claim order, plus the before/after
// values of the partition and global tails so the commit's two CAS updates
// (one per partition touched, one for the singleton) can run once each for
// the whole batch rather than once per intent.
type buildResult struct {
	commits []pendingCommit

	expectedPartitionSeq  int64
	expectedPartitionHash string
	finalPartitionSeq     int64
	finalPartitionHash    string

	expectedGlobalSeq  int64
	expectedGlobalHash string
	finalGlobalSeq     int64
	finalGlobalHash    string
}

// buildBatch computes chain positions for each claimed intent in claim
// order, per spec.md §4.2.4. Integrity failures are handled immediately
// (marked failed_terminal) and excluded from the result.
func (p *Pipeline) buildBatch(ctx context.Context, partitionID int, claimed []model.AuditIntent) (buildResult, error) {
	startPartSeq, startPartHash := p.getPartitionTail(partitionID)
	startGlobalSeq, startGlobalHash := p.getGlobalTail()

	res := buildResult{
		expectedPartitionSeq:  startPartSeq,
		expectedPartitionHash: startPartHash,
		finalPartitionSeq:     startPartSeq,
		finalPartitionHash:    startPartHash,
		expectedGlobalSeq:     startGlobalSeq,
		expectedGlobalHash:    startGlobalHash,
		finalGlobalSeq:        startGlobalSeq,
		finalGlobalHash:       startGlobalHash,
	}

	partSeq, partHash := startPartSeq, startPartHash
	globalSeq, globalHash := startGlobalSeq, startGlobalHash

	for _, intent := range claimed {
		hcEvent := toHashchainEvent(intent.Payload)

		digest, err := hashchain.PayloadDigest(hcEvent)
		if err != nil {
			return buildResult{}, err
		}
		mac := hashchain.PayloadHMAC(digest, p.cfg.HMACSecret)
		if digest != intent.PayloadDigest || mac != intent.PayloadHMAC {
			if markErr := p.store.MarkIntentFailedTerminal(ctx, intent.EventID, string(KindIntegrityCheckFailed), map[string]any{
				"expected_digest":   intent.PayloadDigest,
				"recomputed_digest": digest,
			}); markErr != nil {
				p.log.Error("marking integrity-failed intent terminal", "event_id", intent.EventID, "error", markErr)
			}
			continue
		}

		prevPartHash := partHash
		partSeq++
		newPartHash, err := hashchain.PartitionHash(hcEvent, partSeq, prevPartHash)
		if err != nil {
			return buildResult{}, err
		}
		partHash = newPartHash

		prevGlobalHash := globalHash
		globalSeq++
		newGlobalHash, err := hashchain.LogHash(hcEvent, globalSeq, prevGlobalHash)
		if err != nil {
			return buildResult{}, err
		}
		globalHash = newGlobalHash

		res.commits = append(res.commits, pendingCommit{
			intent: intent,
			log: model.AuditLog{
				Sequence:              globalSeq,
				EventID:               intent.EventID,
				ChainVersion:          1,
				PartitionID:           partitionID,
				PartitionSequence:     partSeq,
				PartitionPreviousHash: prevPartHash,
				PartitionHash:         partHash,
				PreviousHash:          prevGlobalHash,
				Hash:                  globalHash,
				Payload:               intent.Payload,
			},
		})
	}

	res.finalPartitionSeq, res.finalPartitionHash = partSeq, partHash
	res.finalGlobalSeq, res.finalGlobalHash = globalSeq, globalHash
	return res, nil
}
