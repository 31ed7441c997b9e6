package hashchain

import "fmt"

// CommittedLog is the minimal view of an audit_logs row needed to verify the
// global-chain invariants from spec.md §3/§8.
type CommittedLog struct {
	Event        Event
	Sequence     int64
	PreviousHash string
	Hash         string
}

// VerifyChain walks logs (which must be ordered by Sequence ascending) and
// asserts the global-chain invariants: sequence is contiguous from 1, each
// previous_hash matches the prior entry's hash, the first previous_hash is
// "", and every hash recomputes correctly. It returns the index and an error
// describing the first violation found, or ok=true if the whole chain is
// valid (including the empty chain).
func VerifyChain(logs []CommittedLog) (ok bool, badIndex int, err error) {
	var prevHash string
	for i, log := range logs {
		wantSeq := int64(i + 1)
		if log.Sequence != wantSeq {
			return false, i, fmt.Errorf("sequence %d at position %d, want %d", log.Sequence, i, wantSeq)
		}
		if log.PreviousHash != prevHash {
			return false, i, fmt.Errorf("previous_hash %q at sequence %d, want %q", log.PreviousHash, log.Sequence, prevHash)
		}
		wantHash, hashErr := LogHash(log.Event, log.Sequence, log.PreviousHash)
		if hashErr != nil {
			return false, i, fmt.Errorf("recomputing hash at sequence %d: %w", log.Sequence, hashErr)
		}
		if wantHash != log.Hash {
			return false, i, fmt.Errorf("hash mismatch at sequence %d: stored %q, recomputed %q", log.Sequence, log.Hash, wantHash)
		}
		prevHash = log.Hash
	}
	return true, -1, nil
}

// PartitionHead is a single partition's tail. Neither VerifyPartitionChain
// nor the audit anchor writer uses it; anchors carry their own head type.
type PartitionHead struct {
	PartitionID int64 `json:"partition_id"`
	LastSequence int64 `json:"last_sequence"`
	LastHash     string `json:"last_hash"`
}

// CommittedPartitionLog is the minimal view needed to verify one partition's
// chain invariants.
type CommittedPartitionLog struct {
	Event               Event
	PartitionSequence   int64
	PartitionPreviousHash string
	PartitionHash       string
}

// VerifyPartitionChain is VerifyChain's analog for a single partition's
// ordered log slice.
func VerifyPartitionChain(logs []CommittedPartitionLog) (ok bool, badIndex int, err error) {
	var prevHash string
	for i, log := range logs {
		wantSeq := int64(i + 1)
		if log.PartitionSequence != wantSeq {
			return false, i, fmt.Errorf("partition_sequence %d at position %d, want %d", log.PartitionSequence, i, wantSeq)
		}
		if log.PartitionPreviousHash != prevHash {
			return false, i, fmt.Errorf("partition_previous_hash %q at partition_sequence %d, want %q", log.PartitionPreviousHash, log.PartitionSequence, prevHash)
		}
		wantHash, hashErr := PartitionHash(log.Event, log.PartitionSequence, log.PartitionPreviousHash)
		if hashErr != nil {
			return false, i, fmt.Errorf("recomputing partition hash at partition_sequence %d: %w", log.PartitionSequence, hashErr)
		}
		if wantHash != log.PartitionHash {
			return false, i, fmt.Errorf("partition hash mismatch at partition_sequence %d: stored %q, recomputed %q", log.PartitionSequence, log.PartitionHash, wantHash)
		}
		prevHash = log.PartitionHash
	}
	return true, -1, nil
}
