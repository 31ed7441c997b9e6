package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nodemesh/controlplane/internal/model"
	"github.com/nodemesh/controlplane/internal/store"
)

// fakeStore is an in-memory stand-in for Store, letting the pipeline's
// claim/build/commit/fallback/anchor logic be exercised deterministically
// without a Postgres instance.
type fakeStore struct {
	mu sync.Mutex

	intents      map[string]model.AuditIntent
	logs         []model.AuditLog
	logBySeq     map[int64]model.AuditLog
	logByEventID map[string]model.AuditLog
	partitions   map[int]model.PartitionState
	globalSeq    int64
	globalHash   string
	anchors      []model.GlobalAnchor
	failures     map[string]map[string]any
	clock        time.Time

	// failInsertTimes, when non-zero for an event_id, makes InsertAuditLog
	// fail with a non-conflict error that many more times before succeeding.
	failInsertTimes map[string]int

	// toleratedEventIDs forces InsertAuditLog to report a tolerated
	// duplicate-key no-op for an event_id even when logByEventID holds
	// nothing for it, modelling a row a concurrent re-read can't find.
	toleratedEventIDs map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		intents:           make(map[string]model.AuditIntent),
		logBySeq:          make(map[int64]model.AuditLog),
		logByEventID:      make(map[string]model.AuditLog),
		partitions:        make(map[int]model.PartitionState),
		failures:          make(map[string]map[string]any),
		failInsertTimes:   make(map[string]int),
		toleratedEventIDs: make(map[string]bool),
		clock:             time.Now(),
	}
}

func (f *fakeStore) now() time.Time {
	f.clock = f.clock.Add(time.Microsecond)
	return f.clock
}

func (f *fakeStore) NonTx() store.DBTX { return nil }

func (f *fakeStore) CountBacklog(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, it := range f.intents {
		switch it.Status {
		case model.IntentPending, model.IntentProcessing, model.IntentFailedRetriable:
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) InsertIntent(ctx context.Context, dbtx store.DBTX, intent model.AuditIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.intents[intent.EventID]; ok {
		return nil
	}
	now := f.now()
	intent.CreatedAt = now
	intent.UpdatedAt = now
	f.intents[intent.EventID] = intent
	return nil
}

func (f *fakeStore) ClaimCandidates(ctx context.Context, partitionID, limit int) ([]model.AuditIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AuditIntent
	now := time.Now()
	for _, it := range f.intents {
		if it.PartitionID != partitionID {
			continue
		}
		eligible := it.Status == model.IntentPending || it.Status == model.IntentFailedRetriable ||
			(it.Status == model.IntentProcessing && it.LeaseUntil.Before(now))
		if eligible {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ClaimIntent(ctx context.Context, eventID string, expectedUpdatedAt time.Time, leaseOwner string, leaseUntil time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.intents[eventID]
	if !ok || !it.UpdatedAt.Equal(expectedUpdatedAt) {
		return store.ErrCASConflict
	}
	it.Status = model.IntentProcessing
	it.LeaseOwner = leaseOwner
	it.LeaseUntil = leaseUntil
	it.UpdatedAt = f.now()
	f.intents[eventID] = it
	return nil
}

func (f *fakeStore) GetPartitionTail(ctx context.Context, dbtx store.DBTX, partitionID int) (int64, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.partitions[partitionID]
	if !ok {
		return 0, "", false, nil
	}
	return p.LastSequence, p.LastHash, true, nil
}

func (f *fakeStore) GetGlobalTail(ctx context.Context, dbtx store.DBTX) (int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.globalSeq, f.globalHash, nil
}

func (f *fakeStore) GetLatestCommittedLog(ctx context.Context) (int64, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.logs) == 0 {
		return 0, "", false, nil
	}
	last := f.logs[len(f.logs)-1]
	return last.Sequence, last.Hash, true, nil
}

func (f *fakeStore) ReconcileGlobalTail(ctx context.Context, seq int64, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq > f.globalSeq {
		f.globalSeq, f.globalHash = seq, hash
	}
	return nil
}

func (f *fakeStore) CASAdvanceGlobalTail(ctx context.Context, dbtx store.DBTX, expectedSeq int64, expectedHash string, newSeq int64, newHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.globalSeq != expectedSeq || f.globalHash != expectedHash {
		return store.ErrCASConflict
	}
	f.globalSeq, f.globalHash = newSeq, newHash
	return nil
}

func (f *fakeStore) CASAdvancePartitionTail(ctx context.Context, dbtx store.DBTX, partitionID int, expectedSeq int64, expectedHash string, newSeq int64, newHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.partitions[partitionID]
	if cur.LastSequence != expectedSeq || cur.LastHash != expectedHash {
		return store.ErrCASConflict
	}
	f.partitions[partitionID] = model.PartitionState{PartitionID: partitionID, LastSequence: newSeq, LastHash: newHash, UpdatedAt: f.now()}
	return nil
}

func (f *fakeStore) InsertAuditLog(ctx context.Context, dbtx store.DBTX, log model.AuditLog) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if remaining := f.failInsertTimes[log.EventID]; remaining > 0 {
		f.failInsertTimes[log.EventID] = remaining - 1
		return false, fmt.Errorf("simulated worker failure for %s", log.EventID)
	}

	inserted := false
	if _, exists := f.logByEventID[log.EventID]; exists || f.toleratedEventIDs[log.EventID] {
		// Duplicate-key on event_id: tolerated, no-op insert.
	} else if _, exists := f.logBySeq[log.Sequence]; exists {
		return false, fmt.Errorf("duplicate sequence %d", log.Sequence)
	} else {
		log.CommittedAt = f.now()
		f.logBySeq[log.Sequence] = log
		f.logByEventID[log.EventID] = log
		f.logs = append(f.logs, log)
		inserted = true
	}

	// Mirrors PGStore.InsertAuditLog: the intent's status update runs
	// unconditionally, whether or not the log insert itself was a no-op.
	if it, ok := f.intents[log.EventID]; ok {
		it.Status = model.IntentCommitted
		seq := log.Sequence
		it.GlobalSequence = &seq
		it.UpdatedAt = f.now()
		f.intents[log.EventID] = it
	}
	return inserted, nil
}

func (f *fakeStore) GetAuditLogsByEventIDs(ctx context.Context, dbtx store.DBTX, eventIDs []string) (map[string]model.AuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.AuditLog, len(eventIDs))
	for _, id := range eventIDs {
		if log, ok := f.logByEventID[id]; ok {
			out[id] = log
		}
	}
	return out, nil
}

func (f *fakeStore) GetLogHashBySequence(ctx context.Context, seq int64) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logBySeq[seq]
	if !ok {
		return "", false, nil
	}
	return l.Hash, true, nil
}

func (f *fakeStore) InsertLogDirect(ctx context.Context, log model.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.logBySeq[log.Sequence]; exists {
		return store.ErrDuplicateKey
	}
	log.CommittedAt = f.now()
	f.logBySeq[log.Sequence] = log
	f.logByEventID[log.EventID] = log
	f.logs = append(f.logs, log)
	return nil
}

func (f *fakeStore) ResetIntentToPending(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.intents[eventID]
	if !ok {
		return nil
	}
	it.Status = model.IntentPending
	it.LeaseOwner = ""
	it.LeaseUntil = time.Time{}
	it.UpdatedAt = f.now()
	f.intents[eventID] = it
	return nil
}

func (f *fakeStore) MarkIntentFailedRetriable(ctx context.Context, eventID, reason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.intents[eventID]
	if !ok {
		return 0, fmt.Errorf("unknown intent %s", eventID)
	}
	it.Status = model.IntentFailedRetriable
	it.ErrorLast = reason
	it.AttemptCount++
	it.UpdatedAt = f.now()
	f.intents[eventID] = it
	return it.AttemptCount, nil
}

func (f *fakeStore) MarkIntentFailedTerminal(ctx context.Context, eventID, reason string, detail map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.intents[eventID]
	if !ok {
		return nil
	}
	it.Status = model.IntentFailedTerminal
	it.ErrorLast = reason
	it.UpdatedAt = f.now()
	f.intents[eventID] = it
	f.failures[eventID] = detail
	return nil
}

func (f *fakeStore) GetLatestAnchor(ctx context.Context) (string, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.anchors) == 0 {
		return "", "", false, nil
	}
	last := f.anchors[len(f.anchors)-1]
	return last.AnchorID, last.AnchorHash, true, nil
}

func (f *fakeStore) ListPartitionTails(ctx context.Context) (map[int]model.PartitionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]model.PartitionState, len(f.partitions))
	for k, v := range f.partitions {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) InsertAnchor(ctx context.Context, anchor model.GlobalAnchor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anchors = append(f.anchors, anchor)
	return nil
}

func (f *fakeStore) WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}
