// Package audit implements the Audit Pipeline (AP): the durable,
// hash-chained event log every other component writes to. Events are
// admitted as intents, claimed by a drain loop in batches, and committed
// transactionally with compare-and-swap protection on the global and
// per-partition chain tails.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nodemesh/controlplane/internal/hashchain"
	"github.com/nodemesh/controlplane/internal/model"
	"github.com/nodemesh/controlplane/internal/store"
	"github.com/nodemesh/controlplane/internal/telemetry"
)

// Pipeline is the Audit Pipeline's process-local runtime: the global and
// per-partition chain tails, the backlog counter, and the background drain
// and anchor loops. Exactly one Pipeline should run per process against a
// given store.
type Pipeline struct {
	store  Store
	cfg    Config
	log    *slog.Logger
	nodeID string

	mu             sync.RWMutex
	ready          bool
	globalSeq      int64
	globalHash     string
	partitionTails map[int]partitionTail
	backlog        int64

	flushing atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type partitionTail struct {
	seq  int64
	hash string
}

// New constructs a Pipeline. Call Start before enqueueing events.
func New(st Store, cfg Config, log *slog.Logger) *Pipeline {
	return &Pipeline{
		store:          st,
		cfg:            cfg,
		log:            log,
		nodeID:         "ap-" + uuid.NewString(),
		partitionTails: make(map[int]partitionTail),
	}
}

// Start loads the chain tails and backlog count from the store, reconciles
// the singleton sequence-state against the latest committed log, and (if
// configured) starts the background drain and anchor loops. It is the only
// path that transitions the pipeline to READY.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq, hash, ok, err := p.store.GetLatestCommittedLog(ctx)
	if err != nil {
		return fmt.Errorf("loading latest committed log: %w", err)
	}
	if ok {
		if err := p.store.ReconcileGlobalTail(ctx, seq, hash); err != nil {
			return fmt.Errorf("reconciling global tail: %w", err)
		}
	}
	gSeq, gHash, err := p.store.GetGlobalTail(ctx, p.store.NonTx())
	if err != nil {
		return fmt.Errorf("loading global tail: %w", err)
	}
	p.globalSeq, p.globalHash = gSeq, gHash

	tails, err := p.store.ListPartitionTails(ctx)
	if err != nil {
		return fmt.Errorf("loading partition tails: %w", err)
	}
	p.partitionTails = make(map[int]partitionTail, len(tails))
	for id, t := range tails {
		p.partitionTails[id] = partitionTail{seq: t.LastSequence, hash: t.LastHash}
	}

	backlog, err := p.store.CountBacklog(ctx)
	if err != nil {
		return fmt.Errorf("counting backlog: %w", err)
	}
	atomic.StoreInt64(&p.backlog, int64(backlog))

	p.stopCh = make(chan struct{})
	if p.cfg.EnableBackgroundLoops {
		p.wg.Add(2)
		go p.runDrainLoop()
		go p.runAnchorLoop()
	}

	p.ready = true
	p.log.Info("audit pipeline ready", "global_sequence", p.globalSeq, "backlog", backlog, "partitions", len(p.partitionTails))
	return nil
}

// Stop clears the background timers and resets readiness. It does not wait
// for in-flight drains: per spec.md §5, in-flight intents remain in
// processing and their leases expire for another worker to reclaim.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	ready := p.ready
	stopCh := p.stopCh
	p.ready = false
	p.mu.Unlock()

	if !ready {
		return
	}
	close(stopCh)
}

// IsReady reports whether the pipeline has completed Start and not Stop.
func (p *Pipeline) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// Backlog returns the last known count of intents awaiting commit, used by
// the ops-alerting watcher; it may lag the store briefly between refreshes.
func (p *Pipeline) Backlog() int {
	return int(atomic.LoadInt64(&p.backlog))
}

// Enqueue admits event into the durable intent queue. It never blocks on a
// drain cycle: acceptance only guarantees the intent is durably queued, not
// committed.
func (p *Pipeline) Enqueue(ctx context.Context, event model.AuditEventPayload, opts EnqueueOptions) (EnqueueResult, error) {
	if !p.IsReady() {
		return EnqueueResult{Accepted: false, Reason: "pipeline_unavailable"}, nil
	}

	if atomic.LoadInt64(&p.backlog) >= int64(p.cfg.BacklogHardLimit) {
		count, err := p.store.CountBacklog(ctx)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("refreshing backlog count: %w", err)
		}
		atomic.StoreInt64(&p.backlog, int64(count))
		if count >= p.cfg.BacklogHardLimit {
			telemetry.AuditBackpressureTotal.Inc()
			return EnqueueResult{Accepted: false, Reason: "backpressure", RetryAfterSeconds: 1}, nil
		}
	}

	intent, err := p.buildIntent(event, opts)
	if err != nil {
		return EnqueueResult{}, err
	}

	if err := p.store.InsertIntent(ctx, p.store.NonTx(), intent); err != nil {
		return EnqueueResult{}, fmt.Errorf("inserting intent: %w", err)
	}
	atomic.AddInt64(&p.backlog, 1)
	telemetry.AuditEnqueuedTotal.Inc()
	telemetry.AuditBacklog.Set(float64(p.Backlog()))
	return EnqueueResult{Accepted: true}, nil
}

// buildIntent computes the digest, HMAC, and partition assignment for
// event, the pure part of enqueue shared by both the async and co-commit
// paths.
func (p *Pipeline) buildIntent(event model.AuditEventPayload, opts EnqueueOptions) (model.AuditIntent, error) {
	hcEvent := toHashchainEvent(event)
	digest, err := hashchain.PayloadDigest(hcEvent)
	if err != nil {
		return model.AuditIntent{}, fmt.Errorf("computing payload digest: %w", err)
	}
	mac := hashchain.PayloadHMAC(digest, p.cfg.HMACSecret)
	partitionID := hashchain.PartitionOf(hcEvent, p.cfg.PartitionCount)

	return model.AuditIntent{
		EventID:       uuid.NewString(),
		RouteTag:      opts.RouteTag,
		PartitionID:   partitionID,
		Status:        model.IntentPending,
		Payload:       event,
		PayloadDigest: digest,
		PayloadHMAC:   mac,
		HMACKeyID:     p.cfg.HMACKeyID,
	}, nil
}

// EnqueueIntentTx is Enqueue's co-commit variant: the insert runs inside
// dbtx, the caller's own transaction, so a node mutation and its audit
// intent commit atomically. It still accounts for backpressure against the
// in-memory counter, but does not itself commit or roll back dbtx — the
// caller (internal/join) owns the transaction lifecycle.
func (p *Pipeline) EnqueueIntentTx(ctx context.Context, dbtx store.DBTX, event model.AuditEventPayload, opts EnqueueOptions) (model.AuditIntent, EnqueueResult, error) {
	if !p.IsReady() {
		return model.AuditIntent{}, EnqueueResult{Accepted: false, Reason: "pipeline_unavailable"}, nil
	}
	if atomic.LoadInt64(&p.backlog) >= int64(p.cfg.BacklogHardLimit) {
		count, err := p.store.CountBacklog(ctx)
		if err != nil {
			return model.AuditIntent{}, EnqueueResult{}, fmt.Errorf("refreshing backlog count: %w", err)
		}
		atomic.StoreInt64(&p.backlog, int64(count))
		if count >= p.cfg.BacklogHardLimit {
			telemetry.AuditBackpressureTotal.Inc()
			return model.AuditIntent{}, EnqueueResult{Accepted: false, Reason: "backpressure", RetryAfterSeconds: 1}, nil
		}
	}

	intent, err := p.buildIntent(event, opts)
	if err != nil {
		return model.AuditIntent{}, EnqueueResult{}, err
	}
	if err := p.store.InsertIntent(ctx, dbtx, intent); err != nil {
		return model.AuditIntent{}, EnqueueResult{}, fmt.Errorf("inserting intent: %w", err)
	}
	atomic.AddInt64(&p.backlog, 1)
	telemetry.AuditEnqueuedTotal.Inc()
	telemetry.AuditBacklog.Set(float64(p.Backlog()))
	return intent, EnqueueResult{Accepted: true}, nil
}

// RecordAuditEvent is the direct synchronous-or-async entry point used by
// components (join, plugin substrate) that just want an event durably
// appended and don't need to co-commit it with another write. If the
// pipeline is READY the event is enqueued for asynchronous commit; if not,
// it falls back to the synchronous path in fallback.go.
func (p *Pipeline) RecordAuditEvent(ctx context.Context, event model.AuditEventPayload, opts EnqueueOptions) (*model.AuditLog, error) {
	if !p.IsReady() {
		return p.fallbackCommit(ctx, event)
	}
	result, err := p.Enqueue(ctx, event, opts)
	if err != nil {
		return nil, err
	}
	if !result.Accepted {
		if result.Reason == "backpressure" {
			return nil, &Error{Kind: KindBackpressure, Message: "audit backlog exceeds hard limit", RetryAfterSeconds: result.RetryAfterSeconds}
		}
		return nil, newError(KindInternalError, "pipeline unavailable")
	}
	return nil, nil
}

// DrainOnce runs a single claim→build→commit cycle. Reentrancy within one
// process is guarded by the flushing flag; a call that finds a drain
// already in flight returns nil immediately.
func (p *Pipeline) DrainOnce(ctx context.Context) error {
	if !p.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer p.flushing.Store(false)

	for partitionID := 0; partitionID < p.cfg.PartitionCount; partitionID++ {
		if _, err := p.drainPartition(ctx, partitionID); err != nil {
			p.log.Error("draining partition failed", "partition_id", partitionID, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) runDrainLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.DrainOnce(context.Background()); err != nil {
				p.log.Error("drain loop tick failed", "error", err)
			}
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pipeline) runAnchorLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.AnchorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.writeAnchor(context.Background()); err != nil {
				p.log.Error("anchor writer tick failed", "error", err)
			}
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pipeline) getPartitionTail(partitionID int) (int64, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t := p.partitionTails[partitionID]
	return t.seq, t.hash
}

func (p *Pipeline) setPartitionTail(partitionID int, seq int64, hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partitionTails[partitionID] = partitionTail{seq: seq, hash: hash}
}

func (p *Pipeline) getGlobalTail() (int64, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.globalSeq, p.globalHash
}

func (p *Pipeline) setGlobalTail(seq int64, hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.globalSeq, p.globalHash = seq, hash
}

// reloadTailsFromStore re-reads the global tail, one partition's tail, and
// the backlog counter from the store, the recovery step run after a CAS
// conflict per spec.md §4.2.5.
func (p *Pipeline) reloadTailsFromStore(ctx context.Context, partitionID int) error {
	gSeq, gHash, err := p.store.GetGlobalTail(ctx, p.store.NonTx())
	if err != nil {
		return fmt.Errorf("reloading global tail: %w", err)
	}
	p.setGlobalTail(gSeq, gHash)

	pSeq, pHash, ok, err := p.store.GetPartitionTail(ctx, p.store.NonTx(), partitionID)
	if err != nil {
		return fmt.Errorf("reloading partition %d tail: %w", partitionID, err)
	}
	if ok {
		p.setPartitionTail(partitionID, pSeq, pHash)
	}

	count, err := p.store.CountBacklog(ctx)
	if err != nil {
		return fmt.Errorf("reloading backlog: %w", err)
	}
	atomic.StoreInt64(&p.backlog, int64(count))
	return nil
}
