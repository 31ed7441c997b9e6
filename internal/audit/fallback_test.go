package audit

import (
	"context"
	"testing"
	"time"

	"github.com/nodemesh/controlplane/internal/hashchain"
	"github.com/nodemesh/controlplane/internal/model"
)

// TestFallback_WaitsForDelayedPredecessor simulates the window the
// synchronous fallback path must tolerate: the global tail has already been
// claimed for sequence 1 (by a concurrent fallback call), but that row is
// not yet visible in the log table. A second fallback call for sequence 2
// must block until it becomes visible, then link to its real hash.
func TestFallback_WaitsForDelayedPredecessor(t *testing.T) {
	fs := newFakeStore()
	cfg := testConfig()
	p := New(fs, cfg, testLogger())

	event1 := samplePayload("predecessor")
	hcEvent1 := toHashchainEvent(event1)
	globalHash1, err := hashchain.LogHash(hcEvent1, 1, "")
	if err != nil {
		t.Fatalf("LogHash: %v", err)
	}

	// Simulate a concurrent fallback writer that has already won the CAS on
	// the global tail but hasn't inserted its row yet.
	fs.mu.Lock()
	fs.globalSeq = 1
	fs.globalHash = globalHash1
	fs.mu.Unlock()

	event2 := samplePayload("successor")

	resultCh := make(chan *model.AuditLog, 1)
	errCh := make(chan error, 1)
	go func() {
		log, err := p.fallbackCommit(context.Background(), event2)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- log
	}()

	// Give fallbackCommit time to observe the pending predecessor and start
	// backing off before making log#1 visible, mirroring S4's 380ms delay.
	time.Sleep(30 * time.Millisecond)
	if err := fs.InsertLogDirect(context.Background(), model.AuditLog{
		Sequence:      1,
		EventID:       "predecessor-event",
		ChainVersion:  1,
		PartitionID:   hashchain.PartitionOf(hcEvent1, cfg.PartitionCount),
		PreviousHash:  "",
		Hash:          globalHash1,
		Payload:       event1,
	}); err != nil {
		t.Fatalf("InsertLogDirect(event1): %v", err)
	}

	select {
	case log2 := <-resultCh:
		if log2.PreviousHash != globalHash1 {
			t.Fatalf("event2.previous_hash = %q, want %q", log2.PreviousHash, globalHash1)
		}
		if log2.Sequence != 2 {
			t.Fatalf("event2.sequence = %d, want 2", log2.Sequence)
		}
	case err := <-errCh:
		t.Fatalf("fallbackCommit(event2): %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event2's fallback commit")
	}
}

func TestFallback_SequentialCommitsLinkChain(t *testing.T) {
	fs := newFakeStore()
	cfg := testConfig()
	p := New(fs, cfg, testLogger())
	ctx := context.Background()

	event := samplePayload("solo")
	log, err := p.fallbackCommit(ctx, event)
	if err != nil {
		t.Fatalf("fallbackCommit: %v", err)
	}
	if log.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", log.Sequence)
	}
	if log.PreviousHash != "" {
		t.Fatalf("previous_hash = %q, want empty for the first log", log.PreviousHash)
	}

	second, err := p.fallbackCommit(ctx, samplePayload("second"))
	if err != nil {
		t.Fatalf("fallbackCommit second: %v", err)
	}
	if second.Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", second.Sequence)
	}
	if second.PreviousHash != log.Hash {
		t.Fatalf("previous_hash = %q, want %q", second.PreviousHash, log.Hash)
	}
}
