package audit

import (
	"time"

	"github.com/nodemesh/controlplane/internal/hashchain"
	"github.com/nodemesh/controlplane/internal/model"
)

// EnqueueOptions carries the per-event context an enqueue call needs beyond
// the event payload itself.
type EnqueueOptions struct {
	RouteTag string
}

// EnqueueResult is the outcome of an enqueue or recordAuditEvent call.
type EnqueueResult struct {
	Accepted          bool
	Reason            string
	RetryAfterSeconds int
}

// toHashchainEvent adapts a model.AuditEventPayload into the shape the
// hash-chain primitives operate on. The two types are kept separate so
// internal/model stays free of hashing concerns.
func toHashchainEvent(p model.AuditEventPayload) hashchain.Event {
	return hashchain.Event{
		TS:      p.TS,
		Level:   p.Level,
		NodeID:  p.NodeID,
		Source:  p.Source,
		TraceID: p.TraceID,
		Content: p.Content,
		Meta:    p.Meta,
	}
}

// pendingCommit is one claimed intent with its computed chain positions,
// the unit the build step hands to the commit step per spec.md §4.2.4.
type pendingCommit struct {
	intent model.AuditIntent
	log    model.AuditLog
}

// batchResult is drainOnce's outcome, surfaced mainly for tests.
type batchResult struct {
	claimed   int
	committed int
}

// leaseDuration, batchSize, etc. come from Config (config.go). intentLease
// is the concrete (owner, until) pair assigned on claim.
type intentLease struct {
	owner string
	until time.Time
}
