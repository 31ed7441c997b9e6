// Package model holds the data shapes shared between the audit pipeline,
// the join controller, and the document-store adapter that persists both.
// Keeping them here (instead of in internal/store) lets internal/audit and
// internal/join depend on the shapes without depending on the storage
// engine that backs them.
package model

import "time"

// AuditIntentStatus is the lifecycle state of an audit intent row, per
// spec.md §4.2.2.
type AuditIntentStatus string

const (
	IntentPending         AuditIntentStatus = "pending"
	IntentProcessing      AuditIntentStatus = "processing"
	IntentCommitted       AuditIntentStatus = "committed"
	IntentFailedRetriable AuditIntentStatus = "failed_retriable"
	IntentFailedTerminal  AuditIntentStatus = "failed_terminal"
)

// AuditIntent is a durable row recording a caller's request to append one
// event to the hash chain, independent of whether it has been committed
// yet. route_tag groups events for the join controller's co-commit path.
type AuditIntent struct {
	EventID          string
	RouteTag         string
	PartitionID      int
	Status           AuditIntentStatus
	LeaseOwner       string
	LeaseUntil       time.Time
	AttemptCount     int
	Payload          AuditEventPayload
	PayloadDigest    string
	PayloadHMAC      string
	HMACKeyID        string
	GlobalSequence   *int64
	CommittedAt      *time.Time
	ErrorLast        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AuditEventPayload is the caller-supplied content of an audit event, the
// same shape as hashchain.Event but decoupled from that package so model
// stays free of hashing concerns.
type AuditEventPayload struct {
	TS      int64          `json:"ts"`
	Level   string         `json:"level"`
	NodeID  string         `json:"node_id"`
	Source  string         `json:"source"`
	TraceID string         `json:"trace_id"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// AuditLog is one committed, immutable row of the global hash chain.
type AuditLog struct {
	Sequence              int64
	EventID               string
	ChainVersion          int
	PartitionID           int
	PartitionSequence     int64
	PartitionPreviousHash string
	PartitionHash         string
	PreviousHash          string
	Hash                  string
	Payload               AuditEventPayload
	CommittedAt           time.Time
}

// PartitionState is the tail pointer of one partition's chain.
type PartitionState struct {
	PartitionID  int
	LastSequence int64
	LastHash     string
	UpdatedAt    time.Time
}

// SequenceState is the singleton global-chain tail pointer.
type SequenceState struct {
	GlobalLastSequence int64
	GlobalLastHash     string
}

// GlobalAnchor is a periodic checkpoint binding every partition's current
// tail into one chained, externally verifiable hash.
type GlobalAnchor struct {
	AnchorID           string
	TS                 time.Time
	PartitionHeads      map[string]PartitionHead
	PreviousAnchorHash string
	AnchorHash         string
}

// PartitionHead is one partition's tail as recorded inside a GlobalAnchor.
type PartitionHead struct {
	LastSequence int64  `json:"last_sequence"`
	LastHash     string `json:"last_hash"`
}

// FailureRecord is written when an intent exhausts its retry budget and is
// moved to failed_terminal, per spec.md §4.2.5.
type FailureRecord struct {
	EventID   string
	Reason    string
	Detail    map[string]any
	CreatedAt time.Time
}

// NodeStatus is the join controller's view of a node's current lifecycle
// state, independent of the audit trail of how it got there.
type NodeStatus struct {
	Online           bool   `json:"online"`
	ConnectionStatus string `json:"connection_status"`
	LastSeen         string `json:"last_seen,omitempty"`
}

// Connection status values a node's NodeStatus.ConnectionStatus may hold.
const (
	ConnectionOnline          = "online"
	ConnectionOffline         = "offline"
	ConnectionPendingApproval = "pending_approval"
)

// IPShadowLease tracks the reclaim state of an IP a node previously held,
// the mechanism the join controller uses to detect a stale re-join racing
// a newer claim on the same address.
type IPShadowLease struct {
	ReclaimStatus     string `json:"reclaim_status,omitempty"`
	ReclaimGeneration int64  `json:"reclaim_generation"`
}

// Reclaim status values an IPShadowLease.ReclaimStatus may hold.
const (
	LeaseActive    = "ACTIVE"
	LeaseReclaimed = "RECLAIMED"
)

// NetworkInfo records the node's most recently assigned virtual network
// identity, including the IP shadow-lease generation used to detect a
// stale re-join racing a newer claim on the same address.
type NetworkInfo struct {
	VirtualIP     string         `json:"virtual_ip"`
	Mode          string         `json:"mode"`
	V             int            `json:"v"`
	IPShadowLease *IPShadowLease `json:"ip_shadow_lease,omitempty"`
}

// HardwareProfileDrift records whether the node's most recent join disagreed
// with its stored baseline hash, per spec.md §4.3.3.
type HardwareProfileDrift struct {
	Detected     bool   `json:"detected"`
	BaselineHash string `json:"baseline_hash,omitempty"`
	IncomingHash string `json:"incoming_hash,omitempty"`
	DetectedAt   string `json:"detected_at,omitempty"`
}

// Node is the durable record the join controller co-commits alongside an
// audit intent for every join decision that mutates node state.
type Node struct {
	NodeID              string
	OrgID               string
	HWID                string
	Hostname            string
	Persona             string
	HardwareProfile     map[string]any
	HardwareProfileHash string
	HardwareProfileDrift *HardwareProfileDrift
	Network             NetworkInfo
	Status              NodeStatus
	CreatedAt           time.Time
}
