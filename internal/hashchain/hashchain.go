package hashchain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Event is the canonicalizable shape that participates in every hash in this
// package: the log hash, the partition hash, the payload digest, and (via
// the same CanonicalJSON algorithm) the hardware-profile hash computed by
// the join controller. meta is the single opaque, tagged-value map the
// design notes call for — never a duck-typed object.
type Event struct {
	TS      int64          `json:"ts"`
	Level   string         `json:"level"`
	NodeID  string         `json:"node_id"`
	Source  string         `json:"source"`
	TraceID string         `json:"trace_id"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func eventFields(event Event) map[string]any {
	fields := map[string]any{
		"ts":       event.TS,
		"level":    event.Level,
		"node_id":  event.NodeID,
		"source":   event.Source,
		"trace_id": event.TraceID,
		"content":  event.Content,
	}
	if event.Meta != nil {
		fields["meta"] = event.Meta
	}
	return fields
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// LogHash computes the global chain hash for event at the given sequence,
// linked to previousHash. previousHash is "" for the first log.
func LogHash(event Event, sequence int64, previousHash string) (string, error) {
	payload := eventFields(event)
	payload["_sequence"] = sequence
	payload["_previous_hash"] = previousHash

	b, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalizing log hash payload: %w", err)
	}
	return sha256Hex(b), nil
}

// PartitionHash computes the per-partition chain hash for event at the
// given partition sequence, linked to partitionPreviousHash.
func PartitionHash(event Event, partitionSequence int64, partitionPreviousHash string) (string, error) {
	payload := eventFields(event)
	payload["partition_sequence"] = partitionSequence
	payload["partition_previous_hash"] = partitionPreviousHash

	b, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalizing partition hash payload: %w", err)
	}
	return sha256Hex(b), nil
}

// PayloadDigest computes the content digest of event alone, used as the
// input to the HMAC seal.
func PayloadDigest(event Event) (string, error) {
	b, err := CanonicalJSON(eventFields(event))
	if err != nil {
		return "", fmt.Errorf("canonicalizing payload digest: %w", err)
	}
	return sha256Hex(b), nil
}

// PayloadHMAC computes HMAC-SHA256(secret, digest) in hex, where digest is
// the hex string produced by PayloadDigest.
func PayloadHMAC(digest string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(digest))
	return hex.EncodeToString(mac.Sum(nil))
}

// PartitionOf deterministically assigns event to a partition in [0, p),
// stable across process restarts: it hashes node_id + "/" + trace_id and
// reduces modulo p.
func PartitionOf(event Event, p int) int {
	if p <= 0 {
		return 0
	}
	key := event.NodeID + "/" + event.TraceID
	sum := sha256.Sum256([]byte(key))
	// Fold the first 8 bytes into a uint64 and reduce modulo p. Using more
	// than one byte keeps the distribution stable even for small p.
	var acc uint64
	for _, b := range sum[:8] {
		acc = acc<<8 | uint64(b)
	}
	return int(acc % uint64(p))
}

// HardwareProfileHash computes SHA256(canonical_json(profile)) in hex, used
// by the join controller to resolve the incoming hardware-profile hash.
func HardwareProfileHash(profile any) (string, error) {
	b, err := CanonicalJSON(profile)
	if err != nil {
		return "", fmt.Errorf("canonicalizing hardware profile: %w", err)
	}
	return sha256Hex(b), nil
}

// AnchorHash computes SHA256(canonical_json({partition_heads, previous_anchor_hash})).
func AnchorHash(partitionHeads any, previousAnchorHash string) (string, error) {
	payload := map[string]any{
		"partition_heads":       partitionHeads,
		"previous_anchor_hash": previousAnchorHash,
	}
	b, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalizing anchor hash payload: %w", err)
	}
	return sha256Hex(b), nil
}

// IsHex64 reports whether s is a well-formed 64-character lowercase/uppercase
// hex string, the shape used for hwid and *_hash fields throughout the spec.
func IsHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
