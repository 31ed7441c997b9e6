package audit

import "time"

// Config holds the Audit Pipeline's tunables, per spec.md §4.2.1. Callers
// typically build one from internal/config.Config rather than by hand.
type Config struct {
	PartitionCount        int
	BatchSize             int
	FlushInterval         time.Duration
	AnchorInterval        time.Duration
	BacklogSoftLimit      int
	BacklogHardLimit      int
	LeaseDuration         time.Duration
	MaxRetryAttempts      int
	HMACSecret            []byte
	HMACKeyID             string
	EnableBackgroundLoops bool
}

// DefaultConfig returns the spec's defaults, used by tests that only need
// to override a handful of fields.
func DefaultConfig() Config {
	return Config{
		PartitionCount:        16,
		BatchSize:             32,
		FlushInterval:         20 * time.Millisecond,
		AnchorInterval:        1000 * time.Millisecond,
		BacklogSoftLimit:      3000,
		BacklogHardLimit:      8000,
		LeaseDuration:         10000 * time.Millisecond,
		MaxRetryAttempts:      5,
		EnableBackgroundLoops: true,
	}
}
