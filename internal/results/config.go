package results

// Config is the results endpoint's static configuration, per spec.md §6's
// call-depth header rule.
type Config struct {
	MaxCallDepth int `env:"RESULTS_MAX_CALL_DEPTH" envDefault:"16"`
}

// DefaultConfig returns the zero-config defaults.
func DefaultConfig() Config {
	return Config{MaxCallDepth: 16}
}
