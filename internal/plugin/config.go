package plugin

import "time"

// Config is the substrate's static configuration, per spec.md §4.4.2's
// circuit-breaker defaults and §4.4.3's context-bridge defaults.
type Config struct {
	MaxRestarts         int           `env:"PLUGIN_MAX_RESTARTS" envDefault:"3"`
	MemoryThresholdMiB  int64         `env:"PLUGIN_MEMORY_THRESHOLD_MIB" envDefault:"512"`
	ConfigQuotaMiB      int64         `env:"PLUGIN_CONFIG_QUOTA_MIB" envDefault:"100"`
	CallServiceTimeout  time.Duration `env:"PLUGIN_CALL_SERVICE_TIMEOUT" envDefault:"5s"`
	ReloadGracePeriod   time.Duration `env:"PLUGIN_RELOAD_GRACE_PERIOD" envDefault:"1s"`
	BridgeBookkeeping   time.Duration `env:"PLUGIN_BRIDGE_BOOKKEEPING" envDefault:"100ms"`
	ConfigEncryptionKey string        `env:"PLUGIN_CONFIG_ENCRYPTION_KEY,required"`
}

// DefaultConfig returns the spec's documented defaults; callers in tests
// must still supply a ConfigEncryptionKey.
func DefaultConfig() Config {
	return Config{
		MaxRestarts:        3,
		MemoryThresholdMiB: 512,
		ConfigQuotaMiB:     100,
		CallServiceTimeout: 5 * time.Second,
		ReloadGracePeriod:  time.Second,
		BridgeBookkeeping:  100 * time.Millisecond,
	}
}

func (c Config) memoryThresholdBytes() int64 { return c.MemoryThresholdMiB * 1024 * 1024 }
func (c Config) configQuotaBytes() int64     { return c.ConfigQuotaMiB * 1024 * 1024 }
