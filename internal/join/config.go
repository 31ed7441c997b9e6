package join

// Config is the join controller's static configuration, sourced from
// environment the same way every other component's Config is.
type Config struct {
	VirtualNetworkCIDR  string `env:"JOIN_VIRTUAL_NETWORK_CIDR" envDefault:"10.100.0.0/16"`
	VirtualNetworkMode  string `env:"JOIN_VIRTUAL_NETWORK_MODE" envDefault:"mesh"`
	WireContractVersion string `env:"JOIN_WIRE_CONTRACT_VERSION" envDefault:"1"`
	DefaultOrgID        string `env:"JOIN_DEFAULT_ORG_ID" envDefault:"default"`
}

// DefaultConfig returns the zero-config defaults, used by tests and any
// caller that does not load Config from the environment.
func DefaultConfig() Config {
	return Config{
		VirtualNetworkCIDR:  "10.100.0.0/16",
		VirtualNetworkMode:  "mesh",
		WireContractVersion: "1",
		DefaultOrgID:        "default",
	}
}
