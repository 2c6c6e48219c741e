package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *NodeConfig {
	return &NodeConfig{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9400",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *NodeConfig {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Metrics.Addr = "127.0.0.1:9401"
	return cfg
}

// DefaultNodeConfig returns the default node configuration for the given network.
func DefaultNodeConfig(network NetworkType) *NodeConfig {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}

// DefaultValidatorConfig returns the default consensus-critical parameters
// used when no genesis override is present. Real networks should always
// source these from genesis; these defaults exist for tests and local dev.
func DefaultValidatorConfig() *ValidatorConfig {
	return &ValidatorConfig{
		ConfirmationThreshold: 11,
		PoWTarget:             90 * time.Second,
		VerifyFees:            true,
		Fees: FeePolicy{
			BaseFee:  1_000,
			GasPrice: 10,
		},
	}
}
