// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: defined in genesis, immutable, must match across all nodes
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/veilchain/veil-core/pkg/types"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// NodeConfig holds node-specific runtime configuration. These settings can
// vary between nodes without breaking consensus.
type NodeConfig struct {
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	Metrics MetricsConfig

	Log LogConfig
}

// MetricsConfig holds the Prometheus metrics listener settings.
type MetricsConfig struct {
	Enabled bool   `conf:"metrics.enabled"`
	Addr    string `conf:"metrics.addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Validator Configuration (consensus-critical, from genesis)
// =============================================================================

// ValidatorConfig mirrors the validator's consensus-critical parameters.
// All nodes MUST agree on these values; they are sourced from genesis, not
// from node-local flags.
type ValidatorConfig struct {
	// ConfirmationThreshold is the number of proposals a fork keeps
	// unconfirmed: a fork becomes confirmable once it holds at least
	// ConfirmationThreshold+1 proposals beyond the confirmed tip and
	// strictly outranks every other fork, and then its proposals beyond
	// the last ConfirmationThreshold are confirmed.
	ConfirmationThreshold uint64 `json:"confirmation_threshold"`

	// PoWTarget is the target time between blocks used by the difficulty
	// retarget algorithm.
	PoWTarget time.Duration `json:"pow_target"`

	// PoWFixedDifficulty pins the mining difficulty to a constant value,
	// bypassing the retarget algorithm entirely. Zero means "disabled":
	// the retarget algorithm in internal/pow runs normally. Intended for
	// test networks where predictable block times matter more than
	// difficulty realism.
	PoWFixedDifficulty uint64 `json:"pow_fixed_difficulty,omitempty"`

	// GenesisHash is the hash of the block every node must treat as height
	// zero. The genesis block itself is built by cmd/veild (it depends on
	// pkg/block, which this package cannot import without a cycle through
	// pkg/block's own dependency on config's block-size constants). No code
	// in this module reads this field or compares a locally built genesis
	// block against it.
	GenesisHash types.Hash `json:"genesis_hash"`

	// VerifyFees toggles fee-sufficiency checking in the verifier. Test
	// networks sometimes disable this to allow zero-fee transactions.
	VerifyFees bool `json:"verify_fees"`

	// Fees holds the coefficients compute_fee uses to derive the required
	// fee from a transaction's total gas.
	Fees FeePolicy `json:"fees"`
}

// FeePolicy holds the linear coefficients for compute_fee(total_gas) =
// BaseFee + GasPrice*total_gas. Both are expressed in base fee units.
type FeePolicy struct {
	BaseFee  uint64 `json:"base_fee"`
	GasPrice uint64 `json:"gas_price"`
}

// ComputeFee returns the minimum fee required for a transaction whose calls
// consumed totalGas units of contract-runtime gas.
func (p FeePolicy) ComputeFee(totalGas uint64) uint64 {
	return p.BaseFee + p.GasPrice*totalGas
}

// Block and transaction size limits (consensus-critical). pkg/block.Validate
// checks MaxBlockSize and MaxBlockTxs; no code in this module checks
// MaxCallsPerTx or MaxCallDataSize.
const (
	MaxBlockSize    = 2_000_000 // 2 MB max block size (header + all tx signing bytes)
	MaxBlockTxs     = 500       // max transactions per block (including the producer tx)
	MaxCallsPerTx   = 64        // max calls in a single transaction's call DAG
	MaxCallDataSize = 65_536    // 64 KB max opaque call data per call
)

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.veil
//	macOS:   ~/Library/Application Support/Veil
//	Windows: %APPDATA%\Veil
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".veil"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Veil")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Veil")
		}
		return filepath.Join(home, "AppData", "Roaming", "Veil")
	default:
		return filepath.Join(home, ".veil")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *NodeConfig) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// StateDir returns the validator state (blocks/overlay/kv) storage directory.
func (c *NodeConfig) StateDir() string {
	return filepath.Join(c.ChainDataDir(), "state")
}

// LogsDir returns the logs directory.
func (c *NodeConfig) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *NodeConfig) ConfigFile() string {
	return filepath.Join(c.DataDir, "veild.conf")
}
