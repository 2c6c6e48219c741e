package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/veilchain/veil-core/pkg/crypto"
	"github.com/veilchain/veil-core/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Genesis holds chain identity and the consensus-critical protocol rules.
// Immutable after chain launch — changes require a hard fork.
type Genesis struct {
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`

	// Timestamp is the genesis block's header timestamp.
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	Protocol ValidatorConfig `json:"protocol"`
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "veil-mainnet-1",
		ChainName: "Veil Mainnet",
		Timestamp: uint64(time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC).Unix()),
		ExtraData: "Veil Genesis",
		Protocol: ValidatorConfig{
			ConfirmationThreshold: 11,
			PoWTarget:             90 * time.Second,
			VerifyFees:            true,
			Fees: FeePolicy{
				BaseFee:  1_000,
				GasPrice: 10,
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "veil-testnet-1"
	g.ChainName = "Veil Testnet"
	g.ExtraData = "Veil Testnet Genesis"

	// Relaxed rules for testnet: shallower confirmation lead, fixed
	// difficulty so test blocks don't require real mining hardware.
	g.Protocol.ConfirmationThreshold = 3
	g.Protocol.PoWFixedDifficulty = 1
	g.Protocol.VerifyFees = false

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is internally consistent.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if g.Timestamp == 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	return ValidateValidatorConfig(&g.Protocol)
}

// Hash returns a BLAKE3 hash of the genesis configuration. Used to identify
// the chain and detect genesis mismatches between peers.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
