package main

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/veilchain/veil-core/config"
	"github.com/veilchain/veil-core/internal/blockchain"
	"github.com/veilchain/veil-core/internal/contractrt"
	"github.com/veilchain/veil-core/internal/overlay"
	"github.com/veilchain/veil-core/internal/pow"
	"github.com/veilchain/veil-core/internal/zk"
	"github.com/veilchain/veil-core/pkg/block"
	"github.com/veilchain/veil-core/pkg/crypto"
	"github.com/veilchain/veil-core/pkg/tx"
	"github.com/veilchain/veil-core/pkg/types"
)

// systemContractID is the reserved contract ID the genesis producer call
// targets. Domain contracts (and the wasm runtime that would execute
// them) are out of scope; this ID exists only so genesis has a
// structurally valid block to bootstrap from — every real height after
// it is produced and verified by the actual domain contracts a deployment
// registers.
var systemContractID = types.ContractID{0xFF}

// systemGenesisRuntime is the trust-boot contract plugged in at the
// reserved system ID: it performs no state writes and costs no gas. It
// exists purely to give the genesis block one valid call to carry, not as
// a model for how real domain contracts behave.
type systemGenesisRuntime struct{}

func (systemGenesisRuntime) Exec(c tx.Call, ov *overlay.Overlay) (contractrt.Result, error) {
	return contractrt.Result{}, nil
}

func (systemGenesisRuntime) VerifyingKeys() map[uint16]zk.VerifyingKey {
	return nil
}

// buildGenesisBlock constructs the height-0 block for gen: a single
// producer call against the reserved system contract, carrying gen's
// chain ID and extra data as call data. It is never passed through
// AppendProposal/VerifyBlock (genesis has no parent to check structural
// linkage against) — bootstrapGenesis executes its call directly and
// persists the result.
func buildGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate genesis signing key: %w", err)
	}

	data := make([]byte, len(gen.ChainID)+len(gen.ExtraData)+8)
	copy(data, gen.ChainID)
	copy(data[len(gen.ChainID):], gen.ExtraData)
	binary.LittleEndian.PutUint64(data[len(data)-8:], 0) // declared fee (trailing 8 bytes): genesis is free

	b := tx.NewBuilder()
	b.AddCall(systemContractID, 0, data)
	b.AddProof(0, []byte("genesis"))
	if err := b.Sign(key); err != nil {
		return nil, fmt.Errorf("sign genesis producer tx: %w", err)
	}
	producer := b.Build()
	sig := producer.Signatures[0]
	producer.Signatures[0] = append(sig, key.PublicKey()...)

	hashes := []types.Hash{producer.Hash()}
	h := &block.Header{
		Version:    block.CurrentVersion,
		Previous:   types.Hash{},
		Height:     0,
		Timestamp:  gen.Timestamp,
		MerkleRoot: block.ComputeMerkleRoot(hashes),
	}
	return block.NewBlock(h, []*tx.Transaction{producer}), nil
}

// bootstrapGenesis initializes a fresh chain store: it executes the
// genesis block's calls directly against the base store (bypassing
// verify.VerifyBlock, which requires a parent), then persists the block,
// tip, and an initial difficulty record exactly as confirmation would.
// No-op if the chain already has a tip.
func bootstrapGenesis(bc *blockchain.Blockchain, registry *contractrt.Registry, gen *config.Genesis) error {
	switch _, _, err := bc.GetTip(); {
	case err == nil:
		return nil // already bootstrapped
	case err == blockchain.ErrNoTip:
		// fresh chain, proceed below
	default:
		return fmt.Errorf("check existing tip: %w", err)
	}

	genesisBlock, err := buildGenesisBlock(gen)
	if err != nil {
		return err
	}

	ov := overlay.New(bc.Base())
	for _, call := range genesisBlock.Transactions[0].Calls {
		res, err := registry.Exec(call, ov)
		if err != nil {
			return fmt.Errorf("execute genesis call: %w", err)
		}
		ov.ApplyDiff(res.Diff)
	}
	if err := ov.Apply(); err != nil {
		return fmt.Errorf("commit genesis state: %w", err)
	}

	if err := bc.PutBlock(0, genesisBlock); err != nil {
		return fmt.Errorf("persist genesis block: %w", err)
	}
	if err := bc.SetTip(0, genesisBlock.Hash()); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}

	difficulty := new(big.Int).SetUint64(gen.Protocol.PoWFixedDifficulty)
	if difficulty.Sign() == 0 {
		difficulty.SetInt64(1)
	}
	bd := pow.BlockDifficulty{
		Height:               0,
		Hash:                 genesisBlock.Hash(),
		Timestamp:            genesisBlock.Header.Timestamp,
		Difficulty:           new(big.Int).Set(difficulty),
		CumulativeDifficulty: new(big.Int).Set(difficulty),
		Ranks:                pow.BlockRanks{TargetsRank: new(big.Int), HashesRank: new(big.Int)},
	}
	if err := bc.PutDifficulty(bd); err != nil {
		return fmt.Errorf("persist genesis difficulty: %w", err)
	}
	if err := bc.PutCumulativeDifficulty(bd.CumulativeDifficulty); err != nil {
		return fmt.Errorf("persist genesis cumulative difficulty: %w", err)
	}
	return nil
}
