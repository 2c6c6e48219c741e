// Veild is the proof-of-work, fork-aware validator core daemon for an
// anonymous layer-1 chain.
//
// Usage:
//
//	veild                  Run the node on mainnet
//	veild --testnet        Run the node on testnet
//	veild --help           Show help
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/veilchain/veil-core/config"
	"github.com/veilchain/veil-core/internal/blockchain"
	"github.com/veilchain/veil-core/internal/consensus"
	"github.com/veilchain/veil-core/internal/contractrt"
	vlog "github.com/veilchain/veil-core/internal/log"
	"github.com/veilchain/veil-core/internal/metrics"
	"github.com/veilchain/veil-core/internal/pow"
	"github.com/veilchain/veil-core/internal/storage"
	"github.com/veilchain/veil-core/internal/validator"
	"github.com/veilchain/veil-core/internal/verify"
	"github.com/veilchain/veil-core/internal/zk"
)

// confirmationInterval is how often the ticker loop runs a confirmation
// pass and a pending-tx purge. It is deliberately much shorter than any
// realistic PoWTarget so a fork crossing the confirmation threshold gets
// promoted promptly rather than waiting on the next mined block.
const confirmationInterval = 5 * time.Second

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 2. Init logger ───────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logFile = cfg.LogsDir() + "/veild.log"
	}
	if err := vlog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := vlog.WithComponent("node")

	// ── 3. Genesis (hardcoded per network, not loaded from file) ────────
	genesis := config.GenesisFor(cfg.Network)
	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Uint64("confirmation_threshold", genesis.Protocol.ConfirmationThreshold).
		Dur("pow_target", genesis.Protocol.PoWTarget).
		Msg("starting veild")

	// ── 4. Open storage ───────────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ChainDataDir()).Msg("failed to open database")
	}
	defer db.Close()
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("database opened")

	bc := blockchain.New(db)

	// ── 5. Contract registry ──────────────────────────────────────────────
	// The wasm runtime and the domain contracts themselves are out of
	// scope; the only registered contract is the reserved system contract
	// that gives the genesis block a structurally valid producer call.
	registry := contractrt.NewRegistry()
	if err := registry.Register(systemContractID, systemGenesisRuntime{}); err != nil {
		logger.Fatal().Err(err).Msg("failed to register genesis contract")
	}
	registry.Seal()

	// ── 6. Bootstrap genesis if this is a fresh database ──────────────────
	if err := bootstrapGenesis(bc, registry, genesis); err != nil {
		logger.Fatal().Err(err).Msg("failed to bootstrap genesis")
	}

	// ── 7. Wire verifier, PoW module, and consensus ────────────────────────
	// RejectAllVerifier is the safe placeholder until a real zk-SNARK
	// verifier is wired in; the prover's internals are out of scope.
	verifier := verify.New(registry, zk.RejectAllVerifier{}, genesis.Protocol.Fees)

	targetSeconds := uint32(genesis.Protocol.PoWTarget / time.Second)
	var fixedDifficulty *big.Int
	if genesis.Protocol.PoWFixedDifficulty > 0 {
		fixedDifficulty = new(big.Int).SetUint64(genesis.Protocol.PoWFixedDifficulty)
	}
	module := pow.New(targetSeconds, fixedDifficulty, pow.DefaultWindowSize)

	cons, err := consensus.New(genesis.Protocol.ConfirmationThreshold, bc, verifier, module)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create consensus")
	}

	// If resuming a chain already past genesis, rebuild the canonical PoW
	// module from persisted difficulty records and reseed forks at the
	// confirmed tip, per ResetPoWModule's documented startup-recovery use.
	if tipHeight, tipHash, err := bc.GetTip(); err == nil && tipHeight > 0 {
		if err := cons.ResetPoWModule(0, tipHeight, targetSeconds, fixedDifficulty); err != nil {
			logger.Fatal().Err(err).Msg("failed to rebuild PoW module from history")
		}
		cons.ResetForks(tipHeight, tipHash)
		logger.Info().Uint32("height", tipHeight).Msg("resumed chain at confirmed tip")
	}

	val := validator.New(bc, cons, verifier, genesis.Protocol)

	// ── 8. Start metrics listener ───────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics listener enabled")
	}

	// ── 9. Confirmation / purge ticker loop ────────────────────────────────
	go runConfirmationLoop(ctx, val, logger)

	// ── 10. Wait for shutdown signal ────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	cancel()
}

// runConfirmationLoop periodically promotes confirmable blocks and drops
// pending transactions no longer valid against any fork, until ctx is
// canceled.
func runConfirmationLoop(ctx context.Context, val *validator.Validator, logger zerolog.Logger) {
	ticker := time.NewTicker(confirmationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			promoted, err := val.Confirmation()
			if err != nil {
				logger.Debug().Err(err).Msg("confirmation pass found nothing to promote")
			} else if len(promoted) > 0 {
				logger.Info().Int("count", len(promoted)).Msg("confirmed blocks")
			}

			purged, err := val.PurgePendingTxs()
			if err != nil {
				logger.Error().Err(err).Msg("purge pending txs failed")
			} else if len(purged) > 0 {
				logger.Info().Int("count", len(purged)).Msg("purged invalidated pending transactions")
			}
		}
	}
}
