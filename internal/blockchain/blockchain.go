package blockchain

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"math/big"

	"github.com/veilchain/veil-core/internal/overlay"
	"github.com/veilchain/veil-core/internal/pow"
	"github.com/veilchain/veil-core/internal/storage"
	"github.com/veilchain/veil-core/pkg/block"
	"github.com/veilchain/veil-core/pkg/tx"
	"github.com/veilchain/veil-core/pkg/types"
)

// ErrNoTip reports an empty chain: no block has ever been confirmed.
var ErrNoTip = errors.New("blockchain: no confirmed tip")

// TxStatus records where a transaction sits in the confirmed/pending
// lifecycle, persisted in txs.history.
type TxStatus byte

const (
	TxStatusUnknown TxStatus = iota
	TxStatusPending
	TxStatusConfirmed
)

// Blockchain is the persisted confirmed-chain storage layer: the single
// source of truth the validator façade and consensus read from and write
// to under the append lock. It wraps a base KV store directly (never an
// overlay) — overlay writes land here only via Apply at confirmation
// time.
type Blockchain struct {
	base storage.DB
}

// New wraps base as the confirmed-chain store.
func New(base storage.DB) *Blockchain {
	return &Blockchain{base: base}
}

// Base returns the underlying store, for callers (Consensus, the
// Validator façade) that need to construct an Overlay over it.
func (bc *Blockchain) Base() storage.DB {
	return bc.base
}

// PutBlock persists a confirmed block at height, indexed by both height
// and hash.
func (bc *Blockchain) PutBlock(height uint32, blk *block.Block) error {
	data, err := encodeGob(blk)
	if err != nil {
		return fmt.Errorf("blockchain: encode block: %w", err)
	}
	hash := blk.Hash()
	if err := bc.put(blockByHashKey(hash), data); err != nil {
		return err
	}
	heightData := make([]byte, 32)
	copy(heightData, hash[:])
	return bc.put(blockByHeightKey(height), heightData)
}

// GetBlockByHeight returns the confirmed block at height.
func (bc *Blockchain) GetBlockByHeight(height uint32) (*block.Block, error) {
	hashBytes, err := bc.base.Get(blockByHeightKey(height))
	if err != nil {
		return nil, err
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return bc.GetBlockByHash(hash)
}

// GetBlockByHash returns the confirmed block with the given hash.
func (bc *Blockchain) GetBlockByHash(hash types.Hash) (*block.Block, error) {
	data, err := bc.base.Get(blockByHashKey(hash))
	if err != nil {
		return nil, err
	}
	var blk block.Block
	if err := decodeGob(data, &blk); err != nil {
		return nil, fmt.Errorf("blockchain: decode block: %w", err)
	}
	return &blk, nil
}

// HasBlock reports whether a block with the given hash is confirmed.
func (bc *Blockchain) HasBlock(hash types.Hash) bool {
	ok, err := bc.base.Has(blockByHashKey(hash))
	return err == nil && ok
}

// SetTip records the confirmed chain's current tip.
func (bc *Blockchain) SetTip(height uint32, hash types.Hash) error {
	data := make([]byte, 4+32)
	binary.BigEndian.PutUint32(data, height)
	copy(data[4:], hash[:])
	return bc.put([]byte(keyTip), data)
}

// GetTip returns the confirmed chain's current tip height and hash.
func (bc *Blockchain) GetTip() (uint32, types.Hash, error) {
	data, err := bc.base.Get([]byte(keyTip))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, types.Hash{}, ErrNoTip
	}
	if err != nil {
		return 0, types.Hash{}, err
	}
	if len(data) != 4+32 {
		return 0, types.Hash{}, fmt.Errorf("blockchain: corrupt tip record (%d bytes)", len(data))
	}
	height := binary.BigEndian.Uint32(data[:4])
	var hash types.Hash
	copy(hash[:], data[4:])
	return height, hash, nil
}

// PutDifficulty persists bd at its height using the key scheme
// internal/pow already defines (bd/<height>), keeping one canonical key
// format shared between the two packages.
func (bc *Blockchain) PutDifficulty(bd pow.BlockDifficulty) error {
	data, err := bd.Marshal()
	if err != nil {
		return fmt.Errorf("blockchain: marshal block difficulty: %w", err)
	}
	return bc.put(pow.DifficultyKey(bd.Height), data)
}

// GetDifficulty returns the difficulty record at height.
func (bc *Blockchain) GetDifficulty(height uint32) (pow.BlockDifficulty, error) {
	data, err := bc.base.Get(pow.DifficultyKey(height))
	if err != nil {
		return pow.BlockDifficulty{}, err
	}
	return pow.UnmarshalBlockDifficulty(data)
}

// PutInverseDiff persists the diff that undoes the block at height,
// enabling reset_to_height.
func (bc *Blockchain) PutInverseDiff(height uint32, diff overlay.Diff) error {
	data, err := encodeGob(diff)
	if err != nil {
		return fmt.Errorf("blockchain: encode inverse diff: %w", err)
	}
	return bc.put(inverseDiffKey(height), data)
}

// GetInverseDiff returns the inverse diff stored for height.
func (bc *Blockchain) GetInverseDiff(height uint32) (overlay.Diff, error) {
	data, err := bc.base.Get(inverseDiffKey(height))
	if err != nil {
		return overlay.Diff{}, err
	}
	var diff overlay.Diff
	if err := decodeGob(data, &diff); err != nil {
		return overlay.Diff{}, fmt.Errorf("blockchain: decode inverse diff: %w", err)
	}
	return diff, nil
}

// DeleteInverseDiff removes the inverse diff for height, e.g. once it is
// far enough behind the tip that rewind no longer targets it.
func (bc *Blockchain) DeleteInverseDiff(height uint32) error {
	return bc.delete(inverseDiffKey(height))
}

// DeleteBlock removes a confirmed block's height and hash index entries.
// Used by reset_to_height when rewinding past a height.
func (bc *Blockchain) DeleteBlock(height uint32, hash types.Hash) error {
	if err := bc.delete(blockByHeightKey(height)); err != nil {
		return err
	}
	return bc.delete(blockByHashKey(hash))
}

// DeleteDifficulty removes the difficulty record at height. Used by
// reset_to_height when rewinding past a height, and by
// rebuild_block_difficulties before recomputing the table from scratch.
func (bc *Blockchain) DeleteDifficulty(height uint32) error {
	return bc.delete(pow.DifficultyKey(height))
}

// UnmarkTxConfirmed removes a transaction's confirmed-height record and
// history entry. Used by reset_to_height when rewinding past the height
// a transaction was confirmed at; the transaction itself is not
// re-queued as pending here, that is the caller's decision.
func (bc *Blockchain) UnmarkTxConfirmed(txHash types.Hash) error {
	if err := bc.delete(txConfirmedKey(txHash)); err != nil {
		return err
	}
	return bc.delete(txHistoryKey(txHash))
}

// PutCumulativeDifficulty persists the chain's running cumulative
// difficulty as decimal bytes, for arbitrary-precision round-tripping.
func (bc *Blockchain) PutCumulativeDifficulty(v *big.Int) error {
	return bc.put([]byte(keyCumDiff), []byte(v.String()))
}

// GetCumulativeDifficulty returns the persisted cumulative difficulty, or
// zero if none has been recorded yet.
func (bc *Blockchain) GetCumulativeDifficulty() (*big.Int, error) {
	data, err := bc.base.Get([]byte(keyCumDiff))
	if errors.Is(err, storage.ErrNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(string(data), 10)
	if !ok {
		return nil, fmt.Errorf("blockchain: corrupt cumulative difficulty %q", data)
	}
	return v, nil
}

// MarkTxConfirmed records the height a transaction was confirmed at.
func (bc *Blockchain) MarkTxConfirmed(txHash types.Hash, height uint32) error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, height)
	if err := bc.put(txConfirmedKey(txHash), data); err != nil {
		return err
	}
	hist := append([]byte{byte(TxStatusConfirmed)}, data...)
	return bc.put(txHistoryKey(txHash), hist)
}

// GetTxConfirmedHeight returns the height txHash was confirmed at.
func (bc *Blockchain) GetTxConfirmedHeight(txHash types.Hash) (uint32, error) {
	data, err := bc.base.Get(txConfirmedKey(txHash))
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(data), nil
}

// IsTxConfirmed reports whether txHash has a confirmed-height record.
func (bc *Blockchain) IsTxConfirmed(txHash types.Hash) bool {
	ok, err := bc.base.Has(txConfirmedKey(txHash))
	return err == nil && ok
}

// PutPendingTx persists a transaction awaiting confirmation.
func (bc *Blockchain) PutPendingTx(t *tx.Transaction) error {
	data, err := encodeGob(t)
	if err != nil {
		return fmt.Errorf("blockchain: encode pending tx: %w", err)
	}
	if err := bc.put(txPendingKey(t.Hash()), data); err != nil {
		return err
	}
	return bc.put(txHistoryKey(t.Hash()), []byte{byte(TxStatusPending)})
}

// GetPendingTx returns the pending transaction with the given hash.
func (bc *Blockchain) GetPendingTx(txHash types.Hash) (*tx.Transaction, error) {
	data, err := bc.base.Get(txPendingKey(txHash))
	if err != nil {
		return nil, err
	}
	var t tx.Transaction
	if err := decodeGob(data, &t); err != nil {
		return nil, fmt.Errorf("blockchain: decode pending tx: %w", err)
	}
	return &t, nil
}

// IsTxPending reports whether txHash has a pending-store entry.
func (bc *Blockchain) IsTxPending(txHash types.Hash) bool {
	ok, err := bc.base.Has(txPendingKey(txHash))
	return err == nil && ok
}

// DeletePendingTx removes a transaction from the pending store, e.g.
// after confirmation or a failed purge_pending_txs re-check.
func (bc *Blockchain) DeletePendingTx(txHash types.Hash) error {
	return bc.delete(txPendingKey(txHash))
}

// ForEachPendingTx calls fn for every transaction in the pending store,
// stopping early if fn returns an error.
func (bc *Blockchain) ForEachPendingTx(fn func(*tx.Transaction) error) error {
	prefix := []byte(prefixTxPending)
	return bc.base.ForEach(prefix, func(key, value []byte) error {
		var t tx.Transaction
		if err := decodeGob(value, &t); err != nil {
			return fmt.Errorf("blockchain: decode pending tx: %w", err)
		}
		return fn(&t)
	})
}

func (bc *Blockchain) put(key, value []byte) error {
	return bc.base.Put(key, value)
}

func (bc *Blockchain) delete(key []byte) error {
	return bc.base.Delete(key)
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
