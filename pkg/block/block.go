// Package block defines block types and their structural validation.
package block

import "github.com/veilchain/veil-core/pkg/tx"

// Block represents a block in the chain. The first transaction is the
// producer transaction (block reward + fee collection); the rest are
// user transactions.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}
