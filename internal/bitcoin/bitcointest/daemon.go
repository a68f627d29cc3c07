// Package bitcointest provides an in-memory coin daemon for tests.
package bitcointest

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/gomp-relay/internal/bitcoin"
	"github.com/bardlex/gomp-relay/pkg/errors"
)

// PoolAddress is a mainnet P2PKH address usable with chaincfg.MainNetParams.
const PoolAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

// Daemon is a scriptable bitcoin.Daemon. Unset lookups return an RPC error.
type Daemon struct {
	mu sync.Mutex

	Template    *btcjson.GetBlockTemplateResult
	TemplateErr error
	Blocks      map[string]*btcjson.GetBlockVerboseResult
	Hashes      map[int64]string
	Txs         map[string]*btcjson.GetTransactionResult
	Difficulty  float64
	Account     string
	SubmitErr   error
	// HashErrs is consumed front to back by GetBlockHash before Hashes is consulted.
	HashErrs []error

	Submitted         []string
	TemplateSubmitted []string
	TemplateCalls     int
	DifficultyCalls   int
	HashCalls         int
}

// NewDaemon returns a daemon serving tpl.
func NewDaemon(tpl *btcjson.GetBlockTemplateResult) *Daemon {
	return &Daemon{
		Template:   tpl,
		Blocks:     make(map[string]*btcjson.GetBlockVerboseResult),
		Hashes:     make(map[int64]string),
		Txs:        make(map[string]*btcjson.GetTransactionResult),
		Difficulty: 1,
	}
}

// Template returns a coinbase-only template at height on top of prevHash.
func Template(height int64, prevHash string, curTime int64) *btcjson.GetBlockTemplateResult {
	value := int64(312500000)
	return &btcjson.GetBlockTemplateResult{
		Version:       0x20000000,
		Height:        height,
		Bits:          "1d00ffff",
		CurTime:       curTime,
		PreviousHash:  prevHash,
		CoinbaseValue: &value,
	}
}

// SetTemplate swaps the served template.
func (d *Daemon) SetTemplate(tpl *btcjson.GetBlockTemplateResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Template = tpl
}

// AddBlock registers a block for GetBlock and GetBlockHash.
func (d *Daemon) AddBlock(block *btcjson.GetBlockVerboseResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Blocks[block.Hash] = block
	d.Hashes[block.Height] = block.Hash
}

// SubmittedBlocks returns a copy of the blocks passed to SubmitBlock.
func (d *Daemon) SubmittedBlocks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.Submitted...)
}

func notFound(op, what string) error {
	return errors.New(errors.ErrorTypeBitcoin, op, what+" not found")
}

func (d *Daemon) GetBlockTemplate(context.Context) (*btcjson.GetBlockTemplateResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.TemplateCalls++
	if d.TemplateErr != nil {
		return nil, d.TemplateErr
	}
	if d.Template == nil {
		return nil, nil
	}
	tpl := *d.Template
	return &tpl, nil
}

func (d *Daemon) SubmitBlock(_ context.Context, blockHex string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SubmitErr != nil {
		return d.SubmitErr
	}
	d.Submitted = append(d.Submitted, blockHex)
	return nil
}

func (d *Daemon) SubmitBlockTemplate(_ context.Context, blockHex string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SubmitErr != nil {
		return d.SubmitErr
	}
	d.TemplateSubmitted = append(d.TemplateSubmitted, blockHex)
	return nil
}

func (d *Daemon) GetBlock(_ context.Context, hash string) (*btcjson.GetBlockVerboseResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	block, ok := d.Blocks[hash]
	if !ok {
		return nil, notFound("get_block", "block "+hash)
	}
	return block, nil
}

func (d *Daemon) GetBlockHash(_ context.Context, height int64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.HashCalls++
	if len(d.HashErrs) > 0 {
		err := d.HashErrs[0]
		d.HashErrs = d.HashErrs[1:]
		return "", err
	}
	hash, ok := d.Hashes[height]
	if !ok {
		return "", errors.New(errors.ErrorTypeBitcoin, "get_block_hash", "Block height out of range")
	}
	return hash, nil
}

func (d *Daemon) GetTransaction(_ context.Context, txid string) (*btcjson.GetTransactionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, ok := d.Txs[txid]
	if !ok {
		return nil, notFound("get_transaction", "transaction "+txid)
	}
	return tx, nil
}

func (d *Daemon) GetDifficulty(context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DifficultyCalls++
	return d.Difficulty, nil
}

func (d *Daemon) GetAccount(context.Context, string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Account, nil
}

var _ bitcoin.Daemon = (*Daemon)(nil)
