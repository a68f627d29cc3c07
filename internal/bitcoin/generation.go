package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gomp-relay/pkg/errors"
)

// maxCoinbaseScriptSize is the consensus limit on the coinbase scriptSig.
const maxCoinbaseScriptSize = 100

// GenerationParams configures coinbase construction.
type GenerationParams struct {
	ChainParams    *chaincfg.Params
	PoolAddress    string
	Tag            string
	ExtraNonceSize int
}

// GenerationTransaction is a coinbase transaction split around its extranonce slot.
type GenerationTransaction struct {
	Initial        []byte
	Final          []byte
	ExtraNonceSize int
	// Witness reports whether the block needs a coinbase witness reserved value.
	Witness bool
}

// NewGenerationTransaction builds the BIP34 coinbase for tpl paying the whole
// coinbase value to p.PoolAddress.
func NewGenerationTransaction(tpl *btcjson.GetBlockTemplateResult, p GenerationParams) (*GenerationTransaction, error) {
	if tpl.CoinbaseValue == nil {
		return nil, errors.New(errors.ErrorTypeBitcoin, "generation_tx", "template has no coinbasevalue").
			WithContext("height", tpl.Height)
	}

	heightScript, err := txscript.NewScriptBuilder().AddInt64(tpl.Height).Script()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "generation_tx", "failed to build height script")
	}

	prefix := append(heightScript, []byte(p.Tag)...)
	if len(prefix)+p.ExtraNonceSize > maxCoinbaseScriptSize {
		return nil, errors.New(errors.ErrorTypeValidation, "generation_tx",
			fmt.Sprintf("coinbase script of %d bytes exceeds %d", len(prefix)+p.ExtraNonceSize, maxCoinbaseScriptSize))
	}
	scriptSig := make([]byte, len(prefix)+p.ExtraNonceSize)
	copy(scriptSig, prefix)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		SignatureScript:  scriptSig,
		Sequence:         wire.MaxTxInSequenceNum,
	})

	addr, err := btcutil.DecodeAddress(p.PoolAddress, p.ChainParams)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "generation_tx", "failed to decode pool address").
			WithContext("address", p.PoolAddress)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "generation_tx", "failed to build output script")
	}
	tx.AddTxOut(wire.NewTxOut(*tpl.CoinbaseValue, pkScript))

	witness := tpl.DefaultWitnessCommitment != ""
	if witness {
		commitment, err := hex.DecodeString(tpl.DefaultWitnessCommitment)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "generation_tx", "invalid witness commitment")
		}
		tx.AddTxOut(wire.NewTxOut(0, commitment))
	}

	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "generation_tx", "failed to serialize coinbase")
	}
	raw := buf.Bytes()

	// version, input count, prevout hash and index, script length varint
	offset := 4 + wire.VarIntSerializeSize(1) + chainhash.HashSize + 4 +
		wire.VarIntSerializeSize(uint64(len(scriptSig))) + len(prefix)

	return &GenerationTransaction{
		Initial:        append([]byte(nil), raw[:offset]...),
		Final:          append([]byte(nil), raw[offset+p.ExtraNonceSize:]...),
		ExtraNonceSize: p.ExtraNonceSize,
		Witness:        witness,
	}, nil
}

// InitialHex returns coinb1.
func (g *GenerationTransaction) InitialHex() string { return hex.EncodeToString(g.Initial) }

// FinalHex returns coinb2.
func (g *GenerationTransaction) FinalHex() string { return hex.EncodeToString(g.Final) }
