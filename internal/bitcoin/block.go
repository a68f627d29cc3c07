package bitcoin

import (
	"bytes"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gomp-relay/pkg/errors"
)

// Header holds the six block header fields. Hashes are in internal byte order.
type Header struct {
	Version    uint32
	PrevHash   []byte
	MerkleRoot []byte
	NTime      uint32
	Bits       uint32
	Nonce      uint32
}

// Serialize returns the 80-byte header.
func (h Header) Serialize() ([]byte, error) {
	bh := wire.BlockHeader{
		Version:   int32(h.Version),
		Timestamp: time.Unix(int64(h.NTime), 0),
		Bits:      h.Bits,
		Nonce:     h.Nonce,
	}
	if err := bh.PrevBlock.SetBytes(h.PrevHash); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "serialize_header", "invalid previous hash")
	}
	if err := bh.MerkleRoot.SetBytes(h.MerkleRoot); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "serialize_header", "invalid merkle root")
	}

	var buf bytes.Buffer
	buf.Grow(wire.MaxBlockHeaderPayload)
	if err := bh.Serialize(&buf); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "serialize_header", "failed to serialize header")
	}
	return buf.Bytes(), nil
}

// SerializeBlock assembles a full block from its header, the non-witness
// coinbase and the raw template transactions. When witness is set the coinbase
// is re-encoded with the 32 zero byte witness reserved value.
func SerializeBlock(header, coinbase []byte, witness bool, txData []string) (string, error) {
	var buf bytes.Buffer
	buf.Write(header)
	if err := wire.WriteVarInt(&buf, 0, uint64(len(txData)+1)); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "serialize_block", "failed to write tx count")
	}

	if witness {
		var tx wire.MsgTx
		if err := tx.DeserializeNoWitness(bytes.NewReader(coinbase)); err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeValidation, "serialize_block", "invalid coinbase")
		}
		tx.TxIn[0].Witness = wire.TxWitness{make([]byte, chainhash.HashSize)}
		if err := tx.Serialize(&buf); err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeInternal, "serialize_block", "failed to serialize coinbase")
		}
	} else {
		buf.Write(coinbase)
	}

	for i, data := range txData {
		raw, err := hex.DecodeString(data)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeValidation, "serialize_block", "invalid transaction data").
				WithContext("index", i)
		}
		buf.Write(raw)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
