package bitcoin

import (
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/blockchain"

	"github.com/bardlex/gomp-relay/pkg/errors"
)

// Diff1 is the difficulty-1 target 0x00000000ffff0000...0000.
var Diff1 = new(big.Int).Lsh(big.NewInt(0xffff), 208)

// TargetFromBits decodes compact bits hex (e.g. "1d00ffff") to a target.
func TargetFromBits(bits string) (*big.Int, error) {
	compact, err := ParseUint32Hex("bits", bits)
	if err != nil {
		return nil, err
	}
	return blockchain.CompactToBig(compact), nil
}

// BitsFromTarget encodes a target back to compact hex.
func BitsFromTarget(target *big.Int) string {
	return FormatUint32Hex(blockchain.BigToCompact(target))
}

// ParseTarget decodes a big-endian target hex string of up to 64 characters.
func ParseTarget(targetHex string) (*big.Int, error) {
	targetHex = strings.TrimPrefix(targetHex, "0x")
	if targetHex == "" || len(targetHex) > 64 {
		return nil, errors.New(errors.ErrorTypeValidation, "parse_target", "target must be 1 to 64 hex characters").
			WithContext("target", targetHex)
	}
	if len(targetHex)%2 == 1 {
		targetHex = "0" + targetHex
	}
	raw, err := hex.DecodeString(targetHex)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "parse_target", "invalid hex").
			WithContext("target", targetHex)
	}
	return new(big.Int).SetBytes(raw), nil
}

// TargetToDifficulty returns Diff1 / target. A zero target has no finite difficulty and yields 0.
func TargetToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}
	q := new(big.Float).SetPrec(256).Quo(
		new(big.Float).SetPrec(256).SetInt(Diff1),
		new(big.Float).SetPrec(256).SetInt(target),
	)
	f, _ := q.Float64()
	return f
}

// DifficultyToTarget returns Diff1 / difficulty. Non-positive difficulty maps to Diff1.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return new(big.Int).Set(Diff1)
	}
	q := new(big.Float).SetPrec(256).Quo(
		new(big.Float).SetPrec(256).SetInt(Diff1),
		new(big.Float).SetPrec(256).SetFloat64(difficulty),
	)
	target, _ := q.Int(nil)
	return target
}

// HashToBig interprets an internal-order hash as a little-endian 256-bit integer.
func HashToBig(hash []byte) *big.Int {
	return new(big.Int).SetBytes(ReverseBytes(hash))
}
