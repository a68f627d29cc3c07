package bitcoin

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/bardlex/gomp-relay/pkg/errors"
)

// ReverseBytes returns a reversed copy of b.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}

// ReverseByteOrder reverses the order of the 4-byte words of a hex string while
// keeping the bytes inside each word. This converts a display-order block hash
// to the stratum notify form and back.
func ReverseByteOrder(hexStr string) (string, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "reverse_byte_order", "invalid hex").
			WithContext("value", hexStr)
	}
	if len(raw)%4 != 0 {
		return "", errors.New(errors.ErrorTypeValidation, "reverse_byte_order", "length is not a multiple of 4 bytes").
			WithContext("value", hexStr)
	}

	out := make([]byte, len(raw))
	words := len(raw) / 4
	for w := 0; w < words; w++ {
		copy(out[w*4:w*4+4], raw[(words-1-w)*4:(words-w)*4])
	}
	return hex.EncodeToString(out), nil
}

// DecodeHash turns a display-order (RPC) hash into its internal byte order.
func DecodeHash(display string) ([]byte, error) {
	raw, err := hex.DecodeString(display)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "decode_hash", "invalid hex").
			WithContext("hash", display)
	}
	if len(raw) != 32 {
		return nil, errors.New(errors.ErrorTypeValidation, "decode_hash", fmt.Sprintf("expected 32 bytes, got %d", len(raw))).
			WithContext("hash", display)
	}
	return ReverseBytes(raw), nil
}

// EncodeHash renders an internal-order hash in display order.
func EncodeHash(internal []byte) string {
	return hex.EncodeToString(ReverseBytes(internal))
}

// ParseUint32Hex parses an 8 character big-endian hex field such as ntime, nonce, bits or version.
func ParseUint32Hex(field, value string) (uint32, error) {
	if len(value) != 8 {
		return 0, errors.New(errors.ErrorTypeValidation, "parse_"+field,
			fmt.Sprintf("expected 8 hex characters, got %d", len(value))).WithContext(field, value)
	}
	v, err := strconv.ParseUint(value, 16, 32)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeValidation, "parse_"+field, "invalid hex").WithContext(field, value)
	}
	return uint32(v), nil
}

// FormatUint32Hex renders v as 8 lowercase big-endian hex characters.
func FormatUint32Hex(v uint32) string {
	return fmt.Sprintf("%08x", v)
}
