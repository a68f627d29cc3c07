package job

import (
	"encoding/hex"
	"sync/atomic"

	"github.com/bardlex/gomp-relay/internal/bitcoin"
)

// MerkleTree is the branch needed to fold a coinbase hash into the merkle root.
// Steps are in internal byte order.
type MerkleTree struct {
	Steps [][]byte
}

// WithFirst returns the merkle root for the given coinbase hash.
func (t MerkleTree) WithFirst(coinbaseHash []byte) []byte {
	return bitcoin.FoldMerkle(coinbaseHash, t.Steps)
}

// Branches returns the steps as hex for mining.notify. The result is never nil.
func (t MerkleTree) Branches() []string {
	out := make([]string, 0, len(t.Steps))
	for _, s := range t.Steps {
		out = append(out, hex.EncodeToString(s))
	}
	return out
}

// Counter hands out job ids.
type Counter struct {
	n atomic.Uint64
}

// Next returns the next id, starting at 1.
func (c *Counter) Next() uint64 { return c.n.Add(1) }
