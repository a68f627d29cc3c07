package bitcoin

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestDoubleSHA256MatchesChainhash(t *testing.T) {
	for _, input := range [][]byte{nil, []byte("gomp"), bytes.Repeat([]byte{0xff}, 80)} {
		if got, want := DoubleSHA256(input), chainhash.DoubleHashB(input); !bytes.Equal(got, want) {
			t.Errorf("DoubleSHA256(%x) = %x, want %x", input, got, want)
		}
	}
}

// naiveMerkleRoot is the textbook pairwise reduction.
func naiveMerkleRoot(hashes [][]byte) []byte {
	level := append([][]byte(nil), hashes...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			next = append(next, chainhash.DoubleHashB(append(append([]byte{}, level[i]...), level[i+1]...)))
		}
		level = next
	}
	return level[0]
}

func testHashes(n int) [][]byte {
	hashes := make([][]byte, n)
	for i := range hashes {
		h := sha256.Sum256([]byte{byte(i), byte(i >> 8)})
		hashes[i] = h[:]
	}
	return hashes
}

func TestMerkleStepsAgainstNaiveRoot(t *testing.T) {
	for n := 1; n <= 17; n++ {
		hashes := testHashes(n)
		coinbase := hashes[0]

		steps := MerkleSteps(hashes[1:])
		got := FoldMerkle(coinbase, steps)
		if want := naiveMerkleRoot(hashes); !bytes.Equal(got, want) {
			t.Errorf("n=%d: FoldMerkle = %x, want %x", n, got, want)
		}
		if n == 1 && len(steps) != 0 {
			t.Errorf("coinbase-only block should have no steps, got %d", len(steps))
		}
	}
}

func TestMerkleStepsCount(t *testing.T) {
	tests := []struct {
		others int
		steps  int
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{7, 3},
		{8, 4},
	}

	for _, tt := range tests {
		if got := len(MerkleSteps(testHashes(tt.others))); got != tt.steps {
			t.Errorf("MerkleSteps(%d hashes) has %d steps, want %d", tt.others, got, tt.steps)
		}
	}
}

func TestMerkleRootGenesis(t *testing.T) {
	genesis := chaincfg.MainNetParams.GenesisBlock
	txHash := genesis.Transactions[0].TxHash()

	got := MerkleRoot([][]byte{txHash[:]})
	if !bytes.Equal(got, genesis.Header.MerkleRoot[:]) {
		t.Errorf("genesis merkle root = %x, want %x", got, genesis.Header.MerkleRoot[:])
	}
}

func TestFoldMerkleDoesNotMutateInput(t *testing.T) {
	first := bytes.Repeat([]byte{7}, 32)
	orig := append([]byte(nil), first...)
	_ = FoldMerkle(first, testHashes(3))
	if !bytes.Equal(first, orig) {
		t.Error("FoldMerkle modified its input")
	}
}
