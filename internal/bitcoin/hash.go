package bitcoin

import (
	simdsha "github.com/minio/sha256-simd"
)

var sha256Sum = simdsha.Sum256

// DoubleSHA256 returns sha256(sha256(b)).
func DoubleSHA256(b []byte) []byte {
	first := sha256Sum(b)
	second := sha256Sum(first[:])
	return second[:]
}

// MerkleSteps computes the stratum merkle branch for the coinbase slot.
// hashes are the internal-order hashes of every non-coinbase transaction.
func MerkleSteps(hashes [][]byte) [][]byte {
	if len(hashes) == 0 {
		return nil
	}

	// level[0] is the coinbase placeholder and is never hashed.
	level := make([][]byte, 0, len(hashes)+1)
	level = append(level, nil)
	level = append(level, hashes...)

	var steps [][]byte
	buf := make([]byte, 64)
	for len(level) > 1 {
		steps = append(steps, level[1])
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		next := make([][]byte, 0, len(level)/2)
		next = append(next, nil)
		for i := 2; i < len(level); i += 2 {
			copy(buf[:32], level[i])
			copy(buf[32:], level[i+1])
			next = append(next, DoubleSHA256(buf))
		}
		level = next
	}
	return steps
}

// FoldMerkle hashes first through each step and returns the merkle root.
func FoldMerkle(first []byte, steps [][]byte) []byte {
	root := make([]byte, 32)
	copy(root, first)
	buf := make([]byte, 64)
	for _, step := range steps {
		copy(buf[:32], root)
		copy(buf[32:], step)
		root = DoubleSHA256(buf)
	}
	return root
}

// MerkleRoot computes the full merkle root of internal-order hashes.
func MerkleRoot(hashes [][]byte) []byte {
	if len(hashes) == 0 {
		return make([]byte, 32)
	}
	return FoldMerkle(hashes[0], MerkleSteps(hashes[1:]))
}
