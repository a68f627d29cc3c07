// Package stratum implements the Stratum V1 wire model: a two-stage
// decoder (envelope, then typed request or response variant), the line
// codec, and the downstream miner session.
package stratum

import (
	"sync"
)

// MaxLineSize bounds a single stratum line.
const MaxLineSize = 64 * 1024

// bufferPool reuses read buffers for sessions and upstream receives.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 4096)
		return &b
	},
}

// GetBuffer gets a byte buffer from the pool
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns a byte buffer to the pool
func PutBuffer(buf *[]byte) {
	if buf != nil && cap(*buf) <= MaxLineSize {
		*buf = (*buf)[:cap(*buf)]
		bufferPool.Put(buf)
	}
}
