package miner

import (
	"fmt"
	"sync/atomic"
)

// ExpectedExtraNonce2Size is the extranonce2 size handed to miners outside relay mode.
const ExpectedExtraNonce2Size = 4

// ExtraNonce allocates per-connection extranonce1 values. The top five
// bits hold the instance id so several pool processes never collide.
type ExtraNonce struct {
	current atomic.Uint32
}

// NewExtraNonce seeds the counter with instanceID << 27.
func NewExtraNonce(instanceID uint32) *ExtraNonce {
	e := &ExtraNonce{}
	e.current.Store(instanceID << 27)
	return e
}

// Next returns the next extranonce1 as 8 big-endian hex characters.
func (e *ExtraNonce) Next() string {
	return fmt.Sprintf("%08x", e.current.Add(1))
}
