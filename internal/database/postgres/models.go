package postgres

import (
	"time"
)

// Block is a block found by a pool miner or a relayed round that closed with
// a block on the upstream pool.
type Block struct {
	ID           int64     `db:"id"`
	Height       int64     `db:"height"`
	Hash         string    `db:"hash"`
	Finder       string    `db:"finder"`
	Difficulty   float64   `db:"difficulty"`
	Reward       float64   `db:"reward"`
	IsRelayBlock bool      `db:"is_relay_block"`
	Revenue      float64   `db:"revenue"`
	Status       string    `db:"status"` // pending, confirmed, orphaned
	FoundAt      time.Time `db:"found_at"`
}
