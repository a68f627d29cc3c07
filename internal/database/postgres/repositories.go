package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

const blocksSchema = `
	CREATE TABLE IF NOT EXISTS blocks (
		id             BIGSERIAL PRIMARY KEY,
		height         BIGINT NOT NULL,
		hash           TEXT NOT NULL UNIQUE,
		finder         TEXT NOT NULL DEFAULT '',
		difficulty     DOUBLE PRECISION NOT NULL DEFAULT 0,
		reward         DOUBLE PRECISION NOT NULL DEFAULT 0,
		is_relay_block BOOLEAN NOT NULL DEFAULT FALSE,
		revenue        DOUBLE PRECISION NOT NULL DEFAULT 0,
		status         TEXT NOT NULL DEFAULT 'pending',
		found_at       TIMESTAMPTZ NOT NULL
	)`

// Execer is the part of *sql.DB the repository needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// BlockRepository handles block-related database operations
type BlockRepository struct {
	db Execer
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db Execer) *BlockRepository {
	return &BlockRepository{db: db}
}

// Migrate creates the blocks table when missing.
func (r *BlockRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, blocksSchema); err != nil {
		return fmt.Errorf("failed to create blocks table: %w", err)
	}
	return nil
}

// CreateBlock inserts a block. It reports false when a block with the same
// hash is already stored.
func (r *BlockRepository) CreateBlock(ctx context.Context, block *Block) (bool, error) {
	query := `
		INSERT INTO blocks (height, hash, finder, difficulty, reward, is_relay_block, revenue, status, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hash) DO NOTHING`

	status := block.Status
	if status == "" {
		status = "pending"
	}

	res, err := r.db.ExecContext(ctx, query,
		block.Height, block.Hash, block.Finder, block.Difficulty, block.Reward,
		block.IsRelayBlock, block.Revenue, status, block.FoundAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create block: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n > 0, nil
}
