// Package database persists pool accounting across Redis, PostgreSQL and
// InfluxDB. Each backend is optional; a disabled backend is skipped.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/gomp-relay/internal/database/influx"
	"github.com/bardlex/gomp-relay/internal/database/postgres"
	"github.com/bardlex/gomp-relay/internal/database/redis"
	"github.com/bardlex/gomp-relay/internal/share"
	"github.com/bardlex/gomp-relay/pkg/circuit"
	"github.com/bardlex/gomp-relay/pkg/errors"
	"github.com/bardlex/gomp-relay/pkg/log"
	"github.com/bardlex/gomp-relay/pkg/retry"
)

// RoundStore keeps the share accounting of the current round.
type RoundStore interface {
	AddShare(ctx context.Context, username string, difficulty float64, valid bool, at time.Time) error
	AddBlock(ctx context.Context, hash string, height int64, username string, at time.Time) error
	MoveCurrentShares(ctx context.Context, height int64) error
	RecordWholeDay(ctx context.Context, username string, hashrate float64) error
}

// BlockStore keeps found blocks and relayed rounds.
type BlockStore interface {
	CreateBlock(ctx context.Context, block *postgres.Block) (bool, error)
}

// MetricsWriter records time series points. Writes are asynchronous.
type MetricsWriter interface {
	WriteShare(username string, difficulty float64, valid, relayed bool, at time.Time)
	WriteBlock(height int64, hash, finder string, difficulty, reward float64, at time.Time)
	WriteRound(height int64, hash string, revenue float64, at time.Time)
	WriteHashrate(username string, hashrate float64, at time.Time)
}

// Config holds configuration for all database systems. A nil entry disables
// that backend.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// Manager implements share.Storage on top of the enabled backends.
type Manager struct {
	rounds  RoundStore
	blocks  BlockStore
	metrics MetricsWriter

	closers []func() error
	health  []func(context.Context) error

	breaker     *circuit.Breaker
	retryConfig *retry.Config
	logger      *log.Logger
	now         func() time.Time
}

var _ share.Storage = (*Manager)(nil)

// NewManager connects every configured backend.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := newManager(nil, nil, nil, logger)

	if cfg.Redis != nil {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database"))
		}
		m.rounds = rc
		m.closers = append(m.closers, rc.Close)
		m.health = append(m.health, rc.Health)
	}

	if cfg.Postgres != nil {
		pg, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database"))
		}
		m.closers = append(m.closers, pg.Close)
		m.health = append(m.health, pg.Health)

		blocks := postgres.NewBlockRepository(pg.DB())
		if err := blocks.Migrate(ctx); err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate",
				"failed to prepare blocks table"))
		}
		m.blocks = blocks
	}

	if cfg.Influx != nil {
		ic, err := influx.NewClient(cfg.Influx)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database"))
		}
		m.metrics = ic
		m.closers = append(m.closers, ic.Close)
		m.health = append(m.health, ic.Health)
		go m.drainInfluxErrors(ctx, ic.Errors())
	}

	return m, nil
}

// NewWithStores builds a manager over already connected stores. Any of them
// may be nil.
func NewWithStores(rounds RoundStore, blocks BlockStore, metrics MetricsWriter, logger *log.Logger) *Manager {
	return newManager(rounds, blocks, metrics, logger)
}

func newManager(rounds RoundStore, blocks BlockStore, metrics MetricsWriter, logger *log.Logger) *Manager {
	return &Manager{
		rounds:  rounds,
		blocks:  blocks,
		metrics: metrics,
		breaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.DatabaseConfig(),
		logger:      logger.WithComponent("database"),
		now:         time.Now,
	}
}

func (m *Manager) abort(err *errors.ServiceError) error {
	if cerr := m.Close(); cerr != nil {
		return err.WithContext("cleanup_error", cerr.Error())
	}
	return err
}

func (m *Manager) drainInfluxErrors(ctx context.Context, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			m.logger.WithError(err).Warn("metrics write failed")
		}
	}
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks every enabled backend.
func (m *Manager) Health(ctx context.Context) error {
	for _, check := range m.health {
		if err := check(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "health", "database health check failed")
		}
	}
	return nil
}

// store runs a write through the breaker with database retries.
func (m *Manager) store(ctx context.Context, op string, fn func() error) error {
	return m.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := fn(); err != nil {
				werr := errors.Wrap(err, errors.ErrorTypeDatabase, op, "database write failed")
				werr.Retryable = true
				return werr
			}
			return nil
		})
	})
}

// creditedDifficulty is what a share adds to the round: the difficulty the
// miner was assigned, falling back to the share's own difficulty.
func creditedDifficulty(s *share.Share) float64 {
	if s.Miner != nil {
		if d := s.Miner.Difficulty(); d > 0 {
			return d
		}
	}
	return s.Difficulty
}

// AddShare credits s to the current round.
func (m *Manager) AddShare(ctx context.Context, s *share.Share) error {
	diff := creditedDifficulty(s)
	if m.metrics != nil {
		relayed := s.Job != nil && s.Job.IsRelay()
		m.metrics.WriteShare(s.Username(), diff, s.IsValid, relayed, s.SubmittedAt)
	}
	if m.rounds == nil {
		return nil
	}
	return m.store(ctx, "add_share", func() error {
		return m.rounds.AddShare(ctx, s.Username(), diff, s.IsValid, s.SubmittedAt)
	})
}

// blockReward is the coinbase value of the share's template in coins.
func blockReward(s *share.Share) float64 {
	if s.Job == nil || s.Job.Template == nil || s.Job.Template.CoinbaseValue == nil {
		return 0
	}
	return float64(*s.Job.Template.CoinbaseValue) / 1e8
}

// AddBlock stores a block found by a pool miner.
func (m *Manager) AddBlock(ctx context.Context, s *share.Share) error {
	reward := blockReward(s)
	if m.metrics != nil {
		m.metrics.WriteBlock(s.Height(), s.BlockHash, s.Username(), s.Difficulty, reward, s.SubmittedAt)
	}

	if m.blocks != nil {
		block := &postgres.Block{
			Height:     s.Height(),
			Hash:       s.BlockHash,
			Finder:     s.Username(),
			Difficulty: s.Difficulty,
			Reward:     reward,
			FoundAt:    s.SubmittedAt,
		}
		if err := m.store(ctx, "add_block", func() error {
			_, err := m.blocks.CreateBlock(ctx, block)
			return err
		}); err != nil {
			return err
		}
	}

	if m.rounds == nil {
		return nil
	}
	return m.store(ctx, "add_block_round", func() error {
		return m.rounds.AddBlock(ctx, s.BlockHash, s.Height(), s.Username(), s.SubmittedAt)
	})
}

// AddRelayBlock stores the block that closed a relayed round.
func (m *Manager) AddRelayBlock(ctx context.Context, block *btcjson.GetBlockVerboseResult, revenue float64) error {
	foundAt := time.Unix(block.Time, 0)
	if block.Time == 0 {
		foundAt = m.now()
	}
	if m.metrics != nil {
		m.metrics.WriteRound(block.Height, block.Hash, revenue, foundAt)
	}
	if m.blocks == nil {
		return nil
	}

	row := &postgres.Block{
		Height:       block.Height,
		Hash:         block.Hash,
		Difficulty:   block.Difficulty,
		IsRelayBlock: true,
		Revenue:      revenue,
		FoundAt:      foundAt,
	}
	return m.store(ctx, "add_relay_block", func() error {
		inserted, err := m.blocks.CreateBlock(ctx, row)
		if err == nil && !inserted {
			m.logger.Debug("relay block already stored", "height", block.Height, "block_hash", block.Hash)
		}
		return err
	})
}

// MoveCurrentShares closes the current round under height.
func (m *Manager) MoveCurrentShares(ctx context.Context, height int64) error {
	if m.rounds == nil {
		return nil
	}
	return m.store(ctx, "move_current_shares", func() error {
		return m.rounds.MoveCurrentShares(ctx, height)
	})
}

// RecordWholeDay stores a hashrate sample for username.
func (m *Manager) RecordWholeDay(ctx context.Context, username string, hashrate float64) error {
	if m.metrics != nil {
		m.metrics.WriteHashrate(username, hashrate, m.now())
	}
	if m.rounds == nil {
		return nil
	}
	return m.store(ctx, "record_whole_day", func() error {
		return m.rounds.RecordWholeDay(ctx, username, hashrate)
	})
}
