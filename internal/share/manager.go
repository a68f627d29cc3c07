package share

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/gomp-relay/internal/bitcoin"
	"github.com/bardlex/gomp-relay/internal/job"
	"github.com/bardlex/gomp-relay/internal/messaging"
	"github.com/bardlex/gomp-relay/internal/miner"
	"github.com/bardlex/gomp-relay/internal/relay"
	"github.com/bardlex/gomp-relay/pkg/errors"
	"github.com/bardlex/gomp-relay/pkg/log"
	"github.com/bardlex/gomp-relay/pkg/retry"
)

// heightNotReady is the daemon error returned while a relayed block has not
// reached the local node yet.
const heightNotReady = "Block height out of range"

// Storage persists shares, blocks and round accounting.
type Storage interface {
	AddShare(ctx context.Context, s *Share) error
	AddBlock(ctx context.Context, s *Share) error
	AddRelayBlock(ctx context.Context, block *btcjson.GetBlockVerboseResult, revenue float64) error
	MoveCurrentShares(ctx context.Context, height int64) error
	RecordWholeDay(ctx context.Context, username string, hashrate float64) error
}

// Upstream exposes the relay extranonce layout.
type Upstream interface {
	ExtraNonce1() string
	ExtraNonce2Size() int
}

// Config holds the block submission settings.
type Config struct {
	WalletAddress        string
	PoolAccount          string
	UseDefaultAccount    bool
	SubmitBlockSupported bool
}

// Manager processes shares and submits found blocks.
type Manager struct {
	cfg       Config
	daemon    bitcoin.Daemon
	tracker   *job.Tracker
	state     *relay.State
	upstream  Upstream
	storage   Storage
	publisher messaging.Publisher
	logger    *log.Logger

	mu sync.Mutex

	handlersMu   sync.RWMutex
	onBlockFound []func(*Share)
	onSubmitted  []func(*Share)

	persistWG        sync.WaitGroup
	heightRetryDelay time.Duration
	now              func() time.Time
}

// NewManager wires a share manager. A nil publisher discards events.
func NewManager(cfg Config, daemon bitcoin.Daemon, tracker *job.Tracker, state *relay.State,
	upstream Upstream, storage Storage, publisher messaging.Publisher, logger *log.Logger) *Manager {
	if publisher == nil {
		publisher = messaging.Nop{}
	}
	return &Manager{
		cfg:              cfg,
		daemon:           daemon,
		tracker:          tracker,
		state:            state,
		upstream:         upstream,
		storage:          storage,
		publisher:        publisher,
		logger:           logger.WithComponent("share_manager"),
		heightRetryDelay: 15 * time.Second,
		now:              time.Now,
	}
}

// OnBlockFound registers a handler run after a block was accepted by the daemon.
func (m *Manager) OnBlockFound(fn func(*Share)) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onBlockFound = append(m.onBlockFound, fn)
}

// OnShareSubmitted registers a handler run for every processed share.
func (m *Manager) OnShareSubmitted(fn func(*Share)) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onSubmitted = append(m.onSubmitted, fn)
}

func (m *Manager) emit(handlers *[]func(*Share), s *Share) {
	m.handlersMu.RLock()
	hs := *handlers
	m.handlersMu.RUnlock()
	for _, h := range hs {
		h(s)
	}
}

// resolveJob maps a submitted job id to a tracked job. Unresolvable ids
// yield a nil job and the current job's id.
func (m *Manager) resolveJob(jobID string) (string, *job.Job) {
	current := m.tracker.Current()
	fallback := jobID
	if current != nil {
		fallback = current.IDString()
	}

	if current != nil && current.IsRelay() {
		if current.RelayID == jobID {
			return jobID, current
		}
		if j, ok := m.tracker.GetByRelayID(jobID); ok {
			return jobID, j
		}
	}

	id, err := strconv.ParseUint(jobID, 16, 64)
	if err != nil {
		return fallback, nil
	}
	if j, ok := m.tracker.Get(id); ok {
		return jobID, j
	}
	return fallback, nil
}

// ProcessShare validates a submission from mnr and records the outcome.
func (m *Manager) ProcessShare(ctx context.Context, mnr *miner.Miner, jobID, extraNonce2, nTime, nonce string) *Share {
	relaying := m.state.IsRelaying()

	m.mu.Lock()
	resolvedID, j := m.resolveJob(jobID)
	p := Params{
		Miner:                   mnr,
		JobID:                   resolvedID,
		Job:                     j,
		ExtraNonce1:             mnr.ExtraNonce1(),
		ExtraNonce2:             extraNonce2,
		NTime:                   nTime,
		Nonce:                   nonce,
		ExpectedExtraNonce2Size: miner.ExpectedExtraNonce2Size,
		MinerDifficulty:         mnr.Difficulty(),
		Now:                     m.now(),
	}
	if relaying {
		relayEn1 := m.upstream.ExtraNonce1()
		if len(p.ExtraNonce1) > len(relayEn1) {
			p.ExtraNonce1 = p.ExtraNonce1[:len(relayEn1)]
		}
		p.ExpectedExtraNonce2Size = m.upstream.ExtraNonce2Size()
	}
	s := New(p)
	m.mu.Unlock()

	if s.IsValid {
		m.handleValid(ctx, s, relaying)
	} else {
		m.handleInvalid(ctx, s)
	}

	m.emit(&m.onSubmitted, s)
	m.publishShare(ctx, s, relaying)
	return s
}

func (m *Manager) handleValid(ctx context.Context, s *Share, relaying bool) {
	s.Miner.AddValidShare()
	m.logger.LogShareSubmission(s.Username(), s.JobID, s.Difficulty, s.Status())

	if err := m.storage.AddShare(ctx, s); err != nil {
		m.logger.WithError(err).Error("failed to store share", "username", s.Username())
	}

	if relaying || !s.IsBlockCandidate {
		return
	}
	if !m.SubmitBlock(ctx, s) {
		return
	}

	m.logger.LogBlockFound(s.BlockHash, s.Height(), s.Username(), s.Difficulty)
	m.emit(&m.onBlockFound, s)

	if err := m.storage.AddBlock(ctx, s); err != nil {
		m.logger.WithError(err).Error("failed to store block", "block_hash", s.BlockHash)
	}
	if err := m.storage.MoveCurrentShares(ctx, s.Height()); err != nil {
		m.logger.WithError(err).Error("failed to close round", "height", s.Height())
	}
	m.publishBlock(ctx, &messaging.BlockMessage{
		BlockHash:   s.BlockHash,
		BlockHeight: s.Height(),
		Username:    s.Username(),
		Difficulty:  s.Difficulty,
		Status:      "accepted",
		FoundAt:     s.SubmittedAt,
	})
}

func (m *Manager) handleInvalid(ctx context.Context, s *Share) {
	s.Miner.AddInvalidShare()
	m.logger.LogShareSubmission(s.Username(), s.JobID, s.Difficulty, s.Status())
	if err := m.storage.AddShare(ctx, s); err != nil {
		m.logger.WithError(err).Error("failed to store share", "username", s.Username())
	}
}

// SubmitBlock submits a candidate and confirms the daemon accepted it with
// our coinbase paying the pool wallet.
func (m *Manager) SubmitBlock(ctx context.Context, s *Share) bool {
	logger := m.logger.WithFields("block_hash", s.BlockHash, "height", s.Height())
	if s.BlockHex == "" {
		logger.Warn("block candidate has no block data")
		return false
	}

	var err error
	if m.cfg.SubmitBlockSupported {
		err = m.daemon.SubmitBlock(ctx, s.BlockHex)
	} else {
		err = m.daemon.SubmitBlockTemplate(ctx, s.BlockHex)
	}
	if err != nil {
		logger.WithError(err).Error("block submission failed")
		return false
	}

	block, err := m.daemon.GetBlock(ctx, s.BlockHash)
	if err != nil || block == nil {
		logger.WithError(err).Error("submitted block not found on daemon")
		return false
	}
	if block.Confirmations == -1 {
		logger.Error("submitted block is orphaned")
		return false
	}

	expected := bitcoin.EncodeHash(s.CoinbaseHash)
	if len(block.Tx) == 0 || block.Tx[0] != expected {
		logger.Error("block coinbase does not match", "expected", expected)
		return false
	}

	tx, err := m.daemon.GetTransaction(ctx, expected)
	if err != nil || tx == nil {
		logger.WithError(err).Error("coinbase transaction not in wallet")
		return false
	}

	account, err := m.FindPoolAccount(ctx)
	if err != nil {
		logger.WithError(err).Error("failed to find pool account")
		return false
	}
	for _, d := range tx.Details {
		if d.Address == m.cfg.WalletAddress && d.Account == account {
			return true
		}
	}
	logger.Error("coinbase does not pay the pool wallet", "address", m.cfg.WalletAddress, "account", account)
	return false
}

// FindPoolAccount returns the wallet account that owns the pool address.
func (m *Manager) FindPoolAccount(ctx context.Context) (string, error) {
	if m.cfg.UseDefaultAccount {
		return "", nil
	}
	if m.cfg.PoolAccount != "" {
		return m.cfg.PoolAccount, nil
	}
	return m.daemon.GetAccount(ctx, m.cfg.WalletAddress)
}

// PersistBlock closes the relay round ending at height and stores the
// upstream block once the local daemon has it.
func (m *Manager) PersistBlock(ctx context.Context, height int64, revenue float64) {
	if err := m.storage.MoveCurrentShares(ctx, height); err != nil {
		m.logger.WithError(err).Error("failed to close relay round", "height", height)
	}

	m.persistWG.Add(1)
	go func() {
		defer m.persistWG.Done()
		if err := m.addNewBlockToStorage(ctx, height, revenue); err != nil {
			m.logger.WithError(err).Warn("relay block not stored", "height", height)
		}
	}()
}

func (m *Manager) addNewBlockToStorage(ctx context.Context, height int64, revenue float64) error {
	cfg := retry.Unbounded(time.Second, 30*time.Second)
	cfg.DelayFor = func(err error) time.Duration {
		if errors.Contains(err, heightNotReady) {
			return m.heightRetryDelay
		}
		return 0
	}

	var hash string
	err := retry.Do(ctx, cfg, func() error {
		var err error
		hash, err = m.daemon.GetBlockHash(ctx, height)
		if err != nil {
			return err
		}
		block, err := m.daemon.GetBlock(ctx, hash)
		if err != nil {
			return err
		}
		if block == nil {
			return errors.New(errors.ErrorTypeBitcoin, "get_block", "daemon returned no block").
				WithContext("hash", hash)
		}
		return m.storage.AddRelayBlock(ctx, block, revenue)
	})
	if err != nil {
		return err
	}

	m.logger.Info("relay block stored", "height", height, "block_hash", hash, "revenue", revenue)
	m.publishBlock(ctx, &messaging.BlockMessage{
		BlockHash:   hash,
		BlockHeight: height,
		Status:      "relayed",
		Relayed:     true,
		Revenue:     revenue,
		FoundAt:     m.now(),
	})
	return nil
}

// Wait blocks until every PersistBlock started so far returned.
func (m *Manager) Wait() { m.persistWG.Wait() }

// RecordWholeDayData stores a hashrate sample for username.
func (m *Manager) RecordWholeDayData(ctx context.Context, username string, hashrate float64) error {
	return m.storage.RecordWholeDay(ctx, username, hashrate)
}

func (m *Manager) publishShare(ctx context.Context, s *Share, relaying bool) {
	msg := &messaging.ShareMessage{
		JobID:            s.JobID,
		MinerID:          s.Miner.ID,
		Username:         s.Username(),
		ExtraNonce1:      s.ExtraNonce1,
		ExtraNonce2:      s.ExtraNonce2,
		NTime:            s.NTime,
		Nonce:            s.Nonce,
		Difficulty:       s.Difficulty,
		MinerDifficulty:  s.Miner.Difficulty(),
		BlockHeight:      s.Height(),
		Status:           s.Status(),
		IsBlockCandidate: s.IsBlockCandidate,
		Relayed:          relaying,
		SubmittedAt:      s.SubmittedAt,
	}
	if err := m.publisher.PublishShare(ctx, msg); err != nil {
		m.logger.WithError(err).Debug("failed to publish share event")
	}
}

func (m *Manager) publishBlock(ctx context.Context, msg *messaging.BlockMessage) {
	if err := m.publisher.PublishBlock(ctx, msg); err != nil {
		m.logger.WithError(err).Debug("failed to publish block event")
	}
}
