// Package jobmanager turns block templates and upstream notifications into
// jobs and pushes them to connected miners. It owns the rebroadcast, block
// poll and foreign pool poll timers and reacts to relay, share and miner
// events.
package jobmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gomp-relay/internal/bitcoin"
	"github.com/bardlex/gomp-relay/internal/job"
	"github.com/bardlex/gomp-relay/internal/messaging"
	"github.com/bardlex/gomp-relay/internal/miner"
	"github.com/bardlex/gomp-relay/internal/relay"
	"github.com/bardlex/gomp-relay/internal/share"
	"github.com/bardlex/gomp-relay/pkg/log"
)

const (
	// cleanJobWindow is how old, in seconds, the last clean job may be
	// before a new template forces miners to drop their work.
	cleanJobWindow = 30

	// soloExtraNonceSize is the coinbase slot of a solo job: the 4 byte
	// per-connection extranonce1 followed by the miner's extranonce2.
	soloExtraNonceSize = 4 + miner.ExpectedExtraNonce2Size
)

// State is what the manager is currently producing work from.
type State int32

const (
	Idle State = iota
	SoloActive
	RelayActive
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SoloActive:
		return "solo"
	case RelayActive:
		return "relay"
	}
	return "unknown"
}

// Shares is the part of the share manager the job manager drives.
type Shares interface {
	OnBlockFound(fn func(*share.Share))
	PersistBlock(ctx context.Context, height int64, revenue float64)
}

// Config holds job building and timing settings.
type Config struct {
	ChainParams          *chaincfg.Params
	PoolAddress          string
	CoinbaseTag          string
	BlockRefreshInterval time.Duration
	RebroadcastTimeout   time.Duration
}

// Manager produces jobs and schedules their distribution.
type Manager struct {
	cfg       Config
	daemon    bitcoin.Daemon
	tracker   *job.Tracker
	registry  *miner.Registry
	relay     *relay.Manager
	state     *relay.State
	shares    Shares
	publisher messaging.Publisher
	notifier  bitcoin.ZMQInterface
	logger    *log.Logger

	counter job.Counter
	status  atomic.Int32

	// jobMu orders job creation with its broadcast so every miner sees
	// job ids in creation order.
	jobMu sync.Mutex
	// schedMu makes each re-arm decision atomic across the three tasks.
	schedMu sync.Mutex
	pollMu  sync.Mutex

	rebroadcast   *Task
	blockPoller   *Task
	foreignPoller *Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a job manager. A nil publisher discards job events.
func New(cfg Config, daemon bitcoin.Daemon, tracker *job.Tracker, registry *miner.Registry,
	upstream *relay.Manager, shares Shares, publisher messaging.Publisher, logger *log.Logger) *Manager {
	if publisher == nil {
		publisher = messaging.Nop{}
	}
	m := &Manager{
		cfg:       cfg,
		daemon:    daemon,
		tracker:   tracker,
		registry:  registry,
		relay:     upstream,
		state:     upstream.State(),
		shares:    shares,
		publisher: publisher,
		logger:    logger.WithComponent("jobmanager"),
		ctx:       context.Background(),
	}
	m.rebroadcast = NewTask("rebroadcast", m.rebroadcastIdle)
	m.blockPoller = NewTask("block_poller", m.pollBlock)
	m.foreignPoller = NewTask("foreign_poller", m.pollForeignPool)
	return m
}

// SetBlockNotifier makes daemon hashblock notifications trigger new work.
// It must be called before Start.
func (m *Manager) SetBlockNotifier(z bitcoin.ZMQInterface) { m.notifier = z }

// State returns what work is currently sourced from.
func (m *Manager) State() State { return State(m.status.Load()) }

// Start subscribes the event handlers, starts the timers and produces the first job.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.shares.OnBlockFound(m.onBlockFound)
	m.registry.OnMinerAuthenticated(m.onMinerAuthenticated)
	bus := m.relay.Events()
	bus.On(relay.RequestSent, m.onRequestSent)
	bus.On(relay.StatusChanged, m.onStatusChanged)
	bus.On(relay.UpstreamSwitched, m.onUpstreamSwitched)

	for _, t := range []*Task{m.rebroadcast, m.blockPoller, m.foreignPoller} {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			t.Run(m.ctx)
		}()
	}

	if m.notifier != nil {
		if err := m.startNotifier(); err != nil {
			m.cancel()
			m.wg.Wait()
			return err
		}
	}

	m.logger.Info("job manager starting", "relaying", m.state.IsRelaying())
	m.CreateAndBroadcastNewJob(m.ctx, true)
	return nil
}

func (m *Manager) startNotifier() error {
	handler := bitcoin.NewBlockNotificationHandler(m.logger.Logger)
	handler.SetNewBlockHandler(func(hash string) error {
		m.logger.Debug("daemon announced block", "hash", hash)
		m.CreateAndBroadcastNewJob(m.ctx, false)
		return nil
	})

	if err := m.notifier.Connect(); err != nil {
		return err
	}
	if err := m.notifier.Subscribe("hashblock"); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.notifier.Listen(m.ctx, handler.HandleMessage); err != nil && m.ctx.Err() == nil {
			m.logger.WithError(err).Error("block notifier stopped")
		}
	}()
	return nil
}

// Stop cancels every task and waits for them to return.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.schedMu.Lock()
	m.rebroadcast.Stop()
	m.blockPoller.Stop()
	m.foreignPoller.Stop()
	m.schedMu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.status.Store(int32(Idle))
	m.logger.Info("job manager stopped")
}

// CreateAndBroadcastNewJob produces the next job, sends it to every
// authenticated miner and re-arms the timers. A timer-initiated call while
// relaying means the upstream went quiet and switches upstream instead.
func (m *Manager) CreateAndBroadcastNewJob(ctx context.Context, initiatedByTimer bool) {
	if initiatedByTimer && m.state.IsRelaying() {
		// The switch re-enters through onUpstreamSwitched, so jobMu is not held here.
		m.logger.Debug("upstream idle, switching pools")
		m.relay.UpstreamIdle(ctx)
	} else {
		m.jobMu.Lock()
		m.distribute(ctx, initiatedByTimer)
		m.jobMu.Unlock()
	}
	m.rearm()
}

// distribute builds the next job and broadcasts it. Callers hold jobMu.
func (m *Manager) distribute(ctx context.Context, initiatedByTimer bool) {
	j := m.nextJob(ctx)
	if j == nil {
		return
	}
	count := m.broadcast(j, j.CleanJobs())
	m.logger.LogJobDistribution(j.IDString(), j.Height, j.CleanJobs(), count)
	if initiatedByTimer {
		m.logger.Info("rebroadcast job after idle period",
			"job_id", j.IDString(), "miners", count, "idle", log.FormatDuration(m.cfg.RebroadcastTimeout))
	}
	m.publishJob(ctx, j, count)
}

func (m *Manager) nextJob(ctx context.Context) *job.Job {
	if m.state.IsRelaying() {
		return m.tracker.Current()
	}

	tpl, err := m.daemon.GetBlockTemplate(ctx)
	if err != nil {
		m.logger.WithError(err).Error("new job creation failed")
		return nil
	}
	if tpl == nil {
		m.logger.Warn("daemon returned no block template")
		return nil
	}

	gen, err := bitcoin.NewGenerationTransaction(tpl, bitcoin.GenerationParams{
		ChainParams:    m.cfg.ChainParams,
		PoolAddress:    m.cfg.PoolAddress,
		Tag:            m.cfg.CoinbaseTag,
		ExtraNonceSize: soloExtraNonceSize,
	})
	if err != nil {
		m.logger.WithError(err).Error("failed to build generation transaction", "height", tpl.Height)
		return nil
	}
	j, err := job.New(m.counter.Next(), tpl, gen)
	if err != nil {
		m.logger.WithError(err).Error("failed to build job", "height", tpl.Height)
		return nil
	}

	current := m.tracker.Current()
	j.SetCleanJobs(m.needsClean(tpl, current))
	m.tracker.Add(j)
	return j
}

func (m *Manager) needsClean(tpl *btcjson.GetBlockTemplateResult, current *job.Job) bool {
	if current == nil || tpl.Height != current.Height {
		return true
	}
	recent := m.tracker.RecentCleanJob()
	return recent == nil || tpl.CurTime-recent.CreationTime > cleanJobWindow
}

func (m *Manager) broadcast(j *job.Job, clean bool) int {
	return m.registry.Broadcast(func(mn *miner.Miner) bool {
		return mn.SendJob(j, clean)
	})
}

func (m *Manager) publishJob(ctx context.Context, j *job.Job, miners int) {
	msg := &messaging.JobMessage{
		JobID:        j.IDString(),
		PrevHash:     j.PreviousBlockHash,
		Coinb1:       j.CoinbaseInitial,
		Coinb2:       j.CoinbaseFinal,
		MerkleBranch: j.MerkleTree.Branches(),
		Version:      j.Version,
		NBits:        j.EncodedDifficulty,
		NTime:        j.NTime,
		CleanJobs:    j.CleanJobs(),
		BlockHeight:  j.Height,
		Difficulty:   j.Difficulty,
		Relayed:      j.IsRelay(),
		MinerCount:   miners,
		CreatedAt:    time.Unix(j.CreationTime, 0).UTC(),
	}
	if err := m.publisher.PublishJob(ctx, msg); err != nil {
		m.logger.WithError(err).Warn("failed to publish job", "job_id", msg.JobID)
	}
}

// rearm schedules the timers for the current mode.
func (m *Manager) rearm() {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()

	if m.state.IsRelaying() {
		m.foreignPoller.Reset(m.relay.RefreshInterval())
		m.blockPoller.Stop()
		m.status.Store(int32(RelayActive))
	} else {
		m.foreignPoller.Stop()
		m.blockPoller.Reset(m.cfg.BlockRefreshInterval)
		if cur := m.tracker.Current(); cur != nil && !cur.IsRelay() {
			m.status.Store(int32(SoloActive))
		}
	}
	m.rebroadcast.Reset(m.cfg.RebroadcastTimeout)
}

func (m *Manager) rebroadcastIdle(ctx context.Context) {
	m.CreateAndBroadcastNewJob(ctx, true)
}

// pollBlock looks for a new network block while mining solo.
func (m *Manager) pollBlock(ctx context.Context) {
	defer func() {
		m.schedMu.Lock()
		defer m.schedMu.Unlock()
		if !m.state.IsRelaying() {
			m.blockPoller.Reset(m.cfg.BlockRefreshInterval)
		}
	}()

	current := m.tracker.Current()
	if current == nil || m.state.IsRelaying() {
		return
	}
	tpl, err := m.daemon.GetBlockTemplate(ctx)
	if err != nil || tpl == nil {
		return
	}
	if tpl.Height == current.Height {
		return
	}
	m.logger.Debug("new block in network", "height", tpl.Height)
	m.CreateAndBroadcastNewJob(ctx, false)
}

func (m *Manager) onBlockFound(s *share.Share) {
	m.logger.Debug("block found, rebroadcasting new work", "hash", s.BlockHash)
	m.CreateAndBroadcastNewJob(m.ctx, false)
}

// onMinerAuthenticated hands the current job to a newly authorized miner.
func (m *Manager) onMinerAuthenticated(mn *miner.Miner) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	if cur := m.tracker.Current(); cur != nil {
		mn.SendJob(cur, true)
	}
}

func (m *Manager) onRequestSent(relay.Event) {
	m.foreignPoller.Fire()
}

func (m *Manager) onStatusChanged(ev relay.Event) {
	if ev.Relaying {
		m.onRelayStarted()
		return
	}
	m.onRelayStopped()
}

func (m *Manager) onRelayStarted() {
	m.schedMu.Lock()
	m.blockPoller.Stop()
	m.schedMu.Unlock()

	m.jobMu.Lock()
	if cur := m.tracker.Current(); cur != nil {
		j := cur.WithoutBranches()
		j.SetCleanJobs(true)
		count := m.broadcast(j, true)
		m.logger.Info("relaying started, flushed miner work", "job_id", j.IDString(), "miners", count)
	}
	m.jobMu.Unlock()
	m.foreignPoller.Fire()
}

// onRelayStopped is the only place RelayingStopped is raised.
func (m *Manager) onRelayStopped() {
	m.relay.Events().EmitAsync(relay.Event{Kind: relay.RelayingStopped})

	m.schedMu.Lock()
	m.foreignPoller.Stop()
	m.schedMu.Unlock()

	m.relay.SetFormattedXNonce2Size(0)
	m.logger.Info("relaying stopped, back to local work")
	m.CreateAndBroadcastNewJob(m.ctx, false)
}

func (m *Manager) onUpstreamSwitched(ev relay.Event) {
	if cur := m.tracker.Current(); cur != nil {
		cur.SetCleanJobs(true)
	}
	m.logger.Debug("upstream switched", "pool_id", ev.PoolID)
	m.CreateAndBroadcastNewJob(m.ctx, false)
}
