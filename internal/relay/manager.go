// Package relay attaches the pool to an upstream stratum pool: it owns the
// upstream socket, re-splits the upstream extranonce space across local
// miners and tracks round revenue.
package relay

import (
	"context"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gomp-relay/internal/config"
	"github.com/bardlex/gomp-relay/internal/stratum"
	"github.com/bardlex/gomp-relay/pkg/errors"
	"github.com/bardlex/gomp-relay/pkg/log"
)

// Dialer opens upstream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver looks up upstream hosts. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ConnState is the lifecycle of the upstream connection.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Subscribed
	Authorized
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Subscribed:
		return "subscribed"
	case Authorized:
		return "authorized"
	}
	return "unknown"
}

// Config tunes the upstream connection.
type Config struct {
	Targets          []config.RelayTarget
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	FirstByteTimeout time.Duration
	FrameTimeout     time.Duration
	DrainTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxFailedPolls   int
	WatchInterval    time.Duration
}

// DefaultConfig returns the production timings for targets.
func DefaultConfig(targets []config.RelayTarget) Config {
	return Config{
		Targets:          targets,
		DialTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		FirstByteTimeout: 15 * time.Second,
		FrameTimeout:     5 * time.Second,
		DrainTimeout:     50 * time.Millisecond,
		IdleTimeout:      240 * time.Second,
		MaxFailedPolls:   80,
		WatchInterval:    2 * time.Second,
	}
}

// Manager owns the upstream pool connection.
type Manager struct {
	cfg      Config
	state    *State
	bus      *Bus
	dialer   Dialer
	resolver Resolver
	logger   *log.Logger

	poolID    atomic.Int32
	connState atomic.Int32

	// connMu guards the socket, its endpoint and cached addresses, and serializes writes.
	connMu      sync.Mutex
	conn        net.Conn
	endpoint    string
	addrs       []string
	connectedAt time.Time

	switchMu sync.Mutex

	nonceMu sync.RWMutex
	nonce   extraNonce

	statsMu      sync.Mutex
	externalDiff float64
	networkDiff  float64
	blockShare   float64
	failedPolls  int
	firstFailure time.Time
	lastData     time.Time

	lastRelaying bool
	randByte     func() byte
	now          func() time.Time
}

// NewManager returns a disconnected manager. Nil dialer and resolver use the net package defaults.
func NewManager(cfg Config, state *State, dialer Dialer, resolver Resolver, logger *log.Logger) *Manager {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = []config.RelayTarget{config.DefaultRelayTarget()}
	}
	m := &Manager{
		cfg:          cfg,
		state:        state,
		bus:          NewBus(),
		dialer:       dialer,
		resolver:     resolver,
		logger:       logger.WithComponent("relay"),
		nonce:        defaultExtraNonce(),
		externalDiff: math.Inf(1),
		lastRelaying: state.IsRelaying(),
		randByte:     randomNonZeroByte,
		now:          time.Now,
	}
	return m
}

// Events returns the relay event bus.
func (m *Manager) Events() *Bus { return m.bus }

// State returns the shared relay switch.
func (m *Manager) State() *State { return m.state }

// PoolID is the index of the current target.
func (m *Manager) PoolID() int { return int(m.poolID.Load()) }

// CurrentTarget returns the upstream pool currently selected.
func (m *Manager) CurrentTarget() config.RelayTarget {
	return m.cfg.Targets[m.PoolID()%len(m.cfg.Targets)]
}

// RefreshInterval is the foreign pool poll interval of the current target.
func (m *Manager) RefreshInterval() time.Duration {
	return m.CurrentTarget().RefreshDuration()
}

// ConnState returns the upstream connection state.
func (m *Manager) ConnState() ConnState { return ConnState(m.connState.Load()) }

// IsConnected reports whether an upstream socket is open.
func (m *Manager) IsConnected() bool { return m.ConnState() >= Connected }

// MarkSubscribed records a subscribe response.
func (m *Manager) MarkSubscribed() { m.connState.Store(int32(Subscribed)) }

// MarkAuthorized records a successful authorize.
func (m *Manager) MarkAuthorized() { m.connState.Store(int32(Authorized)) }

// Endpoint returns the connected address, or "" when none.
func (m *Manager) Endpoint() string {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.endpoint
}

func (m *Manager) upstreamLogger() *log.Logger {
	return m.logger.WithUpstream(m.PoolID(), m.Endpoint())
}

// setTarget ensures a socket to the current target is open.
func (m *Manager) setTarget(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.conn != nil {
		return nil
	}

	target := m.CurrentTarget()
	port := strconv.Itoa(target.Port)
	var candidates []string

	if m.endpoint == "" {
		addrs, err := m.resolver.LookupHost(ctx, target.URL)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeRelay, "resolve_upstream", "failed to resolve upstream host").
				WithContext("host", target.URL)
		}
		m.addrs = addrs
		for _, a := range addrs {
			candidates = append(candidates, net.JoinHostPort(a, port))
		}
	} else {
		candidates = append(candidates, m.endpoint)
		for _, a := range m.addrs {
			if addr := net.JoinHostPort(a, port); addr != m.endpoint {
				candidates = append(candidates, addr)
			}
		}
	}

	var lastErr error
	for _, addr := range candidates {
		if err := m.dialLocked(ctx, addr); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New(errors.ErrorTypeRelay, "dial_upstream", "no upstream address")
	}
	return errors.Wrap(lastErr, errors.ErrorTypeRelay, "set_target", "failed to connect to upstream").
		WithContext("target", target.Address())
}

func (m *Manager) dialLocked(ctx context.Context, addr string) error {
	m.connState.Store(int32(Connecting))
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	conn, err := m.dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		m.connState.Store(int32(Disconnected))
		m.logger.WithError(err).Debug("upstream dial failed", "address", addr)
		return err
	}
	m.conn = conn
	m.endpoint = addr
	m.connectedAt = m.now()
	m.connState.Store(int32(Connected))
	m.logger.WithUpstream(m.PoolID(), addr).LogConnection("upstream_connected", addr)
	return nil
}

// closeLocked closes the socket but keeps the endpoint for reconnects.
func (m *Manager) closeLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.connState.Store(int32(Disconnected))
}

// recycle closes the socket so the next request reconnects to the same endpoint.
func (m *Manager) recycle() {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.closeLocked()
}

// dropConn closes conn if it is still the active socket.
func (m *Manager) dropConn(conn net.Conn) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == conn {
		m.closeLocked()
	}
}

// teardown closes the socket and forgets the endpoint and addresses.
func (m *Manager) teardown() {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.closeLocked()
	m.endpoint = ""
	m.addrs = nil
}

// Close tears the upstream connection down.
func (m *Manager) Close() { m.teardown() }

// SwitchUpstream moves to the next target that accepts a connection. When
// none does, relaying is switched off.
func (m *Manager) SwitchUpstream(ctx context.Context) bool {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.SetExternalDiff(math.Inf(1))
	m.teardown()

	n := int32(len(m.cfg.Targets))
	for i := int32(0); i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		id := (m.poolID.Load() + 1) % n
		m.poolID.Store(id)
		m.bus.Emit(Event{Kind: UpstreamSwitched, PoolID: int(id)})

		if err := m.setTarget(ctx); err != nil {
			m.logger.WithError(err).Warn("upstream unavailable", "pool_id", id)
			continue
		}
		m.upstreamLogger().LogRelayEvent("upstream_switched", 0, "target", m.CurrentTarget().Address())
		return true
	}

	m.logger.Error("no upstream pool available, relaying stopped", "targets", n)
	m.state.SetRelaying(false)
	return false
}

// UpstreamIdle handles an upstream that stopped sending work: miners are
// dropped and the next upstream is tried.
func (m *Manager) UpstreamIdle(ctx context.Context) {
	m.upstreamLogger().LogRelayEvent("upstream_idle", m.idleFor())
	m.bus.Emit(Event{Kind: UpstreamIdle})
	if m.SwitchUpstream(ctx) {
		m.Subscribe(ctx)
	}
}

// Subscribe sends mining.subscribe, connecting first if needed.
func (m *Manager) Subscribe(ctx context.Context) bool {
	return m.request(ctx, stratum.IDSubscribe, stratum.MethodSubscribe, []any{stratum.ClientVersion})
}

// Authorize sends mining.authorize with the target's worker credentials.
func (m *Manager) Authorize(ctx context.Context) bool {
	t := m.CurrentTarget()
	return m.request(ctx, stratum.IDAuthorize, stratum.MethodAuthorize, []any{t.WorkerID, t.Password})
}

// MiningSubmit forwards a share upstream under the target's worker.
func (m *Manager) MiningSubmit(ctx context.Context, jobID, extraNonce2, nTime, nonce string) bool {
	t := m.CurrentTarget()
	return m.request(ctx, stratum.IDSubmit, stratum.MethodSubmit,
		[]any{t.WorkerID, jobID, extraNonce2, nTime, nonce})
}

// SendResponse answers an upstream request.
func (m *Manager) SendResponse(ctx context.Context, id any, result any) bool {
	if !m.ensureConnected(ctx, false) {
		return false
	}
	return m.write(stratum.NewResponse(id, result))
}

func (m *Manager) request(ctx context.Context, id int, method string, params []any) bool {
	subscribe := method == stratum.MethodSubscribe
	if !m.ensureConnected(ctx, subscribe) {
		return false
	}
	if !m.write(stratum.NewRequest(id, method, params)) {
		return false
	}
	m.bus.Emit(Event{Kind: RequestSent})
	return true
}

// ensureConnected reconnects a dropped socket. Requests other than subscribe
// are not sent after a reconnect: the upstream needs a fresh subscription
// first, so a subscribe is sent instead and false is returned.
func (m *Manager) ensureConnected(ctx context.Context, subscribe bool) bool {
	if m.hasConn() {
		return true
	}
	if err := m.setTarget(ctx); err != nil {
		m.logger.WithError(err).Warn("upstream connection lost, switching")
		if !m.SwitchUpstream(ctx) {
			return false
		}
	}
	if subscribe {
		return true
	}
	m.Subscribe(ctx)
	return false
}

func (m *Manager) hasConn() bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.conn != nil
}

func (m *Manager) write(msg any) bool {
	line, err := stratum.Encode(msg)
	if err != nil {
		m.logger.WithError(err).Error("failed to encode upstream message")
		return false
	}

	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil {
		return false
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if _, err := m.conn.Write(line); err != nil {
		m.logger.WithError(err).Warn("upstream write failed", "endpoint", m.endpoint)
		m.closeLocked()
		return false
	}
	m.logger.LogStratumMessage("upstream_out", string(line))
	return true
}

// ExternalDiff is the share difficulty the upstream expects.
func (m *Manager) ExternalDiff() float64 {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.externalDiff
}

// SetExternalDiff records mining.set_difficulty from the upstream.
func (m *Manager) SetExternalDiff(d float64) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.externalDiff = d
}

// SetRelay switches relaying on or off. The status watcher applies it.
func (m *Manager) SetRelay(on bool) bool { return m.state.SetRelaying(on) }

// ManualSwitchUpstream asks the status watcher to move to the next target.
func (m *Manager) ManualSwitchUpstream() { m.state.RequestManualSwitch() }
