// Package server accepts downstream miner connections and speaks stratum
// with them. While the pool relays, shares good enough for the upstream are
// forwarded to it.
package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gomp-relay/internal/miner"
	"github.com/bardlex/gomp-relay/internal/relay"
	"github.com/bardlex/gomp-relay/internal/share"
	"github.com/bardlex/gomp-relay/internal/stratum"
	"github.com/bardlex/gomp-relay/pkg/errors"
	"github.com/bardlex/gomp-relay/pkg/log"
)

// Shares validates and records submissions.
type Shares interface {
	ProcessShare(ctx context.Context, mnr *miner.Miner, jobID, extraNonce2, nTime, nonce string) *share.Share
	RecordWholeDayData(ctx context.Context, username string, hashrate float64) error
}

// Upstream is the relay connection as seen by the miner side.
type Upstream interface {
	Events() *relay.Bus
	HasDefaultExtraNonce1() bool
	Subscribe(ctx context.Context) bool
	FormatExtraNonce() error
	NextMinerExtraNonce1() string
	FormattedXNonce2Size() int
	RelayExtraNonce2(minerExtraNonce1, minerExtraNonce2 string) string
	ExternalDiff() float64
	MiningSubmit(ctx context.Context, jobID, extraNonce2, nTime, nonce string) bool
}

// Config holds the listener settings.
type Config struct {
	ListenAddr      string
	ListenPort      int
	MinerDifficulty float64
	MaxConnections  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	InstanceID      uint32
	// HashrateInterval is the period of per-worker hashrate samples. Zero
	// disables sampling.
	HashrateInterval time.Duration
}

// Server is the downstream stratum listener.
type Server struct {
	cfg        Config
	registry   *miner.Registry
	shares     Shares
	upstream   Upstream
	state      *relay.State
	extraNonce *miner.ExtraNonce
	logger     *log.Logger

	listener net.Listener
	conns    atomic.Int64
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once

	// lastShares is owned by the hashrate sampler goroutine.
	lastShares map[uint64]uint64
}

// New creates a server. Call Start to accept connections.
func New(cfg Config, registry *miner.Registry, shares Shares, upstream Upstream, state *relay.State, logger *log.Logger) *Server {
	return &Server{
		cfg:        cfg,
		registry:   registry,
		shares:     shares,
		upstream:   upstream,
		state:      state,
		extraNonce: miner.NewExtraNonce(cfg.InstanceID),
		logger:     logger.WithComponent("server"),
		lastShares: make(map[uint64]uint64),
		stop:       make(chan struct{}),
	}
}

// Start binds the listener and serves in the background until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.ListenAddr, strconv.Itoa(s.cfg.ListenPort))
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "listen", fmt.Sprintf("failed to listen on %s", addr))
	}
	s.listener = listener
	s.logger.Info("server listening", "address", listener.Addr().String())

	disconnect := func(ev relay.Event) {
		n := s.registry.DisconnectAll()
		s.logger.Info("dropping miners for new work source", "event", ev.Kind.String(), "miners", n)
	}
	bus := s.upstream.Events()
	bus.On(relay.ForeignPoolSubscribed, disconnect)
	bus.On(relay.RelayingStopped, disconnect)
	bus.On(relay.UpstreamIdle, disconnect)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	if s.cfg.HashrateInterval > 0 {
		s.wg.Add(1)
		go s.hashrateLoop(ctx)
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		if limit := s.cfg.MaxConnections; limit > 0 && s.conns.Load() >= int64(limit) {
			s.logger.Warn("connection limit reached", "remote_addr", conn.RemoteAddr().String(), "max", limit)
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	s.conns.Add(1)
	defer s.conns.Add(-1)

	id := s.registry.NextID()
	session := stratum.NewSession(id, conn, s.logger, s.cfg.ReadTimeout, s.cfg.WriteTimeout)

	mnr := s.registry.CreateStratum(id, s.allocateExtraNonce1(ctx), session, s.cfg.MinerDifficulty)
	defer s.registry.Remove(id)

	handler := &handler{server: s, miner: mnr, logger: s.logger.WithMiner(id, "")}
	if err := session.Start(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).Debug("session ended", "miner_id", id)
	}
}

// allocateExtraNonce1 hands out the next extranonce1. While relaying it is a
// slice of the upstream extranonce. Until the upstream answers subscribe the
// slice is carved from the default layout, so the miner still gets a usable
// extranonce2 size.
func (s *Server) allocateExtraNonce1(ctx context.Context) string {
	if !s.state.IsRelaying() {
		return s.extraNonce.Next()
	}
	if s.upstream.HasDefaultExtraNonce1() {
		s.upstream.Subscribe(ctx)
		if err := s.upstream.FormatExtraNonce(); err != nil {
			s.logger.WithError(err).Warn("failed to format upstream extranonce")
		}
	}
	return s.upstream.NextMinerExtraNonce1()
}

// extraNonce2Size is the size announced in subscribe responses.
func (s *Server) extraNonce2Size() int {
	if s.state.IsRelaying() {
		return s.upstream.FormattedXNonce2Size()
	}
	return miner.ExpectedExtraNonce2Size
}

// Wait blocks until the accept loop and every connection returned.
func (s *Server) Wait() { s.wg.Wait() }

// Shutdown closes the listener and every miner, then waits for the
// connection goroutines up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Warn("failed to close listener")
		}
	}
	s.registry.DisconnectAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}
