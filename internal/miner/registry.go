package miner

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gomp-relay/pkg/log"
)

// DefaultBroadcastParallel bounds concurrent sends during a broadcast.
const DefaultBroadcastParallel = 64

// Registry tracks connected miners.
type Registry struct {
	logger   *log.Logger
	parallel int

	nextID atomic.Uint64

	mu     sync.RWMutex
	miners map[uint64]*Miner

	handlersMu   sync.RWMutex
	onAuthorized []func(*Miner)
}

// NewRegistry returns an empty registry. parallel bounds Broadcast fan-out.
func NewRegistry(parallel int, logger *log.Logger) *Registry {
	if parallel <= 0 {
		parallel = DefaultBroadcastParallel
	}
	return &Registry{
		logger:   logger.WithComponent("miner_registry"),
		parallel: parallel,
		miners:   make(map[uint64]*Miner),
	}
}

// NextID reserves a miner id.
func (r *Registry) NextID() uint64 { return r.nextID.Add(1) }

// Add registers m.
func (r *Registry) Add(m *Miner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.miners[m.ID] = m
}

// CreateStratum builds and registers a stratum miner.
func (r *Registry) CreateStratum(id uint64, extraNonce1 string, conn Conn, difficulty float64) *Miner {
	m := NewStratum(id, extraNonce1, conn, difficulty)
	r.Add(m)
	r.logger.Debug("miner created", "miner_id", id, "extranonce1", extraNonce1)
	return m
}

// Remove forgets the miner with id.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.miners, id)
}

// Get looks a miner up by id.
func (r *Registry) Get(id uint64) (*Miner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.miners[id]
	return m, ok
}

// Miners returns a snapshot of all miners.
func (r *Registry) Miners() []*Miner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Miner, 0, len(r.miners))
	for _, m := range r.miners {
		out = append(out, m)
	}
	return out
}

// Count returns the number of registered miners.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.miners)
}

// OnMinerAuthenticated registers a handler run after each successful authorize.
func (r *Registry) OnMinerAuthenticated(fn func(*Miner)) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.onAuthorized = append(r.onAuthorized, fn)
}

// Authenticate authorizes m as username. Any non-empty username is accepted.
// On success the miner gets its difficulty and the authenticated handlers run.
func (r *Registry) Authenticate(m *Miner, username, _ string) bool {
	if username == "" {
		return false
	}
	m.setAuthenticated(username)
	m.SendDifficulty()

	r.handlersMu.RLock()
	handlers := append([]func(*Miner){}, r.onAuthorized...)
	r.handlersMu.RUnlock()
	for _, h := range handlers {
		h(m)
	}

	r.logger.WithMiner(m.ID, username).Info("miner authorized")
	return true
}

// Broadcast runs send for every miner with bounded parallelism and returns
// how many sends reported success. It returns after every send finished.
func (r *Registry) Broadcast(send func(*Miner) bool) int {
	miners := r.Miners()
	if len(miners) == 0 {
		return 0
	}

	var count atomic.Int64
	swg := sizedwaitgroup.New(r.parallel)
	for _, m := range miners {
		swg.Add()
		go func(m *Miner) {
			defer swg.Done()
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("broadcast send panicked", "miner_id", m.ID, "panic", fmt.Sprint(p))
				}
			}()
			if send(m) {
				count.Add(1)
			}
		}(m)
	}
	swg.Wait()
	return int(count.Load())
}

// DisconnectAll closes every miner connection and returns how many were closed.
func (r *Registry) DisconnectAll() int {
	miners := r.Miners()
	for _, m := range miners {
		m.Disconnect()
	}
	if len(miners) > 0 {
		r.logger.Info("disconnected all miners", "count", len(miners))
	}
	return len(miners)
}
