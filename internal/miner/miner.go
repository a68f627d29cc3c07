// Package miner models connected miners and the registry that fans work out to them.
package miner

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bardlex/gomp-relay/internal/job"
	"github.com/bardlex/gomp-relay/internal/stratum"
)

// Kind is the protocol a miner speaks.
type Kind int

const (
	// KindStratum miners hold a persistent connection and receive pushed work.
	KindStratum Kind = iota
	// KindGetwork miners poll for work and are never pushed jobs.
	KindGetwork
)

func (k Kind) String() string {
	switch k {
	case KindStratum:
		return "stratum"
	case KindGetwork:
		return "getwork"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Conn is the transport of a stratum miner.
type Conn interface {
	SendNotification(method string, params []any) error
	Close()
}

// StratumPayload is the protocol state only stratum miners carry.
type StratumPayload struct {
	Conn      Conn
	UserAgent string
}

// Miner is one connected worker.
type Miner struct {
	ID   uint64
	Kind Kind
	// Stratum is set iff Kind is KindStratum.
	Stratum *StratumPayload

	mu            sync.RWMutex
	extraNonce1   string
	username      string
	difficulty    float64
	subscribed    bool
	authenticated bool

	validShares   atomic.Uint64
	invalidShares atomic.Uint64
}

// NewStratum returns a stratum miner bound to conn.
func NewStratum(id uint64, extraNonce1 string, conn Conn, difficulty float64) *Miner {
	return &Miner{
		ID:          id,
		Kind:        KindStratum,
		Stratum:     &StratumPayload{Conn: conn},
		extraNonce1: extraNonce1,
		difficulty:  difficulty,
	}
}

// NewGetwork returns a getwork miner.
func NewGetwork(id uint64, difficulty float64) *Miner {
	return &Miner{ID: id, Kind: KindGetwork, difficulty: difficulty}
}

// Subscribe marks the miner as subscribed.
func (m *Miner) Subscribe(userAgent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = true
	if m.Stratum != nil {
		m.Stratum.UserAgent = userAgent
	}
}

// IsSubscribed reports whether mining.subscribe completed.
func (m *Miner) IsSubscribed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscribed
}

// IsAuthenticated reports whether mining.authorize succeeded.
func (m *Miner) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authenticated
}

func (m *Miner) setAuthenticated(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.username = username
	m.authenticated = true
}

// Username returns the authorized worker name.
func (m *Miner) Username() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.username
}

// ExtraNonce1 returns the miner's extranonce1 hex.
func (m *Miner) ExtraNonce1() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.extraNonce1
}

// SetExtraNonce1 replaces the miner's extranonce1.
func (m *Miner) SetExtraNonce1(en1 string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extraNonce1 = en1
}

// Difficulty returns the share difficulty assigned to the miner.
func (m *Miner) Difficulty() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.difficulty
}

// SetDifficulty changes the assigned share difficulty.
func (m *Miner) SetDifficulty(d float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.difficulty = d
}

// ValidShareCount returns the number of accepted shares.
func (m *Miner) ValidShareCount() uint64 { return m.validShares.Load() }

// InvalidShareCount returns the number of rejected shares.
func (m *Miner) InvalidShareCount() uint64 { return m.invalidShares.Load() }

// AddValidShare increments the accepted share counter.
func (m *Miner) AddValidShare() uint64 { return m.validShares.Add(1) }

// AddInvalidShare increments the rejected share counter.
func (m *Miner) AddInvalidShare() uint64 { return m.invalidShares.Add(1) }

// SendJob pushes j to the miner. It reports false for miners that cannot
// receive work yet and for getwork miners.
func (m *Miner) SendJob(j *job.Job, clean bool) bool {
	switch m.Kind {
	case KindStratum:
		if !m.IsSubscribed() || !m.IsAuthenticated() {
			return false
		}
		return m.Stratum.Conn.SendNotification(stratum.MethodNotify, j.NotifyParams(clean)) == nil
	default:
		return false
	}
}

// SendDifficulty pushes mining.set_difficulty.
func (m *Miner) SendDifficulty() bool {
	switch m.Kind {
	case KindStratum:
		return m.Stratum.Conn.SendNotification(stratum.MethodSetDifficulty, []any{m.Difficulty()}) == nil
	default:
		return false
	}
}

// SendExtraNonce assigns a new extranonce1 and pushes mining.set_extranonce.
func (m *Miner) SendExtraNonce(en1 string, en2Size int) bool {
	switch m.Kind {
	case KindStratum:
		m.SetExtraNonce1(en1)
		return m.Stratum.Conn.SendNotification(stratum.MethodSetExtraNonce, []any{en1, en2Size}) == nil
	default:
		return false
	}
}

// Disconnect closes the miner's transport.
func (m *Miner) Disconnect() {
	if m.Kind == KindStratum && m.Stratum.Conn != nil {
		m.Stratum.Conn.Close()
	}
}
