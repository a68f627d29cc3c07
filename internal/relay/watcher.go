package relay

import (
	"context"
	"time"

	"github.com/bardlex/gomp-relay/pkg/log"
)

// Run applies relay switch changes and manual upstream switches until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.watch(ctx)
		}
	}
}

func (m *Manager) watch(ctx context.Context) {
	relaying := m.state.IsRelaying()
	if relaying != m.lastRelaying {
		m.lastRelaying = relaying
		m.recycle()
		m.logger.Info("relay status changed", "relaying", relaying)
		m.bus.Emit(Event{Kind: StatusChanged, Relaying: relaying, PoolID: m.PoolID()})
		if relaying {
			m.Subscribe(ctx)
		} else {
			m.ResetExtraNonce1()
		}
	}

	if m.state.takeManualSwitch() {
		m.logger.Info("manual upstream switch requested", "pool_id", m.PoolID())
		if m.SwitchUpstream(ctx) {
			m.Subscribe(ctx)
		} else {
			m.state.SetRelaying(false)
		}
	}
}

// Status is a point-in-time view of the upstream connection.
type Status struct {
	Relaying     bool
	PoolID       int
	Target       string
	Endpoint     string
	State        ConnState
	ExtraNonce1  string
	ExtraNonce2  int
	ExternalDiff float64
	BlockShare   float64
	Uptime       time.Duration
}

// Status snapshots the relay for operators.
func (m *Manager) Status() Status {
	m.connMu.Lock()
	endpoint := m.endpoint
	var uptime time.Duration
	if m.conn != nil {
		uptime = m.now().Sub(m.connectedAt)
	}
	m.connMu.Unlock()

	return Status{
		Relaying:     m.state.IsRelaying(),
		PoolID:       m.PoolID(),
		Target:       m.CurrentTarget().Address(),
		Endpoint:     endpoint,
		State:        m.ConnState(),
		ExtraNonce1:  m.ExtraNonce1(),
		ExtraNonce2:  m.ExtraNonce2Size(),
		ExternalDiff: m.ExternalDiff(),
		BlockShare:   m.BlockShare(),
		Uptime:       uptime,
	}
}

// UptimeString renders the connection uptime, or "-" when disconnected.
func (s Status) UptimeString() string {
	if s.Uptime <= 0 {
		return "-"
	}
	return log.FormatDuration(s.Uptime)
}
