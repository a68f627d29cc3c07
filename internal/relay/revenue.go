package relay

import "math"

const (
	initialSubsidy  = 50.0
	halvingInterval = 210000
)

// Subsidy returns the block reward in coins at height.
func Subsidy(height int64) float64 {
	if height < 0 {
		return 0
	}
	return initialSubsidy / math.Pow(2, float64(height/halvingInterval))
}

// AddRoundShare credits an accepted upstream share at the current external difficulty.
func (m *Manager) AddRoundShare() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if !math.IsInf(m.externalDiff, 0) {
		m.blockShare += m.externalDiff
	}
}

// BlockShare is the difficulty accepted upstream in the current round.
func (m *Manager) BlockShare() float64 {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.blockShare
}

// ResetBlockShare starts a new round.
func (m *Manager) ResetBlockShare() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.blockShare = 0
}

// NetworkDiff returns the last known network difficulty.
func (m *Manager) NetworkDiff() float64 {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.networkDiff
}

// SetNetworkDiff records the network difficulty.
func (m *Manager) SetNetworkDiff(d float64) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.networkDiff = d
}

// CalcRoundRevenue estimates the pool's share of the block at height.
func (m *Manager) CalcRoundRevenue(height int64) float64 {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if m.networkDiff <= 0 {
		return 0
	}
	return m.blockShare / m.networkDiff * Subsidy(height)
}
