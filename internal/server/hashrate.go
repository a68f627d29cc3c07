package server

import (
	"context"
	"time"

	"github.com/bardlex/gomp-relay/internal/miner"
)

// hashesPerShare is the expected number of hashes behind a difficulty 1 share.
const hashesPerShare = 1 << 32

func (s *Server) hashrateLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HashrateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sampleHashrate(ctx, s.cfg.HashrateInterval)
		}
	}
}

// sampleHashrate estimates every authenticated worker's hashrate from the
// valid shares it sent since the previous sample and stores it.
func (s *Server) sampleHashrate(ctx context.Context, window time.Duration) {
	seen := make(map[uint64]bool)
	perUser := make(map[string]float64)

	for _, m := range s.registry.Miners() {
		if !m.IsAuthenticated() {
			continue
		}
		seen[m.ID] = true
		count := m.ValidShareCount()
		delta := count - s.lastShares[m.ID]
		s.lastShares[m.ID] = count
		perUser[m.Username()] += hashrate(delta, m, window)
	}

	for id := range s.lastShares {
		if !seen[id] {
			delete(s.lastShares, id)
		}
	}

	for username, rate := range perUser {
		if err := s.shares.RecordWholeDayData(ctx, username, rate); err != nil {
			s.logger.WithError(err).Warn("failed to record hashrate", "username", username)
		}
	}
}

func hashrate(shares uint64, m *miner.Miner, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return float64(shares) * m.Difficulty() * hashesPerShare / window.Seconds()
}
