package relay

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/bardlex/gomp-relay/internal/stratum"
)

// maxReceiveSize caps one Receive so a misbehaving upstream cannot grow it forever.
const maxReceiveSize = 1 << 20

// Receive returns whatever the upstream sent within the first-byte timeout,
// waiting a little longer when the data ends mid-frame. It returns nil data
// when nothing arrived. Empty polls accumulate until the upstream is
// considered stalled, at which point the socket is recycled and a new
// subscribe is sent.
func (m *Manager) Receive(ctx context.Context) ([]byte, error) {
	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()

	if conn == nil {
		m.emptyPoll(ctx)
		return nil, nil
	}

	data, err := m.read(ctx, conn)
	if ctx.Err() != nil {
		return data, ctx.Err()
	}
	if err != nil {
		m.upstreamLogger().WithError(err).Warn("upstream read failed")
		m.dropConn(conn)
	}
	if len(data) == 0 {
		m.emptyPoll(ctx)
		return nil, nil
	}

	m.statsMu.Lock()
	m.failedPolls = 0
	m.firstFailure = time.Time{}
	m.lastData = m.now()
	m.statsMu.Unlock()

	m.logger.LogStratumMessage("upstream_in", string(data))
	return data, nil
}

type readPhase int

const (
	phaseFirst readPhase = iota
	phaseDrain
	phaseTail
)

func (m *Manager) read(ctx context.Context, conn net.Conn) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := stratum.GetBuffer()
	defer stratum.PutBuffer(buf)

	var data []byte
	phase := phaseFirst
	deadline := time.Now().Add(m.cfg.FirstByteTimeout)
	for len(data) < maxReceiveSize {
		_ = conn.SetReadDeadline(deadline)
		// A cancel landing before SetReadDeadline has its immediate deadline
		// overwritten above, so check again before blocking.
		if ctx.Err() != nil {
			return data, ctx.Err()
		}
		n, err := conn.Read(*buf)
		if n > 0 {
			data = append(data, (*buf)[:n]...)
			phase = phaseDrain
			deadline = time.Now().Add(m.cfg.DrainTimeout)
		}
		if err == nil {
			continue
		}
		if !isTimeout(err) {
			return data, err
		}

		switch phase {
		case phaseFirst:
			return nil, nil
		case phaseDrain:
			if frameComplete(data) {
				return data, nil
			}
			phase = phaseTail
			deadline = time.Now().Add(m.cfg.FrameTimeout)
		case phaseTail:
			return data, nil
		}
	}
	return data, nil
}

func frameComplete(data []byte) bool {
	return bytes.HasSuffix(bytes.TrimRight(data, " \t\r\n"), []byte("}"))
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// emptyPoll counts a poll that returned nothing and recycles a stalled upstream.
func (m *Manager) emptyPoll(ctx context.Context) {
	m.statsMu.Lock()
	now := m.now()
	m.failedPolls++
	if m.firstFailure.IsZero() {
		m.firstFailure = now
	}
	since := now.Sub(m.firstFailure)
	stalled := since > m.cfg.IdleTimeout || m.failedPolls >= m.cfg.MaxFailedPolls
	polls := m.failedPolls
	if stalled {
		m.failedPolls = 0
		m.firstFailure = time.Time{}
	}
	m.statsMu.Unlock()

	if !stalled {
		return
	}
	m.upstreamLogger().LogRelayEvent("upstream_stalled", since, "failed_polls", polls)
	m.recycle()
	m.Subscribe(ctx)
}

// idleFor returns how long the upstream has been silent.
func (m *Manager) idleFor() time.Duration {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if m.lastData.IsZero() {
		return 0
	}
	return m.now().Sub(m.lastData)
}
