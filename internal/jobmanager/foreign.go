package jobmanager

import (
	"bytes"
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/bardlex/gomp-relay/internal/bitcoin"
	"github.com/bardlex/gomp-relay/internal/job"
	"github.com/bardlex/gomp-relay/internal/miner"
	"github.com/bardlex/gomp-relay/internal/relay"
	"github.com/bardlex/gomp-relay/internal/stratum"
	"github.com/bardlex/gomp-relay/pkg/errors"
)

const (
	// emptyPollDelay is the retry delay after a poll that returned nothing.
	emptyPollDelay = 2 * time.Second

	// retargetInterval is the network difficulty adjustment period in blocks.
	retargetInterval = 2016
)

// coinbaseInputMarker ends the null prevout of every coinbase input.
var coinbaseInputMarker = strings.Repeat("0", 64) + "ffffffff"

// ExtractHeight reads the BIP34 block height from the first part of an
// upstream coinbase: after the null prevout and the script length byte
// comes a push of the little-endian height.
func ExtractHeight(coinb1 string) (int64, error) {
	i := strings.Index(coinb1, coinbaseInputMarker)
	if i < 0 {
		return 0, errors.New(errors.ErrorTypeValidation, "extract_height", "coinbase input not found")
	}
	i += len(coinbaseInputMarker) + 2

	if len(coinb1) < i+2 {
		return 0, errors.New(errors.ErrorTypeValidation, "extract_height", "coinbase truncated before height")
	}
	n, err := strconv.ParseUint(coinb1[i:i+2], 16, 8)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeValidation, "extract_height", "invalid height length")
	}
	if n == 0 || n > 8 {
		return 0, errors.New(errors.ErrorTypeValidation, "extract_height", "unsupported height length").
			WithContext("length", n)
	}
	i += 2

	end := i + 2*int(n)
	if len(coinb1) < end {
		return 0, errors.New(errors.ErrorTypeValidation, "extract_height", "coinbase truncated inside height")
	}
	raw, err := hex.DecodeString(coinb1[i:end])
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeValidation, "extract_height", "invalid height bytes")
	}

	var height int64
	for k := len(raw) - 1; k >= 0; k-- {
		height = height<<8 | int64(raw[k])
	}
	return height, nil
}

// pollForeignPool reads whatever the upstream sent and acts on every line.
func (m *Manager) pollForeignPool(ctx context.Context) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	if !m.state.IsRelaying() {
		return
	}

	if m.relay.HasDefaultExtraNonce1() && !m.relay.IsConnected() {
		m.relay.Subscribe(ctx)
	}

	data, err := m.relay.Receive(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if len(data) == 0 {
		m.rearmForeign(emptyPollDelay)
		return
	}

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) < 2 || line[0] != '{' || line[len(line)-1] != '}' {
			continue
		}
		m.handleUpstreamLine(ctx, line)
	}
	m.rearmForeign(m.relay.RefreshInterval())
}

// rearmForeign schedules the next foreign poll unless relaying stopped meanwhile.
func (m *Manager) rearmForeign(d time.Duration) {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	if m.state.IsRelaying() {
		m.foreignPoller.Reset(d)
	}
}

func (m *Manager) handleUpstreamLine(ctx context.Context, line []byte) {
	env, err := stratum.DecodeEnvelope(line)
	if err != nil {
		m.logger.WithError(err).Debug("skipping undecodable upstream line")
		return
	}

	if env.IsRequest() {
		req, err := env.Request()
		if err != nil {
			m.logger.WithError(err).Debug("skipping malformed upstream request", "method", env.Method)
			return
		}
		m.handleUpstreamRequest(ctx, env, req)
		return
	}

	res, err := env.Response()
	if err != nil {
		m.logger.WithError(err).Debug("skipping malformed upstream response")
		return
	}
	m.handleUpstreamResponse(ctx, line, res)
}

func (m *Manager) handleUpstreamRequest(ctx context.Context, env *stratum.Envelope, req stratum.Request) {
	switch r := req.(type) {
	case stratum.SetDifficultyRequest:
		m.relay.SetExternalDiff(r.Difficulty)
		m.logger.Debug("upstream difficulty", "difficulty", r.Difficulty)

	case stratum.NotifyRequest:
		m.handleNotify(ctx, r)

	case stratum.GetVersionRequest:
		m.relay.SendResponse(ctx, env.RawID(), stratum.ClientVersion)

	case stratum.ShowMessageRequest:
		if r.Message != "" {
			m.logger.Info("message from upstream", "message", r.Message)
		}

	case stratum.SetExtraNonceRequest:
		m.relay.SetExtraNonce(r.ExtraNonce1, r.ExtraNonce2Size)
		if err := m.relay.FormatExtraNonce(); err != nil {
			m.logger.WithError(err).Warn("unusable upstream extranonce")
			return
		}
		count := m.broadcastExtraNonce()
		m.logger.Info("upstream set extranonce",
			"extranonce1", r.ExtraNonce1, "extranonce2_size", r.ExtraNonce2Size, "miners", count)

	case stratum.ReconnectRequest:

	default:
		m.logger.Info("unhandled upstream method", "method", env.Method)
	}
}

func (m *Manager) handleUpstreamResponse(ctx context.Context, line []byte, res stratum.Response) {
	target := m.relay.CurrentTarget().Address()

	switch r := res.(type) {
	case stratum.SubscribeResult:
		if !r.HasResult() {
			m.logger.Info("subscription rejected", "target", target, "error", r.Err)
			return
		}
		m.relay.SetExtraNonce(r.ExtraNonce1, r.ExtraNonce2Size)
		if err := m.relay.FormatExtraNonce(); err != nil {
			m.logger.WithError(err).Warn("unusable upstream extranonce", "target", target)
			return
		}
		m.relay.MarkSubscribed()
		m.logger.Debug("subscribed upstream",
			"extranonce1", r.ExtraNonce1, "extranonce2_size", r.ExtraNonce2Size)
		m.relay.Events().EmitAsync(relay.Event{Kind: relay.ForeignPoolSubscribed})
		m.relay.Authorize(ctx)

	case stratum.AuthorizeResult:
		if r.Authorized {
			m.relay.MarkAuthorized()
			m.logger.Info("authorized upstream", "target", target)
			return
		}
		m.logger.Info("upstream authorization rejected", "target", target, "error", r.Err)

	case stratum.SubmitResult:
		if r.Accepted {
			m.relay.AddRoundShare()
			m.logger.Debug("share accepted upstream", "target", target)
			return
		}
		m.logger.Info("share rejected upstream", "target", target, "error", r.Err)
		lower := strings.ToLower(string(line))
		if r.Err != nil && strings.Contains(lower, "not") && strings.Contains(lower, "authorized") {
			m.relay.Subscribe(ctx)
		}

	default:
		m.logger.Debug("unexpected upstream response", "target", target)
	}
}

func (m *Manager) handleNotify(ctx context.Context, n stratum.NotifyRequest) {
	j, err := m.relayJob(n)
	if err != nil {
		m.logger.WithError(err).Warn("dropping upstream job", "job_id", n.JobID)
		return
	}
	m.jobMu.Lock()
	m.tracker.Add(j)
	m.distribute(ctx, false)
	m.jobMu.Unlock()
	m.rearm()

	m.refreshNetworkDiff(ctx, j.Height)
	m.closeRound(ctx, j)
}

func (m *Manager) relayJob(n stratum.NotifyRequest) (*job.Job, error) {
	id, err := strconv.ParseUint(n.JobID, 16, 64)
	if err != nil {
		id = m.counter.Next()
	}

	prev := n.PrevHash
	if strings.HasSuffix(prev, "000000") {
		if display, err := bitcoin.ReverseByteOrder(prev); err == nil {
			prev = display
		}
	}

	height, err := ExtractHeight(n.Coinb1)
	if err != nil {
		return nil, err
	}

	return job.NewRelay(job.RelayParams{
		ID:                id,
		RelayID:           n.JobID,
		Height:            height,
		PreviousBlockHash: prev,
		CoinbaseInitial:   n.Coinb1,
		CoinbaseFinal:     n.Coinb2,
		Branches:          n.MerkleBranch,
		Version:           n.Version,
		Bits:              n.NBits,
		NTime:             n.NTime,
		CleanJobs:         n.CleanJobs,
	})
}

func (m *Manager) refreshNetworkDiff(ctx context.Context, height int64) {
	if m.relay.NetworkDiff() != 0 && height%retargetInterval != 1 {
		return
	}
	d, err := m.daemon.GetDifficulty(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("failed to refresh network difficulty")
		return
	}
	m.relay.SetNetworkDiff(d)
}

// closeRound persists the relayed round when j starts a new block.
func (m *Manager) closeRound(ctx context.Context, j *job.Job) {
	prev, ok := m.tracker.Get(j.ID - 1)
	if !ok {
		prev = j
	}
	if prev.Height == j.Height {
		return
	}

	height := j.Height - 1
	revenue := m.relay.CalcRoundRevenue(height)
	m.logger.Info("relay round closed", "height", height, "block_share", m.relay.BlockShare(), "revenue", revenue)
	m.shares.PersistBlock(ctx, height, revenue)
	m.relay.ResetBlockShare()
}

// broadcastExtraNonce hands every active miner a fresh slice of the new upstream extranonce.
func (m *Manager) broadcastExtraNonce() int {
	size := m.relay.FormattedXNonce2Size()
	return m.registry.Broadcast(func(mn *miner.Miner) bool {
		if !mn.IsSubscribed() || !mn.IsAuthenticated() {
			return false
		}
		return mn.SendExtraNonce(m.relay.NextMinerExtraNonce1(), size)
	})
}
