package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/gomp-relay/internal/bitcoin/bitcointest"
	"github.com/bardlex/gomp-relay/internal/database/postgres"
	"github.com/bardlex/gomp-relay/internal/job"
	"github.com/bardlex/gomp-relay/internal/miner"
	"github.com/bardlex/gomp-relay/internal/share"
	"github.com/bardlex/gomp-relay/pkg/log"
	"github.com/bardlex/gomp-relay/pkg/retry"
)

type shareCall struct {
	username   string
	difficulty float64
	valid      bool
}

type fakeRounds struct {
	mu       sync.Mutex
	shares   []shareCall
	blocks   []string
	moved    []int64
	samples  map[string]float64
	failures int
}

func (r *fakeRounds) fail() error {
	if r.failures > 0 {
		r.failures--
		return errors.New("connection reset")
	}
	return nil
}

func (r *fakeRounds) AddShare(_ context.Context, username string, difficulty float64, valid bool, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return err
	}
	r.shares = append(r.shares, shareCall{username, difficulty, valid})
	return nil
}

func (r *fakeRounds) AddBlock(_ context.Context, hash string, _ int64, _ string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, hash)
	return nil
}

func (r *fakeRounds) MoveCurrentShares(_ context.Context, height int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moved = append(r.moved, height)
	return nil
}

func (r *fakeRounds) RecordWholeDay(_ context.Context, username string, hashrate float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.samples == nil {
		r.samples = map[string]float64{}
	}
	r.samples[username] = hashrate
	return nil
}

type fakeBlocks struct {
	rows []*postgres.Block
	seen map[string]bool
}

func (b *fakeBlocks) CreateBlock(_ context.Context, block *postgres.Block) (bool, error) {
	if b.seen == nil {
		b.seen = map[string]bool{}
	}
	if b.seen[block.Hash] {
		return false, nil
	}
	b.seen[block.Hash] = true
	b.rows = append(b.rows, block)
	return true, nil
}

type fakeMetrics struct {
	shares, blocks, rounds, hashrates int
	lastRelayed                       bool
}

func (f *fakeMetrics) WriteShare(_ string, _ float64, _, relayed bool, _ time.Time) {
	f.shares++
	f.lastRelayed = relayed
}
func (f *fakeMetrics) WriteBlock(int64, string, string, float64, float64, time.Time) { f.blocks++ }
func (f *fakeMetrics) WriteRound(int64, string, float64, time.Time)                 { f.rounds++ }
func (f *fakeMetrics) WriteHashrate(string, float64, time.Time)                     { f.hashrates++ }

func testShare(t *testing.T, valid bool) *share.Share {
	t.Helper()
	m := miner.NewGetwork(1, 16)
	miner.NewRegistry(1, log.Nop()).Authenticate(m, "alice", "x")

	j, err := job.NewRelay(job.RelayParams{
		ID:                1,
		RelayID:           "1a",
		Height:            840000,
		PreviousBlockHash: "000000000000000000024bd28cdb4a7c1d8a5e5d4d0a7ef8e4e6f4fb2e2a83b1",
		CoinbaseInitial:   "01000000",
		CoinbaseFinal:     "00000000",
		Version:           "20000000",
		Bits:              "1703a30c",
		NTime:             "6620f5e7",
	})
	if err != nil {
		t.Fatal(err)
	}
	return &share.Share{
		Miner:       m,
		JobID:       "1a",
		Job:         j,
		Difficulty:  18.5,
		IsValid:     valid,
		BlockHash:   "00000000000000000001aa",
		SubmittedAt: time.Unix(1713436135, 0),
	}
}

func fastManager(rounds RoundStore, blocks BlockStore, metrics MetricsWriter) *Manager {
	m := NewWithStores(rounds, blocks, metrics, log.Nop())
	m.retryConfig = &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return m
}

func TestAddShare(t *testing.T) {
	rounds := &fakeRounds{}
	metrics := &fakeMetrics{}
	m := fastManager(rounds, nil, metrics)
	ctx := context.Background()

	if err := m.AddShare(ctx, testShare(t, true)); err != nil {
		t.Fatal(err)
	}
	if err := m.AddShare(ctx, testShare(t, false)); err != nil {
		t.Fatal(err)
	}

	want := []shareCall{{"alice", 16, true}, {"alice", 16, false}}
	if len(rounds.shares) != len(want) {
		t.Fatalf("shares = %+v", rounds.shares)
	}
	for i := range want {
		if rounds.shares[i] != want[i] {
			t.Errorf("share %d = %+v, want %+v", i, rounds.shares[i], want[i])
		}
	}
	if metrics.shares != 2 || !metrics.lastRelayed {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestAddShare_RetriesTransientFailure(t *testing.T) {
	rounds := &fakeRounds{failures: 2}
	m := fastManager(rounds, nil, nil)

	if err := m.AddShare(context.Background(), testShare(t, true)); err != nil {
		t.Fatalf("AddShare() = %v after transient failures", err)
	}
	if len(rounds.shares) != 1 {
		t.Errorf("shares = %+v", rounds.shares)
	}

	rounds.failures = 5
	if err := m.AddShare(context.Background(), testShare(t, true)); err == nil {
		t.Error("persistent failure should surface")
	}
}

func TestAddBlock(t *testing.T) {
	rounds := &fakeRounds{}
	blocks := &fakeBlocks{}
	metrics := &fakeMetrics{}
	m := fastManager(rounds, blocks, metrics)

	s := testShare(t, true)
	if err := m.AddBlock(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if len(blocks.rows) != 1 {
		t.Fatalf("rows = %+v", blocks.rows)
	}
	row := blocks.rows[0]
	if row.Height != 840000 || row.Hash != s.BlockHash || row.Finder != "alice" || row.IsRelayBlock {
		t.Errorf("row = %+v", row)
	}
	if len(rounds.blocks) != 1 || metrics.blocks != 1 {
		t.Errorf("redis blocks %v, metric blocks %d", rounds.blocks, metrics.blocks)
	}
}

func TestBlockReward(t *testing.T) {
	s := testShare(t, true)
	if got := blockReward(s); got != 0 {
		t.Errorf("relay job reward = %v", got)
	}
	s.Job = &job.Job{Template: bitcointest.Template(840000, "", 0)}
	if got := blockReward(s); got != 3.125 {
		t.Errorf("template reward = %v, want 3.125", got)
	}
}

func TestAddRelayBlock(t *testing.T) {
	blocks := &fakeBlocks{}
	metrics := &fakeMetrics{}
	m := fastManager(nil, blocks, metrics)
	block := &btcjson.GetBlockVerboseResult{Hash: "00000000000000000002bb", Height: 840000, Time: 1713436135, Difficulty: 8}

	for i := 0; i < 2; i++ {
		if err := m.AddRelayBlock(context.Background(), block, 1.5625); err != nil {
			t.Fatal(err)
		}
	}
	if len(blocks.rows) != 1 {
		t.Fatalf("rows = %+v", blocks.rows)
	}
	row := blocks.rows[0]
	if !row.IsRelayBlock || row.Revenue != 1.5625 || !row.FoundAt.Equal(time.Unix(1713436135, 0)) {
		t.Errorf("row = %+v", row)
	}
	if metrics.rounds != 2 {
		t.Errorf("round metrics = %d", metrics.rounds)
	}
}

func TestMoveCurrentSharesAndWholeDay(t *testing.T) {
	rounds := &fakeRounds{}
	metrics := &fakeMetrics{}
	m := fastManager(rounds, nil, metrics)
	ctx := context.Background()

	if err := m.MoveCurrentShares(ctx, 839999); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordWholeDay(ctx, "alice", 1250.5); err != nil {
		t.Fatal(err)
	}
	if len(rounds.moved) != 1 || rounds.moved[0] != 839999 {
		t.Errorf("moved = %v", rounds.moved)
	}
	if rounds.samples["alice"] != 1250.5 || metrics.hashrates != 1 {
		t.Errorf("samples = %v, metrics = %d", rounds.samples, metrics.hashrates)
	}
}

func TestDisabledBackends(t *testing.T) {
	m := fastManager(nil, nil, nil)
	ctx := context.Background()
	s := testShare(t, true)

	checks := map[string]error{
		"AddShare":          m.AddShare(ctx, s),
		"AddBlock":          m.AddBlock(ctx, s),
		"AddRelayBlock":     m.AddRelayBlock(ctx, &btcjson.GetBlockVerboseResult{Hash: "00", Height: 1}, 0),
		"MoveCurrentShares": m.MoveCurrentShares(ctx, 1),
		"RecordWholeDay":    m.RecordWholeDay(ctx, "alice", 1),
		"Health":            m.Health(ctx),
		"Close":             m.Close(),
	}
	for name, err := range checks {
		if err != nil {
			t.Errorf("%s() = %v with every backend disabled", name, err)
		}
	}
}
