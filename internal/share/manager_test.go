package share

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/gomp-relay/internal/bitcoin"
	"github.com/bardlex/gomp-relay/internal/bitcoin/bitcointest"
	"github.com/bardlex/gomp-relay/internal/job"
	"github.com/bardlex/gomp-relay/internal/relay"
	"github.com/bardlex/gomp-relay/pkg/errors"
	"github.com/bardlex/gomp-relay/pkg/log"
)

type relayBlock struct {
	hash    string
	revenue float64
}

type fakeStorage struct {
	mu          sync.Mutex
	shares      []*Share
	blocks      []*Share
	relayBlocks []relayBlock
	moved       []int64
	wholeDay    map[string]float64
}

func (f *fakeStorage) AddShare(_ context.Context, s *Share) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shares = append(f.shares, s)
	return nil
}

func (f *fakeStorage) AddBlock(_ context.Context, s *Share) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, s)
	return nil
}

func (f *fakeStorage) AddRelayBlock(_ context.Context, b *btcjson.GetBlockVerboseResult, revenue float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayBlocks = append(f.relayBlocks, relayBlock{b.Hash, revenue})
	return nil
}

func (f *fakeStorage) MoveCurrentShares(_ context.Context, height int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moved = append(f.moved, height)
	return nil
}

func (f *fakeStorage) RecordWholeDay(_ context.Context, username string, hashrate float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wholeDay == nil {
		f.wholeDay = make(map[string]float64)
	}
	f.wholeDay[username] = hashrate
	return nil
}

type fakeUpstream struct {
	en1    string
	en2Len int
}

func (u fakeUpstream) ExtraNonce1() string  { return u.en1 }
func (u fakeUpstream) ExtraNonce2Size() int { return u.en2Len }

type harness struct {
	mgr     *Manager
	daemon  *bitcointest.Daemon
	tracker *job.Tracker
	state   *relay.State
	storage *fakeStorage
	found   []*Share
	seen    []*Share
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		daemon:  bitcointest.NewDaemon(nil),
		tracker: job.NewTracker(0),
		state:   relay.NewState(false),
		storage: &fakeStorage{},
	}
	h.mgr = NewManager(Config{
		WalletAddress:        bitcointest.PoolAddress,
		UseDefaultAccount:    true,
		SubmitBlockSupported: true,
	}, h.daemon, h.tracker, h.state, fakeUpstream{en1: "aabbccdd", en2Len: 6}, h.storage, nil, log.Nop())
	h.mgr.heightRetryDelay = time.Millisecond
	h.mgr.OnBlockFound(func(s *Share) { h.found = append(h.found, s) })
	h.mgr.OnShareSubmitted(func(s *Share) { h.seen = append(h.seen, s) })
	return h
}

// acceptBlock makes the daemon confirm the block a share on a copy of j
// would produce.
func (h *harness) acceptBlock(t *testing.T, j *job.Job, p Params) *Share {
	t.Helper()
	p.Job = j
	s := New(p)
	if !s.IsBlockCandidate {
		t.Fatal("expected a block candidate")
	}
	coinbase := bitcoin.EncodeHash(s.CoinbaseHash)
	h.daemon.AddBlock(&btcjson.GetBlockVerboseResult{
		Hash:          s.BlockHash,
		Height:        j.Height,
		Confirmations: 1,
		Tx:            []string{coinbase},
	})
	h.daemon.Txs[coinbase] = &btcjson.GetTransactionResult{
		TxID: coinbase,
		Details: []btcjson.GetTransactionDetailsResult{
			{Address: bitcointest.PoolAddress, Category: "immature"},
		},
	}
	return s
}

func TestProcessShare_Valid(t *testing.T) {
	h := newHarness(t)
	j := newTestJob(t, 1, time.Now().Unix(), "")
	h.tracker.Add(j)
	m := newTestMiner(1e-15)

	s := h.mgr.ProcessShare(context.Background(), m, "1", "00000001", j.NTime, "deadbeef")
	if !s.IsValid {
		t.Fatalf("share rejected: %v", s.Error)
	}
	if s.Job != j || s.JobID != "1" {
		t.Errorf("resolved job %v %q", s.Job, s.JobID)
	}
	if m.ValidShareCount() != 1 || m.InvalidShareCount() != 0 {
		t.Errorf("counts = %d/%d", m.ValidShareCount(), m.InvalidShareCount())
	}
	if len(h.storage.shares) != 1 || len(h.seen) != 1 {
		t.Error("share not stored or submitted event missing")
	}
	if len(h.daemon.SubmittedBlocks()) != 0 {
		t.Error("non-candidate share must not be submitted")
	}
}

func TestProcessShare_LowDifficulty(t *testing.T) {
	h := newHarness(t)
	j := newTestJob(t, 1, time.Now().Unix(), "")
	h.tracker.Add(j)
	m := newTestMiner(1e6)

	s := h.mgr.ProcessShare(context.Background(), m, "1", "00000001", j.NTime, "deadbeef")
	if s.IsValid || s.Error != ErrLowDifficultyShare {
		t.Fatalf("got valid=%v err=%v", s.IsValid, s.Error)
	}
	if m.InvalidShareCount() != 1 || m.ValidShareCount() != 0 {
		t.Errorf("counts = %d/%d", m.ValidShareCount(), m.InvalidShareCount())
	}
	if se := s.Error.StratumError(); se.Code != 23 {
		t.Errorf("stratum code = %d", se.Code)
	}
	if len(h.seen) != 1 {
		t.Error("submitted event missing for invalid share")
	}
}

func TestProcessShare_UnknownJob(t *testing.T) {
	h := newHarness(t)
	j := newTestJob(t, 1, time.Now().Unix(), "")
	h.tracker.Add(j)

	s := h.mgr.ProcessShare(context.Background(), newTestMiner(1), "zz", "00000001", j.NTime, "deadbeef")
	if s.Error != ErrJobNotFound {
		t.Fatalf("Error = %v", s.Error)
	}
	if s.JobID != "1" {
		t.Errorf("JobID = %q, want current job id", s.JobID)
	}
}

func TestProcessShare_BlockFound(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	j := newTestJob(t, 1, now.Unix(), strings.Repeat("f", 64))
	h.tracker.Add(j)
	m := newTestMiner(1)

	expected := h.acceptBlock(t, newTestJob(t, 1, now.Unix(), strings.Repeat("f", 64)), baseParams(j, m, now))

	s := h.mgr.ProcessShare(context.Background(), m, "1", "00000001", j.NTime, "deadbeef")
	if !s.IsValid || !s.IsBlockCandidate {
		t.Fatalf("valid=%v candidate=%v", s.IsValid, s.IsBlockCandidate)
	}
	if s.BlockHash != expected.BlockHash {
		t.Fatalf("block hash %s, want %s", s.BlockHash, expected.BlockHash)
	}
	if got := h.daemon.SubmittedBlocks(); len(got) != 1 || got[0] != s.BlockHex {
		t.Fatalf("submitted %d blocks", len(got))
	}
	if len(h.found) != 1 {
		t.Fatal("block found event not raised")
	}
	if len(h.storage.blocks) != 1 || len(h.storage.moved) != 1 || h.storage.moved[0] != 840000 {
		t.Errorf("storage blocks=%d moved=%v", len(h.storage.blocks), h.storage.moved)
	}
}

func TestProcessShare_CandidateWhileRelaying(t *testing.T) {
	h := newHarness(t)
	h.state.SetRelaying(true)
	j := newTestJob(t, 1, time.Now().Unix(), strings.Repeat("f", 64))
	h.tracker.Add(j)
	m := newTestMiner(1)
	m.SetExtraNonce1("aabbccdd0001")

	s := h.mgr.ProcessShare(context.Background(), m, "1", "000100000001", j.NTime, "deadbeef")
	if !s.IsValid {
		t.Fatalf("share rejected: %v", s.Error)
	}
	if s.ExtraNonce1 != "aabbccdd" {
		t.Errorf("coinbase extranonce1 = %q, want the upstream part", s.ExtraNonce1)
	}
	if len(h.daemon.SubmittedBlocks()) != 0 || len(h.found) != 0 {
		t.Error("blocks are never submitted locally while relaying")
	}
}

func TestSubmitBlock_Verification(t *testing.T) {
	now := time.Now()
	target := strings.Repeat("f", 64)

	tests := []struct {
		name   string
		mutate func(h *harness, s *Share)
		want   bool
	}{
		{"accepted", func(*harness, *Share) {}, true},
		{"submit error", func(h *harness, _ *Share) {
			h.daemon.SubmitErr = errors.New(errors.ErrorTypeBitcoin, "submit_block", "rejected: bad-txnmrklroot")
		}, false},
		{"orphaned", func(h *harness, s *Share) { h.daemon.Blocks[s.BlockHash].Confirmations = -1 }, false},
		{"foreign coinbase", func(h *harness, s *Share) { h.daemon.Blocks[s.BlockHash].Tx[0] = strings.Repeat("0", 64) }, false},
		{"not our address", func(h *harness, s *Share) {
			h.daemon.Txs[bitcoin.EncodeHash(s.CoinbaseHash)].Details[0].Address = "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"
		}, false},
		{"unknown block", func(h *harness, s *Share) { delete(h.daemon.Blocks, s.BlockHash) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			j := newTestJob(t, 1, now.Unix(), target)
			s := h.acceptBlock(t, j, baseParams(j, newTestMiner(1), now))
			tt.mutate(h, s)
			if got := h.mgr.SubmitBlock(context.Background(), s); got != tt.want {
				t.Errorf("SubmitBlock() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubmitBlock_TemplateMode(t *testing.T) {
	h := newHarness(t)
	h.mgr.cfg.SubmitBlockSupported = false
	now := time.Now()
	j := newTestJob(t, 1, now.Unix(), strings.Repeat("f", 64))
	s := h.acceptBlock(t, j, baseParams(j, newTestMiner(1), now))

	if !h.mgr.SubmitBlock(context.Background(), s) {
		t.Fatal("SubmitBlock() = false")
	}
	if len(h.daemon.TemplateSubmitted) != 1 || len(h.daemon.Submitted) != 0 {
		t.Error("block should go through getblocktemplate submit mode")
	}
}

func TestFindPoolAccount(t *testing.T) {
	h := newHarness(t)
	h.daemon.Account = "pool"
	ctx := context.Background()

	if acct, _ := h.mgr.FindPoolAccount(ctx); acct != "" {
		t.Errorf("default account = %q", acct)
	}
	h.mgr.cfg.UseDefaultAccount = false
	if acct, _ := h.mgr.FindPoolAccount(ctx); acct != "pool" {
		t.Errorf("daemon account = %q", acct)
	}
	h.mgr.cfg.PoolAccount = "configured"
	if acct, _ := h.mgr.FindPoolAccount(ctx); acct != "configured" {
		t.Errorf("configured account = %q", acct)
	}
}

func TestResolveJob_Relay(t *testing.T) {
	h := newHarness(t)
	relayJob := func(id uint64, relayID string) *job.Job {
		j, err := job.NewRelay(job.RelayParams{
			ID:                id,
			RelayID:           relayID,
			PreviousBlockHash: testPrevHash,
			Version:           "20000000",
			Bits:              "2200ffff",
			NTime:             "5a54a978",
		})
		if err != nil {
			t.Fatal(err)
		}
		return j
	}
	old := relayJob(0x10, "old")
	current := relayJob(0x11, "cur")
	h.tracker.Add(old)
	h.tracker.Add(current)

	tests := []struct {
		submitted string
		wantID    string
		want      *job.Job
	}{
		{"cur", "cur", current},
		{"old", "old", old},
		{"10", "10", old},
		{"nope", "cur", nil},
		{"ff", "cur", nil},
	}
	for _, tt := range tests {
		id, j := h.mgr.resolveJob(tt.submitted)
		if id != tt.wantID || j != tt.want {
			t.Errorf("resolveJob(%q) = %q, %v", tt.submitted, id, j)
		}
	}
}

func TestPersistBlock(t *testing.T) {
	h := newHarness(t)
	h.daemon.HashErrs = []error{
		errors.New(errors.ErrorTypeBitcoin, "get_block_hash", "Block height out of range"),
		errors.New(errors.ErrorTypeBitcoin, "get_block_hash", "Block height out of range"),
	}
	h.daemon.AddBlock(&btcjson.GetBlockVerboseResult{Hash: "00aa", Height: 840001})

	h.mgr.PersistBlock(context.Background(), 840001, 0.125)
	h.mgr.Wait()

	if len(h.storage.moved) != 1 || h.storage.moved[0] != 840001 {
		t.Errorf("moved = %v", h.storage.moved)
	}
	if len(h.storage.relayBlocks) != 1 || h.storage.relayBlocks[0] != (relayBlock{"00aa", 0.125}) {
		t.Errorf("relay blocks = %v", h.storage.relayBlocks)
	}
	if h.daemon.HashCalls != 3 {
		t.Errorf("GetBlockHash called %d times, want 3", h.daemon.HashCalls)
	}
}

func TestPersistBlock_Cancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	h.mgr.PersistBlock(ctx, 900000, 1)
	time.Sleep(20 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		h.mgr.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("persist loop ignored cancellation")
	}
	if len(h.storage.relayBlocks) != 0 {
		t.Error("no block should be stored")
	}
}

func TestRecordWholeDayData(t *testing.T) {
	h := newHarness(t)
	if err := h.mgr.RecordWholeDayData(context.Background(), "w1", 1.5e12); err != nil {
		t.Fatal(err)
	}
	if h.storage.wholeDay["w1"] != 1.5e12 {
		t.Errorf("wholeDay = %v", h.storage.wholeDay)
	}
}
