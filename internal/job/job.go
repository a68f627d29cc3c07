// Package job holds mining jobs, their merkle branches and the tracker of
// recently broadcast jobs.
package job

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/gomp-relay/internal/bitcoin"
	"github.com/bardlex/gomp-relay/pkg/errors"
)

// Job is one unit of work sent to miners with mining.notify.
//
// Everything except the clean-jobs flag and the share fingerprint set is
// fixed at construction.
type Job struct {
	ID      uint64
	RelayID string
	Height  int64

	// PreviousBlockHash is in display order. PreviousBlockHashReversed is the
	// word-reversed form sent to miners.
	PreviousBlockHash         string
	PreviousBlockHashReversed string

	CoinbaseInitial string
	CoinbaseFinal   string
	MerkleTree      MerkleTree

	Version           string
	EncodedDifficulty string
	Target            *big.Int
	Difficulty        float64
	NTime             string
	CreationTime      int64

	// Template and Generation are only set for jobs built from the local daemon.
	Template   *btcjson.GetBlockTemplateResult
	Generation *bitcoin.GenerationTransaction

	cleanJobs atomic.Bool

	mu     sync.Mutex
	shares map[string]struct{}
}

// New builds a solo job from a block template and its generation transaction.
func New(id uint64, tpl *btcjson.GetBlockTemplateResult, gen *bitcoin.GenerationTransaction) (*Job, error) {
	if tpl == nil || gen == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "new_job", "template and generation transaction are required")
	}

	reversed, err := bitcoin.ReverseByteOrder(tpl.PreviousHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_job", "invalid previous block hash")
	}
	if _, err := bitcoin.ParseUint32Hex("bits", tpl.Bits); err != nil {
		return nil, err
	}

	var target *big.Int
	if tpl.Target != "" {
		target, err = bitcoin.ParseTarget(tpl.Target)
	} else {
		target, err = bitcoin.TargetFromBits(tpl.Bits)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_job", "invalid target")
	}

	hashes := make([][]byte, 0, len(tpl.Transactions))
	for i, tx := range tpl.Transactions {
		txid := tx.TxID
		if txid == "" {
			txid = tx.Hash
		}
		h, err := bitcoin.DecodeHash(txid)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_job", "invalid transaction hash").
				WithContext("index", i)
		}
		hashes = append(hashes, h)
	}

	j := &Job{
		ID:                        id,
		Height:                    tpl.Height,
		PreviousBlockHash:         tpl.PreviousHash,
		PreviousBlockHashReversed: reversed,
		CoinbaseInitial:           gen.InitialHex(),
		CoinbaseFinal:             gen.FinalHex(),
		MerkleTree:                MerkleTree{Steps: bitcoin.MerkleSteps(hashes)},
		Version:                   bitcoin.FormatUint32Hex(uint32(tpl.Version)),
		EncodedDifficulty:         tpl.Bits,
		Target:                    target,
		Difficulty:                bitcoin.TargetToDifficulty(target),
		NTime:                     bitcoin.FormatUint32Hex(uint32(tpl.CurTime)),
		CreationTime:              time.Now().Unix(),
		Template:                  tpl,
		Generation:                gen,
		shares:                    make(map[string]struct{}),
	}
	return j, nil
}

// RelayParams are the fields of an upstream mining.notify.
type RelayParams struct {
	ID      uint64
	RelayID string
	Height  int64
	// PreviousBlockHash must be in display order.
	PreviousBlockHash string
	CoinbaseInitial   string
	CoinbaseFinal     string
	// Branches are passed through to miners unchanged.
	Branches  []string
	Version   string
	Bits      string
	NTime     string
	CleanJobs bool
}

// NewRelay builds a job from upstream notify parameters.
func NewRelay(p RelayParams) (*Job, error) {
	reversed, err := bitcoin.ReverseByteOrder(p.PreviousBlockHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_relay_job", "invalid previous block hash")
	}
	if _, err := bitcoin.ParseUint32Hex("version", p.Version); err != nil {
		return nil, err
	}
	if _, err := bitcoin.ParseUint32Hex("ntime", p.NTime); err != nil {
		return nil, err
	}
	if _, err := hex.DecodeString(p.CoinbaseInitial + p.CoinbaseFinal); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_relay_job", "invalid coinbase")
	}
	target, err := bitcoin.TargetFromBits(p.Bits)
	if err != nil {
		return nil, err
	}

	steps := make([][]byte, 0, len(p.Branches))
	for i, branch := range p.Branches {
		step, err := hex.DecodeString(branch)
		if err != nil || len(step) != 32 {
			return nil, errors.New(errors.ErrorTypeValidation, "new_relay_job", "invalid merkle branch").
				WithContext("index", i).WithContext("branch", branch)
		}
		steps = append(steps, step)
	}

	j := &Job{
		ID:                        p.ID,
		RelayID:                   p.RelayID,
		Height:                    p.Height,
		PreviousBlockHash:         p.PreviousBlockHash,
		PreviousBlockHashReversed: reversed,
		CoinbaseInitial:           p.CoinbaseInitial,
		CoinbaseFinal:             p.CoinbaseFinal,
		MerkleTree:                MerkleTree{Steps: steps},
		Version:                   p.Version,
		EncodedDifficulty:         p.Bits,
		Target:                    target,
		Difficulty:                bitcoin.TargetToDifficulty(target),
		NTime:                     p.NTime,
		CreationTime:              time.Now().Unix(),
		shares:                    make(map[string]struct{}),
	}
	j.cleanJobs.Store(p.CleanJobs)
	return j, nil
}

// IsRelay reports whether the job came from an upstream pool.
func (j *Job) IsRelay() bool { return j.RelayID != "" }

// IDString is the job id miners see.
func (j *Job) IDString() string {
	if j.RelayID != "" {
		return j.RelayID
	}
	return strconv.FormatUint(j.ID, 16)
}

// CleanJobs reports whether miners should drop earlier work for this job.
func (j *Job) CleanJobs() bool { return j.cleanJobs.Load() }

// SetCleanJobs sets the clean-jobs flag.
func (j *Job) SetCleanJobs(clean bool) { j.cleanJobs.Store(clean) }

// RegisterShare records a share fingerprint. It returns false when the exact
// same submission was already seen for this job.
func (j *Job) RegisterShare(extraNonce1, extraNonce2, nTime, nonce string) bool {
	key := strings.Join([]string{extraNonce1, extraNonce2, nTime, nonce}, ":")

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, dup := j.shares[key]; dup {
		return false
	}
	j.shares[key] = struct{}{}
	return true
}

// NotifyParams returns the mining.notify params in wire order.
func (j *Job) NotifyParams(clean bool) []any {
	return []any{
		j.IDString(),
		j.PreviousBlockHashReversed,
		j.CoinbaseInitial,
		j.CoinbaseFinal,
		j.MerkleTree.Branches(),
		j.Version,
		j.EncodedDifficulty,
		j.NTime,
		clean,
	}
}

// WithoutBranches returns a copy of j with an empty merkle branch and a
// fresh fingerprint set.
func (j *Job) WithoutBranches() *Job {
	c := &Job{
		ID:                        j.ID,
		RelayID:                   j.RelayID,
		Height:                    j.Height,
		PreviousBlockHash:         j.PreviousBlockHash,
		PreviousBlockHashReversed: j.PreviousBlockHashReversed,
		CoinbaseInitial:           j.CoinbaseInitial,
		CoinbaseFinal:             j.CoinbaseFinal,
		Version:                   j.Version,
		EncodedDifficulty:         j.EncodedDifficulty,
		Target:                    j.Target,
		Difficulty:                j.Difficulty,
		NTime:                     j.NTime,
		CreationTime:              j.CreationTime,
		Template:                  j.Template,
		Generation:                j.Generation,
		shares:                    make(map[string]struct{}),
	}
	c.cleanJobs.Store(j.CleanJobs())
	return c
}
