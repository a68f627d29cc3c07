// Package share validates miner submissions, detects block candidates and
// submits found blocks to the daemon.
package share

import (
	"encoding/hex"
	"math/big"
	"time"

	"github.com/bardlex/gomp-relay/internal/bitcoin"
	"github.com/bardlex/gomp-relay/internal/job"
	"github.com/bardlex/gomp-relay/internal/miner"
	"github.com/bardlex/gomp-relay/internal/stratum"
)

// maxFutureNTime is how far past the local clock a share's ntime may be.
const maxFutureNTime = 7200

// minDifficultyRatio tolerates float rounding in share difficulty.
const minDifficultyRatio = 0.99

// Error is the reason a share was rejected.
type Error int

const (
	ErrNone Error = iota
	ErrJobNotFound
	ErrIncorrectExtraNonce2Size
	ErrIncorrectNTimeSize
	ErrNTimeOutOfRange
	ErrIncorrectNonceSize
	ErrDuplicateShare
	ErrLowDifficultyShare
)

func (e Error) Error() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrJobNotFound:
		return "Job not found"
	case ErrIncorrectExtraNonce2Size:
		return "Incorrect extranonce2 size"
	case ErrIncorrectNTimeSize:
		return "Incorrect nTime size"
	case ErrNTimeOutOfRange:
		return "nTime out of range"
	case ErrIncorrectNonceSize:
		return "Incorrect nonce size"
	case ErrDuplicateShare:
		return "Duplicate share"
	case ErrLowDifficultyShare:
		return "Low difficulty share"
	}
	return "unknown"
}

// StratumError maps the rejection to the error returned to the miner.
func (e Error) StratumError() *stratum.Error {
	switch e {
	case ErrNone:
		return nil
	case ErrJobNotFound:
		return stratum.NewError(stratum.ErrorJobNotFound, e.Error())
	case ErrDuplicateShare:
		return stratum.NewError(stratum.ErrorDuplicateShare, e.Error())
	case ErrLowDifficultyShare:
		return stratum.NewError(stratum.ErrorLowDifficulty, e.Error())
	default:
		return stratum.NewError(stratum.ErrorOther, e.Error())
	}
}

// Share is one submission and everything derived from it. Hashes are in
// internal byte order except BlockHash, which is in display order.
type Share struct {
	Miner       *miner.Miner
	JobID       string
	Job         *job.Job
	ExtraNonce1 string
	ExtraNonce2 string
	NTime       string
	Nonce       string

	Coinbase     []byte
	CoinbaseHash []byte
	MerkleRoot   []byte
	Header       []byte
	HeaderHash   []byte
	HeaderValue  *big.Int
	Difficulty   float64

	IsValid          bool
	IsBlockCandidate bool
	BlockHex         string
	BlockHash        string
	Error            Error

	SubmittedAt time.Time
}

// Params are the inputs of New.
type Params struct {
	Miner *miner.Miner
	JobID string
	// Job is nil when the job id did not resolve.
	Job *job.Job
	// ExtraNonce1 is the part of the coinbase extranonce owned by the pool.
	ExtraNonce1             string
	ExtraNonce2             string
	NTime                   string
	Nonce                   string
	ExpectedExtraNonce2Size int
	MinerDifficulty         float64
	Now                     time.Time
}

// New validates p and, when the submission is well formed, hashes it.
func New(p Params) *Share {
	s := &Share{
		Miner:       p.Miner,
		JobID:       p.JobID,
		Job:         p.Job,
		ExtraNonce1: p.ExtraNonce1,
		ExtraNonce2: p.ExtraNonce2,
		NTime:       p.NTime,
		Nonce:       p.Nonce,
		SubmittedAt: p.Now,
	}
	if s.SubmittedAt.IsZero() {
		s.SubmittedAt = time.Now()
	}

	if err := s.check(p); err != ErrNone {
		s.Error = err
		return s
	}
	if err := s.hash(); err != ErrNone {
		s.Error = err
		return s
	}

	if s.HeaderValue.Cmp(s.Job.Target) <= 0 {
		s.IsBlockCandidate = true
		s.BlockHash = bitcoin.EncodeHash(s.HeaderHash)
		if blockHex, err := s.serializeBlock(); err == nil {
			s.BlockHex = blockHex
		}
	} else if p.MinerDifficulty > 0 && s.Difficulty/p.MinerDifficulty < minDifficultyRatio {
		s.Error = ErrLowDifficultyShare
		return s
	}

	s.IsValid = true
	return s
}

func (s *Share) check(p Params) Error {
	if s.Job == nil {
		return ErrJobNotFound
	}
	if _, err := hex.DecodeString(s.ExtraNonce2); err != nil || len(s.ExtraNonce2)/2 != p.ExpectedExtraNonce2Size {
		return ErrIncorrectExtraNonce2Size
	}
	if len(s.NTime) != 8 {
		return ErrIncorrectNTimeSize
	}
	ntime, err := bitcoin.ParseUint32Hex("ntime", s.NTime)
	if err != nil {
		return ErrIncorrectNTimeSize
	}
	jobTime, err := bitcoin.ParseUint32Hex("ntime", s.Job.NTime)
	if err != nil || ntime < jobTime || int64(ntime) > s.SubmittedAt.Unix()+maxFutureNTime {
		return ErrNTimeOutOfRange
	}
	if len(s.Nonce) != 8 {
		return ErrIncorrectNonceSize
	}
	if _, err := bitcoin.ParseUint32Hex("nonce", s.Nonce); err != nil {
		return ErrIncorrectNonceSize
	}
	if !s.Job.RegisterShare(s.ExtraNonce1, s.ExtraNonce2, s.NTime, s.Nonce) {
		return ErrDuplicateShare
	}
	return ErrNone
}

func (s *Share) hash() Error {
	coinbase, err := hex.DecodeString(s.Job.CoinbaseInitial + s.ExtraNonce1 + s.ExtraNonce2 + s.Job.CoinbaseFinal)
	if err != nil {
		return ErrIncorrectExtraNonce2Size
	}
	s.Coinbase = coinbase
	s.CoinbaseHash = bitcoin.DoubleSHA256(coinbase)
	s.MerkleRoot = s.Job.MerkleTree.WithFirst(s.CoinbaseHash)

	// Job fields were validated at construction.
	version, _ := bitcoin.ParseUint32Hex("version", s.Job.Version)
	bits, _ := bitcoin.ParseUint32Hex("bits", s.Job.EncodedDifficulty)
	ntime, _ := bitcoin.ParseUint32Hex("ntime", s.NTime)
	nonce, _ := bitcoin.ParseUint32Hex("nonce", s.Nonce)
	prev, err := bitcoin.DecodeHash(s.Job.PreviousBlockHash)
	if err != nil {
		return ErrJobNotFound
	}

	header, err := bitcoin.Header{
		Version:    version,
		PrevHash:   prev,
		MerkleRoot: s.MerkleRoot,
		NTime:      ntime,
		Bits:       bits,
		Nonce:      nonce,
	}.Serialize()
	if err != nil {
		return ErrJobNotFound
	}
	s.Header = header
	s.HeaderHash = bitcoin.DoubleSHA256(header)
	s.HeaderValue = bitcoin.HashToBig(s.HeaderHash)
	s.Difficulty = bitcoin.TargetToDifficulty(s.HeaderValue)
	return ErrNone
}

// serializeBlock builds the block hex. Relay jobs carry no template and
// produce no block.
func (s *Share) serializeBlock() (string, error) {
	if s.Job.Template == nil || s.Job.Generation == nil {
		return "", nil
	}
	txData := make([]string, 0, len(s.Job.Template.Transactions))
	for _, tx := range s.Job.Template.Transactions {
		txData = append(txData, tx.Data)
	}
	return bitcoin.SerializeBlock(s.Header, s.Coinbase, s.Job.Generation.Witness, txData)
}

// Username returns the submitting worker name.
func (s *Share) Username() string {
	if s.Miner == nil {
		return ""
	}
	return s.Miner.Username()
}

// Height returns the height of the share's job, or 0 without a job.
func (s *Share) Height() int64 {
	if s.Job == nil {
		return 0
	}
	return s.Job.Height
}

// Status is "valid" or the rejection reason.
func (s *Share) Status() string {
	if s.IsValid {
		return "valid"
	}
	return s.Error.Error()
}
