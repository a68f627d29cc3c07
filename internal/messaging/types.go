package messaging

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// JobMessage describes a job broadcast to miners.
type JobMessage struct {
	JobID        string    `json:"job_id"`
	PrevHash     string    `json:"prev_hash"`
	Coinb1       string    `json:"coinb1"`
	Coinb2       string    `json:"coinb2"`
	MerkleBranch []string  `json:"merkle_branch"`
	Version      string    `json:"version"`
	NBits        string    `json:"nbits"`
	NTime        string    `json:"ntime"`
	CleanJobs    bool      `json:"clean_jobs"`
	BlockHeight  int64     `json:"block_height"`
	Difficulty   float64   `json:"difficulty"`
	Relayed      bool      `json:"relayed"`
	MinerCount   int       `json:"miner_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// ShareMessage describes one processed share.
type ShareMessage struct {
	JobID            string    `json:"job_id"`
	MinerID          uint64    `json:"miner_id"`
	Username         string    `json:"username"`
	ExtraNonce1      string    `json:"extra_nonce1"`
	ExtraNonce2      string    `json:"extra_nonce2"`
	NTime            string    `json:"ntime"`
	Nonce            string    `json:"nonce"`
	Difficulty       float64   `json:"difficulty"`
	MinerDifficulty  float64   `json:"miner_difficulty"`
	BlockHeight      int64     `json:"block_height"`
	Status           string    `json:"status"` // "valid" or the rejection reason
	IsBlockCandidate bool      `json:"is_block_candidate"`
	Relayed          bool      `json:"relayed"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// BlockMessage describes a block found locally or a relay round closed upstream.
type BlockMessage struct {
	BlockHash   string    `json:"block_hash"`
	BlockHeight int64     `json:"block_height"`
	Username    string    `json:"username,omitempty"`
	Difficulty  float64   `json:"difficulty"`
	Status      string    `json:"status"` // "accepted", "rejected" or "relayed"
	Relayed     bool      `json:"relayed"`
	Revenue     float64   `json:"revenue"`
	FoundAt     time.Time `json:"found_at"`
}

// Struct converts m to a protobuf Struct for PublishProto.
func (m *BlockMessage) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"block_hash":   m.BlockHash,
		"block_height": float64(m.BlockHeight),
		"username":     m.Username,
		"difficulty":   m.Difficulty,
		"status":       m.Status,
		"relayed":      m.Relayed,
		"revenue":      m.Revenue,
		"found_at":     m.FoundAt.UTC().Format(time.RFC3339Nano),
	})
}
