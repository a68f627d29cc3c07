// Package bitcoin holds the daemon RPC client, coinbase and block construction,
// SHA256d/merkle/target math, and the ZMQ block notifier used by the pool.
package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
)

// Daemon is the subset of the coin daemon RPC surface the pool depends on.
//
// All methods take a context for cancellation. Errors are *errors.ServiceError
// values of type bitcoin or validation.
type Daemon interface {
	// GetBlockTemplate retrieves a template for the next block.
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)

	// SubmitBlock submits a solved block with submitblock.
	SubmitBlock(ctx context.Context, blockHex string) error

	// SubmitBlockTemplate submits a solved block through getblocktemplate
	// submit mode, for daemons without submitblock.
	SubmitBlockTemplate(ctx context.Context, blockHex string) error

	// GetBlock returns verbose block info by display-order hash.
	GetBlock(ctx context.Context, hash string) (*btcjson.GetBlockVerboseResult, error)

	// GetBlockHash returns the display-order hash of the block at height.
	GetBlockHash(ctx context.Context, height int64) (string, error)

	// GetTransaction returns a wallet transaction.
	GetTransaction(ctx context.Context, txid string) (*btcjson.GetTransactionResult, error)

	// GetDifficulty returns the current network difficulty.
	GetDifficulty(ctx context.Context) (float64, error)

	// GetAccount returns the wallet account owning address.
	GetAccount(ctx context.Context, address string) (string, error)
}

// ZMQInterface defines the contract for Bitcoin Core ZMQ notifications.
type ZMQInterface interface {
	Subscribe(topic string) error
	Connect() error
	// Listen delivers every message to handler until ctx is done.
	Listen(ctx context.Context, handler func(topic string, data []byte) error) error
	Close() error
}

// BlockNotificationInterface routes ZMQ messages to block handlers.
type BlockNotificationInterface interface {
	SetNewBlockHandler(handler func(blockHash string) error)
	HandleMessage(topic string, data []byte) error
}

var (
	_ Daemon                     = (*RPCClient)(nil)
	_ ZMQInterface               = (*ZMQNotifier)(nil)
	_ BlockNotificationInterface = (*BlockNotificationHandler)(nil)
)
