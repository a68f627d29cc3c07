package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/bytedance/sonic"

	"github.com/bardlex/gomp-relay/pkg/circuit"
	"github.com/bardlex/gomp-relay/pkg/errors"
	"github.com/bardlex/gomp-relay/pkg/log"
	"github.com/bardlex/gomp-relay/pkg/retry"
)

// RPCConfig configures the daemon connection.
type RPCConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	// TemplateMode sends mode=template with getblocktemplate; some daemons require it.
	TemplateMode bool
	ChainParams  *chaincfg.Params
}

// RPCClient implements Daemon on top of btcd's rpcclient. Every call runs
// through a circuit breaker and a retry loop.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	templateMode   bool
	chainParams    *chaincfg.Params
}

// NewRPCClient creates an HTTP POST mode client for the daemon at cfg.Host:cfg.Port.
func NewRPCClient(cfg RPCConfig, logger *log.Logger) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "rpc_client_creation",
			"failed to create daemon RPC client").
			WithContext("host", cfg.Host).
			WithContext("port", cfg.Port)
	}

	params := cfg.ChainParams
	if params == nil {
		params = &chaincfg.MainNetParams
	}

	rpcLogger := logger.WithComponent("daemon_rpc")
	cbConfig := &circuit.Config{
		Name:            "daemon_rpc",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			rpcLogger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
		templateMode:   cfg.TemplateMode,
		chainParams:    params,
	}, nil
}

// Close shuts down the underlying client.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

func call[T any](ctx context.Context, c *RPCClient, cfg *retry.Config, fn func() (T, error)) (T, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (T, error) {
		return retry.DoWithResult(ctx, cfg, fn)
	})
}

// GetBlockTemplate retrieves a block template with segwit rules.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return call(ctx, c, c.retryConfig, func() (*btcjson.GetBlockTemplateResult, error) {
		req := &btcjson.TemplateRequest{
			Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
			Rules:        []string{"segwit"},
		}
		if c.templateMode {
			req.Mode = "template"
		}

		template, err := c.client.GetBlockTemplateAsync(req).Receive()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block_template",
				"failed to retrieve block template")
		}
		return template, nil
	})
}

// submitRetryConfig keeps block submission time-critical.
var submitRetryConfig = &retry.Config{
	MaxAttempts: 2,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    200 * time.Millisecond,
	Multiplier:  1.5,
}

// SubmitBlock submits a solved block with submitblock.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	blockBytes, err := hex.DecodeString(blockHex)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "submit_block", "invalid block hex encoding").
			WithContext("block_hex_length", len(blockHex))
	}

	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(blockBytes)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "submit_block", "failed to deserialize block").
			WithContext("block_size", len(blockBytes))
	}

	_, err = call(ctx, c, submitRetryConfig, func() (struct{}, error) {
		if err := c.client.SubmitBlockAsync(btcutil.NewBlock(block), nil).Receive(); err != nil {
			return struct{}{}, errors.Wrap(err, errors.ErrorTypeBitcoin, "submit_block",
				"daemon rejected block").
				WithContext("block_hash", block.BlockHash().String())
		}
		return struct{}{}, nil
	})
	return err
}

type templateSubmission struct {
	Mode string `json:"mode"`
	Data string `json:"data"`
}

// SubmitBlockTemplate submits a solved block through getblocktemplate submit mode.
func (c *RPCClient) SubmitBlockTemplate(ctx context.Context, blockHex string) error {
	param, err := sonic.Marshal(templateSubmission{Mode: "submit", Data: blockHex})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "submit_block_template", "failed to encode params")
	}

	_, err = call(ctx, c, submitRetryConfig, func() (struct{}, error) {
		raw, err := c.client.RawRequestAsync("getblocktemplate", []json.RawMessage{param}).Receive()
		if err != nil {
			return struct{}{}, errors.Wrap(err, errors.ErrorTypeBitcoin, "submit_block_template",
				"daemon rejected block")
		}
		// null means accepted, any string is a rejection reason
		if len(raw) > 0 && string(raw) != "null" {
			var reason string
			_ = sonic.Unmarshal(raw, &reason)
			return struct{}{}, errors.New(errors.ErrorTypeBitcoin, "submit_block_template",
				"daemon rejected block").WithContext("reason", reason)
		}
		return struct{}{}, nil
	})
	return err
}

// GetBlock gets verbose block information by hash.
func (c *RPCClient) GetBlock(ctx context.Context, hash string) (*btcjson.GetBlockVerboseResult, error) {
	blockHash, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "get_block", "failed to parse block hash").
			WithContext("hash", hash)
	}

	return call(ctx, c, c.retryConfig, func() (*btcjson.GetBlockVerboseResult, error) {
		block, err := c.client.GetBlockVerboseAsync(blockHash).Receive()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block",
				"failed to retrieve block").
				WithContext("block_hash", hash)
		}
		return block, nil
	})
}

// GetBlockHash returns the hash of the block at height.
func (c *RPCClient) GetBlockHash(ctx context.Context, height int64) (string, error) {
	return call(ctx, c, c.retryConfig, func() (string, error) {
		hash, err := c.client.GetBlockHashAsync(height).Receive()
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block_hash",
				"failed to retrieve block hash").
				WithContext("height", height)
		}
		return hash.String(), nil
	})
}

// GetTransaction returns a wallet transaction by id.
func (c *RPCClient) GetTransaction(ctx context.Context, txid string) (*btcjson.GetTransactionResult, error) {
	txHash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "get_transaction", "failed to parse txid").
			WithContext("txid", txid)
	}

	return call(ctx, c, c.retryConfig, func() (*btcjson.GetTransactionResult, error) {
		tx, err := c.client.GetTransactionAsync(txHash).Receive()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_transaction",
				"failed to retrieve transaction").
				WithContext("txid", txid)
		}
		return tx, nil
	})
}

// GetDifficulty gets the current network difficulty.
func (c *RPCClient) GetDifficulty(ctx context.Context) (float64, error) {
	return call(ctx, c, c.retryConfig, func() (float64, error) {
		difficulty, err := c.client.GetDifficultyAsync().Receive()
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_difficulty",
				"failed to retrieve network difficulty")
		}
		return difficulty, nil
	})
}

// GetAccount returns the wallet account that owns address.
func (c *RPCClient) GetAccount(ctx context.Context, address string) (string, error) {
	addr, err := btcutil.DecodeAddress(address, c.chainParams)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "get_account", "invalid address").
			WithContext("address", address)
	}

	return call(ctx, c, c.retryConfig, func() (string, error) {
		account, err := c.client.GetAccountAsync(addr).Receive()
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeBitcoin, "get_account",
				"failed to retrieve account").
				WithContext("address", address)
		}
		return account, nil
	})
}

// Ping checks daemon connectivity.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if err := c.client.PingAsync().Receive(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "ping", "daemon connectivity check failed")
			}
			return nil
		})
	})
}
