// Package redis keeps round share accounting and hashrate samples in Redis.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// wholeDaySlot is the width in minutes of one hashrate history slot.
	wholeDaySlot = 5

	// wholeDayRefresh is how old a slot sample must be before it is replaced.
	wholeDayRefresh = 300 * time.Second
)

// Client wraps the Redis commands of one coin's round accounting.
type Client struct {
	rdb  *redis.Client
	coin string
	now  func() time.Time
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	Coin         string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient connects to the Redis instance at cfg.URL.
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb, coin: cfg.Coin, now: time.Now}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Keys

func currentRoundKey(coin string) string { return coin + ":shares:round:current" }

func roundKey(coin string, height int64) string {
	return fmt.Sprintf("%s:shares:round:%d", coin, height)
}

func statsKey(coin string) string { return coin + ":stats" }

func hashrateKey(coin string) string { return coin + ":hashrate" }

func pendingBlocksKey(coin string) string { return coin + ":blocksPending" }

func wholeDayKey(username, coin string) string { return username + ":" + coin + ":hashrate" }

// hashrateMember is one entry of the hashrate window. Invalid shares carry a
// negative difficulty.
func hashrateMember(difficulty float64, username string, valid bool, at time.Time) string {
	if !valid {
		difficulty = -difficulty
	}
	return strconv.FormatFloat(difficulty, 'f', -1, 64) + ":" + username + ":" + strconv.FormatInt(at.UnixMilli(), 10)
}

// Round accounting

// AddShare credits a valid share to the current round and counts it in the
// coin stats. Every share, valid or not, enters the hashrate window.
func (c *Client) AddShare(ctx context.Context, username string, difficulty float64, valid bool, at time.Time) error {
	pipe := c.rdb.TxPipeline()
	if valid {
		pipe.HIncrByFloat(ctx, currentRoundKey(c.coin), username, difficulty)
		pipe.HIncrBy(ctx, statsKey(c.coin), "validShares", 1)
	} else {
		pipe.HIncrBy(ctx, statsKey(c.coin), "invalidShares", 1)
	}
	pipe.ZAdd(ctx, hashrateKey(c.coin), redis.Z{
		Score:  float64(at.Unix()),
		Member: hashrateMember(difficulty, username, valid, at),
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record share: %w", err)
	}
	return nil
}

// AddBlock counts a found block and queues it for payout processing.
func (c *Client) AddBlock(ctx context.Context, hash string, height int64, username string, at time.Time) error {
	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, statsKey(c.coin), "validBlocks", 1)
	pipe.SAdd(ctx, pendingBlocksKey(c.coin), fmt.Sprintf("%s:%d:%s:%d", hash, height, username, at.Unix()))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record block: %w", err)
	}
	return nil
}

// MoveCurrentShares closes the current round under height. A round without
// shares is not an error.
func (c *Client) MoveCurrentShares(ctx context.Context, height int64) error {
	err := c.rdb.Rename(ctx, currentRoundKey(c.coin), roundKey(c.coin, height)).Err()
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("failed to close round %d: %w", height, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such key")
}

// Hashrate history

// slotField names the five minute slot of t within its day.
func slotField(t time.Time) string {
	return fmt.Sprintf("%d:%d", t.Hour(), t.Minute()/wholeDaySlot*wholeDaySlot)
}

// needsSample reports whether the stored "hashrate:unix" value is missing,
// unreadable or older than wholeDayRefresh.
func needsSample(stored string, now time.Time) bool {
	i := strings.LastIndexByte(stored, ':')
	if i < 0 {
		return true
	}
	ts, err := strconv.ParseInt(stored[i+1:], 10, 64)
	if err != nil {
		return true
	}
	return now.Sub(time.Unix(ts, 0)) > wholeDayRefresh
}

// RecordWholeDay stores hashrate in username's slot for the current time,
// keeping a fresh sample already there.
func (c *Client) RecordWholeDay(ctx context.Context, username string, hashrate float64) error {
	now := c.now()
	key := wholeDayKey(username, c.coin)
	field := slotField(now)

	stored, err := c.rdb.HGet(ctx, key, field).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read hashrate slot: %w", err)
	}
	if err == nil && !needsSample(stored, now) {
		return nil
	}

	value := strconv.FormatFloat(hashrate, 'f', -1, 64) + ":" + strconv.FormatInt(now.Unix(), 10)
	if err := c.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("failed to write hashrate slot: %w", err)
	}
	return nil
}
