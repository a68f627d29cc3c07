// Package influx writes share, block and relay round metrics to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	coin     string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Coin   string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		coin:     cfg.Coin,
	}, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Close flushes pending points and closes the client.
func (c *Client) Close() error {
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Errors returns the asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// WriteShare records one share submission.
func (c *Client) WriteShare(username string, difficulty float64, valid, relayed bool, at time.Time) {
	c.writeAPI.WritePoint(sharePoint(c.coin, username, difficulty, valid, relayed, at))
}

// WriteBlock records a block found by a pool miner.
func (c *Client) WriteBlock(height int64, hash, finder string, difficulty, reward float64, at time.Time) {
	c.writeAPI.WritePoint(blockPoint(c.coin, height, hash, finder, difficulty, reward, at))
}

// WriteRound records the revenue of a closed relay round.
func (c *Client) WriteRound(height int64, hash string, revenue float64, at time.Time) {
	c.writeAPI.WritePoint(roundPoint(c.coin, height, hash, revenue, at))
}

// WriteHashrate records a worker hashrate sample.
func (c *Client) WriteHashrate(username string, hashrate float64, at time.Time) {
	c.writeAPI.WritePoint(hashratePoint(c.coin, username, hashrate, at))
}

func sharePoint(coin, username string, difficulty float64, valid, relayed bool, at time.Time) *write.Point {
	tags := map[string]string{
		"coin":    coin,
		"worker":  username,
		"valid":   strconv.FormatBool(valid),
		"relayed": strconv.FormatBool(relayed),
	}
	fields := map[string]interface{}{
		"difficulty": difficulty,
		"count":      1,
	}
	return write.NewPoint("shares", tags, fields, at)
}

func blockPoint(coin string, height int64, hash, finder string, difficulty, reward float64, at time.Time) *write.Point {
	tags := map[string]string{
		"coin":   coin,
		"finder": finder,
	}
	fields := map[string]interface{}{
		"height":     height,
		"hash":       hash,
		"difficulty": difficulty,
		"reward":     reward,
	}
	return write.NewPoint("blocks", tags, fields, at)
}

func roundPoint(coin string, height int64, hash string, revenue float64, at time.Time) *write.Point {
	tags := map[string]string{
		"coin": coin,
	}
	fields := map[string]interface{}{
		"height":  height,
		"hash":    hash,
		"revenue": revenue,
	}
	return write.NewPoint("relay_rounds", tags, fields, at)
}

func hashratePoint(coin, username string, hashrate float64, at time.Time) *write.Point {
	tags := map[string]string{
		"coin":   coin,
		"worker": username,
	}
	fields := map[string]interface{}{
		"hashrate": hashrate,
	}
	return write.NewPoint("hashrate", tags, fields, at)
}
