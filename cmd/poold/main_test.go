package main

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gomp-relay/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:          "test-poold",
		ListenAddr:           "127.0.0.1",
		ListenPort:           3333,
		MinerDifficulty:      16,
		MaxConnections:       100,
		ReadTimeout:          time.Minute,
		WriteTimeout:         time.Second,
		InstanceID:           3,
		HashrateInterval:     5 * time.Minute,
		CoinName:             "bitcoin",
		WalletAddress:        "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2",
		CoinbaseTag:          "/test/",
		BlockRefreshInterval: time.Second,
		RebroadcastTimeout:   55 * time.Second,
		PostgresURL:          "postgres://test@localhost/test",
		RedisURL:             "redis://localhost:6379/1",
		InfluxURL:            "http://localhost:8086",
		InfluxBucket:         "test-bucket",
	}
}

func TestDatabaseConfig(t *testing.T) {
	cfg := testConfig()

	dbCfg := databaseConfig(cfg)
	if dbCfg.Postgres != nil || dbCfg.Redis != nil || dbCfg.Influx != nil {
		t.Fatalf("relay-only deployment enabled backends: %+v", dbCfg)
	}

	cfg.PostgresEnabled = true
	cfg.RedisEnabled = true
	cfg.InfluxEnabled = true
	dbCfg = databaseConfig(cfg)

	if dbCfg.Postgres == nil || dbCfg.Postgres.URL != cfg.PostgresURL {
		t.Errorf("postgres config = %+v", dbCfg.Postgres)
	}
	if dbCfg.Redis == nil || dbCfg.Redis.URL != cfg.RedisURL || dbCfg.Redis.Coin != "bitcoin" {
		t.Errorf("redis config = %+v", dbCfg.Redis)
	}
	if dbCfg.Influx == nil || dbCfg.Influx.Bucket != "test-bucket" || dbCfg.Influx.Coin != "bitcoin" {
		t.Errorf("influx config = %+v", dbCfg.Influx)
	}
}

func TestServerConfig(t *testing.T) {
	cfg := testConfig()
	got := serverConfig(cfg)

	if got.ListenAddr != "127.0.0.1" || got.ListenPort != 3333 || got.MinerDifficulty != 16 {
		t.Errorf("listener settings = %+v", got)
	}
	if got.InstanceID != 3 || got.MaxConnections != 100 || got.HashrateInterval != 5*time.Minute {
		t.Errorf("limits = %+v", got)
	}
}

func TestJobConfig(t *testing.T) {
	cfg := testConfig()
	got := jobConfig(cfg, &chaincfg.TestNet3Params)

	if got.ChainParams != &chaincfg.TestNet3Params {
		t.Errorf("chain params = %v", got.ChainParams.Name)
	}
	if got.PoolAddress != cfg.WalletAddress || got.CoinbaseTag != "/test/" {
		t.Errorf("coinbase settings = %+v", got)
	}
	if got.BlockRefreshInterval != time.Second || got.RebroadcastTimeout != 55*time.Second {
		t.Errorf("timers = %+v", got)
	}
}

func TestShareConfig(t *testing.T) {
	cfg := testConfig()
	cfg.PoolAccount = "pool"
	cfg.SubmitBlockSupported = true

	got := shareConfig(cfg)
	if got.WalletAddress != cfg.WalletAddress || got.PoolAccount != "pool" || !got.SubmitBlockSupported {
		t.Errorf("share config = %+v", got)
	}
}
