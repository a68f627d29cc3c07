// Package main runs the relay pool: the downstream stratum listener, job
// production from the local daemon or a foreign pool, share processing and
// the operator console.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gomp-relay/internal/bitcoin"
	"github.com/bardlex/gomp-relay/internal/config"
	"github.com/bardlex/gomp-relay/internal/console"
	"github.com/bardlex/gomp-relay/internal/database"
	"github.com/bardlex/gomp-relay/internal/database/influx"
	"github.com/bardlex/gomp-relay/internal/database/postgres"
	"github.com/bardlex/gomp-relay/internal/database/redis"
	"github.com/bardlex/gomp-relay/internal/job"
	"github.com/bardlex/gomp-relay/internal/jobmanager"
	"github.com/bardlex/gomp-relay/internal/messaging"
	"github.com/bardlex/gomp-relay/internal/miner"
	"github.com/bardlex/gomp-relay/internal/relay"
	"github.com/bardlex/gomp-relay/internal/server"
	"github.com/bardlex/gomp-relay/internal/share"
	"github.com/bardlex/gomp-relay/pkg/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting pool",
		"version", cfg.Version,
		"listen_addr", cfg.ListenAddr,
		"listen_port", cfg.ListenPort,
		"relaying", cfg.StartRelaying,
		"relay_targets", len(cfg.RelayTargets),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("pool failed")
		os.Exit(1)
	}
	logger.Info("pool stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	chainParams, err := bitcoin.NetworkParams(cfg.Network)
	if err != nil {
		return err
	}

	daemon, err := bitcoin.NewRPCClient(bitcoin.RPCConfig{
		Host:         cfg.BitcoinRPCHost,
		Port:         cfg.BitcoinRPCPort,
		User:         cfg.BitcoinRPCUser,
		Password:     cfg.BitcoinRPCPassword,
		TemplateMode: cfg.BlockTemplateModeRequired,
		ChainParams:  chainParams,
	}, logger)
	if err != nil {
		return err
	}
	defer daemon.Close()

	db, err := database.NewManager(ctx, databaseConfig(cfg), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("failed to close database manager")
		}
	}()

	var publisher messaging.Publisher
	if cfg.KafkaEnabled {
		kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer func() {
			if err := kafkaClient.Close(); err != nil {
				logger.WithError(err).Error("failed to close Kafka client")
			}
		}()
		publisher = kafkaClient
	}

	state := relay.NewState(cfg.StartRelaying)
	upstream := relay.NewManager(relay.DefaultConfig(cfg.RelayTargets), state, nil, nil, logger)
	defer upstream.Close()

	registry := miner.NewRegistry(cfg.BroadcastParallel, logger)
	tracker := job.NewTracker(job.DefaultTrackerCapacity)

	shares := share.NewManager(shareConfig(cfg), daemon, tracker, state, upstream, db, publisher, logger)
	if account, err := shares.FindPoolAccount(ctx); err != nil {
		logger.WithError(err).Warn("pool account lookup failed", "address", cfg.WalletAddress)
	} else if account != "" {
		logger.Info("pool account", "account", account)
	}

	jobs := jobmanager.New(jobConfig(cfg, chainParams), daemon, tracker, registry, upstream, shares, publisher, logger)
	if cfg.ZMQEnabled {
		notifier, err := bitcoin.NewZMQNotifier(cfg.BitcoinZMQAddr, logger.Logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := notifier.Close(); err != nil {
				logger.WithError(err).Warn("failed to close ZMQ notifier")
			}
		}()
		jobs.SetBlockNotifier(notifier)
	}

	srv := server.New(serverConfig(cfg), registry, shares, upstream, state, logger)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	go upstream.Run(ctx)
	if err := jobs.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := console.New(upstream, os.Stdin, os.Stdout, logger).Run(ctx); err != nil {
			logger.WithError(err).Warn("console stopped")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	jobs.Stop()
	err = srv.Shutdown(shutdownCtx)
	shares.Wait()
	return err
}

// databaseConfig enables only the backends switched on in cfg.
func databaseConfig(cfg *config.Config) *database.Config {
	dbCfg := &database.Config{}
	if cfg.PostgresEnabled {
		dbCfg.Postgres = &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		}
	}
	if cfg.RedisEnabled {
		dbCfg.Redis = &redis.Config{
			URL:          cfg.RedisURL,
			Coin:         cfg.CoinName,
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}
	if cfg.InfluxEnabled {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
			Coin:   cfg.CoinName,
		}
	}
	return dbCfg
}

func shareConfig(cfg *config.Config) share.Config {
	return share.Config{
		WalletAddress:        cfg.WalletAddress,
		PoolAccount:          cfg.PoolAccount,
		UseDefaultAccount:    cfg.UseDefaultAccount,
		SubmitBlockSupported: cfg.SubmitBlockSupported,
	}
}

func jobConfig(cfg *config.Config, chainParams *chaincfg.Params) jobmanager.Config {
	return jobmanager.Config{
		ChainParams:          chainParams,
		PoolAddress:          cfg.WalletAddress,
		CoinbaseTag:          cfg.CoinbaseTag,
		BlockRefreshInterval: cfg.BlockRefreshInterval,
		RebroadcastTimeout:   cfg.RebroadcastTimeout,
	}
}

func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		ListenAddr:       cfg.ListenAddr,
		ListenPort:       cfg.ListenPort,
		MinerDifficulty:  cfg.MinerDifficulty,
		MaxConnections:   cfg.MaxConnections,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		InstanceID:       cfg.InstanceID,
		HashrateInterval: cfg.HashrateInterval,
	}
}
