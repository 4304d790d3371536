// Command engine runs one of the streaming engine's three independent
// supervisors (ingest, hotpath, coldpath) against a shared durable log,
// matching the teacher's single-process-many-subsystems shape but split
// by subcommand because each path is its own consumer group in
// production.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rishav/eod-stream-engine/internal/archive"
	"github.com/rishav/eod-stream-engine/internal/breaker"
	"github.com/rishav/eod-stream-engine/internal/codec"
	"github.com/rishav/eod-stream-engine/internal/coldpath"
	"github.com/rishav/eod-stream-engine/internal/config"
	"github.com/rishav/eod-stream-engine/internal/dlq"
	"github.com/rishav/eod-stream-engine/internal/hotpath"
	"github.com/rishav/eod-stream-engine/internal/ingest"
	"github.com/rishav/eod-stream-engine/internal/logfeed"
	"github.com/rishav/eod-stream-engine/internal/position"
	"github.com/rishav/eod-stream-engine/internal/pricecache"
	"github.com/rishav/eod-stream-engine/internal/refdata"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if len(os.Args) < 2 {
		log.Fatal().Msg("usage: engine <ingest|hotpath|coldpath> [-config path]")
	}
	mode := os.Args[1]

	configPath := ""
	for i := 2; i < len(os.Args)-1; i++ {
		if os.Args[i] == "-config" {
			configPath = os.Args[i+1]
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("received shutdown signal")
		cancel()
		go func() {
			time.Sleep(shutdownTimeout)
			log.Fatal().Msg("graceful shutdown exceeded budget, forcing exit")
		}()
	}()

	switch mode {
	case "ingest":
		err = runIngest(ctx, cfg, log)
	case "hotpath":
		err = runHotPath(ctx, cfg, log)
	case "coldpath":
		err = runColdPath(ctx, cfg, log)
	default:
		log.Fatal().Str("mode", mode).Msg("unknown mode")
	}
	if err != nil {
		log.Fatal().Err(err).Str("mode", mode).Msg("engine exited with error")
	}
}

func bootstrapBrokers(cfg *config.Config) []string {
	if cfg.Log.Bootstrap == "" {
		return []string{"localhost:9092"}
	}
	return []string{cfg.Log.Bootstrap}
}

func newBreaker(name string, bc config.BreakerConfig) *breaker.Breaker {
	return breaker.New(breaker.Config{
		Name:                     name,
		FailureThreshold:         bc.Threshold,
		FailureWindow:            bc.Window,
		OpenDuration:             bc.Open,
		SuccessThresholdHalfOpen: bc.Success,
	})
}

func runIngest(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	producer, err := logfeed.NewKgoProducer(bootstrapBrokers(cfg))
	if err != nil {
		return fmt.Errorf("engine: ingest producer: %w", err)
	}
	defer producer.Close()

	sess, err := session.NewSession(&aws.Config{})
	if err != nil {
		return fmt.Errorf("engine: aws session: %w", err)
	}
	storageBreaker := newBreaker("archive_storage", cfg.Archive.StorageBreaker)
	sink := archive.New(archive.Config{
		Bucket:        "eod-stream-engine-archive",
		HostID:        hostID(),
		BufferSize:    cfg.Ingestion.ArchiveBuffer,
		FlushInterval: time.Duration(cfg.Ingestion.ArchiveFlushMS) * time.Millisecond,
		QueueCapacity: cfg.Ingestion.ArchiveBuffer,
	}, archive.NewS3Store(sess), storageBreaker, log)
	sink.Start()
	defer sink.Shutdown()

	registry := codec.NewRegistry()
	c := codec.New(registry)
	if cfg.Schema.AutoRegister {
		if _, err := registry.RegisterSchema(cfg.Log.TradesTopic, codec.Descriptor{Subject: cfg.Log.TradesTopic, Version: 1}); err != nil {
			return fmt.Errorf("engine: schema registration: %w", err)
		}
	}

	engine := ingest.New(ingest.Config{
		Topic:         cfg.Log.TradesTopic,
		SchemaSubject: cfg.Log.TradesTopic,
		QueueCapacity: cfg.Ingestion.BufferSize,
	}, gatewayParser{}, producer, sink, c, log)

	go engine.Run(ctx)
	<-ctx.Done()
	engine.Close()
	return nil
}

func runHotPath(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	group, err := logfeed.NewKgoConsumerGroup(bootstrapBrokers(cfg), "hotpath", []string{cfg.Log.TradesTopic})
	if err != nil {
		return fmt.Errorf("engine: hotpath consumer group: %w", err)
	}
	defer group.Close()

	dlqProducer, err := logfeed.NewKgoProducer(bootstrapBrokers(cfg))
	if err != nil {
		return fmt.Errorf("engine: dlq producer: %w", err)
	}
	defer dlqProducer.Close()
	router := dlq.New(dlqProducer, cfg.Log.DLQTopic, 10000, log)
	router.Start()
	defer router.Shutdown()

	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer redisClient.Close()
	side := pricecache.NewRedisSideCache(redisClient, "mark:")
	queryBreaker := newBreaker("pricecache_query", cfg.HotPath.QueryBreaker)
	publishBreaker := newBreaker("pricecache_publish", cfg.HotPath.PublishBreaker)
	prices := pricecache.New(side, queryBreaker, publishBreaker, 100)

	store := position.New()
	c := codec.New(codec.NewRegistry())

	hpCfg := hotpath.Config{
		Topic:           cfg.Log.TradesTopic,
		MaxRetries:      cfg.HotPath.MaxRetries,
		RetryBaseDelay:  100 * time.Millisecond,
		PublishThrottle: time.Duration(cfg.HotPath.PublishThrottleMS) * time.Millisecond,
		CommitBatchSize: 100,
		CommitInterval:  time.Second,
	}
	engine := hotpath.New(hpCfg, group, c, router, store, prices, log)

	err = engine.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runColdPath(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	group, err := logfeed.NewKgoConsumerGroup(bootstrapBrokers(cfg), "coldpath", []string{cfg.Log.TradesTopic})
	if err != nil {
		return fmt.Errorf("engine: coldpath consumer group: %w", err)
	}
	defer group.Close()

	dlqProducer, err := logfeed.NewKgoProducer(bootstrapBrokers(cfg))
	if err != nil {
		return fmt.Errorf("engine: dlq producer: %w", err)
	}
	defer dlqProducer.Close()
	router := dlq.New(dlqProducer, cfg.Log.DLQTopic, 10000, log)
	router.Start()
	defer router.Shutdown()

	pool, err := pgxpool.New(ctx, "postgres://localhost:5432/eod_stream")
	if err != nil {
		return fmt.Errorf("engine: pgx pool: %w", err)
	}
	defer pool.Close()

	lookup := refdata.New(refdata.NewPgxMasterDataSource(pool), refdata.Config{
		CacheSize:        cfg.RefData.CacheSize,
		NegativeCacheTTL: cfg.RefData.NegativeCacheTTL,
	})
	store := coldpath.NewPgxStore(pool, "trades")
	c := codec.New(codec.NewRegistry())

	cpCfg := coldpath.Config{
		Topic:          cfg.Log.TradesTopic,
		BulkBatchSize:  cfg.ColdPath.BulkBatchSize,
		FlushInterval:  cfg.ColdPath.FlushInterval,
		MaxRetries:     cfg.ColdPath.MaxRetries,
		RetryBaseDelay: 100 * time.Millisecond,
	}
	engine := coldpath.New(cpCfg, group, c, router, lookup, store, log)

	err = engine.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func hostID() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}
