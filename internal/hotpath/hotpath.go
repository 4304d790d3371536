// Package hotpath implements the hot-path engine: decode, validate,
// process-with-retry, update the in-memory position and mark-price
// waterfall, and publish a throttled snapshot to the side cache. Grounded
// on the teacher's matching engine main loop (single-threaded processing
// per partition, offset-equivalent sequence bookkeeping) generalized from
// order matching to position aggregation.
package hotpath

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rishav/eod-stream-engine/internal/codec"
	"github.com/rishav/eod-stream-engine/internal/dlq"
	"github.com/rishav/eod-stream-engine/internal/domain"
	"github.com/rishav/eod-stream-engine/internal/logfeed"
	"github.com/rishav/eod-stream-engine/internal/position"
	"github.com/rishav/eod-stream-engine/internal/pricecache"
	"github.com/rs/zerolog"
)

// Config configures the hot-path engine.
type Config struct {
	Topic            string
	MaxRetries       int
	RetryBaseDelay   time.Duration
	PublishThrottle  time.Duration
	CommitBatchSize  int
	CommitInterval   time.Duration
}

// DefaultConfig matches the engine's hot-path tunables (retries, publish
// throttle, commit batching). Topic is a standalone default; cmd/engine
// sets it from the configured trades topic.
func DefaultConfig() Config {
	return Config{
		Topic:           "trades",
		MaxRetries:      3,
		RetryBaseDelay:  100 * time.Millisecond,
		PublishThrottle: 100 * time.Millisecond,
		CommitBatchSize: 100,
		CommitInterval:  time.Second,
	}
}

// Engine consumes trade envelopes and maintains per-trader positions and
// marks, publishing throttled snapshots to the price cache's side store.
type Engine struct {
	cfg    Config
	group  logfeed.ConsumerGroup
	codec  *codec.Codec
	dlqr   *dlq.Router
	store  *position.Store
	prices *pricecache.Cache
	log    zerolog.Logger

	throttleMu sync.Mutex
	lastPublish map[string]time.Time

	pending      map[int32]int64
	pendingCount int
	lastCommit   time.Time
}

// New constructs a hot-path engine.
func New(cfg Config, group logfeed.ConsumerGroup, c *codec.Codec, router *dlq.Router, store *position.Store, prices *pricecache.Cache, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		group:       group,
		codec:       c,
		dlqr:        router,
		store:       store,
		prices:      prices,
		log:         logger.With().Str("component", "hotpath_engine").Logger(),
		lastPublish: make(map[string]time.Time),
		pending:     make(map[int32]int64),
		lastCommit:  time.Now(),
	}
}

// Run polls the consumer group in a loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			e.maybeCommit(context.WithoutCancel(ctx), true)
			return ctx.Err()
		}
		recs, err := e.group.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.maybeCommit(context.WithoutCancel(ctx), true)
				return ctx.Err()
			}
			e.log.Warn().Err(err).Msg("poll failed")
			continue
		}
		for _, rec := range recs {
			e.handle(ctx, rec)
			e.trackOffset(rec)
		}
		e.maybeCommit(ctx, false)
	}
}

func (e *Engine) handle(ctx context.Context, rec logfeed.Record) {
	result, err := e.codec.Decode(rec.Value)
	if err != nil {
		e.toDLQ(rec, domain.ReasonDeserialization, err)
		return
	}
	env := result.Envelope

	if env.TraderID == "" || env.Symbol == "" {
		e.toDLQ(rec, domain.ReasonValidation, nil)
		return
	}

	err = e.processWithRetry(ctx, env)
	if err != nil {
		e.toDLQ(rec, domain.ReasonProcessing, err)
	}
}

func (e *Engine) processWithRetry(ctx context.Context, env *domain.Envelope) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	// MaxRetries counts attempts, so the first try plus MaxRetries-1 retries.
	retries := e.cfg.MaxRetries - 1
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithMaxRetries(bo, uint64(retries))
	policy = backoff.WithContext(policy, ctx)

	return backoff.Retry(func() error {
		return e.process(ctx, env)
	}, policy)
}

// process performs the always-succeeds hot-path update and currently
// always returns nil. It is wrapped in processWithRetry for uniformity
// with the retry contract, even though in-memory position updates cannot
// fail; the side-cache price write and snapshot publish go through the
// publish breaker, but their errors are discarded rather than returned,
// and the mark lookup reads only the local cache.
func (e *Engine) process(ctx context.Context, env *domain.Envelope) error {
	now := time.Now().UnixNano()

	pos := e.store.ApplyTrade(env.TraderID, env.Symbol, env.Side, env.Quantity, env.PriceMantissa, now)

	e.prices.SetPrice(ctx, env.Symbol, domain.MarkLTP, env.PriceMantissa)

	markPrice, markSource := e.prices.GetMarkFast(env.Symbol)
	if markSource == domain.MarkUnknown {
		markPrice, markSource = env.PriceMantissa, domain.MarkLTP
	}

	snapshot := domain.Snapshot{
		TraderID:              pos.TraderID,
		Symbol:                pos.Symbol,
		NetQuantity:           pos.NetQuantity,
		RealizedPnLMantissa:   pos.RealizedPnLMantissa,
		UnrealizedPnLMantissa: pos.UnrealizedPnLMantissa(markPrice),
		MarkPriceMantissa:     markPrice,
		MarkSource:            markSource,
		TradeCount:            pos.TradeCount,
		TimestampNS:           now,
	}

	if e.shouldPublish(pos.TraderID, pos.Symbol) {
		e.prices.PublishSnapshot(ctx, snapshot)
	}
	return nil
}

func (e *Engine) shouldPublish(traderID, symbol string) bool {
	key := traderID + "\x00" + symbol
	e.throttleMu.Lock()
	defer e.throttleMu.Unlock()
	last, ok := e.lastPublish[key]
	now := time.Now()
	if ok && now.Sub(last) < e.cfg.PublishThrottle {
		return false
	}
	e.lastPublish[key] = now
	return true
}

func (e *Engine) toDLQ(rec logfeed.Record, reason domain.DLQReason, cause error) {
	diag := map[string]string{}
	if cause != nil {
		diag["error"] = cause.Error()
	}
	e.dlqr.Publish(&domain.DLQEnvelope{
		OriginalBytes:     rec.Value,
		Reason:            reason,
		OriginalTopic:      rec.Topic,
		OriginalPartition: rec.Partition,
		OriginalOffset:    rec.Offset,
		FirstFailureNS:    time.Now().UnixNano(),
		Diagnostics:       diag,
	})
}

func (e *Engine) trackOffset(rec logfeed.Record) {
	e.pending[rec.Partition] = rec.Offset + 1
	e.pendingCount++
}

func (e *Engine) maybeCommit(ctx context.Context, force bool) {
	if !force && e.pendingCount < e.cfg.CommitBatchSize && time.Since(e.lastCommit) < e.cfg.CommitInterval {
		return
	}
	if e.pendingCount == 0 {
		return
	}
	offsets := make(map[int32]int64, len(e.pending))
	for p, o := range e.pending {
		offsets[p] = o
	}
	if err := e.group.CommitOffsets(ctx, e.cfg.Topic, offsets); err != nil {
		e.log.Warn().Err(err).Msg("offset commit failed")
		return
	}
	e.pending = make(map[int32]int64)
	e.pendingCount = 0
	e.lastCommit = time.Now()
}
