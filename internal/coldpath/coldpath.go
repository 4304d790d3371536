// Package coldpath implements the cold-path engine: a separate consumer
// group that enriches trades with reference data and durably persists
// them with exec_id idempotency. Grounded on the teacher's settlement
// clearing batch/flush bookkeeping, generalized from a gob-encoded local
// ledger to a relational sink with a bulk-then-row-by-row fallback.
package coldpath

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rishav/eod-stream-engine/internal/codec"
	"github.com/rishav/eod-stream-engine/internal/dlq"
	"github.com/rishav/eod-stream-engine/internal/domain"
	"github.com/rishav/eod-stream-engine/internal/logfeed"
	"github.com/rishav/eod-stream-engine/internal/refdata"
	"github.com/rs/zerolog"
)

// Config configures the cold-path engine.
type Config struct {
	Topic          string
	BulkBatchSize  int
	FlushInterval  time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// DefaultConfig matches the engine's cold-path tunables (batch size, flush
// interval, retries). Topic is a standalone default; cmd/engine sets it
// from the configured trades topic.
func DefaultConfig() Config {
	return Config{
		Topic:          "trades",
		BulkBatchSize:  5000,
		FlushInterval:  5 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 100 * time.Millisecond,
	}
}

type bufferedRecord struct {
	trade     domain.EnrichedTrade
	partition int32
	offset    int64
}

// Engine consumes trade envelopes on its own consumer group, enriches
// them, and flushes durably with idempotent upsert fallback.
type Engine struct {
	cfg     Config
	group   logfeed.ConsumerGroup
	codec   *codec.Codec
	dlqr    *dlq.Router
	lookup  *refdata.Lookup
	store   RelationalStore
	log     zerolog.Logger

	buffer     []bufferedRecord
	lastFlush  time.Time
	flushCount int64
	rowFallbackCount int64
}

// New constructs a cold-path engine.
func New(cfg Config, group logfeed.ConsumerGroup, c *codec.Codec, router *dlq.Router, lookup *refdata.Lookup, store RelationalStore, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		group:     group,
		codec:     c,
		dlqr:      router,
		lookup:    lookup,
		store:     store,
		log:       logger.With().Str("component", "coldpath_engine").Logger(),
		lastFlush: time.Now(),
	}
}

// Run polls the consumer group in a loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			e.flush(context.WithoutCancel(ctx))
			return ctx.Err()
		}
		recs, err := e.group.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.flush(context.WithoutCancel(ctx))
				return ctx.Err()
			}
			e.log.Warn().Err(err).Msg("poll failed")
			continue
		}
		for _, rec := range recs {
			e.handle(ctx, rec)
		}
		if len(e.buffer) >= e.cfg.BulkBatchSize || time.Since(e.lastFlush) >= e.cfg.FlushInterval {
			e.flush(ctx)
		}
	}
}

func (e *Engine) handle(ctx context.Context, rec logfeed.Record) {
	result, err := e.codec.Decode(rec.Value)
	if err != nil {
		e.toDLQAndCommit(ctx, rec, domain.ReasonDeserialization, err)
		return
	}
	env := result.Envelope

	if env.ExecID == "" {
		e.toDLQAndCommit(ctx, rec, domain.ReasonValidation, nil)
		return
	}

	enriched, err := e.enrichWithRetry(ctx, *env)
	if err != nil {
		e.toDLQAndCommit(ctx, rec, domain.ReasonProcessing, err)
		return
	}

	e.buffer = append(e.buffer, bufferedRecord{trade: enriched, partition: rec.Partition, offset: rec.Offset})
}

func (e *Engine) enrichWithRetry(ctx context.Context, env domain.Envelope) (domain.EnrichedTrade, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.cfg.MaxRetries)), ctx)

	var out domain.EnrichedTrade
	err := backoff.Retry(func() error {
		out = e.lookup.Enrich(ctx, env, time.Now().UnixNano())
		return nil
	}, policy)
	return out, err
}

// flush performs a bulk insert of the buffered batch, falling back to a
// row-by-row idempotent upsert on a duplicate-key conflict. Offsets are
// committed only after a successful flush; a total failure leaves the
// buffer and pending offsets untouched so records are redelivered.
func (e *Engine) flush(ctx context.Context) {
	e.flushAndCommit(ctx, nil)
}

// flushAndCommit flushes the buffer and, only once that flush has
// succeeded (or the buffer was already empty), commits extra alongside
// the buffer's own offsets in the same commit call. extra carries
// offsets for records that bypassed the buffer entirely (DLQ'd
// records) — folding them into the flush-driven commit ensures their
// offset is never committed ahead of an earlier, still-unflushed
// buffered record on the same partition.
func (e *Engine) flushAndCommit(ctx context.Context, extra map[int32]int64) {
	if len(e.buffer) == 0 {
		e.lastFlush = time.Now()
		if len(extra) > 0 {
			if commitErr := e.group.CommitOffsets(ctx, e.cfg.Topic, extra); commitErr != nil {
				e.log.Warn().Err(commitErr).Msg("offset commit failed")
			}
		}
		return
	}

	trades := make([]domain.EnrichedTrade, len(e.buffer))
	for i, r := range e.buffer {
		trades[i] = r.trade
	}

	err := e.store.BulkInsert(ctx, trades)
	if err != nil {
		if !errors.Is(err, ErrDuplicateKey) {
			e.log.Error().Err(err).Int("batch_size", len(trades)).Msg("bulk insert failed, will retry on next poll")
			return
		}
		e.rowFallbackCount++
		for _, t := range trades {
			if upsertErr := e.store.UpsertRow(ctx, t); upsertErr != nil {
				e.log.Error().Err(upsertErr).Str("exec_id", t.ExecID).Msg("row upsert failed, will retry on next poll")
				return
			}
		}
	}

	offsets := make(map[int32]int64)
	for _, r := range e.buffer {
		if cur, ok := offsets[r.partition]; !ok || r.offset+1 > cur {
			offsets[r.partition] = r.offset + 1
		}
	}
	for p, o := range extra {
		if cur, ok := offsets[p]; !ok || o > cur {
			offsets[p] = o
		}
	}
	if commitErr := e.group.CommitOffsets(ctx, e.cfg.Topic, offsets); commitErr != nil {
		e.log.Warn().Err(commitErr).Msg("offset commit failed after flush")
	}

	e.flushCount += int64(len(e.buffer))
	e.buffer = e.buffer[:0]
	e.lastFlush = time.Now()
}

// toDLQAndCommit publishes rec to the DLQ and then flushes the buffer
// right away, committing rec's offset in the same commit as the buffered
// offsets and only once that flush succeeds: rec never enters e.buffer,
// so committing its offset on its own would advance past any earlier,
// still-unflushed admitted record on the same partition. If the flush
// fails, rec's offset is not committed.
func (e *Engine) toDLQAndCommit(ctx context.Context, rec logfeed.Record, reason domain.DLQReason, cause error) {
	diag := map[string]string{}
	if cause != nil {
		diag["error"] = cause.Error()
	}
	e.dlqr.Publish(&domain.DLQEnvelope{
		OriginalBytes:     rec.Value,
		Reason:            reason,
		OriginalTopic:     rec.Topic,
		OriginalPartition: rec.Partition,
		OriginalOffset:    rec.Offset,
		FirstFailureNS:    time.Now().UnixNano(),
		Diagnostics:       diag,
	})
	e.flushAndCommit(ctx, map[int32]int64{rec.Partition: rec.Offset + 1})
}

// FlushedCount returns how many records have been durably flushed.
func (e *Engine) FlushedCount() int64 { return e.flushCount }

// RowFallbackCount returns how many batches fell back to row-by-row
// upsert due to a duplicate-key conflict.
func (e *Engine) RowFallbackCount() int64 { return e.rowFallbackCount }
