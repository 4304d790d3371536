// Package dlq routes un-processable records to a dead-letter topic with a
// diagnostic envelope, grounded on the teacher's event batcher: an async
// goroutine drains a bounded channel and publishes best-effort, so a DLQ
// hiccup never blocks the hot or cold path that fed it.
package dlq

import (
	"context"
	"encoding/binary"
	"strconv"
	"sync/atomic"

	"github.com/rishav/eod-stream-engine/internal/domain"
	"github.com/rishav/eod-stream-engine/internal/logfeed"
	"github.com/rs/zerolog"
)

// Router publishes DLQEnvelopes to a dead-letter topic asynchronously.
type Router struct {
	producer logfeed.Producer
	topic    string
	log      zerolog.Logger

	queue chan *domain.DLQEnvelope

	shutdownCh   chan struct{}
	shutdownDone chan struct{}

	counters map[domain.DLQReason]*atomic.Int64
}

// New constructs a router publishing to topic via producer. bufferSize
// bounds the internal async queue; once full, Publish drops the record
// and logs a warning rather than blocking its caller.
func New(producer logfeed.Producer, topic string, bufferSize int, logger zerolog.Logger) *Router {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	r := &Router{
		producer:     producer,
		topic:        topic,
		log:          logger.With().Str("component", "dlq_router").Logger(),
		queue:        make(chan *domain.DLQEnvelope, bufferSize),
		shutdownCh:   make(chan struct{}),
		shutdownDone: make(chan struct{}),
		counters:     make(map[domain.DLQReason]*atomic.Int64),
	}
	for _, reason := range []domain.DLQReason{
		domain.ReasonDeserialization,
		domain.ReasonValidation,
		domain.ReasonProcessing,
		domain.ReasonTimeout,
		domain.ReasonDownstream,
	} {
		r.counters[reason] = &atomic.Int64{}
	}
	return r
}

// Start begins the async publish loop.
func (r *Router) Start() {
	go r.loop()
}

func (r *Router) loop() {
	defer close(r.shutdownDone)
	ctx := context.Background()
	for {
		select {
		case env := <-r.queue:
			r.publish(ctx, env)
		case <-r.shutdownCh:
			for {
				select {
				case env := <-r.queue:
					r.publish(ctx, env)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) publish(ctx context.Context, env *domain.DLQEnvelope) {
	headers := map[string]string{
		"reason":             string(env.Reason),
		"original_topic":     env.OriginalTopic,
		"original_partition": strconv.FormatInt(int64(env.OriginalPartition), 10),
		"original_offset":    strconv.FormatInt(env.OriginalOffset, 10),
		"retry_count":        strconv.Itoa(env.RetryCount),
		"first_failure_timestamp": strconv.FormatInt(env.FirstFailureNS, 10),
	}
	for k, v := range env.Diagnostics {
		headers["diag_"+k] = v
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(env.FirstFailureNS))

	if err := r.producer.Publish(ctx, r.topic, key, env.OriginalBytes, headers); err != nil {
		r.log.Warn().Err(err).Str("reason", string(env.Reason)).Msg("failed to publish to dlq")
		return
	}
	if c, ok := r.counters[env.Reason]; ok {
		c.Add(1)
	}
}

// Publish enqueues env for async publishing. Non-blocking: if the internal
// queue is full, the record is dropped and a warning is logged.
func (r *Router) Publish(env *domain.DLQEnvelope) {
	select {
	case r.queue <- env:
	default:
		r.log.Warn().Str("reason", string(env.Reason)).Msg("dlq queue full, dropping record")
	}
}

// Count returns the number of records published for a given reason.
func (r *Router) Count(reason domain.DLQReason) int64 {
	if c, ok := r.counters[reason]; ok {
		return c.Load()
	}
	return 0
}

// Shutdown drains the queue and stops the publish loop.
func (r *Router) Shutdown() {
	close(r.shutdownCh)
	<-r.shutdownDone
}
