// Package archive implements the ingestion engine's archival sink: raw
// frames are batched by size or time, serialized, and uploaded to an
// object store behind a storage-flavored circuit breaker. Grounded on the
// teacher's event batcher (size-or-interval flush loop) and its settlement
// batch/flush bookkeeping, generalized from gob-encoded events to raw byte
// frames destined for S3 instead of disk.
package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rishav/eod-stream-engine/internal/breaker"
	"github.com/rishav/eod-stream-engine/internal/queue"
	"github.com/rs/zerolog"
)

// ObjectStore is the abstract contract archival uploads drive; see
// archive/s3.go for the concrete aws-sdk-go (S3) adapter.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, body []byte) error
}

// Frame is one raw wire frame tee'd off the ingestion path, with the
// receive timestamp it arrived with.
type Frame struct {
	ReceiveTimeNS int64
	Bytes         []byte
}

// Config configures the archival sink.
type Config struct {
	Bucket        string
	HostID        string
	BufferSize    int
	FlushInterval time.Duration
	QueueCapacity int
}

// DefaultConfig matches the engine's archive_buffer/archive_flush_ms
// configuration surface.
func DefaultConfig() Config {
	return Config{
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		QueueCapacity: 1000,
	}
}

// Sink batches and uploads raw frames. The input queue uses DropOldest:
// ingestion never blocks on archival backpressure.
type Sink struct {
	cfg   Config
	store ObjectStore
	cb    *breaker.Breaker
	log   zerolog.Logger

	q      *queue.Queue[Frame]
	feedCh chan Frame

	flushCount atomic.Int64
	dropCount  atomic.Int64

	shutdownCh   chan struct{}
	shutdownDone chan struct{}
}

// New constructs a sink uploading through store, fenced by cb.
func New(cfg Config, store ObjectStore, cb *breaker.Breaker, logger zerolog.Logger) *Sink {
	return &Sink{
		cfg:          cfg,
		store:        store,
		cb:           cb,
		log:          logger.With().Str("component", "archive_sink").Logger(),
		q:            queue.New[Frame](cfg.QueueCapacity, queue.PolicyDropOldest),
		feedCh:       make(chan Frame),
		shutdownCh:   make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}
}

// Tee enqueues a frame for archival. Never blocks: full queue evicts the
// oldest frame.
func (s *Sink) Tee(frame Frame) {
	s.q.TryEnqueue(frame)
}

// Start begins the batch-and-flush loop.
func (s *Sink) Start() {
	go s.feed()
	go s.loop()
}

// feed is a dedicated goroutine translating the blocking queue into a
// channel the select-driven batch loop can multiplex against the flush
// ticker and shutdown signal.
func (s *Sink) feed() {
	for {
		fr, err := s.q.Dequeue(context.Background())
		if err != nil {
			close(s.feedCh)
			return
		}
		s.feedCh <- fr
	}
}

func (s *Sink) loop() {
	defer close(s.shutdownDone)

	ctx := context.Background()
	batch := make([]Frame, 0, s.cfg.BufferSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case fr, ok := <-s.feedCh:
			if !ok {
				if len(batch) > 0 {
					s.flush(ctx, batch)
				}
				return
			}
			batch = append(batch, fr)
			if len(batch) >= s.cfg.BufferSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-s.shutdownCh:
			s.q.Close()
			for fr := range s.feedCh {
				batch = append(batch, fr)
			}
			if len(batch) > 0 {
				s.flush(ctx, batch)
			}
			return
		}
	}
}

// flush serializes a batch as [receive_ts:i64][len:i32][bytes]... and
// uploads it. On any upload error, including a storage-breaker-open
// rejection, the batch is discarded without retry (by design: the circuit
// is protecting the process from piling up unbounded retries against a
// down object store) and the drop counter advances.
func (s *Sink) flush(ctx context.Context, batch []Frame) {
	var buf bytes.Buffer
	for _, fr := range batch {
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(fr.ReceiveTimeNS))
		buf.Write(ts[:])
		var ln [4]byte
		binary.BigEndian.PutUint32(ln[:], uint32(len(fr.Bytes)))
		buf.Write(ln[:])
		buf.Write(fr.Bytes)
	}

	objectKey := objectName(time.Now(), s.cfg.HostID, len(batch))
	err := s.cb.Execute(func() error {
		return s.store.PutObject(ctx, s.cfg.Bucket, objectKey, buf.Bytes())
	})
	if err != nil {
		s.dropCount.Add(int64(len(batch)))
		s.log.Warn().Err(err).Int("batch_size", len(batch)).Msg("archive flush failed, batch dropped")
		return
	}
	s.flushCount.Add(int64(len(batch)))
}

func objectName(t time.Time, host string, n int) string {
	return fmt.Sprintf("%04d-%02d-%02d/%02d/%02d-%02d-%03d_%s_%d.bin",
		t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1_000_000, host, n)
}

// FlushedCount returns how many frames have been successfully uploaded.
func (s *Sink) FlushedCount() int64 { return s.flushCount.Load() }

// DroppedCount returns how many frames were discarded because their batch
// upload failed or was rejected by the open breaker (queue-level drops are
// tracked separately by the queue itself).
func (s *Sink) DroppedCount() int64 { return s.dropCount.Load() }

// QueueDropped returns how many frames were evicted by the DropOldest
// input queue before ever reaching a flush attempt.
func (s *Sink) QueueDropped() int64 { return s.q.Dropped() }

// Shutdown drains the queue, flushes remaining frames, and stops the loop.
func (s *Sink) Shutdown() {
	close(s.shutdownCh)
	<-s.shutdownDone
}
