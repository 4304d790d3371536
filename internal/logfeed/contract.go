// Package logfeed defines the abstract durable-log contract the ingestion,
// hot-path, and cold-path engines are built against, plus concrete
// adapters: a franz-go (kgo) client for production and an in-memory fake
// for tests. No engine package imports kgo directly; they all depend on
// these interfaces so a different log implementation is a adapter swap.
package logfeed

import "context"

// Record is one message read from or written to the log.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
}

// Producer publishes keyed records. Implementations must be safe for
// concurrent use. Publish reports the delivery error through its return
// value; it is not fire-and-forget: the franz-go adapter uses ProduceSync
// and blocks until the record is acknowledged or fails.
type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// Handler processes one record. Returning an error does not stop the
// consumer; callers are responsible for DLQ routing and offset policy.
type Handler func(ctx context.Context, rec Record) error

// ConsumerGroup pulls records for a named group and topic, returning them
// from Poll for the caller to process (it does not invoke a Handler), and
// exposes explicit offset commit since every engine disables auto-commit.
type ConsumerGroup interface {
	// Poll returns the batch assigned this call. The kgo adapter blocks
	// until records arrive or ctx is done; MemoryLog's consumer returns
	// immediately, with an empty batch when nothing is pending.
	Poll(ctx context.Context) ([]Record, error)
	// CommitOffsets commits the given per-partition offsets (exclusive of
	// the committed record, i.e. "next offset to read").
	CommitOffsets(ctx context.Context, topic string, offsets map[int32]int64) error
	Close() error
}
