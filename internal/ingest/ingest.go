// Package ingest implements the ingestion engine: validates raw wire
// frames, tees a copy to the archival sink, extracts the fields the rest
// of the pipeline needs, and publishes the canonical envelope onto the
// durable log. Grounded on the teacher's event log append path (checksum,
// then encode, then durable write) generalized from a local gob-encoded
// file to a remote, partitioned log.
package ingest

import (
	"context"
	"hash/crc32"

	"github.com/rishav/eod-stream-engine/internal/archive"
	"github.com/rishav/eod-stream-engine/internal/codec"
	"github.com/rishav/eod-stream-engine/internal/domain"
	"github.com/rishav/eod-stream-engine/internal/logfeed"
	"github.com/rishav/eod-stream-engine/internal/queue"
	"github.com/rs/zerolog"
)

// RawFrame is one frame as it arrives from the gateway, before any
// parsing: [checksum:4][body]. The checksum covers body.
type RawFrame struct {
	ReceiveTimeNS int64
	GatewayID     string
	Bytes         []byte
}

// Fields are the minimally-scanned values ingestion needs to route and
// key a frame without a full parse; produced by a Parser.
type Fields struct {
	ExecID        string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          domain.Side
	Quantity      int64
	PriceMantissa int64
	TraderID      string
	Account       string
	StrategyCode  string
	Exchange      string
	GatewayTimeNS int64
	ExecTimeNS    int64
}

// Parser extracts Fields from a validated frame body. The concrete
// gateway wire format is deployment-specific; ingest is parameterized
// over it instead of assuming one.
type Parser interface {
	Parse(body []byte) (Fields, error)
}

// Config configures the ingestion engine.
type Config struct {
	Topic         string
	SchemaSubject string
	QueueCapacity int
}

// DefaultConfig matches the engine's ingestion buffer_size for the input
// queue. Topic and SchemaSubject are standalone defaults; cmd/engine sets
// both from the configured trades topic.
func DefaultConfig() Config {
	return Config{Topic: "trades", SchemaSubject: "trade-envelope", QueueCapacity: 50000}
}

// Engine consumes RawFrames from a bounded input queue, validates,
// archives, encodes, and publishes each onto the durable log.
type Engine struct {
	cfg      Config
	parser   Parser
	producer logfeed.Producer
	sink     *archive.Sink
	codec    *codec.Codec
	log      zerolog.Logger

	q *queue.Queue[RawFrame]

	checksumFailures        int64
	fieldExtractionFailures int64
	publishFailures         int64
}

// New constructs an ingestion engine. sink may be nil to disable
// archival teeing (used by tests that don't care about it).
func New(cfg Config, parser Parser, producer logfeed.Producer, sink *archive.Sink, c *codec.Codec, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		parser:   parser,
		producer: producer,
		sink:     sink,
		codec:    c,
		log:      logger.With().Str("component", "ingestion_engine").Logger(),
		q:        queue.New[RawFrame](cfg.QueueCapacity, queue.PolicyWait),
	}
}

// Submit enqueues a raw frame for processing, blocking under backpressure
// until space is available or ctx is cancelled.
func (e *Engine) Submit(ctx context.Context, frame RawFrame) error {
	return e.q.Enqueue(ctx, frame)
}

// Run drains the input queue until ctx is cancelled or the queue closes.
func (e *Engine) Run(ctx context.Context) {
	for {
		frame, err := e.q.Dequeue(ctx)
		if err != nil {
			return
		}
		e.process(ctx, frame)
	}
}

// Close stops accepting new frames and unblocks Run once drained.
func (e *Engine) Close() { e.q.Close() }

func (e *Engine) process(ctx context.Context, frame RawFrame) {
	body, ok := e.validate(frame.Bytes)
	if !ok {
		e.checksumFailures++
		e.log.Warn().Msg("raw frame failed checksum validation, dropped")
		return
	}

	if e.sink != nil {
		e.sink.Tee(archive.Frame{ReceiveTimeNS: frame.ReceiveTimeNS, Bytes: frame.Bytes})
	}

	fields, err := e.parser.Parse(body)
	if err != nil {
		e.fieldExtractionFailures++
		e.log.Warn().Err(err).Msg("raw frame field extraction failed, forwarding undecodable body to log")
		// The body passed its checksum but can't be turned into an
		// envelope here. Publish it as-is (not schema-encoded) so the
		// hot/cold path consumers still see it on the log and route it
		// to their own DESERIALIZATION_ERROR DLQ path, rather than
		// silently losing a frame that was archived but never forwarded.
		if pubErr := e.producer.Publish(ctx, e.cfg.Topic, []byte(frame.GatewayID), body, nil); pubErr != nil {
			e.publishFailures++
			e.log.Error().Err(pubErr).Msg("failed to publish unparseable frame to durable log")
		}
		return
	}

	env := &domain.Envelope{
		ExecID:        fields.ExecID,
		OrderID:       fields.OrderID,
		ClientOrderID: fields.ClientOrderID,
		Symbol:        fields.Symbol,
		Side:          fields.Side,
		Quantity:      fields.Quantity,
		PriceMantissa: fields.PriceMantissa,
		PriceExponent: domain.PriceExponent,
		TraderID:      fields.TraderID,
		Account:       fields.Account,
		StrategyCode:  fields.StrategyCode,
		Exchange:      fields.Exchange,
		ReceiveTimeNS: frame.ReceiveTimeNS,
		GatewayTimeNS: fields.GatewayTimeNS,
		ExecTimeNS:    fields.ExecTimeNS,
		RawFrame:      frame.Bytes,
		GatewayID:     frame.GatewayID,
	}

	encoded, err := e.codec.Encode(e.cfg.SchemaSubject, env)
	if err != nil {
		e.log.Error().Err(err).Str("exec_id", env.ExecID).Msg("failed to encode envelope")
		return
	}

	if err := e.producer.Publish(ctx, e.cfg.Topic, []byte(env.Symbol), encoded, nil); err != nil {
		e.publishFailures++
		e.log.Error().Err(err).Str("exec_id", env.ExecID).Msg("failed to publish envelope to durable log")
	}
}

// validate strips and verifies the frame's leading 4-byte CRC32 checksum,
// returning the body if it matches.
func (e *Engine) validate(raw []byte) ([]byte, bool) {
	if len(raw) < 4 {
		return nil, false
	}
	want := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	body := raw[4:]
	got := crc32.ChecksumIEEE(body)
	if want != got {
		return nil, false
	}
	return body, true
}

// ChecksumFailures returns the number of frames dropped for failing
// checksum validation.
func (e *Engine) ChecksumFailures() int64 { return e.checksumFailures }

// FieldExtractionFailures returns the number of frames that passed
// checksum validation but could not be parsed into Fields (still
// archived and forwarded to the log for downstream DLQ handling).
func (e *Engine) FieldExtractionFailures() int64 { return e.fieldExtractionFailures }

// PublishFailures returns the number of frames that failed to publish to
// the durable log after passing validation.
func (e *Engine) PublishFailures() int64 { return e.publishFailures }

// FrameChecksum computes the checksum a producer of RawFrame.Bytes must
// prepend and returns the framed bytes: [crc32(body):4][body].
func FrameChecksum(body []byte) []byte {
	sum := crc32.ChecksumIEEE(body)
	out := make([]byte, 4+len(body))
	out[0] = byte(sum >> 24)
	out[1] = byte(sum >> 16)
	out[2] = byte(sum >> 8)
	out[3] = byte(sum)
	copy(out[4:], body)
	return out
}
