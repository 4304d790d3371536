package ingest

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/rishav/eod-stream-engine/internal/archive"
	"github.com/rishav/eod-stream-engine/internal/breaker"
	"github.com/rishav/eod-stream-engine/internal/codec"
	"github.com/rishav/eod-stream-engine/internal/domain"
	"github.com/rishav/eod-stream-engine/internal/logfeed"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedParser is a test Parser over a tiny fixed-width test wire format:
// [symbol_len:1][symbol][trader_len:1][trader][side:1][qty:8][price:8].
type fixedParser struct{}

func encodeTestBody(symbol, trader string, side domain.Side, qty, price int64) []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, byte(len(symbol)))
	buf = append(buf, symbol...)
	buf = append(buf, byte(len(trader)))
	buf = append(buf, trader...)
	buf = append(buf, byte(side))
	var q, p [8]byte
	binary.BigEndian.PutUint64(q[:], uint64(qty))
	binary.BigEndian.PutUint64(p[:], uint64(price))
	buf = append(buf, q[:]...)
	buf = append(buf, p[:]...)
	return buf
}

func (fixedParser) Parse(body []byte) (Fields, error) {
	if len(body) == 1 && body[0] == 0xFF {
		return Fields{}, fmt.Errorf("fixedParser: poison body")
	}
	i := 0
	symLen := int(body[i])
	i++
	symbol := string(body[i : i+symLen])
	i += symLen
	trLen := int(body[i])
	i++
	trader := string(body[i : i+trLen])
	i += trLen
	side := domain.Side(body[i])
	i++
	qty := int64(binary.BigEndian.Uint64(body[i : i+8]))
	i += 8
	price := int64(binary.BigEndian.Uint64(body[i : i+8]))
	return Fields{Symbol: symbol, TraderID: trader, Side: side, Quantity: qty, PriceMantissa: price, ExecID: "E1"}, nil
}

func newTestEngine(t *testing.T) (*Engine, *logfeed.MemoryLog) {
	t.Helper()
	mem := logfeed.NewMemoryLog(4)
	c := codec.New(nil)
	cfg := DefaultConfig()
	e := New(cfg, fixedParser{}, mem.Producer(), nil, c, zerolog.Nop())
	return e, mem
}

func TestEngine_ValidFramePublishesEnvelope(t *testing.T) {
	e, mem := newTestEngine(t)
	go e.Run(context.Background())
	defer e.Close()

	body := encodeTestBody("AAPL", "T1", domain.SideBuy, 100, 15000000000)
	frame := RawFrame{ReceiveTimeNS: 1, GatewayID: "gw1", Bytes: FrameChecksum(body)}

	require.NoError(t, e.Submit(context.Background(), frame))

	require.Eventually(t, func() bool { return mem.RecordCount("trades") == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_ChecksumMismatchDropsFrame(t *testing.T) {
	e, mem := newTestEngine(t)
	go e.Run(context.Background())
	defer e.Close()

	body := encodeTestBody("AAPL", "T1", domain.SideBuy, 100, 15000000000)
	raw := FrameChecksum(body)
	raw[len(raw)-1] ^= 0xFF // corrupt a body byte so checksum fails

	require.NoError(t, e.Submit(context.Background(), RawFrame{Bytes: raw}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, mem.RecordCount("trades"))
	assert.Equal(t, int64(1), e.ChecksumFailures())
}

func TestEngine_TeesToArchivalSink(t *testing.T) {
	mem := logfeed.NewMemoryLog(4)
	c := codec.New(nil)
	store := archive.NewMemoryStore()
	cb := breaker.New(breaker.DefaultConfig("ingest_test_archive"))
	sinkCfg := archive.Config{HostID: "h1", Bucket: "b", BufferSize: 1, FlushInterval: time.Hour, QueueCapacity: 10}
	sink := archive.New(sinkCfg, store, cb, zerolog.Nop())
	sink.Start()
	defer sink.Shutdown()

	e := New(DefaultConfig(), fixedParser{}, mem.Producer(), sink, c, zerolog.Nop())
	go e.Run(context.Background())
	defer e.Close()

	body := encodeTestBody("MSFT", "T2", domain.SideSell, 50, 30000000000)
	require.NoError(t, e.Submit(context.Background(), RawFrame{ReceiveTimeNS: 2, Bytes: FrameChecksum(body)}))

	require.Eventually(t, func() bool { return sink.FlushedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_FieldExtractionFailureForwardsUndecodableBody(t *testing.T) {
	e, mem := newTestEngine(t)
	go e.Run(context.Background())
	defer e.Close()

	poisonBody := []byte{0xFF}
	require.NoError(t, e.Submit(context.Background(), RawFrame{GatewayID: "gw1", Bytes: FrameChecksum(poisonBody)}))

	require.Eventually(t, func() bool { return mem.RecordCount("trades") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), e.FieldExtractionFailures())
	assert.Equal(t, int64(0), e.ChecksumFailures())

	// The forwarded payload isn't a valid envelope; a downstream codec
	// decode must fail so the record routes to DESERIALIZATION_ERROR.
	recs, err := mem.ConsumerGroup("trades", "test-consumer").Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	_, decodeErr := codec.New(nil).Decode(recs[0].Value)
	assert.Error(t, decodeErr)
}

func TestEngine_PartitionsByCanonicalSymbolKey(t *testing.T) {
	e, mem := newTestEngine(t)
	go e.Run(context.Background())
	defer e.Close()

	body := encodeTestBody("GOOG", "T3", domain.SideBuy, 10, 1000000000000)
	require.NoError(t, e.Submit(context.Background(), RawFrame{Bytes: FrameChecksum(body)}))

	require.Eventually(t, func() bool { return mem.RecordCount("trades") == 1 }, time.Second, 5*time.Millisecond)

	recs, err := mem.ConsumerGroup("trades", "test-consumer").Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("GOOG"), recs[0].Key)
}
