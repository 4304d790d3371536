package hotpath

import (
	"context"
	"testing"
	"time"

	"github.com/rishav/eod-stream-engine/internal/codec"
	"github.com/rishav/eod-stream-engine/internal/dlq"
	"github.com/rishav/eod-stream-engine/internal/domain"
	"github.com/rishav/eod-stream-engine/internal/logfeed"
	"github.com/rishav/eod-stream-engine/internal/position"
	"github.com/rishav/eod-stream-engine/internal/pricecache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T) (*Engine, *logfeed.MemoryLog, *position.Store, context.Context, context.CancelFunc) {
	t.Helper()
	mem := logfeed.NewMemoryLog(4)
	c := codec.New(nil)
	router := dlq.New(mem.Producer(), "dlq", 100, zerolog.Nop())
	router.Start()
	t.Cleanup(router.Shutdown)

	store := position.New()
	prices := pricecache.New(nil, nil, nil, 10)

	cfg := DefaultConfig()
	cfg.CommitBatchSize = 1
	e := New(cfg, mem.ConsumerGroup("trades", "hotpath-test"), c, router, store, prices, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	return e, mem, store, ctx, cancel
}

func publishEnvelope(t *testing.T, mem *logfeed.MemoryLog, c *codec.Codec, env *domain.Envelope) {
	t.Helper()
	encoded, err := c.Encode("trade-envelope", env)
	require.NoError(t, err)
	require.NoError(t, mem.Producer().Publish(context.Background(), "trades", []byte(env.Symbol), encoded, nil))
}

func TestEngine_UpdatesPositionAndCommitsOffset(t *testing.T) {
	e, mem, store, ctx, cancel := newHarness(t)
	c := codec.New(nil)

	publishEnvelope(t, mem, c, &domain.Envelope{ExecID: "E1", TraderID: "T1", Symbol: "AAPL", Side: domain.SideBuy, Quantity: 100, PriceMantissa: 15000000000})

	go func() {
		_ = e.Run(ctx)
	}()
	defer cancel()

	require.Eventually(t, func() bool {
		pos, ok := store.Get("T1", "AAPL")
		return ok && pos.NetQuantity == 100
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		off, ok := mem.CommittedOffset("trades", 0)
		return ok && off >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_SellAgainstExistingPositionReducesQuantity(t *testing.T) {
	e, mem, store, ctx, cancel := newHarness(t)
	c := codec.New(nil)

	publishEnvelope(t, mem, c, &domain.Envelope{ExecID: "E1", TraderID: "T1", Symbol: "AAPL", Side: domain.SideBuy, Quantity: 100, PriceMantissa: 15000000000})
	publishEnvelope(t, mem, c, &domain.Envelope{ExecID: "E2", TraderID: "T1", Symbol: "AAPL", Side: domain.SideSell, Quantity: 40, PriceMantissa: 15100000000})

	go func() { _ = e.Run(ctx) }()
	defer cancel()

	require.Eventually(t, func() bool {
		pos, ok := store.Get("T1", "AAPL")
		return ok && pos.NetQuantity == 60
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_MissingTraderIDRoutesToDLQ(t *testing.T) {
	e, mem, _, ctx, cancel := newHarness(t)
	c := codec.New(nil)

	publishEnvelope(t, mem, c, &domain.Envelope{ExecID: "E1", TraderID: "", Symbol: "AAPL", Side: domain.SideBuy, Quantity: 10, PriceMantissa: 1})

	go func() { _ = e.Run(ctx) }()
	defer cancel()

	require.Eventually(t, func() bool { return mem.RecordCount("dlq") == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_UndecodablePayloadRoutesToDLQ(t *testing.T) {
	e, mem, _, ctx, cancel := newHarness(t)

	require.NoError(t, mem.Producer().Publish(context.Background(), "trades", []byte("AAPL"), []byte{0x01, 0x02}, nil))

	go func() { _ = e.Run(ctx) }()
	defer cancel()

	require.Eventually(t, func() bool { return mem.RecordCount("dlq") == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_PublishThrottleSuppressesRapidRepeats(t *testing.T) {
	e, mem, _, ctx, cancel := newHarness(t)
	c := codec.New(nil)

	sub := e.prices.Subscribe("T1")

	for i := 0; i < 5; i++ {
		publishEnvelope(t, mem, c, &domain.Envelope{ExecID: "E", TraderID: "T1", Symbol: "AAPL", Side: domain.SideBuy, Quantity: 1, PriceMantissa: 100})
	}

	go func() { _ = e.Run(ctx) }()
	defer cancel()

	time.Sleep(150 * time.Millisecond)

	count := 0
	draining := true
	for draining {
		select {
		case <-sub:
			count++
		default:
			draining = false
		}
	}
	assert.Less(t, count, 5)
}
