package coldpath

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rishav/eod-stream-engine/internal/codec"
	"github.com/rishav/eod-stream-engine/internal/dlq"
	"github.com/rishav/eod-stream-engine/internal/domain"
	"github.com/rishav/eod-stream-engine/internal/logfeed"
	"github.com/rishav/eod-stream-engine/internal/refdata"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu          sync.Mutex
	rows        map[string]domain.EnrichedTrade
	failBulkOnce bool
	bulkCalls   int
}

func newFakeStore() *fakeStore { return &fakeStore{rows: make(map[string]domain.EnrichedTrade)} }

func (s *fakeStore) BulkInsert(_ context.Context, trades []domain.EnrichedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkCalls++
	if s.failBulkOnce {
		s.failBulkOnce = false
		return ErrDuplicateKey
	}
	for _, t := range trades {
		if _, exists := s.rows[t.ExecID]; exists {
			return ErrDuplicateKey
		}
		s.rows[t.ExecID] = t
	}
	return nil
}

func (s *fakeStore) UpsertRow(_ context.Context, t domain.EnrichedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[t.ExecID]; exists {
		return nil
	}
	s.rows[t.ExecID] = t
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type nullSource struct{}

func (nullSource) LookupTrader(_ context.Context, _ string) (domain.TraderInfo, bool, error) {
	return domain.TraderInfo{}, false, nil
}
func (nullSource) LookupSecurity(_ context.Context, _ string) (domain.SecurityInfo, bool, error) {
	return domain.SecurityInfo{}, false, nil
}

func newColdHarness(t *testing.T, store RelationalStore, cfg Config) (*Engine, *logfeed.MemoryLog, context.Context, context.CancelFunc) {
	t.Helper()
	mem := logfeed.NewMemoryLog(4)
	c := codec.New(nil)
	router := dlq.New(mem.Producer(), "dlq", 100, zerolog.Nop())
	router.Start()
	t.Cleanup(router.Shutdown)
	lookup := refdata.New(nullSource{}, refdata.DefaultConfig())
	e := New(cfg, mem.ConsumerGroup("trades", "coldpath-test"), c, router, lookup, store, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	return e, mem, ctx, cancel
}

func publish(t *testing.T, mem *logfeed.MemoryLog, c *codec.Codec, env *domain.Envelope) {
	t.Helper()
	encoded, err := c.Encode("trade-envelope", env)
	require.NoError(t, err)
	require.NoError(t, mem.Producer().Publish(context.Background(), "trades", []byte(env.Symbol), encoded, nil))
}

func TestEngine_FlushesOnBatchSize(t *testing.T) {
	store := newFakeStore()
	cfg := DefaultConfig()
	cfg.BulkBatchSize = 2
	cfg.FlushInterval = time.Hour
	e, mem, ctx, cancel := newColdHarness(t, store, cfg)
	c := codec.New(nil)

	publish(t, mem, c, &domain.Envelope{ExecID: "E1", Symbol: "AAPL"})
	publish(t, mem, c, &domain.Envelope{ExecID: "E2", Symbol: "AAPL"})

	go func() { _ = e.Run(ctx) }()
	defer cancel()

	require.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		off, ok := mem.CommittedOffset("trades", 0)
		return ok && off >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_MissingExecIDRoutesToDLQAndCommits(t *testing.T) {
	store := newFakeStore()
	e, mem, ctx, cancel := newColdHarness(t, store, DefaultConfig())
	c := codec.New(nil)

	publish(t, mem, c, &domain.Envelope{ExecID: "", Symbol: "AAPL"})

	go func() { _ = e.Run(ctx) }()
	defer cancel()

	require.Eventually(t, func() bool { return mem.RecordCount("dlq") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, store.count())
}

func TestEngine_DuplicateKeyFallsBackToRowByRowUpsert(t *testing.T) {
	store := newFakeStore()
	store.failBulkOnce = true
	cfg := DefaultConfig()
	cfg.BulkBatchSize = 2
	cfg.FlushInterval = time.Hour
	e, mem, ctx, cancel := newColdHarness(t, store, cfg)
	c := codec.New(nil)

	publish(t, mem, c, &domain.Envelope{ExecID: "E1", Symbol: "AAPL"})
	publish(t, mem, c, &domain.Envelope{ExecID: "E2", Symbol: "AAPL"})

	go func() { _ = e.Run(ctx) }()
	defer cancel()

	require.Eventually(t, func() bool { return e.RowFallbackCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestEngine_FlushesOnInterval(t *testing.T) {
	store := newFakeStore()
	cfg := DefaultConfig()
	cfg.BulkBatchSize = 1000
	cfg.FlushInterval = 30 * time.Millisecond
	e, mem, ctx, cancel := newColdHarness(t, store, cfg)
	c := codec.New(nil)

	publish(t, mem, c, &domain.Envelope{ExecID: "E1", Symbol: "AAPL"})

	go func() { _ = e.Run(ctx) }()
	defer cancel()

	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 5*time.Millisecond)
}
