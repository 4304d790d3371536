package refdata

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rishav/eod-stream-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	traderCalls   atomic.Int64
	securityCalls atomic.Int64
	traders       map[string]domain.TraderInfo
	securities    map[string]domain.SecurityInfo
}

func (c *countingSource) LookupTrader(_ context.Context, traderID string) (domain.TraderInfo, bool, error) {
	c.traderCalls.Add(1)
	info, ok := c.traders[traderID]
	return info, ok, nil
}

func (c *countingSource) LookupSecurity(_ context.Context, symbol string) (domain.SecurityInfo, bool, error) {
	c.securityCalls.Add(1)
	info, ok := c.securities[symbol]
	return info, ok, nil
}

func TestLookup_CachesHits(t *testing.T) {
	src := &countingSource{traders: map[string]domain.TraderInfo{"T1": {TraderID: "T1", TraderName: "Alice"}}}
	l := New(src, DefaultConfig())

	info, ok := l.LookupTrader(context.Background(), "T1")
	require.True(t, ok)
	assert.Equal(t, "Alice", info.TraderName)

	_, _ = l.LookupTrader(context.Background(), "T1")
	assert.Equal(t, int64(1), src.traderCalls.Load())
}

func TestLookup_MissNeverErrorsAndIsNegativeCached(t *testing.T) {
	src := &countingSource{traders: map[string]domain.TraderInfo{}}
	cfg := Config{CacheSize: 100, NegativeCacheTTL: time.Hour}
	l := New(src, cfg)

	_, ok := l.LookupTrader(context.Background(), "GHOST")
	assert.False(t, ok)

	_, ok = l.LookupTrader(context.Background(), "GHOST")
	assert.False(t, ok)
	assert.Equal(t, int64(1), src.traderCalls.Load())
}

func TestLookup_EnrichFillsWhatItCan(t *testing.T) {
	src := &countingSource{
		traders:    map[string]domain.TraderInfo{"T1": {TraderID: "T1", TraderName: "Alice"}},
		securities: map[string]domain.SecurityInfo{"AAPL": {Symbol: "AAPL", CUSIP: "037833100"}},
	}
	l := New(src, DefaultConfig())

	env := domain.Envelope{ExecID: "E1", TraderID: "T1", Symbol: "AAPL"}
	enriched := l.Enrich(context.Background(), env, 123)

	assert.Equal(t, "Alice", enriched.TraderName)
	assert.Equal(t, "037833100", enriched.CUSIP)
	assert.Equal(t, int64(123), enriched.EnrichmentTimeNS)
}

func TestLookup_EnrichMissingTraderLeavesFieldsBlankNotError(t *testing.T) {
	src := &countingSource{securities: map[string]domain.SecurityInfo{"AAPL": {Symbol: "AAPL"}}}
	l := New(src, DefaultConfig())

	env := domain.Envelope{ExecID: "E1", TraderID: "GHOST", Symbol: "AAPL"}
	enriched := l.Enrich(context.Background(), env, 0)
	assert.Empty(t, enriched.TraderName)
	assert.Equal(t, "E1", enriched.ExecID)
}
