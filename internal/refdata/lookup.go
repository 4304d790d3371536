// Package refdata implements the cold path's read-through reference-data
// cache, fronting an externally-owned trader/security master. Grounded on
// the same mutex-guarded map pattern as the position store, with a
// deliberate negative-cache entry so a miss for a delisted symbol doesn't
// repeatedly fall through to the master.
package refdata

import (
	"context"
	"sync"
	"time"

	"github.com/rishav/eod-stream-engine/internal/domain"
)

// MasterDataSource is the abstract, externally-owned trader/security
// master this package reads through.
type MasterDataSource interface {
	LookupTrader(ctx context.Context, traderID string) (domain.TraderInfo, bool, error)
	LookupSecurity(ctx context.Context, symbol string) (domain.SecurityInfo, bool, error)
}

type traderCacheEntry struct {
	info      domain.TraderInfo
	found     bool
	expiresAt time.Time
}

type securityCacheEntry struct {
	info      domain.SecurityInfo
	found     bool
	expiresAt time.Time
}

// Config configures the lookup cache.
type Config struct {
	CacheSize       int
	NegativeCacheTTL time.Duration
}

// DefaultConfig matches the engine's reference-data configuration surface.
func DefaultConfig() Config {
	return Config{CacheSize: 10000, NegativeCacheTTL: 60 * time.Second}
}

// Lookup is a bounded, read-through cache in front of a MasterDataSource.
type Lookup struct {
	cfg    Config
	source MasterDataSource

	mu        sync.Mutex
	traders   map[string]traderCacheEntry
	securities map[string]securityCacheEntry
}

// New constructs a lookup cache backed by source.
func New(source MasterDataSource, cfg Config) *Lookup {
	return &Lookup{
		cfg:        cfg,
		source:     source,
		traders:    make(map[string]traderCacheEntry),
		securities: make(map[string]securityCacheEntry),
	}
}

// LookupTrader returns trader info for traderID. A miss never errors: the
// zero value is returned with found=false, and the negative result is
// cached for NegativeCacheTTL.
func (l *Lookup) LookupTrader(ctx context.Context, traderID string) (domain.TraderInfo, bool) {
	l.mu.Lock()
	if e, ok := l.traders[traderID]; ok && time.Now().Before(e.expiresAt) {
		l.mu.Unlock()
		return e.info, e.found
	}
	l.mu.Unlock()

	info, found, err := l.source.LookupTrader(ctx, traderID)
	if err != nil {
		return domain.TraderInfo{}, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictIfFullLocked(len(l.traders), true)
	ttl := time.Hour
	if !found {
		ttl = l.cfg.NegativeCacheTTL
	}
	l.traders[traderID] = traderCacheEntry{info: info, found: found, expiresAt: time.Now().Add(ttl)}
	return info, found
}

// LookupSecurity returns security info for symbol, same miss semantics as
// LookupTrader.
func (l *Lookup) LookupSecurity(ctx context.Context, symbol string) (domain.SecurityInfo, bool) {
	l.mu.Lock()
	if e, ok := l.securities[symbol]; ok && time.Now().Before(e.expiresAt) {
		l.mu.Unlock()
		return e.info, e.found
	}
	l.mu.Unlock()

	info, found, err := l.source.LookupSecurity(ctx, symbol)
	if err != nil {
		return domain.SecurityInfo{}, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictIfFullLocked(len(l.securities), false)
	ttl := time.Hour
	if !found {
		ttl = l.cfg.NegativeCacheTTL
	}
	l.securities[symbol] = securityCacheEntry{info: info, found: found, expiresAt: time.Now().Add(ttl)}
	return info, found
}

// evictIfFullLocked drops one arbitrary entry from the map being inserted
// into (traders when fromTraders, else securities) once that map reaches
// its configured size, as a cheap bound instead of full LRU bookkeeping:
// under lock contention this is rare enough (only on growth, not on every
// hit) that a strict LRU ordering isn't worth the extra list-splicing cost.
func (l *Lookup) evictIfFullLocked(size int, fromTraders bool) {
	if l.cfg.CacheSize <= 0 || size < l.cfg.CacheSize {
		return
	}
	if fromTraders {
		for k := range l.traders {
			delete(l.traders, k)
			break
		}
		return
	}
	for k := range l.securities {
		delete(l.securities, k)
		break
	}
}

// Enrich fills in whatever reference data can be resolved for env onto an
// EnrichedTrade. Missing fields are left zero-valued.
func (l *Lookup) Enrich(ctx context.Context, env domain.Envelope, nowNS int64) domain.EnrichedTrade {
	out := domain.EnrichedTrade{Envelope: env, EnrichmentTimeNS: nowNS}

	if trader, ok := l.LookupTrader(ctx, env.TraderID); ok {
		out.TraderName = trader.TraderName
		out.TraderMPID = trader.TraderMPID
		out.StrategyName = trader.StrategyName
	}
	if sec, ok := l.LookupSecurity(ctx, env.Symbol); ok {
		out.CUSIP = sec.CUSIP
		out.SEDOL = sec.SEDOL
		out.ISIN = sec.ISIN
		out.SecurityName = sec.SecurityName
		out.MIC = sec.MIC
	}
	return out
}
