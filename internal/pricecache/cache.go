// Package pricecache implements the per-symbol mark-price waterfall: a
// local, lock-protected cache fronting an abstract side cache, with
// strict source-priority so a lower-priority update never overwrites a
// fresher higher-priority one. Fan-out to local subscribers is grounded on
// the teacher's market-data publisher (non-blocking send-or-drop channels).
package pricecache

import (
	"context"
	"sync"
	"time"

	"github.com/rishav/eod-stream-engine/internal/breaker"
	"github.com/rishav/eod-stream-engine/internal/domain"
)

// SideCache is the abstract side-cache contract this package drives; the
// redis adapter in pricecache/redis.go implements it against go-redis/v9.
type SideCache interface {
	Get(ctx context.Context, symbol string) (priceMantissa int64, source domain.MarkSource, ok bool, err error)
	Set(ctx context.Context, symbol string, priceMantissa int64, source domain.MarkSource) error
	PublishSnapshot(ctx context.Context, traderID string, snapshot domain.Snapshot) error
}

type entry struct {
	priceMantissa int64
	source        domain.MarkSource
	cachedAt      time.Time
}

// CacheExpiry is how long a locally-cached mark is considered fresh before
// GetMark attempts a side-cache refresh.
const CacheExpiry = 5 * time.Second

// Cache maintains the local mark-price waterfall and drives the side
// cache through query/publish circuit breakers.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	side        SideCache
	queryBreak  *breaker.Breaker
	publishBreak *breaker.Breaker

	subMu sync.RWMutex
	subs  map[string][]chan domain.Snapshot
	bufferSize int
}

// New constructs a waterfall cache backed by side (may be nil to run
// purely in local-cache mode, e.g. unit tests of GetMarkFast/SetPrice).
func New(side SideCache, queryBreak, publishBreak *breaker.Breaker, bufferSize int) *Cache {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Cache{
		entries:      make(map[string]entry),
		side:         side,
		queryBreak:   queryBreak,
		publishBreak: publishBreak,
		subs:         make(map[string][]chan domain.Snapshot),
		bufferSize:   bufferSize,
	}
}

// GetMarkFast returns the local cache value for symbol without ever
// touching the side cache. Used on the hot path's critical section.
func (c *Cache) GetMarkFast(symbol string) (int64, domain.MarkSource) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	if !ok {
		return 0, domain.MarkUnknown
	}
	return e.priceMantissa, e.source
}

// GetMark returns a fresh mark, attempting a side-cache refresh through
// the query breaker if the local entry has expired. On breaker-open or
// query failure it falls back to the stale local value, tagged stale
// without discarding the source that produced it: the returned source is
// still whichever tier (OFFICIAL/LTP/MID) last set the entry, with stale
// reported separately, conveying the "<source>-STALE" intent without
// collapsing it onto the single MarkStale enum value.
func (c *Cache) GetMark(ctx context.Context, symbol string) (priceMantissa int64, source domain.MarkSource, stale bool) {
	c.mu.RLock()
	e, ok := c.entries[symbol]
	c.mu.RUnlock()

	if ok && time.Since(e.cachedAt) < CacheExpiry {
		return e.priceMantissa, e.source, false
	}

	if c.side != nil && c.queryBreak != nil {
		var price int64
		var refreshedSource domain.MarkSource
		var found bool
		err := c.queryBreak.Execute(func() error {
			p, s, f, err := c.side.Get(ctx, symbol)
			price, refreshedSource, found = p, s, f
			return err
		})
		if err == nil && found {
			c.mu.Lock()
			c.entries[symbol] = entry{priceMantissa: price, source: refreshedSource, cachedAt: time.Now()}
			c.mu.Unlock()
			return price, refreshedSource, false
		}
	}

	if ok {
		return e.priceMantissa, e.source, true
	}
	return 0, domain.MarkUnknown, false
}

// SetPrice writes the local cache (always) and fire-and-forgets a side
// cache write through the publish breaker. Strict priority is enforced: a
// lower-priority write never overwrites a fresher higher-priority entry.
func (c *Cache) SetPrice(ctx context.Context, symbol string, source domain.MarkSource, priceMantissa int64) {
	c.mu.Lock()
	existing, ok := c.entries[symbol]
	if ok && time.Since(existing.cachedAt) < CacheExpiry && existing.source.Priority() > source.Priority() {
		c.mu.Unlock()
		return
	}
	c.entries[symbol] = entry{priceMantissa: priceMantissa, source: source, cachedAt: time.Now()}
	c.mu.Unlock()

	if c.side != nil && c.publishBreak != nil {
		go func() {
			_ = c.publishBreak.Execute(func() error {
				return c.side.Set(ctx, symbol, priceMantissa, source)
			})
		}()
	}
}

// PublishSnapshot fans a snapshot out to local subscribers (non-blocking
// send-or-drop, same pattern as the teacher's market-data publisher) and
// fire-and-forgets it to the side cache through the publish breaker.
func (c *Cache) PublishSnapshot(ctx context.Context, snapshot domain.Snapshot) {
	c.subMu.RLock()
	for _, ch := range c.subs[snapshot.TraderID] {
		select {
		case ch <- snapshot:
		default:
		}
	}
	c.subMu.RUnlock()

	if c.side != nil && c.publishBreak != nil {
		_ = c.publishBreak.Execute(func() error {
			return c.side.PublishSnapshot(ctx, snapshot.TraderID, snapshot)
		})
	}
}

// Subscribe returns a channel of snapshots for traderID's own updates.
func (c *Cache) Subscribe(traderID string) <-chan domain.Snapshot {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	ch := make(chan domain.Snapshot, c.bufferSize)
	c.subs[traderID] = append(c.subs[traderID], ch)
	return ch
}
