package pricecache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rishav/eod-stream-engine/internal/domain"
)

// RedisSideCache implements SideCache against go-redis/v9. Scalars are
// stored as "<mantissa>:<source>" under a per-symbol key; snapshots are
// published (JSON-encoded) on the pnl-updates:<trader_id> channel.
type RedisSideCache struct {
	client *redis.Client
	prefix string
}

// NewRedisSideCache wraps client; prefix namespaces keys (e.g. "mark:").
func NewRedisSideCache(client *redis.Client, prefix string) *RedisSideCache {
	if prefix == "" {
		prefix = "mark:"
	}
	return &RedisSideCache{client: client, prefix: prefix}
}

func (r *RedisSideCache) key(symbol string) string {
	return r.prefix + symbol
}

func (r *RedisSideCache) Get(ctx context.Context, symbol string) (int64, domain.MarkSource, bool, error) {
	val, err := r.client.Get(ctx, r.key(symbol)).Result()
	if err == redis.Nil {
		return 0, domain.MarkUnknown, false, nil
	}
	if err != nil {
		return 0, domain.MarkUnknown, false, fmt.Errorf("pricecache: redis get: %w", err)
	}

	parts := strings.SplitN(val, ":", 2)
	if len(parts) != 2 {
		return 0, domain.MarkUnknown, false, fmt.Errorf("pricecache: malformed cache entry %q", val)
	}
	mantissa, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, domain.MarkUnknown, false, fmt.Errorf("pricecache: malformed mantissa: %w", err)
	}
	sourceVal, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, domain.MarkUnknown, false, fmt.Errorf("pricecache: malformed source: %w", err)
	}
	return mantissa, domain.MarkSource(sourceVal), true, nil
}

func (r *RedisSideCache) Set(ctx context.Context, symbol string, priceMantissa int64, source domain.MarkSource) error {
	val := fmt.Sprintf("%d:%d", priceMantissa, int(source))
	if err := r.client.Set(ctx, r.key(symbol), val, 0).Err(); err != nil {
		return fmt.Errorf("pricecache: redis set: %w", err)
	}
	return nil
}

func (r *RedisSideCache) PublishSnapshot(ctx context.Context, traderID string, snapshot domain.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("pricecache: marshal snapshot: %w", err)
	}
	channel := "pnl-updates:" + traderID
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("pricecache: redis publish: %w", err)
	}
	return nil
}
