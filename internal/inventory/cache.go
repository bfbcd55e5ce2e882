package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-venue-timers/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// RedisStockCache keeps StockView results under stock:branch:{branch}.
type RedisStockCache struct {
	Redis redis.Cmdable
}

func (c *RedisStockCache) Get(ctx context.Context, branch string) ([]StockRow, bool, error) {
	b, err := c.Redis.Get(ctx, fmt.Sprintf(redisx.KeyStockBranch, branch)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rows []StockRow
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

func (c *RedisStockCache) Put(ctx context.Context, branch string, rows []StockRow) error {
	b, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return c.Redis.Set(ctx, fmt.Sprintf(redisx.KeyStockBranch, branch), b, redisx.TTLStockView).Err()
}

// Invalidate drops the branch view, then every stock view (cross-branch
// listings are cached under the same prefix).
func (c *RedisStockCache) Invalidate(ctx context.Context, branch string) error {
	if err := c.Redis.Del(ctx, fmt.Sprintf(redisx.KeyStockBranch, branch)).Err(); err != nil {
		return err
	}
	_, err := redisx.DeleteMatching(ctx, c.Redis, redisx.PatternStockAll)
	return err
}
