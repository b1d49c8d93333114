package price

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
)

// cacheSize bounds the number of distinct pairs kept in memory.
const cacheSize = 256

// Cache memoizes successful lookups of the wrapped provider for ttl.
type Cache struct {
	next    Provider
	entries *expirable.LRU[string, decimal.Decimal]
}

func NewCache(next Provider, ttl time.Duration) *Cache {
	return &Cache{next: next, entries: expirable.NewLRU[string, decimal.Decimal](cacheSize, nil, ttl)}
}

func (c *Cache) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	key := from + "/" + to
	if rate, ok := c.entries.Get(key); ok {
		return rate, nil
	}
	rate, err := c.next.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	c.entries.Add(key, rate)
	return rate, nil
}
