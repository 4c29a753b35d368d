package dflow

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// CachedResolver fronts a MarketResolver with an in-process TTL cache. Outcome
// mints never change for a market, so only lookup failures bypass the cache.
type CachedResolver struct {
	next  domain.MarketResolver
	cache *gocache.Cache
}

var _ domain.MarketResolver = (*CachedResolver)(nil)

// NewCachedResolver wraps next. A non-positive ttl falls back to ten minutes.
func NewCachedResolver(next domain.MarketResolver, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedResolver{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// OutcomeMints returns the cached mints for ticker, resolving on a miss.
func (r *CachedResolver) OutcomeMints(ctx context.Context, ticker string) (domain.MarketMints, error) {
	if v, ok := r.cache.Get(ticker); ok {
		return v.(domain.MarketMints), nil
	}

	m, err := r.next.OutcomeMints(ctx, ticker)
	if err != nil {
		return domain.MarketMints{}, err
	}
	r.cache.SetDefault(ticker, m)
	return m, nil
}
