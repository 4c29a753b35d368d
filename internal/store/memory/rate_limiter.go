package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// RateLimiter implements domain.RateLimiter with fixed windows counted in
// an expiring cache. It is coarser than the Redis sliding window and only
// used when running without Redis.
type RateLimiter struct {
	mu      sync.Mutex
	windows *gocache.Cache
	now     func() time.Time
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: gocache.New(gocache.NoExpiration, time.Minute),
		now:     time.Now,
	}
}

// Allow counts the request and reports whether key stayed within limit
// requests in the current window.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, nil
	}
	bucket := rl.now().UnixNano() / int64(window)
	k := key + ":" + strconv.FormatInt(bucket, 10)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if _, ok := rl.windows.Get(k); !ok {
		rl.windows.Set(k, 0, window)
	}
	n, err := rl.windows.IncrementInt(k, 1)
	if err != nil {
		return false, err
	}
	return n <= limit, nil
}
