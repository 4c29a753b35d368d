package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// LockManager implements domain.LockManager for a single process. Keys
// expire after their TTL like the Redis locks do.
type LockManager struct {
	locks *gocache.Cache
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{locks: gocache.New(gocache.NoExpiration, time.Minute)}
}

// Acquire takes key for ttl. It returns domain.ErrLockHeld while another
// holder's lock is live. The returned unlock is idempotent and never
// releases a lock re-acquired by someone else after expiry.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	if err := lm.locks.Add(key, token, ttl); err != nil {
		return nil, fmt.Errorf("memory: acquire lock %s: %w", key, domain.ErrLockHeld)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if v, ok := lm.locks.Get(key); ok && v.(string) == token {
			lm.locks.Delete(key)
		}
	}, nil
}
