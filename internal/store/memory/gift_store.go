// Package memory implements the domain stores in process memory. It backs demo
// mode and tests and follows the same atomicity rules as the Postgres stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// GiftStore implements domain.GiftStore with a mutex-guarded map.
type GiftStore struct {
	mu    sync.Mutex
	gifts map[string]domain.Gift
	byKey map[string]string
	now   func() time.Time
}

var _ domain.GiftStore = (*GiftStore)(nil)

// NewGiftStore creates an empty store.
func NewGiftStore() *GiftStore {
	return &GiftStore{
		gifts: make(map[string]domain.Gift),
		byKey: make(map[string]string),
		now:   time.Now,
	}
}

// Create inserts g as pending_payment.
func (s *GiftStore) Create(_ context.Context, g domain.Gift) (domain.Gift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.IdempotencyKey != "" {
		if _, ok := s.byKey[g.IdempotencyKey]; ok {
			return domain.Gift{}, fmt.Errorf("memory: create gift %s: %w", g.IdempotencyKey, domain.ErrAlreadyExists)
		}
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if _, ok := s.gifts[g.ID]; ok {
		return domain.Gift{}, fmt.Errorf("memory: create gift %s: %w", g.ID, domain.ErrAlreadyExists)
	}

	now := s.now().UTC()
	g.Status = domain.GiftStatusPendingPayment
	g.CreatedAt = now
	g.UpdatedAt = now
	g.LeaseToken = ""
	g.LeaseUntil = nil

	s.gifts[g.ID] = g
	if g.IdempotencyKey != "" {
		s.byKey[g.IdempotencyKey] = g.ID
	}
	return g, nil
}

// Get returns the gift with the given id.
func (s *GiftStore) Get(_ context.Context, id string) (domain.Gift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gifts[id]
	if !ok {
		return domain.Gift{}, fmt.Errorf("memory: get gift %s: %w", id, domain.ErrNotFound)
	}
	return g, nil
}

// GetByIdempotencyKey returns the gift created for key.
func (s *GiftStore) GetByIdempotencyKey(_ context.Context, key string) (domain.Gift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[key]
	if !ok {
		return domain.Gift{}, fmt.Errorf("memory: get gift by key %s: %w", key, domain.ErrNotFound)
	}
	return s.gifts[id], nil
}

// Update applies upd without touching status.
func (s *GiftStore) Update(_ context.Context, id string, upd domain.GiftUpdate) (domain.Gift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gifts[id]
	if !ok {
		return domain.Gift{}, fmt.Errorf("memory: update gift %s: %w", id, domain.ErrNotFound)
	}
	upd.Apply(&g)
	g.UpdatedAt = s.now().UTC()
	s.gifts[id] = g
	return g, nil
}

// Transition moves the gift from -> to when the stored status still matches.
func (s *GiftStore) Transition(_ context.Context, id string, from, to domain.GiftStatus, upd domain.GiftUpdate) (domain.Gift, error) {
	if !domain.CanTransition(from, to) {
		return domain.Gift{}, fmt.Errorf("memory: transition gift %s %s->%s: %w", id, from, to, domain.ErrStatusConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gifts[id]
	if !ok {
		return domain.Gift{}, fmt.Errorf("memory: transition gift %s: %w", id, domain.ErrNotFound)
	}
	if g.Status != from {
		return domain.Gift{}, fmt.Errorf("memory: transition gift %s %s->%s (stored %s): %w",
			id, from, to, g.Status, domain.ErrStatusConflict)
	}

	upd.Apply(&g)
	g.Status = to
	g.LeaseToken = ""
	g.LeaseUntil = nil
	g.UpdatedAt = s.now().UTC()
	s.gifts[id] = g
	return g, nil
}

// AcquireLease marks the gift in-flight until now+ttl.
func (s *GiftStore) AcquireLease(_ context.Context, id string, status domain.GiftStatus, token string, ttl time.Duration) (domain.Gift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gifts[id]
	if !ok {
		return domain.Gift{}, fmt.Errorf("memory: acquire lease %s: %w", id, domain.ErrNotFound)
	}
	if g.Status != status {
		return domain.Gift{}, fmt.Errorf("memory: acquire lease %s (stored %s): %w", id, g.Status, domain.ErrStatusConflict)
	}
	now := s.now().UTC()
	if g.Leased(now) && g.LeaseToken != token {
		return domain.Gift{}, fmt.Errorf("memory: acquire lease %s: %w", id, domain.ErrLeaseHeld)
	}

	until := now.Add(ttl)
	g.LeaseToken = token
	g.LeaseUntil = &until
	s.gifts[id] = g
	return g, nil
}

// ReleaseLease drops the lease if token still owns it.
func (s *GiftStore) ReleaseLease(_ context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gifts[id]
	if !ok {
		return fmt.Errorf("memory: release lease %s: %w", id, domain.ErrNotFound)
	}
	if g.LeaseToken != token {
		return nil
	}
	g.LeaseToken = ""
	g.LeaseUntil = nil
	s.gifts[id] = g
	return nil
}

// ListByRecipientContact returns gifts addressed to contact, newest first.
func (s *GiftStore) ListByRecipientContact(_ context.Context, contact string, opts domain.ListOpts) ([]domain.Gift, error) {
	return s.list(opts, func(g domain.Gift) bool { return g.RecipientContact == contact }), nil
}

// ListBySender returns gifts bought by senderID, newest first.
func (s *GiftStore) ListBySender(_ context.Context, senderID string, opts domain.ListOpts) ([]domain.Gift, error) {
	return s.list(opts, func(g domain.Gift) bool { return g.SenderID == senderID }), nil
}

// ListByRecipientIdentity returns gifts claimed by identityID, newest first.
func (s *GiftStore) ListByRecipientIdentity(_ context.Context, identityID string, opts domain.ListOpts) ([]domain.Gift, error) {
	return s.list(opts, func(g domain.Gift) bool { return g.RecipientIdentity == identityID }), nil
}

// ListStale returns unleased gifts in status not updated since before.
func (s *GiftStore) ListStale(_ context.Context, status domain.GiftStatus, before time.Time, limit int) ([]domain.Gift, error) {
	now := s.now().UTC()
	out := s.list(domain.ListOpts{}, func(g domain.Gift) bool {
		return g.Status == status && g.UpdatedAt.Before(before) && !g.Leased(now)
	})
	sortOldestFirst(out)
	return truncate(out, limit), nil
}

// ListArchivable returns claimed or expired gifts created before cutoff that
// have not been archived.
func (s *GiftStore) ListArchivable(_ context.Context, before time.Time, limit int) ([]domain.Gift, error) {
	out := s.list(domain.ListOpts{}, func(g domain.Gift) bool {
		return g.ArchivedAt == nil && g.CreatedAt.Before(before) &&
			(g.Status == domain.GiftStatusClaimed || g.Status == domain.GiftStatusExpired)
	})
	sortOldestFirst(out)
	return truncate(out, limit), nil
}

// MarkArchived stamps the given gifts as exported.
func (s *GiftStore) MarkArchived(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		g, ok := s.gifts[id]
		if !ok {
			continue
		}
		t := at.UTC()
		g.ArchivedAt = &t
		s.gifts[id] = g
	}
	return nil
}

func (s *GiftStore) list(opts domain.ListOpts, match func(domain.Gift) bool) []domain.Gift {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Gift, 0)
	for _, g := range s.gifts {
		if !match(g) {
			continue
		}
		if opts.Since != nil && g.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && g.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return out[:0]
		}
		out = out[opts.Offset:]
	}
	return truncate(out, opts.Limit)
}

func sortOldestFirst(gs []domain.Gift) {
	sort.Slice(gs, func(i, j int) bool { return gs[i].CreatedAt.Before(gs[j].CreatedAt) })
}

func truncate(gs []domain.Gift, limit int) []domain.Gift {
	if limit > 0 && len(gs) > limit {
		return gs[:limit]
	}
	return gs
}
