package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// GiftStore is durable keyed storage for gifts. It holds no business rules
// beyond the atomicity of each call.
type GiftStore interface {
	// Create inserts g with status pending_payment. It returns
	// ErrAlreadyExists when g.IdempotencyKey is taken.
	Create(ctx context.Context, g Gift) (Gift, error)
	Get(ctx context.Context, id string) (Gift, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Gift, error)
	// Update writes non-status fields in one atomic operation.
	Update(ctx context.Context, id string, upd GiftUpdate) (Gift, error)
	// Transition moves the gift from -> to together with upd, only if the
	// stored status still equals from. A mismatch yields ErrStatusConflict.
	// Any held lease is released.
	Transition(ctx context.Context, id string, from, to GiftStatus, upd GiftUpdate) (Gift, error)
	// AcquireLease marks the gift in-flight for ttl if it is in status and no
	// live lease exists. It returns ErrLeaseHeld or ErrStatusConflict.
	AcquireLease(ctx context.Context, id string, status GiftStatus, token string, ttl time.Duration) (Gift, error)
	ReleaseLease(ctx context.Context, id, token string) error

	ListByRecipientContact(ctx context.Context, contact string, opts ListOpts) ([]Gift, error)
	ListBySender(ctx context.Context, senderID string, opts ListOpts) ([]Gift, error)
	ListByRecipientIdentity(ctx context.Context, identityID string, opts ListOpts) ([]Gift, error)
	// ListStale returns gifts in status last updated before cutoff whose lease
	// has lapsed.
	ListStale(ctx context.Context, status GiftStatus, before time.Time, limit int) ([]Gift, error)
	// ListArchivable returns terminal or claimed gifts created before cutoff
	// that have not been exported yet.
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]Gift, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	// ListForGift returns the entries whose detail carries gift_id, oldest
	// first.
	ListForGift(ctx context.Context, giftID string) ([]AuditEntry, error)
}
