package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// InlineDispatcher runs each purchase on its own goroutine in this process.
// Bind must be called before the first dispatch.
type InlineDispatcher struct {
	base   context.Context
	logger *slog.Logger

	mu        sync.Mutex
	purchaser Purchaser
	running   map[string]bool
	wg        sync.WaitGroup
}

var _ domain.PurchaseDispatcher = (*InlineDispatcher)(nil)

// NewInlineDispatcher creates a dispatcher whose tasks run under base.
func NewInlineDispatcher(base context.Context, logger *slog.Logger) *InlineDispatcher {
	return &InlineDispatcher{
		base:    base,
		logger:  logger.With(slog.String("component", "inline-dispatcher")),
		running: make(map[string]bool),
	}
}

// Bind sets the purchaser tasks are handed to.
func (d *InlineDispatcher) Bind(p Purchaser) {
	d.mu.Lock()
	d.purchaser = p
	d.mu.Unlock()
}

// DispatchPurchase starts the purchase unless one for giftID is running.
func (d *InlineDispatcher) DispatchPurchase(_ context.Context, giftID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.purchaser == nil {
		return errors.New("queue: inline dispatcher has no purchaser")
	}
	if d.running[giftID] {
		return nil
	}
	d.running[giftID] = true
	p := d.purchaser

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.running, giftID)
			d.mu.Unlock()
		}()

		if err := p.Purchase(d.base, giftID); err != nil && !errors.Is(err, domain.ErrLeaseHeld) {
			d.logger.Error("purchase task failed",
				slog.String("gift_id", giftID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Wait blocks until every dispatched task has returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
