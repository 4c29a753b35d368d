package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// HandlePaymentConfirmed creates the gift for a verified payment and
// schedules its purchase. Repeated deliveries of the same session return
// the existing gift with created false.
func (o *Orchestrator) HandlePaymentConfirmed(ctx context.Context, evt domain.PaymentEvent) (domain.Gift, bool, error) {
	key := evt.IdempotencyKey()

	existing, err := o.gifts.GetByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		o.logger.InfoContext(ctx, "duplicate payment event",
			slog.String("session_id", evt.SessionID),
			slog.String("gift_id", existing.ID),
			slog.String("status", string(existing.Status)),
		)
		return existing, false, o.redispatch(ctx, existing)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Gift{}, false, fmt.Errorf("fulfillment: look up payment %s: %w", evt.SessionID, err)
	}

	g, err := o.gifts.Create(ctx, domain.Gift{
		IdempotencyKey:   key,
		MarketTicker:     evt.MarketTicker,
		MarketTitle:      evt.MarketTitle,
		Side:             evt.Side,
		CostUSDC:         evt.AmountUSDC,
		RequestedShares:  evt.Shares,
		SenderID:         evt.SenderID,
		SenderEmail:      evt.SenderEmail,
		RecipientContact: evt.RecipientContact,
		RecipientName:    evt.RecipientName,
		GiftMessage:      evt.GiftMessage,
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		// Lost the race against a concurrent delivery of the same session.
		existing, gerr := o.gifts.GetByIdempotencyKey(ctx, key)
		if gerr != nil {
			return domain.Gift{}, false, fmt.Errorf("fulfillment: reload gift for %s: %w", evt.SessionID, gerr)
		}
		return existing, false, nil
	}
	if err != nil {
		return domain.Gift{}, false, fmt.Errorf("fulfillment: create gift for %s: %w", evt.SessionID, err)
	}

	o.metrics.GiftCreated()
	o.record(ctx, auditGiftCreated, g, map[string]any{
		"session_id": evt.SessionID,
		"ticker":     g.MarketTicker,
		"side":       string(g.Side),
		"cost_usdc":  g.CostUSDC.String(),
	})
	o.publish(ctx, g, "")
	o.logger.InfoContext(ctx, "gift created",
		slog.String("gift_id", g.ID),
		slog.String("ticker", g.MarketTicker),
		slog.String("side", string(g.Side)),
		slog.String("cost_usdc", g.CostUSDC.String()),
	)

	if err := o.dispatcher.DispatchPurchase(ctx, g.ID); err != nil {
		return g, true, fmt.Errorf("fulfillment: dispatch purchase %s: %w", g.ID, err)
	}
	return g, true, nil
}

// redispatch schedules the purchase again for a gift whose first dispatch
// may have been lost. Gifts past pending_payment or under a live lease are
// left alone.
func (o *Orchestrator) redispatch(ctx context.Context, g domain.Gift) error {
	if g.Status != domain.GiftStatusPendingPayment || g.Leased(o.now()) {
		return nil
	}
	if err := o.dispatcher.DispatchPurchase(ctx, g.ID); err != nil {
		return fmt.Errorf("fulfillment: dispatch purchase %s: %w", g.ID, err)
	}
	return nil
}
