package fulfillment

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/giftd/internal/domain"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// HistoryQuery selects gifts by exactly one party.
type HistoryQuery struct {
	RecipientContact  string
	SenderID          string
	RecipientIdentity string
	Limit             int
	Offset            int
}

// Lookup returns the public view of a gift. It never exposes the sender or
// wallet material.
func (o *Orchestrator) Lookup(ctx context.Context, id string) (domain.PublicGift, error) {
	g, err := o.gifts.Get(ctx, id)
	if err != nil {
		return domain.PublicGift{}, fmt.Errorf("fulfillment: lookup gift %s: %w", id, err)
	}
	return g.Public(), nil
}

// History lists gifts for one sender, recipient contact or recipient
// identity, newest first.
func (o *Orchestrator) History(ctx context.Context, q HistoryQuery) ([]domain.Gift, error) {
	selectors := 0
	for _, s := range []string{q.RecipientContact, q.SenderID, q.RecipientIdentity} {
		if s != "" {
			selectors++
		}
	}
	if selectors != 1 {
		return nil, fmt.Errorf("fulfillment: %w: history needs exactly one of recipient, sender or identity", domain.ErrInvalidRequest)
	}

	opts := domain.ListOpts{Limit: q.Limit, Offset: q.Offset}
	if opts.Limit <= 0 {
		opts.Limit = defaultHistoryLimit
	}
	if opts.Limit > maxHistoryLimit {
		opts.Limit = maxHistoryLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var (
		gifts []domain.Gift
		err   error
	)
	switch {
	case q.RecipientContact != "":
		gifts, err = o.gifts.ListByRecipientContact(ctx, q.RecipientContact, opts)
	case q.SenderID != "":
		gifts, err = o.gifts.ListBySender(ctx, q.SenderID, opts)
	default:
		gifts, err = o.gifts.ListByRecipientIdentity(ctx, q.RecipientIdentity, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("fulfillment: list history: %w", err)
	}
	return gifts, nil
}

// AuditTrail returns the audit entries of a gift, oldest first.
func (o *Orchestrator) AuditTrail(ctx context.Context, id string) ([]domain.AuditEntry, error) {
	if _, err := o.gifts.Get(ctx, id); err != nil {
		return nil, fmt.Errorf("fulfillment: audit trail %s: %w", id, err)
	}
	entries, err := o.audit.ListForGift(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fulfillment: audit trail %s: %w", id, err)
	}
	return entries, nil
}

// RedemptionOrder asks the venue for an unsigned order selling a claimed
// gift's tokens back to USDC. The owner signs and submits it; the gift is
// not changed.
func (o *Orchestrator) RedemptionOrder(ctx context.Context, giftID, owner string) (domain.PlacedOrder, error) {
	g, err := o.gifts.Get(ctx, giftID)
	if err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("fulfillment: redeem gift %s: %w", giftID, err)
	}
	if g.Status != domain.GiftStatusClaimed {
		return domain.PlacedOrder{}, fmt.Errorf("fulfillment: redeem gift %s in status %s: %w", giftID, g.Status, domain.ErrStatusConflict)
	}
	if owner == "" || owner != g.RecipientWallet {
		return domain.PlacedOrder{}, fmt.Errorf("fulfillment: redeem gift %s: owner is not the claiming wallet: %w", giftID, domain.ErrUnauthorized)
	}

	order, err := o.venue.PlaceOrder(ctx, domain.OrderRequest{
		InputMint:   g.OutcomeMint,
		OutputMint:  o.cfg.InputMint,
		Amount:      g.TokenAmount,
		SlippageBps: o.cfg.RedeemSlippageBps,
		Payer:       owner,
	})
	if err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("fulfillment: redeem gift %s: %w", giftID, err)
	}

	o.record(ctx, "redemption_quoted", g, map[string]any{
		"owner":         owner,
		"amount":        g.TokenAmount,
		"quoted_output": order.Quote.OutputAmount,
	})
	return order, nil
}
