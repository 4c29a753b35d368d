package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// Reconcile sweeps gifts left in pending_payment past the stale window with
// no live lease, typically after a crash. A gift with no purchase on record
// is purchased again; one with a recorded purchase gets a single fill check
// and is moved to pending_claim or expired. It returns how many gifts were
// handled.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.cfg.StaleAfter)
	stale, err := o.gifts.ListStale(ctx, domain.GiftStatusPendingPayment, cutoff, o.cfg.ReconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("fulfillment: list stale gifts: %w", err)
	}

	handled := 0
	for _, g := range stale {
		if err := ctx.Err(); err != nil {
			return handled, err
		}

		if g.PurchaseTxSig == "" {
			err = o.Purchase(ctx, g.ID)
		} else {
			err = o.resolveStale(ctx, g)
		}
		if err != nil {
			if !errors.Is(err, domain.ErrLeaseHeld) {
				o.logger.WarnContext(ctx, "reconcile gift failed",
					slog.String("gift_id", g.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		handled++
	}

	if handled > 0 {
		o.logger.InfoContext(ctx, "reconciled stale gifts",
			slog.Int("handled", handled),
			slog.Int("found", len(stale)),
		)
	}
	return handled, nil
}

// resolveStale settles a gift whose purchase was submitted but whose fill
// wait never finished.
func (o *Orchestrator) resolveStale(ctx context.Context, g domain.Gift) error {
	token := uuid.NewString()
	g, err := o.gifts.AcquireLease(ctx, g.ID, domain.GiftStatusPendingPayment, token, o.cfg.LeaseTTL)
	switch {
	case errors.Is(err, domain.ErrStatusConflict):
		return nil
	case err != nil:
		return fmt.Errorf("fulfillment: lease gift %s: %w", g.ID, err)
	}
	defer o.releaseLease(ctx, g.ID, token)

	log := o.logger.With(slog.String("gift_id", g.ID))

	filled, amount, err := o.checkFillOnce(ctx, g)
	if err != nil {
		return err
	}
	if filled {
		o.metrics.Reconciled(string(domain.GiftStatusPendingClaim))
		return o.completePurchase(ctx, g, amount, log)
	}

	o.metrics.Reconciled(string(domain.GiftStatusExpired))
	return o.expire(ctx, g, domain.FailureStaleReconciled,
		fmt.Errorf("fulfillment: no fill observed for %s after %s", g.PurchaseTxSig, o.cfg.StaleAfter))
}

// checkFillOnce reports whether the recorded purchase filled. Lookup
// failures are returned so the next sweep can try again.
func (o *Orchestrator) checkFillOnce(ctx context.Context, g domain.Gift) (bool, uint64, error) {
	if g.ExecutionMode == domain.ExecutionAsync {
		f, err := o.venue.OrderStatus(ctx, g.PurchaseTxSig)
		if err != nil {
			return false, 0, fmt.Errorf("fulfillment: order status %s: %w", g.PurchaseTxSig, err)
		}
		return f.Status == domain.FillFilled, f.FilledOutputAmount, nil
	}

	err := o.signer.AwaitConfirmation(ctx, g.PurchaseTxSig)
	switch {
	case err == nil:
		return true, 0, nil
	case errors.Is(err, domain.ErrConfirmationTimeout), errors.Is(err, domain.ErrTransactionFailed):
		return false, 0, nil
	default:
		return false, 0, fmt.Errorf("fulfillment: confirm %s: %w", g.PurchaseTxSig, err)
	}
}
