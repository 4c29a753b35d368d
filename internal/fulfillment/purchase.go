package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/giftd/internal/await"
	"github.com/alanyoungcy/giftd/internal/domain"
	"github.com/alanyoungcy/giftd/internal/notify"
)

var (
	// errFillFailed is the venue reporting a failed async order.
	errFillFailed = errors.New("fulfillment: venue reported fill failed")
	// errOrderNotRecorded means a signed order could not be stored and was
	// therefore not sent.
	errOrderNotRecorded = errors.New("fulfillment: order not recorded")
	// errSendUnresolved means a sent order neither confirmed nor failed. It
	// is recorded on the gift and must not be replaced by a new order.
	errSendUnresolved = errors.New("fulfillment: order outcome unknown")
)

// Purchase buys the outcome tokens for giftID and leaves the gift in
// pending_claim or expired. Calling it again is safe: a gift that already
// records a purchase transaction resumes the fill wait instead of ordering
// again, and gifts past pending_payment are ignored.
//
// A nil return means the gift needs no further purchase work. Errors are
// infrastructure failures worth retrying, or ErrLeaseHeld.
func (o *Orchestrator) Purchase(ctx context.Context, giftID string) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PurchaseTimeout)
	defer cancel()

	g, err := o.gifts.Get(ctx, giftID)
	if err != nil {
		return fmt.Errorf("fulfillment: load gift %s: %w", giftID, err)
	}
	if g.Status != domain.GiftStatusPendingPayment {
		o.logger.DebugContext(ctx, "purchase skipped",
			slog.String("gift_id", giftID), slog.String("status", string(g.Status)))
		return nil
	}

	token := uuid.NewString()
	g, err = o.gifts.AcquireLease(ctx, giftID, domain.GiftStatusPendingPayment, token, o.cfg.LeaseTTL)
	switch {
	case errors.Is(err, domain.ErrStatusConflict):
		return nil
	case err != nil:
		return fmt.Errorf("fulfillment: lease gift %s: %w", giftID, err)
	}
	defer o.releaseLease(ctx, giftID, token)

	log := o.logger.With(slog.String("gift_id", giftID))

	if g.PurchaseTxSig == "" {
		g, err = o.submitPurchase(ctx, g, log)
		if err != nil {
			reason, terminal := classifyPurchase(err)
			if !terminal {
				return err
			}
			return o.expire(ctx, g, reason, err)
		}
	} else {
		log.InfoContext(ctx, "resuming fill wait",
			slog.String("tx_sig", g.PurchaseTxSig),
			slog.String("mode", string(g.ExecutionMode)),
		)
	}

	started := o.now()
	fill, err := o.awaitFill(ctx, g, log)
	o.metrics.ObserveFillWait(string(g.ExecutionMode), o.now().Sub(started))
	if err != nil {
		reason, terminal := classifyFill(g.ExecutionMode, err)
		if !terminal {
			return err
		}
		return o.expire(ctx, g, reason, err)
	}
	return o.completePurchase(ctx, g, fill.FilledOutputAmount, log)
}

// submitPurchase resolves the outcome mint, places the order and submits
// it. The transaction reference is stored between signing and sending. A new
// order is placed only when nothing was sent or the ledger reports the
// previous one failed.
func (o *Orchestrator) submitPurchase(ctx context.Context, g domain.Gift, log *slog.Logger) (domain.Gift, error) {
	var mints domain.MarketMints
	err := await.Retry(ctx, o.cfg.PurchaseRetry,
		func(ctx context.Context) error {
			var err error
			mints, err = o.markets.OutcomeMints(ctx, g.MarketTicker)
			return err
		},
		transient, o.retryLogger(ctx, log, "resolve market"))
	if err != nil {
		return g, fmt.Errorf("fulfillment: resolve market %s: %w", g.MarketTicker, err)
	}
	mint := mints.MintFor(g.Side)
	if mint == "" {
		return g, fmt.Errorf("fulfillment: market %s has no %s mint: %w", g.MarketTicker, g.Side, domain.ErrMarketUnavailable)
	}

	amount := toSmallestUnits(g.CostUSDC)
	if amount == 0 {
		return g, fmt.Errorf("fulfillment: cost %s rounds to zero: %w", g.CostUSDC, domain.ErrInvalidEvent)
	}

	var (
		placed  domain.PlacedOrder
		sig     string
		updated domain.Gift
	)
	err = await.Retry(ctx, o.cfg.PurchaseRetry,
		func(ctx context.Context) error {
			p, err := o.venue.PlaceOrder(ctx, domain.OrderRequest{
				InputMint:   o.cfg.InputMint,
				OutputMint:  mint,
				Amount:      amount,
				SlippageBps: o.cfg.SlippageBps,
				Payer:       o.signer.PublicKey(),
			})
			if err != nil {
				return err
			}
			mode := p.ExecutionMode
			if mode == "" {
				mode = domain.ExecutionSync
			}
			quoted := p.Quote.OutputAmount

			// The order is stored before it is sent, so a later run resumes
			// the fill wait on it instead of buying again.
			s, err := o.signer.SignAndSubmit(ctx, p.Transaction, func(ctx context.Context, txRef string) error {
				u, err := o.gifts.Update(ctx, g.ID, domain.GiftUpdate{
					OutcomeMint:       &mint,
					PurchaseTxSig:     &txRef,
					ExecutionMode:     &mode,
					QuotedTokenAmount: &quoted,
				})
				if err != nil {
					return fmt.Errorf("%w: %w", errOrderNotRecorded, err)
				}
				updated = u
				return nil
			})
			if err != nil && s != "" {
				err = o.settleSend(ctx, s, err, log)
			}
			if err != nil {
				return err
			}
			placed, sig = p, s
			return nil
		},
		func(err error) bool {
			return transient(err) || errors.Is(err, errOrderNotRecorded)
		},
		o.retryLogger(ctx, log, "place order"))
	if err != nil {
		return g, fmt.Errorf("fulfillment: place order for gift %s: %w", g.ID, err)
	}

	mode, quoted := updated.ExecutionMode, placed.Quote.OutputAmount
	o.record(ctx, auditPurchaseSubmitted, updated, map[string]any{
		"tx_sig":        sig,
		"mode":          string(mode),
		"outcome_mint":  mint,
		"amount":        amount,
		"quoted_tokens": quoted,
	})
	log.InfoContext(ctx, "purchase submitted",
		slog.String("tx_sig", sig),
		slog.String("mode", string(mode)),
		slog.String("outcome_mint", mint),
		slog.Uint64("amount", amount),
		slog.Uint64("quoted_tokens", quoted),
	)
	return updated, nil
}

// settleSend resolves an order whose send failed after signing. A landed
// order counts as sent. One the ledger reports failed is dead, and the
// send error is returned so the caller may place a new order. Anything
// else leaves the outcome unknown.
func (o *Orchestrator) settleSend(ctx context.Context, sig string, sendErr error, log *slog.Logger) error {
	if !errors.Is(sendErr, domain.ErrLedgerSubmission) {
		return sendErr
	}
	log.WarnContext(ctx, "order send failed in transit, confirming signature",
		slog.String("tx_sig", sig),
		slog.String("error", sendErr.Error()),
	)
	err := o.signer.AwaitConfirmation(ctx, sig)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrTransactionFailed):
		return sendErr
	}
	return fmt.Errorf("%w: tx %s: %w", errSendUnresolved, sig, err)
}

// awaitFill waits for the recorded purchase to fill. Sync orders fill when
// their transaction confirms; async orders are polled with the fill policy,
// and a failed status lookup counts as a pending attempt.
func (o *Orchestrator) awaitFill(ctx context.Context, g domain.Gift, log *slog.Logger) (domain.OrderFill, error) {
	if g.ExecutionMode != domain.ExecutionAsync {
		if err := o.signer.AwaitConfirmation(ctx, g.PurchaseTxSig); err != nil {
			return domain.OrderFill{}, err
		}
		return domain.OrderFill{Status: domain.FillFilled}, nil
	}

	var fill domain.OrderFill
	err := await.Poll(ctx, o.cfg.FillPoll, func(ctx context.Context) (bool, error) {
		f, err := o.venue.OrderStatus(ctx, g.PurchaseTxSig)
		if err != nil {
			log.DebugContext(ctx, "order status lookup failed", slog.String("error", err.Error()))
			return false, err
		}
		switch f.Status {
		case domain.FillFilled:
			fill = f
			return true, nil
		case domain.FillFailed:
			return false, await.Stop(errFillFailed)
		}
		return false, nil
	})
	return fill, err
}

// completePurchase moves the gift to pending_claim and tells the recipient.
// The token amount comes from the fill, then the quote, then the requested
// share count.
func (o *Orchestrator) completePurchase(ctx context.Context, g domain.Gift, filled uint64, log *slog.Logger) error {
	tokens := filled
	if tokens == 0 {
		tokens = g.QuotedTokenAmount
	}
	if tokens == 0 {
		tokens = shareUnits(g.RequestedShares)
		log.WarnContext(ctx, "venue reported no token amount, crediting requested shares",
			slog.Uint64("tokens", tokens))
	}
	if tokens == 0 {
		return o.expire(ctx, g, domain.FailureFillFailed, errors.New("fulfillment: fill credited no tokens"))
	}

	wctx, cancel := detached(ctx)
	defer cancel()

	next, err := o.transition(wctx, g, domain.GiftStatusPendingClaim, domain.GiftUpdate{TokenAmount: &tokens})
	if errors.Is(err, domain.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	o.metrics.PurchaseOutcome("filled")
	log.InfoContext(ctx, "gift ready to claim", slog.Uint64("tokens", tokens))
	o.notifyRecipient(wctx, next, log)
	return nil
}

// expire ends the purchase for good and alerts operators. The payment was
// captured, so the gift needs manual reconciliation.
func (o *Orchestrator) expire(ctx context.Context, g domain.Gift, reason domain.FailureReason, cause error) error {
	wctx, cancel := detached(ctx)
	defer cancel()

	_, err := o.transition(wctx, g, domain.GiftStatusExpired, domain.GiftUpdate{FailureReason: &reason})
	if errors.Is(err, domain.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	o.metrics.PurchaseOutcome(string(reason))
	o.logger.WarnContext(ctx, "gift expired",
		slog.String("gift_id", g.ID),
		slog.String("reason", string(reason)),
		slog.String("error", cause.Error()),
	)
	o.alert(wctx, domain.EventGiftExpired, "Gift expired",
		fmt.Sprintf("Gift %s (%s %s, %s USDC) expired: %s. Payment was captured; reconcile manually.",
			g.ID, g.MarketTicker, g.Side, g.CostUSDC.StringFixed(2), reason))
	return nil
}

// notifyRecipient sends the claim link. Failures never affect the gift.
func (o *Orchestrator) notifyRecipient(ctx context.Context, g domain.Gift, log *slog.Logger) {
	if o.notifier == nil {
		return
	}
	if !notify.IsEmail(g.RecipientContact) {
		log.InfoContext(ctx, "recipient contact is not an email, skipping notification")
		return
	}

	err := o.notifier.NotifyClaimable(ctx, domain.ClaimNotification{
		To:            g.RecipientContact,
		RecipientName: g.RecipientName,
		SenderName:    g.SenderDisplayName(),
		MarketTitle:   g.MarketTitle,
		Side:          g.Side,
		Shares:        g.TokenAmount,
		GiftMessage:   g.GiftMessage,
		ClaimURL:      o.ClaimURL(g.ID),
	})
	if err != nil {
		o.metrics.NotificationFailed("email")
		o.record(ctx, auditNotifyFailed, g, map[string]any{"error": err.Error()})
		log.ErrorContext(ctx, "claim notification failed", slog.String("error", err.Error()))
	}
}

// transient reports whether a venue or ledger failure may succeed on retry.
func transient(err error) bool {
	return errors.Is(err, domain.ErrVenueUnavailable) || errors.Is(err, domain.ErrLedgerSubmission)
}

func (o *Orchestrator) retryLogger(ctx context.Context, log *slog.Logger, op string) func(error, time.Duration) {
	return func(err error, next time.Duration) {
		log.WarnContext(ctx, "retrying "+op,
			slog.Duration("backoff", next),
			slog.String("error", err.Error()),
		)
	}
}

// classifyPurchase decides whether a failure before the fill wait ends the
// gift.
func classifyPurchase(err error) (domain.FailureReason, bool) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, errSendUnresolved), errors.Is(err, errOrderNotRecorded):
		return "", false
	case errors.Is(err, domain.ErrMarketUnavailable):
		return domain.FailureMarketUnavailable, true
	case errors.Is(err, domain.ErrVenueRejected), errors.Is(err, domain.ErrInvalidEvent):
		return domain.FailureVenueRejected, true
	case errors.Is(err, domain.ErrVenueUnavailable), errors.Is(err, context.DeadlineExceeded):
		return domain.FailureVenueUnavailable, true
	case errors.Is(err, domain.ErrLedgerSubmission), errors.Is(err, domain.ErrTransactionFailed):
		return domain.FailureSubmission, true
	}
	return "", false
}

// classifyFill decides whether a failed fill wait ends the gift. A ledger
// confirmation timeout and an exhausted polling budget are kept apart.
func classifyFill(mode domain.ExecutionMode, err error) (domain.FailureReason, bool) {
	switch {
	case errors.Is(err, context.Canceled):
		return "", false
	case errors.Is(err, errFillFailed), errors.Is(err, domain.ErrTransactionFailed):
		return domain.FailureFillFailed, true
	case errors.Is(err, domain.ErrConfirmationTimeout):
		return domain.FailureConfirmationTimeout, true
	case errors.Is(err, await.ErrExhausted):
		return domain.FailureFillBudgetExhausted, true
	case errors.Is(err, context.DeadlineExceeded):
		if mode == domain.ExecutionAsync {
			return domain.FailureFillBudgetExhausted, true
		}
		return domain.FailureConfirmationTimeout, true
	}
	return "", false
}
