package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/alanyoungcy/giftd/internal/await"
	"github.com/alanyoungcy/giftd/internal/domain"
)

// auditClaimAbandoned marks a pending claim transfer that never landed.
const auditClaimAbandoned = "claim_abandoned"

// errPendingNotRecorded means the claim_pending entry for a signed transfer
// could not be stored, so the transfer was not sent.
var errPendingNotRecorded = errors.New("fulfillment: pending claim not recorded")

// Claim moves the gift's tokens to req.RecipientAddress and marks the gift
// claimed. Only a pending_claim gift can be claimed; other statuses yield a
// *domain.NotClaimableError. While one claim runs, others get
// ErrClaimInProgress. On failure the gift stays pending_claim and the claim
// can be retried.
func (o *Orchestrator) Claim(ctx context.Context, req domain.ClaimRequest) (domain.ClaimResult, error) {
	if err := o.validateClaim(req); err != nil {
		return domain.ClaimResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ClaimTimeout)
	defer cancel()

	g, err := o.gifts.Get(ctx, req.GiftID)
	if err != nil {
		return domain.ClaimResult{}, fmt.Errorf("fulfillment: load gift %s: %w", req.GiftID, err)
	}
	if !g.Claimable() {
		return domain.ClaimResult{}, &domain.NotClaimableError{Status: g.Status}
	}

	token := uuid.NewString()
	g, err = o.gifts.AcquireLease(ctx, req.GiftID, domain.GiftStatusPendingClaim, token, o.cfg.LeaseTTL)
	switch {
	case errors.Is(err, domain.ErrLeaseHeld):
		o.metrics.ClaimOutcome("in_progress")
		return domain.ClaimResult{}, fmt.Errorf("fulfillment: claim gift %s: %w", req.GiftID, domain.ErrClaimInProgress)
	case errors.Is(err, domain.ErrStatusConflict):
		current, gerr := o.gifts.Get(ctx, req.GiftID)
		if gerr != nil {
			return domain.ClaimResult{}, fmt.Errorf("fulfillment: reload gift %s: %w", req.GiftID, gerr)
		}
		return domain.ClaimResult{}, &domain.NotClaimableError{Status: current.Status}
	case err != nil:
		return domain.ClaimResult{}, fmt.Errorf("fulfillment: lease gift %s: %w", req.GiftID, err)
	}
	defer o.releaseLease(ctx, g.ID, token)

	log := o.logger.With(slog.String("gift_id", g.ID))

	// A previous attempt may have moved the tokens without committing.
	prevSig, prevAddr, err := o.landedPendingClaim(ctx, g, log)
	if err != nil {
		return domain.ClaimResult{}, o.claimFailed(ctx, g, err, log)
	}
	if prevSig != "" {
		log.InfoContext(ctx, "previous claim transfer landed, committing", slog.String("tx_sig", prevSig))
		return o.finishClaim(ctx, g, prevSig, prevAddr, req.RecipientIdentityID, log)
	}

	// claim_pending is stored before each send so a transfer whose outcome is
	// lost is found and checked by the next attempt instead of repeated.
	recordPending := func(ctx context.Context, txRef string) error {
		if err := o.recordPendingClaim(ctx, g, txRef, req.RecipientAddress); err != nil {
			return fmt.Errorf("%w: %w", errPendingNotRecorded, err)
		}
		return nil
	}

	var sig string
	err = await.Retry(ctx, o.cfg.ClaimRetry,
		func(ctx context.Context) error {
			s, err := o.custody.Transfer(ctx, g.OutcomeMint, req.RecipientAddress, g.TokenAmount, recordPending)
			sig = s
			return err
		},
		func(err error) bool {
			// Once a transfer is signed and sent it is never rebuilt here.
			return sig == "" && (errors.Is(err, domain.ErrLedgerSubmission) || errors.Is(err, errPendingNotRecorded))
		},
		o.retryLogger(ctx, log, "custody transfer"))
	if err != nil {
		if sig != "" && errors.Is(err, domain.ErrTransactionFailed) {
			o.record(ctx, auditClaimAbandoned, g, map[string]any{"tx_sig": sig})
		}
		return domain.ClaimResult{}, o.claimFailed(ctx, g, err, log)
	}

	return o.finishClaim(ctx, g, sig, req.RecipientAddress, req.RecipientIdentityID, log)
}

func (o *Orchestrator) validateClaim(req domain.ClaimRequest) error {
	if err := o.validate.Struct(req); err != nil {
		return fmt.Errorf("fulfillment: %w: %v", domain.ErrInvalidRequest, err)
	}
	if _, err := solana.PublicKeyFromBase58(req.RecipientAddress); err != nil {
		return fmt.Errorf("fulfillment: %w: recipient address: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

// finishClaim commits the claim. The store write is retried; if it still
// fails, the transfer is recorded as pending so the next attempt commits it
// instead of transferring again.
func (o *Orchestrator) finishClaim(ctx context.Context, g domain.Gift, sig, addr, identity string, log *slog.Logger) (domain.ClaimResult, error) {
	now := o.now().UTC()
	upd := domain.GiftUpdate{
		ClaimTxSig:      &sig,
		RecipientWallet: &addr,
		ClaimedAt:       &now,
	}
	if identity != "" {
		upd.RecipientIdentity = &identity
	}

	wctx, cancel := detached(ctx)
	defer cancel()

	err := await.Retry(wctx, o.cfg.ClaimRetry,
		func(ctx context.Context) error {
			_, err := o.transition(ctx, g, domain.GiftStatusClaimed, upd)
			return err
		},
		func(err error) bool { return !errors.Is(err, domain.ErrStatusConflict) },
		o.retryLogger(ctx, log, "commit claim"))
	if err != nil {
		_ = o.recordPendingClaim(wctx, g, sig, addr)
		o.alert(wctx, domain.EventClaimFailed, "Claim not recorded",
			fmt.Sprintf("Gift %s: transfer %s to %s confirmed but the claim could not be stored: %v", g.ID, sig, addr, err))
		o.metrics.ClaimOutcome("unrecorded")
		return domain.ClaimResult{}, err
	}

	o.metrics.ClaimOutcome("claimed")
	log.InfoContext(ctx, "gift claimed",
		slog.String("tx_sig", sig),
		slog.String("recipient", addr),
		slog.Uint64("tokens", g.TokenAmount),
	)
	return domain.ClaimResult{TransactionReference: sig, RecipientAddress: addr}, nil
}

// claimFailed classifies a failed claim attempt, alerts operators where a
// human is needed and returns the error for the caller.
func (o *Orchestrator) claimFailed(ctx context.Context, g domain.Gift, err error, log *slog.Logger) error {
	outcome := "error"
	switch {
	case errors.Is(err, domain.ErrInsufficientCustodyBalance):
		outcome = "insufficient_balance"
		o.alert(ctx, domain.EventCustodyInsufficient, "Custody balance too low",
			fmt.Sprintf("Gift %s needs %d of %s: %v", g.ID, g.TokenAmount, g.OutcomeMint, err))
	case errors.Is(err, domain.ErrTransactionFailed):
		outcome = "transaction_failed"
		o.alert(ctx, domain.EventClaimFailed, "Claim transfer failed",
			fmt.Sprintf("Gift %s: %v", g.ID, err))
	case errors.Is(err, domain.ErrConfirmationTimeout):
		outcome = "confirmation_timeout"
	case errors.Is(err, domain.ErrLedgerSubmission):
		outcome = "ledger_unavailable"
	}

	o.metrics.ClaimOutcome(outcome)
	o.record(ctx, auditClaimFailed, g, map[string]any{"outcome": outcome, "error": err.Error()})
	log.WarnContext(ctx, "claim failed",
		slog.String("outcome", outcome),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("fulfillment: claim gift %s: %w", g.ID, err)
}

func (o *Orchestrator) recordPendingClaim(ctx context.Context, g domain.Gift, sig, addr string) error {
	return o.logAudit(ctx, auditClaimPending, g, map[string]any{
		"tx_sig":            sig,
		"recipient_address": addr,
	})
}

// landedPendingClaim looks for a transfer from an earlier attempt that was
// submitted but not committed, newest first. It returns the signature and
// destination of one that landed. Transfers confirmed dead are marked
// abandoned so later attempts skip them.
func (o *Orchestrator) landedPendingClaim(ctx context.Context, g domain.Gift, log *slog.Logger) (string, string, error) {
	entries, err := o.audit.ListForGift(ctx, g.ID)
	if err != nil {
		return "", "", fmt.Errorf("fulfillment: read claim history: %w: %w", domain.ErrLedgerSubmission, err)
	}

	abandoned := make(map[string]bool)
	for _, e := range entries {
		if e.Event == auditClaimAbandoned {
			if sig, _ := e.Detail["tx_sig"].(string); sig != "" {
				abandoned[sig] = true
			}
		}
	}

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Event != auditClaimPending {
			continue
		}
		sig, _ := e.Detail["tx_sig"].(string)
		addr, _ := e.Detail["recipient_address"].(string)
		if sig == "" || abandoned[sig] {
			continue
		}

		err := o.signer.AwaitConfirmation(ctx, sig)
		switch {
		case err == nil:
			return sig, addr, nil
		case errors.Is(err, domain.ErrTransactionFailed), errors.Is(err, domain.ErrConfirmationTimeout):
			log.InfoContext(ctx, "pending claim transfer did not land", slog.String("tx_sig", sig))
			o.record(ctx, auditClaimAbandoned, g, map[string]any{"tx_sig": sig})
			abandoned[sig] = true
		default:
			return "", "", err
		}
	}
	return "", "", nil
}
