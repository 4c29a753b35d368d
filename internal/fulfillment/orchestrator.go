// Package fulfillment drives gifts through their lifecycle: payment
// confirmation, purchase of the outcome tokens, the fill wait and the
// recipient's claim. It is the only layer that decides whether a failure is
// terminal for a gift.
package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/alanyoungcy/giftd/internal/await"
	"github.com/alanyoungcy/giftd/internal/domain"
	"github.com/alanyoungcy/giftd/internal/metrics"
)

// EventStream is the durable stream every gift event is appended to.
const EventStream = "gifts:events"

// Audit event names.
const (
	auditGiftCreated       = "gift_created"
	auditPurchaseSubmitted = "purchase_submitted"
	auditTransition        = "gift_transition"
	auditClaimPending      = "claim_pending"
	auditClaimFailed       = "claim_failed"
	auditNotifyFailed      = "notification_failed"
)

// writeTimeout bounds store writes that must land after the stage budget
// has run out.
const writeTimeout = 10 * time.Second

// Config holds the budgets and venue parameters of the pipeline.
type Config struct {
	InputMint         string
	SlippageBps       int
	RedeemSlippageBps int
	FillPoll          await.Policy
	PurchaseTimeout   time.Duration
	ClaimTimeout      time.Duration
	PurchaseRetry     await.RetryPolicy
	ClaimRetry        await.RetryPolicy
	LeaseTTL          time.Duration
	AppURL            string
	StaleAfter        time.Duration
	ReconcileBatch    int
}

func (c Config) withDefaults() Config {
	if c.InputMint == "" {
		c.InputMint = domain.USDCMint
	}
	if c.SlippageBps <= 0 {
		c.SlippageBps = 50
	}
	if c.RedeemSlippageBps <= 0 {
		c.RedeemSlippageBps = 100
	}
	if c.FillPoll.Interval <= 0 {
		c.FillPoll.Interval = 2 * time.Second
	}
	if c.FillPoll.MaxAttempts <= 0 {
		c.FillPoll.MaxAttempts = 30
	}
	if c.PurchaseTimeout <= 0 {
		c.PurchaseTimeout = c.FillPoll.Budget() + 2*time.Minute
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 90 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.ReconcileBatch <= 0 {
		c.ReconcileBatch = 50
	}
	return c
}

// Deps are the collaborators of the orchestrator. Notifier, Alerts, Bus and
// Metrics are optional.
type Deps struct {
	Gifts      domain.GiftStore
	Audit      domain.AuditStore
	Venue      domain.Venue
	Markets    domain.MarketResolver
	Signer     domain.SettlementSigner
	Custody    domain.CustodyTransferer
	Dispatcher domain.PurchaseDispatcher
	Notifier   domain.ClaimNotifier
	Alerts     domain.Alerter
	Bus        domain.SignalBus
	Metrics    *metrics.Metrics
}

// Orchestrator runs the gift state machine. It holds no gift state of its
// own; every step re-reads the record and writes through a status
// precondition.
type Orchestrator struct {
	cfg        Config
	gifts      domain.GiftStore
	audit      domain.AuditStore
	venue      domain.Venue
	markets    domain.MarketResolver
	signer     domain.SettlementSigner
	custody    domain.CustodyTransferer
	dispatcher domain.PurchaseDispatcher
	notifier   domain.ClaimNotifier
	alerts     domain.Alerter
	bus        domain.SignalBus
	metrics    *metrics.Metrics
	validate   *validator.Validate
	now        func() time.Time
	logger     *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Gifts == nil:
		return nil, errors.New("fulfillment: gift store is required")
	case deps.Audit == nil:
		return nil, errors.New("fulfillment: audit store is required")
	case deps.Venue == nil, deps.Markets == nil:
		return nil, errors.New("fulfillment: venue and market resolver are required")
	case deps.Signer == nil, deps.Custody == nil:
		return nil, errors.New("fulfillment: signer and custody transferer are required")
	case deps.Dispatcher == nil:
		return nil, errors.New("fulfillment: purchase dispatcher is required")
	}

	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		gifts:      deps.Gifts,
		audit:      deps.Audit,
		venue:      deps.Venue,
		markets:    deps.Markets,
		signer:     deps.Signer,
		custody:    deps.Custody,
		dispatcher: deps.Dispatcher,
		notifier:   deps.Notifier,
		alerts:     deps.Alerts,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        time.Now,
		logger:     logger.With(slog.String("component", "fulfillment")),
	}, nil
}

// ClaimURL is the link a recipient follows to claim gift id.
func (o *Orchestrator) ClaimURL(id string) string {
	return o.cfg.AppURL + "/gift/" + id
}

// transition moves g to status to and records the change. The returned gift
// is the stored record after the write.
func (o *Orchestrator) transition(ctx context.Context, g domain.Gift, to domain.GiftStatus, upd domain.GiftUpdate) (domain.Gift, error) {
	next, err := o.gifts.Transition(ctx, g.ID, g.Status, to, upd)
	if err != nil {
		return g, fmt.Errorf("fulfillment: transition gift %s %s -> %s: %w", g.ID, g.Status, to, err)
	}

	detail := map[string]any{"from": string(g.Status), "to": string(to)}
	if next.FailureReason != "" {
		detail["reason"] = string(next.FailureReason)
	}
	o.record(ctx, auditTransition, next, detail)
	o.publish(ctx, next, txSigFor(next))
	return next, nil
}

func txSigFor(g domain.Gift) string {
	if g.Status == domain.GiftStatusClaimed {
		return g.ClaimTxSig
	}
	return g.PurchaseTxSig
}

// record appends an audit entry for g. Audit failures are logged only.
func (o *Orchestrator) record(ctx context.Context, event string, g domain.Gift, extra map[string]any) {
	_ = o.logAudit(ctx, event, g, extra)
}

// logAudit appends an audit entry for g and returns the failure after
// logging it.
func (o *Orchestrator) logAudit(ctx context.Context, event string, g domain.Gift, extra map[string]any) error {
	detail := map[string]any{
		"gift_id": g.ID,
		"status":  string(g.Status),
	}
	for k, v := range extra {
		detail[k] = v
	}
	if err := o.audit.Log(ctx, event, detail); err != nil {
		o.logger.WarnContext(ctx, "audit log failed",
			slog.String("gift_id", g.ID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// publish pushes a status event to the gift's channel and the event stream.
func (o *Orchestrator) publish(ctx context.Context, g domain.Gift, txSig string) {
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.GiftEvent{
		GiftID:    g.ID,
		Status:    g.Status,
		Reason:    g.FailureReason,
		TxSig:     txSig,
		Timestamp: o.now().UTC(),
	})
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, domain.GiftChannel(g.ID), payload); err != nil {
		o.logger.DebugContext(ctx, "publish gift event failed",
			slog.String("gift_id", g.ID), slog.String("error", err.Error()))
	}
	if err := o.bus.StreamAppend(ctx, EventStream, payload); err != nil {
		o.logger.DebugContext(ctx, "append gift event failed",
			slog.String("gift_id", g.ID), slog.String("error", err.Error()))
	}
}

// alert notifies operators. Failures are counted and logged.
func (o *Orchestrator) alert(ctx context.Context, event, title, message string) {
	if o.alerts == nil {
		o.logger.WarnContext(ctx, "operator alert", slog.String("event", event), slog.String("message", message))
		return
	}
	if err := o.alerts.Notify(ctx, event, title, message); err != nil {
		o.metrics.NotificationFailed("alert")
		o.logger.ErrorContext(ctx, "operator alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// detached returns a context for writes that must happen even when ctx has
// hit its deadline.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

// releaseLease drops token on id unless a transition already cleared it.
func (o *Orchestrator) releaseLease(ctx context.Context, id, token string) {
	wctx, cancel := detached(ctx)
	defer cancel()
	if err := o.gifts.ReleaseLease(wctx, id, token); err != nil {
		o.logger.WarnContext(ctx, "release lease failed",
			slog.String("gift_id", id), slog.String("error", err.Error()))
	}
}
