package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/giftd/internal/await"
	"github.com/alanyoungcy/giftd/internal/domain"
	"github.com/alanyoungcy/giftd/internal/store/memory"
)

type fakeVenue struct {
	mu      sync.Mutex
	place   func(req domain.OrderRequest) (domain.PlacedOrder, error)
	status  func(txRef string) (domain.OrderFill, error)
	mints   domain.MarketMints
	mintErr error
	orders  []domain.OrderRequest
}

func (v *fakeVenue) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.PlacedOrder, error) {
	v.mu.Lock()
	v.orders = append(v.orders, req)
	v.mu.Unlock()
	if v.place != nil {
		return v.place(req)
	}
	return domain.PlacedOrder{
		Transaction:   []byte("tx"),
		ExecutionMode: domain.ExecutionSync,
		Quote:         domain.OrderQuote{InputAmount: req.Amount, OutputAmount: 10},
	}, nil
}

func (v *fakeVenue) OrderStatus(_ context.Context, txRef string) (domain.OrderFill, error) {
	if v.status != nil {
		return v.status(txRef)
	}
	return domain.OrderFill{Status: domain.FillPending}, nil
}

func (v *fakeVenue) OutcomeMints(_ context.Context, ticker string) (domain.MarketMints, error) {
	if v.mintErr != nil {
		return domain.MarketMints{}, v.mintErr
	}
	if v.mints.Ticker != "" {
		return v.mints, nil
	}
	return domain.MarketMints{Ticker: ticker, YesMint: "yes-" + ticker, NoMint: "no-" + ticker}, nil
}

func (v *fakeVenue) orderCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

type fakeSigner struct {
	mu        sync.Mutex
	submitted int
	sent      int
	confirm   map[string]error
	// send, when set, decides the outcome of the n-th send after before
	// has accepted the signature.
	send func(n int) error
}

func (s *fakeSigner) PublicKey() string { return "custody" }

func (s *fakeSigner) SignAndSubmit(ctx context.Context, _ []byte, before domain.BeforeSend) (string, error) {
	s.mu.Lock()
	s.submitted++
	n, send := s.submitted, s.send
	s.mu.Unlock()

	sig := fmt.Sprintf("purchase-sig-%d", n)
	if before != nil {
		if err := before(ctx, sig); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	if send != nil {
		if err := send(n); err != nil {
			return sig, err
		}
	}
	return sig, nil
}

func (s *fakeSigner) AwaitConfirmation(_ context.Context, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirm[txRef]
}

func (s *fakeSigner) setConfirm(txRef string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.confirm == nil {
		s.confirm = make(map[string]error)
	}
	s.confirm[txRef] = err
}

func (s *fakeSigner) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// failingUpdates rejects every field update, as a store that is down would.
type failingUpdates struct {
	*memory.GiftStore
}

func (failingUpdates) Update(context.Context, string, domain.GiftUpdate) (domain.Gift, error) {
	return domain.Gift{}, errors.New("store down")
}

// failingAudit rejects entries for one event.
type failingAudit struct {
	*memory.AuditStore
	event string
}

func (a failingAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	if event == a.event {
		return errors.New("audit store down")
	}
	return a.AuditStore.Log(ctx, event, detail)
}

type transferCall struct {
	mint, to string
	amount   uint64
}

// fakeCustody scripts transfers. A scripted result with a signature counts
// as sent, and before sees that signature first.
type fakeCustody struct {
	mu       sync.Mutex
	calls    []transferCall
	sent     int
	transfer func(n int) (string, error)
	block    chan struct{}
	entered  chan struct{}
}

func (c *fakeCustody) Transfer(ctx context.Context, mint, to string, amount uint64, before domain.BeforeSend) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, transferCall{mint: mint, to: to, amount: amount})
	n := len(c.calls)
	c.mu.Unlock()

	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.block != nil {
		<-c.block
	}

	sig, err := fmt.Sprintf("claim-sig-%d", n), error(nil)
	if c.transfer != nil {
		sig, err = c.transfer(n)
	}
	if sig == "" {
		return "", err
	}
	if before != nil {
		if berr := before(ctx, sig); berr != nil {
			return "", berr
		}
	}
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	return sig, err
}

func (c *fakeCustody) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func (c *fakeCustody) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) DispatchPurchase(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.ClaimNotification
	err  error
}

func (n *fakeNotifier) NotifyClaimable(_ context.Context, c domain.ClaimNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, c)
	return n.err
}

type fakeAlerts struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAlerts) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

type harness struct {
	orch       *Orchestrator
	gifts      *memory.GiftStore
	audit      *memory.AuditStore
	venue      *fakeVenue
	signer     *fakeSigner
	custody    *fakeCustody
	dispatcher *recordingDispatcher
	notifier   *fakeNotifier
	alerts     *fakeAlerts
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		gifts:      memory.NewGiftStore(),
		audit:      memory.NewAuditStore(),
		venue:      &fakeVenue{},
		signer:     &fakeSigner{},
		custody:    &fakeCustody{},
		dispatcher: &recordingDispatcher{},
		notifier:   &fakeNotifier{},
		alerts:     &fakeAlerts{},
	}
	orch, err := New(Config{
		AppURL:        "https://gifts.example",
		FillPoll:      await.Policy{Interval: time.Millisecond, MaxAttempts: 3},
		PurchaseRetry: await.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		ClaimRetry:    await.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, Deps{
		Gifts:      h.gifts,
		Audit:      h.audit,
		Venue:      h.venue,
		Markets:    h.venue,
		Signer:     h.signer,
		Custody:    h.custody,
		Dispatcher: h.dispatcher,
		Notifier:   h.notifier,
		Alerts:     h.alerts,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	h.orch = orch
	return h
}

func paymentEvent(session string) domain.PaymentEvent {
	return domain.PaymentEvent{
		SessionID:        session,
		MarketTicker:     "ABC-1",
		MarketTitle:      "Will ABC happen?",
		Side:             domain.SideYes,
		Shares:           decimal.NewFromInt(10),
		PricePerShare:    decimal.RequireFromString("0.65"),
		AmountUSDC:       decimal.RequireFromString("6.5"),
		RecipientContact: "bob@example.com",
		RecipientName:    "Bob",
		SenderEmail:      "alice@example.com",
		SenderID:         "alice",
	}
}

func (h *harness) createGift(t *testing.T, session string) domain.Gift {
	t.Helper()
	g, created, err := h.orch.HandlePaymentConfirmed(context.Background(), paymentEvent(session))
	require.NoError(t, err)
	require.True(t, created)
	return g
}

func (h *harness) claimableGift(t *testing.T, session string) domain.Gift {
	t.Helper()
	g := h.createGift(t, session)
	require.NoError(t, h.orch.Purchase(context.Background(), g.ID))
	g, err := h.gifts.Get(context.Background(), g.ID)
	require.NoError(t, err)
	require.Equal(t, domain.GiftStatusPendingClaim, g.Status)
	return g
}

func (h *harness) auditEvents(t *testing.T, id string) []string {
	t.Helper()
	entries, err := h.audit.ListForGift(context.Background(), id)
	require.NoError(t, err)
	events := make([]string, 0, len(entries))
	for _, e := range entries {
		events = append(events, e.Event)
	}
	return events
}

func wallet() string {
	return solana.NewWallet().PublicKey().String()
}

func TestPaymentCreatesPendingGiftAndDispatches(t *testing.T) {
	h := newHarness(t)

	g := h.createGift(t, "cs_1")
	assert.Equal(t, domain.GiftStatusPendingPayment, g.Status)
	assert.Equal(t, "checkout:cs_1", g.IdempotencyKey)
	assert.True(t, decimal.RequireFromString("6.5").Equal(g.CostUSDC))
	assert.Equal(t, []string{g.ID}, h.dispatcher.ids)
	assert.Contains(t, h.auditEvents(t, g.ID), auditGiftCreated)
}

func TestDuplicatePaymentReturnsExistingGift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.createGift(t, "cs_dup")
	second, created, err := h.orch.HandlePaymentConfirmed(ctx, paymentEvent("cs_dup"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	gifts, err := h.orch.History(ctx, HistoryQuery{SenderID: "alice"})
	require.NoError(t, err)
	assert.Len(t, gifts, 1)

	// Once past pending_payment, duplicates do not schedule another purchase.
	require.NoError(t, h.orch.Purchase(ctx, first.ID))
	dispatched := len(h.dispatcher.ids)
	_, created, err = h.orch.HandlePaymentConfirmed(ctx, paymentEvent("cs_dup"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, h.dispatcher.ids, dispatched)
}

func TestSyncPurchaseFillsAndNotifies(t *testing.T) {
	h := newHarness(t)
	g := h.claimableGift(t, "cs_sync")

	assert.Equal(t, uint64(10), g.TokenAmount)
	assert.Equal(t, "yes-ABC-1", g.OutcomeMint)
	assert.Equal(t, "purchase-sig-1", g.PurchaseTxSig)
	assert.Equal(t, domain.ExecutionSync, g.ExecutionMode)
	assert.Empty(t, g.LeaseToken)

	require.Len(t, h.venue.orders, 1)
	order := h.venue.orders[0]
	assert.Equal(t, domain.USDCMint, order.InputMint)
	assert.Equal(t, uint64(6_500_000), order.Amount)
	assert.Equal(t, "custody", order.Payer)

	require.Len(t, h.notifier.sent, 1)
	n := h.notifier.sent[0]
	assert.Equal(t, "bob@example.com", n.To)
	assert.Equal(t, "alice", n.SenderName)
	assert.Equal(t, uint64(10), n.Shares)
	assert.Equal(t, "https://gifts.example/gift/"+g.ID, n.ClaimURL)

	assert.Equal(t,
		[]string{auditGiftCreated, auditPurchaseSubmitted, auditTransition},
		h.auditEvents(t, g.ID))
}

func TestPurchaseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	g := h.claimableGift(t, "cs_again")

	require.NoError(t, h.orch.Purchase(context.Background(), g.ID))
	assert.Equal(t, 1, h.venue.orderCount())
	assert.Len(t, h.notifier.sent, 1)
}

func TestAsyncPurchase(t *testing.T) {
	testCases := []struct {
		name       string
		status     func(checks int) (domain.OrderFill, error)
		wantStatus domain.GiftStatus
		wantReason domain.FailureReason
		wantTokens uint64
	}{
		{
			name: "fills after pending",
			status: func(checks int) (domain.OrderFill, error) {
				if checks < 2 {
					return domain.OrderFill{Status: domain.FillPending}, nil
				}
				return domain.OrderFill{Status: domain.FillFilled, FilledOutputAmount: 9}, nil
			},
			wantStatus: domain.GiftStatusPendingClaim,
			wantTokens: 9,
		},
		{
			name: "lookup errors count as attempts",
			status: func(checks int) (domain.OrderFill, error) {
				if checks < 2 {
					return domain.OrderFill{}, errors.New("status endpoint down")
				}
				return domain.OrderFill{Status: domain.FillFilled, FilledOutputAmount: 9}, nil
			},
			wantStatus: domain.GiftStatusPendingClaim,
			wantTokens: 9,
		},
		{
			name: "never fills",
			status: func(int) (domain.OrderFill, error) {
				return domain.OrderFill{Status: domain.FillPending}, nil
			},
			wantStatus: domain.GiftStatusExpired,
			wantReason: domain.FailureFillBudgetExhausted,
		},
		{
			name: "venue reports failure",
			status: func(int) (domain.OrderFill, error) {
				return domain.OrderFill{Status: domain.FillFailed}, nil
			},
			wantStatus: domain.GiftStatusExpired,
			wantReason: domain.FailureFillFailed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.venue.place = func(req domain.OrderRequest) (domain.PlacedOrder, error) {
				return domain.PlacedOrder{Transaction: []byte("tx"), ExecutionMode: domain.ExecutionAsync}, nil
			}
			var mu sync.Mutex
			checks := 0
			h.venue.status = func(string) (domain.OrderFill, error) {
				mu.Lock()
				defer mu.Unlock()
				checks++
				return tc.status(checks)
			}

			g := h.createGift(t, "cs_async")
			require.NoError(t, h.orch.Purchase(context.Background(), g.ID))

			got, err := h.gifts.Get(context.Background(), g.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, got.Status)
			assert.Equal(t, tc.wantReason, got.FailureReason)
			assert.Equal(t, tc.wantTokens, got.TokenAmount)
			assert.Equal(t, domain.ExecutionAsync, got.ExecutionMode)
			if tc.wantStatus == domain.GiftStatusExpired {
				assert.Contains(t, h.alerts.events, domain.EventGiftExpired)
				assert.Empty(t, h.notifier.sent)
			}
		})
	}
}

func TestPurchaseFailures(t *testing.T) {
	testCases := []struct {
		name       string
		setup      func(h *harness)
		wantReason domain.FailureReason
		wantOrders int
		wantErr    bool
	}{
		{
			name: "venue rejects order",
			setup: func(h *harness) {
				h.venue.place = func(domain.OrderRequest) (domain.PlacedOrder, error) {
					return domain.PlacedOrder{}, &domain.VenueError{Op: "order", StatusCode: 400, Message: "no route"}
				}
			},
			wantReason: domain.FailureVenueRejected,
		},
		{
			name: "venue stays unavailable",
			setup: func(h *harness) {
				h.venue.place = func(domain.OrderRequest) (domain.PlacedOrder, error) {
					return domain.PlacedOrder{}, &domain.VenueError{Op: "order", StatusCode: 503, Message: "busy"}
				}
			},
			wantReason: domain.FailureVenueUnavailable,
		},
		{
			name: "venue returns malformed transaction",
			setup: func(h *harness) {
				h.venue.place = func(domain.OrderRequest) (domain.PlacedOrder, error) {
					return domain.PlacedOrder{}, &domain.VenueError{
						Op: "place order", Message: "malformed transaction", Err: errors.New("illegal base64 data"), Malformed: true,
					}
				}
			},
			wantReason: domain.FailureVenueRejected,
			wantOrders: 1,
		},
		{
			name: "market has no mint for side",
			setup: func(h *harness) {
				h.venue.mints = domain.MarketMints{Ticker: "ABC-1", NoMint: "no-only"}
			},
			wantReason: domain.FailureMarketUnavailable,
		},
		{
			name: "transaction fails on ledger",
			setup: func(h *harness) {
				h.signer.setConfirm("purchase-sig-1", domain.ErrTransactionFailed)
			},
			wantReason: domain.FailureFillFailed,
		},
		{
			name: "confirmation times out",
			setup: func(h *harness) {
				h.signer.setConfirm("purchase-sig-1", domain.ErrConfirmationTimeout)
			},
			wantReason: domain.FailureConfirmationTimeout,
		},
		{
			name: "ledger rpc error is retried later",
			setup: func(h *harness) {
				h.signer.setConfirm("purchase-sig-1", errors.New("rpc: connection reset"))
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h)

			g := h.createGift(t, "cs_fail")
			err := h.orch.Purchase(context.Background(), g.ID)

			got, gerr := h.gifts.Get(context.Background(), g.ID)
			require.NoError(t, gerr)
			if tc.wantErr {
				require.Error(t, err)
				assert.Equal(t, domain.GiftStatusPendingPayment, got.Status)
				assert.Empty(t, got.LeaseToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.GiftStatusExpired, got.Status)
			assert.Equal(t, tc.wantReason, got.FailureReason)
			assert.Zero(t, got.TokenAmount)
			if tc.wantOrders > 0 {
				assert.Equal(t, tc.wantOrders, h.venue.orderCount())
				assert.Zero(t, h.signer.sentCount())
			}
		})
	}
}

func TestPurchaseResumesRecordedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signer.setConfirm("purchase-sig-1", errors.New("rpc: connection reset"))

	g := h.createGift(t, "cs_resume")
	require.Error(t, h.orch.Purchase(ctx, g.ID))
	assert.Equal(t, 1, h.venue.orderCount())

	h.signer.setConfirm("purchase-sig-1", nil)
	require.NoError(t, h.orch.Purchase(ctx, g.ID))
	assert.Equal(t, 1, h.venue.orderCount())

	got, err := h.gifts.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GiftStatusPendingClaim, got.Status)
	assert.Equal(t, uint64(10), got.TokenAmount)
}

func TestPurchaseSkipsLeasedGift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.createGift(t, "cs_leased")

	_, err := h.gifts.AcquireLease(ctx, g.ID, domain.GiftStatusPendingPayment, "other-worker", time.Minute)
	require.NoError(t, err)

	err = h.orch.Purchase(ctx, g.ID)
	require.ErrorIs(t, err, domain.ErrLeaseHeld)
	assert.Zero(t, h.venue.orderCount())
}

func TestPurchaseSendWithLostReply(t *testing.T) {
	lost := fmt.Errorf("%w: context deadline exceeded", domain.ErrLedgerSubmission)

	testCases := []struct {
		name       string
		confirm    error
		wantOrders int
		wantSig    string
	}{
		{name: "accepted order is kept", wantOrders: 1, wantSig: "purchase-sig-1"},
		{name: "order failed on ledger is replaced", confirm: domain.ErrTransactionFailed, wantOrders: 2, wantSig: "purchase-sig-2"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.signer.send = func(n int) error {
				if n == 1 {
					return lost
				}
				return nil
			}
			h.signer.setConfirm("purchase-sig-1", tc.confirm)

			g := h.createGift(t, "cs_lost")
			require.NoError(t, h.orch.Purchase(context.Background(), g.ID))

			got, err := h.gifts.Get(context.Background(), g.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.GiftStatusPendingClaim, got.Status)
			assert.Equal(t, tc.wantSig, got.PurchaseTxSig)
			assert.Equal(t, tc.wantOrders, h.venue.orderCount())
		})
	}
}

func TestPurchaseWithUnknownSendOutcomeResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.signer.send = func(int) error {
		return fmt.Errorf("%w: connection reset", domain.ErrLedgerSubmission)
	}
	h.signer.setConfirm("purchase-sig-1", domain.ErrConfirmationTimeout)

	g := h.createGift(t, "cs_unknown")
	require.Error(t, h.orch.Purchase(ctx, g.ID))
	assert.Equal(t, 1, h.venue.orderCount())

	got, err := h.gifts.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GiftStatusPendingPayment, got.Status)
	assert.Equal(t, "purchase-sig-1", got.PurchaseTxSig)

	// The order turns up on the ledger; the next run waits on it instead of
	// buying again.
	h.signer.setConfirm("purchase-sig-1", nil)
	require.NoError(t, h.orch.Purchase(ctx, g.ID))
	assert.Equal(t, 1, h.venue.orderCount())
	assert.Equal(t, 1, h.signer.sentCount())

	got, err = h.gifts.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GiftStatusPendingClaim, got.Status)
}

func TestPurchaseNotSentUntilRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.createGift(t, "cs_unrecorded")
	h.orch.gifts = failingUpdates{GiftStore: h.gifts}

	err := h.orch.Purchase(ctx, g.ID)
	require.ErrorIs(t, err, errOrderNotRecorded)
	assert.Zero(t, h.signer.sentCount())

	got, gerr := h.gifts.Get(ctx, g.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.GiftStatusPendingPayment, got.Status)
	assert.Empty(t, got.PurchaseTxSig)
}

func TestClaimOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.claimableGift(t, "cs_claim")
	d1, d2 := wallet(), wallet()

	res, err := h.orch.Claim(ctx, domain.ClaimRequest{GiftID: g.ID, RecipientAddress: d1, RecipientIdentityID: "did:1"})
	require.NoError(t, err)
	assert.Equal(t, "claim-sig-1", res.TransactionReference)
	assert.Equal(t, d1, res.RecipientAddress)

	_, err = h.orch.Claim(ctx, domain.ClaimRequest{GiftID: g.ID, RecipientAddress: d2})
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	got, err := h.gifts.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GiftStatusClaimed, got.Status)
	assert.Equal(t, d1, got.RecipientWallet)
	assert.Equal(t, "claim-sig-1", got.ClaimTxSig)
	assert.Equal(t, "did:1", got.RecipientIdentity)
	assert.NotNil(t, got.ClaimedAt)

	require.Len(t, h.custody.calls, 1)
	assert.Equal(t, transferCall{mint: "yes-ABC-1", to: d1, amount: 10}, h.custody.calls[0])
}

func TestClaimRejectsStatusAndInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending := h.createGift(t, "cs_pending")
	_, err := h.orch.Claim(ctx, domain.ClaimRequest{GiftID: pending.ID, RecipientAddress: wallet()})
	require.ErrorIs(t, err, domain.ErrNotYetClaimable)

	h.venue.place = func(domain.OrderRequest) (domain.PlacedOrder, error) {
		return domain.PlacedOrder{}, &domain.VenueError{Op: "order", StatusCode: 400}
	}
	expired := h.createGift(t, "cs_expired")
	require.NoError(t, h.orch.Purchase(ctx, expired.ID))
	_, err = h.orch.Claim(ctx, domain.ClaimRequest{GiftID: expired.ID, RecipientAddress: wallet()})
	require.ErrorIs(t, err, domain.ErrGiftExpired)

	_, err = h.orch.Claim(ctx, domain.ClaimRequest{GiftID: pending.ID, RecipientAddress: "not-a-wallet"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = h.orch.Claim(ctx, domain.ClaimRequest{GiftID: "missing", RecipientAddress: wallet()})
	require.ErrorIs(t, err, domain.ErrNotFound)

	assert.Zero(t, h.custody.count())
}

func TestConcurrentClaimsTransferOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.claimableGift(t, "cs_race")

	h.custody.block = make(chan struct{})
	h.custody.entered = make(chan struct{}, 1)

	first := make(chan error, 1)
	go func() {
		_, err := h.orch.Claim(ctx, domain.ClaimRequest{GiftID: g.ID, RecipientAddress: wallet()})
		first <- err
	}()
	<-h.custody.entered

	_, err := h.orch.Claim(ctx, domain.ClaimRequest{GiftID: g.ID, RecipientAddress: wallet()})
	require.ErrorIs(t, err, domain.ErrClaimInProgress)

	close(h.custody.block)
	require.NoError(t, <-first)
	assert.Equal(t, 1, h.custody.count())
}

func TestClaimFailureKeepsGiftClaimable(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		wantAlert string
	}{
		{"insufficient custody balance", domain.ErrInsufficientCustodyBalance, domain.EventCustodyInsufficient},
		{"transfer failed on ledger", domain.ErrTransactionFailed, domain.EventClaimFailed},
		{"ledger unreachable", domain.ErrLedgerSubmission, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			g := h.claimableGift(t, "cs_claimfail")
			h.custody.transfer = func(int) (string, error) { return "", tc.err }

			_, err := h.orch.Claim(ctx, domain.ClaimRequest{GiftID: g.ID, RecipientAddress: wallet()})
			require.ErrorIs(t, err, tc.err)

			got, gerr := h.gifts.Get(ctx, g.ID)
			require.NoError(t, gerr)
			assert.Equal(t, domain.GiftStatusPendingClaim, got.Status)
			assert.Empty(t, got.RecipientWallet)
			assert.Empty(t, got.ClaimTxSig)
			assert.Empty(t, got.LeaseToken)
			if tc.wantAlert != "" {
				assert.Contains(t, h.alerts.events, tc.wantAlert)
			}
			assert.Contains(t, h.auditEvents(t, g.ID), auditClaimFailed)

			// The claim can be retried once the cause is fixed.
			h.custody.transfer = nil
			_, err = h.orch.Claim(ctx, domain.ClaimRequest{GiftID: g.ID, RecipientAddress: wallet()})
			require.NoError(t, err)
		})
	}
}

func TestClaimCommitsLandedPendingTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.claimableGift(t, "cs_landed")
	d1 := wallet()

	h.custody.transfer = func(int) (string, error) {
		return "claim-sig-slow", domain.ErrConfirmationTimeout
	}
	_, err := h.orch.Claim(ctx, domain.ClaimRequest{GiftID: g.ID, RecipientAddress: d1})
	require.ErrorIs(t, err, domain.ErrConfirmationTimeout)
	assert.Contains(t, h.auditEvents(t, g.ID), auditClaimPending)

	// The slow transfer landed after all; a second attempt must not move
	// tokens again, even towards another wallet.
	h.signer.setConfirm("claim-sig-slow", nil)
	res, err := h.orch.Claim(ctx, domain.ClaimRequest{GiftID: g.ID, RecipientAddress: wallet()})
	require.NoError(t, err)
	assert.Equal(t, "claim-sig-slow", res.TransactionReference)
	assert.Equal(t, d1, res.RecipientAddress)
	assert.Equal(t, 1, h.custody.count())

	got, err := h.gifts.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, d1, got.RecipientWallet)
}

func TestClaimSignedTransferIsNotResent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.claimableGift(t, "cs_lost_reply")
	d1 := wallet()

	h.custody.transfer = func(n int) (string, error) {
		return fmt.Sprintf("claim-sig-%d", n), fmt.Errorf("%w: context deadline exceeded", domain.ErrLedgerSubmission)
	}
	_, err := h.orch.Claim(ctx, domain.ClaimRequest{GiftID: g.ID, RecipientAddress: d1})
	require.ErrorIs(t, err, domain.ErrLedgerSubmission)
	assert.Equal(t, 1, h.custody.count())
	assert.Contains(t, h.auditEvents(t, g.ID), auditClaimPending)

	// The transfer had landed; the retry commits it.
	h.custody.transfer = nil
	res, err := h.orch.Claim(ctx, domain.ClaimRequest{GiftID: g.ID, RecipientAddress: wallet()})
	require.NoError(t, err)
	assert.Equal(t, "claim-sig-1", res.TransactionReference)
	assert.Equal(t, d1, res.RecipientAddress)
	assert.Equal(t, 1, h.custody.count())
}

func TestClaimNotSentUntilPendingRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.claimableGift(t, "cs_no_pending")
	h.orch.audit = failingAudit{AuditStore: h.audit, event: auditClaimPending}

	_, err := h.orch.Claim(ctx, domain.ClaimRequest{GiftID: g.ID, RecipientAddress: wallet()})
	require.ErrorIs(t, err, errPendingNotRecorded)
	assert.Zero(t, h.custody.sentCount())

	got, gerr := h.gifts.Get(ctx, g.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.GiftStatusPendingClaim, got.Status)
	assert.Empty(t, got.ClaimTxSig)
}

func TestClaimAbandonsDeadPendingTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.claimableGift(t, "cs_dead")

	h.custody.transfer = func(n int) (string, error) {
		if n == 1 {
			return "claim-sig-dead", domain.ErrConfirmationTimeout
		}
		return fmt.Sprintf("claim-sig-%d", n), nil
	}
	_, err := h.orch.Claim(ctx, domain.ClaimRequest{GiftID: g.ID, RecipientAddress: wallet()})
	require.Error(t, err)

	h.signer.setConfirm("claim-sig-dead", domain.ErrTransactionFailed)
	d2 := wallet()
	res, err := h.orch.Claim(ctx, domain.ClaimRequest{GiftID: g.ID, RecipientAddress: d2})
	require.NoError(t, err)
	assert.Equal(t, "claim-sig-2", res.TransactionReference)
	assert.Equal(t, d2, res.RecipientAddress)
	assert.Contains(t, h.auditEvents(t, g.ID), auditClaimAbandoned)
}

func TestRedemptionOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.claimableGift(t, "cs_redeem")
	owner := wallet()

	_, err := h.orch.RedemptionOrder(ctx, g.ID, owner)
	require.ErrorIs(t, err, domain.ErrStatusConflict)

	_, err = h.orch.Claim(ctx, domain.ClaimRequest{GiftID: g.ID, RecipientAddress: owner})
	require.NoError(t, err)

	_, err = h.orch.RedemptionOrder(ctx, g.ID, wallet())
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = h.orch.RedemptionOrder(ctx, g.ID, owner)
	require.NoError(t, err)

	last := h.venue.orders[len(h.venue.orders)-1]
	assert.Equal(t, "yes-ABC-1", last.InputMint)
	assert.Equal(t, domain.USDCMint, last.OutputMint)
	assert.Equal(t, uint64(10), last.Amount)
	assert.Equal(t, owner, last.Payer)
	assert.Equal(t, 100, last.SlippageBps)

	got, err := h.gifts.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GiftStatusClaimed, got.Status)
}

func TestHistoryNeedsOneSelector(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createGift(t, "cs_h1")
	h.createGift(t, "cs_h2")

	_, err := h.orch.History(ctx, HistoryQuery{})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = h.orch.History(ctx, HistoryQuery{SenderID: "alice", RecipientContact: "bob@example.com"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	got, err := h.orch.History(ctx, HistoryQuery{RecipientContact: "bob@example.com"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = h.orch.History(ctx, HistoryQuery{RecipientContact: "bob@example.com", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLookupIsAnonymous(t *testing.T) {
	h := newHarness(t)
	g := h.claimableGift(t, "cs_lookup")

	pub, err := h.orch.Lookup(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, "Someone", pub.SenderName)
	assert.Equal(t, uint64(10), pub.TokenAmount)
	assert.Equal(t, domain.GiftStatusPendingClaim, pub.Status)

	_, err = h.orch.Lookup(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReconcileStaleGifts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unsubmitted := h.createGift(t, "cs_r1")

	landed := h.createGift(t, "cs_r2")
	sig, mode, quoted := "stale-landed", domain.ExecutionSync, uint64(7)
	_, err := h.gifts.Update(ctx, landed.ID, domain.GiftUpdate{PurchaseTxSig: &sig, ExecutionMode: &mode, QuotedTokenAmount: &quoted})
	require.NoError(t, err)

	lost := h.createGift(t, "cs_r3")
	lostSig := "stale-lost"
	_, err = h.gifts.Update(ctx, lost.ID, domain.GiftUpdate{PurchaseTxSig: &lostSig, ExecutionMode: &mode})
	require.NoError(t, err)
	h.signer.setConfirm(lostSig, domain.ErrConfirmationTimeout)

	// Nothing is stale yet.
	n, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.orch.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	testCases := []struct {
		id         string
		wantStatus domain.GiftStatus
		wantTokens uint64
		wantReason domain.FailureReason
	}{
		{unsubmitted.ID, domain.GiftStatusPendingClaim, 10, ""},
		{landed.ID, domain.GiftStatusPendingClaim, 7, ""},
		{lost.ID, domain.GiftStatusExpired, 0, domain.FailureStaleReconciled},
	}
	for _, tc := range testCases {
		got, err := h.gifts.Get(ctx, tc.id)
		require.NoError(t, err)
		assert.Equal(t, tc.wantStatus, got.Status, tc.id)
		assert.Equal(t, tc.wantTokens, got.TokenAmount, tc.id)
		assert.Equal(t, tc.wantReason, got.FailureReason, tc.id)
	}
	// Only the gift without a recorded purchase placed a new order.
	assert.Equal(t, 1, h.venue.orderCount())
}

func TestNotificationFailureDoesNotBlockClaim(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("smtp down")
	g := h.claimableGift(t, "cs_notify")

	assert.Contains(t, h.auditEvents(t, g.ID), auditNotifyFailed)
	_, err := h.orch.Claim(context.Background(), domain.ClaimRequest{GiftID: g.ID, RecipientAddress: wallet()})
	require.NoError(t, err)
}

func TestParsePayment(t *testing.T) {
	v := newHarness(t).orch.validate
	valid := func() PaymentWebhook {
		return PaymentWebhook{
			SessionID:     "cs_1",
			PaymentStatus: PaymentStatusPaid,
			Metadata: PaymentMetadata{
				MarketTicker:     " ABC-1 ",
				Side:             "YES",
				Shares:           "10",
				PricePerShare:    "0.65",
				RecipientContact: "bob@example.com",
				SenderEmail:      "alice@example.com",
			},
		}
	}

	evt, err := parsePayment(v, valid())
	require.NoError(t, err)
	assert.Equal(t, "ABC-1", evt.MarketTicker)
	assert.Equal(t, "ABC-1", evt.MarketTitle)
	assert.Equal(t, domain.SideYes, evt.Side)
	assert.True(t, decimal.RequireFromString("6.5").Equal(evt.AmountUSDC))
	assert.Equal(t, "alice@example.com", evt.SenderID)
	assert.Equal(t, "checkout:cs_1", evt.IdempotencyKey())

	testCases := []struct {
		name   string
		mutate func(w *PaymentWebhook)
	}{
		{"missing ticker", func(w *PaymentWebhook) { w.Metadata.MarketTicker = "" }},
		{"bad side", func(w *PaymentWebhook) { w.Metadata.Side = "maybe" }},
		{"zero shares", func(w *PaymentWebhook) { w.Metadata.Shares = "0" }},
		{"negative shares", func(w *PaymentWebhook) { w.Metadata.Shares = "-1" }},
		{"price above one", func(w *PaymentWebhook) { w.Metadata.PricePerShare = "1.2" }},
		{"non numeric price", func(w *PaymentWebhook) { w.Metadata.PricePerShare = "cheap" }},
		{"no recipient", func(w *PaymentWebhook) { w.Metadata.RecipientContact = "" }},
		{"dust amount", func(w *PaymentWebhook) {
			w.Metadata.Shares = "0.000001"
			w.Metadata.PricePerShare = "0.1"
		}},
		{"missing session", func(w *PaymentWebhook) { w.SessionID = "" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := valid()
			tc.mutate(&w)
			_, err := parsePayment(v, w)
			require.ErrorIs(t, err, domain.ErrInvalidEvent)
		})
	}

	t.Run("legacy recipient email", func(t *testing.T) {
		w := valid()
		w.Metadata.RecipientContact = ""
		w.Metadata.RecipientEmail = "carol@example.com"
		evt, err := parsePayment(v, w)
		require.NoError(t, err)
		assert.Equal(t, "carol@example.com", evt.RecipientContact)
	})
}
