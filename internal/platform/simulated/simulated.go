// Package simulated provides stand-ins for the venue, the market metadata
// API and the custody ledger so the fulfillment flow runs end to end without
// external services.
package simulated

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// Venue fills every order. Sync orders fill on confirmation; async orders
// report pending for FillAfter status checks before filling.
type Venue struct {
	Mode      domain.ExecutionMode
	FillAfter int

	mu     sync.Mutex
	checks map[string]int
}

var (
	_ domain.Venue          = (*Venue)(nil)
	_ domain.MarketResolver = (*Venue)(nil)
)

// NewVenue creates a simulated venue that fills synchronously.
func NewVenue() *Venue {
	return &Venue{Mode: domain.ExecutionSync, checks: make(map[string]int)}
}

// PlaceOrder returns opaque transaction bytes. The quote leaves the output
// amount unset, so the requested share count is credited.
func (v *Venue) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.PlacedOrder, error) {
	if req.Amount == 0 {
		return domain.PlacedOrder{}, &domain.VenueError{Op: "place order", StatusCode: 400, Message: "amount must be positive"}
	}
	return domain.PlacedOrder{
		Transaction:   []byte(fmt.Sprintf("demo:%s:%s:%d", req.InputMint, req.OutputMint, req.Amount)),
		ExecutionMode: v.Mode,
		Quote:         domain.OrderQuote{InputAmount: req.Amount},
	}, nil
}

// OrderStatus fills once txRef has been checked FillAfter times.
func (v *Venue) OrderStatus(_ context.Context, txRef string) (domain.OrderFill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.checks[txRef]++
	if v.checks[txRef] <= v.FillAfter {
		return domain.OrderFill{Status: domain.FillPending}, nil
	}
	return domain.OrderFill{Status: domain.FillFilled}, nil
}

// OutcomeMints derives placeholder mints from the ticker.
func (v *Venue) OutcomeMints(_ context.Context, ticker string) (domain.MarketMints, error) {
	if ticker == "" {
		return domain.MarketMints{}, domain.ErrMarketUnavailable
	}
	return domain.MarketMints{
		Ticker:  ticker,
		Title:   ticker,
		Status:  "active",
		YesMint: "demo-yes-mint-" + ticker,
		NoMint:  "demo-no-mint-" + ticker,
	}, nil
}

// Ledger signs nothing and confirms everything. Transfers are recorded so
// the demo can show where tokens went.
type Ledger struct {
	address string

	mu        sync.Mutex
	transfers []Transfer
}

// Transfer is a recorded simulated custody transfer.
type Transfer struct {
	Signature string
	Mint      string
	To        string
	Amount    uint64
}

var (
	_ domain.SettlementSigner  = (*Ledger)(nil)
	_ domain.CustodyTransferer = (*Ledger)(nil)
)

// NewLedger creates a simulated ledger with a random custody address.
func NewLedger() *Ledger {
	return &Ledger{address: solana.NewWallet().PublicKey().String()}
}

// PublicKey returns the simulated custody address.
func (l *Ledger) PublicKey() string {
	return l.address
}

// SignAndSubmit returns a fresh random signature after before accepts it.
func (l *Ledger) SignAndSubmit(ctx context.Context, unsignedTx []byte, before domain.BeforeSend) (string, error) {
	if len(unsignedTx) == 0 {
		return "", fmt.Errorf("simulated: empty transaction: %w", domain.ErrTransactionFailed)
	}
	return signed(ctx, before)
}

// AwaitConfirmation confirms immediately.
func (l *Ledger) AwaitConfirmation(ctx context.Context, _ string) error {
	return ctx.Err()
}

// Transfer records the transfer and returns a random signature.
func (l *Ledger) Transfer(ctx context.Context, mint, to string, amount uint64, before domain.BeforeSend) (string, error) {
	sig, err := signed(ctx, before)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	l.transfers = append(l.transfers, Transfer{Signature: sig, Mint: mint, To: to, Amount: amount})
	l.mu.Unlock()
	return sig, nil
}

// Transfers returns the recorded transfers.
func (l *Ledger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transfer(nil), l.transfers...)
}

// signed draws a signature and hands it to before, as a real signer does
// between signing and sending.
func signed(ctx context.Context, before domain.BeforeSend) (string, error) {
	sig, err := randomSignature()
	if err != nil {
		return "", err
	}
	if before != nil {
		if err := before(ctx, sig); err != nil {
			return "", err
		}
	}
	return sig, nil
}

func randomSignature() (string, error) {
	var sig solana.Signature
	if _, err := rand.Read(sig[:]); err != nil {
		return "", fmt.Errorf("simulated: random signature: %w", err)
	}
	return sig.String(), nil
}
