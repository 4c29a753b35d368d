package domain

import "context"

// ExecutionMode is the fill behaviour the venue declares for an order.
type ExecutionMode string

const (
	// ExecutionSync orders are filled once the submitted transaction confirms.
	ExecutionSync ExecutionMode = "sync"
	// ExecutionAsync orders may fill after acceptance and must be polled.
	ExecutionAsync ExecutionMode = "async"
)

// FillStatus is the venue-reported state of a submitted order.
type FillStatus string

const (
	FillPending FillStatus = "pending"
	FillFilled  FillStatus = "filled"
	FillFailed  FillStatus = "failed"
)

// USDCMint is the payment asset used to buy outcome tokens.
const USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// USDCDecimals is the number of decimal places of the payment asset.
const USDCDecimals = 6

// OrderRequest asks the venue for a swap transaction.
type OrderRequest struct {
	InputMint   string
	OutputMint  string
	Amount      uint64
	SlippageBps int
	Payer       string
}

// OrderQuote is the venue's price estimate for an order.
type OrderQuote struct {
	InputAmount  uint64
	OutputAmount uint64
	Price        string
}

// PlacedOrder is an unsigned venue transaction ready for the custody signer.
type PlacedOrder struct {
	Transaction   []byte
	ExecutionMode ExecutionMode
	Quote         OrderQuote
}

// OrderFill is the result of a fill-status lookup.
type OrderFill struct {
	Status             FillStatus
	FilledOutputAmount uint64
}

// MarketMints describes the two outcome assets of a binary market.
type MarketMints struct {
	Ticker  string
	Title   string
	Status  string
	YesMint string
	NoMint  string
}

// MintFor returns the outcome asset matching side.
func (m MarketMints) MintFor(side Side) string {
	if side == SideNo {
		return m.NoMint
	}
	return m.YesMint
}

// Venue places orders and reports fills. Implementations never retry.
type Venue interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (PlacedOrder, error)
	OrderStatus(ctx context.Context, txRef string) (OrderFill, error)
}

// MarketResolver maps a market ticker to its outcome assets.
type MarketResolver interface {
	OutcomeMints(ctx context.Context, ticker string) (MarketMints, error)
}

// BeforeSend runs after a transaction is signed and before it is sent, with
// the signature it will land under. A non-nil error aborts the send.
type BeforeSend func(ctx context.Context, txRef string) error

// SettlementSigner is the only holder of the custody key.
//
// SignAndSubmit returns the signature whenever the transaction was signed,
// even together with an error: a send that failed in transit may still land,
// so callers must resolve that signature before submitting anything new.
type SettlementSigner interface {
	PublicKey() string
	SignAndSubmit(ctx context.Context, unsignedTx []byte, before BeforeSend) (string, error)
	AwaitConfirmation(ctx context.Context, txRef string) error
}

// CustodyTransferer moves custody-held assets to a destination wallet. Like
// SignAndSubmit, a non-empty signature returned with an error may still land.
type CustodyTransferer interface {
	Transfer(ctx context.Context, mint, to string, amount uint64, before BeforeSend) (string, error)
}
