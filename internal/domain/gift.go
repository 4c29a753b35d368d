package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GiftStatus tracks a gift through fulfillment.
type GiftStatus string

const (
	GiftStatusPendingPayment GiftStatus = "pending_payment"
	GiftStatusPendingClaim   GiftStatus = "pending_claim"
	GiftStatusClaimed        GiftStatus = "claimed"
	GiftStatusCashedOut      GiftStatus = "cashed_out"
	GiftStatusSettled        GiftStatus = "settled"
	GiftStatusExpired        GiftStatus = "expired"
)

// transitions is the forward-only status graph.
var transitions = map[GiftStatus][]GiftStatus{
	GiftStatusPendingPayment: {GiftStatusPendingClaim, GiftStatusExpired},
	GiftStatusPendingClaim:   {GiftStatusClaimed},
	GiftStatusClaimed:        {GiftStatusCashedOut, GiftStatusSettled},
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to GiftStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no core transition leaves this status.
func (s GiftStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s GiftStatus) Valid() bool {
	switch s {
	case GiftStatusPendingPayment, GiftStatusPendingClaim, GiftStatusClaimed,
		GiftStatusCashedOut, GiftStatusSettled, GiftStatusExpired:
		return true
	}
	return false
}

// Side selects the outcome of a binary market.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// FailureReason classifies why a purchase ended in expired.
type FailureReason string

const (
	FailureVenueRejected       FailureReason = "venue_rejected"
	FailureVenueUnavailable    FailureReason = "venue_unavailable"
	FailureMarketUnavailable   FailureReason = "market_unavailable"
	FailureSubmission          FailureReason = "submission_failed"
	FailureFillFailed          FailureReason = "fill_failed"
	FailureFillBudgetExhausted FailureReason = "fill_budget_exhausted"
	FailureConfirmationTimeout FailureReason = "confirmation_timeout"
	FailureStaleReconciled     FailureReason = "stale_reconciled"
)

// Gift is one outcome-token position bought for a recipient.
type Gift struct {
	ID              string          `json:"id"`
	IdempotencyKey  string          `json:"idempotencyKey"`
	MarketTicker    string          `json:"marketTicker"`
	MarketTitle     string          `json:"marketTitle"`
	Side            Side            `json:"side"`
	OutcomeMint     string          `json:"outcomeMint,omitempty"`
	TokenAmount     uint64          `json:"tokenAmount"`
	CostUSDC        decimal.Decimal `json:"costUsdc"`
	RequestedShares decimal.Decimal `json:"requestedShares"`

	SenderID          string `json:"senderId"`
	SenderEmail       string `json:"senderEmail,omitempty"`
	RecipientContact  string `json:"recipientContact"`
	RecipientName     string `json:"recipientName"`
	GiftMessage       string `json:"giftMessage,omitempty"`
	RecipientWallet   string `json:"recipientWalletAddress,omitempty"`
	RecipientIdentity string `json:"recipientIdentityId,omitempty"`

	PurchaseTxSig     string        `json:"purchaseTxSig,omitempty"`
	ExecutionMode     ExecutionMode `json:"executionMode,omitempty"`
	QuotedTokenAmount uint64        `json:"quotedTokenAmount,omitempty"`
	ClaimTxSig        string        `json:"claimTxSig,omitempty"`
	FailureReason     FailureReason `json:"failureReason,omitempty"`

	Status GiftStatus `json:"status"`

	LeaseToken string     `json:"-"`
	LeaseUntil *time.Time `json:"-"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ClaimedAt  *time.Time `json:"claimedAt,omitempty"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// Claimable reports whether a claim may start.
func (g Gift) Claimable() bool {
	return g.Status == GiftStatusPendingClaim
}

// Leased reports whether another task holds the in-flight lease at now.
func (g Gift) Leased(now time.Time) bool {
	return g.LeaseToken != "" && g.LeaseUntil != nil && g.LeaseUntil.After(now)
}

// SenderDisplayName is the name shown to the recipient in notifications.
func (g Gift) SenderDisplayName() string {
	if i := strings.Index(g.SenderEmail, "@"); i > 0 {
		return g.SenderEmail[:i]
	}
	return "A friend"
}

// GiftUpdate lists fields to change in one atomic write. Nil fields are left
// untouched.
type GiftUpdate struct {
	OutcomeMint       *string
	TokenAmount       *uint64
	PurchaseTxSig     *string
	ExecutionMode     *ExecutionMode
	QuotedTokenAmount *uint64
	ClaimTxSig        *string
	RecipientWallet   *string
	RecipientIdentity *string
	FailureReason     *FailureReason
	ClaimedAt         *time.Time
}

// Apply copies the non-nil fields of u onto g.
func (u GiftUpdate) Apply(g *Gift) {
	if u.OutcomeMint != nil {
		g.OutcomeMint = *u.OutcomeMint
	}
	if u.TokenAmount != nil {
		g.TokenAmount = *u.TokenAmount
	}
	if u.PurchaseTxSig != nil {
		g.PurchaseTxSig = *u.PurchaseTxSig
	}
	if u.ExecutionMode != nil {
		g.ExecutionMode = *u.ExecutionMode
	}
	if u.QuotedTokenAmount != nil {
		g.QuotedTokenAmount = *u.QuotedTokenAmount
	}
	if u.ClaimTxSig != nil {
		g.ClaimTxSig = *u.ClaimTxSig
	}
	if u.RecipientWallet != nil {
		g.RecipientWallet = *u.RecipientWallet
	}
	if u.RecipientIdentity != nil {
		g.RecipientIdentity = *u.RecipientIdentity
	}
	if u.FailureReason != nil {
		g.FailureReason = *u.FailureReason
	}
	if u.ClaimedAt != nil {
		t := *u.ClaimedAt
		g.ClaimedAt = &t
	}
}

// PublicGift is the pre-authentication view of a gift. It carries no sender
// identity and no wallet material.
type PublicGift struct {
	ID            string          `json:"id"`
	MarketTicker  string          `json:"marketTicker"`
	MarketTitle   string          `json:"marketTitle"`
	Side          Side            `json:"side"`
	TokenAmount   uint64          `json:"tokenAmount"`
	CostUSDC      decimal.Decimal `json:"costUsdc"`
	SenderName    string          `json:"senderName"`
	RecipientName string          `json:"recipientName"`
	GiftMessage   string          `json:"giftMessage,omitempty"`
	Status        GiftStatus      `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	ClaimedAt     *time.Time      `json:"claimedAt,omitempty"`
}

// Public projects g onto its anonymized view.
func (g Gift) Public() PublicGift {
	return PublicGift{
		ID:            g.ID,
		MarketTicker:  g.MarketTicker,
		MarketTitle:   g.MarketTitle,
		Side:          g.Side,
		TokenAmount:   g.TokenAmount,
		CostUSDC:      g.CostUSDC,
		SenderName:    "Someone",
		RecipientName: g.RecipientName,
		GiftMessage:   g.GiftMessage,
		Status:        g.Status,
		CreatedAt:     g.CreatedAt,
		ClaimedAt:     g.ClaimedAt,
	}
}

// PaymentEvent is a verified payment confirmation in its strict form.
type PaymentEvent struct {
	SessionID        string
	MarketTicker     string
	MarketTitle      string
	Side             Side
	Shares           decimal.Decimal
	PricePerShare    decimal.Decimal
	AmountUSDC       decimal.Decimal
	RecipientContact string
	RecipientName    string
	GiftMessage      string
	SenderEmail      string
	SenderID         string
}

// IdempotencyKey is the payment session the event belongs to.
func (e PaymentEvent) IdempotencyKey() string {
	return "checkout:" + e.SessionID
}

// ClaimRequest asks to move a gift's tokens to a recipient wallet.
type ClaimRequest struct {
	GiftID              string `json:"giftId" validate:"required"`
	RecipientAddress    string `json:"recipientAddress" validate:"required"`
	RecipientIdentityID string `json:"recipientIdentityId"`
}

// ClaimResult is returned on a successful claim.
type ClaimResult struct {
	TransactionReference string `json:"transactionReference"`
	RecipientAddress     string `json:"recipientAddress"`
}

// GiftEvent is published on every status change.
type GiftEvent struct {
	GiftID    string        `json:"giftId"`
	Status    GiftStatus    `json:"status"`
	Reason    FailureReason `json:"reason,omitempty"`
	TxSig     string        `json:"txSig,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// GiftChannel is the pub/sub channel carrying events for one gift.
func GiftChannel(id string) string {
	return "gift:" + id
}
